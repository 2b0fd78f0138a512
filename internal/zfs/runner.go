// Package zfs mirrors the host's dataset and snapshot namespace in memory and
// wraps the zfs command line for every mutation appsnap performs.
package zfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Runner executes zfs subcommands.
type Runner interface {
	// Run executes zfs with args and returns its stdout.
	Run(ctx context.Context, args ...string) ([]byte, error)
	// Stream executes zfs with stdin and stdout attached to the given
	// reader and writer. Either may be nil.
	Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error
}

// CommandError is returned when a zfs invocation exits non-zero.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("zfs %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs the real zfs binary.
type ExecRunner struct {
	Binary string
}

// NewExecRunner returns a Runner for binary, defaulting to /sbin/zfs.
func NewExecRunner(binary string) *ExecRunner {
	if strings.TrimSpace(binary) == "" {
		binary = "/sbin/zfs"
	}
	return &ExecRunner{Binary: binary}
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

func (r *ExecRunner) Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}
