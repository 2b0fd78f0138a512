package zfs

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// fakeRunner answers zfs invocations from a script keyed by the joined args.
type fakeRunner struct {
	mu       sync.Mutex
	outputs  map[string]string
	failures map[string]error
	calls    []string
	sent     string
	received []byte
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, failures: map[string]error{}}
}

func (f *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err, ok := f.failures[key]; ok {
		return nil, err
	}
	return []byte(f.outputs[key]), nil
}

func (f *fakeRunner) Stream(_ context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	key := strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, key)
	err := f.failures[key]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if stdout != nil {
		if _, err := io.WriteString(stdout, f.sent); err != nil {
			return err
		}
	}
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.received = data
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeRunner) called(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

var errBoom = errors.New("boom")
