// Package prompt asks the operator to confirm destructive steps or pick an
// entry from a list.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when an answer is needed but stdin is not a
// terminal and confirmation was not given up front.
var ErrNotInteractive = errors.New("input is not a terminal; rerun with --yes")

var isTerminal = term.IsTerminal

// Prompter reads answers line by line.
type Prompter struct {
	in          *bufio.Reader
	out         io.Writer
	assumeYes   bool
	interactive bool
}

// New returns a Prompter on stdin and stdout.
func New(assumeYes bool) *Prompter {
	return &Prompter{
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		assumeYes:   assumeYes,
		interactive: isTerminal(int(os.Stdin.Fd())),
	}
}

// NewWithIO returns a Prompter over the given streams, treated as a terminal.
func NewWithIO(in io.Reader, out io.Writer, assumeYes bool) *Prompter {
	return &Prompter{
		in:          bufio.NewReader(in),
		out:         out,
		assumeYes:   assumeYes,
		interactive: true,
	}
}

// Confirm asks question and reports whether the operator typed "yes".
func (p *Prompter) Confirm(question string) (bool, error) {
	if p.assumeYes {
		fmt.Fprintf(p.out, "%s yes (--yes)\n", question)
		return true, nil
	}
	if !p.interactive {
		return false, ErrNotInteractive
	}
	fmt.Fprintf(p.out, "%s [yes/no]: ", question)
	answer, err := p.readLine()
	if err != nil {
		return false, err
	}
	return strings.EqualFold(answer, "yes"), nil
}

// Select prints options numbered from 1 and returns the index of the chosen
// one. An empty answer or "q" returns -1.
func (p *Prompter) Select(title string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("nothing to choose from")
	}
	if !p.interactive {
		return -1, ErrNotInteractive
	}
	fmt.Fprintln(p.out, title)
	for i, opt := range options {
		fmt.Fprintf(p.out, "%3d) %s\n", i+1, opt)
	}
	for {
		fmt.Fprintf(p.out, "Choose 1-%d (q to quit): ", len(options))
		answer, err := p.readLine()
		if err != nil {
			return -1, err
		}
		if answer == "" || strings.EqualFold(answer, "q") {
			return -1, nil
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		fmt.Fprintf(p.out, "%q is not a valid choice\n", answer)
	}
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
