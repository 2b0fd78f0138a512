// Package ledger records per-application failures for one backup or
// restore run and renders the end-of-run summary.
package ledger

import (
	"fmt"
	"io"
	"sort"
	"sync"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
)

// Ledger maps application names to failure messages and tracks which
// applications are critical. Entries keep insertion order.
type Ledger struct {
	mu       sync.Mutex
	order    []string
	errors   map[string][]string
	critical []string
	classes  map[apperrors.Class]int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		errors:  make(map[string][]string),
		classes: make(map[apperrors.Class]int),
	}
}

// RecordError appends msg to app's failures.
func (l *Ledger) RecordError(app, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(app, msg)
	l.classes[apperrors.ClassRecoverable]++
}

func (l *Ledger) recordLocked(app, msg string) {
	if _, ok := l.errors[app]; !ok {
		l.order = append(l.order, app)
	}
	l.errors[app] = append(l.errors[app], msg)
}

// MarkCritical records reason and marks app critical. It reports whether
// app was newly marked.
func (l *Ledger) MarkCritical(app, reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(app, reason)
	for _, name := range l.critical {
		if name == app {
			return false
		}
	}
	l.critical = append(l.critical, app)
	l.classes[apperrors.ClassCritical]++
	return true
}

// Record files err against app by its class: critical and fatal errors mark
// the application critical, everything else is a recoverable failure.
func (l *Ledger) Record(app string, err error) {
	if err == nil {
		return
	}
	switch apperrors.ClassOf(err) {
	case apperrors.ClassCritical, apperrors.ClassFatal:
		l.MarkCritical(app, err.Error())
	default:
		l.RecordError(app, err.Error())
	}
}

// IsCritical reports whether app was marked critical.
func (l *Ledger) IsCritical(app string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, name := range l.critical {
		if name == app {
			return true
		}
	}
	return false
}

// Errors returns a copy of app's messages.
func (l *Ledger) Errors(app string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors[app]...)
}

// Critical returns the critical applications in the order they were marked.
func (l *Ledger) Critical() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.critical...)
}

// Failed returns every application with at least one message, in the order
// they first failed.
func (l *Ledger) Failed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// Empty reports whether nothing was recorded.
func (l *Ledger) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order) == 0
}

// ClassCounts returns how many failures of each class were recorded.
func (l *Ledger) ClassCounts() map[apperrors.Class]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[apperrors.Class]int, len(l.classes))
	for k, v := range l.classes {
		out[k] = v
	}
	return out
}

// Summary splits apps into the three report groups.
type Summary struct {
	Clean    []string
	Errored  []string
	Critical []string
}

// Summarize groups apps, the set attempted in the run, against the ledger.
// Failure entries for names outside apps (catalog, apps-dataset) are
// reported as errored too.
func (l *Ledger) Summarize(apps []string) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	critical := make(map[string]struct{}, len(l.critical))
	for _, name := range l.critical {
		critical[name] = struct{}{}
	}
	var s Summary
	seen := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		seen[app] = struct{}{}
		switch _, isCritical := critical[app]; {
		case isCritical:
			s.Critical = append(s.Critical, app)
		case len(l.errors[app]) > 0:
			s.Errored = append(s.Errored, app)
		default:
			s.Clean = append(s.Clean, app)
		}
	}
	for _, name := range l.order {
		if _, ok := seen[name]; ok {
			continue
		}
		if _, isCritical := critical[name]; isCritical {
			s.Critical = append(s.Critical, name)
		} else {
			s.Errored = append(s.Errored, name)
		}
	}
	sort.Strings(s.Clean)
	return s
}

// WriteReport renders the end-of-run report for apps to w.
func (l *Ledger) WriteReport(w io.Writer, title string, apps []string) {
	s := l.Summarize(apps)
	fmt.Fprintf(w, "\n%s\n", title)
	for range title {
		fmt.Fprint(w, "-")
	}
	fmt.Fprintln(w)

	if len(s.Errored) == 0 && len(s.Critical) == 0 {
		fmt.Fprintln(w, "All applications completed successfully.")
		return
	}
	if len(s.Clean) > 0 {
		fmt.Fprintln(w, "Completed cleanly:")
		for _, app := range s.Clean {
			fmt.Fprintf(w, "  %s\n", app)
		}
	}
	if len(s.Errored) > 0 {
		fmt.Fprintln(w, "Completed with errors:")
		for _, app := range s.Errored {
			fmt.Fprintf(w, "  %s:\n", app)
			for _, msg := range l.Errors(app) {
				fmt.Fprintf(w, "    %s\n", msg)
			}
		}
	}
	if len(s.Critical) > 0 {
		fmt.Fprintln(w, "Critical failures (not restored, re-run a single restore after fixing):")
		for _, app := range s.Critical {
			fmt.Fprintf(w, "  %s\n", app)
			for _, msg := range l.Errors(app) {
				fmt.Fprintf(w, "    %s\n", msg)
			}
		}
	}
}
