package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/heavyscript/appsnap/internal/backup"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/journal"
)

const createdLayout = "2006-01-02 15:04:05"

// resolveEntry finds arg among entries by name or by its 1-based position
// in the listing.
func resolveEntry(entries []backup.Entry, arg string) (backup.Entry, error) {
	arg = strings.TrimSpace(arg)
	for _, e := range entries {
		if e.Name == arg {
			return e, nil
		}
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n >= 1 && n <= len(entries) {
			return entries[n-1], nil
		}
		return backup.Entry{}, fmt.Errorf("index %d out of range 1-%d: %w", n, len(entries), apperrors.ErrInvalidInput)
	}
	return backup.Entry{}, fmt.Errorf("backup %s: %w", arg, apperrors.ErrNotFound)
}

// writeEntries renders the numbered backup listing. outcomes may be nil.
func writeEntries(w io.Writer, entries []backup.Entry, outcomes map[string]journal.Run) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No backups found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tKIND\tCREATED\tLAST RUN")
	for i, e := range entries {
		last := "-"
		if r, ok := outcomes[e.Name]; ok {
			last = journal.Describe(r)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, e.Name, e.Kind, e.Created.Format(createdLayout), last)
	}
	return tw.Flush()
}

func entryNames(entries []backup.Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// chooseEntry resolves arg, or asks the operator when it is empty.
func (e *environment) chooseEntry(title string, entries []backup.Entry, arg string) (backup.Entry, error) {
	if len(entries) == 0 {
		return backup.Entry{}, fmt.Errorf("no backups under %s: %w", e.store.Root(), apperrors.ErrNotFound)
	}
	if arg != "" {
		return resolveEntry(entries, arg)
	}
	idx, err := e.prompter.Select(title, entryNames(entries))
	if err != nil {
		return backup.Entry{}, err
	}
	if idx < 0 {
		return backup.Entry{}, apperrors.Fatal("select", apperrors.ErrAborted)
	}
	return entries[idx], nil
}

// chooseApps returns args, or one application picked from the backup tree
// at root when args is empty.
func (e *environment) chooseApps(root string, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	names, err := backup.ListApps(root)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no applications in %s: %w", root, apperrors.ErrNotFound)
	}
	idx, err := e.prompter.Select("Applications", names)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, apperrors.Fatal("select", apperrors.ErrAborted)
	}
	return []string{names[idx]}, nil
}
