package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heavyscript/appsnap/internal/backup"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/journal"
	"github.com/heavyscript/appsnap/internal/ledger"
	"github.com/heavyscript/appsnap/internal/prompt"
	"github.com/heavyscript/appsnap/internal/restore"
)

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2024-01-01"
	GitCommit = "abcdef"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "appsnap 1.2.3")
	assert.Contains(t, out.String(), "Built: 2024-01-01")
	assert.Contains(t, out.String(), "Commit: abcdef")
}

func TestBackupRoot(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/mnt/tank/backups", "/mnt/tank/backups", false},
		{"/mnt/tank/backups/", "/mnt/tank/backups", false},
		{"", "", true},
		{"tank/backups", "", true},
		{"/srv/backups", "", true},
		{"/mnt", "", true},
	}
	for _, tt := range tests {
		got, err := backupRoot(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func testEntries() []backup.Entry {
	return []backup.Entry{
		{Name: "HeavyScript--2024-01-03_00:00:00", Kind: backup.KindFull, Created: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
		{Name: "HeavyScript--2024-01-02_00:00:00", Kind: backup.KindFull, Created: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Name: "Export--2024-01-01_00:00:00", Kind: backup.KindExport, Created: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestResolveEntry(t *testing.T) {
	entries := testEntries()

	e, err := resolveEntry(entries, "HeavyScript--2024-01-02_00:00:00")
	require.NoError(t, err)
	assert.Equal(t, backup.KindFull, e.Kind)

	e, err = resolveEntry(entries, "3")
	require.NoError(t, err)
	assert.Equal(t, "Export--2024-01-01_00:00:00", e.Name)

	_, err = resolveEntry(entries, "4")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = resolveEntry(entries, "HeavyScript--1999-01-01_00:00:00")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestWriteEntries(t *testing.T) {
	var out bytes.Buffer
	outcomes := map[string]journal.Run{
		"HeavyScript--2024-01-02_00:00:00": {Action: journal.ActionRestore, Outcome: journal.OutcomeErrors, Errored: 1},
	}
	require.NoError(t, writeEntries(&out, testEntries(), outcomes))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "#"))
	assert.Contains(t, lines[1], "HeavyScript--2024-01-03_00:00:00")
	assert.Contains(t, lines[1], "2024-01-03 00:00:00")
	assert.True(t, strings.HasSuffix(lines[1], "-"))
	assert.Contains(t, lines[2], "restore errors (1 errored, 0 critical)")
	assert.Contains(t, lines[3], "export")

	out.Reset()
	require.NoError(t, writeEntries(&out, nil, nil))
	assert.Equal(t, "No backups found.\n", out.String())
}

func TestChooseEntryPrompts(t *testing.T) {
	env := &environment{prompter: prompt.NewWithIO(strings.NewReader("2\n"), &bytes.Buffer{}, false)}
	e, err := env.chooseEntry("Backups", testEntries(), "")
	require.NoError(t, err)
	assert.Equal(t, "HeavyScript--2024-01-02_00:00:00", e.Name)

	env = &environment{prompter: prompt.NewWithIO(strings.NewReader("q\n"), &bytes.Buffer{}, false)}
	_, err = env.chooseEntry("Backups", testEntries(), "")
	assert.True(t, restore.IsAborted(err))
}

func TestReportResult(t *testing.T) {
	l := ledger.New()
	name, got, apps, err := reportResult("b")(&restore.Report{Ledger: l, Apps: []string{"plex"}}, nil)
	assert.Equal(t, "b", name)
	assert.Same(t, l, got)
	assert.Equal(t, []string{"plex"}, apps)
	assert.NoError(t, err)

	boom := errors.New("boom")
	_, got, _, err = reportResult("b")(nil, boom)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, boom)
}

func TestArgs(t *testing.T) {
	assert.Equal(t, "", firstArg(nil))
	assert.Equal(t, "a", firstArg([]string{"a", "b"}))
	assert.Nil(t, restArgs([]string{"a"}))
	assert.Equal(t, []string{"b", "c"}, restArgs([]string{"a", "b", "c"}))
}
