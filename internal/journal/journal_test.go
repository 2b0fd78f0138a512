package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heavyscript/appsnap/internal/ledger"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "sub", "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	clock := time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC)
	j.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return j
}

func TestStartAndFinish(t *testing.T) {
	j := openTest(t)

	r, err := j.Start(ActionRestore, "HeavyScript--2024-01-03_00:00:00")
	require.NoError(t, err)
	assert.Len(t, r.ID, 26)
	assert.Equal(t, OutcomeRunning, r.Outcome)

	l := ledger.New()
	l.RecordError("plex", "Failed to apply secret")
	l.MarkCritical("immich", "Redeploy did not complete")
	l.RecordError("catalog", "catalog restore failed")
	apps := []string{"immich", "plex", "sonarr"}

	require.NoError(t, j.Finish(r, OutcomeFor(l, apps), l, apps))
	assert.Equal(t, OutcomeCritical, r.Outcome)
	assert.Equal(t, time.Minute, r.Duration())

	got, err := j.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionRestore, got.Action)
	assert.Equal(t, OutcomeCritical, got.Outcome)
	assert.Equal(t, 1, got.Clean)
	assert.Equal(t, 2, got.Errored)
	assert.Equal(t, 1, got.Critical)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, Message{App: "immich", Critical: true, Text: "Redeploy did not complete"}, got.Messages[0])
	assert.Equal(t, "plex", got.Messages[1].App)
	assert.Equal(t, "catalog", got.Messages[2].App)
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeFor(nil, nil))

	l := ledger.New()
	assert.Equal(t, OutcomeSuccess, OutcomeFor(l, []string{"plex"}))
	l.RecordError("plex", "oops")
	assert.Equal(t, OutcomeErrors, OutcomeFor(l, []string{"plex"}))
	l.MarkCritical("plex", "worse")
	assert.Equal(t, OutcomeCritical, OutcomeFor(l, []string{"plex"}))
}

func TestLastOutcomesKeepsNewestFinishedRun(t *testing.T) {
	j := openTest(t)

	first, err := j.Start(ActionBackup, "")
	require.NoError(t, err)
	require.NoError(t, j.SetBackup(first, "HeavyScript--a"))
	require.NoError(t, j.Finish(first, OutcomeSuccess, nil, nil))

	second, err := j.Start(ActionRestore, "HeavyScript--a")
	require.NoError(t, err)
	require.NoError(t, j.Finish(second, OutcomeAborted, nil, nil))

	other, err := j.Start(ActionBackup, "HeavyScript--b")
	require.NoError(t, err)
	require.NoError(t, j.Finish(other, OutcomeErrors, nil, nil))

	_, err = j.Start(ActionRestore, "HeavyScript--b")
	require.NoError(t, err)

	last, err := j.LastOutcomes()
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, OutcomeAborted, last["HeavyScript--a"].Outcome)
	assert.Equal(t, ActionRestore, last["HeavyScript--a"].Action)
	assert.Equal(t, OutcomeErrors, last["HeavyScript--b"].Outcome)
	assert.Equal(t, "backup errors", Describe(last["HeavyScript--b"]))
}

func TestRecentAndCounts(t *testing.T) {
	j := openTest(t)
	for i := 0; i < 3; i++ {
		r, err := j.Start(ActionExport, "")
		require.NoError(t, err)
		require.NoError(t, j.Finish(r, OutcomeSuccess, nil, nil))
	}
	r, err := j.Start(ActionDelete, "HeavyScript--a")
	require.NoError(t, err)
	require.NoError(t, j.Finish(r, OutcomeFailed, nil, nil))

	recent, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ActionDelete, recent[0].Action)
	assert.True(t, recent[0].Started.After(recent[1].Started))

	counts, err := j.Counts()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[ActionExport][OutcomeSuccess])
	assert.Equal(t, 1, counts[ActionDelete][OutcomeFailed])
	assert.Equal(t, []Action{ActionDelete, ActionExport}, Actions(counts))
}

func TestGetUnknownRun(t *testing.T) {
	j := openTest(t)
	_, err := j.Get("missing")
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "restore critical (1 errored, 2 critical)",
		Describe(Run{Action: ActionRestore, Outcome: OutcomeCritical, Errored: 1, Critical: 2}))
}
