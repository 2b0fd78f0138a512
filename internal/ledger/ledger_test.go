package ledger

import (
	"errors"
	"strings"
	"testing"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestMarkCriticalOnce(t *testing.T) {
	l := New()
	assert.True(t, l.MarkCritical("plex", "chart create failed"))
	assert.False(t, l.MarkCritical("plex", "redeploy failed"))

	assert.Equal(t, []string{"plex"}, l.Critical())
	assert.Equal(t, []string{"chart create failed", "redeploy failed"}, l.Errors("plex"))
	assert.True(t, l.IsCritical("plex"))
	assert.False(t, l.IsCritical("sonarr"))
}

func TestRecordByClass(t *testing.T) {
	l := New()
	l.Record("a", apperrors.Recoverable("secret", "a", errors.New("bad secret")))
	l.Record("b", apperrors.Critical("chart_create", "b", errors.New("no catalog")))
	l.Record("c", errors.New("unexpected"))
	l.Record("d", nil)

	assert.False(t, l.IsCritical("a"))
	assert.True(t, l.IsCritical("b"))
	assert.True(t, l.IsCritical("c"), "unclassified errors are critical")
	assert.Equal(t, []string{"a", "b", "c"}, l.Failed())

	counts := l.ClassCounts()
	assert.Equal(t, 1, counts[apperrors.ClassRecoverable])
	assert.Equal(t, 2, counts[apperrors.ClassCritical])
}

func TestSummarize(t *testing.T) {
	l := New()
	l.RecordError("sonarr", "secret failed")
	l.MarkCritical("immich", "database operator failed")
	l.RecordError("Catalog", "sync failed")

	s := l.Summarize([]string{"sonarr", "radarr", "immich", "bazarr"})
	assert.Equal(t, []string{"bazarr", "radarr"}, s.Clean)
	assert.Equal(t, []string{"sonarr", "Catalog"}, s.Errored)
	assert.Equal(t, []string{"immich"}, s.Critical)
}

func TestWriteReport(t *testing.T) {
	var b strings.Builder
	New().WriteReport(&b, "Restore Summary", []string{"a"})
	assert.Contains(t, b.String(), "All applications completed successfully.")

	l := New()
	l.RecordError("a", "secret failed")
	l.MarkCritical("b", "chart create failed")
	b.Reset()
	l.WriteReport(&b, "Restore Summary", []string{"a", "b", "c"})
	out := b.String()
	assert.Contains(t, out, "Completed cleanly:\n  c\n")
	assert.Contains(t, out, "  a:\n    secret failed\n")
	assert.Contains(t, out, "Critical failures")
	assert.Contains(t, out, "  b\n    chart create failed\n")
}
