package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/ledger"
)

func TestObserveRun(t *testing.T) {
	r := New("")
	l := ledger.New()
	l.RecordError("plex", "secret apply failed")
	l.RecordError("plex", "crd apply failed")
	l.MarkCritical("immich", "redeploy failed")

	finished := time.Date(2024, 1, 4, 12, 0, 0, 0, time.UTC)
	r.ObserveRun("restore", "critical", 90*time.Second, false, finished, l)

	v, ok := r.Value("appsnap_runs_total", map[string]string{"action": "restore", "outcome": "critical"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, _ = r.Value("appsnap_run_duration_seconds", map[string]string{"action": "restore"})
	assert.Equal(t, 90.0, v)

	v, _ = r.Value("appsnap_app_failures_total", map[string]string{"action": "restore", "class": "recoverable"})
	assert.Equal(t, 2.0, v)
	v, _ = r.Value("appsnap_app_failures_total", map[string]string{"action": "restore", "class": "critical"})
	assert.Equal(t, 1.0, v)

	_, ok = r.Value("appsnap_last_success_timestamp_seconds", map[string]string{"action": "restore"})
	assert.False(t, ok)

	r.ObserveRun("backup", "success", time.Minute, true, finished, nil)
	v, ok = r.Value("appsnap_last_success_timestamp_seconds", map[string]string{"action": "backup"})
	require.True(t, ok)
	assert.Equal(t, float64(finished.Unix()), v)
}

func TestSeedCarriesHistory(t *testing.T) {
	r := New("")
	prev := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Seed(map[string]map[string]int{"backup": {"success": 4, "errors": 1}}, map[string]time.Time{"backup": prev})
	r.ObserveRun("backup", "success", time.Second, false, prev.Add(time.Hour), nil)

	v, _ := r.Value("appsnap_runs_total", map[string]string{"action": "backup", "outcome": "success"})
	assert.Equal(t, 5.0, v)
	v, _ = r.Value("appsnap_last_success_timestamp_seconds", map[string]string{"action": "backup"})
	assert.Equal(t, float64(prev.Unix()), v)
}

func TestObserveFatalUsesErrorClass(t *testing.T) {
	r := New("")
	r.ObserveFatal("restore", apperrors.Fatal("stop_runtime", errors.New("boom")))
	r.ObserveFatal("restore", nil)

	v, ok := r.Value("appsnap_app_failures_total", map[string]string{"action": "restore", "class": "fatal"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestFlushWritesTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector", "appsnap.prom")
	r := New(path)
	r.SetRetained(3)
	r.ObserveRun("export", "success", time.Second, true, time.Unix(1700000000, 0), nil)
	require.NoError(t, r.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "appsnap_backups_retained 3")
	assert.Contains(t, text, `appsnap_runs_total{action="export",outcome="success"} 1`)
	assert.Contains(t, text, "# TYPE appsnap_runs_total counter")

	families, err := r.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestFlushWithoutTarget(t *testing.T) {
	assert.NoError(t, New("").Flush())
}
