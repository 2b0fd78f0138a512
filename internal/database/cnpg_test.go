package database

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/kube"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execResult struct {
	stdout string
	stderr string
	err    error
}

type fakeCluster struct {
	mu      sync.Mutex
	secrets map[string]string
	results map[string][]execResult
	execs   [][]string
	stdins  []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		secrets: map[string]string{
			"ix-app/app-cnpg-main-urls/std":      "postgresql://app:pw@app-cnpg-main-rw:5432/appdb",
			"ix-app/app-cnpg-main-user/username": "appuser",
		},
		results: map[string][]execResult{},
	}
}

func (f *fakeCluster) WaitForPrimaryPod(ctx context.Context, app string) (string, error) {
	return app + "-cnpg-main-1", nil
}

func (f *fakeCluster) SecretValue(ctx context.Context, namespace, name, key string) (string, error) {
	v, ok := f.secrets[namespace+"/"+name+"/"+key]
	if !ok {
		return "", apperrors.ErrNotFound
	}
	return v, nil
}

func (f *fakeCluster) Exec(ctx context.Context, req kube.ExecRequest) error {
	f.mu.Lock()
	f.execs = append(f.execs, req.Command)
	queue := f.results[req.Command[0]]
	var res execResult
	if len(queue) > 0 {
		res = queue[0]
		f.results[req.Command[0]] = queue[1:]
	}
	f.mu.Unlock()

	if req.Stdin != nil {
		data, _ := io.ReadAll(req.Stdin)
		f.mu.Lock()
		f.stdins = append(f.stdins, string(data))
		f.mu.Unlock()
	}
	if req.Stdout != nil {
		_, _ = io.WriteString(req.Stdout, res.stdout)
	}
	if req.Stderr != nil {
		_, _ = io.WriteString(req.Stderr, res.stderr)
	}
	return res.err
}

func (f *fakeCluster) tools() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, cmd := range f.execs {
		out = append(out, cmd[0])
	}
	return out
}

type fakeScaler struct {
	calls []int
	err   error
}

func (s *fakeScaler) ScaleRelease(ctx context.Context, release string, replicas int) error {
	s.calls = append(s.calls, replicas)
	return s.err
}

func newTestManager(cluster *fakeCluster, scaler *fakeScaler) *Manager {
	m := NewManager(cluster, scaler, zerolog.Nop())
	m.RetryWait = time.Millisecond
	return m
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func readGzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	return string(data)
}

func TestRestoreRetriesDeadlockThenSucceeds(t *testing.T) {
	cluster := newFakeCluster()
	cluster.results["pg_restore"] = []execResult{
		{stderr: "pg_restore: error: deadlock detected", err: errors.New("exit code 1")},
		{},
	}
	m := newTestManager(cluster, &fakeScaler{})
	src := filepath.Join(t.TempDir(), "app.sql.gz")
	writeGzip(t, src, "DUMP")

	err := m.Restore(context.Background(), Target{App: "app", ChartName: "nextcloud"}, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"psql", "pg_restore", "pg_restore"}, cluster.tools())
	assert.Equal(t, []string{"DUMP", "DUMP"}, cluster.stdins)

	restore := cluster.execs[1]
	assert.Contains(t, restore, "--role=appuser")
	assert.Contains(t, restore, "--dbname=appdb")
}

func TestRestoreGivesUpAfterAttempts(t *testing.T) {
	cluster := newFakeCluster()
	deadlock := execResult{stderr: "ERROR:  deadlock detected", err: errors.New("exit code 1")}
	cluster.results["pg_restore"] = []execResult{deadlock, deadlock, deadlock, {}}
	m := newTestManager(cluster, &fakeScaler{})
	src := filepath.Join(t.TempDir(), "app.sql.gz")
	writeGzip(t, src, "DUMP")

	err := m.Restore(context.Background(), Target{App: "app"}, src)
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassRecoverable, apperrors.ClassOf(err))
	assert.ErrorIs(t, err, apperrors.ErrDeadlock)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Len(t, cluster.tools(), 4)
}

func TestRestoreDoesNotRetryOtherFailures(t *testing.T) {
	cluster := newFakeCluster()
	cluster.results["pg_restore"] = []execResult{{stderr: "role does not exist", err: errors.New("exit code 1")}}
	m := newTestManager(cluster, &fakeScaler{})
	src := filepath.Join(t.TempDir(), "app.sql.gz")
	writeGzip(t, src, "DUMP")

	err := m.Restore(context.Background(), Target{App: "app"}, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role does not exist")
	assert.Equal(t, []string{"psql", "pg_restore"}, cluster.tools())
}

func TestRestoreMissingFile(t *testing.T) {
	m := newTestManager(newFakeCluster(), &fakeScaler{})
	err := m.Restore(context.Background(), Target{App: "app"}, filepath.Join(t.TempDir(), "nope.sql.gz"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup file not found")
}

func TestRestoreStartsAndStopsStoppedApp(t *testing.T) {
	cluster := newFakeCluster()
	scaler := &fakeScaler{}
	m := newTestManager(cluster, scaler)
	src := filepath.Join(t.TempDir(), "app.sql.gz")
	writeGzip(t, src, "DUMP")

	require.NoError(t, m.Restore(context.Background(), Target{App: "app", Stopped: true}, src))
	assert.Equal(t, []int{1, 0}, scaler.calls)
}

func TestImmichRestoreUsesPsqlWithoutDrop(t *testing.T) {
	cluster := newFakeCluster()
	m := newTestManager(cluster, &fakeScaler{})
	src := filepath.Join(t.TempDir(), "immich.sql.gz")
	writeGzip(t, src, "SELECT 1;\n")

	require.NoError(t, m.Restore(context.Background(), Target{App: "immich", ChartName: "immich"}, src))
	assert.Equal(t, []string{"psql"}, cluster.tools())
	assert.Equal(t, []string{"psql", "--echo-errors", "--quiet"}, cluster.execs[0])
}

func TestDumpWritesCompressedFile(t *testing.T) {
	cluster := newFakeCluster()
	cluster.results["pg_dump"] = []execResult{{stdout: "PGDMP-binary"}}
	m := newTestManager(cluster, &fakeScaler{})
	dest := filepath.Join(t.TempDir(), "app.sql.gz")

	require.NoError(t, m.Dump(context.Background(), Target{App: "app"}, dest))
	assert.Equal(t, "PGDMP-binary", readGzip(t, dest))
	assert.Equal(t, []string{"pg_dump", "--format=custom", "--dbname=appdb"}, cluster.execs[0])
}

func TestDumpFailureLeavesNoFile(t *testing.T) {
	cluster := newFakeCluster()
	cluster.results["pg_dump"] = []execResult{{stderr: "connection refused", err: errors.New("exit code 1")}}
	m := newTestManager(cluster, &fakeScaler{})
	dest := filepath.Join(t.TempDir(), "app.sql.gz")

	err := m.Dump(context.Background(), Target{App: "app"}, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".partial")
	assert.True(t, os.IsNotExist(statErr))
}

func TestImmichDumpIsEdited(t *testing.T) {
	cluster := newFakeCluster()
	dump := strings.Join([]string{
		"DROP ROLE IF EXISTS postgres;",
		"CREATE ROLE postgres;",
		"SELECT pg_catalog.set_config('search_path', '', false);",
		"CREATE TABLE assets();",
	}, "\n") + "\n"
	cluster.results["pg_dumpall"] = []execResult{{stdout: dump}}
	m := newTestManager(cluster, &fakeScaler{})
	dest := filepath.Join(t.TempDir(), "immich.sql.gz")

	require.NoError(t, m.Dump(context.Background(), Target{App: "immich", ChartName: "immich"}, dest))
	want := strings.Join([]string{
		"-- DROP ROLE IF EXISTS postgres;",
		"-- CREATE ROLE postgres;",
		"SELECT pg_catalog.set_config('search_path', 'public, pg_catalog', true);",
		"CREATE TABLE assets();",
	}, "\n") + "\n"
	assert.Equal(t, want, readGzip(t, dest))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("app", "pg_restore", nil, "deadlock detected"))

	err := classify("app", "pg_restore", errors.New("exit 1"), "ERROR: deadlock detected")
	assert.True(t, apperrors.IsTransient(err))
	assert.ErrorIs(t, err, apperrors.ErrDeadlock)

	err = classify("app", "pg_restore", errors.New("exit 1"), "syntax error")
	assert.False(t, apperrors.IsTransient(err))
}
