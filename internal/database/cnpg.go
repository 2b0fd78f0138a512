// Package database dumps and restores the CloudNativePG databases embedded
// in chart releases.
package database

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/kube"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const (
	postgresContainer = "postgres"
	deadlockSignature = "deadlock detected"

	// DefaultAttempts and DefaultRetryWait bound the deadlock retry loop.
	DefaultAttempts  = 3
	DefaultRetryWait = 5 * time.Second

	immichChart = "immich"
)

const dropAllObjects = `DO $$ DECLARE
    r RECORD;
BEGIN
    FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = current_schema()) LOOP
        EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
    END LOOP;
    FOR r IN (SELECT sequencename FROM pg_sequences WHERE schemaname = current_schema()) LOOP
        EXECUTE 'DROP SEQUENCE IF EXISTS ' || quote_ident(r.sequencename) || ' CASCADE';
    END LOOP;
    FOR r IN (SELECT viewname FROM pg_views WHERE schemaname = current_schema()) LOOP
        EXECUTE 'DROP VIEW IF EXISTS ' || quote_ident(r.viewname) || ' CASCADE';
    END LOOP;
    FOR r IN (SELECT proname FROM pg_proc p JOIN pg_namespace n ON p.pronamespace = n.oid WHERE n.nspname = current_schema()) LOOP
        EXECUTE 'DROP FUNCTION IF EXISTS ' || quote_ident(r.proname) || ' CASCADE';
    END LOOP;
END $$;`

// Cluster is the slice of the Kubernetes client the database code needs.
type Cluster interface {
	WaitForPrimaryPod(ctx context.Context, app string) (string, error)
	SecretValue(ctx context.Context, namespace, name, key string) (string, error)
	Exec(ctx context.Context, req kube.ExecRequest) error
}

// Scaler starts and stops a release around a dump or restore.
type Scaler interface {
	ScaleRelease(ctx context.Context, release string, replicas int) error
}

// Target identifies the database-backed release to work on.
type Target struct {
	App       string
	ChartName string
	Stopped   bool
}

func (t Target) immich() bool {
	return t.ChartName == immichChart
}

// Manager runs pg_dump and pg_restore inside the primary CNPG pod.
type Manager struct {
	cluster Cluster
	scaler  Scaler
	logger  zerolog.Logger

	Attempts  int
	RetryWait time.Duration
}

// NewManager returns a Manager with the default retry policy.
func NewManager(cluster Cluster, scaler Scaler, logger zerolog.Logger) *Manager {
	return &Manager{
		cluster:   cluster,
		scaler:    scaler,
		logger:    logger.With().Str("component", "cnpg").Logger(),
		Attempts:  DefaultAttempts,
		RetryWait: DefaultRetryWait,
	}
}

type credentials struct {
	database string
	user     string
}

func (m *Manager) credentials(ctx context.Context, app string) (credentials, error) {
	ns := kube.Namespace(app)
	url, err := m.cluster.SecretValue(ctx, ns, app+"-cnpg-main-urls", "std")
	if err != nil {
		return credentials{}, fmt.Errorf("read database url: %w", err)
	}
	creds := credentials{database: path.Base(strings.TrimRight(url, "/"))}
	if creds.database == "" || creds.database == "." || creds.database == "/" {
		return credentials{}, fmt.Errorf("database url of %s has no database name", app)
	}

	user, err := m.cluster.SecretValue(ctx, ns, app+"-cnpg-main-user", "username")
	if err != nil || user == "" {
		m.logger.Debug().Err(err).Str("app", app).Msg("No database user secret; using database name")
		user = creds.database
	}
	creds.user = user
	return creds, nil
}

// withRunning scales a stopped release up for the duration of fn.
func (m *Manager) withRunning(ctx context.Context, t Target, fn func() error) (err error) {
	if !t.Stopped {
		return fn()
	}
	m.logger.Info().Str("app", t.App).Msg("Application is stopped; starting it temporarily")
	if err := m.scaler.ScaleRelease(ctx, t.App, 1); err != nil {
		return fmt.Errorf("start %s: %w", t.App, err)
	}
	defer func() {
		if stopErr := m.scaler.ScaleRelease(ctx, t.App, 0); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stop %s again: %w", t.App, stopErr))
		}
	}()
	return fn()
}

// Dump writes a gzip-compressed dump of the release's database to dest.
func (m *Manager) Dump(ctx context.Context, t Target, dest string) error {
	return m.withRunning(ctx, t, func() error {
		pod, err := m.cluster.WaitForPrimaryPod(ctx, t.App)
		if err != nil {
			return err
		}

		command := []string{"pg_dumpall", "--clean", "--if-exists"}
		if !t.immich() {
			creds, err := m.credentials(ctx, t.App)
			if err != nil {
				return err
			}
			command = []string{"pg_dump", "--format=custom", "--dbname=" + creds.database}
		}
		return m.dumpTo(ctx, t, pod, command, dest)
	})
}

func (m *Manager) dumpTo(ctx context.Context, t Target, pod string, command []string, dest string) (err error) {
	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	gz := gzip.NewWriter(f)
	var stdout io.Writer = gz
	var editor *immichEditor
	if t.immich() {
		editor = newImmichEditor(gz)
		stdout = editor
	}
	var stderr bytes.Buffer

	execErr := m.cluster.Exec(ctx, kube.ExecRequest{
		Namespace: kube.Namespace(t.App),
		Pod:       pod,
		Container: postgresContainer,
		Command:   command,
		Stdout:    stdout,
		Stderr:    &stderr,
	})
	if editor != nil {
		if editErr := editor.Close(); execErr == nil {
			execErr = editErr
		}
	}
	closeErr := errors.Join(gz.Close(), f.Close())
	if execErr != nil {
		return fmt.Errorf("%s failed: %w: %s", command[0], execErr, strings.TrimSpace(stderr.String()))
	}
	if closeErr != nil {
		return fmt.Errorf("write dump file: %w", closeErr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("finalize dump file: %w", err)
	}
	m.logger.Debug().Str("app", t.App).Str("file", dest).Msg("Database dumped")
	return nil
}

// Restore replaces the release's database with the dump at src. A deadlock
// reported by the restore tool is retried; any other failure is returned at
// once as a recoverable error.
func (m *Manager) Restore(ctx context.Context, t Target, src string) error {
	if _, err := os.Stat(src); err != nil {
		return apperrors.Recoverable("database_restore", t.App, fmt.Errorf("backup file not found: %w", err))
	}

	err := m.withRunning(ctx, t, func() error {
		pod, err := m.cluster.WaitForPrimaryPod(ctx, t.App)
		if err != nil {
			return err
		}

		command := []string{"psql", "--echo-errors", "--quiet"}
		if !t.immich() {
			creds, err := m.credentials(ctx, t.App)
			if err != nil {
				return err
			}
			if err := m.dropAll(ctx, t.App, pod, creds.database); err != nil {
				return err
			}
			command = []string{
				"pg_restore",
				"--role=" + creds.user,
				"--dbname=" + creds.database,
				"--clean", "--if-exists", "--no-owner", "--no-privileges", "--disable-triggers",
			}
		}
		return m.restoreWithRetry(ctx, t, pod, command, src)
	})
	if err != nil {
		return apperrors.Recoverable("database_restore", t.App, err)
	}
	return nil
}

func (m *Manager) dropAll(ctx context.Context, app, pod, database string) error {
	var stderr bytes.Buffer
	err := m.cluster.Exec(ctx, kube.ExecRequest{
		Namespace: kube.Namespace(app),
		Pod:       pod,
		Container: postgresContainer,
		Command:   []string{"psql", "--dbname", database, "--command", dropAllObjects},
		Stdout:    io.Discard,
		Stderr:    &stderr,
	})
	if err != nil {
		return fmt.Errorf("drop existing objects: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (m *Manager) restoreWithRetry(ctx context.Context, t Target, pod string, command []string, src string) error {
	attempts := m.Attempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.RetryWait), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := m.restoreOnce(ctx, t, pod, command, src)
		if err == nil || apperrors.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		m.logger.Warn().Err(err).Str("app", t.App).Int("attempt", attempt).Int("attempts", attempts).Dur("wait", wait).Msg("Deadlock detected; retrying restore")
	})
	if err != nil && apperrors.IsTransient(err) {
		return fmt.Errorf("restore failed after %d attempts: %w", attempt, err)
	}
	return err
}

func (m *Manager) restoreOnce(ctx context.Context, t Target, pod string, command []string, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()

	var stdin io.Reader = f
	if strings.HasSuffix(src, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("read dump: %w", err)
		}
		defer gz.Close()
		stdin = gz
	}

	var stdout, stderr bytes.Buffer
	err = m.cluster.Exec(ctx, kube.ExecRequest{
		Namespace: kube.Namespace(t.App),
		Pod:       pod,
		Container: postgresContainer,
		Command:   command,
		Stdin:     stdin,
		Stdout:    &stdout,
		Stderr:    &stderr,
	})
	if stdout.Len() > 0 {
		m.logger.Debug().Str("app", t.App).Str("stdout", stdout.String()).Msg("Restore output")
	}
	return classify(t.App, command[0], err, stderr.String())
}

// classify turns a restore tool failure into a typed error: a deadlock is
// transient, anything else is not.
func classify(app, tool string, err error, stderr string) error {
	if err == nil {
		return nil
	}
	failure := fmt.Errorf("%s failed: %w: %s", tool, err, strings.TrimSpace(stderr))
	if strings.Contains(stderr, deadlockSignature) {
		return apperrors.Transient(tool, app, fmt.Errorf("%w: %w", apperrors.ErrDeadlock, failure))
	}
	return failure
}

// immichEditor rewrites a pg_dumpall script line by line so it restores into
// an existing CNPG cluster.
type immichEditor struct {
	pw   *io.PipeWriter
	done chan error
}

func newImmichEditor(out io.Writer) *immichEditor {
	pr, pw := io.Pipe()
	e := &immichEditor{pw: pw, done: make(chan error, 1)}
	go func() {
		e.done <- editImmichDump(pr, out)
		_ = pr.Close()
	}()
	return e
}

func (e *immichEditor) Write(p []byte) (int, error) {
	return e.pw.Write(p)
}

func (e *immichEditor) Close() error {
	_ = e.pw.Close()
	return <-e.done
}

func editImmichDump(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	w := bufio.NewWriter(out)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "DROP ROLE IF EXISTS postgres;"), strings.Contains(line, "CREATE ROLE postgres;"):
			line = "-- " + line
		case strings.Contains(line, "SELECT pg_catalog.set_config('search_path', '', false);"):
			line = "SELECT pg_catalog.set_config('search_path', 'public, pg_catalog', true);"
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return w.Flush()
}
