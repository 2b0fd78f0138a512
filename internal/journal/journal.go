// Package journal keeps a sqlite record of every backup, export, restore,
// import and delete run.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/heavyscript/appsnap/internal/ledger"
)

// Action names a kind of run.
type Action string

const (
	ActionBackup  Action = "backup"
	ActionExport  Action = "export"
	ActionRestore Action = "restore"
	ActionSingle  Action = "restore-single"
	ActionImport  Action = "import"
	ActionDelete  Action = "delete"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeRunning  Outcome = "running"
	OutcomeSuccess  Outcome = "success"
	OutcomeErrors   Outcome = "errors"
	OutcomeCritical Outcome = "critical"
	OutcomeAborted  Outcome = "aborted"
	OutcomeFailed   Outcome = "failed"
)

// OutcomeFor derives the outcome of a run that reached its report from the
// failures recorded in l.
func OutcomeFor(l *ledger.Ledger, apps []string) Outcome {
	if l == nil {
		return OutcomeSuccess
	}
	s := l.Summarize(apps)
	switch {
	case len(s.Critical) > 0:
		return OutcomeCritical
	case len(s.Errored) > 0:
		return OutcomeErrors
	default:
		return OutcomeSuccess
	}
}

// Run is one journaled run.
type Run struct {
	ID       string
	Action   Action
	Backup   string
	Started  time.Time
	Finished time.Time
	Outcome  Outcome
	Clean    int
	Errored  int
	Critical int
	Messages []Message
}

// Duration is zero for runs that have not finished.
func (r *Run) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Message is one recorded failure line for an application.
type Message struct {
	App      string
	Critical bool
	Text     string
}

// Journal is a sqlite-backed run log.
type Journal struct {
	db     *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

// Open opens or creates the journal at path.
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{db: db, now: time.Now, logger: logger.With().Str("component", "journal").Logger()}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	j.logger.Debug().Str("path", path).Msg("Journal opened")
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			backup TEXT NOT NULL DEFAULT '',
			started INTEGER NOT NULL,
			finished INTEGER,
			outcome TEXT NOT NULL,
			clean INTEGER NOT NULL DEFAULT 0,
			errored INTEGER NOT NULL DEFAULT 0,
			critical INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_runs_backup
		ON runs(backup, started);

		CREATE TABLE IF NOT EXISTS run_messages (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			app TEXT NOT NULL,
			critical INTEGER NOT NULL,
			message TEXT NOT NULL
		);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Start records the beginning of a run and returns it.
func (j *Journal) Start(action Action, backupName string) (*Run, error) {
	r := &Run{
		ID:      ulid.Make().String(),
		Action:  action,
		Backup:  backupName,
		Started: j.now().UTC(),
		Outcome: OutcomeRunning,
	}
	_, err := j.db.Exec(
		`INSERT INTO runs (id, action, backup, started, outcome) VALUES (?, ?, ?, ?, ?)`,
		r.ID, string(r.Action), r.Backup, r.Started.UnixMilli(), string(r.Outcome),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	return r, nil
}

// SetBackup attaches the backup name once it is known, as it is for a new
// backup only after the dataset is created.
func (j *Journal) SetBackup(r *Run, backupName string) error {
	r.Backup = backupName
	if _, err := j.db.Exec(`UPDATE runs SET backup = ? WHERE id = ?`, backupName, r.ID); err != nil {
		return fmt.Errorf("failed to update run %s: %w", r.ID, err)
	}
	return nil
}

// Finish records the end of r. l may be nil for runs without per-app
// results.
func (j *Journal) Finish(r *Run, outcome Outcome, l *ledger.Ledger, apps []string) error {
	r.Finished = j.now().UTC()
	r.Outcome = outcome
	r.Messages = nil
	if l != nil {
		s := l.Summarize(apps)
		r.Clean, r.Errored, r.Critical = len(s.Clean), len(s.Errored), len(s.Critical)
		for _, app := range s.Critical {
			for _, text := range l.Errors(app) {
				r.Messages = append(r.Messages, Message{App: app, Critical: true, Text: text})
			}
		}
		for _, app := range s.Errored {
			for _, text := range l.Errors(app) {
				r.Messages = append(r.Messages, Message{App: app, Text: text})
			}
		}
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE runs SET finished = ?, outcome = ?, clean = ?, errored = ?, critical = ? WHERE id = ?`,
		r.Finished.UnixMilli(), string(r.Outcome), r.Clean, r.Errored, r.Critical, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO run_messages (run_id, app, critical, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()
	for _, m := range r.Messages {
		if _, err := stmt.Exec(r.ID, m.App, m.Critical, m.Text); err != nil {
			return fmt.Errorf("failed to record message for %s: %w", m.App, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", r.ID, err)
	}
	j.logger.Debug().Str("run", r.ID).Str("action", string(r.Action)).Str("outcome", string(r.Outcome)).Msg("Run journaled")
	return nil
}

// Recent returns up to limit runs, newest first, without messages.
func (j *Journal) Recent(limit int) ([]Run, error) {
	rows, err := j.db.Query(`
		SELECT id, action, backup, started, finished, outcome, clean, errored, critical
		FROM runs ORDER BY started DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Get returns one run with its messages.
func (j *Journal) Get(id string) (*Run, error) {
	rows, err := j.db.Query(`
		SELECT id, action, backup, started, finished, outcome, clean, errored, critical
		FROM runs WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	runs, err := scanRuns(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s not found", id)
	}
	r := &runs[0]

	msgRows, err := j.db.Query(`SELECT app, critical, message FROM run_messages WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for %s: %w", id, err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var m Message
		if err := msgRows.Scan(&m.App, &m.Critical, &m.Text); err != nil {
			return nil, err
		}
		r.Messages = append(r.Messages, m)
	}
	return r, msgRows.Err()
}

// LastOutcomes maps each backup name to the most recent finished run that
// touched it.
func (j *Journal) LastOutcomes() (map[string]Run, error) {
	rows, err := j.db.Query(`
		SELECT id, action, backup, started, finished, outcome, clean, errored, critical
		FROM runs WHERE backup != '' AND finished IS NOT NULL
		ORDER BY started ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Run, len(runs))
	for _, r := range runs {
		out[r.Backup] = r
	}
	return out, nil
}

// Describe renders a run as a short cell for listings.
func Describe(r Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.Action, r.Outcome)
	if r.Errored > 0 || r.Critical > 0 {
		fmt.Fprintf(&b, " (%d errored, %d critical)", r.Errored, r.Critical)
	}
	return b.String()
}

// Counts returns the number of finished runs per action and outcome.
func (j *Journal) Counts() (map[Action]map[Outcome]int, error) {
	rows, err := j.db.Query(`SELECT action, outcome, COUNT(*) FROM runs WHERE finished IS NOT NULL GROUP BY action, outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()
	out := make(map[Action]map[Outcome]int)
	for rows.Next() {
		var action, outcome string
		var n int
		if err := rows.Scan(&action, &outcome, &n); err != nil {
			return nil, err
		}
		if out[Action(action)] == nil {
			out[Action(action)] = make(map[Outcome]int)
		}
		out[Action(action)][Outcome(outcome)] = n
	}
	return out, rows.Err()
}

// LastSuccess returns the finish time of the newest successful run of each
// action.
func (j *Journal) LastSuccess() (map[Action]time.Time, error) {
	rows, err := j.db.Query(`SELECT action, MAX(finished) FROM runs WHERE outcome = ? GROUP BY action`, string(OutcomeSuccess))
	if err != nil {
		return nil, fmt.Errorf("failed to query last successes: %w", err)
	}
	defer rows.Close()
	out := make(map[Action]time.Time)
	for rows.Next() {
		var action string
		var finished int64
		if err := rows.Scan(&action, &finished); err != nil {
			return nil, err
		}
		out[Action(action)] = time.UnixMilli(finished).UTC()
	}
	return out, rows.Err()
}

// Actions lists the actions present in counts in name order.
func Actions(counts map[Action]map[Outcome]int) []Action {
	out := make([]Action, 0, len(counts))
	for a := range counts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var (
			r               Run
			action, outcome string
			started         int64
			finished        sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &action, &r.Backup, &started, &finished, &outcome, &r.Clean, &r.Errored, &r.Critical); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Action = Action(action)
		r.Outcome = Outcome(outcome)
		r.Started = time.UnixMilli(started).UTC()
		if finished.Valid {
			r.Finished = time.UnixMilli(finished.Int64).UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
