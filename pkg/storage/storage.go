// Package storage keeps an optional SQLite audit log of grading runs. The log
// is write-only from the grader's point of view: nothing in it feeds back into
// which rows are processed.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hwgrade/hwgrade/pkg/grading"
)

// ErrUnknownRun is returned when a run id was never started in this database.
var ErrUnknownRun = errors.New("unknown run")

type DB struct {
	sql *sql.DB
	now func() time.Time
}

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS grading_runs (
  id            TEXT PRIMARY KEY,
  homework_url  TEXT NOT NULL,
  model         TEXT,
  started_at    DATETIME NOT NULL,
  finished_at   DATETIME,
  iterations    INTEGER NOT NULL DEFAULT 0,
  exhausted     INTEGER NOT NULL DEFAULT 0 CHECK (exhausted IN (0,1))
);
CREATE TABLE IF NOT EXISTS grading_results (
  id            INTEGER PRIMARY KEY,
  run_id        TEXT NOT NULL REFERENCES grading_runs(id),
  row_index     INTEGER NOT NULL,
  state         TEXT NOT NULL,
  failed_at     TEXT,
  error         TEXT,
  existing      TEXT,
  score         REAL,
  chosen        TEXT,
  comment       TEXT,
  encoding      TEXT,
  file          TEXT,
  recorded_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_run ON grading_results(run_id, row_index);
CREATE INDEX IF NOT EXISTS idx_results_state ON grading_results(state);
    `); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db, now: time.Now}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// StartRun registers a new run and returns its id.
func (d *DB) StartRun(ctx context.Context, homeworkURL, model string) (string, error) {
	id := uuid.NewString()
	_, err := d.sql.ExecContext(ctx, `INSERT INTO grading_runs(id, homework_url, model, started_at) VALUES(?,?,?,?)`,
		id, homeworkURL, nullIfEmpty(model), d.stamp())
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// RecordOutcome appends one row outcome to run.
func (d *DB) RecordOutcome(ctx context.Context, runID string, o grading.Outcome) error {
	var (
		failedAt interface{}
		errText  interface{}
		score    interface{}
	)
	if o.State == grading.Failed {
		failedAt = o.FailedAt.String()
	}
	if o.Err != nil {
		errText = o.Err.Error()
	}
	if o.State.Graded() || o.State == grading.Scored {
		score = nullIfEmpty(o.Decision.Score)
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO grading_results(run_id, row_index, state, failed_at, error, existing, score, chosen, comment, encoding, file, recorded_at)
SELECT ?,?,?,?,?,?,?,?,?,?,?,? WHERE EXISTS (SELECT 1 FROM grading_runs WHERE id = ?)`,
		runID, o.Index, o.State.String(), failedAt, errText, nullIfEmpty(o.Existing), score,
		nullIfEmpty(o.Chosen), nullIfEmpty(o.Decision.Comment), nullIfEmpty(o.Encoding), nullIfEmpty(o.File),
		d.stamp(), runID)
	if err != nil {
		return fmt.Errorf("record row %d: %w", o.Index+1, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record row %d: %w", o.Index+1, ErrUnknownRun)
	}
	return nil
}

// FinishRun stamps run with the walk's final counters.
func (d *DB) FinishRun(ctx context.Context, runID string, rep *grading.Report) error {
	iterations, exhausted := 0, false
	if rep != nil {
		iterations, exhausted = rep.Iterations, rep.Exhausted
	}
	res, err := d.sql.ExecContext(ctx, `UPDATE grading_runs SET finished_at = ?, iterations = ?, exhausted = ? WHERE id = ?`,
		d.stamp(), iterations, boolToInt(exhausted), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrUnknownRun)
	}
	return nil
}

// Run is one grading run as stored.
type Run struct {
	ID          string
	HomeworkURL string
	Model       string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running or after a crash
	Iterations  int
	Exhausted   bool
}

// ListRuns returns the most recent runs first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT id, homework_url, model, started_at, finished_at, iterations, exhausted FROM grading_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r         Run
			model     sql.NullString
			started   string
			finished  sql.NullString
			exhausted int
		)
		if err := rows.Scan(&r.ID, &r.HomeworkURL, &model, &started, &finished, &r.Iterations, &exhausted); err != nil {
			return nil, err
		}
		r.Model = model.String
		r.StartedAt = parseTime(started)
		if finished.Valid {
			r.FinishedAt = parseTime(finished.String)
		}
		r.Exhausted = exhausted == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Result is one stored row outcome.
type Result struct {
	RunID    string
	Index    int
	State    string
	FailedAt string
	Error    string
	Score    float64
	HasScore bool
	Chosen   string
	Comment  string
	Encoding string
	File     string
}

// ListResults returns the outcomes of run in row order.
func (d *DB) ListResults(ctx context.Context, runID string) ([]Result, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT run_id, row_index, state, failed_at, error, score, chosen, comment, encoding, file FROM grading_results WHERE run_id = ? ORDER BY row_index, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r                                            Result
			failedAt, errText, chosen, comment, enc, fil sql.NullString
			score                                        sql.NullFloat64
		)
		if err := rows.Scan(&r.RunID, &r.Index, &r.State, &failedAt, &errText, &score, &chosen, &comment, &enc, &fil); err != nil {
			return nil, err
		}
		r.FailedAt, r.Error = failedAt.String, errText.String
		r.Score, r.HasScore = score.Float64, score.Valid
		r.Chosen, r.Comment = chosen.String, comment.String
		r.Encoding, r.File = enc.String, fil.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type StateStats struct {
	State string
	Count int
}

// Stats counts stored outcomes per state across all runs, or for one run
// when runID is not empty.
func (d *DB) Stats(ctx context.Context, runID string) ([]StateStats, error) {
	query := `
		SELECT
			state,
			COUNT(*)
		FROM
			grading_results`
	var args []interface{}
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += `
		GROUP BY
			state
		ORDER BY
			state;`
	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []StateStats
	for rows.Next() {
		var s StateStats
		if err := rows.Scan(&s.State, &s.Count); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (d *DB) stamp() string {
	return d.now().UTC().Format(time.RFC3339Nano)
}

// parseTime accepts our own stamps and SQLite's CURRENT_TIMESTAMP format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
