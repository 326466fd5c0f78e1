package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	logical_date TEXT NOT NULL,
	status TEXT NOT NULL,
	stop_reason TEXT,
	error TEXT,
	started_at TEXT NOT NULL,
	ended_at TEXT
);
CREATE INDEX IF NOT EXISTS runs_logical_date ON runs (logical_date, started_at);

CREATE TABLE IF NOT EXISTS task_states (
	run_id TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	task TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	error TEXT,
	PRIMARY KEY (run_id, task)
);
`

// SQLiteStore keeps run history in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts the run and replaces its task rows.
func (s *SQLiteStore) Save(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no ID")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, logical_date, status, stop_reason, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			logical_date = excluded.logical_date,
			status = excluded.status,
			stop_reason = excluded.stop_reason,
			error = excluded.error,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		run.ID, run.LogicalDate, string(run.Status), run.StopReason, run.Error,
		formatTime(run.StartedAt), formatTime(run.EndedAt))
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_states WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear task states: %w", err)
	}
	for i, t := range run.Tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_states (run_id, position, task, status, attempts, started_at, ended_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, t.Task, string(t.Status), t.Attempts,
			formatTime(t.StartedAt), formatTime(t.EndedAt), t.Error)
		if err != nil {
			return fmt.Errorf("insert task state %s: %w", t.Task, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads a run and its tasks by ID.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, logical_date, status, stop_reason, error, started_at, ended_at
		FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadTasks(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// LastRun returns the newest run for the logical date.
func (s *SQLiteStore) LastRun(ctx context.Context, logicalDate string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, logical_date, status, stop_reason, error, started_at, ended_at
		FROM runs WHERE logical_date = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, logicalDate)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadTasks(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// List returns up to limit runs, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Run, error) {
	query := `
		SELECT id, logical_date, status, stop_reason, error, started_at, ended_at
		FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list runs: %w", err)
	}
	rows.Close()

	for _, run := range runs {
		if err := s.loadTasks(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadTasks(ctx context.Context, run *Run) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task, status, attempts, started_at, ended_at, error
		FROM task_states WHERE run_id = ? ORDER BY position`, run.ID)
	if err != nil {
		return fmt.Errorf("load task states: %w", err)
	}
	defer rows.Close()

	run.Tasks = nil
	for rows.Next() {
		var (
			t                  TaskState
			status             string
			started, ended, em sql.NullString
		)
		if err := rows.Scan(&t.Task, &status, &t.Attempts, &started, &ended, &em); err != nil {
			return fmt.Errorf("scan task state: %w", err)
		}
		t.Status = Status(status)
		t.StartedAt = parseTime(started)
		t.EndedAt = parseTime(ended)
		t.Error = em.String
		run.Tasks = append(run.Tasks, t)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                Run
		status             string
		stopReason, errMsg sql.NullString
		startedAt, endedAt sql.NullString
	)
	err := row.Scan(&run.ID, &run.LogicalDate, &status, &stopReason, &errMsg, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = Status(status)
	run.StopReason = stopReason.String
	run.Error = errMsg.String
	run.StartedAt = parseTime(startedAt)
	run.EndedAt = parseTime(endedAt)
	return &run, nil
}

// timeLayout is fixed-width so ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
