// Package journal persists run and stage history to SQLite so runs can be
// inspected after the fact and the watch surfaces have something to read.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mattjoyce/lockstep/internal/run"
)

// Run/stage status values stored in the journal.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID       string
	PolicyRef   string
	GroupSize   int
	Stages      []string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	LastError   string
}

// StageRecord is one row of the stage_log table.
type StageRecord struct {
	RunID       string
	StageIndex  int
	Name        string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Journal wraps the SQLite database holding run history.
type Journal struct {
	db *sql.DB
}

// Open opens (and creates if needed) the journal database at path and
// ensures required tables exist.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  run_id       TEXT PRIMARY KEY,
  policy_ref   TEXT NOT NULL,
  group_size   INTEGER NOT NULL,
  stages       TEXT NOT NULL,
  status       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  completed_at TEXT,
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS stage_log (
  id           TEXT PRIMARY KEY,
  run_id       TEXT NOT NULL REFERENCES runs(run_id),
  stage_index  INTEGER NOT NULL,
  name         TEXT NOT NULL,
  status       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_log_run ON stage_log(run_id, stage_index);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordRunStart inserts the run row in running state.
func (j *Journal) RecordRunStart(ctx context.Context, rc *run.Context) error {
	names := make([]string, len(rc.Stages))
	for i, s := range rc.Stages {
		names[i] = s.Name
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, policy_ref, group_size, stages, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rc.RunID, rc.PolicyRef, rc.GroupSize, strings.Join(names, ","),
		StatusRunning, now(),
	)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunEnd marks the run completed or failed. lastError is empty on the
// happy path.
func (j *Journal) RecordRunEnd(ctx context.Context, runID, status, lastError string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, last_error = ? WHERE run_id = ?`,
		status, now(), nullable(lastError), runID,
	)
	if err != nil {
		return fmt.Errorf("record run end: %w", err)
	}
	return nil
}

// RecordStageStart inserts a stage_log row in running state.
func (j *Journal) RecordStageStart(ctx context.Context, runID string, index int, name string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO stage_log (id, run_id, stage_index, name, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, index, name, StatusRunning, now(),
	)
	if err != nil {
		return fmt.Errorf("record stage start: %w", err)
	}
	return nil
}

// RecordStageEnd marks the latest row for (runID, index) with a final status.
func (j *Journal) RecordStageEnd(ctx context.Context, runID string, index int, status string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE stage_log SET status = ?, completed_at = ?
		 WHERE run_id = ? AND stage_index = ?`,
		status, now(), runID, index,
	)
	if err != nil {
		return fmt.Errorf("record stage end: %w", err)
	}
	return nil
}

// GetRun fetches a single run row. Returns sql.ErrNoRows via the wrap when
// the run is unknown.
func (j *Journal) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT run_id, policy_ref, group_size, stages, status, started_at, completed_at, last_error
		 FROM runs WHERE run_id = ?`, runID)

	var rec RunRecord
	var stages, startedAt string
	var completedAt, lastError sql.NullString
	if err := row.Scan(&rec.RunID, &rec.PolicyRef, &rec.GroupSize, &stages,
		&rec.Status, &startedAt, &completedAt, &lastError); err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	rec.Stages = strings.Split(stages, ",")
	rec.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		rec.CompletedAt = &t
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	return &rec, nil
}

// StageRecords returns the stage rows for a run in stage order.
func (j *Journal) StageRecords(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, stage_index, name, status, started_at, completed_at
		 FROM stage_log WHERE run_id = ? ORDER BY stage_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("stage records for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var rec StageRecord
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.StageIndex, &rec.Name, &rec.Status,
			&startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		rec.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
