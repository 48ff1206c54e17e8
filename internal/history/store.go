// Package history records queue and pool task runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/jeanhaley32/sapphire-bee/internal/constants"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Source string

const (
	SourceQueue Source = "queue"
	SourcePool  Source = "pool"
)

// TaskRun is one agent invocation for a queue file or a GitHub issue.
type TaskRun struct {
	ID         string
	Name       string
	Source     Source
	Worker     string
	Status     Status
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	ResultPath string
	Detail     string
}

// Duration is zero for runs that have not finished.
func (r TaskRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Source Source
	Status Status
	Since  time.Time
	Limit  int
}

type Store struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing history database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	s := &Store{dsn: path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"}
	if err := s.open(); err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return s.migrate()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS task_runs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  source TEXT NOT NULL,
  worker TEXT,
  status TEXT NOT NULL,
  exit_code INTEGER NOT NULL DEFAULT 0,
  started_at_ms INTEGER NOT NULL,
  finished_at_ms INTEGER,
  result_path TEXT,
  detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_runs_started ON task_runs(started_at_ms);
CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);
`)
	return err
}

// Start inserts a running row and returns it with its ID.
func (s *Store) Start(ctx context.Context, run TaskRun) (TaskRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = StatusRunning
	if err := s.insert(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// Finish marks a started run as completed or failed.
func (s *Store) Finish(ctx context.Context, id string, status Status, exitCode int, resultPath, detail string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE task_runs
SET status = ?, exit_code = ?, finished_at_ms = ?, result_path = ?, detail = ?
WHERE id = ?
`, string(status), exitCode, time.Now().UnixMilli(), resultPath, detail, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no such run", id)
	}
	return nil
}

// FinishStale closes every running row of source named name, as left behind
// by a process that died mid-task. It reports how many rows it closed.
func (s *Store) FinishStale(ctx context.Context, source Source, name string, status Status, exitCode int, resultPath, detail string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE task_runs
SET status = ?, exit_code = ?, finished_at_ms = ?, result_path = ?, detail = ?
WHERE source = ? AND name = ? AND status = ?
`, string(status), exitCode, time.Now().UnixMilli(), resultPath, detail, string(source), name, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("finish stale %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("finish stale %s: %w", name, err)
	}
	return n, nil
}

// Record inserts a run that has already finished.
func (s *Store) Record(ctx context.Context, run TaskRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if err := s.insert(ctx, run); err != nil {
		return "", err
	}
	return run.ID, nil
}

func (s *Store) insert(ctx context.Context, run TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_runs (
  id, name, source, worker, status, exit_code,
  started_at_ms, finished_at_ms, result_path, detail
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, run.ID, run.Name, string(run.Source), run.Worker, string(run.Status), run.ExitCode,
		run.StartedAt.UnixMilli(), nullMillis(run.FinishedAt), run.ResultPath, run.Detail,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.Name, err)
	}
	return nil
}

// List returns matching runs, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]TaskRun, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	query := `
SELECT id, name, source, worker, status, exit_code,
  started_at_ms, finished_at_ms, result_path, detail
FROM task_runs`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY started_at_ms, id"
	if f.Limit > 0 {
		query += fmt.Sprintf("\nLIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var (
			run        TaskRun
			source     string
			status     string
			worker     sql.NullString
			startedMs  int64
			finishedMs sql.NullInt64
			resultPath sql.NullString
			detail     sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Name, &source, &worker, &status, &run.ExitCode,
			&startedMs, &finishedMs, &resultPath, &detail); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Source = Source(source)
		run.Status = Status(status)
		run.Worker = worker.String
		run.StartedAt = time.UnixMilli(startedMs)
		if finishedMs.Valid {
			run.FinishedAt = time.UnixMilli(finishedMs.Int64)
		}
		run.ResultPath = resultPath.String
		run.Detail = detail.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
