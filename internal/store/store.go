// Package store implements sqlite-backed persistence for the runtime's two
// durable stateful collaborators: cron run-record history
// (internal/cron.ExecutionStore) and the schema verifier's pinned-key store
// (internal/schemaverify.KeyStore). Both use the same pure-Go sqlite driver
// and connection-opening convention as the teacher's vector memory backend.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/symbiont/internal/cron"
)

// Open opens (creating if necessary) a sqlite database file at path. An
// empty path opens a private in-memory database, useful for tests.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent access
	return db, nil
}

// ExecutionStore is a sqlite-backed cron.ExecutionStore.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore opens or creates the run-record schema on db.
func NewExecutionStore(db *sql.DB) (*ExecutionStore, error) {
	s := &ExecutionStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ExecutionStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cron_executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration_ns INTEGER,
			output TEXT,
			error TEXT,
			retry INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("store: create cron_executions table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cron_executions_job ON cron_executions(job_id, started_at)`)
	if err != nil {
		return fmt.Errorf("store: create cron_executions index: %w", err)
	}
	return nil
}

// Create stores a new execution record.
func (s *ExecutionStore) Create(ctx context.Context, exec *cron.JobExecution) error {
	if exec == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_executions (id, job_id, status, started_at, completed_at, duration_ns, output, error, retry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.JobID, string(exec.Status), exec.StartedAt, nullTime(exec.CompletedAt), int64(exec.Duration), exec.Output, exec.Error, exec.Retry)
	if err != nil {
		return fmt.Errorf("store: insert execution %s: %w", exec.ID, err)
	}
	return nil
}

// Update overwrites an execution record.
func (s *ExecutionStore) Update(ctx context.Context, exec *cron.JobExecution) error {
	if exec == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_executions
		SET status = ?, completed_at = ?, duration_ns = ?, output = ?, error = ?, retry = ?
		WHERE id = ?
	`, string(exec.Status), nullTime(exec.CompletedAt), int64(exec.Duration), exec.Output, exec.Error, exec.Retry, exec.ID)
	if err != nil {
		return fmt.Errorf("store: update execution %s: %w", exec.ID, err)
	}
	return nil
}

// Get returns an execution by id, or nil if not found.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*cron.JobExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, status, started_at, completed_at, duration_ns, output, error, retry
		FROM cron_executions WHERE id = ?
	`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get execution %s: %w", id, err)
	}
	return exec, nil
}

// List returns execution records, most recent first, optionally filtered by
// job id.
func (s *ExecutionStore) List(ctx context.Context, jobID string, limit, offset int) ([]*cron.JobExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, job_id, status, started_at, completed_at, duration_ns, output, error, retry
		FROM cron_executions
	`
	args := []any{}
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()

	var out []*cron.JobExecution
	for rows.Next() {
		exec, err := scanExecutionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// Prune deletes execution records older than olderThan, returning the
// number of rows removed.
func (s *ExecutionStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM cron_executions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune executions: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*cron.JobExecution, error) {
	return scanExecutionRows(row)
}

func scanExecutionRows(row scanner) (*cron.JobExecution, error) {
	var (
		exec        cron.JobExecution
		status      string
		completedAt sql.NullTime
		durationNS  int64
	)
	if err := row.Scan(&exec.ID, &exec.JobID, &status, &exec.StartedAt, &completedAt, &durationNS, &exec.Output, &exec.Error, &exec.Retry); err != nil {
		return nil, err
	}
	exec.Status = cron.ExecutionStatus(status)
	exec.Duration = time.Duration(durationNS)
	if completedAt.Valid {
		exec.CompletedAt = completedAt.Time
	}
	return &exec, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
