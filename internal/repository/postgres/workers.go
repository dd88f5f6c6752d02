package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// WorkerRegistry records scheduler workers and their heartbeats so operators
// can see which replicas are alive.
type WorkerRegistry struct{ db *sql.DB }

// NewWorkerRegistry creates a Postgres-backed worker registry.
func NewWorkerRegistry(db *sql.DB) *WorkerRegistry { return &WorkerRegistry{db: db} }

func (r *WorkerRegistry) RegisterWorker(ctx context.Context, workerID, hostname string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO engine_workers (id, hostname, status, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'running', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = NOW(),
			last_heartbeat_at = NOW()
	`, workerID, hostname)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func (r *WorkerRegistry) Heartbeat(ctx context.Context, workerID string, processed, dispatched, errs int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE engine_workers
		SET last_heartbeat_at = NOW(), total_processed = $2, total_dispatched = $3, total_errors = $4
		WHERE id = $1
	`, workerID, processed, dispatched, errs)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (r *WorkerRegistry) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE engine_workers SET status = 'stopped' WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}
