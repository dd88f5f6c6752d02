package worker

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/ignite/automation-engine/internal/pkg/distlock"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// =============================================================================
// RETENTION WORKER
// =============================================================================
// Removes rows the engine no longer reads:
//   - unmatched engagement events:                 30 days
//   - failed / suppressed-skip dispatch records of
//     completed or exited enrollments:             90 days
//   - stopped or silent worker registrations:       7 days
//
// Sent dispatch records and matched events stay; conditions and correlation
// read them for as long as the enrollment exists.

const (
	DefaultRetentionInterval = time.Hour
	retentionBatchSize       = 10000
)

var retentionLog = logger.With("component", "retention")

type retentionPolicy struct {
	table string
	query string // $1 is the batch size
}

var retentionPolicies = []retentionPolicy{
	{"engagement_events", `
		DELETE FROM engagement_events
		WHERE id IN (
			SELECT id FROM engagement_events
			WHERE match = 'unmatched'
			  AND created_at < NOW() - INTERVAL '30 days'
			LIMIT $1
		)`},
	{"dispatch_records", `
		DELETE FROM dispatch_records
		WHERE id IN (
			SELECT d.id FROM dispatch_records d
			JOIN enrollments e ON e.id = d.enrollment_id
			WHERE d.status IN ('failed', 'skipped_suppressed')
			  AND e.status IN ('completed', 'exited')
			  AND d.sent_at < NOW() - INTERVAL '90 days'
			LIMIT $1
		)`},
	{"engine_workers", `
		DELETE FROM engine_workers
		WHERE id IN (
			SELECT id FROM engine_workers
			WHERE last_heartbeat_at < NOW() - INTERVAL '7 days'
			LIMIT $1
		)`},
}

// RetentionWorker periodically deletes expired rows in small batches.
type RetentionWorker struct {
	db       *sql.DB
	interval time.Duration
	pause    time.Duration
	lock     distlock.Locker
}

func NewRetentionWorker(db *sql.DB) *RetentionWorker {
	return &RetentionWorker{db: db, interval: DefaultRetentionInterval, pause: 100 * time.Millisecond}
}

// SetLock makes cycles exclusive across replicas. A cycle that cannot take
// the lock is skipped.
func (rw *RetentionWorker) SetLock(l distlock.Locker) {
	rw.lock = l
}

// Start runs a cycle immediately and then every interval until ctx is done.
func (rw *RetentionWorker) Start(ctx context.Context) {
	retentionLog.Info("retention worker starting", "interval", rw.interval.String(), "batch_size", retentionBatchSize)
	rw.RunOnce(ctx)

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			retentionLog.Info("retention worker stopping")
			return
		case <-ticker.C:
			rw.RunOnce(ctx)
		}
	}
}

// RunOnce applies every policy and returns the rows deleted per table.
func (rw *RetentionWorker) RunOnce(ctx context.Context) map[string]int64 {
	if rw.lock == nil {
		return rw.cycle(ctx)
	}
	var out map[string]int64
	ran, err := distlock.WithLock(ctx, rw.lock, func(ctx context.Context) error {
		out = rw.cycle(ctx)
		return nil
	})
	switch {
	case err != nil:
		retentionLog.Warn("retention lock", "error", err)
	case !ran:
		retentionLog.Debug("retention cycle skipped, another worker holds the lock")
	}
	return out
}

func (rw *RetentionWorker) cycle(ctx context.Context) map[string]int64 {
	start := time.Now()
	out := make(map[string]int64, len(retentionPolicies))
	for _, p := range retentionPolicies {
		if n := rw.batchDelete(ctx, p); n > 0 {
			out[p.table] = n
			retentionLog.Info("retention removed rows", "table", p.table, "rows", n)
		}
	}
	retentionLog.Debug("retention cycle done", "duration", time.Since(start).Round(time.Millisecond).String())
	return out
}

// batchDelete repeats the policy's DELETE until a batch affects no rows.
// A missing table ends the policy quietly so the worker can run before
// migrations do.
func (rw *RetentionWorker) batchDelete(ctx context.Context, p retentionPolicy) int64 {
	var total int64
	for ctx.Err() == nil {
		queryCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		res, err := rw.db.ExecContext(queryCtx, p.query, retentionBatchSize)
		cancel()
		if err != nil {
			if isTableNotExistsError(err) {
				retentionLog.Warn("retention table missing", "table", p.table)
			} else {
				retentionLog.Error("retention delete failed", "table", p.table, "error", err)
			}
			return total
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return total
		}
		total += affected
		if affected < retentionBatchSize {
			return total
		}
		time.Sleep(rw.pause)
	}
	return total
}

func isTableNotExistsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist")
}
