package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/automation-engine/internal/domain"
)

// EnrollmentRepo implements automation.EnrollmentStore against PostgreSQL.
// Every write is a compare-and-set on version.
type EnrollmentRepo struct{ db *sql.DB }

// NewEnrollmentRepo creates a Postgres-backed enrollment repository.
func NewEnrollmentRepo(db *sql.DB) *EnrollmentRepo { return &EnrollmentRepo{db: db} }

const enrollmentColumns = `
	e.id, e.owner_id, e.automation_id, e.recipient_id, e.recipient_address,
	e.status, e.current_node_id, e.next_action_due_at,
	COALESCE(e.last_dispatch_message_id, ''), e.context, e.version,
	COALESCE(e.exit_reason, ''), COALESCE(e.exit_requested, ''),
	e.claimed_until, e.enrolled_at, e.updated_at, e.completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEnrollment(row rowScanner) (*domain.Enrollment, error) {
	var (
		e         domain.Enrollment
		ctxJSON   []byte
		claimed   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.OwnerID, &e.AutomationID, &e.RecipientID, &e.RecipientAddress,
		&e.Status, &e.CurrentNodeID, &e.NextActionDueAt,
		&e.LastDispatchMessageID, &ctxJSON, &e.Version,
		&e.ExitReason, &e.ExitRequested,
		&claimed, &e.EnrolledAt, &e.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", e.ID, err)
		}
	}
	if claimed.Valid {
		t := claimed.Time
		e.ClaimedUntil = &t
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func (r *EnrollmentRepo) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (
			id, owner_id, automation_id, recipient_id, recipient_address,
			status, current_node_id, next_action_due_at, context, version,
			enrolled_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12)
		ON CONFLICT (automation_id, recipient_id) DO NOTHING
	`, e.ID, e.OwnerID, e.AutomationID, e.RecipientID, e.RecipientAddress,
		e.Status, e.CurrentNodeID, e.NextActionDueAt, ctxJSON,
		e.EnrolledAt, e.UpdatedAt, nullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrDuplicate
	}
	e.Version = 1
	return nil
}

func (r *EnrollmentRepo) GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments e WHERE e.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (r *EnrollmentRepo) UpdateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	var version int64
	err = r.db.QueryRowContext(ctx, `
		UPDATE enrollments SET
			status = $3,
			current_node_id = $4,
			next_action_due_at = $5,
			last_dispatch_message_id = NULLIF($6, ''),
			context = $7,
			exit_reason = NULLIF($8, ''),
			claimed_until = $9,
			completed_at = $10,
			updated_at = $11,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`, e.ID, e.Version, e.Status, e.CurrentNodeID, e.NextActionDueAt,
		e.LastDispatchMessageID, ctxJSON, e.ExitReason,
		nullTime(e.ClaimedUntil), nullTime(e.CompletedAt), e.UpdatedAt,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	e.Version = version
	return nil
}

func (r *EnrollmentRepo) ClaimEnrollment(ctx context.Context, id string, version int64, until time.Time) (int64, error) {
	var next int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE enrollments
		SET version = version + 1, claimed_until = $3
		WHERE id = $1 AND version = $2
		  AND (status = 'active' OR (status = 'paused' AND exit_requested IS NOT NULL))
		RETURNING version
	`, id, version, until).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, domain.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("claim enrollment: %w", err)
	}
	return next, nil
}

func (r *EnrollmentRepo) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments e
		JOIN automations a ON a.id = e.automation_id
		WHERE (e.claimed_until IS NULL OR e.claimed_until < $1)
		  AND (
		    (e.status = 'active' AND a.status = 'active' AND e.next_action_due_at <= $1)
		    -- exit requests are applied whatever the automation or pause state
		    OR (e.exit_requested IS NOT NULL AND e.status IN ('active', 'paused'))
		  )
		ORDER BY e.next_action_due_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due enrollments: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (r *EnrollmentRepo) RequestExit(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE enrollments SET exit_requested = $2
		WHERE id = $1 AND status IN ('active', 'paused')
	`, id, reason)
	if err != nil {
		return fmt.Errorf("request exit: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *EnrollmentRepo) ListExitedEnrollments(ctx context.Context, ownerID string, reasons []string, limit int) ([]domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments e
		WHERE e.owner_id = $1 AND e.status = 'exited' AND e.exit_reason = ANY($2)
		ORDER BY e.updated_at DESC
		LIMIT $3
	`, ownerID, pq.Array(reasons), limit)
	if err != nil {
		return nil, fmt.Errorf("list exited enrollments: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func collectEnrollments(rows *sql.Rows) ([]domain.Enrollment, error) {
	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
