package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/automation-engine/internal/domain"
)

// DispatchRepo stores the append-only dispatch log.
type DispatchRepo struct{ db *sql.DB }

// NewDispatchRepo creates a Postgres-backed dispatch repository.
func NewDispatchRepo(db *sql.DB) *DispatchRepo { return &DispatchRepo{db: db} }

const dispatchColumns = `
	id, enrollment_id, owner_id, node_id, step, recipient_address,
	COALESCE(provider_message_id, ''), COALESCE(correlation_key, ''),
	sent_at, status, COALESCE(error, '')`

func scanDispatch(row rowScanner) (*domain.DispatchRecord, error) {
	d := &domain.DispatchRecord{}
	err := row.Scan(&d.ID, &d.EnrollmentID, &d.OwnerID, &d.NodeID, &d.Step, &d.RecipientAddress,
		&d.ProviderMessageID, &d.CorrelationKey, &d.SentAt, &d.Status, &d.Error)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// NextDispatchID reserves an id so the message identifier can embed it
// before the record is written.
func (r *DispatchRepo) NextDispatchID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('dispatch_records_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next dispatch id: %w", err)
	}
	return id, nil
}

// AppendDispatch inserts a record. A second sent record for the same
// enrollment step violates uq_dispatch_sent_step and returns ErrDuplicate.
func (r *DispatchRepo) AppendDispatch(ctx context.Context, d *domain.DispatchRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_records (
			id, enrollment_id, owner_id, node_id, step, recipient_address,
			provider_message_id, correlation_key, sent_at, status, error
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, NULLIF($11, ''))
	`, d.ID, d.EnrollmentID, d.OwnerID, d.NodeID, d.Step, d.RecipientAddress,
		d.ProviderMessageID, d.CorrelationKey, d.SentAt, d.Status, d.Error)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("append dispatch: %w", err)
	}
	return nil
}

// FindSentDispatch returns the sent record for an enrollment step, if any.
func (r *DispatchRepo) FindSentDispatch(ctx context.Context, enrollmentID, nodeID string, step int) (*domain.DispatchRecord, error) {
	return r.findOne(ctx, `
		SELECT `+dispatchColumns+` FROM dispatch_records
		WHERE enrollment_id = $1 AND node_id = $2 AND step = $3 AND status = 'sent'
	`, enrollmentID, nodeID, step)
}

func (r *DispatchRepo) FindDispatchByCorrelationKey(ctx context.Context, key string) (*domain.DispatchRecord, error) {
	return r.findOne(ctx, `SELECT `+dispatchColumns+` FROM dispatch_records WHERE correlation_key = $1`, key)
}

func (r *DispatchRepo) FindDispatchByProviderMessageID(ctx context.Context, id string) (*domain.DispatchRecord, error) {
	return r.findOne(ctx, `
		SELECT `+dispatchColumns+` FROM dispatch_records
		WHERE provider_message_id = $1
		ORDER BY id DESC LIMIT 1
	`, id)
}

func (r *DispatchRepo) GetDispatch(ctx context.Context, id int64) (*domain.DispatchRecord, error) {
	return r.findOne(ctx, `SELECT `+dispatchColumns+` FROM dispatch_records WHERE id = $1`, id)
}

func (r *DispatchRepo) findOne(ctx context.Context, q string, args ...interface{}) (*domain.DispatchRecord, error) {
	d, err := scanDispatch(r.db.QueryRowContext(ctx, q, args...))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find dispatch: %w", err)
	}
	return d, nil
}
