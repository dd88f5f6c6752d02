package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// EngagementRepo stores the append-only engagement log.
type EngagementRepo struct{ db *sql.DB }

// NewEngagementRepo creates a Postgres-backed engagement repository.
func NewEngagementRepo(db *sql.DB) *EngagementRepo { return &EngagementRepo{db: db} }

func (r *EngagementRepo) AppendEngagement(ctx context.Context, ev *domain.EngagementEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	var dispatchID interface{}
	if ev.DispatchRecordID != 0 {
		dispatchID = ev.DispatchRecordID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO engagement_events (
			id, type, correlation_key, dispatch_record_id, owner_id,
			from_address, observed_at, raw_ref, match,
			link_url, ip_address, user_agent, created_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), $9,
			NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NOW())
	`, ev.ID, ev.Type, ev.CorrelationKey, dispatchID, ev.OwnerID,
		ev.FromAddress, ev.ObservedAt, ev.RawRef, ev.Match,
		ev.LinkURL, ev.IPAddress, ev.UserAgent)
	if err != nil {
		return fmt.Errorf("append engagement: %w", err)
	}
	return nil
}

func (r *EngagementRepo) ListEngagementByCorrelationKey(ctx context.Context, key string) ([]domain.EngagementEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, correlation_key, COALESCE(dispatch_record_id, 0), COALESCE(owner_id, ''),
		       COALESCE(from_address, ''), observed_at, COALESCE(raw_ref, ''), match,
		       COALESCE(link_url, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM engagement_events
		WHERE correlation_key = $1
		ORDER BY observed_at
	`, key)
	if err != nil {
		return nil, fmt.Errorf("list engagement: %w", err)
	}
	defer rows.Close()

	var out []domain.EngagementEvent
	for rows.Next() {
		var ev domain.EngagementEvent
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.CorrelationKey, &ev.DispatchRecordID, &ev.OwnerID,
			&ev.FromAddress, &ev.ObservedAt, &ev.RawRef, &ev.Match,
			&ev.LinkURL, &ev.IPAddress, &ev.UserAgent, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
