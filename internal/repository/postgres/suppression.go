package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, address, scope string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM suppressions WHERE address = $1 AND scope = $2 AND active = true)`,
		address, scope,
	).Scan(&exists)
	return exists, err
}

func (r *SuppressionRepo) Suppress(ctx context.Context, s *domain.SuppressionRecord) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions (id, address, scope, active, reason, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, NOW(), NOW())
		ON CONFLICT (address, scope) DO UPDATE SET reason = $4, active = true, updated_at = NOW()
	`, s.ID, s.Address, s.Scope, s.Reason)
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, address, scope string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE suppressions SET active = false, updated_at = NOW() WHERE address = $1 AND scope = $2 AND active = true`,
		address, scope,
	)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) ListForAddress(ctx context.Context, address string) ([]domain.SuppressionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, address, scope, active, COALESCE(reason, ''), created_at, updated_at
		FROM suppressions
		WHERE address = $1 AND active = true
		ORDER BY created_at DESC
	`, address)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.SuppressionRecord
	for rows.Next() {
		var s domain.SuppressionRecord
		if err := rows.Scan(&s.ID, &s.Address, &s.Scope, &s.Active, &s.Reason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
