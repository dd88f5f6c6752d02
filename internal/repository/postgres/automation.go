package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/automation-engine/internal/domain"
)

// AutomationRepo implements automation.AutomationStore against PostgreSQL.
type AutomationRepo struct{ db *sql.DB }

// NewAutomationRepo creates a Postgres-backed automation repository.
func NewAutomationRepo(db *sql.DB) *AutomationRepo { return &AutomationRepo{db: db} }

func (r *AutomationRepo) GetAutomation(ctx context.Context, id string) (*domain.Automation, error) {
	a := &domain.Automation{}
	var graph []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, graph, status, created_at, updated_at
		FROM automations
		WHERE id = $1
	`, id).Scan(&a.ID, &a.OwnerID, &a.Name, &graph, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get automation: %w", err)
	}
	a.Graph = graph
	return a, nil
}

func (r *AutomationRepo) SetAutomationStatus(ctx context.Context, id string, status domain.AutomationStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE automations SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("set automation status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveAutomation upserts a draft from the builder. Saving resets the status
// to draft so the graph must be published again.
func (r *AutomationRepo) SaveAutomation(ctx context.Context, a *domain.Automation) error {
	a.Status = domain.AutomationDraft
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automations (id, owner_id, name, graph, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET name = $3, graph = $4, status = $5, updated_at = NOW()
		WHERE automations.owner_id = $2
	`, a.ID, a.OwnerID, a.Name, []byte(a.Graph), a.Status)
	if err != nil {
		return fmt.Errorf("save automation: %w", err)
	}
	return nil
}
