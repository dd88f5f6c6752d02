package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/automation-engine/internal/domain"
)

// DirectoryRepo reads CRM-owned recipients and sending domains.
type DirectoryRepo struct{ db *sql.DB }

// NewDirectoryRepo creates a Postgres-backed directory.
func NewDirectoryRepo(db *sql.DB) *DirectoryRepo { return &DirectoryRepo{db: db} }

func (r *DirectoryRepo) GetRecipient(ctx context.Context, ownerID, recipientID string) (*domain.Recipient, error) {
	rc := &domain.Recipient{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, address FROM recipients WHERE id = $1 AND owner_id = $2`,
		recipientID, ownerID,
	).Scan(&rc.ID, &rc.OwnerID, &rc.Address)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return rc, nil
}

// OwnerOfDomain returns the owner of a sending domain.
func (r *DirectoryRepo) OwnerOfDomain(ctx context.Context, domainName string) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id FROM sending_domains WHERE domain = $1`,
		strings.ToLower(domainName),
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("owner of domain: %w", err)
	}
	return owner, nil
}
