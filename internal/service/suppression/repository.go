package suppression

import (
	"context"

	"github.com/ignite/automation-engine/internal/domain"
)

// Repository defines the data access contract for suppression records.
// Addresses arrive normalized (trimmed, lowercased).
type Repository interface {
	// IsSuppressed returns true if an active record exists for the address
	// in exactly this scope.
	IsSuppressed(ctx context.Context, address, scope string) (bool, error)

	// Suppress activates a record, creating it if needed. Idempotent.
	Suppress(ctx context.Context, r *domain.SuppressionRecord) error

	// Remove deactivates a record. Returns ErrNotFound if no active record exists.
	Remove(ctx context.Context, address, scope string) error

	// ListForAddress returns every active record for an address.
	ListForAddress(ctx context.Context, address string) ([]domain.SuppressionRecord, error)
}
