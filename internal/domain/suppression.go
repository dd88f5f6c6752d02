package domain

import "time"

// SuppressionScopeAll suppresses an address for every automation. Any other
// scope value is an automation id.
const SuppressionScopeAll = "all"

// SuppressionReason enumerates why an address was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "spam_complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

// SuppressionRecord is a standing record preventing dispatch to an address.
// External writers (the unsubscribe flow) create and deactivate these; the
// engine only reads them.
type SuppressionRecord struct {
	ID        string            `json:"id" db:"id"`
	Address   string            `json:"address" db:"address"`
	Scope     string            `json:"scope" db:"scope"`
	Active    bool              `json:"active" db:"active"`
	Reason    SuppressionReason `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}
