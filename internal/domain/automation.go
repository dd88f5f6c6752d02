package domain

import (
	"encoding/json"
	"time"
)

// AutomationStatus enumerates the lifecycle states of an automation.
type AutomationStatus string

const (
	AutomationDraft    AutomationStatus = "draft"
	AutomationActive   AutomationStatus = "active"
	AutomationPaused   AutomationStatus = "paused"
	AutomationArchived AutomationStatus = "archived"
)

// Automation is a published (or draft) workflow owned by one account owner.
// Graph holds the builder's node list verbatim; internal/graph parses it.
type Automation struct {
	ID        string           `json:"id" db:"id"`
	OwnerID   string           `json:"owner_id" db:"owner_id"`
	Name      string           `json:"name" db:"name"`
	Graph     json.RawMessage  `json:"graph" db:"graph"`
	Status    AutomationStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// IsRunnable reports whether enrollments in this automation may advance.
func (a *Automation) IsRunnable() bool {
	return a.Status == AutomationActive
}
