package domain

import "time"

// DispatchStatus enumerates the outcome of one attempted send.
type DispatchStatus string

const (
	DispatchSent              DispatchStatus = "sent"
	DispatchFailed            DispatchStatus = "failed"
	DispatchSkippedSuppressed DispatchStatus = "skipped_suppressed"
)

// DispatchRecord is one append-only row per attempted send. Step is the
// enrollment's arrival sequence at NodeID; at most one sent record exists
// per (EnrollmentID, NodeID, Step).
type DispatchRecord struct {
	ID                int64          `json:"id" db:"id"`
	EnrollmentID      string         `json:"enrollment_id" db:"enrollment_id"`
	OwnerID           string         `json:"owner_id" db:"owner_id"`
	NodeID            string         `json:"node_id" db:"node_id"`
	Step              int            `json:"step" db:"step"`
	RecipientAddress  string         `json:"recipient_address" db:"recipient_address"`
	ProviderMessageID string         `json:"provider_message_id,omitempty" db:"provider_message_id"`
	CorrelationKey    string         `json:"correlation_key,omitempty" db:"correlation_key"`
	SentAt            time.Time      `json:"sent_at" db:"sent_at"`
	Status            DispatchStatus `json:"status" db:"status"`
	Error             string         `json:"error,omitempty" db:"error"`
}

// DispatchRequest is the fully-resolved send handed to a dispatch provider.
// MessageID must be used verbatim as the outbound Message-ID so replies can
// be correlated.
type DispatchRequest struct {
	DispatchID       int64             `json:"dispatch_id"`
	OwnerID          string            `json:"owner_id"`
	AutomationID     string            `json:"automation_id"`
	EnrollmentID     string            `json:"enrollment_id"`
	NodeID           string            `json:"node_id"`
	TemplateRef      string            `json:"template_ref"`
	RecipientAddress string            `json:"recipient_address"`
	MessageID        string            `json:"message_id"`
	Headers          map[string]string `json:"headers,omitempty"`
	// Links holds tracking URLs for the template. click_url is a prefix the
	// template completes with the escaped destination.
	Links map[string]string `json:"links,omitempty"`
}

// DispatchResult is returned by a provider after accepting a send.
type DispatchResult struct {
	ProviderMessageID string    `json:"provider_message_id"`
	AcceptedAt        time.Time `json:"accepted_at"`
}
