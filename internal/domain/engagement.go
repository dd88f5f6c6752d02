package domain

import "time"

// EngagementType enumerates the engagement signals a condition can wait on.
type EngagementType string

const (
	EngagementOpen  EngagementType = "open"
	EngagementClick EngagementType = "click"
	EngagementReply EngagementType = "reply"
)

// Valid reports whether t is a known engagement type.
func (t EngagementType) Valid() bool {
	switch t {
	case EngagementOpen, EngagementClick, EngagementReply:
		return true
	}
	return false
}

// MatchKind records how an inbound event was attributed.
type MatchKind string

const (
	MatchExact       MatchKind = "exact"
	MatchStructured  MatchKind = "structured"
	MatchDomainOwner MatchKind = "domain_owner"
	MatchUnmatched   MatchKind = "unmatched"
)

// EngagementEvent is an append-only engagement signal. CorrelationKey is
// empty when the event could only be attributed to an owner (or not at all);
// such events are kept for audit but never resolve a condition.
type EngagementEvent struct {
	ID               string         `json:"id" db:"id"`
	Type             EngagementType `json:"type" db:"type"`
	CorrelationKey   string         `json:"correlation_key,omitempty" db:"correlation_key"`
	DispatchRecordID int64          `json:"dispatch_record_id,omitempty" db:"dispatch_record_id"`
	OwnerID          string         `json:"owner_id,omitempty" db:"owner_id"`
	FromAddress      string         `json:"from_address,omitempty" db:"from_address"`
	ObservedAt       time.Time      `json:"observed_at" db:"observed_at"`
	RawRef           string         `json:"raw_ref,omitempty" db:"raw_ref"`
	Match            MatchKind      `json:"match" db:"match"`
	LinkURL          string         `json:"link_url,omitempty" db:"link_url"`
	IPAddress        string         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent        string         `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}
