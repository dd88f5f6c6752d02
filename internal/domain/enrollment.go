package domain

import "time"

// EnrollmentStatus enumerates the states of one recipient's run.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
)

// IsTerminal returns true for completed and exited enrollments.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentExited
}

// Exit reasons written by the engine itself. Callers of exit() may supply
// any other free-form reason.
const (
	ExitDispatchFailed = "dispatch_failed"
	ExitGraphIntegrity = "graph_integrity"
	ExitManual         = "manual"
)

// Branch labels recorded when a condition node resolves.
const (
	BranchYes = "yes"
	BranchNo  = "no"
)

// Enrollment is one recipient's progress through one automation's graph.
// Version is the optimistic-concurrency counter; repositories bump it on
// every persisted transition.
type Enrollment struct {
	ID                    string            `json:"id" db:"id"`
	OwnerID               string            `json:"owner_id" db:"owner_id"`
	AutomationID          string            `json:"automation_id" db:"automation_id"`
	RecipientID           string            `json:"recipient_id" db:"recipient_id"`
	RecipientAddress      string            `json:"recipient_address" db:"recipient_address"`
	Status                EnrollmentStatus  `json:"status" db:"status"`
	CurrentNodeID         string            `json:"current_node_id" db:"current_node_id"`
	NextActionDueAt       time.Time         `json:"next_action_due_at" db:"next_action_due_at"`
	LastDispatchMessageID string            `json:"last_dispatch_message_id,omitempty" db:"last_dispatch_message_id"`
	Context               EnrollmentContext `json:"context" db:"context"`
	Version               int64             `json:"version" db:"version"`
	ExitReason            string            `json:"exit_reason,omitempty" db:"exit_reason"`
	ExitRequested         string            `json:"exit_requested,omitempty" db:"exit_requested"`
	ClaimedUntil          *time.Time        `json:"claimed_until,omitempty" db:"claimed_until"`
	EnrolledAt            time.Time         `json:"enrolled_at" db:"enrolled_at"`
	UpdatedAt             time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// IsClaimed reports whether a scheduler worker holds an unexpired claim.
func (e Enrollment) IsClaimed(now time.Time) bool {
	return e.ClaimedUntil != nil && now.Before(*e.ClaimedUntil)
}

// EnrollmentContext is the engine's per-enrollment bookkeeping, persisted as
// JSON. Step counts node arrivals and keys dispatch idempotency.
type EnrollmentContext struct {
	Step              int               `json:"step"`
	ConditionDeadline *time.Time        `json:"condition_deadline,omitempty"`
	DispatchAttempts  int               `json:"dispatch_attempts,omitempty"`
	BranchTaken       map[string]string `json:"branch_taken,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	// PendingDispatch is written before the provider is called and cleared
	// with the outcome. A claim that finds it set must not send again.
	PendingDispatch *PendingDispatch `json:"pending_dispatch,omitempty"`
}

// PendingDispatch marks a send that was handed to the provider but whose
// outcome has not been recorded yet.
type PendingDispatch struct {
	DispatchID int64     `json:"dispatch_id"`
	NodeID     string    `json:"node_id"`
	Step       int       `json:"step"`
	MessageID  string    `json:"message_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Clone returns a copy that shares no maps or pointers with c.
func (c EnrollmentContext) Clone() EnrollmentContext {
	out := c
	if c.ConditionDeadline != nil {
		d := *c.ConditionDeadline
		out.ConditionDeadline = &d
	}
	if c.PendingDispatch != nil {
		p := *c.PendingDispatch
		out.PendingDispatch = &p
	}
	if c.BranchTaken != nil {
		out.BranchTaken = make(map[string]string, len(c.BranchTaken))
		for k, v := range c.BranchTaken {
			out.BranchTaken[k] = v
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the enrollment.
func (e Enrollment) Clone() Enrollment {
	out := e
	out.Context = e.Context.Clone()
	if e.ClaimedUntil != nil {
		t := *e.ClaimedUntil
		out.ClaimedUntil = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
