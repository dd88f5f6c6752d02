package automation

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
)

// Sentinel errors. The storage errors alias the domain ones so repositories
// need not import this package.
var (
	ErrNotFound   = domain.ErrNotFound
	ErrConflict   = domain.ErrConflict
	ErrDuplicate  = domain.ErrDuplicate
	ErrTerminal   = errors.New("automation: enrollment is completed or exited")
	ErrClaimed    = errors.New("automation: enrollment is being processed")
	ErrNotActive  = errors.New("automation: automation is not active")
	ErrIntegrity  = errors.New("automation: graph integrity defect")
	ErrBadRequest = errors.New("automation: invalid request")
)

// AutomationStore reads published automations.
type AutomationStore interface {
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)
	SetAutomationStatus(ctx context.Context, id string, status domain.AutomationStatus) error
}

// EnrollmentStore persists enrollments with optimistic concurrency on
// Version. Every successful write bumps the stored version by one and
// reflects the new value back into the caller's struct.
type EnrollmentStore interface {
	// CreateEnrollment inserts e at version 1. ErrDuplicate if the recipient
	// already has an enrollment in the automation.
	CreateEnrollment(ctx context.Context, e *domain.Enrollment) error

	GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error)

	// UpdateEnrollment writes e if the stored version still equals e.Version,
	// otherwise ErrConflict. It never touches exit_requested.
	UpdateEnrollment(ctx context.Context, e *domain.Enrollment) error

	// ClaimEnrollment bumps the version and sets claimed_until if the stored
	// version equals version. It returns the new version or ErrConflict.
	ClaimEnrollment(ctx context.Context, id string, version int64, until time.Time) (int64, error)

	// ListDueEnrollments returns active enrollments of active automations
	// that are due at now or carry an exit request, skipping unexpired claims.
	ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error)

	// RequestExit flags an enrollment for exit on the next tick without
	// bumping its version.
	RequestExit(ctx context.Context, id, reason string) error

	// ListExitedEnrollments returns an owner's exited enrollments whose exit
	// reason is one of reasons, newest first.
	ListExitedEnrollments(ctx context.Context, ownerID string, reasons []string, limit int) ([]domain.Enrollment, error)
}

// RecipientDirectory resolves recipients owned by the surrounding CRM.
type RecipientDirectory interface {
	GetRecipient(ctx context.Context, ownerID, recipientID string) (*domain.Recipient, error)
}

// EventSource lists engagement events attributed to a correlation key.
type EventSource interface {
	ListEngagementByCorrelationKey(ctx context.Context, key string) ([]domain.EngagementEvent, error)
}
