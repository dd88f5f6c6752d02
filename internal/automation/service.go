package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/graph"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

var log = logger.With("component", "automation")

// Service is the owner-scoped control surface over enrollments. Every call
// names the owner explicitly; records belonging to another owner are
// reported as ErrNotFound. It is safe for concurrent use.
type Service struct {
	automations AutomationStore
	enrollments EnrollmentStore
	directory   RecipientDirectory
	graphs      *GraphCache
	now         func() time.Time
}

// NewService wires the control surface.
func NewService(automations AutomationStore, enrollments EnrollmentStore, directory RecipientDirectory, graphs *GraphCache) *Service {
	return &Service{
		automations: automations,
		enrollments: enrollments,
		directory:   directory,
		graphs:      graphs,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Publish validates an automation's graph and activates it.
func (s *Service) Publish(ctx context.Context, ownerID, automationID string) (*domain.Automation, error) {
	a, err := s.ownedAutomation(ctx, ownerID, automationID)
	if err != nil {
		return nil, err
	}
	if a.Status == domain.AutomationArchived {
		return nil, fmt.Errorf("%w: automation %s is archived", ErrBadRequest, automationID)
	}
	if _, err := graph.Parse(a.Graph); err != nil {
		return nil, err
	}
	if err := s.automations.SetAutomationStatus(ctx, automationID, domain.AutomationActive); err != nil {
		return nil, fmt.Errorf("activate automation: %w", err)
	}
	s.graphs.Invalidate(automationID)
	a.Status = domain.AutomationActive

	log.Info("automation published", "automation_id", automationID, "owner_id", ownerID)
	return a, nil
}

// Enroll starts a recipient on an active automation.
func (s *Service) Enroll(ctx context.Context, ownerID, automationID, recipientID string, metadata map[string]any) (*domain.Enrollment, error) {
	a, err := s.ownedAutomation(ctx, ownerID, automationID)
	if err != nil {
		return nil, err
	}
	if !a.IsRunnable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, automationID, a.Status)
	}
	g, err := s.graphs.Get(ctx, automationID)
	if err != nil {
		return nil, err
	}
	return s.enroll(ctx, ownerID, a.ID, g, recipientID, metadata)
}

// BulkEnroll enrolls many recipients. Recipients already enrolled are
// skipped; other failures are joined into the returned error alongside
// the enrollments that did succeed.
func (s *Service) BulkEnroll(ctx context.Context, ownerID, automationID string, recipientIDs []string) ([]domain.Enrollment, error) {
	a, err := s.ownedAutomation(ctx, ownerID, automationID)
	if err != nil {
		return nil, err
	}
	if !a.IsRunnable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, automationID, a.Status)
	}
	g, err := s.graphs.Get(ctx, automationID)
	if err != nil {
		return nil, err
	}

	var (
		created []domain.Enrollment
		errs    []error
		skipped int
	)
	for _, rid := range recipientIDs {
		e, err := s.enroll(ctx, ownerID, a.ID, g, rid, nil)
		switch {
		case errors.Is(err, ErrDuplicate):
			skipped++
		case err != nil:
			errs = append(errs, fmt.Errorf("recipient %s: %w", rid, err))
		default:
			created = append(created, *e)
		}
	}
	log.Info("bulk enroll finished", "automation_id", automationID,
		"requested", len(recipientIDs), "created", len(created), "skipped", skipped, "failed", len(errs))
	return created, errors.Join(errs...)
}

func (s *Service) enroll(ctx context.Context, ownerID, automationID string, g *graph.Graph, recipientID string, metadata map[string]any) (*domain.Enrollment, error) {
	r, err := s.directory.GetRecipient(ctx, ownerID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, err)
	}
	address := domain.NormalizeAddress(r.Address)
	if address == "" {
		return nil, fmt.Errorf("%w: recipient %s has no address", ErrBadRequest, recipientID)
	}

	e, _, err := Enroll(domain.Enrollment{
		ID:               uuid.New().String(),
		OwnerID:          ownerID,
		AutomationID:     automationID,
		RecipientID:      r.ID,
		RecipientAddress: address,
		Context:          domain.EnrollmentContext{Metadata: metadata},
	}, g, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.enrollments.CreateEnrollment(ctx, &e); err != nil {
		return nil, err
	}
	log.Debug("enrolled", "enrollment_id", e.ID, "automation_id", automationID,
		"recipient_address", address, "node", e.CurrentNodeID, "due", e.NextActionDueAt.Format(time.RFC3339))
	return &e, nil
}

// GetEnrollment returns one enrollment.
func (s *Service) GetEnrollment(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error) {
	return s.ownedEnrollment(ctx, ownerID, enrollmentID)
}

// Pause stops an enrollment in place. A claimed enrollment is ErrClaimed.
func (s *Service) Pause(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error) {
	return s.mutate(ctx, ownerID, enrollmentID, func(e domain.Enrollment, now time.Time) (domain.Enrollment, bool, error) {
		next, err := Pause(e, now)
		return next, next.Status != e.Status, err
	})
}

// Resume reactivates a paused enrollment.
func (s *Service) Resume(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error) {
	return s.mutate(ctx, ownerID, enrollmentID, func(e domain.Enrollment, now time.Time) (domain.Enrollment, bool, error) {
		next, err := Resume(e, now)
		return next, next.Status != e.Status, err
	})
}

// Complete is the manual completion override. Completing a completed
// enrollment returns it unchanged.
func (s *Service) Complete(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error) {
	return s.mutate(ctx, ownerID, enrollmentID, func(e domain.Enrollment, now time.Time) (domain.Enrollment, bool, error) {
		next, eff, err := Complete(e, now)
		return next, eff.Kind != EffectNoOp, err
	})
}

// Exit forces an enrollment out. If a scheduler holds the enrollment, or
// wins the version race, the exit is recorded as a request that the next
// tick applies; the returned enrollment then still shows its prior status
// with ExitRequested set.
func (s *Service) Exit(ctx context.Context, ownerID, enrollmentID, reason string) (*domain.Enrollment, error) {
	if reason == "" {
		reason = domain.ExitManual
	}
	e, err := s.ownedEnrollment(ctx, ownerID, enrollmentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if e.Status == domain.EnrollmentActive && e.IsClaimed(now) {
		return s.requestExit(ctx, e, reason)
	}

	next, eff, err := Exit(*e, reason, now)
	if err != nil {
		return nil, err
	}
	if eff.Kind == EffectNoOp {
		return e, nil
	}
	if err := s.enrollments.UpdateEnrollment(ctx, &next); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.requestExit(ctx, e, reason)
		}
		return nil, fmt.Errorf("exit enrollment: %w", err)
	}
	log.Info("enrollment exited", "enrollment_id", e.ID, "reason", reason)
	return &next, nil
}

func (s *Service) requestExit(ctx context.Context, e *domain.Enrollment, reason string) (*domain.Enrollment, error) {
	if err := s.enrollments.RequestExit(ctx, e.ID, reason); err != nil {
		return nil, fmt.Errorf("request exit: %w", err)
	}
	e.ExitRequested = reason
	log.Info("exit requested", "enrollment_id", e.ID, "reason", reason)
	return e, nil
}

// ProgressUpdate repositions an enrollment. Version, when non-zero, must
// match the stored version.
type ProgressUpdate struct {
	NodeID  string `json:"node_id" validate:"required"`
	Branch  string `json:"branch,omitempty" validate:"omitempty,oneof=yes no"`
	Version int64  `json:"version,omitempty"`
}

// UpdateProgress moves an enrollment to another node with a single
// compare-and-set attempt; a concurrent transition yields ErrConflict.
func (s *Service) UpdateProgress(ctx context.Context, ownerID, enrollmentID string, u ProgressUpdate) (*domain.Enrollment, error) {
	e, err := s.ownedEnrollment(ctx, ownerID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if u.Version != 0 && u.Version != e.Version {
		return nil, fmt.Errorf("%w: have version %d, got %d", ErrConflict, e.Version, u.Version)
	}
	if e.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	now := s.now()
	if e.IsClaimed(now) {
		return nil, ErrClaimed
	}
	g, err := s.graphs.Get(ctx, e.AutomationID)
	if err != nil {
		return nil, err
	}
	next, _, err := MoveTo(*e, g, u.NodeID, u.Branch, now)
	if err != nil {
		return nil, err
	}
	if err := s.enrollments.UpdateEnrollment(ctx, &next); err != nil {
		return nil, err
	}
	log.Info("enrollment moved", "enrollment_id", e.ID, "from", e.CurrentNodeID, "to", next.CurrentNodeID, "status", next.Status)
	return &next, nil
}

// ListFailed returns enrollments halted by dispatch failure or a graph
// integrity defect, for operator follow-up.
func (s *Service) ListFailed(ctx context.Context, ownerID string, limit int) ([]domain.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.enrollments.ListExitedEnrollments(ctx, ownerID,
		[]string{domain.ExitDispatchFailed, domain.ExitGraphIntegrity}, limit)
}

type mutation func(e domain.Enrollment, now time.Time) (domain.Enrollment, bool, error)

func (s *Service) mutate(ctx context.Context, ownerID, enrollmentID string, fn mutation) (*domain.Enrollment, error) {
	e, err := s.ownedEnrollment(ctx, ownerID, enrollmentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	next, changed, err := fn(*e, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return e, nil
	}
	if e.IsClaimed(now) {
		return nil, ErrClaimed
	}
	if err := s.enrollments.UpdateEnrollment(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *Service) ownedAutomation(ctx context.Context, ownerID, automationID string) (*domain.Automation, error) {
	a, err := s.automations.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}
	if a.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *Service) ownedEnrollment(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error) {
	e, err := s.enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return e, nil
}
