// Package memory provides in-process implementations of every engine
// repository. It backs the stub API server and the scheduler's concurrency
// tests; semantics (version compare-and-set, the one-sent-record-per-step
// constraint) match the Postgres repositories.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// Store holds all engine state behind one mutex.
type Store struct {
	mu           sync.RWMutex
	automations  map[string]domain.Automation
	enrollments  map[string]domain.Enrollment
	recipients   map[string]domain.Recipient
	domains      map[string]string
	dispatches   []domain.DispatchRecord
	engagements  []domain.EngagementEvent
	suppressions map[string]domain.SuppressionRecord
	workers      map[string]WorkerStatus
	nextID       int64
}

// WorkerStatus is the registry row for one scheduler worker.
type WorkerStatus struct {
	Hostname      string
	Running       bool
	LastHeartbeat time.Time
	Processed     int64
	Dispatched    int64
	Errors        int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		automations:  make(map[string]domain.Automation),
		enrollments:  make(map[string]domain.Enrollment),
		recipients:   make(map[string]domain.Recipient),
		domains:      make(map[string]string),
		suppressions: make(map[string]domain.SuppressionRecord),
		workers:      make(map[string]WorkerStatus),
	}
}

// =============================================================================
// AUTOMATIONS AND DIRECTORY
// =============================================================================

func (s *Store) GetAutomation(_ context.Context, id string) (*domain.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (s *Store) SetAutomationStatus(_ context.Context, id string, status domain.AutomationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	s.automations[id] = a
	return nil
}

// SaveAutomation upserts a draft. Another owner's automation with the same
// id is left untouched and reported as ErrNotFound.
func (s *Store) SaveAutomation(_ context.Context, a *domain.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if cur, ok := s.automations[a.ID]; ok {
		if cur.OwnerID != a.OwnerID {
			return domain.ErrNotFound
		}
		a.CreatedAt = cur.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.Status = domain.AutomationDraft
	a.UpdatedAt = now
	s.automations[a.ID] = *a
	return nil
}

// PutAutomation seeds an automation as-is.
func (s *Store) PutAutomation(a domain.Automation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automations[a.ID] = a
}

// PutRecipient seeds a CRM recipient.
func (s *Store) PutRecipient(r domain.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.ID] = r
}

// PutDomain seeds a sending domain.
func (s *Store) PutDomain(d domain.SendingDomain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[strings.ToLower(d.Domain)] = d.OwnerID
}

func (s *Store) GetRecipient(_ context.Context, ownerID, recipientID string) (*domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[recipientID]
	if !ok || r.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *Store) OwnerOfDomain(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.domains[strings.ToLower(name)]
	if !ok {
		return "", domain.ErrNotFound
	}
	return owner, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (s *Store) CreateEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.enrollments {
		if other.AutomationID == e.AutomationID && other.RecipientID == e.RecipientID {
			return domain.ErrDuplicate
		}
	}
	e.Version = 1
	s.enrollments[e.ID] = e.Clone()
	return nil
}

func (s *Store) GetEnrollment(_ context.Context, id string) (*domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := e.Clone()
	return &cp, nil
}

func (s *Store) UpdateEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.enrollments[e.ID]
	if !ok || cur.Version != e.Version {
		return domain.ErrConflict
	}
	e.Version++
	next := e.Clone()
	next.ExitRequested = cur.ExitRequested
	s.enrollments[e.ID] = next
	return nil
}

func (s *Store) ClaimEnrollment(_ context.Context, id string, version int64, until time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.enrollments[id]
	if !ok || cur.Version != version || !claimable(cur) {
		return 0, domain.ErrConflict
	}
	cur.Version++
	cur.ClaimedUntil = &until
	s.enrollments[id] = cur
	return cur.Version, nil
}

func (s *Store) ListDueEnrollments(_ context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Enrollment
	for _, e := range s.enrollments {
		if e.ClaimedUntil != nil && !e.ClaimedUntil.Before(now) {
			continue
		}
		if e.ExitRequested != "" && claimable(e) {
			out = append(out, e.Clone())
			continue
		}
		if e.Status != domain.EnrollmentActive || e.NextActionDueAt.After(now) {
			continue
		}
		if a, ok := s.automations[e.AutomationID]; !ok || a.Status != domain.AutomationActive {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextActionDueAt.Before(out[j].NextActionDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// claimable matches the postgres claim predicate: active rows, and paused
// rows that still owe an exit.
func claimable(e domain.Enrollment) bool {
	return e.Status == domain.EnrollmentActive ||
		(e.Status == domain.EnrollmentPaused && e.ExitRequested != "")
}

func (s *Store) RequestExit(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.enrollments[id]
	if !ok || cur.Status.IsTerminal() {
		return domain.ErrNotFound
	}
	cur.ExitRequested = reason
	s.enrollments[id] = cur
	return nil
}

func (s *Store) ListExitedEnrollments(_ context.Context, ownerID string, reasons []string, limit int) ([]domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Enrollment
	for _, e := range s.enrollments {
		if e.OwnerID != ownerID || e.Status != domain.EnrollmentExited {
			continue
		}
		for _, r := range reasons {
			if e.ExitReason == r {
				out = append(out, e.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// DISPATCH AND ENGAGEMENT LOGS
// =============================================================================

func (s *Store) NextDispatchID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *Store) AppendDispatch(_ context.Context, d *domain.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.dispatches {
		if existing.ID == d.ID {
			return domain.ErrDuplicate
		}
		if d.Status == domain.DispatchSent && existing.Status == domain.DispatchSent &&
			existing.EnrollmentID == d.EnrollmentID && existing.NodeID == d.NodeID && existing.Step == d.Step {
			return domain.ErrDuplicate
		}
	}
	s.dispatches = append(s.dispatches, *d)
	return nil
}

func (s *Store) FindSentDispatch(_ context.Context, enrollmentID, nodeID string, step int) (*domain.DispatchRecord, error) {
	return s.findDispatch(func(d domain.DispatchRecord) bool {
		return d.Status == domain.DispatchSent && d.EnrollmentID == enrollmentID && d.NodeID == nodeID && d.Step == step
	})
}

func (s *Store) FindDispatchByCorrelationKey(_ context.Context, key string) (*domain.DispatchRecord, error) {
	return s.findDispatch(func(d domain.DispatchRecord) bool { return key != "" && d.CorrelationKey == key })
}

func (s *Store) FindDispatchByProviderMessageID(_ context.Context, id string) (*domain.DispatchRecord, error) {
	return s.findDispatch(func(d domain.DispatchRecord) bool { return id != "" && d.ProviderMessageID == id })
}

func (s *Store) GetDispatch(_ context.Context, id int64) (*domain.DispatchRecord, error) {
	return s.findDispatch(func(d domain.DispatchRecord) bool { return d.ID == id })
}

func (s *Store) findDispatch(match func(domain.DispatchRecord) bool) (*domain.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.dispatches) - 1; i >= 0; i-- {
		if match(s.dispatches[i]) {
			d := s.dispatches[i]
			return &d, nil
		}
	}
	return nil, domain.ErrNotFound
}

// Dispatches returns a copy of the dispatch log in append order.
func (s *Store) Dispatches() []domain.DispatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.DispatchRecord(nil), s.dispatches...)
}

func (s *Store) AppendEngagement(_ context.Context, ev *domain.EngagementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.engagements = append(s.engagements, *ev)
	return nil
}

func (s *Store) ListEngagementByCorrelationKey(_ context.Context, key string) ([]domain.EngagementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.EngagementEvent
	for _, ev := range s.engagements {
		if key != "" && ev.CorrelationKey == key {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Engagements returns a copy of the engagement log in append order.
func (s *Store) Engagements() []domain.EngagementEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.EngagementEvent(nil), s.engagements...)
}

// =============================================================================
// SUPPRESSIONS
// =============================================================================

func suppressionKey(address, scope string) string { return scope + ":" + address }

func (s *Store) IsSuppressed(_ context.Context, address, scope string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.suppressions[suppressionKey(address, scope)]
	return ok && r.Active, nil
}

func (s *Store) Suppress(_ context.Context, r *domain.SuppressionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := suppressionKey(r.Address, r.Scope)
	now := time.Now().UTC()
	if cur, ok := s.suppressions[k]; ok {
		cur.Active = true
		cur.Reason = r.Reason
		cur.UpdatedAt = now
		s.suppressions[k] = cur
		return nil
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Active = true
	r.CreatedAt, r.UpdatedAt = now, now
	s.suppressions[k] = *r
	return nil
}

func (s *Store) Remove(_ context.Context, address, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := suppressionKey(address, scope)
	cur, ok := s.suppressions[k]
	if !ok || !cur.Active {
		return domain.ErrNotFound
	}
	cur.Active = false
	cur.UpdatedAt = time.Now().UTC()
	s.suppressions[k] = cur
	return nil
}

func (s *Store) ListForAddress(_ context.Context, address string) ([]domain.SuppressionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SuppressionRecord
	for _, r := range s.suppressions {
		if r.Address == address && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// =============================================================================
// WORKER REGISTRY
// =============================================================================

func (s *Store) RegisterWorker(_ context.Context, workerID, hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = WorkerStatus{Hostname: hostname, Running: true, LastHeartbeat: time.Now().UTC()}
	return nil
}

func (s *Store) Heartbeat(_ context.Context, workerID string, processed, dispatched, errs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workers[workerID]
	w.LastHeartbeat = time.Now().UTC()
	w.Processed, w.Dispatched, w.Errors = processed, dispatched, errs
	s.workers[workerID] = w
	return nil
}

func (s *Store) DeregisterWorker(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workers[workerID]
	w.Running = false
	s.workers[workerID] = w
	return nil
}

// Worker returns a registry row.
func (s *Store) Worker(id string) (WorkerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	return w, ok
}
