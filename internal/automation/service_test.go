package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/graph"
)

const testOwnerID = "owner-1"

// mockStore is an in-memory AutomationStore, EnrollmentStore and
// RecipientDirectory for service tests.
type mockStore struct {
	mu          sync.RWMutex
	automations map[string]*domain.Automation
	enrollments map[string]*domain.Enrollment
	recipients  map[string]*domain.Recipient
	updateErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		automations: make(map[string]*domain.Automation),
		enrollments: make(map[string]*domain.Enrollment),
		recipients:  make(map[string]*domain.Recipient),
	}
}

func (m *mockStore) GetAutomation(_ context.Context, id string) (*domain.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.automations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockStore) SetAutomationStatus(_ context.Context, id string, status domain.AutomationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

func (m *mockStore) CreateEnrollment(_ context.Context, e *domain.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.enrollments {
		if other.AutomationID == e.AutomationID && other.RecipientID == e.RecipientID {
			return ErrDuplicate
		}
	}
	e.Version = 1
	cp := e.Clone()
	m.enrollments[e.ID] = &cp
	return nil
}

func (m *mockStore) GetEnrollment(_ context.Context, id string) (*domain.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e.Clone()
	return &cp, nil
}

func (m *mockStore) UpdateEnrollment(_ context.Context, e *domain.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.enrollments[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return ErrConflict
	}
	e.Version++
	cp := e.Clone()
	cp.ExitRequested = cur.ExitRequested
	m.enrollments[e.ID] = &cp
	return nil
}

func (m *mockStore) ClaimEnrollment(_ context.Context, id string, version int64, until time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.enrollments[id]
	if !ok {
		return 0, ErrNotFound
	}
	if cur.Version != version {
		return 0, ErrConflict
	}
	cur.Version++
	cur.ClaimedUntil = &until
	return cur.Version, nil
}

func (m *mockStore) ListDueEnrollments(context.Context, time.Time, int) ([]domain.Enrollment, error) {
	return nil, nil
}

func (m *mockStore) RequestExit(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.enrollments[id]
	if !ok {
		return ErrNotFound
	}
	cur.ExitRequested = reason
	return nil
}

func (m *mockStore) ListExitedEnrollments(_ context.Context, ownerID string, reasons []string, _ int) ([]domain.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Enrollment
	for _, e := range m.enrollments {
		if e.OwnerID != ownerID || e.Status != domain.EnrollmentExited {
			continue
		}
		for _, r := range reasons {
			if e.ExitReason == r {
				out = append(out, e.Clone())
			}
		}
	}
	return out, nil
}

func (m *mockStore) GetRecipient(_ context.Context, ownerID, id string) (*domain.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recipients[id]
	if !ok || r.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return r, nil
}

func newTestService(t *testing.T) (*Service, *mockStore) {
	t.Helper()
	store := newMockStore()
	store.automations["auto-1"] = &domain.Automation{
		ID: "auto-1", OwnerID: testOwnerID, Graph: []byte(scenarioGraph), Status: domain.AutomationDraft,
	}
	store.recipients["rcp-1"] = &domain.Recipient{ID: "rcp-1", OwnerID: testOwnerID, Address: " Alex@Agency.Test "}
	store.recipients["rcp-2"] = &domain.Recipient{ID: "rcp-2", OwnerID: testOwnerID, Address: "sam@agency.test"}
	store.recipients["rcp-x"] = &domain.Recipient{ID: "rcp-x", OwnerID: "owner-2", Address: "x@other.test"}

	svc := NewService(store, store, store, NewGraphCache(store, 0))
	svc.SetClock(func() time.Time { return day0 })
	return svc, store
}

func TestService_PublishAndEnroll(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, testOwnerID, "auto-1", "rcp-1", nil)
	assert.ErrorIs(t, err, ErrNotActive, "drafts cannot take enrollments")

	a, err := svc.Publish(ctx, testOwnerID, "auto-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AutomationActive, a.Status)

	e, err := svc.Enroll(ctx, testOwnerID, "auto-1", "rcp-1", map[string]any{"source": "import"})
	require.NoError(t, err)
	assert.Equal(t, "alex@agency.test", e.RecipientAddress)
	assert.Equal(t, "welcome", e.CurrentNodeID)
	assert.Equal(t, at(0, 9), e.NextActionDueAt)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, "import", e.Context.Metadata["source"])

	_, err = svc.Enroll(ctx, testOwnerID, "auto-1", "rcp-1", nil)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = svc.Enroll(ctx, "owner-2", "auto-1", "rcp-x", nil)
	assert.ErrorIs(t, err, ErrNotFound, "other owners cannot see the automation")

	assert.Len(t, store.enrollments, 1)
}

func TestService_PublishRejectsInvalidGraph(t *testing.T) {
	svc, store := newTestService(t)
	store.automations["auto-1"].Graph = []byte(`[{"id": "s", "type": "send_email", "config": {"template_ref": "x"}}]`)

	_, err := svc.Publish(context.Background(), testOwnerID, "auto-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrInvalid))
	assert.Equal(t, domain.AutomationDraft, store.automations["auto-1"].Status)
}

func TestService_BulkEnroll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Publish(ctx, testOwnerID, "auto-1")
	require.NoError(t, err)
	_, err = svc.Enroll(ctx, testOwnerID, "auto-1", "rcp-1", nil)
	require.NoError(t, err)

	created, err := svc.BulkEnroll(ctx, testOwnerID, "auto-1", []string{"rcp-1", "rcp-2", "rcp-missing", "rcp-x"})
	require.Len(t, created, 1)
	assert.Equal(t, "rcp-2", created[0].RecipientID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rcp-missing")
	assert.Contains(t, err.Error(), "rcp-x")
}

func TestService_DefaultClockIsUTC(t *testing.T) {
	store := newMockStore()
	store.automations["auto-1"] = &domain.Automation{
		ID: "auto-1", OwnerID: testOwnerID, Graph: []byte(scenarioGraph), Status: domain.AutomationDraft,
	}
	store.recipients["rcp-1"] = &domain.Recipient{ID: "rcp-1", OwnerID: testOwnerID, Address: "alex@agency.test"}
	svc := NewService(store, store, store, NewGraphCache(store, 0))

	assert.Equal(t, time.UTC, svc.now().Location())

	e := enrollOne(t, svc)
	assert.Equal(t, time.UTC, e.NextActionDueAt.Location())
	assert.Equal(t, 9, e.NextActionDueAt.Hour(), "fire times are wall-clock UTC")
}

func enrollOne(t *testing.T, svc *Service) *domain.Enrollment {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Publish(ctx, testOwnerID, "auto-1")
	require.NoError(t, err)
	e, err := svc.Enroll(ctx, testOwnerID, "auto-1", "rcp-1", nil)
	require.NoError(t, err)
	return e
}

func TestService_PauseResume(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	e := enrollOne(t, svc)

	paused, err := svc.Pause(ctx, testOwnerID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentPaused, paused.Status)
	assert.Equal(t, int64(2), paused.Version)

	again, err := svc.Pause(ctx, testOwnerID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version, "no-op does not write")

	resumed, err := svc.Resume(ctx, testOwnerID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentActive, resumed.Status)

	_, err = svc.Pause(ctx, "owner-2", e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ExitWhileClaimedRequestsExit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	e := enrollOne(t, svc)

	_, err := store.ClaimEnrollment(ctx, e.ID, e.Version, day0.Add(time.Minute))
	require.NoError(t, err)

	out, err := svc.Exit(ctx, testOwnerID, e.ID, "unsubscribed")
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentActive, out.Status)
	assert.Equal(t, "unsubscribed", out.ExitRequested)
	assert.Equal(t, "unsubscribed", store.enrollments[e.ID].ExitRequested)

	_, err = svc.Pause(ctx, testOwnerID, e.ID)
	assert.ErrorIs(t, err, ErrClaimed)
}

func TestService_ExitConflictFallsBackToRequest(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	e := enrollOne(t, svc)
	store.updateErr = ErrConflict

	out, err := svc.Exit(ctx, testOwnerID, e.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ExitManual, out.ExitRequested)
}

func TestService_ExitAndComplete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	e := enrollOne(t, svc)

	done, err := svc.Complete(ctx, testOwnerID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentCompleted, done.Status)

	again, err := svc.Complete(ctx, testOwnerID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version)

	_, err = svc.Exit(ctx, testOwnerID, e.ID, "")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestService_UpdateProgress(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	e := enrollOne(t, svc)

	_, err := svc.UpdateProgress(ctx, testOwnerID, e.ID, ProgressUpdate{NodeID: "wait", Version: 99})
	assert.ErrorIs(t, err, ErrConflict)

	moved, err := svc.UpdateProgress(ctx, testOwnerID, e.ID, ProgressUpdate{NodeID: "opened", Branch: "no", Version: e.Version})
	require.NoError(t, err)
	assert.Equal(t, "re_engage", moved.CurrentNodeID)
	assert.Equal(t, e.Version+1, moved.Version)

	store.updateErr = ErrConflict
	_, err = svc.UpdateProgress(ctx, testOwnerID, e.ID, ProgressUpdate{NodeID: "wait"})
	assert.ErrorIs(t, err, ErrConflict)
	store.updateErr = nil

	_, err = svc.UpdateProgress(ctx, testOwnerID, e.ID, ProgressUpdate{NodeID: "ghost"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestService_ListFailed(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	e := enrollOne(t, svc)
	store.enrollments[e.ID].Status = domain.EnrollmentExited
	store.enrollments[e.ID].ExitReason = domain.ExitDispatchFailed

	failed, err := svc.ListFailed(ctx, testOwnerID, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, e.ID, failed[0].ID)

	none, err := svc.ListFailed(ctx, "owner-2", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
