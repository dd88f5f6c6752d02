package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/repository/memory"
	"github.com/ignite/automation-engine/internal/service/suppression"
	"github.com/ignite/automation-engine/internal/tracking"
)

const scenarioGraph = `[
  {"id": "start", "type": "trigger", "next": "welcome", "config": {"cadence": "daily@09:00"}},
  {"id": "welcome", "type": "send_email", "next": "wait", "config": {"template_ref": "welcome"}},
  {"id": "wait", "type": "delay", "next": "opened", "config": {"duration": "3d"}},
  {"id": "opened", "type": "condition", "next": "done", "config": {
    "signal_types": ["open"], "window_duration": "72h",
    "branches": {"yes": ["followup"], "no": ["re_engage"]}
  }},
  {"id": "followup", "type": "send_email", "config": {"template_ref": "followup"}},
  {"id": "re_engage", "type": "send_email", "config": {"template_ref": "re_engage"}},
  {"id": "done", "type": "end"}
]`

const ownerID = "owner-1"

var day0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(days, hours int) time.Time {
	return day0.Add(time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour)
}

// recordingAdapter counts sends per enrollment and can be told to fail.
type recordingAdapter struct {
	mu    sync.Mutex
	sends []domain.DispatchRequest
	fail  atomic.Bool
}

func (a *recordingAdapter) Dispatch(_ context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	if a.fail.Load() {
		return nil, errors.New("provider unavailable")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, req)
	return &domain.DispatchResult{ProviderMessageID: "prov-" + req.MessageID}, nil
}

func (a *recordingAdapter) templates(enrollmentID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, s := range a.sends {
		if s.EnrollmentID == enrollmentID {
			out = append(out, s.TemplateRef)
		}
	}
	return out
}

func (a *recordingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}

type harness struct {
	store       *memory.Store
	adapter     *recordingAdapter
	suppression *suppression.Service
	service     *automation.Service
	graphs      *automation.GraphCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	store.PutAutomation(domain.Automation{
		ID: "auto-1", OwnerID: ownerID, Name: "Welcome series",
		Graph: []byte(scenarioGraph), Status: domain.AutomationActive,
	})
	graphs := automation.NewGraphCache(store, 0)
	svc := automation.NewService(store, store, store, graphs)
	svc.SetClock(func() time.Time { return day0 })
	return &harness{
		store:       store,
		adapter:     &recordingAdapter{},
		suppression: suppression.NewService(store),
		service:     svc,
		graphs:      graphs,
	}
}

func (h *harness) scheduler(opts Options) *Scheduler {
	return NewScheduler(Deps{
		Enrollments: h.store,
		Graphs:      h.graphs,
		Conditions:  automation.NewConditionEvaluator(h.store),
		Suppression: h.suppression,
		Dispatches:  h.store,
		Adapter:     h.adapter,
		MessageIDs:  dispatch.NewMessageIDFormat("auto", "mail.example.com"),
		Registry:    h.store,
	}, opts)
}

func (h *harness) enroll(t *testing.T, recipientID, address string) *domain.Enrollment {
	t.Helper()
	h.store.PutRecipient(domain.Recipient{ID: recipientID, OwnerID: ownerID, Address: address})
	e, err := h.service.Enroll(context.Background(), ownerID, "auto-1", recipientID, nil)
	require.NoError(t, err)
	return e
}

func (h *harness) get(t *testing.T, id string) *domain.Enrollment {
	t.Helper()
	e, err := h.store.GetEnrollment(context.Background(), id)
	require.NoError(t, err)
	return e
}

func tick(t *testing.T, s *Scheduler, now time.Time) {
	t.Helper()
	_, err := s.RunOnce(context.Background(), now)
	require.NoError(t, err)
}

func recordsFor(store *memory.Store, enrollmentID string) []domain.DispatchRecord {
	var out []domain.DispatchRecord
	for _, d := range store.Dispatches() {
		if d.EnrollmentID == enrollmentID {
			out = append(out, d)
		}
	}
	return out
}

// =============================================================================
// SCENARIO
// =============================================================================

func TestScheduler_ScenarioOpenedTakesYesBranch(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{})
	e := h.enroll(t, "rcp-1", "Alex@Agency.test")

	tick(t, s, at(0, 8))
	assert.Empty(t, h.adapter.templates(e.ID), "nothing is sent before the trigger fires")

	tick(t, s, at(0, 9))
	got := h.get(t, e.ID)
	assert.Equal(t, []string{"welcome"}, h.adapter.templates(e.ID))
	assert.Equal(t, "wait", got.CurrentNodeID)
	assert.Equal(t, at(3, 9), got.NextActionDueAt)
	assert.Nil(t, got.ClaimedUntil, "claim released after the tick")
	welcomeKey := got.LastDispatchMessageID
	require.NotEmpty(t, welcomeKey)

	tick(t, s, at(3, 9))
	got = h.get(t, e.ID)
	assert.Equal(t, "opened", got.CurrentNodeID)
	assert.Equal(t, at(6, 9), got.NextActionDueAt, "waits for the condition deadline")

	require.NoError(t, h.store.AppendEngagement(context.Background(), &domain.EngagementEvent{
		Type: domain.EngagementOpen, CorrelationKey: welcomeKey, OwnerID: ownerID,
		ObservedAt: at(4, 0), Match: domain.MatchExact,
	}))

	tick(t, s, at(6, 9))
	got = h.get(t, e.ID)
	assert.Equal(t, []string{"welcome", "followup"}, h.adapter.templates(e.ID))
	assert.Equal(t, domain.EnrollmentCompleted, got.Status)
	assert.Equal(t, domain.BranchYes, got.Context.BranchTaken["opened"])
	require.NotNil(t, got.CompletedAt)
}

func TestScheduler_ScenarioNoEngagementTakesNoBranch(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{})
	e := h.enroll(t, "rcp-1", "alex@agency.test")

	for _, now := range []time.Time{at(0, 9), at(3, 9), at(5, 0), at(6, 9)} {
		tick(t, s, now)
	}

	got := h.get(t, e.ID)
	assert.Equal(t, []string{"welcome", "re_engage"}, h.adapter.templates(e.ID))
	assert.Equal(t, domain.EnrollmentCompleted, got.Status)
	assert.Equal(t, domain.BranchNo, got.Context.BranchTaken["opened"])

	sent := recordsFor(h.store, e.ID)
	require.Len(t, sent, 2)
	for _, rec := range sent {
		assert.Equal(t, domain.DispatchSent, rec.Status)
		_, ok := h.scheduler(Options{}).MessageIDs.Parse(rec.CorrelationKey)
		assert.True(t, ok, "correlation key %q is a structured message id", rec.CorrelationKey)
		assert.Equal(t, "prov-"+rec.CorrelationKey, rec.ProviderMessageID)
	}
}

func TestScheduler_LateOpenDoesNotCount(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{})
	e := h.enroll(t, "rcp-1", "alex@agency.test")

	tick(t, s, at(0, 9))
	tick(t, s, at(3, 9))
	key := h.get(t, e.ID).LastDispatchMessageID

	require.NoError(t, h.store.AppendEngagement(context.Background(), &domain.EngagementEvent{
		Type: domain.EngagementOpen, CorrelationKey: key, ObservedAt: at(6, 10),
	}))
	tick(t, s, at(6, 11))

	assert.Equal(t, []string{"welcome", "re_engage"}, h.adapter.templates(e.ID))
}

// =============================================================================
// AT-MOST-ONCE
// =============================================================================

func TestScheduler_ConcurrentWorkersSendOnce(t *testing.T) {
	h := newHarness(t)
	const n = 25
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rid := "rcp-" + string(rune('a'+i))
		ids = append(ids, h.enroll(t, rid, rid+"@agency.test").ID)
	}

	workers := make([]*Scheduler, 4)
	for i := range workers {
		workers[i] = h.scheduler(Options{BatchSize: n})
	}

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, w := range workers {
			wg.Add(1)
			go func(w *Scheduler) {
				defer wg.Done()
				_, err := w.RunOnce(context.Background(), at(0, 9))
				assert.NoError(t, err)
			}(w)
		}
		wg.Wait()
	}

	assert.Equal(t, n, h.adapter.count())
	for _, id := range ids {
		assert.Equal(t, []string{"welcome"}, h.adapter.templates(id))
		got := h.get(t, id)
		assert.Equal(t, "wait", got.CurrentNodeID)
	}

	var processed int64
	for _, w := range workers {
		processed += w.Stats().Processed
	}
	assert.Equal(t, int64(n), processed, "each enrollment claimed by exactly one worker")
}

func TestScheduler_RecoversPriorSendWithoutResending(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{})
	e := h.enroll(t, "rcp-1", "alex@agency.test")

	// A previous run sent and recorded, then crashed before persisting.
	require.NoError(t, h.store.AppendDispatch(context.Background(), &domain.DispatchRecord{
		ID: 900, EnrollmentID: e.ID, OwnerID: ownerID, NodeID: "welcome", Step: e.Context.Step,
		CorrelationKey: "auto-900-1772442000@mail.example.com", SentAt: at(0, 9), Status: domain.DispatchSent,
	}))

	tick(t, s, at(0, 9))

	assert.Zero(t, h.adapter.count())
	got := h.get(t, e.ID)
	assert.Equal(t, "wait", got.CurrentNodeID)
	assert.Equal(t, "auto-900-1772442000@mail.example.com", got.LastDispatchMessageID)
}

// blockingAdapter holds every send until release is closed.
type blockingAdapter struct {
	entered chan struct{}
	release chan struct{}
	sends   atomic.Int32
}

func (a *blockingAdapter) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	a.sends.Add(1)
	a.entered <- struct{}{}
	select {
	case <-a.release:
		return &domain.DispatchResult{ProviderMessageID: "prov-" + req.MessageID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestScheduler_LapsedLeaseDoesNotResendInFlight(t *testing.T) {
	h := newHarness(t)
	e := h.enroll(t, "rcp-1", "alex@agency.test")

	slow := &blockingAdapter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	a := h.scheduler(Options{ClaimLease: time.Minute})
	a.Adapter = slow
	b := h.scheduler(Options{ClaimLease: time.Minute})

	done := make(chan error, 1)
	go func() {
		_, err := a.RunOnce(context.Background(), at(0, 9))
		done <- err
	}()
	<-slow.entered

	pending := h.get(t, e.ID).Context.PendingDispatch
	require.NotNil(t, pending, "the send is marked before the provider is called")
	assert.Equal(t, "welcome", pending.NodeID)

	// A's lease has lapsed by the time B ticks.
	tick(t, b, at(0, 9).Add(2*time.Minute))
	assert.Zero(t, h.adapter.count(), "the second worker does not send again")

	got := h.get(t, e.ID)
	assert.Equal(t, "wait", got.CurrentNodeID)
	assert.Equal(t, pending.MessageID, got.LastDispatchMessageID)
	assert.Nil(t, got.Context.PendingDispatch)

	close(slow.release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), slow.sends.Load())
	recs := recordsFor(h.store, e.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.DispatchSent, recs[0].Status)
	assert.Equal(t, pending.MessageID, recs[0].CorrelationKey)
	assert.Equal(t, "wait", h.get(t, e.ID).CurrentNodeID)
}

func TestScheduler_PendingDispatchResolution(t *testing.T) {
	// markPending leaves the enrollment as a crash between the mark and the
	// provider call would.
	markPending := func(t *testing.T, h *harness, e *domain.Enrollment, id int64) {
		t.Helper()
		cur := h.get(t, e.ID)
		cur.Context.PendingDispatch = &domain.PendingDispatch{
			DispatchID: id, NodeID: "welcome", Step: cur.Context.Step,
			MessageID: "auto-900-1772442000@mail.example.com", StartedAt: at(0, 9),
		}
		require.NoError(t, h.store.UpdateEnrollment(context.Background(), cur))
	}

	t.Run("unknown outcome is treated as sent", func(t *testing.T) {
		h := newHarness(t)
		s := h.scheduler(Options{})
		e := h.enroll(t, "rcp-1", "alex@agency.test")
		markPending(t, h, e, 900)

		tick(t, s, at(0, 9))

		assert.Zero(t, h.adapter.count())
		got := h.get(t, e.ID)
		assert.Equal(t, "wait", got.CurrentNodeID)
		assert.Equal(t, "auto-900-1772442000@mail.example.com", got.LastDispatchMessageID)
		assert.Nil(t, got.Context.PendingDispatch)
	})

	t.Run("recorded failure is sent again", func(t *testing.T) {
		h := newHarness(t)
		s := h.scheduler(Options{})
		e := h.enroll(t, "rcp-1", "alex@agency.test")
		markPending(t, h, e, 900)
		require.NoError(t, h.store.AppendDispatch(context.Background(), &domain.DispatchRecord{
			ID: 900, EnrollmentID: e.ID, OwnerID: ownerID, NodeID: "welcome", Step: e.Context.Step,
			SentAt: at(0, 9), Status: domain.DispatchFailed, Error: "timeout",
		}))

		tick(t, s, at(0, 9))

		assert.Equal(t, []string{"welcome"}, h.adapter.templates(e.ID))
		got := h.get(t, e.ID)
		assert.Equal(t, "wait", got.CurrentNodeID)
		assert.NotEqual(t, "auto-900-1772442000@mail.example.com", got.LastDispatchMessageID)
		assert.Nil(t, got.Context.PendingDispatch)
	})
}

// =============================================================================
// SUPPRESSION AND RETRIES
// =============================================================================

func TestScheduler_SuppressedRecipientIsSkipped(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{})
	e := h.enroll(t, "rcp-1", "alex@agency.test")
	require.NoError(t, h.suppression.Suppress(context.Background(), "alex@agency.test", "", domain.ReasonUnsubscribe))

	tick(t, s, at(0, 9))

	assert.Zero(t, h.adapter.count())
	got := h.get(t, e.ID)
	assert.Equal(t, "wait", got.CurrentNodeID, "the node is passed as if sent")
	assert.Empty(t, got.LastDispatchMessageID)

	recs := recordsFor(h.store, e.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.DispatchSkippedSuppressed, recs[0].Status)
}

func TestScheduler_SuppressionAppliesAcrossRetries(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{Retry: automation.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Minute}})
	e := h.enroll(t, "rcp-1", "alex@agency.test")

	h.adapter.fail.Store(true)
	tick(t, s, at(0, 9))
	got := h.get(t, e.ID)
	assert.Equal(t, "welcome", got.CurrentNodeID)
	assert.Equal(t, 1, got.Context.DispatchAttempts)
	assert.Equal(t, at(0, 9).Add(time.Minute), got.NextActionDueAt)

	// Suppressed for this automation only, between attempts.
	require.NoError(t, h.suppression.Suppress(context.Background(), "alex@agency.test", "auto-1", domain.ReasonManual))
	h.adapter.fail.Store(false)
	tick(t, s, at(0, 9).Add(time.Minute))

	assert.Zero(t, h.adapter.count(), "the retry must not send to a suppressed address")
	recs := recordsFor(h.store, e.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.DispatchFailed, recs[0].Status)
	assert.Equal(t, domain.DispatchSkippedSuppressed, recs[1].Status)

	// With no correlation key the condition can only resolve No.
	tick(t, s, at(3, 9).Add(time.Minute))
	tick(t, s, at(6, 10))
	assert.Equal(t, domain.EnrollmentCompleted, h.get(t, e.ID).Status)
	assert.Zero(t, h.adapter.count())
}

func TestScheduler_DispatchFailureExitsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{Retry: automation.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Minute}})
	e := h.enroll(t, "rcp-1", "alex@agency.test")
	h.adapter.fail.Store(true)

	now := at(0, 9)
	tick(t, s, now)
	now = now.Add(time.Minute)
	tick(t, s, now)
	assert.Equal(t, now.Add(2*time.Minute), h.get(t, e.ID).NextActionDueAt, "backoff doubles")
	now = now.Add(2 * time.Minute)
	tick(t, s, now)

	got := h.get(t, e.ID)
	assert.Equal(t, domain.EnrollmentExited, got.Status)
	assert.Equal(t, domain.ExitDispatchFailed, got.ExitReason)

	recs := recordsFor(h.store, e.ID)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, domain.DispatchFailed, r.Status)
		assert.Equal(t, "provider unavailable", r.Error)
	}
	assert.Equal(t, int64(3), s.Stats().Errors)

	failed, err := h.service.ListFailed(context.Background(), ownerID, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, e.ID, failed[0].ID)
}

// =============================================================================
// INTEGRITY AND EXIT REQUESTS
// =============================================================================

func TestScheduler_IntegrityDefectHaltsOnlyThatEnrollment(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{})
	healthy := h.enroll(t, "rcp-1", "alex@agency.test")

	broken := domain.Enrollment{
		ID: "enr-broken", OwnerID: ownerID, AutomationID: "auto-1", RecipientID: "rcp-2",
		RecipientAddress: "sam@agency.test", Status: domain.EnrollmentActive,
		CurrentNodeID: "removed_node", NextActionDueAt: at(0, 9),
		Context: domain.EnrollmentContext{Step: 1},
	}
	require.NoError(t, h.store.CreateEnrollment(context.Background(), &broken))

	tick(t, s, at(0, 9))

	got := h.get(t, "enr-broken")
	assert.Equal(t, domain.EnrollmentExited, got.Status)
	assert.Equal(t, domain.ExitGraphIntegrity, got.ExitReason)

	assert.Equal(t, []string{"welcome"}, h.adapter.templates(healthy.ID))
	assert.Equal(t, "wait", h.get(t, healthy.ID).CurrentNodeID)
}

func TestScheduler_UnparsableGraphExitsEnrollments(t *testing.T) {
	h := newHarness(t)
	h.store.PutAutomation(domain.Automation{
		ID: "auto-2", OwnerID: ownerID, Graph: []byte(`[{"id":"t","type":"trigger"}]`),
		Status: domain.AutomationActive,
	})
	e := domain.Enrollment{
		ID: "enr-2", OwnerID: ownerID, AutomationID: "auto-2", RecipientID: "rcp-2",
		RecipientAddress: "sam@agency.test", Status: domain.EnrollmentActive,
		CurrentNodeID: "t", NextActionDueAt: day0,
	}
	require.NoError(t, h.store.CreateEnrollment(context.Background(), &e))

	tick(t, h.scheduler(Options{}), day0)

	got := h.get(t, "enr-2")
	assert.Equal(t, domain.EnrollmentExited, got.Status)
	assert.Equal(t, domain.ExitGraphIntegrity, got.ExitReason)
}

func TestScheduler_AppliesExitRequestFromClaimedEnrollment(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{ClaimLease: time.Minute})
	e := h.enroll(t, "rcp-1", "alex@agency.test")

	// Another worker holds the claim; Exit is recorded as a request.
	_, err := h.store.ClaimEnrollment(context.Background(), e.ID, e.Version, day0.Add(time.Minute))
	require.NoError(t, err)
	res, err := h.service.Exit(context.Background(), ownerID, e.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentActive, res.Status)
	assert.Equal(t, domain.ExitManual, res.ExitRequested)

	tick(t, s, day0.Add(30*time.Second))
	assert.Equal(t, domain.EnrollmentActive, h.get(t, e.ID).Status, "still held by the other worker")

	tick(t, s, day0.Add(2*time.Minute))
	got := h.get(t, e.ID)
	assert.Equal(t, domain.EnrollmentExited, got.Status)
	assert.Equal(t, domain.ExitManual, got.ExitReason)
	assert.Zero(t, h.adapter.count(), "an exited enrollment never sends")
}

func TestScheduler_ExitRequestSurvivesPause(t *testing.T) {
	ctx := context.Background()

	requestExit := func(t *testing.T, h *harness) *domain.Enrollment {
		t.Helper()
		e := h.enroll(t, "rcp-1", "alex@agency.test")
		_, err := h.store.ClaimEnrollment(ctx, e.ID, e.Version, day0.Add(time.Minute))
		require.NoError(t, err)
		res, err := h.service.Exit(ctx, ownerID, e.ID, "")
		require.NoError(t, err)
		require.Equal(t, domain.ExitManual, res.ExitRequested)
		// the other worker's lease lapses without it touching the row
		h.service.SetClock(func() time.Time { return day0.Add(2 * time.Minute) })
		return e
	}

	t.Run("paused enrollment", func(t *testing.T) {
		h := newHarness(t)
		e := requestExit(t, h)
		paused, err := h.service.Pause(ctx, ownerID, e.ID)
		require.NoError(t, err)
		require.Equal(t, domain.EnrollmentPaused, paused.Status)

		tick(t, h.scheduler(Options{}), day0.Add(3*time.Minute))
		got := h.get(t, e.ID)
		assert.Equal(t, domain.EnrollmentExited, got.Status)
		assert.Equal(t, domain.ExitManual, got.ExitReason)
	})

	t.Run("paused automation", func(t *testing.T) {
		h := newHarness(t)
		e := requestExit(t, h)
		require.NoError(t, h.store.SetAutomationStatus(ctx, "auto-1", domain.AutomationPaused))

		tick(t, h.scheduler(Options{}), day0.Add(3*time.Minute))
		assert.Equal(t, domain.EnrollmentExited, h.get(t, e.ID).Status)
		assert.Zero(t, h.adapter.count())
	})

	t.Run("paused without a request stays put", func(t *testing.T) {
		h := newHarness(t)
		e := h.enroll(t, "rcp-1", "alex@agency.test")
		_, err := h.service.Pause(ctx, ownerID, e.ID)
		require.NoError(t, err)

		tick(t, h.scheduler(Options{}), at(1, 0))
		assert.Equal(t, domain.EnrollmentPaused, h.get(t, e.ID).Status)
	})
}

func TestScheduler_PausedAutomationIsNotScanned(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{})
	e := h.enroll(t, "rcp-1", "alex@agency.test")
	require.NoError(t, h.store.SetAutomationStatus(context.Background(), "auto-1", domain.AutomationPaused))

	tick(t, s, at(0, 9))
	assert.Zero(t, h.adapter.count())
	assert.Equal(t, "welcome", h.get(t, e.ID).CurrentNodeID)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestScheduler_StartStopRegistersWorker(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Options{WorkerID: "engine-test", TickInterval: time.Hour})

	s.Start()
	st, ok := h.store.Worker("engine-test")
	require.True(t, ok)
	assert.True(t, st.Running)

	s.Stop()
	st, _ = h.store.Worker("engine-test")
	assert.False(t, st.Running)

	// Stop is idempotent.
	s.Stop()
}

func TestScheduler_TrackingLinksUseMessageID(t *testing.T) {
	h := newHarness(t)
	e := h.enroll(t, "rcp-1", "alex@agency.test")

	tick(t, h.scheduler(Options{TrackingBaseURL: "https://track.example.com/"}), at(0, 9))

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	require.Len(t, h.adapter.sends, 1)
	req := h.adapter.sends[0]
	key := tracking.EncodeKey(req.MessageID)
	assert.Equal(t, "https://track.example.com/track/open/"+key, req.Links["open_url"])
	assert.Equal(t, "https://track.example.com/track/click/"+key+"?u=", req.Links["click_url"])
	assert.Equal(t, "<https://track.example.com/track/unsubscribe/"+key+">", req.Headers["List-Unsubscribe"])
	assert.Equal(t, req.MessageID, h.get(t, e.ID).LastDispatchMessageID)
}

func TestScheduler_NoTrackingLinksWithoutBaseURL(t *testing.T) {
	h := newHarness(t)
	h.enroll(t, "rcp-1", "alex@agency.test")

	tick(t, h.scheduler(Options{}), at(0, 9))

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	require.Len(t, h.adapter.sends, 1)
	assert.Nil(t, h.adapter.sends[0].Links)
	assert.NotContains(t, h.adapter.sends[0].Headers, "List-Unsubscribe")
}
