package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/graph"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/tracking"
)

var log = logger.With("component", "scheduler")

// ConditionResolver answers condition nodes. *automation.ConditionEvaluator
// satisfies it.
type ConditionResolver interface {
	Resolve(ctx context.Context, e *domain.Enrollment, cfg *graph.ConditionConfig, deadline, now time.Time) (automation.Resolution, error)
}

// SuppressionChecker is the send-time gate. *suppression.Service satisfies it.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, address, automationID string) (bool, error)
}

// DispatchLog is the append-only record of attempted sends.
type DispatchLog interface {
	NextDispatchID(ctx context.Context) (int64, error)
	// AppendDispatch returns domain.ErrDuplicate when a sent record already
	// exists for the same (enrollment, node, step).
	AppendDispatch(ctx context.Context, d *domain.DispatchRecord) error
	FindSentDispatch(ctx context.Context, enrollmentID, nodeID string, step int) (*domain.DispatchRecord, error)
	GetDispatch(ctx context.Context, id int64) (*domain.DispatchRecord, error)
}

// WorkerRegistry tracks live scheduler processes.
type WorkerRegistry interface {
	RegisterWorker(ctx context.Context, workerID, hostname string) error
	Heartbeat(ctx context.Context, workerID string, processed, dispatched, errs int64) error
	DeregisterWorker(ctx context.Context, workerID string) error
}

// Options tunes the scheduler. Zero values take defaults.
type Options struct {
	WorkerID        string
	TickInterval    time.Duration
	BatchSize       int
	ClaimLease      time.Duration
	MaxSteps        int
	DispatchTimeout time.Duration
	Retry           automation.RetryPolicy
	// TrackingBaseURL enables open and unsubscribe links on each send.
	TrackingBaseURL string
}

func (o *Options) defaults() {
	if o.WorkerID == "" {
		o.WorkerID = fmt.Sprintf("engine-%s", uuid.New().String()[:8])
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 60 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 10 * time.Minute
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = 16
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 5
	}
	if o.Retry.BaseBackoff <= 0 {
		o.Retry.BaseBackoff = time.Minute
	}
	if o.Retry.MaxBackoff <= 0 {
		o.Retry.MaxBackoff = time.Hour
	}
}

// Deps are the scheduler's collaborators. Registry may be nil.
type Deps struct {
	Enrollments automation.EnrollmentStore
	Graphs      *automation.GraphCache
	Conditions  ConditionResolver
	Suppression SuppressionChecker
	Dispatches  DispatchLog
	Adapter     dispatch.Adapter
	MessageIDs  *dispatch.MessageIDFormat
	Registry    WorkerRegistry
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Processed  int64
	Dispatched int64
	Errors     int64
}

// Scheduler advances due enrollments on a fixed cadence. Any number of
// schedulers may run against the same store: each enrollment is claimed
// with a version compare-and-set before it is touched.
type Scheduler struct {
	Deps
	opts Options
	now  func() time.Time

	// Stats
	totalProcessed  int64
	totalDispatched int64
	totalErrors     int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler. Call Start to run it in the background
// or RunOnce to drive it by hand.
func NewScheduler(deps Deps, opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{Deps: deps, opts: opts, now: time.Now}
}

// WorkerID returns the id this scheduler registers under.
func (s *Scheduler) WorkerID() string { return s.opts.WorkerID }

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Processed:  atomic.LoadInt64(&s.totalProcessed),
		Dispatched: atomic.LoadInt64(&s.totalDispatched),
		Errors:     atomic.LoadInt64(&s.totalErrors),
	}
}

// Start begins the tick and heartbeat loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Info("starting scheduler", "worker_id", s.opts.WorkerID, "tick", s.opts.TickInterval)
	s.registerWorker()

	s.wg.Add(2)
	go s.tickLoop()
	go s.heartbeatLoop()
}

// Stop gracefully stops the scheduler, waiting up to 30s for an in-flight
// tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	log.Info("stopping scheduler", "worker_id", s.opts.WorkerID)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timeout, forcing stop", "worker_id", s.opts.WorkerID)
	}

	s.deregisterWorker()

	st := s.Stats()
	log.Info("scheduler stopped", "worker_id", s.opts.WorkerID,
		"processed", st.Processed, "dispatched", st.Dispatched, "errors", st.Errors)
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(s.ctx, s.now().UTC()); err != nil && s.ctx.Err() == nil {
				log.Error("tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) heartbeatLoop() {
	defer s.wg.Done()
	if s.Registry == nil {
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			st := s.Stats()
			if err := s.Registry.Heartbeat(s.ctx, s.opts.WorkerID, st.Processed, st.Dispatched, st.Errors); err != nil && s.ctx.Err() == nil {
				log.Warn("heartbeat failed", "worker_id", s.opts.WorkerID, "error", err)
			}
		}
	}
}

func (s *Scheduler) registerWorker() {
	if s.Registry == nil {
		return
	}
	host, _ := os.Hostname()
	if err := s.Registry.RegisterWorker(s.ctx, s.opts.WorkerID, host); err != nil {
		log.Warn("worker registration failed", "worker_id", s.opts.WorkerID, "error", err)
	}
}

func (s *Scheduler) deregisterWorker() {
	if s.Registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Registry.DeregisterWorker(ctx, s.opts.WorkerID); err != nil {
		log.Warn("worker deregistration failed", "worker_id", s.opts.WorkerID, "error", err)
	}
}

// RunOnce performs one tick at now and returns how many enrollments this
// scheduler claimed. Failures on one enrollment are logged and counted; they
// never stop the batch.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := s.Enrollments.ListDueEnrollments(ctx, now, s.opts.BatchSize)
	if err != nil {
		atomic.AddInt64(&s.totalErrors, 1)
		return 0, fmt.Errorf("list due enrollments: %w", err)
	}

	claimed := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		ok, err := s.process(ctx, e, now)
		if ok {
			claimed++
			atomic.AddInt64(&s.totalProcessed, 1)
		}
		if err != nil {
			atomic.AddInt64(&s.totalErrors, 1)
			log.Error("enrollment processing failed", "enrollment_id", e.ID, "error", err)
		}
	}
	return claimed, nil
}

// process claims one enrollment and advances it as far as it can go at now.
// It reports whether the claim was won.
func (s *Scheduler) process(ctx context.Context, e domain.Enrollment, now time.Time) (bool, error) {
	until := now.Add(s.opts.ClaimLease)
	version, err := s.Enrollments.ClaimEnrollment(ctx, e.ID, e.Version, until)
	if errors.Is(err, domain.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	e.Version = version
	e.ClaimedUntil = &until

	r := &run{s: s, e: e, now: now, started: time.Now()}
	err = r.advance(ctx)
	if err != nil && errors.Is(err, domain.ErrConflict) {
		// Lease expired and another worker took over; its state wins.
		log.Warn("lost enrollment claim mid-run", "enrollment_id", e.ID)
		return true, nil
	}
	if rerr := r.release(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return true, err
}

// run carries one claimed enrollment through a tick.
type run struct {
	s       *Scheduler
	e       domain.Enrollment
	g       *graph.Graph
	now     time.Time
	started time.Time
}

// clock is the tick time advanced by the wall time the run has taken. Leases
// are measured against it.
func (r *run) clock() time.Time {
	return r.now.Add(time.Since(r.started))
}

func (r *run) advance(ctx context.Context) error {
	if reason := r.e.ExitRequested; reason != "" {
		next, _, err := automation.Exit(r.e, reason, r.now)
		if err != nil {
			return err
		}
		log.Info("applied exit request", "enrollment_id", r.e.ID, "reason", reason)
		return r.persist(ctx, next)
	}

	g, err := r.s.Graphs.Get(ctx, r.e.AutomationID)
	if errors.Is(err, automation.ErrIntegrity) {
		return r.integrityExit(ctx, err)
	}
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	r.g = g

	for i := 0; i < r.s.opts.MaxSteps; i++ {
		if r.e.Status != domain.EnrollmentActive || r.now.Before(r.e.NextActionDueAt) {
			return nil
		}
		next, err := r.step(ctx)
		if errors.Is(err, automation.ErrIntegrity) {
			return r.integrityExit(ctx, err)
		}
		if err != nil {
			return err
		}
		if err := r.persist(ctx, next); err != nil {
			return err
		}
	}
	log.Debug("step budget exhausted, continuing next tick", "enrollment_id", r.e.ID)
	return nil
}

// step gathers the inputs for the current node, applies one transition and
// performs its side effect.
func (r *run) step(ctx context.Context) (domain.Enrollment, error) {
	in := automation.Inputs{Now: r.now}

	node, err := r.g.Node(r.e.CurrentNodeID)
	if err != nil {
		return r.e, fmt.Errorf("%w: %w", automation.ErrIntegrity, err)
	}
	if cfg, ok := node.Config.(*graph.ConditionConfig); ok {
		deadline := automation.ConditionDeadline(r.e, cfg)
		res, err := r.s.Conditions.Resolve(ctx, &r.e, cfg, deadline, r.now)
		if err != nil {
			return r.e, fmt.Errorf("resolve condition %s: %w", node.ID, err)
		}
		in.Condition = res
	}

	next, eff, err := automation.Step(r.e, r.g, in)
	if err != nil {
		return r.e, err
	}
	if eff.Kind != automation.EffectDispatch {
		return next, nil
	}
	return r.dispatch(ctx, eff)
}

// dispatch performs the send for the current send_email node and returns
// the enrollment after the send's outcome is applied.
func (r *run) dispatch(ctx context.Context, eff automation.Effect) (domain.Enrollment, error) {
	e := r.e
	step := e.Context.Step

	suppressed, err := r.s.Suppression.IsSuppressed(ctx, e.RecipientAddress, e.AutomationID)
	if err != nil {
		return e, fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		id, err := r.s.Dispatches.NextDispatchID(ctx)
		if err != nil {
			return e, fmt.Errorf("allocate dispatch id: %w", err)
		}
		rec := r.record(id, eff.NodeID, step, domain.DispatchSkippedSuppressed)
		if err := r.s.Dispatches.AppendDispatch(ctx, rec); err != nil {
			return e, fmt.Errorf("append dispatch: %w", err)
		}
		e.Context.PendingDispatch = nil
		log.Info("send skipped, recipient suppressed",
			"enrollment_id", e.ID, "node_id", eff.NodeID, "recipient", logger.RedactEmail(e.RecipientAddress))
		next, _, err := automation.Step(e, r.g, automation.Inputs{Now: r.now, Suppressed: true})
		return next, err
	}

	// A sent record for this arrival means a previous run sent and crashed
	// before persisting; do not send again.
	prior, err := r.s.Dispatches.FindSentDispatch(ctx, e.ID, eff.NodeID, step)
	switch {
	case err == nil:
		log.Warn("recovered prior send", "enrollment_id", e.ID, "node_id", eff.NodeID, "dispatch_id", prior.ID)
		return r.sent(prior.CorrelationKey)
	case !errors.Is(err, domain.ErrNotFound):
		return e, fmt.Errorf("find sent dispatch: %w", err)
	}

	if p := e.Context.PendingDispatch; p != nil && p.NodeID == eff.NodeID && p.Step == step {
		done, next, err := r.resolvePending(ctx, p)
		if err != nil || done {
			return next, err
		}
		e = r.e
	}

	id, err := r.s.Dispatches.NextDispatchID(ctx)
	if err != nil {
		return e, fmt.Errorf("allocate dispatch id: %w", err)
	}
	messageID := r.s.MessageIDs.Format(id, r.now, "")
	req := domain.DispatchRequest{
		DispatchID:       id,
		OwnerID:          e.OwnerID,
		AutomationID:     e.AutomationID,
		EnrollmentID:     e.ID,
		NodeID:           eff.NodeID,
		TemplateRef:      eff.TemplateRef,
		RecipientAddress: e.RecipientAddress,
		MessageID:        messageID,
		Headers:          map[string]string{"Message-ID": "<" + messageID + ">"},
	}
	if base := r.s.opts.TrackingBaseURL; base != "" {
		unsub := tracking.UnsubscribeURL(base, messageID)
		req.Links = map[string]string{
			"open_url":        tracking.OpenURL(base, messageID),
			"click_url":       tracking.ClickURL(base, messageID, ""),
			"unsubscribe_url": unsub,
		}
		req.Headers["List-Unsubscribe"] = "<" + unsub + ">"
		req.Headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
	}

	timeout, err := r.markPending(ctx, &domain.PendingDispatch{
		DispatchID: id,
		NodeID:     eff.NodeID,
		Step:       step,
		MessageID:  messageID,
		StartedAt:  r.clock(),
	})
	if err != nil {
		return e, err
	}
	e = r.e
	e.Context.PendingDispatch = nil

	dctx, cancel := context.WithTimeout(ctx, timeout)
	res, sendErr := r.s.Adapter.Dispatch(dctx, req)
	cancel()

	if sendErr != nil {
		rec := r.record(id, eff.NodeID, step, domain.DispatchFailed)
		rec.CorrelationKey = messageID
		rec.Error = sendErr.Error()
		if err := r.s.Dispatches.AppendDispatch(ctx, rec); err != nil {
			log.Warn("append failed dispatch record", "enrollment_id", e.ID, "error", err)
		}
		atomic.AddInt64(&r.s.totalErrors, 1)

		next, out := automation.DispatchFailed(e, r.now, r.s.opts.Retry)
		if out.Kind == automation.EffectExit {
			log.Error("dispatch failed permanently, enrollment exited",
				"enrollment_id", e.ID, "automation_id", e.AutomationID, "node_id", eff.NodeID,
				"attempts", next.Context.DispatchAttempts, "error", sendErr)
		} else {
			log.Warn("dispatch failed, will retry",
				"enrollment_id", e.ID, "node_id", eff.NodeID,
				"attempt", next.Context.DispatchAttempts, "retry_at", next.NextActionDueAt, "error", sendErr)
		}
		return next, nil
	}

	rec := r.record(id, eff.NodeID, step, domain.DispatchSent)
	rec.CorrelationKey = messageID
	rec.ProviderMessageID = res.ProviderMessageID
	if err := r.s.Dispatches.AppendDispatch(ctx, rec); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return e, fmt.Errorf("append dispatch: %w", err)
		}
		// Another worker recorded a send for this arrival first.
		if prior, ferr := r.s.Dispatches.FindSentDispatch(ctx, e.ID, eff.NodeID, step); ferr == nil {
			messageID = prior.CorrelationKey
		}
	} else {
		atomic.AddInt64(&r.s.totalDispatched, 1)
	}
	return r.sent(messageID)
}

func (r *run) sent(messageID string) (domain.Enrollment, error) {
	e := r.e
	e.Context.PendingDispatch = nil
	next, _, err := automation.Step(e, r.g, automation.Inputs{
		Now:        r.now,
		Dispatched: &automation.DispatchOutcome{MessageID: messageID},
	})
	return next, err
}

// markPending renews the claim and records the send about to be made, so a
// worker that takes over after the lease lapses will not repeat it. It
// returns how long the provider call may take while the lease still holds.
func (r *run) markPending(ctx context.Context, p *domain.PendingDispatch) (time.Duration, error) {
	next := r.e.Clone()
	next.Context.PendingDispatch = p
	until := r.clock().Add(r.s.opts.ClaimLease)
	r.e.ClaimedUntil = &until
	if err := r.persist(ctx, next); err != nil {
		return 0, err
	}
	timeout := r.s.opts.DispatchTimeout
	if left := until.Sub(r.clock()) - leaseMargin; left > 0 && left < timeout {
		timeout = left
	}
	return timeout, nil
}

// leaseMargin is kept between the end of a provider call and the lease
// expiry for recording the outcome.
const leaseMargin = 5 * time.Second

// resolvePending settles a send a previous run started but never recorded.
// A failed record means the provider refused it and it may be sent again.
// Anything else is an unknown outcome and is treated as sent.
func (r *run) resolvePending(ctx context.Context, p *domain.PendingDispatch) (bool, domain.Enrollment, error) {
	rec, err := r.s.Dispatches.GetDispatch(ctx, p.DispatchID)
	switch {
	case err == nil && rec.Status == domain.DispatchFailed:
		next := r.e.Clone()
		next.Context.PendingDispatch = nil
		if err := r.persist(ctx, next); err != nil {
			return true, r.e, err
		}
		return false, r.e, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return true, r.e, fmt.Errorf("get dispatch %d: %w", p.DispatchID, err)
	}
	log.Warn("send outcome unknown, not sending again",
		"enrollment_id", r.e.ID, "node_id", p.NodeID, "dispatch_id", p.DispatchID, "started_at", p.StartedAt)
	next, err := r.sent(p.MessageID)
	return true, next, err
}

func (r *run) record(id int64, nodeID string, step int, status domain.DispatchStatus) *domain.DispatchRecord {
	return &domain.DispatchRecord{
		ID:               id,
		EnrollmentID:     r.e.ID,
		OwnerID:          r.e.OwnerID,
		NodeID:           nodeID,
		Step:             step,
		RecipientAddress: r.e.RecipientAddress,
		SentAt:           r.now,
		Status:           status,
	}
}

func (r *run) integrityExit(ctx context.Context, cause error) error {
	next, _, err := automation.Exit(r.e, domain.ExitGraphIntegrity, r.now)
	if err != nil {
		return err
	}
	log.Error("graph integrity defect, enrollment exited",
		"enrollment_id", r.e.ID, "automation_id", r.e.AutomationID, "node_id", r.e.CurrentNodeID, "error", cause)
	return r.persist(ctx, next)
}

// persist writes next under the claimed version and keeps the claim.
func (r *run) persist(ctx context.Context, next domain.Enrollment) error {
	next.Version = r.e.Version
	next.ClaimedUntil = r.e.ClaimedUntil
	if err := r.s.Enrollments.UpdateEnrollment(ctx, &next); err != nil {
		return fmt.Errorf("persist enrollment: %w", err)
	}
	r.e = next
	return nil
}

// release clears the claim so the enrollment is visible to the next tick.
func (r *run) release(ctx context.Context) error {
	next := r.e.Clone()
	next.ClaimedUntil = nil
	if err := r.s.Enrollments.UpdateEnrollment(ctx, &next); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	r.e = next
	return nil
}
