package automation

import (
	"fmt"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/graph"
)

// Resolution is the Condition Evaluator's answer for a condition node.
type Resolution int

const (
	Pending Resolution = iota
	Yes
	No
)

func (r Resolution) String() string {
	switch r {
	case Yes:
		return domain.BranchYes
	case No:
		return domain.BranchNo
	default:
		return "pending"
	}
}

// EffectKind enumerates what the caller must do after a transition.
type EffectKind int

const (
	EffectNoOp EffectKind = iota
	EffectDispatch
	EffectAwaitCondition
	EffectComplete
	EffectExit
)

func (k EffectKind) String() string {
	switch k {
	case EffectDispatch:
		return "dispatch"
	case EffectAwaitCondition:
		return "await_condition"
	case EffectComplete:
		return "complete"
	case EffectExit:
		return "exit"
	default:
		return "noop"
	}
}

// Effect is the side effect a transition asks the caller to perform. Only
// the fields relevant to Kind are set.
type Effect struct {
	Kind        EffectKind
	NodeID      string
	TemplateRef string
	Deadline    time.Time
	Reason      string
}

// DispatchOutcome reports a send the provider accepted.
type DispatchOutcome struct {
	MessageID string
}

// Inputs are the facts the caller gathered for one Step.
type Inputs struct {
	Now        time.Time
	Condition  Resolution
	Suppressed bool
	Dispatched *DispatchOutcome
}

// RetryPolicy bounds dispatch retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Enroll places a fresh enrollment at the trigger's successor. The
// enrollment becomes due at the trigger's first fire time and the arrival
// rule of the first node is applied at that time. e supplies the ids.
func Enroll(e domain.Enrollment, g *graph.Graph, now time.Time) (domain.Enrollment, Effect, error) {
	trigger := g.Trigger()
	fire := now
	if cfg, ok := trigger.Config.(*graph.TriggerConfig); ok {
		fire = cfg.FirstFire(now)
	}

	e.Status = domain.EnrollmentActive
	e.EnrolledAt = now
	e.UpdatedAt = now
	e.Context = e.Context.Clone()
	e.Context.Step = 0

	next, err := g.NextNodes(trigger.ID, "")
	if err != nil {
		return e, Effect{}, integrity(err)
	}
	if len(next) == 0 {
		return complete(e, now), Effect{Kind: EffectComplete}, nil
	}
	return arrive(e, g, next[0], fire)
}

// Step evaluates the enrollment's current node once. Callers invoke it only
// when the enrollment is active and due; anything else is a NoOp.
//
// At a send_email node the first call returns EffectDispatch; the caller
// performs the send and calls Step again with Inputs.Dispatched set. When
// Inputs.Suppressed is set the node is passed as if sent, with no
// correlation key. A Pending condition past its deadline resolves No.
func Step(e domain.Enrollment, g *graph.Graph, in Inputs) (domain.Enrollment, Effect, error) {
	if e.Status != domain.EnrollmentActive || in.Now.Before(e.NextActionDueAt) {
		return e, Effect{Kind: EffectNoOp}, nil
	}
	e = e.Clone()

	node, err := g.Node(e.CurrentNodeID)
	if err != nil {
		return e, Effect{}, integrity(err)
	}

	switch cfg := node.Config.(type) {
	case *graph.SendEmailConfig:
		switch {
		case in.Suppressed:
			e.LastDispatchMessageID = ""
			return advance(e, g, node.ID, "", in.Now)
		case in.Dispatched != nil:
			e.LastDispatchMessageID = in.Dispatched.MessageID
			return advance(e, g, node.ID, "", in.Now)
		default:
			return e, Effect{Kind: EffectDispatch, NodeID: node.ID, TemplateRef: cfg.TemplateRef}, nil
		}

	case *graph.DelayConfig:
		return advance(e, g, node.ID, "", in.Now)

	case *graph.ConditionConfig:
		deadline := ConditionDeadline(e, cfg)
		res := in.Condition
		if res == Pending && !in.Now.Before(deadline) {
			res = No
		}
		if res == Pending {
			e.Context.ConditionDeadline = &deadline
			e.NextActionDueAt = deadline
			e.UpdatedAt = in.Now
			return e, Effect{Kind: EffectAwaitCondition, NodeID: node.ID, Deadline: deadline}, nil
		}
		if e.Context.BranchTaken == nil {
			e.Context.BranchTaken = make(map[string]string)
		}
		e.Context.BranchTaken[node.ID] = res.String()
		return advance(e, g, node.ID, res.String(), in.Now)

	case *graph.EndConfig:
		return complete(e, in.Now), Effect{Kind: EffectComplete}, nil

	case *graph.TriggerConfig:
		return advance(e, g, node.ID, "", in.Now)

	default:
		return e, Effect{}, integrity(fmt.Errorf("node %q has unsupported config %T", node.ID, cfg))
	}
}

// ConditionDeadline returns the decision deadline stored at arrival, or
// derives one from the due time for enrollments that predate it.
func ConditionDeadline(e domain.Enrollment, cfg *graph.ConditionConfig) time.Time {
	if e.Context.ConditionDeadline != nil {
		return *e.Context.ConditionDeadline
	}
	return e.NextActionDueAt.Add(cfg.Window.Std())
}

// DispatchFailed records a failed send attempt. Below the policy cap the
// enrollment stays on the node and becomes due after a backoff; at the cap
// it exits with ExitDispatchFailed.
func DispatchFailed(e domain.Enrollment, now time.Time, p RetryPolicy) (domain.Enrollment, Effect) {
	e = e.Clone()
	e.Context.DispatchAttempts++
	e.UpdatedAt = now
	if e.Context.DispatchAttempts >= p.MaxAttempts {
		e.Status = domain.EnrollmentExited
		e.ExitReason = domain.ExitDispatchFailed
		return e, Effect{Kind: EffectExit, NodeID: e.CurrentNodeID, Reason: domain.ExitDispatchFailed}
	}
	e.NextActionDueAt = now.Add(p.Backoff(e.Context.DispatchAttempts))
	return e, Effect{Kind: EffectNoOp}
}

// Pause stops an active enrollment without moving it.
func Pause(e domain.Enrollment, now time.Time) (domain.Enrollment, error) {
	if e.Status.IsTerminal() {
		return e, ErrTerminal
	}
	if e.Status == domain.EnrollmentActive {
		e.Status = domain.EnrollmentPaused
		e.UpdatedAt = now
	}
	return e, nil
}

// Resume reactivates a paused enrollment at the node it was paused on.
func Resume(e domain.Enrollment, now time.Time) (domain.Enrollment, error) {
	if e.Status.IsTerminal() {
		return e, ErrTerminal
	}
	if e.Status == domain.EnrollmentPaused {
		e.Status = domain.EnrollmentActive
		e.UpdatedAt = now
	}
	return e, nil
}

// Exit forces a non-terminal enrollment to exited. Exiting an exited
// enrollment is a NoOp; a completed one is ErrTerminal.
func Exit(e domain.Enrollment, reason string, now time.Time) (domain.Enrollment, Effect, error) {
	switch e.Status {
	case domain.EnrollmentExited:
		return e, Effect{Kind: EffectNoOp}, nil
	case domain.EnrollmentCompleted:
		return e, Effect{}, ErrTerminal
	}
	if reason == "" {
		reason = domain.ExitManual
	}
	e.Status = domain.EnrollmentExited
	e.ExitReason = reason
	e.UpdatedAt = now
	return e, Effect{Kind: EffectExit, NodeID: e.CurrentNodeID, Reason: reason}, nil
}

// Complete marks a non-terminal enrollment completed. Completing a
// completed enrollment is a NoOp; an exited one is ErrTerminal.
func Complete(e domain.Enrollment, now time.Time) (domain.Enrollment, Effect, error) {
	switch e.Status {
	case domain.EnrollmentCompleted:
		return e, Effect{Kind: EffectNoOp}, nil
	case domain.EnrollmentExited:
		return e, Effect{}, ErrTerminal
	}
	return complete(e, now), Effect{Kind: EffectComplete}, nil
}

// MoveTo repositions an enrollment by hand. With a branch, nodeID must be a
// condition and the enrollment moves to the head of that branch as if the
// condition had resolved; otherwise it arrives at nodeID.
func MoveTo(e domain.Enrollment, g *graph.Graph, nodeID, branch string, now time.Time) (domain.Enrollment, Effect, error) {
	if e.Status.IsTerminal() {
		return e, Effect{}, ErrTerminal
	}
	node, err := g.Node(nodeID)
	if err != nil {
		return e, Effect{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if node.Type == graph.TypeTrigger {
		return e, Effect{}, fmt.Errorf("%w: cannot move to the trigger", ErrBadRequest)
	}
	e = e.Clone()
	if branch == "" {
		return arrive(e, g, nodeID, now)
	}
	if node.Type != graph.TypeCondition {
		return e, Effect{}, fmt.Errorf("%w: branch given for %s node %q", ErrBadRequest, node.Type, nodeID)
	}
	if branch != domain.BranchYes && branch != domain.BranchNo {
		return e, Effect{}, fmt.Errorf("%w: unknown branch %q", ErrBadRequest, branch)
	}
	if e.Context.BranchTaken == nil {
		e.Context.BranchTaken = make(map[string]string)
	}
	e.Context.BranchTaken[nodeID] = branch
	return advance(e, g, nodeID, branch, now)
}

func advance(e domain.Enrollment, g *graph.Graph, from, branch string, at time.Time) (domain.Enrollment, Effect, error) {
	next, err := g.NextNodes(from, branch)
	if err != nil {
		return e, Effect{}, integrity(err)
	}
	if len(next) == 0 {
		return complete(e, at), Effect{Kind: EffectComplete}, nil
	}
	return arrive(e, g, next[0], at)
}

// arrive applies the arrival rule of nodeID at time at and bumps the
// arrival step that keys dispatch idempotency.
func arrive(e domain.Enrollment, g *graph.Graph, nodeID string, at time.Time) (domain.Enrollment, Effect, error) {
	node, err := g.Node(nodeID)
	if err != nil {
		return e, Effect{}, integrity(err)
	}
	e.CurrentNodeID = nodeID
	e.Context.Step++
	e.Context.DispatchAttempts = 0
	e.Context.ConditionDeadline = nil
	e.NextActionDueAt = at
	e.UpdatedAt = at

	switch cfg := node.Config.(type) {
	case *graph.SendEmailConfig:
		return e, Effect{Kind: EffectNoOp}, nil
	case *graph.DelayConfig:
		e.NextActionDueAt = at.Add(cfg.Duration.Std())
		return e, Effect{Kind: EffectNoOp}, nil
	case *graph.ConditionConfig:
		deadline := at.Add(cfg.Window.Std())
		e.Context.ConditionDeadline = &deadline
		return e, Effect{Kind: EffectAwaitCondition, NodeID: nodeID, Deadline: deadline}, nil
	case *graph.EndConfig:
		return complete(e, at), Effect{Kind: EffectComplete}, nil
	default:
		return e, Effect{}, integrity(fmt.Errorf("edge into %s node %q", node.Type, nodeID))
	}
}

func complete(e domain.Enrollment, at time.Time) domain.Enrollment {
	e.Status = domain.EnrollmentCompleted
	e.UpdatedAt = at
	e.CompletedAt = &at
	e.Context.ConditionDeadline = nil
	return e
}

func integrity(err error) error {
	return fmt.Errorf("%w: %w", ErrIntegrity, err)
}
