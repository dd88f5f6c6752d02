package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/graph"
)

// ConditionEvaluator resolves condition nodes from engagement events
// correlated to the enrollment's most recent dispatch.
type ConditionEvaluator struct {
	events EventSource
}

// NewConditionEvaluator creates an evaluator over an engagement event source.
func NewConditionEvaluator(events EventSource) *ConditionEvaluator {
	return &ConditionEvaluator{events: events}
}

// Resolve answers Yes as soon as one qualifying event is known, Pending
// while the window is open, and No once now reaches the deadline. An
// enrollment without a correlation key (its last send was suppressed) has no
// events and resolves No at the deadline.
func (c *ConditionEvaluator) Resolve(ctx context.Context, e *domain.Enrollment, cfg *graph.ConditionConfig, deadline, now time.Time) (Resolution, error) {
	if e.LastDispatchMessageID == "" {
		return Decide(nil, cfg, deadline, now), nil
	}
	events, err := c.events.ListEngagementByCorrelationKey(ctx, e.LastDispatchMessageID)
	if err != nil {
		return Pending, fmt.Errorf("list engagement for %s: %w", e.ID, err)
	}
	return Decide(events, cfg, deadline, now), nil
}

// Decide is the pure decision rule. An event qualifies when its type is one
// of the condition's signal types and it was observed at or before the
// deadline; events observed later never change the outcome.
func Decide(events []domain.EngagementEvent, cfg *graph.ConditionConfig, deadline, now time.Time) Resolution {
	for _, ev := range events {
		if !cfg.Accepts(ev.Type) {
			continue
		}
		if ev.ObservedAt.After(deadline) {
			continue
		}
		return Yes
	}
	if now.Before(deadline) {
		return Pending
	}
	return No
}
