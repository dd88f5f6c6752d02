package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

var log = logger.With("component", "tracking")

// InboundEvent is an engagement signal as received, before attribution.
type InboundEvent struct {
	Type domain.EngagementType `json:"type"`
	// MessageID is the referenced message id: the In-Reply-To header of a
	// reply, or the key embedded in a tracking link.
	MessageID  string    `json:"message_id,omitempty"`
	References string    `json:"references,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	RawRef     string    `json:"raw_ref,omitempty"`
	LinkURL    string    `json:"link_url,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// Correlation is the attribution outcome. Dispatch is nil unless Match is
// exact or structured.
type Correlation struct {
	Match          domain.MatchKind
	OwnerID        string
	CorrelationKey string
	Dispatch       *domain.DispatchRecord
}

// DispatchLookup finds dispatch records by their identifiers.
type DispatchLookup interface {
	FindDispatchByCorrelationKey(ctx context.Context, key string) (*domain.DispatchRecord, error)
	FindDispatchByProviderMessageID(ctx context.Context, id string) (*domain.DispatchRecord, error)
	GetDispatch(ctx context.Context, id int64) (*domain.DispatchRecord, error)
}

// DomainDirectory maps sending domains to owners.
type DomainDirectory interface {
	OwnerOfDomain(ctx context.Context, domain string) (string, error)
}

// EventLog is the append-only engagement store.
type EventLog interface {
	AppendEngagement(ctx context.Context, ev *domain.EngagementEvent) error
}

// Suppressor records unsubscribes. *suppression.Service satisfies it.
type Suppressor interface {
	Suppress(ctx context.Context, address, scope string, reason domain.SuppressionReason) error
}

// Correlator attributes and stores engagement events.
type Correlator struct {
	dispatches DispatchLookup
	domains    DomainDirectory
	events     EventLog
	suppressor Suppressor
	format     *dispatch.MessageIDFormat
	now        func() time.Time
}

// NewCorrelator wires a correlator. suppressor may be nil when unsubscribe
// links are not served.
func NewCorrelator(dispatches DispatchLookup, domains DomainDirectory, events EventLog, suppressor Suppressor, format *dispatch.MessageIDFormat) *Correlator {
	return &Correlator{
		dispatches: dispatches,
		domains:    domains,
		events:     events,
		suppressor: suppressor,
		format:     format,
		now:        time.Now,
	}
}

// Correlate attributes ev without storing it. Lookup errors other than
// not-found abort attribution so the caller can retry.
func (c *Correlator) Correlate(ctx context.Context, ev InboundEvent) (Correlation, error) {
	candidates := messageIDs(ev)

	for _, id := range candidates {
		rec, err := c.exact(ctx, id)
		if err != nil {
			return Correlation{}, err
		}
		if rec != nil {
			return c.matched(domain.MatchExact, rec, ev), nil
		}
	}

	for _, id := range candidates {
		parsed, ok := c.format.Parse(id)
		if !ok {
			continue
		}
		rec, err := c.dispatches.GetDispatch(ctx, parsed.DispatchID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return Correlation{}, fmt.Errorf("get dispatch %d: %w", parsed.DispatchID, err)
		}
		return c.matched(domain.MatchStructured, rec, ev), nil
	}

	if d := domain.AddressDomain(ev.To); d != "" {
		owner, err := c.domains.OwnerOfDomain(ctx, d)
		switch {
		case err == nil:
			return Correlation{Match: domain.MatchDomainOwner, OwnerID: owner}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return Correlation{}, fmt.Errorf("owner of domain %s: %w", d, err)
		}
	}
	return Correlation{Match: domain.MatchUnmatched}, nil
}

// exact looks id up as a correlation key, then as a provider message id
// (with and without its domain part).
func (c *Correlator) exact(ctx context.Context, id string) (*domain.DispatchRecord, error) {
	rec, err := c.dispatches.FindDispatchByCorrelationKey(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find by correlation key: %w", err)
	}

	keys := []string{id}
	if at := strings.LastIndex(id, "@"); at > 0 {
		keys = append(keys, id[:at])
	}
	for _, k := range keys {
		rec, err := c.dispatches.FindDispatchByProviderMessageID(ctx, k)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("find by provider message id: %w", err)
		}
	}
	return nil, nil
}

func (c *Correlator) matched(kind domain.MatchKind, rec *domain.DispatchRecord, ev InboundEvent) Correlation {
	if ev.From != "" && rec.RecipientAddress != "" &&
		domain.AddressDomain(ev.From) != domain.AddressDomain(rec.RecipientAddress) {
		log.Warn("engagement sender domain differs from recipient",
			"dispatch_id", rec.ID, "from", logger.RedactEmail(ev.From),
			"recipient", logger.RedactEmail(rec.RecipientAddress))
	}
	return Correlation{Match: kind, OwnerID: rec.OwnerID, CorrelationKey: rec.CorrelationKey, Dispatch: rec}
}

// Ingest correlates ev and appends it to the engagement log. The event is
// stored even when unmatched.
func (c *Correlator) Ingest(ctx context.Context, ev InboundEvent) (*domain.EngagementEvent, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	corr, err := c.Correlate(ctx, ev)
	if err != nil {
		return nil, err
	}

	observed := ev.ObservedAt
	if observed.IsZero() {
		observed = c.now().UTC()
	}
	raw := ev.RawRef
	if raw == "" {
		raw = ev.MessageID
	}
	rec := &domain.EngagementEvent{
		Type:           ev.Type,
		CorrelationKey: corr.CorrelationKey,
		OwnerID:        corr.OwnerID,
		FromAddress:    domain.NormalizeAddress(ev.From),
		ObservedAt:     observed,
		RawRef:         raw,
		Match:          corr.Match,
		LinkURL:        ev.LinkURL,
		IPAddress:      ev.IPAddress,
		UserAgent:      ev.UserAgent,
	}
	if corr.Dispatch != nil {
		rec.DispatchRecordID = corr.Dispatch.ID
	}
	if err := c.events.AppendEngagement(ctx, rec); err != nil {
		return nil, fmt.Errorf("append engagement: %w", err)
	}
	log.Debug("engagement ingested", "type", rec.Type, "match", rec.Match, "dispatch_id", rec.DispatchRecordID)
	return rec, nil
}

// Accept ingests ev, discarding the stored record. It lets a Correlator
// serve as the handler's Sink when no queue is configured.
func (c *Correlator) Accept(ctx context.Context, ev InboundEvent) error {
	_, err := c.Ingest(ctx, ev)
	return err
}

// Unsubscribe suppresses the recipient of the dispatch identified by key
// across all automations.
func (c *Correlator) Unsubscribe(ctx context.Context, key string) error {
	if c.suppressor == nil {
		return errors.New("unsubscribe not configured")
	}
	corr, err := c.Correlate(ctx, InboundEvent{MessageID: key})
	if err != nil {
		return err
	}
	if corr.Dispatch == nil {
		return ErrUnknownKey
	}
	if err := c.suppressor.Suppress(ctx, corr.Dispatch.RecipientAddress, domain.SuppressionScopeAll, domain.ReasonUnsubscribe); err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	log.Info("recipient unsubscribed", "dispatch_id", corr.Dispatch.ID,
		"recipient", logger.RedactEmail(corr.Dispatch.RecipientAddress))
	return nil
}

// messageIDs lists the ids an event references, most specific first and
// without duplicates.
func messageIDs(ev InboundEvent) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(dispatch.NormalizeMessageID(ev.MessageID))
	for _, id := range dispatch.SplitReferences(ev.References) {
		add(id)
	}
	return out
}
