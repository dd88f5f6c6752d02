package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

var log = logger.With("component", "dispatch")

// ErrRejected marks a send the provider refused outright. The scheduler
// treats it like any other failure and retries with backoff.
var ErrRejected = errors.New("dispatch rejected")

// Adapter sends one resolved request. Implementations must be safe for
// concurrent use and must honor ctx cancellation.
type Adapter interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error)
}

// AdapterFunc lets an ordinary function act as an Adapter.
type AdapterFunc func(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error)

// Dispatch calls f.
func (f AdapterFunc) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	return f(ctx, req)
}

// LogAdapter accepts every request without sending anything. Used for dry
// runs and local development.
type LogAdapter struct {
	now func() time.Time
}

// NewLogAdapter creates a dry-run adapter.
func NewLogAdapter() *LogAdapter { return &LogAdapter{now: time.Now} }

// Dispatch logs the request and echoes its message id back as the
// provider id.
func (a *LogAdapter) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Info("dry-run dispatch",
		"dispatch_id", req.DispatchID,
		"enrollment_id", req.EnrollmentID,
		"node_id", req.NodeID,
		"template", req.TemplateRef,
		"recipient", logger.RedactEmail(req.RecipientAddress),
		"message_id", req.MessageID,
	)
	return &domain.DispatchResult{ProviderMessageID: req.MessageID, AcceptedAt: a.now().UTC()}, nil
}
