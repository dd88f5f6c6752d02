package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/graph"
	"github.com/ignite/automation-engine/internal/pkg/httputil"
)

// respondServiceError maps control-surface errors onto HTTP statuses.
// Anything unrecognised is logged and reported as a generic 500.
func respondServiceError(w http.ResponseWriter, err error) {
	var verr *graph.ValidationError
	switch {
	case errors.Is(err, automation.ErrNotFound):
		httputil.NotFound(w, "not found")
	case errors.Is(err, automation.ErrConflict):
		httputil.Conflict(w, "version_conflict", err.Error())
	case errors.Is(err, automation.ErrClaimed):
		httputil.Conflict(w, "claimed", "enrollment is being processed; retry shortly")
	case errors.Is(err, automation.ErrTerminal):
		httputil.Conflict(w, "terminal", "enrollment is completed or exited")
	case errors.Is(err, automation.ErrDuplicate):
		httputil.Conflict(w, "already_enrolled", "recipient is already enrolled")
	case errors.Is(err, automation.ErrNotActive):
		httputil.Conflict(w, "not_active", err.Error())
	case errors.As(err, &verr):
		httputil.Unprocessable(w, "graph is invalid", map[string]string{"node_id": verr.NodeID, "reason": verr.Reason})
	case errors.Is(err, graph.ErrInvalid), errors.Is(err, automation.ErrBadRequest):
		httputil.Unprocessable(w, err.Error(), nil)
	default:
		httputil.InternalError(w, err)
	}
}

// validationDetails flattens validator errors into field -> rule.
func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"error": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return out
}
