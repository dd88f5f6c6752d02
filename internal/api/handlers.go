package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/httputil"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

var log = logger.With("component", "api")

const maxBulkRecipients = 10000

// Control is the enrollment control surface. *automation.Service satisfies it.
type Control interface {
	Publish(ctx context.Context, ownerID, automationID string) (*domain.Automation, error)
	Enroll(ctx context.Context, ownerID, automationID, recipientID string, metadata map[string]any) (*domain.Enrollment, error)
	BulkEnroll(ctx context.Context, ownerID, automationID string, recipientIDs []string) ([]domain.Enrollment, error)
	GetEnrollment(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error)
	Pause(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error)
	Resume(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error)
	Complete(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error)
	Exit(ctx context.Context, ownerID, enrollmentID, reason string) (*domain.Enrollment, error)
	UpdateProgress(ctx context.Context, ownerID, enrollmentID string, u automation.ProgressUpdate) (*domain.Enrollment, error)
	ListFailed(ctx context.Context, ownerID string, limit int) ([]domain.Enrollment, error)
}

// AutomationSaver stores builder drafts.
type AutomationSaver interface {
	SaveAutomation(ctx context.Context, a *domain.Automation) error
}

// Handlers serves the /api routes.
type Handlers struct {
	control  Control
	saver    AutomationSaver
	validate *validator.Validate
}

// NewHandlers creates the handlers. saver may be nil, in which case drafts
// are managed elsewhere and PUT /api/automations/{id} is not mounted.
func NewHandlers(control Control, saver AutomationSaver) *Handlers {
	return &Handlers{
		control:  control,
		saver:    saver,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type saveAutomationRequest struct {
	Name  string          `json:"name" validate:"required,max=200"`
	Graph json.RawMessage `json:"graph" validate:"required"`
}

// SaveAutomation upserts a draft. Saving never activates; call publish.
//
//	PUT /api/automations/{id}
func (h *Handlers) SaveAutomation(w http.ResponseWriter, r *http.Request) {
	var req saveAutomationRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.Unprocessable(w, "invalid automation", validationDetails(err))
		return
	}
	a := &domain.Automation{
		ID:      chi.URLParam(r, "id"),
		OwnerID: OwnerFromContext(r.Context()),
		Name:    req.Name,
		Graph:   req.Graph,
	}
	if err := h.saver.SaveAutomation(r.Context(), a); err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, a)
}

// Publish validates the graph and activates the automation.
//
//	POST /api/automations/{id}/publish
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	a, err := h.control.Publish(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, a)
}

type enrollRequest struct {
	RecipientID string         `json:"recipient_id" validate:"required"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// POST /api/automations/{id}/enrollments
func (h *Handlers) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.Unprocessable(w, "invalid enrollment", validationDetails(err))
		return
	}
	e, err := h.control.Enroll(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"), req.RecipientID, req.Metadata)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, e)
}

type bulkEnrollRequest struct {
	RecipientIDs []string `json:"recipient_ids" validate:"required,min=1,dive,required"`
}

type bulkEnrollResponse struct {
	Created     []domain.Enrollment `json:"created"`
	Requested   int                 `json:"requested"`
	CreatedN    int                 `json:"created_count"`
	FailedError string              `json:"error,omitempty"`
}

// BulkEnroll enrolls many recipients. Partial failures still return 200
// with the created enrollments and the joined error text.
//
//	POST /api/automations/{id}/enrollments/bulk
func (h *Handlers) BulkEnroll(w http.ResponseWriter, r *http.Request) {
	var req bulkEnrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.Unprocessable(w, "invalid bulk enrollment", validationDetails(err))
		return
	}
	if len(req.RecipientIDs) > maxBulkRecipients {
		httputil.Unprocessable(w, "too many recipients", map[string]int{"max": maxBulkRecipients})
		return
	}

	owner := OwnerFromContext(r.Context())
	created, err := h.control.BulkEnroll(r.Context(), owner, chi.URLParam(r, "id"), req.RecipientIDs)
	if err != nil && len(created) == 0 && !isPartial(err) {
		respondServiceError(w, err)
		return
	}
	resp := bulkEnrollResponse{Created: created, Requested: len(req.RecipientIDs), CreatedN: len(created)}
	if resp.Created == nil {
		resp.Created = []domain.Enrollment{}
	}
	if err != nil {
		resp.FailedError = err.Error()
		log.Warn("bulk enroll partially failed", "owner_id", owner, "automation_id", chi.URLParam(r, "id"), "error", err)
	}
	httputil.OK(w, resp)
}

// isPartial reports whether err is the joined per-recipient error from
// BulkEnroll rather than a failure of the whole call.
func isPartial(err error) bool {
	var joined interface{ Unwrap() []error }
	return errors.As(err, &joined)
}

// GET /api/enrollments/{id}
func (h *Handlers) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.control.GetEnrollment(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

// POST /api/enrollments/{id}/pause
func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.control.Pause)
}

// POST /api/enrollments/{id}/resume
func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.control.Resume)
}

// POST /api/enrollments/{id}/complete
func (h *Handlers) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.control.Complete)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, ownerID, enrollmentID string) (*domain.Enrollment, error)) {
	e, err := fn(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

type exitRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=64"`
}

// Exit forces an enrollment out. A claimed enrollment answers 202: the exit
// is recorded and applied on the next tick.
//
//	POST /api/enrollments/{id}/exit
func (h *Handlers) Exit(w http.ResponseWriter, r *http.Request) {
	var req exitRequest
	if r.ContentLength != 0 {
		if !httputil.Decode(w, r, &req) {
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.Unprocessable(w, "invalid exit", validationDetails(err))
		return
	}
	e, err := h.control.Exit(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if e.ExitRequested != "" && !e.Status.IsTerminal() {
		httputil.Accepted(w, e)
		return
	}
	httputil.OK(w, e)
}

// POST /api/enrollments/{id}/progress
func (h *Handlers) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var u automation.ProgressUpdate
	if !httputil.Decode(w, r, &u) {
		return
	}
	if err := h.validate.Struct(u); err != nil {
		httputil.Unprocessable(w, "invalid progress update", validationDetails(err))
		return
	}
	e, err := h.control.UpdateProgress(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"), u)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

// ListFailed returns enrollments halted by dispatch failure or a graph
// integrity defect.
//
//	GET /api/enrollments/failed?limit=
func (h *Handlers) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	list, err := h.control.ListFailed(r.Context(), OwnerFromContext(r.Context()), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []domain.Enrollment{}
	}
	httputil.OK(w, map[string]any{"enrollments": list, "count": len(list)})
}
