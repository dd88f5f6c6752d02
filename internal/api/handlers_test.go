package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/httputil"
	"github.com/ignite/automation-engine/internal/repository/memory"
)

const testGraph = `[
  {"id": "start", "type": "trigger", "next": "welcome"},
  {"id": "welcome", "type": "send_email", "next": "wait", "config": {"template_ref": "welcome"}},
  {"id": "wait", "type": "delay", "next": "done", "config": {"duration": "3d"}},
  {"id": "done", "type": "end"}
]`

const owner = "owner-1"

type testAPI struct {
	store  *memory.Store
	router http.Handler
}

func setupTestAPI(t *testing.T, mounter Mounter) *testAPI {
	t.Helper()
	store := memory.NewStore()
	store.PutAutomation(domain.Automation{
		ID: "auto-1", OwnerID: owner, Name: "Welcome", Graph: []byte(testGraph), Status: domain.AutomationActive,
	})
	for _, id := range []string{"r1", "r2", "r3"} {
		store.PutRecipient(domain.Recipient{ID: id, OwnerID: owner, Address: id + "@example.com"})
	}
	svc := automation.NewService(store, store, store, automation.NewGraphCache(store, 0))

	router := SetupRoutes(NewHandlers(svc, store), RouterOptions{
		AllowedOrigins: []string{"*"},
		Owners:         &OwnerResolver{},
		Tracking:       mounter,
	})
	return &testAPI{store: store, router: router}
}

func (a *testAPI) do(t *testing.T, method, path, ownerID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ownerID != "" {
		req.Header.Set(OwnerHeader, ownerID)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decodeEnrollment(t *testing.T, rr *httptest.ResponseRecorder) domain.Enrollment {
	t.Helper()
	var e domain.Enrollment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	return e
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Code
}

func (a *testAPI) enroll(t *testing.T, recipientID string) domain.Enrollment {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/automations/auto-1/enrollments", owner, map[string]string{"recipient_id": recipientID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeEnrollment(t, rr)
}

// =============================================================================
// OWNER SCOPE
// =============================================================================

func TestOwnerRequired(t *testing.T) {
	a := setupTestAPI(t, nil)
	rr := a.do(t, http.MethodGet, "/api/enrollments/failed", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestOwnerResolver_DevDefault(t *testing.T) {
	t.Setenv("DEV_MODE", "true")
	t.Setenv("DEFAULT_OWNER_ID", "dev-owner")
	p := NewOwnerResolver()

	req := httptest.NewRequest(http.MethodGet, "/api/enrollments/failed", nil)
	assert.Equal(t, "dev-owner", p.ExtractOwnerID(req))

	req.Header.Set(OwnerHeader, "hdr-owner")
	assert.Equal(t, "hdr-owner", p.ExtractOwnerID(req))

	req = httptest.NewRequest(http.MethodGet, "/api/enrollments/failed?owner_id=q-owner", nil)
	assert.Equal(t, "q-owner", p.ExtractOwnerID(req))
}

func TestOwnerResolver_NoDefaultOutsideDevMode(t *testing.T) {
	t.Setenv("DEV_MODE", "")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DEFAULT_OWNER_ID", "dev-owner")
	p := NewOwnerResolver()
	assert.Equal(t, "", p.ExtractOwnerID(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestOtherOwnerSeesNotFound(t *testing.T) {
	a := setupTestAPI(t, nil)
	e := a.enroll(t, "r1")

	rr := a.do(t, http.MethodGet, "/api/enrollments/"+e.ID, "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/enrollments/"+e.ID+"/pause", "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/automations/auto-1/enrollments", "owner-2", map[string]string{"recipient_id": "r2"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// =============================================================================
// AUTOMATIONS
// =============================================================================

func TestSaveAndPublish(t *testing.T) {
	a := setupTestAPI(t, nil)

	rr := a.do(t, http.MethodPut, "/api/automations/auto-2", owner, map[string]any{
		"name": "Reactivation", "graph": json.RawMessage(testGraph),
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	stored, err := a.store.GetAutomation(context.Background(), "auto-2")
	require.NoError(t, err)
	assert.Equal(t, domain.AutomationDraft, stored.Status)

	// drafts cannot take enrollments
	rr = a.do(t, http.MethodPost, "/api/automations/auto-2/enrollments", owner, map[string]string{"recipient_id": "r1"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "not_active", errorCode(t, rr))

	rr = a.do(t, http.MethodPost, "/api/automations/auto-2/publish", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var published domain.Automation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &published))
	assert.Equal(t, domain.AutomationActive, published.Status)
}

func TestSaveAutomation_Validation(t *testing.T) {
	a := setupTestAPI(t, nil)
	rr := a.do(t, http.MethodPut, "/api/automations/auto-2", owner, map[string]any{"graph": json.RawMessage(testGraph)})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"required"`)
}

func TestPublish_InvalidGraph(t *testing.T) {
	a := setupTestAPI(t, nil)
	rr := a.do(t, http.MethodPut, "/api/automations/auto-bad", owner, map[string]any{
		"name": "Broken", "graph": json.RawMessage(`[{"id": "s", "type": "bogus"}]`),
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/automations/auto-bad/publish", owner, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), `"node_id":"s"`)

	stored, err := a.store.GetAutomation(context.Background(), "auto-bad")
	require.NoError(t, err)
	assert.Equal(t, domain.AutomationDraft, stored.Status)
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func TestEnroll(t *testing.T) {
	a := setupTestAPI(t, nil)
	e := a.enroll(t, "r1")
	assert.Equal(t, domain.EnrollmentActive, e.Status)
	assert.Equal(t, "r1@example.com", e.RecipientAddress)
	assert.Equal(t, int64(1), e.Version)

	t.Run("duplicate", func(t *testing.T) {
		rr := a.do(t, http.MethodPost, "/api/automations/auto-1/enrollments", owner, map[string]string{"recipient_id": "r1"})
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "already_enrolled", errorCode(t, rr))
	})

	t.Run("missing recipient id", func(t *testing.T) {
		rr := a.do(t, http.MethodPost, "/api/automations/auto-1/enrollments", owner, map[string]string{})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		rr := a.do(t, http.MethodPost, "/api/automations/auto-1/enrollments", owner, map[string]string{"recipient_id": "ghost"})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/automations/auto-1/enrollments", bytes.NewBufferString("{"))
		req.Header.Set(OwnerHeader, owner)
		rr := httptest.NewRecorder()
		a.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestBulkEnroll(t *testing.T) {
	a := setupTestAPI(t, nil)
	a.enroll(t, "r1")

	rr := a.do(t, http.MethodPost, "/api/automations/auto-1/enrollments/bulk", owner, map[string]any{
		"recipient_ids": []string{"r1", "r2", "r3", "ghost"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp bulkEnrollResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Requested)
	assert.Equal(t, 2, resp.CreatedN, "r1 is skipped as already enrolled")
	assert.Contains(t, resp.FailedError, "ghost")

	rr = a.do(t, http.MethodPost, "/api/automations/auto-1/enrollments/bulk", owner, map[string]any{"recipient_ids": []string{}})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestLifecycle(t *testing.T) {
	a := setupTestAPI(t, nil)
	e := a.enroll(t, "r1")
	base := "/api/enrollments/" + e.ID

	rr := a.do(t, http.MethodPost, base+"/pause", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.EnrollmentPaused, decodeEnrollment(t, rr).Status)

	rr = a.do(t, http.MethodPost, base+"/resume", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.EnrollmentActive, decodeEnrollment(t, rr).Status)

	rr = a.do(t, http.MethodPost, base+"/complete", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	first := decodeEnrollment(t, rr)
	assert.Equal(t, domain.EnrollmentCompleted, first.Status)

	// completing twice is a no-op
	rr = a.do(t, http.MethodPost, base+"/complete", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, first.Version, decodeEnrollment(t, rr).Version)

	rr = a.do(t, http.MethodPost, base+"/pause", owner, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "terminal", errorCode(t, rr))

	rr = a.do(t, http.MethodGet, base, owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.EnrollmentCompleted, decodeEnrollment(t, rr).Status)
}

func TestExit(t *testing.T) {
	a := setupTestAPI(t, nil)

	t.Run("with reason", func(t *testing.T) {
		e := a.enroll(t, "r1")
		rr := a.do(t, http.MethodPost, "/api/enrollments/"+e.ID+"/exit", owner, map[string]string{"reason": "unsubscribed"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		got := decodeEnrollment(t, rr)
		assert.Equal(t, domain.EnrollmentExited, got.Status)
		assert.Equal(t, "unsubscribed", got.ExitReason)
	})

	t.Run("empty body defaults to manual", func(t *testing.T) {
		e := a.enroll(t, "r2")
		rr := a.do(t, http.MethodPost, "/api/enrollments/"+e.ID+"/exit", owner, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, domain.ExitManual, decodeEnrollment(t, rr).ExitReason)
	})

	t.Run("claimed enrollment is deferred", func(t *testing.T) {
		e := a.enroll(t, "r3")
		_, err := a.store.ClaimEnrollment(context.Background(), e.ID, e.Version, time.Now().Add(time.Minute))
		require.NoError(t, err)

		rr := a.do(t, http.MethodPost, "/api/enrollments/"+e.ID+"/exit", owner, nil)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		got := decodeEnrollment(t, rr)
		assert.Equal(t, domain.EnrollmentActive, got.Status)
		assert.Equal(t, domain.ExitManual, got.ExitRequested)

		rr = a.do(t, http.MethodPost, "/api/enrollments/"+e.ID+"/pause", owner, nil)
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "claimed", errorCode(t, rr))
	})
}

func TestUpdateProgress(t *testing.T) {
	a := setupTestAPI(t, nil)
	e := a.enroll(t, "r1")
	path := "/api/enrollments/" + e.ID + "/progress"

	t.Run("missing node", func(t *testing.T) {
		rr := a.do(t, http.MethodPost, path, owner, map[string]any{})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Contains(t, rr.Body.String(), `"nodeid":"required"`)
	})

	t.Run("bad branch", func(t *testing.T) {
		rr := a.do(t, http.MethodPost, path, owner, map[string]any{"node_id": "wait", "branch": "maybe"})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("stale version", func(t *testing.T) {
		rr := a.do(t, http.MethodPost, path, owner, map[string]any{"node_id": "wait", "version": e.Version + 5})
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "version_conflict", errorCode(t, rr))
	})

	t.Run("unknown node", func(t *testing.T) {
		rr := a.do(t, http.MethodPost, path, owner, map[string]any{"node_id": "nowhere"})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("moves", func(t *testing.T) {
		rr := a.do(t, http.MethodPost, path, owner, map[string]any{"node_id": "wait", "version": e.Version})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		got := decodeEnrollment(t, rr)
		assert.Equal(t, "wait", got.CurrentNodeID)
		assert.Equal(t, e.Version+1, got.Version)
	})
}

func TestListFailed(t *testing.T) {
	a := setupTestAPI(t, nil)
	e := a.enroll(t, "r1")
	rr := a.do(t, http.MethodPost, "/api/enrollments/"+e.ID+"/exit", owner, map[string]string{"reason": domain.ExitDispatchFailed})
	require.Equal(t, http.StatusOK, rr.Code)
	other := a.enroll(t, "r2")
	a.do(t, http.MethodPost, "/api/enrollments/"+other.ID+"/exit", owner, nil)

	rr = a.do(t, http.MethodGet, "/api/enrollments/failed", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Enrollments []domain.Enrollment `json:"enrollments"`
		Count       int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count, "manual exits are not failures")
	assert.Equal(t, e.ID, resp.Enrollments[0].ID)

	rr = a.do(t, http.MethodGet, "/api/enrollments/failed?limit=abc", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// =============================================================================
// HEALTH / MOUNTS
// =============================================================================

type stubMounter struct{}

func (stubMounter) Mount(r chi.Router) {
	r.Post("/webhooks/engagement", func(w http.ResponseWriter, _ *http.Request) { httputil.Accepted(w, nil) })
}

func TestTrackingRoutesSkipOwnerScope(t *testing.T) {
	a := setupTestAPI(t, stubMounter{})
	rr := a.do(t, http.MethodPost, "/webhooks/engagement", "", map[string]string{"type": "open"})
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestHealth(t *testing.T) {
	hc := NewHealthChecker(nil, nil)
	router := SetupRoutes(NewHandlers(nil, nil), RouterOptions{AllowedOrigins: []string{"*"}, Health: hc})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, statusNotConfigured, status.Checks["database"].Status)
}

func TestDetermineOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]ComponentCheck
		want   string
	}{
		{"all up", map[string]ComponentCheck{"database": {Status: statusUp}, "redis": {Status: statusUp}}, "healthy"},
		{"redis down", map[string]ComponentCheck{"database": {Status: statusUp}, "redis": {Status: statusDegraded}}, "degraded"},
		{"database down", map[string]ComponentCheck{"database": {Status: statusDown}}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineOverallStatus(tt.checks))
		})
	}
}
