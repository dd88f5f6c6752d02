package api

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/ignite/automation-engine/internal/pkg/httputil"
)

// OwnerHeader carries the account owner every /api call is scoped to.
const OwnerHeader = "X-Owner-ID"

type ownerContextKey struct{}

// OwnerResolver extracts the owner id from a request.
// Fallback chain: header, query parameter, dev-mode default.
type OwnerResolver struct {
	defaultOwner string
}

// NewOwnerResolver reads DEV_MODE / DEFAULT_OWNER_ID from the environment.
// Outside dev mode requests without an owner are rejected.
func NewOwnerResolver() *OwnerResolver {
	devMode := os.Getenv("DEV_MODE") == "true" || os.Getenv("ENVIRONMENT") == "development"
	r := &OwnerResolver{}
	if devMode {
		r.defaultOwner = strings.TrimSpace(os.Getenv("DEFAULT_OWNER_ID"))
	}
	return r
}

// ExtractOwnerID returns the owner id or "" when none is present.
func (p *OwnerResolver) ExtractOwnerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(OwnerHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("owner_id")); id != "" {
		return id
	}
	return p.defaultOwner
}

// RequireOwner rejects requests without an owner with 401 and stores the
// owner id in the request context otherwise.
func (p *OwnerResolver) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := p.ExtractOwnerID(r)
		if id == "" {
			httputil.Unauthorized(w, "owner id required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerContextKey{}, id)))
	})
}

// OwnerFromContext returns the owner stored by RequireOwner.
func OwnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ownerContextKey{}).(string)
	return id
}
