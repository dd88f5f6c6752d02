package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/httpretry"
)

// HTTPAdapter posts the request as JSON to a provider endpoint. The
// message id doubles as the Idempotency-Key so retried posts are not
// delivered twice by providers that honor it.
type HTTPAdapter struct {
	endpoint string
	apiKey   string
	client   httpretry.HTTPDoer
	now      func() time.Time
}

// NewHTTPAdapter wraps client (nil means a default http.Client) in the
// retrying client.
func NewHTTPAdapter(endpoint, apiKey string, client httpretry.HTTPDoer, maxRetries int, opts ...httpretry.Option) *HTTPAdapter {
	return &HTTPAdapter{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   httpretry.NewRetryClient(client, maxRetries, opts...),
		now:      time.Now,
	}
}

type httpSendResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
}

// Dispatch posts req and expects a 2xx with an optional provider id.
func (a *HTTPAdapter) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.MessageID)
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post dispatch: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: provider returned %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out httpSendResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode provider response: %w", err)
		}
	}
	providerID := out.MessageID
	if providerID == "" {
		providerID = out.ID
	}
	if providerID == "" {
		providerID = req.MessageID
	}
	return &domain.DispatchResult{ProviderMessageID: providerID, AcceptedAt: a.now().UTC()}, nil
}
