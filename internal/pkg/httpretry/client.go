// Package httpretry retries provider calls on throttling and transient
// server failures.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

var log = logger.With("component", "httpretry")

// HTTPDoer executes a request. *http.Client and *RetryClient both satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient re-sends a request with capped exponential backoff.
//
// A transport error on a POST may mean the provider already has the
// message, so such requests are retried only when they carry an
// Idempotency-Key header. Status-code retries are always safe: the
// provider answered and did not accept.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(*http.Request, time.Duration) error
}

type Option func(*RetryClient)

// WithDelays sets the backoff base and cap (defaults 1s and 30s).
func WithDelays(base, max time.Duration) Option {
	return func(rc *RetryClient) {
		rc.baseDelay = base
		rc.maxDelay = max
	}
}

// NewRetryClient wraps client; nil means an http.Client with a 30s timeout.
// maxRetries counts attempts after the first and defaults to 3.
func NewRetryClient(client HTTPDoer, maxRetries int, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	rc := &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Do sends req. The final retryable response is returned unread so the
// caller can report its status and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	var lastErr error
	var wait time.Duration
	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if attempt > 0 {
			if err := rewind(req); err != nil {
				return nil, err
			}
			log.Warn("retrying provider request",
				"attempt", attempt, "max_retries", rc.maxRetries,
				"method", req.Method, "host", req.URL.Host, "delay", wait.String(), "last_error", lastErr)
			if err := rc.sleep(req, wait); err != nil {
				return nil, lastErr
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if req.Context().Err() != nil || !replayable(req) {
				return nil, err
			}
			lastErr = err
			wait = rc.backoff(attempt + 1)
			continue
		}
		if !isRetryableStatus(resp.StatusCode) || attempt == rc.maxRetries {
			return resp, nil
		}

		wait = rc.backoff(attempt + 1)
		if ra, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			wait = min(ra, rc.maxDelay)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	return nil, lastErr
}

// backoff is full jitter over base*2^(n-1), capped, with a small floor.
func (rc *RetryClient) backoff(n int) time.Duration {
	d := rc.baseDelay << (n - 1)
	if d <= 0 || d > rc.maxDelay {
		d = rc.maxDelay
	}
	j := time.Duration(rand.Int63n(int64(d) + 1))
	return max(j, min(rc.baseDelay, 100*time.Millisecond))
}

func rewind(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: rewind body: %w", err)
	}
	req.Body = body
	return nil
}

func replayable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return req.Header.Get("Idempotency-Key") != ""
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func sleepCtx(req *http.Request, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
