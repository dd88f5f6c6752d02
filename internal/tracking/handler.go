package tracking

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/httputil"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Unsubscriber handles unsubscribe links. *Correlator satisfies it.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, key string) error
}

// Handler serves the engagement webhook and tracking links.
type Handler struct {
	sink         Sink
	unsubscriber Unsubscriber
	token        string
	now          func() time.Time
}

// NewHandler creates the handler. When token is set the webhook requires a
// matching X-Webhook-Token header.
func NewHandler(sink Sink, unsubscriber Unsubscriber, token string) *Handler {
	return &Handler{sink: sink, unsubscriber: unsubscriber, token: token, now: time.Now}
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/engagement", h.HandleWebhook)
	r.Get("/track/open/{key}", h.HandleOpen)
	r.Get("/track/click/{key}", h.HandleClick)
	r.Get("/track/unsubscribe/{key}", h.HandleUnsubscribe)
	// one-click (RFC 8058) posts to the List-Unsubscribe URL
	r.Post("/track/unsubscribe/{key}", h.HandleUnsubscribe)
}

// webhookPayload is what inbound-mail and provider webhooks post.
type webhookPayload struct {
	Type       domain.EngagementType `json:"type"`
	MessageID  string                `json:"message_id"`
	InReplyTo  string                `json:"in_reply_to"`
	References string                `json:"references"`
	From       string                `json:"from"`
	To         string                `json:"to"`
	ObservedAt *time.Time            `json:"observed_at"`
	RawRef     string                `json:"raw_ref"`
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Token")), []byte(h.token)) != 1 {
		httputil.Unauthorized(w, "invalid webhook token")
		return
	}

	var p webhookPayload
	if !httputil.Decode(w, r, &p) {
		return
	}
	if !p.Type.Valid() {
		httputil.Unprocessable(w, "unknown engagement type", map[string]string{"type": string(p.Type)})
		return
	}

	ev := InboundEvent{
		Type:       p.Type,
		MessageID:  p.InReplyTo,
		References: p.References,
		From:       p.From,
		To:         p.To,
		RawRef:     p.RawRef,
		IPAddress:  realIP(r),
		UserAgent:  r.UserAgent(),
	}
	if ev.MessageID == "" {
		ev.MessageID = p.MessageID
	}
	if p.ObservedAt != nil {
		ev.ObservedAt = p.ObservedAt.UTC()
	} else {
		ev.ObservedAt = h.now().UTC()
	}

	if err := h.sink.Accept(r.Context(), ev); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"status": "accepted"})
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if key, ok := decodeKey(chi.URLParam(r, "key")); ok {
		h.accept(r, InboundEvent{Type: domain.EngagementOpen, MessageID: key})
	}
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("u")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		httputil.BadRequest(w, "bad link")
		return
	}
	if key, ok := decodeKey(chi.URLParam(r, "key")); ok {
		h.accept(r, InboundEvent{Type: domain.EngagementClick, MessageID: key, LinkURL: target})
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	key, ok := decodeKey(chi.URLParam(r, "key"))
	if !ok || h.unsubscriber == nil {
		httputil.BadRequest(w, "bad link")
		return
	}
	if err := h.unsubscriber.Unsubscribe(r.Context(), key); err != nil {
		if errors.Is(err, ErrUnknownKey) {
			httputil.NotFound(w, "unknown link")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

// accept forwards a link event. Tracking links always answer the client, so
// failures are only logged.
func (h *Handler) accept(r *http.Request, ev InboundEvent) {
	ev.ObservedAt = h.now().UTC()
	ev.IPAddress = realIP(r)
	ev.UserAgent = r.UserAgent()
	if err := h.sink.Accept(r.Context(), ev); err != nil {
		log.Warn("tracking event dropped", "type", ev.Type, "error", err)
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

// EncodeKey turns a correlation key into a URL path segment.
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// OpenURL builds the open-pixel link for key under baseURL.
func OpenURL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/track/open/" + EncodeKey(key)
}

// ClickURL builds a redirecting click link.
func ClickURL(baseURL, key, target string) string {
	return strings.TrimRight(baseURL, "/") + "/track/click/" + EncodeKey(key) + "?u=" + url.QueryEscape(target)
}

// UnsubscribeURL builds the one-click unsubscribe link.
func UnsubscribeURL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/track/unsubscribe/" + EncodeKey(key)
}

func decodeKey(segment string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(segment, "="))
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
