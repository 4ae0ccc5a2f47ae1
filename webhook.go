package tasksync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/tasksync/wire"
)

// ============================================================================
// Signatures
// ============================================================================

// SignNotification returns the sha256= signature of body under secret.
func SignNotification(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies a change-notification signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseChangeNotification parses a raw webhook body.
func ParseChangeNotification(body string) (*wire.ChangeNotification, error) {
	var n wire.ChangeNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in notification body: %w", err)
	}
	if n.Source != wire.NotificationSource {
		return nil, fmt.Errorf("unknown notification source: %s", n.Source)
	}
	if n.Table == "" || n.Event == "" {
		return nil, fmt.Errorf("missing table or event in notification")
	}
	return &n, nil
}

// ============================================================================
// WebhookTransport
// ============================================================================

// WebhookTransport receives change notifications that the backend POSTs to
// an HTTP endpoint and fans them out to locally opened channels. Opening a
// channel is purely local and never fails.
type WebhookTransport struct {
	secret string
	log    zerolog.Logger

	mu       sync.RWMutex
	channels map[string]*webhookChannel
}

// NewWebhookTransport creates a transport that only accepts bodies signed with secret.
func NewWebhookTransport(secret string, log zerolog.Logger) (*WebhookTransport, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookTransport{
		secret:   secret,
		log:      log.With().Str("component", "webhook").Logger(),
		channels: make(map[string]*webhookChannel),
	}, nil
}

// OpenChannel registers onEvent for notifications matching filter.
func (w *WebhookTransport) OpenChannel(_ context.Context, filter Filter, onEvent func(ChangeEvent)) (Channel, error) {
	ch := &webhookChannel{transport: w, ref: uuid.NewString(), filter: filter, onEvent: onEvent}
	w.mu.Lock()
	w.channels[ch.ref] = ch
	w.mu.Unlock()
	return ch, nil
}

// Handle verifies, parses and dispatches one webhook request.
// Returns the status code and response body for the caller to write.
func (w *WebhookTransport) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	n, err := ParseChangeNotification(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.RLock()
	var targets []*webhookChannel
	for _, ch := range w.channels {
		if ch.filter.Matches(n.Table, n.Event, n.Record) {
			targets = append(targets, ch)
		}
	}
	w.mu.RUnlock()

	for _, ch := range targets {
		ch.onEvent(ChangeEvent{Ref: ch.ref, Table: n.Table, Event: n.Event, Record: n.Record})
	}
	w.log.Debug().Str("table", n.Table).Str("event", n.Event).Int("channels", len(targets)).Msg("notification dispatched")
	return http.StatusOK, map[string]any{"ok": true, "delivered": len(targets)}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := tasksync.NewWebhookTransport("secret", logger)
//	http.Handle("/hooks/changes", wh.HTTPHandler())
func (w *WebhookTransport) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(wire.SignatureHeader))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

type webhookChannel struct {
	transport *WebhookTransport
	ref       string
	filter    Filter
	onEvent   func(ChangeEvent)
}

func (c *webhookChannel) Close() error {
	c.transport.mu.Lock()
	delete(c.transport.channels, c.ref)
	c.transport.mu.Unlock()
	return nil
}
