package connectlink

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

	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 of a database webhook body.
const SignatureHeader = "X-ConnectLink-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body the backend POSTs for a database webhook.
type WebhookPayload struct {
	Type      string          `json:"type"` // INSERT, UPDATE or DELETE
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// ChangeEvent converts the payload into the transport-neutral form.
func (p *WebhookPayload) ChangeEvent() ChangeEvent {
	return ChangeEvent{Type: p.Type, Table: p.Table, Record: p.Record}
}

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a database webhook signature using
// HMAC-SHA256. Uses constant-time comparison.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody([]byte(body), secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	switch payload.Type {
	case "INSERT", "UPDATE", "DELETE":
	case "":
		return nil, fmt.Errorf("missing type field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook type: %s", payload.Type)
	}
	if payload.Table == "" {
		return nil, fmt.Errorf("missing table field in webhook payload")
	}
	if payload.Type != "DELETE" && len(payload.Record) == 0 {
		return nil, fmt.Errorf("missing record in %s webhook payload", payload.Type)
	}

	return &payload, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver is a Transport fed by signed database webhooks. Mount its
// HTTPHandler where the backend delivers them; every verified change is
// fanned out to the open streams whose topic matches.
type WebhookReceiver struct {
	secret string
	logger zerolog.Logger

	mu      sync.Mutex
	streams map[*webhookStream]struct{}
	closed  bool
}

// NewWebhookReceiver creates a receiver that accepts bodies signed with secret.
func NewWebhookReceiver(secret string, logger zerolog.Logger) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookReceiver{
		secret:  secret,
		logger:  logger.With().Str("component", "webhook").Logger(),
		streams: make(map[*webhookStream]struct{}),
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *WebhookReceiver) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a webhook request (verify + parse + fan out).
// Returns the status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	delivered := w.publish(payload.ChangeEvent())
	w.logger.Debug().
		Str("type", payload.Type).
		Str("table", payload.Table).
		Int("streams", delivered).
		Msg("webhook received")
	return http.StatusOK, map[string]any{"ok": true, "delivered": delivered}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := connectlink.NewWebhookReceiver("secret", logger)
//	http.Handle("/hooks/db", wh.HTTPHandler())
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeWebhookJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *WebhookReceiver) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

// Stream registers a stream for topic. Webhooks are push only, so opening a
// stream never fails until the receiver is closed.
func (w *WebhookReceiver) Stream(ctx context.Context, topic Topic) (EventStream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	s := &webhookStream{
		owner:  w,
		topic:  topic,
		events: make(chan ChangeEvent, 64),
		closed: make(chan struct{}),
	}
	w.streams[s] = struct{}{}
	return s, nil
}

// Close ends every open stream.
func (w *WebhookReceiver) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	streams := make([]*webhookStream, 0, len(w.streams))
	for s := range w.streams {
		streams = append(streams, s)
	}
	w.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	return nil
}

func (w *WebhookReceiver) publish(ev ChangeEvent) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for s := range w.streams {
		if !s.topic.Matches(ev.Table, ev.Record) {
			continue
		}
		select {
		case s.events <- ev:
		default:
		}
		n++
	}
	return n
}

func writeWebhookJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

type webhookStream struct {
	owner  *WebhookReceiver
	topic  Topic
	events chan ChangeEvent
	once   sync.Once
	closed chan struct{}
}

func (s *webhookStream) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return ChangeEvent{}, ErrClosed
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

func (s *webhookStream) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.streams, s)
		s.owner.mu.Unlock()
		close(s.closed)
	})
	return nil
}
