package connectlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestPayload(conversationID string) map[string]any {
	return map[string]any{
		"type":   "INSERT",
		"table":  "messages",
		"schema": "public",
		"record": map[string]any{
			"id":              "msg-001",
			"conversation_id": conversationID,
			"sender_id":       "user-001",
			"content":         "Hello from test",
			"created_at":      "2026-01-01T00:00:00Z",
		},
		"old_record": nil,
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload("conv-001"))
	return string(b)
}

func newTestReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()
	wh, err := NewWebhookReceiver(testSecret, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { wh.Close() })
	return wh
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := SignWebhookBody([]byte(body), testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := strings.TrimPrefix(SignWebhookBody([]byte(body), testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestPayloadString()
		if VerifyWebhookSignature(body, "sha256="+strings.Repeat("0", 64), testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := SignWebhookBody([]byte(body), "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := SignWebhookBody([]byte(body), testSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for bare prefix")
		}
	})
}

// ============================================================================
// ParseWebhookPayload
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid insert", func(t *testing.T) {
		p, err := ParseWebhookPayload(makeTestPayloadString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Type != "INSERT" || p.Table != "messages" {
			t.Errorf("got type=%q table=%q", p.Type, p.Table)
		}
		ev := p.ChangeEvent()
		if !MessagesTopic("conv-001").Matches(ev.Table, ev.Record) {
			t.Error("expected change event to match its conversation topic")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookPayload("{not json"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		payload := makeTestPayload("conv-001")
		payload["type"] = "TRUNCATE"
		b, _ := json.Marshal(payload)
		if _, err := ParseWebhookPayload(string(b)); err == nil {
			t.Fatal("expected error for unknown type")
		}
	})

	t.Run("missing table", func(t *testing.T) {
		payload := makeTestPayload("conv-001")
		delete(payload, "table")
		b, _ := json.Marshal(payload)
		if _, err := ParseWebhookPayload(string(b)); err == nil {
			t.Fatal("expected error for missing table")
		}
	})

	t.Run("insert without record", func(t *testing.T) {
		payload := makeTestPayload("conv-001")
		delete(payload, "record")
		b, _ := json.Marshal(payload)
		if _, err := ParseWebhookPayload(string(b)); err == nil {
			t.Fatal("expected error for missing record")
		}
	})
}

// ============================================================================
// WebhookReceiver
// ============================================================================

func TestNewWebhookReceiver(t *testing.T) {
	if _, err := NewWebhookReceiver("", zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestWebhookReceiverHandle(t *testing.T) {
	t.Run("delivers to matching stream only", func(t *testing.T) {
		wh := newTestReceiver(t)
		ctx := context.Background()

		match, _ := wh.Stream(ctx, MessagesTopic("conv-001"))
		other, _ := wh.Stream(ctx, MessagesTopic("conv-002"))
		defer match.Close()
		defer other.Close()

		body := makeTestPayloadString()
		status, _ := wh.Handle(body, SignWebhookBody([]byte(body), testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}

		nctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		ev, err := match.Next(nctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.Type != "INSERT" {
			t.Errorf("expected INSERT, got %q", ev.Type)
		}

		short, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel2()
		if _, err := other.Next(short); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected no event on other conversation, got %v", err)
		}
	})

	t.Run("rejects bad signature", func(t *testing.T) {
		wh := newTestReceiver(t)
		status, _ := wh.Handle(makeTestPayloadString(), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", status)
		}
	})

	t.Run("rejects malformed payload", func(t *testing.T) {
		wh := newTestReceiver(t)
		body := `{"type":"INSERT"}`
		status, _ := wh.Handle(body, SignWebhookBody([]byte(body), testSecret))
		if status != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", status)
		}
	})

	t.Run("closed receiver ends streams", func(t *testing.T) {
		wh := newTestReceiver(t)
		s, _ := wh.Stream(context.Background(), MessagesTopic("conv-001"))
		wh.Close()
		if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if _, err := wh.Stream(context.Background(), MessagesTopic("conv-001")); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed from Stream, got %v", err)
		}
	})
}

func TestWebhookReceiverHTTPHandler(t *testing.T) {
	wh := newTestReceiver(t)
	srv := httptest.NewServer(wh.HTTPHandler())
	defer srv.Close()

	t.Run("valid POST", func(t *testing.T) {
		body := makeTestPayloadString()
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		req.Header.Set(SignatureHeader, SignWebhookBody([]byte(body), testSecret))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var out map[string]any
		json.NewDecoder(resp.Body).Decode(&out)
		if out["ok"] != true {
			t.Errorf("expected ok=true, got %v", out)
		}
	})

	t.Run("GET not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", resp.StatusCode)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(makeTestPayloadString()))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})
}
