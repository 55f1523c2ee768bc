package agentdesk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestPayload() map[string]any {
	return map[string]any{
		"type": "ACTIVITY",
		"message": map[string]any{
			"id":             "act-001",
			"type":           "message",
			"conversationId": "conv-001",
			"timestamp":      "2026-01-01T00:00:00Z",
			"from":           map[string]any{"id": "user-001", "type": "user"},
			"data":           map[string]any{"text": "Hello from test"},
		},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

func newTestReceiver(t *testing.T, handler EventHandler) *WebhookReceiver {
	t.Helper()
	if handler == nil {
		handler = func(Event) {}
	}
	wh, err := NewWebhookReceiver(testSecret, handler, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return wh
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
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
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseWebhookEvents
// ============================================================================

func TestParseWebhookEvents(t *testing.T) {
	t.Run("single envelope", func(t *testing.T) {
		events, err := ParseWebhookEvents([]byte(makeTestPayloadString()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if events[0].Type != EventActivity {
			t.Fatalf("expected ACTIVITY, got %s", events[0].Type)
		}
		if events[0].ConversationID != "conv-001" {
			t.Fatalf("expected conversation conv-001, got %s", events[0].ConversationID)
		}
	})

	t.Run("batch skips unknown types", func(t *testing.T) {
		body := `[
			{"type":"CONVERSATION_TAGS_UPDATED","message":{"id":"conv-002","tags":[]}},
			{"type":"TYPING","message":{"id":"conv-002"}},
			{"type":"ACTIVITY_ACK","message":{"conversationId":"conv-002","activityId":"a1","ack":2}}
		]`
		events, err := ParseWebhookEvents([]byte(body))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		for _, ev := range events {
			if ev.ConversationID != "conv-002" {
				t.Fatalf("unexpected conversation: %s", ev.ConversationID)
			}
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookEvents([]byte("not json")); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := ParseWebhookEvents([]byte("[]"))
		if err == nil || !strings.Contains(err.Error(), "empty webhook batch") {
			t.Fatalf("expected empty batch error, got: %v", err)
		}
	})

	t.Run("missing message", func(t *testing.T) {
		_, err := ParseWebhookEvents([]byte(`{"type":"ACTIVITY"}`))
		if err == nil || !strings.Contains(err.Error(), "without message") {
			t.Fatalf("expected missing message error, got: %v", err)
		}
	})
}

// ============================================================================
// NewWebhookReceiver
// ============================================================================

func TestNewWebhookReceiver(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewWebhookReceiver("", func(Event) {}, zerolog.Nop()); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		if _, err := NewWebhookReceiver(testSecret, nil, zerolog.Nop()); err == nil {
			t.Fatal("expected error for nil handler")
		}
	})

	t.Run("valid creation", func(t *testing.T) {
		if wh := newTestReceiver(t, nil); wh == nil {
			t.Fatal("expected non-nil receiver")
		}
	})
}

// ============================================================================
// WebhookReceiver.Handle
// ============================================================================

func TestWebhookReceiverHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		wh := newTestReceiver(t, nil)
		status, data := wh.Handle(makeTestPayloadString(), "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh := newTestReceiver(t, nil)
		body := `{"type": "ACTIVITY"}`
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("events handed to handler", func(t *testing.T) {
		var received []Event
		wh := newTestReceiver(t, func(ev Event) { received = append(received, ev) })
		body := makeTestPayloadString()
		status, data := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		m := data.(map[string]any)
		if m["ok"] != true || m["accepted"] != 1 {
			t.Fatalf("unexpected response: %v", m)
		}
		if len(received) != 1 || received[0].Type != EventActivity {
			t.Fatalf("unexpected events: %+v", received)
		}
	})
}

// ============================================================================
// WebhookReceiver.HTTPHandler
// ============================================================================

func TestWebhookReceiverHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh := newTestReceiver(t, nil)
		req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh := newTestReceiver(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(makeTestPayloadString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		var received *Event
		wh := newTestReceiver(t, func(ev Event) { received = &ev })
		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandlerFunc()(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
		if received == nil {
			t.Fatal("handler was not called")
		}
		var act Activity
		if err := json.Unmarshal(received.Message, &act); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d, ok := act.Data.(MessageData); !ok || d.Text != "Hello from test" {
			t.Fatalf("unexpected activity data: %+v", act.Data)
		}
	})
}
