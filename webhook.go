package agentdesk

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Agentdesk-Signature"

// maxWebhookBody bounds a single webhook delivery.
const maxWebhookBody = 4 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
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

// ParseWebhookEvents decodes a delivery body. A body is either one envelope
// or a JSON array of envelopes; unknown types are skipped.
func ParseWebhookEvents(body []byte) ([]Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON in webhook body")
	}
	root := gjson.ParseBytes(body)

	var raws []string
	if root.IsArray() {
		for _, item := range root.Array() {
			raws = append(raws, item.Raw)
		}
	} else {
		raws = []string{root.Raw}
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("empty webhook batch")
	}

	events := make([]Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := DecodeEvent([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("envelope %d: %w", i, err)
		}
		transportMessages.WithLabelValues("webhook", string(ev.Type)).Inc()
		if !ev.Type.Known() {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver accepts signed push deliveries over HTTP and hands each
// event to a single handler, the same way the socket transports do.
type WebhookReceiver struct {
	secret  string
	handler EventHandler
	logger  zerolog.Logger
}

// NewWebhookReceiver creates a receiver. The secret is required.
func NewWebhookReceiver(secret string, handler EventHandler, logger zerolog.Logger) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &WebhookReceiver{
		secret:  secret,
		handler: handler,
		logger:  logger,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a delivery (verify, parse, dispatch).
// Returns the status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	events, err := ParseWebhookEvents([]byte(body))
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	for _, ev := range events {
		w.handler(ev)
	}
	w.logger.Debug().Int("events", len(events)).Msg("webhook delivery accepted")
	return http.StatusOK, map[string]any{"ok": true, "accepted": len(events)}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := agentdesk.NewWebhookReceiver("secret", engine.HandleEvent, logger)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *WebhookReceiver) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
