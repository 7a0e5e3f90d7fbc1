package carerecords

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
	"time"
)

const (
	WebhookSource          = "care_records"
	WebhookSignatureHeader = "X-CareRecords-Signature"
)

// ============================================================================
// Webhook Types
// ============================================================================

// ChangeNotification is a signed entity change POSTed by the records server.
type ChangeNotification struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// WebhookReply is an optional reply from a webhook handler.
type WebhookReply struct {
	Key     string `json:"key"`
	Applied bool   `json:"applied"`
}

// WebhookHandlerFunc is the callback signature for handling change notifications.
type WebhookHandlerFunc func(ctx context.Context, n *ChangeNotification) (*WebhookReply, error)

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies an HMAC-SHA256 webhook signature in
// constant time. The "sha256=" prefix is optional.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseChangeNotification parses and validates a raw webhook body.
func ParseChangeNotification(body string) (*ChangeNotification, error) {
	var n ChangeNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if n.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", n.Source)
	}
	switch n.Event {
	case "":
		return nil, fmt.Errorf("missing event field in webhook payload")
	case FeedEventEntityChanged, FeedEventEntityDeleted:
	default:
		return nil, fmt.Errorf("unsupported webhook event: %s", n.Event)
	}
	if n.Key == "" {
		return nil, fmt.Errorf("missing key in webhook payload")
	}
	if n.Event == FeedEventEntityChanged && len(n.Data) == 0 {
		return nil, fmt.Errorf("missing data for %s", n.Event)
	}
	return &n, nil
}

// CacheWebhookHandler applies notifications to offline's cache: changes are
// cached newest-wins, deletions drop the cached copy.
func CacheWebhookHandler(offline *OfflineManager) WebhookHandlerFunc {
	return func(ctx context.Context, n *ChangeNotification) (*WebhookReply, error) {
		if n.Event == FeedEventEntityDeleted {
			if err := offline.DeleteCachedEntity(ctx, n.Key); err != nil {
				return nil, err
			}
			return &WebhookReply{Key: n.Key, Applied: true}, nil
		}
		at := n.UpdatedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		applied, err := offline.CacheEntity(ctx, n.Key, n.Data, at)
		if err != nil {
			return nil, err
		}
		return &WebhookReply{Key: n.Key, Applied: applied}, nil
	}
}

// ============================================================================
// ChangeWebhook
// ============================================================================

// ChangeWebhook handles change notification verification, parsing, and
// dispatch.
type ChangeWebhook struct {
	secret   string
	onChange WebhookHandlerFunc
}

// NewChangeWebhook creates a new webhook handler.
func NewChangeWebhook(secret string, onChange WebhookHandlerFunc) (*ChangeWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &ChangeWebhook{
		secret:   secret,
		onChange: onChange,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *ChangeWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a ChangeNotification.
func (w *ChangeWebhook) Parse(body string) (*ChangeNotification, error) {
	return ParseChangeNotification(body)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *ChangeWebhook) Handle(ctx context.Context, body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	n, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	reply, err := w.onChange(ctx, n)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	if reply != nil {
		return http.StatusOK, reply
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := carerecords.NewChangeWebhook("secret", carerecords.CacheWebhookHandler(offline))
//	http.Handle("/hooks/changes", wh.HTTPHandler())
func (w *ChangeWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(r.Context(), string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
