package carerecords

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
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
		"source":    "care_records",
		"event":     "entity.changed",
		"key":       "patients/U100",
		"data":      map[string]any{"usn": "U100", "fullName": "Asha Rao", "age": 42, "gender": "F"},
		"updatedAt": "2026-01-01T00:00:00Z",
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

func noopHandler(context.Context, *ChangeNotification) (*WebhookReply, error) { return nil, nil }

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

	t.Run("matches SignWebhookBody", func(t *testing.T) {
		body := makeTestPayloadString()
		if got, want := SignWebhookBody(body, testSecret), makeTestSignature(body, testSecret); got != want {
			t.Fatalf("expected %s, got %s", want, got)
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
// ParseChangeNotification
// ============================================================================

func TestParseChangeNotification(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		n, err := ParseChangeNotification(makeTestPayloadString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n.Event != "entity.changed" {
			t.Fatalf("expected event entity.changed, got %s", n.Event)
		}
		if n.Key != "patients/U100" {
			t.Fatalf("expected key patients/U100, got %s", n.Key)
		}
		if !n.UpdatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected updatedAt: %v", n.UpdatedAt)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseChangeNotification("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	cases := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"unknown source", func(d map[string]any) { d["source"] = "unknown" }, "unknown webhook source"},
		{"missing event", func(d map[string]any) { d["event"] = "" }, "missing event"},
		{"unsupported event", func(d map[string]any) { d["event"] = "entity.renamed" }, "unsupported webhook event"},
		{"missing key", func(d map[string]any) { d["key"] = "" }, "missing key"},
		{"changed without data", func(d map[string]any) { delete(d, "data") }, "missing data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := makeTestPayload()
			tc.mutate(data)
			b, _ := json.Marshal(data)
			_, err := ParseChangeNotification(string(b))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got: %v", tc.want, err)
			}
		})
	}

	t.Run("deleted without data", func(t *testing.T) {
		data := makeTestPayload()
		data["event"] = "entity.deleted"
		delete(data, "data")
		b, _ := json.Marshal(data)
		if _, err := ParseChangeNotification(string(b)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

// ============================================================================
// NewChangeWebhook
// ============================================================================

func TestNewChangeWebhook(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewChangeWebhook("", noopHandler); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("valid creation", func(t *testing.T) {
		wh, err := NewChangeWebhook(testSecret, noopHandler)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wh == nil {
			t.Fatal("expected non-nil webhook")
		}
	})
}

// ============================================================================
// ChangeWebhook.Handle
// ============================================================================

func TestChangeWebhookHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := NewChangeWebhook(testSecret, noopHandler)
		status, data := wh.Handle(ctx, makeTestPayloadString(), "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewChangeWebhook(testSecret, noopHandler)
		body := `{"source": "unknown"}`
		status, _ := wh.Handle(ctx, body, makeTestSignature(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("success void", func(t *testing.T) {
		wh, _ := NewChangeWebhook(testSecret, noopHandler)
		body := makeTestPayloadString()
		status, data := wh.Handle(ctx, body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		m := data.(map[string]bool)
		if !m["ok"] {
			t.Fatal("expected ok:true")
		}
	})

	t.Run("handler error", func(t *testing.T) {
		wh, _ := NewChangeWebhook(testSecret, func(context.Context, *ChangeNotification) (*WebhookReply, error) {
			return nil, fmt.Errorf("Something broke")
		})
		body := makeTestPayloadString()
		status, data := wh.Handle(ctx, body, makeTestSignature(body, testSecret))
		if status != 500 {
			t.Fatalf("expected 500, got %d", status)
		}
		m := data.(map[string]string)
		if !strings.Contains(m["error"], "Something broke") {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})
}

func TestCacheWebhookHandler(t *testing.T) {
	ctx := context.Background()
	offline := NewOfflineManager(NewMemoryStore(), NewClient("http://127.0.0.1:1"), nil)
	wh, _ := NewChangeWebhook(testSecret, CacheWebhookHandler(offline))

	t.Run("change is cached", func(t *testing.T) {
		body := makeTestPayloadString()
		status, data := wh.Handle(ctx, body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		if reply := data.(*WebhookReply); !reply.Applied {
			t.Fatal("expected change to be applied")
		}
		entity, ok, err := offline.CachedEntity(ctx, "patients/U100")
		if err != nil || !ok {
			t.Fatalf("expected cached entity, ok=%v err=%v", ok, err)
		}
		var p Patient
		if err := json.Unmarshal(entity.Data, &p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.FullName != "Asha Rao" {
			t.Fatalf("unexpected patient: %+v", p)
		}
	})

	t.Run("older change is ignored", func(t *testing.T) {
		data := makeTestPayload()
		data["updatedAt"] = "2025-06-01T00:00:00Z"
		data["data"] = map[string]any{"usn": "U100", "fullName": "Stale Name"}
		b, _ := json.Marshal(data)
		body := string(b)
		status, reply := wh.Handle(ctx, body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		if reply.(*WebhookReply).Applied {
			t.Fatal("expected older change to be rejected")
		}
	})

	t.Run("delete drops the cached copy", func(t *testing.T) {
		data := makeTestPayload()
		data["event"] = "entity.deleted"
		delete(data, "data")
		b, _ := json.Marshal(data)
		body := string(b)
		if status, _ := wh.Handle(ctx, body, makeTestSignature(body, testSecret)); status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		if _, ok, _ := offline.CachedEntity(ctx, "patients/U100"); ok {
			t.Fatal("expected cached entity to be removed")
		}
	})
}

// ============================================================================
// ChangeWebhook.HTTPHandler
// ============================================================================

func TestChangeWebhookHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewChangeWebhook(testSecret, noopHandler)
		req := httptest.NewRequest(http.MethodGet, "/hooks/changes", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := NewChangeWebhook(testSecret, noopHandler)
		req := httptest.NewRequest(http.MethodPost, "/hooks/changes", strings.NewReader(makeTestPayloadString()))
		req.Header.Set(WebhookSignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("reply returned", func(t *testing.T) {
		wh, _ := NewChangeWebhook(testSecret, func(_ context.Context, n *ChangeNotification) (*WebhookReply, error) {
			return &WebhookReply{Key: n.Key, Applied: true}, nil
		})
		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/hooks/changes", strings.NewReader(body))
		req.Header.Set(WebhookSignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		respBody, _ := io.ReadAll(w.Body)
		var result map[string]any
		json.Unmarshal(respBody, &result)
		if result["key"] != "patients/U100" {
			t.Fatalf("unexpected key: %v", result["key"])
		}
		if result["applied"] != true {
			t.Fatalf("unexpected applied: %v", result["applied"])
		}
	})
}
