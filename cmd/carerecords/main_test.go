package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	carerecords "github.com/care-records-pro/sdk/golang"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
		check   func(*Config) bool
	}{
		{"default.base_url", "https://records.example", false, func(c *Config) bool { return c.Default.BaseURL == "https://records.example" }},
		{"default.environment", "ward-3", false, func(c *Config) bool { return c.Default.Environment == "ward-3" }},
		{"sync.retry_ceiling", "5", false, func(c *Config) bool { return c.Sync.RetryCeiling == 5 }},
		{"sync.retry_ceiling", "0", true, nil},
		{"sync.retry_ceiling", "many", true, nil},
		{"sync.abandon_client_errors", "true", false, func(c *Config) bool { return c.Sync.AbandonClientErrors }},
		{"sync.abandon_client_errors", "sometimes", true, nil},
		{"sync.poll_interval", "45s", false, func(c *Config) bool { return c.Sync.PollInterval == "45s" }},
		{"sync.sync_interval", "-1s", true, nil},
		{"sync.request_timeout", "soon", true, nil},
		{"sync.listen_addr", ":9000", false, func(c *Config) bool { return c.Sync.ListenAddr == ":9000" }},
		{"sync.unknown", "x", true, nil},
		{"other.base_url", "x", true, nil},
		{"base_url", "x", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s=%s", tt.key, tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("value not applied: %+v", cfg)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	empty, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig without file: %v", err)
	}
	if empty.Default.BaseURL != "" {
		t.Errorf("expected zero config, got %+v", empty)
	}

	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://records.example", Environment: "clinic"},
		Sync:    ConfigSync{RetryCeiling: 4, SyncInterval: "2m"},
	}
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	got, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got.Default != cfg.Default || got.Sync != cfg.Sync {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestResolveSettings(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("defaults", func(t *testing.T) {
		s, err := resolveSettings(&Config{})
		if err != nil {
			t.Fatalf("resolveSettings: %v", err)
		}
		if s.BaseURL != carerecords.DefaultBaseURL {
			t.Errorf("BaseURL = %q", s.BaseURL)
		}
		if s.RetryCeiling != carerecords.DefaultRetryCeiling {
			t.Errorf("RetryCeiling = %d", s.RetryCeiling)
		}
		if s.SyncInterval != carerecords.DefaultSyncInterval {
			t.Errorf("SyncInterval = %s", s.SyncInterval)
		}
		if s.ListenAddr != defaultListenAddr {
			t.Errorf("ListenAddr = %q", s.ListenAddr)
		}
		if !strings.HasSuffix(s.DBPath, filepath.Join(".carerecords", "offline.db")) {
			t.Errorf("DBPath = %q", s.DBPath)
		}
	})

	cfg := &Config{
		Default: ConfigDefault{BaseURL: "http://file.example"},
		Sync:    ConfigSync{RetryCeiling: 7, PollInterval: "45s"},
	}

	t.Run("file over default", func(t *testing.T) {
		s, err := resolveSettings(cfg)
		if err != nil {
			t.Fatalf("resolveSettings: %v", err)
		}
		if s.BaseURL != "http://file.example" || s.RetryCeiling != 7 || s.PollInterval != 45*time.Second {
			t.Errorf("file values not applied: %+v", s)
		}
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("CARERECORDS_BASE_URL", "http://env.example")
		t.Setenv("CARERECORDS_RETRY_CEILING", "2")
		s, err := resolveSettings(cfg)
		if err != nil {
			t.Fatalf("resolveSettings: %v", err)
		}
		if s.BaseURL != "http://env.example" || s.RetryCeiling != 2 {
			t.Errorf("env values not applied: %+v", s)
		}
	})

	t.Run("flag over env", func(t *testing.T) {
		t.Setenv("CARERECORDS_BASE_URL", "http://env.example")
		flag := rootCmd.PersistentFlags().Lookup("base-url")
		if err := flag.Value.Set("http://flag.example"); err != nil {
			t.Fatal(err)
		}
		flag.Changed = true
		t.Cleanup(func() {
			flag.Value.Set("")
			flag.Changed = false
		})

		s, err := resolveSettings(cfg)
		if err != nil {
			t.Fatalf("resolveSettings: %v", err)
		}
		if s.BaseURL != "http://flag.example" {
			t.Errorf("BaseURL = %q, want flag value", s.BaseURL)
		}
	})

	t.Run("invalid retry ceiling", func(t *testing.T) {
		t.Setenv("CARERECORDS_RETRY_CEILING", "0")
		if _, err := resolveSettings(cfg); err == nil {
			t.Error("expected error for retry ceiling 0")
		}
	})
}

func TestParseBloodPressure(t *testing.T) {
	tests := []struct {
		in       string
		sys, dia int
		wantErr  bool
	}{
		{"120/80", 120, 80, false},
		{" 135 / 90 ", 135, 90, false},
		{"", 0, 0, false},
		{"120", 0, 0, true},
		{"high/low", 0, 0, true},
	}
	for _, tt := range tests {
		sys, dia, err := parseBloodPressure(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseBloodPressure(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if sys != tt.sys || dia != tt.dia {
			t.Errorf("parseBloodPressure(%q) = %d/%d, want %d/%d", tt.in, sys, dia, tt.sys, tt.dia)
		}
	}
}

func TestParseMedication(t *testing.T) {
	med, err := parseMedication("Amoxicillin | 500mg | 3x daily | 7 days | after meals")
	if err != nil {
		t.Fatalf("parseMedication: %v", err)
	}
	want := carerecords.Medication{Name: "Amoxicillin", Dosage: "500mg", Frequency: "3x daily", Duration: "7 days", Instructions: "after meals"}
	if med != want {
		t.Errorf("got %+v, want %+v", med, want)
	}

	short, err := parseMedication("Paracetamol|500mg|as needed")
	if err != nil {
		t.Fatalf("parseMedication: %v", err)
	}
	if short.Duration != "" || short.Instructions != "" {
		t.Errorf("optional parts should be empty: %+v", short)
	}

	for _, bad := range []string{"Paracetamol", "Paracetamol|500mg", "|500mg|daily", "a|b|c|d|e|f"} {
		if _, err := parseMedication(bad); err == nil {
			t.Errorf("parseMedication(%q): expected error", bad)
		}
	}
}

func TestParseLocalTime(t *testing.T) {
	want := time.Date(2026, 4, 3, 9, 0, 0, 0, time.Local).UTC()
	for _, in := range []string{"2026-04-03 09:00", "2026-04-03T09:00", "2026-04-03 09:00:00"} {
		got, err := parseLocalTime(in)
		if err != nil || !got.Equal(want) {
			t.Errorf("parseLocalTime(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	got, err := parseLocalTime("2026-04-03T09:00:00+02:00")
	if err != nil || !got.Equal(time.Date(2026, 4, 3, 7, 0, 0, 0, time.UTC)) {
		t.Errorf("expected explicit offset to win, got %v err=%v", got, err)
	}
	if _, err := parseLocalTime("tomorrow"); err == nil {
		t.Error("expected error")
	}
}

func TestParseExportKind(t *testing.T) {
	for _, k := range carerecords.ExportKinds {
		if got, err := parseExportKind(string(k)); err != nil || got != k {
			t.Errorf("parseExportKind(%q) = %q, %v", k, got, err)
		}
	}
	if _, err := parseExportKind("xml"); err == nil {
		t.Error("expected error")
	}
}

// newTestAgent wires an agent against backend with a throwaway store.
func newTestAgent(t *testing.T, backend *httptest.Server) (*agent, http.Handler) {
	t.Helper()
	s := &settings{
		BaseURL:        backend.URL,
		DBPath:         filepath.Join(t.TempDir(), "offline.db"),
		LogFormat:      "json",
		LogLevel:       "error",
		RetryCeiling:   3,
		PollInterval:   time.Minute,
		RequestTimeout: 2 * time.Second,
		SyncInterval:   time.Minute,
		WebhookSecret:  "s3cret",
		ListenAddr:     "127.0.0.1:0",
	}
	reg := prometheus.NewRegistry()
	sess := openSession(s, carerecords.NewSyncMetrics(reg))
	t.Cleanup(sess.Close)

	a := &agent{sess: sess, started: time.Now()}
	e, err := newAgentServer(a, reg)
	if err != nil {
		t.Fatalf("newAgentServer: %v", err)
	}
	return a, e
}

func serve(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAgentEndpoints(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	a, h := newTestAgent(t, backend)
	ctx := context.Background()

	rec := serve(h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	if _, err := a.sess.offline.Enqueue(ctx, "/api/patients", carerecords.MethodCreate, nil, `{"usn":"U1"}`); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var status agentStatus
	rec = serve(h, http.MethodGet, "/status", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v (%s)", err, rec.Body.String())
	}
	if status.Pending != 1 || status.Feed != "disabled" || status.State != carerecords.StateChecking {
		t.Errorf("unexpected status: %+v", status)
	}

	var result carerecords.SyncResult
	rec = serve(h, http.MethodPost, "/sync", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode sync result: %v (%s)", err, rec.Body.String())
	}
	if result.Success != 1 || result.Failed != 0 {
		t.Errorf("sync result = %+v, want one success", result)
	}

	rec = serve(h, http.MethodGet, "/status", "", nil)
	status = agentStatus{}
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Pending != 0 {
		t.Errorf("pending after sync = %d", status.Pending)
	}

	rec = serve(h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	for _, name := range []string{"carerecords_changes_enqueued_total 1", "carerecords_changes_applied_total 1", "carerecords_pending_changes 0"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestAgentWebhook(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	a, h := newTestAgent(t, backend)

	body := `{"source":"care_records","event":"entity.changed","key":"patients/U1","data":{"usn":"U1"},"updatedAt":"2026-01-02T03:04:05Z"}`

	rec := serve(h, http.MethodPost, "/hooks/changes", body, map[string]string{
		carerecords.WebhookSignatureHeader: "sha256=deadbeef",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: status %d, want 401", rec.Code)
	}

	rec = serve(h, http.MethodPost, "/hooks/changes", body, map[string]string{
		carerecords.WebhookSignatureHeader: carerecords.SignWebhookBody(body, "s3cret"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signed webhook: %d %s", rec.Code, rec.Body.String())
	}

	cached, ok, err := a.sess.offline.CachedEntity(context.Background(), "patients/U1")
	if err != nil || !ok {
		t.Fatalf("CachedEntity: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(string(cached.Data), `"U1"`) {
		t.Errorf("cached data = %s", cached.Data)
	}
}
