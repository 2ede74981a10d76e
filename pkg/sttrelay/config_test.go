package sttrelay

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/sttrelay/pkg/metrics"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.WebsocketPath != "/listen" || cfg.Server.HealthPath != "/health" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Provider.BaseURL != "wss://api.deepgram.com/v1/listen" || cfg.Provider.Name != "deepgram" {
		t.Fatalf("unexpected provider defaults %+v", cfg.Provider)
	}
	if cfg.ConnectTimeout() != 10*time.Second || cfg.DrainTimeout() != 10*time.Second {
		t.Fatalf("unexpected timeouts %v %v", cfg.ConnectTimeout(), cfg.DrainTimeout())
	}
	if !cfg.Privacy.RedactPII || cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("unexpected ambient defaults %+v", cfg)
	}
	if cfg.ProviderDefaults().Get("encoding") != "mulaw" {
		t.Fatalf("expected built-in parameter table")
	}
}

func TestLoadConfigFileAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_DG_KEY", "dg-from-env")
	t.Setenv("TEST_TWILIO_TOKEN", "tw-token")
	path := writeConfig(t, `
server:
  addr: ":9090"
  allowed_origins: ["https://app.example.com"]
provider:
  api_key: "${TEST_DG_KEY}"
  connect_timeout_ms: 0
  defaults:
    encoding: linear16
    sample_rate: "16000"
log_level: DEBUG
log_format: json
telephony:
  provider: twilio
  settings:
    account_sid: AC1
    auth_token: "${TEST_TWILIO_TOKEN}"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || len(cfg.Server.AllowedOrigins) != 1 {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Provider.APIKey != "dg-from-env" {
		t.Fatalf("expected expanded api key, got %q", cfg.Provider.APIKey)
	}
	if cfg.ConnectTimeout() != 0 {
		t.Fatalf("expected disabled connect timeout")
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected logging config %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	d := cfg.ProviderDefaults()
	if d.Get("encoding") != "linear16" || d.Get("sample_rate") != "16000" || d.Get("model") != "nova-3" {
		t.Fatalf("unexpected defaults %v", d)
	}
	if cfg.Telephony.Settings["auth_token"] != "tw-token" {
		t.Fatalf("expected expanded telephony settings, got %v", cfg.Telephony.Settings)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("validate serve: %v", err)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("STTRELAY_SERVER_ADDR", ":7070")
	t.Setenv("STTRELAY_PROVIDER_CONNECT_TIMEOUT_MS", "2500")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" || cfg.ConnectTimeout() != 2500*time.Millisecond {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"provider.base_url":  "provider:\n  base_url: \"https://api.deepgram.com/v1/listen\"\n",
		"log_format":         "log_format: xml\n",
		"connect_timeout_ms": "provider:\n  connect_timeout_ms: -1\n",
		"frame_sample_rate":  "observability:\n  frame_sample_rate: 2\n",
	}
	for field, body := range cases {
		_, err := LoadConfig(writeConfig(t, body))
		if err == nil {
			t.Fatalf("%s: expected validation error", field)
		}
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("%s: error does not name the field: %v", field, err)
		}
	}
}

func TestValidateServeRequiresKey(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ValidateServe(); err == nil {
		t.Fatalf("expected missing api key error")
	}
}

func TestNewServerWiresTelephonyAndMetrics(t *testing.T) {
	path := writeConfig(t, `
provider:
  api_key: k
telephony:
  settings:
    account_sid: AC1
    auth_token: tok
observability:
  metrics_jsonl: "`+filepath.Join(t.TempDir(), "metrics.jsonl")+`"
  frame_sample_rate: 0.5
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	obs, err := NewObservability(cfg, nil)
	if err != nil {
		t.Fatalf("observability: %v", err)
	}
	metrics.Count(obs.Observer, metrics.EventSessionStarted, nil)
	srv, err := NewServer(cfg, nil, obs, nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "sttrelay_sessions_started_total 1") {
		t.Fatalf("expected prometheus series, got %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/telephony/status", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected unsigned webhook to be rejected, got %d", w.Code)
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(cfg.Observability.MetricsJSONL)
	if err != nil || !strings.Contains(string(data), metrics.EventSessionStarted) {
		t.Fatalf("expected jsonl event, got %q (%v)", data, err)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Provider.Name = "whisper"
	if _, _, err := DefaultRegistry().BuildSTT(cfg, nil); err == nil {
		t.Fatalf("expected unregistered provider error")
	}
	cfg.Telephony.Provider = "vonage"
	if _, _, err := DefaultRegistry().BuildTelephony(cfg, nil); err == nil {
		t.Fatalf("expected unregistered telephony error")
	}
}
