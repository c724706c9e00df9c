package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/yansir/cc-relay/internal/config"
	"github.com/yansir/cc-relay/internal/logging"
	"github.com/yansir/cc-relay/internal/store"
	"github.com/yansir/cc-relay/internal/transport"
)

func newTestServer(t *testing.T, apiKeys []string) *Server {
	t.Helper()

	cfg := &config.Config{
		APIKeys: apiKeys,
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         0,
			DatabasePath: filepath.Join(t.TempDir(), "test.db"),
			LogLevel:     "error",
		},
		Session: config.SessionConfig{
			StickyTTLSeconds:           3600,
			RenewalThresholdSeconds:    300,
			UnavailableCooldownSeconds: 3600,
		},
		Accounts: []config.AccountConfig{{
			Type:   config.KindClaudeAPI,
			ID:     "acct-1",
			APIKey: "sk-test",
		}},
	}

	db, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger, ring := logging.New(cfg.Server.LogLevel, 100)
	tm := transport.NewManager()
	t.Cleanup(tm.Close)

	return New(cfg, db, tm, ring, logger, "test")
}

func do(t *testing.T, s *Server, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "status").String() != "ok" {
		t.Errorf("body = %s", w.Body.String())
	}
	if w.Header().Get("x-request-id") == "" {
		t.Error("request id header missing")
	}
}

func TestRelayRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, []string{"secret-key"})

	for _, path := range []string{
		"/api/v1/messages",
		"/claude/v1/messages",
		"/v1/messages",
		"/openai/v1/chat/completions",
		"/openai/v1/responses",
		"/v1/responses",
	} {
		w := do(t, s, http.MethodPost, path, nil, `{}`)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s without key: status = %d, want 401", path, w.Code)
		}
	}

	// Health and model listings stay open.
	if w := do(t, s, http.MethodGet, "/api/v1/models", nil, ""); w.Code != http.StatusOK {
		t.Errorf("models with auth enabled: status = %d", w.Code)
	}
}

func TestModelListings(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/models", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("claude models status = %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "data.0.type").String() != "model" {
		t.Errorf("claude models body = %s", w.Body.String())
	}

	w = do(t, s, http.MethodGet, "/openai/v1/models", nil, "")
	if gjson.Get(w.Body.String(), "object").String() != "list" {
		t.Errorf("openai models body = %s", w.Body.String())
	}

	w = do(t, s, http.MethodGet, "/gemini/v1/models", nil, "")
	if !strings.HasPrefix(gjson.Get(w.Body.String(), "models.0.name").String(), "models/") {
		t.Errorf("gemini models body = %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, []string{"secret-key"})

	if w := do(t, s, http.MethodGet, "/metrics", nil, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("metrics without key: status = %d", w.Code)
	}

	w := do(t, s, http.MethodGet, "/metrics",
		map[string]string{"Authorization": "Bearer secret-key"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, body %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if gjson.Get(body, "accounts.0.id").String() != "acct-1" {
		t.Errorf("accounts = %s", gjson.Get(body, "accounts").Raw)
	}
	if !gjson.Get(body, "usage.totals").Exists() {
		t.Errorf("usage missing: %s", body)
	}
}

func TestTelemetrySinkAlwaysSucceeds(t *testing.T) {
	s := newTestServer(t, []string{"secret-key"})
	w := do(t, s, http.MethodPost, "/api/event_logging/batch", nil, `{"events": []}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !gjson.Get(w.Body.String(), "success").Bool() {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGeminiRouteRejectsUnknownMethod(t *testing.T) {
	s := newTestServer(t, nil)
	w := do(t, s, http.MethodPost, "/gemini/v1/models/gemini-2.5-pro:embedContent", nil,
		`{"contents": []}`)
	if w.Code != http.StatusBadRequest && w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want rejection", w.Code)
	}
}
