package account

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yansir/cc-relay/internal/config"
)

type directClients struct{}

func (directClients) ClientFor(*config.ProxyConfig) (*http.Client, error) {
	return http.DefaultClient, nil
}

func newTestManager(t *testing.T, tokenURL string) (*TokenManager, *Registry) {
	t.Helper()
	reg := NewRegistry([]config.AccountConfig{
		{Type: config.KindClaudeOAuth, ID: "oauth-1", RefreshToken: "rt-initial"},
		{Type: config.KindClaudeAPI, ID: "api-1", APIKey: "sk-static"},
		{Type: config.KindGemini, ID: "gem-1", RefreshToken: "rt-gem"},
	})
	tm := NewTokenManager(reg, directClients{}, slog.New(slog.DiscardHandler))
	tm.claudeTokenURL = tokenURL
	tm.googleTokenURL = tokenURL
	return tm, reg
}

func TestAccessTokenStaticKeyPassthrough(t *testing.T) {
	tm, reg := newTestManager(t, "http://unreachable.invalid")
	a, _ := reg.Get("api-1")

	token, err := tm.AccessToken(context.Background(), a)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "sk-static" {
		t.Errorf("token = %q", token)
	}
}

func TestAccessTokenRefreshesAndCaches(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		if body["grant_type"] != "refresh_token" || body["refresh_token"] != "rt-initial" {
			t.Errorf("unexpected refresh body: %s", data)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-rotated",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	tm, reg := newTestManager(t, srv.URL)
	a, _ := reg.Get("oauth-1")

	token, err := tm.AccessToken(context.Background(), a)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "at-1" {
		t.Errorf("token = %q", token)
	}

	// Second call hits the cache.
	if _, err := tm.AccessToken(context.Background(), a); err != nil {
		t.Fatalf("AccessToken (cached): %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
	if a.RefreshToken != "rt-rotated" {
		t.Errorf("refresh token not rotated: %q", a.RefreshToken)
	}
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-shared",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	tm, reg := newTestManager(t, srv.URL)
	a, _ := reg.Get("oauth-1")

	const n = 10
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = tm.AccessToken(context.Background(), a)
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if tokens[i] != "at-shared" {
			t.Errorf("goroutine %d token = %q", i, tokens[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want exactly 1", got)
	}
}

func TestInvalidGrantMarksUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	tm, reg := newTestManager(t, srv.URL)
	a, _ := reg.Get("oauth-1")

	_, err := tm.AccessToken(context.Background(), a)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
	if reg.Available("oauth-1", time.Now()) {
		t.Error("account should be marked permanently unavailable")
	}
}

func TestTransientRefreshFailureDoesNotDisable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`upstream hiccup`))
	}))
	defer srv.Close()

	tm, reg := newTestManager(t, srv.URL)
	a, _ := reg.Get("oauth-1")

	if _, err := tm.AccessToken(context.Background(), a); err == nil {
		t.Fatal("expected error")
	}
	if !reg.Available("oauth-1", time.Now()) {
		t.Error("transient failure must not disable the account")
	}
}

func TestGeminiRefreshUsesForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content-type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("refresh_token") != "rt-gem" {
			t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-gem",
			"expires_in":   1800,
		})
	}))
	defer srv.Close()

	tm, reg := newTestManager(t, srv.URL)
	a, _ := reg.Get("gem-1")

	token, err := tm.AccessToken(context.Background(), a)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "at-gem" {
		t.Errorf("token = %q", token)
	}
}
