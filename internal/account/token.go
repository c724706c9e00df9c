package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yansir/cc-relay/internal/config"
)

const (
	claudeTokenURL = "https://console.anthropic.com/v1/oauth/token"
	claudeClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	googleTokenURL = "https://oauth2.googleapis.com/token"

	// Refresh this far before expiry so a token never dies mid-request.
	refreshLookahead = 10 * time.Second
)

// ErrInvalidGrant means the refresh token itself was rejected. The
// account cannot recover without operator action.
var ErrInvalidGrant = errors.New("refresh token rejected")

// ClientProvider supplies the HTTP client for an account, honoring its
// proxy configuration.
type ClientProvider interface {
	ClientFor(proxy *config.ProxyConfig) (*http.Client, error)
}

// TokenManager resolves the upstream credential for an account. Static
// API-key accounts pass through; OAuth accounts get a cached access
// token refreshed via singleflight so concurrent requests trigger at
// most one refresh per account.
type TokenManager struct {
	registry *Registry
	clients  ClientProvider
	logger   *slog.Logger
	sf       singleflight.Group

	// Overridable in tests.
	claudeTokenURL string
	googleTokenURL string
}

func NewTokenManager(registry *Registry, clients ClientProvider, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		registry:       registry,
		clients:        clients,
		logger:         logger,
		claudeTokenURL: claudeTokenURL,
		googleTokenURL: googleTokenURL,
	}
}

// AccessToken returns a credential valid for at least refreshLookahead.
func (tm *TokenManager) AccessToken(ctx context.Context, acct *Account) (string, error) {
	if !acct.IsOAuth() {
		return acct.APIKey, nil
	}

	if token, exp := tm.registry.Token(acct.ID); token != "" && time.Until(exp) > refreshLookahead {
		return token, nil
	}

	v, err, _ := tm.sf.Do(acct.ID, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// refreshed while this one queued.
		if token, exp := tm.registry.Token(acct.ID); token != "" && time.Until(exp) > refreshLookahead {
			return token, nil
		}
		return tm.refresh(ctx, acct)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (tm *TokenManager) refresh(ctx context.Context, acct *Account) (string, error) {
	tm.logger.Info("refreshing oauth token", "account", acct.ID, "kind", acct.Kind)

	var (
		resp *tokenResponse
		err  error
	)
	switch acct.Kind {
	case config.KindClaudeOAuth:
		resp, err = tm.refreshClaude(ctx, acct)
	case config.KindGemini:
		resp, err = tm.refreshGemini(ctx, acct)
	default:
		return "", fmt.Errorf("account %s: kind %s has no refresh flow", acct.ID, acct.Kind)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			tm.registry.MarkUnavailable(acct.ID, "invalid refresh token")
			tm.logger.Error("refresh token rejected, account removed from rotation", "account", acct.ID)
		} else {
			tm.logger.Error("token refresh failed", "account", acct.ID, "error", err)
		}
		return "", err
	}

	expiry := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	tm.registry.SetToken(acct.ID, resp.AccessToken, expiry)
	if resp.RefreshToken != "" {
		tm.registry.UpdateRefreshToken(acct.ID, resp.RefreshToken)
	}
	tm.logger.Info("token refreshed", "account", acct.ID, "expires_in", resp.ExpiresIn)
	return resp.AccessToken, nil
}

// refreshClaude exchanges the refresh token at the Anthropic console
// OAuth endpoint using the public CLI client id.
func (tm *TokenManager) refreshClaude(ctx context.Context, acct *Account) (*tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": acct.RefreshToken,
		"client_id":     claudeClientID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.claudeTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return tm.doTokenRequest(acct, req)
}

// refreshGemini exchanges the refresh token at the Google OAuth
// endpoint. Client credentials come from the environment so operators
// can supply their own OAuth app.
func (tm *TokenManager) refreshGemini(ctx context.Context, acct *Account) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", acct.RefreshToken)
	form.Set("client_id", envOr("GEMINI_OAUTH_CLIENT_ID", ""))
	form.Set("client_secret", envOr("GEMINI_OAUTH_CLIENT_SECRET", ""))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.googleTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return tm.doTokenRequest(acct, req)
}

func (tm *TokenManager) doTokenRequest(acct *Account, req *http.Request) (*tokenResponse, error) {
	client, err := tm.clients.ClientFor(acct.Proxy)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", acct.ID, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if isInvalidGrant(resp.StatusCode, respBody) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, truncate(respBody, 200))
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tr, nil
}

func isInvalidGrant(status int, body []byte) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}
	return bytes.Contains(body, []byte("invalid_grant"))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
