package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yansir/cc-relay/internal/account"
	"github.com/yansir/cc-relay/internal/config"
	"github.com/yansir/cc-relay/internal/session"
)

const (
	defaultClaudeURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// OAuth accounts must present the Claude Code beta set; haiku
	// models get the reduced one.
	betaHeaderFull  = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
	betaHeaderHaiku = "oauth-2025-04-20,interleaved-thinking-2025-05-14"

	// Request bodies larger than this are rejected outright.
	maxBodyBytes = 32 << 20
)

// clientHeaderAllowlist are the client headers forwarded verbatim to
// Anthropic so the request keeps looking like the CLI that sent it.
// x-stainless-* is matched as a prefix.
var clientHeaderAllowlist = []string{
	"anthropic-dangerous-direct-browser-access",
	"x-app",
	"user-agent",
	"accept-language",
	"sec-fetch-mode",
	"accept-encoding",
}

// HandleClaude serves Anthropic Messages requests against the Claude
// account pool.
func (d *Dispatcher) HandleClaude(w http.ResponseWriter, r *http.Request) {
	body, ok := d.readBody(w, r)
	if !ok {
		return
	}

	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	d.run(w, r, dispatch{
		provider:    account.ProviderClaude,
		sessionHash: session.Fingerprint(body),
		model:       model,
		stream:      stream,
		build:       claudeBuilder(body, r.Header, model, stream),
		extract:     claudeUsage,
	})
}

func claudeBuilder(body []byte, clientHeaders http.Header, model string, stream bool) buildFunc {
	return func(ctx context.Context, acct *account.Account, token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			claudeMessagesURL(acct.APIURL), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("anthropic-version", anthropicVersion)
		if stream {
			req.Header.Set("Accept", "text/event-stream")
		} else {
			req.Header.Set("Accept", "application/json")
		}

		if acct.Kind == config.KindClaudeOAuth {
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("anthropic-beta", betaHeaderFor(model))
		} else {
			req.Header.Set("x-api-key", token)
		}

		forwardClientHeaders(req.Header, clientHeaders)
		return req, nil
	}
}

// HandleCountTokens proxies token counting to the upstream API. A
// single attempt without failover: counting is advisory and cheap to
// retry client side.
func (d *Dispatcher) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, ok := d.readBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	model := gjson.GetBytes(body, "model").String()
	sel, err := d.scheduler.Select(ctx, account.ProviderClaude, session.Fingerprint(body), nil)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no available accounts")
		return
	}
	acct := sel.Account

	token, err := d.tokens.AccessToken(ctx, acct)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "api_error", "credential unavailable")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		claudeMessagesURL(acct.APIURL)+"/count_tokens", bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "could not build upstream request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if acct.Kind == config.KindClaudeOAuth {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("anthropic-beta", betaHeaderFor(model))
	} else {
		req.Header.Set("x-api-key", token)
	}

	client, err := d.transports.ClientFor(acct.Proxy)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "upstream client unavailable")
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		d.logger.Error("count_tokens upstream failed", "account", acct.ID, "error", err)
		writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		status, sanitized := SanitizeError(resp.StatusCode, respBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(sanitized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(respBody)
}

// claudeMessagesURL normalizes an account's custom base URL. Operators
// write the base in whichever form their relay vendor documents; all
// of these resolve to the messages endpoint:
//
//	https://host, https://host/v1, https://host/v1/messages
func claudeMessagesURL(base string) string {
	if base == "" {
		return defaultClaudeURL
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/v1/messages") {
		return base
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

func betaHeaderFor(model string) string {
	if strings.Contains(strings.ToLower(model), "haiku") {
		return betaHeaderHaiku
	}
	return betaHeaderFull
}

func forwardClientHeaders(dst, src http.Header) {
	for key, vals := range src {
		lower := strings.ToLower(key)
		if !allowedClientHeader(lower) {
			continue
		}
		for _, v := range vals {
			dst.Set(key, v)
		}
	}
}

func allowedClientHeader(lower string) bool {
	if strings.HasPrefix(lower, "x-stainless-") {
		return true
	}
	for _, allowed := range clientHeaderAllowlist {
		if lower == allowed {
			return true
		}
	}
	return false
}

// readBody slurps and bounds the request body, answering 400 on junk.
func (d *Dispatcher) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return nil, false
	}
	return body, true
}
