// Package auth validates client API keys against the configured
// allowlist and tags each request with a stable key hash for usage
// attribution.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const keyHashKey contextKey = "clientKeyHash"

// Middleware authenticates requests against a static key allowlist.
// An empty allowlist disables authentication, for local single-user
// deployments.
type Middleware struct {
	keys   []string
	logger *slog.Logger
}

func NewMiddleware(keys []string, logger *slog.Logger) *Middleware {
	return &Middleware{keys: keys, logger: logger}
}

// Authenticate wraps a handler with API key validation. The client key
// hash (or "anonymous" when auth is disabled) is attached to the
// request context for usage attribution.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)

		if len(m.keys) > 0 {
			if key == "" {
				writeError(w, http.StatusUnauthorized, "authentication_error", "missing API key")
				return
			}
			if !m.keyAllowed(key) {
				m.logger.Warn("rejected client key", "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
				return
			}
		}

		ctx := context.WithValue(r.Context(), keyHashKey, HashKey(key))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) keyAllowed(key string) bool {
	for _, k := range m.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// HashKey returns the SHA-256 hex digest of a client key, or the
// literal "anonymous" for requests that carried none.
func HashKey(key string) string {
	if key == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ClientKeyHash reads the attribution hash set by Authenticate.
func ClientKeyHash(ctx context.Context) string {
	if v, ok := ctx.Value(keyHashKey).(string); ok {
		return v
	}
	return "anonymous"
}

// extractAPIKey checks Authorization: Bearer first, then the Anthropic
// and OpenAI style key headers.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("api-key"); key != "" {
		return key
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
