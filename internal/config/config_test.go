package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
api_keys = ["sk-test-1"]

[[accounts]]
type = "claude-oauth"
id = "acc-1"
name = "primary"
refresh_token = "rt-1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 3000 {
		t.Errorf("server defaults = %s:%d, want 127.0.0.1:3000", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.DatabasePath != "data/relay.db" {
		t.Errorf("database_path = %q", cfg.Server.DatabasePath)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Session.StickyTTLSeconds != 3600 || cfg.Session.RenewalThresholdSeconds != 300 || cfg.Session.UnavailableCooldownSeconds != 3600 {
		t.Errorf("session defaults = %+v", cfg.Session)
	}
	a := cfg.Accounts[0]
	if !a.IsEnabled() {
		t.Error("account should default to enabled")
	}
	if a.EffectivePriority() != 100 {
		t.Errorf("priority = %d, want default 100", a.EffectivePriority())
	}
}

func TestLoadPartialSessionOverride(t *testing.T) {
	path := writeConfig(t, `
[session]
sticky_ttl_seconds = 120

[[accounts]]
type = "claude-api"
id = "acc-1"
api_key = "sk-ant-1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.StickyTTLSeconds != 120 {
		t.Errorf("sticky_ttl_seconds = %d, want 120", cfg.Session.StickyTTLSeconds)
	}
	if cfg.Session.RenewalThresholdSeconds != 300 {
		t.Errorf("renewal_threshold_seconds = %d, want default 300", cfg.Session.RenewalThresholdSeconds)
	}
}

func TestLoadOpenAIResponsesAccount(t *testing.T) {
	path := writeConfig(t, `
[[accounts]]
type = "openai-responses"
id = "codex-1"
name = "codex"
priority = 50
api_key = "sk-oai"
api_url = "https://chatgpt.com/backend-api/codex"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := cfg.Accounts[0]
	if a.Type != KindOpenAIResponses || a.APIKey != "sk-oai" || a.Priority != 50 {
		t.Errorf("account = %+v", a)
	}
	if a.IsOAuth() {
		t.Error("openai-responses is not an OAuth kind")
	}
}

func TestLoadProxy(t *testing.T) {
	path := writeConfig(t, `
[[accounts]]
type = "gemini"
id = "gem-1"
refresh_token = "rt"

[accounts.proxy]
type = "socks5"
host = "10.0.0.1"
port = 1080
username = "u"
password = "p"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Accounts[0].Proxy
	if p == nil || p.Type != "socks5" || p.Port != 1080 {
		t.Fatalf("proxy = %+v", p)
	}
	if p.Key() == (*ProxyConfig)(nil).Key() {
		t.Error("proxied account must not share the direct pool key")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no accounts", `api_keys = ["k"]`, "at least one account"},
		{"duplicate id", `
[[accounts]]
type = "claude-api"
id = "a"
api_key = "k"
[[accounts]]
type = "claude-api"
id = "a"
api_key = "k"
`, "duplicate account id"},
		{"oauth missing refresh token", `
[[accounts]]
type = "claude-oauth"
id = "a"
`, "requires refresh_token"},
		{"api missing key", `
[[accounts]]
type = "openai-responses"
id = "a"
`, "requires api_key"},
		{"unknown type", `
[[accounts]]
type = "bedrock"
id = "a"
api_key = "k"
`, "unknown type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestLogLevelEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := Parse([]byte(`
[server]
log_level = "warn"

[[accounts]]
type = "claude-api"
id = "a"
api_key = "k"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log_level = %q, want env override debug", cfg.Server.LogLevel)
	}
}
