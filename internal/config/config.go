package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Account kinds. The TOML `type` discriminant maps 1:1 onto these.
const (
	KindClaudeOAuth     = "claude-oauth"
	KindClaudeAPI       = "claude-api"
	KindGemini          = "gemini"
	KindOpenAIResponses = "openai-responses"
)

// Config is the root of the TOML config file.
type Config struct {
	APIKeys  []string        `toml:"api_keys"`
	Server   ServerConfig    `toml:"server"`
	Session  SessionConfig   `toml:"session"`
	Accounts []AccountConfig `toml:"accounts"`
}

type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionConfig controls sticky-session and cooldown timing.
type SessionConfig struct {
	StickyTTLSeconds           int64 `toml:"sticky_ttl_seconds"`
	RenewalThresholdSeconds    int64 `toml:"renewal_threshold_seconds"`
	UnavailableCooldownSeconds int64 `toml:"unavailable_cooldown_seconds"`
}

func (s SessionConfig) StickyTTL() time.Duration {
	return time.Duration(s.StickyTTLSeconds) * time.Second
}

func (s SessionConfig) RenewalThreshold() time.Duration {
	return time.Duration(s.RenewalThresholdSeconds) * time.Second
}

func (s SessionConfig) UnavailableCooldown() time.Duration {
	return time.Duration(s.UnavailableCooldownSeconds) * time.Second
}

// AccountConfig is one [[accounts]] table. Which credential field is
// required depends on Type: OAuth kinds carry refresh_token, static
// kinds carry api_key.
type AccountConfig struct {
	Type         string       `toml:"type"`
	ID           string       `toml:"id"`
	Name         string       `toml:"name"`
	Priority     int          `toml:"priority"`
	Enabled      *bool        `toml:"enabled"`
	RefreshToken string       `toml:"refresh_token"`
	APIKey       string       `toml:"api_key"`
	APIURL       string       `toml:"api_url"`
	Proxy        *ProxyConfig `toml:"proxy"`
}

func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// IsOAuth reports whether the account authenticates via refresh token.
func (a AccountConfig) IsOAuth() bool {
	return a.Type == KindClaudeOAuth || a.Type == KindGemini
}

// EffectivePriority returns the configured priority, defaulting to 100.
func (a AccountConfig) EffectivePriority() int {
	if a.Priority == 0 {
		return 100
	}
	return a.Priority
}

type ProxyConfig struct {
	Type     string `toml:"type"` // socks5, http
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Key identifies the proxy for HTTP client pooling. Accounts sharing a
// proxy descriptor share one upstream client.
func (p *ProxyConfig) Key() string {
	if p == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s@%s:%d", p.Type, p.Username, p.Host, p.Port)
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML bytes, applies defaults and the LOG_LEVEL env
// override, and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         3000,
			DatabasePath: "data/relay.db",
			LogLevel:     "info",
		},
		Session: SessionConfig{
			StickyTTLSeconds:           3600,
			RenewalThresholdSeconds:    300,
			UnavailableCooldownSeconds: 3600,
		},
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}

	if lv := os.Getenv("LOG_LEVEL"); lv != "" {
		cfg.Server.LogLevel = lv
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.ID == "" {
			return fmt.Errorf("accounts[%d]: missing id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id: %s", a.ID)
		}
		seen[a.ID] = true

		if a.Priority < 0 {
			return fmt.Errorf("account %s: priority must be >= 0", a.ID)
		}

		switch a.Type {
		case KindClaudeOAuth, KindGemini:
			if a.RefreshToken == "" {
				return fmt.Errorf("account %s: type %s requires refresh_token", a.ID, a.Type)
			}
		case KindClaudeAPI, KindOpenAIResponses:
			if a.APIKey == "" {
				return fmt.Errorf("account %s: type %s requires api_key", a.ID, a.Type)
			}
		default:
			return fmt.Errorf("account %s: unknown type %q", a.ID, a.Type)
		}

		if p := a.Proxy; p != nil {
			if p.Type != "socks5" && p.Type != "http" {
				return fmt.Errorf("account %s: unknown proxy type %q", a.ID, p.Type)
			}
			if p.Host == "" || p.Port == 0 {
				return fmt.Errorf("account %s: proxy requires host and port", a.ID)
			}
		}
	}

	if c.Session.StickyTTLSeconds <= 0 {
		return fmt.Errorf("session.sticky_ttl_seconds must be positive")
	}
	if c.Session.RenewalThresholdSeconds < 0 {
		return fmt.Errorf("session.renewal_threshold_seconds must not be negative")
	}
	return nil
}
