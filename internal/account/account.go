// Package account holds the static account definitions loaded from
// config plus their runtime availability state (cooldowns, permanent
// failures, cached OAuth access tokens).
package account

import (
	"github.com/yansir/cc-relay/internal/config"
)

// Providers group account kinds by the upstream family they serve.
const (
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Account is an immutable view of one configured upstream account.
// Mutable state (cooldowns, tokens) lives in the Registry.
type Account struct {
	ID           string
	Name         string
	Kind         string
	Priority     int
	RefreshToken string
	APIKey       string
	APIURL       string
	Proxy        *config.ProxyConfig
}

func fromConfig(c config.AccountConfig) *Account {
	return &Account{
		ID:           c.ID,
		Name:         c.Name,
		Kind:         c.Type,
		Priority:     c.EffectivePriority(),
		RefreshToken: c.RefreshToken,
		APIKey:       c.APIKey,
		APIURL:       c.APIURL,
		Proxy:        c.Proxy,
	}
}

// Provider returns which upstream family the account belongs to.
func (a *Account) Provider() string {
	switch a.Kind {
	case config.KindClaudeOAuth, config.KindClaudeAPI:
		return ProviderClaude
	case config.KindGemini:
		return ProviderGemini
	case config.KindOpenAIResponses:
		return ProviderOpenAI
	default:
		return ""
	}
}

// IsOAuth reports whether the account needs refresh-token management.
func (a *Account) IsOAuth() bool {
	return a.Kind == config.KindClaudeOAuth || a.Kind == config.KindGemini
}
