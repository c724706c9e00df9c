package account

import (
	"sync"
	"time"

	"github.com/yansir/cc-relay/internal/config"
)

// accountState is the mutable runtime state of one account.
type accountState struct {
	cooldownUntil time.Time
	unavailable   bool
	reason        string

	accessToken string
	tokenExpiry time.Time
}

// Registry maps account IDs to accounts and tracks their availability.
// All state is in-process; a restart clears cooldowns and permanent
// marks, which is intentional since config is re-read at boot anyway.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	order    []string
	state    map[string]*accountState
}

func NewRegistry(configs []config.AccountConfig) *Registry {
	r := &Registry{
		accounts: make(map[string]*Account, len(configs)),
		state:    make(map[string]*accountState, len(configs)),
	}
	for _, c := range configs {
		if !c.IsEnabled() {
			continue
		}
		a := fromConfig(c)
		r.accounts[a.ID] = a
		r.order = append(r.order, a.ID)
		r.state[a.ID] = &accountState{}
	}
	return r
}

func (r *Registry) Get(id string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// All returns every enabled account in config order.
func (r *Registry) All() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Account, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.accounts[id])
	}
	return out
}

// Available reports whether the account exists, is not permanently
// unavailable, and is not in an active cooldown.
func (r *Registry) Available(id string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.state[id]
	if !ok {
		return false
	}
	return !s.unavailable && !now.Before(s.cooldownUntil)
}

// Eligible returns the available accounts for a provider, in config
// order. Ordering by priority is the scheduler's concern.
func (r *Registry) Eligible(provider string, now time.Time) []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Account
	for _, id := range r.order {
		a := r.accounts[id]
		if a.Provider() != provider {
			continue
		}
		s := r.state[id]
		if s.unavailable || now.Before(s.cooldownUntil) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// NextAvailable returns the earliest moment a cooled-down account of
// the provider becomes selectable again. False when no account is
// merely cooling (the pool is healthy, or what is left is permanently
// unavailable).
func (r *Registry) NextAvailable(provider string, now time.Time) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var earliest time.Time
	for _, id := range r.order {
		a := r.accounts[id]
		if a.Provider() != provider {
			continue
		}
		s := r.state[id]
		if s.unavailable || !now.Before(s.cooldownUntil) {
			continue
		}
		if earliest.IsZero() || s.cooldownUntil.Before(earliest) {
			earliest = s.cooldownUntil
		}
	}
	return earliest, !earliest.IsZero()
}

// MarkCooldown puts the account on cooldown. Concurrent marks keep the
// latest deadline; a shorter cooldown never shortens a longer one.
func (r *Registry) MarkCooldown(id string, d time.Duration, reason string) {
	until := time.Now().Add(d)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state[id]
	if !ok {
		return
	}
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
		s.reason = reason
	}
}

// MarkUnavailable removes the account from scheduling until restart.
func (r *Registry) MarkUnavailable(id string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.state[id]; ok {
		s.unavailable = true
		s.reason = reason
	}
}

// Token returns the cached access token and its expiry.
func (r *Registry) Token(id string) (string, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.state[id]
	if !ok {
		return "", time.Time{}
	}
	return s.accessToken, s.tokenExpiry
}

// SetToken stores a freshly refreshed access token.
func (r *Registry) SetToken(id, token string, expiry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.state[id]; ok {
		s.accessToken = token
		s.tokenExpiry = expiry
	}
}

// UpdateRefreshToken replaces the stored refresh token when the OAuth
// server rotates it.
func (r *Registry) UpdateRefreshToken(id, refreshToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok && refreshToken != "" {
		a.RefreshToken = refreshToken
	}
}

// Status is a point-in-time availability snapshot for one account,
// exposed on the metrics endpoint.
type Status struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	Priority      int       `json:"priority"`
	Available     bool      `json:"available"`
	Unavailable   bool      `json:"permanently_unavailable,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	Reason        string    `json:"reason,omitempty"`
}

// Snapshot returns the status of every account in config order.
func (r *Registry) Snapshot(now time.Time) []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		a := r.accounts[id]
		s := r.state[id]
		st := Status{
			ID:          a.ID,
			Name:        a.Name,
			Kind:        a.Kind,
			Priority:    a.Priority,
			Available:   !s.unavailable && !now.Before(s.cooldownUntil),
			Unavailable: s.unavailable,
			Reason:      s.reason,
		}
		if now.Before(s.cooldownUntil) {
			st.CooldownUntil = s.cooldownUntil
		}
		out = append(out, st)
	}
	return out
}
