// Package scheduler picks the upstream account for each request,
// honoring sticky session routes first and falling back to a
// deterministic priority ordering over the available pool.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/yansir/cc-relay/internal/account"
	"github.com/yansir/cc-relay/internal/session"
)

// ErrNoAccounts means every candidate account is excluded, cooling
// down, or permanently unavailable.
var ErrNoAccounts = errors.New("no available accounts")

type Scheduler struct {
	registry *account.Registry
	sessions *session.Store
	logger   *slog.Logger
}

func New(registry *account.Registry, sessions *session.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{registry: registry, sessions: sessions, logger: logger}
}

// Selection is the outcome of one scheduling decision.
type Selection struct {
	Account *account.Account
	// Sticky is true when the account came from a stored session
	// route rather than pool selection.
	Sticky bool
}

// Select picks an account for a provider. A non-empty sessionHash is
// checked against the sticky store first; a live route to an available
// account wins unconditionally. Otherwise the pool is ordered by
// priority descending with account ID as the tie-break, so the same
// pool state always yields the same choice.
func (s *Scheduler) Select(ctx context.Context, provider, sessionHash string, exclude []string) (*Selection, error) {
	now := time.Now()

	if sessionHash != "" {
		route, err := s.sessions.Lookup(ctx, sessionHash)
		if err != nil {
			s.logger.Warn("sticky lookup failed, falling back to pool", "error", err)
		} else if route != nil && !slices.Contains(exclude, route.AccountID) {
			if acct, ok := s.registry.Get(route.AccountID); ok &&
				acct.Provider() == provider &&
				s.registry.Available(acct.ID, now) {
				return &Selection{Account: acct, Sticky: true}, nil
			}
		}
	}

	candidates := s.registry.Eligible(provider, now)
	if len(exclude) > 0 {
		candidates = slices.DeleteFunc(slices.Clone(candidates), func(a *account.Account) bool {
			return slices.Contains(exclude, a.ID)
		})
	}
	if len(candidates) == 0 {
		return nil, ErrNoAccounts
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	selected := candidates[0]
	s.logger.Debug("account selected", "account", selected.ID, "priority", selected.Priority, "provider", provider)
	return &Selection{Account: selected}, nil
}
