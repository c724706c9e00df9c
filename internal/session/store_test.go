package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/yansir/cc-relay/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestBindAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Bind(ctx, "hash-1", "acc-1", time.Hour); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	route, err := s.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if route == nil || route.AccountID != "acc-1" {
		t.Fatalf("route = %+v", route)
	}
	if remaining := time.Until(route.ExpiresAt); remaining < 50*time.Minute {
		t.Errorf("remaining ttl = %v", remaining)
	}
}

func TestLookupMissAndExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	route, err := s.Lookup(ctx, "absent")
	if err != nil || route != nil {
		t.Fatalf("miss: route=%+v err=%v", route, err)
	}

	if err := s.Bind(ctx, "hash-exp", "acc-1", -time.Second); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	route, err = s.Lookup(ctx, "hash-exp")
	if err != nil || route != nil {
		t.Fatalf("expired row must read as miss: route=%+v err=%v", route, err)
	}
}

func TestRebindMovesAccountKeepsLaterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Bind(ctx, "hash-1", "acc-1", 2*time.Hour); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.Bind(ctx, "hash-1", "acc-2", time.Hour); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	route, err := s.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if route.AccountID != "acc-2" {
		t.Errorf("account = %q, want acc-2 after rebind", route.AccountID)
	}
	if remaining := time.Until(route.ExpiresAt); remaining < 90*time.Minute {
		t.Errorf("expiry moved backward: remaining = %v", remaining)
	}
}

func TestRenewIfStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Fresh route: not renewed.
	if err := s.Bind(ctx, "fresh", "acc-1", time.Hour); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.RenewIfStale(ctx, "fresh", 2*time.Hour, 5*time.Minute); err != nil {
		t.Fatalf("RenewIfStale: %v", err)
	}
	route, _ := s.Lookup(ctx, "fresh")
	if time.Until(route.ExpiresAt) > 90*time.Minute {
		t.Error("fresh route should not have been renewed")
	}

	// Nearly-expired route: renewed to the full TTL.
	if err := s.Bind(ctx, "stale", "acc-1", time.Minute); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.RenewIfStale(ctx, "stale", time.Hour, 5*time.Minute); err != nil {
		t.Fatalf("RenewIfStale: %v", err)
	}
	route, _ = s.Lookup(ctx, "stale")
	if time.Until(route.ExpiresAt) < 50*time.Minute {
		t.Errorf("stale route not renewed: remaining = %v", time.Until(route.ExpiresAt))
	}
}

func TestInvalidateAccountDropsAllRoutes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Bind(ctx, "h1", "acc-1", time.Hour)
	s.Bind(ctx, "h2", "acc-1", time.Hour)
	s.Bind(ctx, "h3", "acc-2", time.Hour)

	n, err := s.InvalidateAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("InvalidateAccount: %v", err)
	}
	if n != 2 {
		t.Errorf("dropped %d routes, want 2", n)
	}
	if route, _ := s.Lookup(ctx, "h3"); route == nil {
		t.Error("other account's route should survive")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Bind(ctx, "live", "acc-1", time.Hour)
	s.Bind(ctx, "dead", "acc-1", -time.Second)

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
