package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yansir/cc-relay/internal/store"
)

// Store persists session-to-account routes in SQLite so stickiness
// survives restarts.
type Store struct {
	db *sql.DB
}

func NewStore(db *store.DB) *Store {
	return &Store{db: db.SQL()}
}

// Route is one sticky session row.
type Route struct {
	SessionHash string
	AccountID   string
	ExpiresAt   time.Time
}

// Lookup returns the bound account for a session hash. Expired rows
// are treated as misses; the sweeper deletes them later.
func (s *Store) Lookup(ctx context.Context, hash string) (*Route, error) {
	var accountID string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, expires_at FROM sticky_sessions
		WHERE session_hash = ?`, hash).Scan(&accountID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	exp := time.Unix(expiresAt, 0)
	if !time.Now().Before(exp) {
		return nil, nil
	}
	return &Route{SessionHash: hash, AccountID: accountID, ExpiresAt: exp}, nil
}

// Bind routes a session to an account for the given TTL. Rebinding to
// another account always wins, but the expiry never moves backward so
// a slow concurrent writer cannot shorten a session's life.
func (s *Store) Bind(ctx context.Context, hash, accountID string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sticky_sessions (session_hash, account_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_hash) DO UPDATE SET
			account_id = excluded.account_id,
			expires_at = MAX(excluded.expires_at, expires_at)`,
		hash, accountID, expiresAt)
	return err
}

// RenewIfStale extends the route to now+ttl, but only when less than
// threshold remains. Keeps hot sessions alive without a write per
// request.
func (s *Store) RenewIfStale(ctx context.Context, hash string, ttl, threshold time.Duration) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sticky_sessions
		SET expires_at = ?
		WHERE session_hash = ?
			AND expires_at > ?
			AND expires_at < ?`,
		now.Add(ttl).Unix(), hash, now.Unix(), now.Add(threshold).Unix())
	return err
}

// Invalidate drops one session route.
func (s *Store) Invalidate(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sticky_sessions WHERE session_hash = ?", hash)
	return err
}

// InvalidateAccount drops every route bound to an account, used when
// the account becomes permanently unavailable.
func (s *Store) InvalidateAccount(ctx context.Context, accountID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sticky_sessions WHERE account_id = ?", accountID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Sweep deletes expired routes and reports how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sticky_sessions WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of live routes, for the metrics endpoint.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sticky_sessions WHERE expires_at > ?",
		time.Now().Unix()).Scan(&n)
	return n, err
}
