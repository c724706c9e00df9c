// Package store opens the SQLite database and owns its schema. Two
// tables persist across restarts: sticky session routes and usage
// accounting rows. Everything else the relay tracks is in-process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle. modernc/sqlite serializes writers, so a
// single connection avoids SQLITE_BUSY under concurrent request load.
type DB struct {
	sql *sql.DB
}

// Open creates the database file (and parent directory) if needed,
// applies pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{sql: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *DB) Close() error                  { return s.sql.Close() }
func (s *DB) Ping(ctx context.Context) error { return s.sql.PingContext(ctx) }

// SQL exposes the handle for sibling packages that own their own
// queries (the session store).
func (s *DB) SQL() *sql.DB { return s.sql }

// migrate applies the schema in order. Every statement is idempotent
// so an interrupted boot can re-run the whole list.
func (s *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sticky_sessions (
			session_hash TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL,
			expires_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sticky_sessions_expires_at
			ON sticky_sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS usage_stats (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id            TEXT NOT NULL,
			model                 TEXT NOT NULL,
			input_tokens          INTEGER NOT NULL DEFAULT 0,
			output_tokens         INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
			request_count         INTEGER NOT NULL DEFAULT 1,
			created_at            INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_stats_account_created
			ON usage_stats(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_stats_created_at
			ON usage_stats(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.sql.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Column additions for databases created before the column existed.
	columnAdds := []struct {
		table, column, ddl string
	}{
		{"usage_stats", "client_api_key_hash",
			"ALTER TABLE usage_stats ADD COLUMN client_api_key_hash TEXT NOT NULL DEFAULT 'legacy'"},
	}
	for _, m := range columnAdds {
		if !s.columnExists(ctx, m.table, m.column) {
			if _, err := s.sql.ExecContext(ctx, m.ddl); err != nil {
				return fmt.Errorf("add %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	// This index can only exist once the column does, so it runs after
	// the column adds.
	_, err := s.sql.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_usage_stats_key_created
			ON usage_stats(client_api_key_hash, created_at)`)
	return err
}

func (s *DB) columnExists(ctx context.Context, table, column string) bool {
	rows, err := s.sql.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notNull, pk int
		var name, typeName string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}
