package store

import (
	"context"
	"time"
)

// UsageRecord is one completed request's token accounting.
type UsageRecord struct {
	AccountID           string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	ClientAPIKeyHash    string
}

// RecordUsage appends a usage row. Failures here must never fail the
// client request, so callers log and continue.
func (s *DB) RecordUsage(ctx context.Context, rec UsageRecord) error {
	hash := rec.ClientAPIKeyHash
	if hash == "" {
		hash = "anonymous"
	}
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO usage_stats
			(account_id, model, input_tokens, output_tokens,
			 cache_creation_tokens, cache_read_tokens,
			 request_count, client_api_key_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		rec.AccountID, rec.Model,
		rec.InputTokens, rec.OutputTokens,
		rec.CacheCreationTokens, rec.CacheReadTokens,
		hash, time.Now().Unix())
	return err
}

// UsageSummary is an aggregate over usage_stats rows.
type UsageSummary struct {
	Key                 string `json:"key"`
	RequestCount        int64  `json:"request_count"`
	InputTokens         int64  `json:"input_tokens"`
	OutputTokens        int64  `json:"output_tokens"`
	CacheCreationTokens int64  `json:"cache_creation_tokens"`
	CacheReadTokens     int64  `json:"cache_read_tokens"`
}

// UsageByAccount aggregates usage per account since the given time.
func (s *DB) UsageByAccount(ctx context.Context, since time.Time) ([]UsageSummary, error) {
	return s.usageGrouped(ctx, "account_id", since)
}

// UsageByModel aggregates usage per model since the given time.
func (s *DB) UsageByModel(ctx context.Context, since time.Time) ([]UsageSummary, error) {
	return s.usageGrouped(ctx, "model", since)
}

func (s *DB) usageGrouped(ctx context.Context, column string, since time.Time) ([]UsageSummary, error) {
	// column is one of two compile-time constants, never user input.
	rows, err := s.sql.QueryContext(ctx, `
		SELECT `+column+`,
			SUM(request_count),
			SUM(input_tokens),
			SUM(output_tokens),
			SUM(cache_creation_tokens),
			SUM(cache_read_tokens)
		FROM usage_stats
		WHERE created_at >= ?
		GROUP BY `+column+`
		ORDER BY SUM(request_count) DESC`,
		since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.Key, &u.RequestCount, &u.InputTokens,
			&u.OutputTokens, &u.CacheCreationTokens, &u.CacheReadTokens); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageTotals returns the overall aggregate since the given time.
func (s *DB) UsageTotals(ctx context.Context, since time.Time) (UsageSummary, error) {
	var u UsageSummary
	u.Key = "total"
	err := s.sql.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(request_count), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0)
		FROM usage_stats
		WHERE created_at >= ?`,
		since.Unix()).Scan(&u.RequestCount, &u.InputTokens, &u.OutputTokens,
		&u.CacheCreationTokens, &u.CacheReadTokens)
	return u, err
}
