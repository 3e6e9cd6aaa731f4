package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BreakerRow is the persisted side of a per-provider circuit breaker. The
// limits engine owns the transition logic; the row just survives restarts.
type BreakerRow struct {
	Provider      string     `json:"provider"`
	State         string     `json:"state"`
	FailCount     int        `json:"fail_count"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DenialCount aggregates the denial log for the dashboard.
type DenialCount struct {
	Op    string `json:"op"`
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// IncrementRateLimit bumps the fixed-window counter for (op, scope_key) in
// t's minute bucket and returns the new count. The upsert is a single
// statement so N concurrent callers observe 1..N with no gaps.
func (s *Store) IncrementRateLimit(ctx context.Context, op, scopeKey string, t time.Time) (int64, error) {
	var count int64
	err := s.queryRow(ctx, `INSERT INTO rate_limits (op, scope_key, minute_bucket, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (op, scope_key, minute_bucket)
		DO UPDATE SET count = rate_limits.count + 1
		RETURNING count`,
		op, scopeKey, MinuteBucket(t)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment rate limit %s/%s: %w", op, scopeKey, err)
	}
	return count, nil
}

// RateLimitCount reads the current window count without incrementing.
func (s *Store) RateLimitCount(ctx context.Context, op, scopeKey string, t time.Time) (int64, error) {
	var count int64
	err := s.queryRow(ctx, `SELECT count FROM rate_limits
		WHERE op = ? AND scope_key = ? AND minute_bucket = ?`,
		op, scopeKey, MinuteBucket(t)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate limit %s/%s: %w", op, scopeKey, err)
	}
	return count, nil
}

// PurgeRateLimits drops windows older than the given bucket key. Bucket keys
// sort lexicographically with time.
func (s *Store) PurgeRateLimits(ctx context.Context, beforeBucket string) error {
	_, err := s.exec(ctx, `DELETE FROM rate_limits WHERE minute_bucket < ?`, beforeBucket)
	if err != nil {
		return fmt.Errorf("purge rate limits: %w", err)
	}
	return nil
}

// IncrementQuota bumps the per-day counter for (op, scope_key) and returns
// the new used value. Threshold comparison happens in the limits engine.
func (s *Store) IncrementQuota(ctx context.Context, op, scopeKey string, t time.Time) (int64, error) {
	var used int64
	err := s.queryRow(ctx, `INSERT INTO quotas (op, scope_key, day, used)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (op, scope_key, day)
		DO UPDATE SET used = quotas.used + 1
		RETURNING used`,
		op, scopeKey, DayBucket(t)).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("increment quota %s/%s: %w", op, scopeKey, err)
	}
	return used, nil
}

// QuotaUsed reads today's counter without incrementing.
func (s *Store) QuotaUsed(ctx context.Context, op, scopeKey string, t time.Time) (int64, error) {
	var used int64
	err := s.queryRow(ctx, `SELECT used FROM quotas
		WHERE op = ? AND scope_key = ? AND day = ?`,
		op, scopeKey, DayBucket(t)).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota %s/%s: %w", op, scopeKey, err)
	}
	return used, nil
}

// BreakerByProvider loads the breaker row, or a fresh CLOSED row when the
// provider has never tripped.
func (s *Store) BreakerByProvider(ctx context.Context, provider string) (*BreakerRow, error) {
	b := &BreakerRow{Provider: provider}
	var openedAt, lastFailure sql.NullTime
	err := s.queryRow(ctx, `SELECT state, fail_count, opened_at, last_failure_at, updated_at
		FROM breakers WHERE provider = ?`, provider).
		Scan(&b.State, &b.FailCount, &openedAt, &lastFailure, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		b.State = "CLOSED"
		b.UpdatedAt = now()
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read breaker %s: %w", provider, err)
	}
	if openedAt.Valid {
		t := openedAt.Time
		b.OpenedAt = &t
	}
	if lastFailure.Valid {
		t := lastFailure.Time
		b.LastFailureAt = &t
	}
	return b, nil
}

// SaveBreaker persists the breaker row, inserting or replacing as needed.
func (s *Store) SaveBreaker(ctx context.Context, b *BreakerRow) error {
	b.UpdatedAt = now()
	var openedAt, lastFailure any
	if b.OpenedAt != nil {
		openedAt = *b.OpenedAt
	}
	if b.LastFailureAt != nil {
		lastFailure = *b.LastFailureAt
	}
	_, err := s.exec(ctx, `INSERT INTO breakers (provider, state, fail_count, opened_at, last_failure_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider)
		DO UPDATE SET state = ?, fail_count = ?, opened_at = ?, last_failure_at = ?, updated_at = ?`,
		b.Provider, b.State, b.FailCount, openedAt, lastFailure, b.UpdatedAt,
		b.State, b.FailCount, openedAt, lastFailure, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save breaker %s: %w", b.Provider, err)
	}
	return nil
}

// ListBreakers returns every persisted breaker row.
func (s *Store) ListBreakers(ctx context.Context) ([]*BreakerRow, error) {
	rows, err := s.query(ctx, `SELECT provider, state, fail_count, opened_at, last_failure_at, updated_at
		FROM breakers ORDER BY provider ASC`)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()
	var out []*BreakerRow
	for rows.Next() {
		b := &BreakerRow{}
		var openedAt, lastFailure sql.NullTime
		if err := rows.Scan(&b.Provider, &b.State, &b.FailCount, &openedAt, &lastFailure, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if openedAt.Valid {
			t := openedAt.Time
			b.OpenedAt = &t
		}
		if lastFailure.Valid {
			t := lastFailure.Time
			b.LastFailureAt = &t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AppendDenial records one limits denial. Only the op, scope key and code
// are stored; request parameters never reach this table.
func (s *Store) AppendDenial(ctx context.Context, op, scopeKey, code string) error {
	_, err := s.exec(ctx, `INSERT INTO limit_denials (op, scope_key, code, created_at)
		VALUES (?, ?, ?, ?)`, op, scopeKey, code, now())
	if err != nil {
		return fmt.Errorf("append denial: %w", err)
	}
	return nil
}

// DenialCounts aggregates denials since the cutoff, grouped by op and code.
func (s *Store) DenialCounts(ctx context.Context, since time.Time) ([]DenialCount, error) {
	rows, err := s.query(ctx, `SELECT op, code, COUNT(1) FROM limit_denials
		WHERE created_at >= ? GROUP BY op, code ORDER BY op, code`, since)
	if err != nil {
		return nil, fmt.Errorf("denial counts: %w", err)
	}
	defer rows.Close()
	var out []DenialCount
	for rows.Next() {
		var d DenialCount
		if err := rows.Scan(&d.Op, &d.Code, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
