package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/valhalla/jobcore/types"
)

// PostgresRateLimitStore holds rate-limit rules and the per-key window
// counters.
type PostgresRateLimitStore struct {
	db *sql.DB
}

func NewPostgresRateLimitStore(db *sql.DB) *PostgresRateLimitStore {
	return &PostgresRateLimitStore{db: db}
}

func (r *PostgresRateLimitStore) FindRule(ctx context.Context, scope, key string) (*types.RateLimitRule, error) {
	rule := types.RateLimitRule{Scope: scope, Key: key}
	err := r.db.QueryRowContext(ctx, `
		SELECT window_seconds, max_requests, enabled, COALESCE(description, '')
		FROM jobcore_schema.rate_limit_rules
		WHERE scope = $1 AND key = $2 AND enabled = TRUE`,
		scope, key,
	).Scan(&rule.WindowSeconds, &rule.MaxRequests, &rule.Enabled, &rule.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find rate limit rule %s/%s: %w", scope, key, err)
	}
	return &rule, nil
}

func (r *PostgresRateLimitStore) UpsertRule(ctx context.Context, rule types.RateLimitRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobcore_schema.rate_limit_rules (scope, key, window_seconds, max_requests, enabled, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope, key) DO UPDATE SET
			window_seconds = EXCLUDED.window_seconds,
			max_requests = EXCLUDED.max_requests,
			enabled = EXCLUDED.enabled,
			description = EXCLUDED.description`,
		rule.Scope, rule.Key, rule.WindowSeconds, rule.MaxRequests, rule.Enabled, rule.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit rule %s/%s: %w", rule.Scope, rule.Key, err)
	}
	return nil
}

func (r *PostgresRateLimitStore) ListRules(ctx context.Context) ([]types.RateLimitRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scope, key, window_seconds, max_requests, enabled, COALESCE(description, '')
		FROM jobcore_schema.rate_limit_rules
		ORDER BY scope, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate limit rules: %w", err)
	}
	defer rows.Close()

	rules := []types.RateLimitRule{}
	for rows.Next() {
		var rule types.RateLimitRule
		if err := rows.Scan(&rule.Scope, &rule.Key, &rule.WindowSeconds, &rule.MaxRequests, &rule.Enabled, &rule.Description); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Hit takes a row lock on the (scope, key) snapshot, creating it first if
// needed, and applies the fixed-window step inside that transaction.
func (r *PostgresRateLimitStore) Hit(ctx context.Context, rule types.RateLimitRule, now time.Time) (types.RateLimitSnapshot, bool, error) {
	snap := types.RateLimitSnapshot{
		Scope:         rule.Scope,
		Key:           rule.Key,
		WindowSeconds: rule.WindowSeconds,
		MaxRequests:   rule.MaxRequests,
		UpdatedAt:     now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return snap, false, fmt.Errorf("failed to begin rate limit check: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobcore_schema.rate_limit_snapshots
			(scope, key, window_seconds, max_requests, current_count, window_started_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		ON CONFLICT (scope, key) DO NOTHING`,
		rule.Scope, rule.Key, rule.WindowSeconds, rule.MaxRequests, now,
	)
	if err != nil {
		return snap, false, fmt.Errorf("failed to ensure rate limit snapshot: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT current_count, window_started_at
		FROM jobcore_schema.rate_limit_snapshots
		WHERE scope = $1 AND key = $2
		FOR UPDATE`,
		rule.Scope, rule.Key,
	).Scan(&snap.CurrentCount, &snap.WindowStartedAt)
	if err != nil {
		return snap, false, fmt.Errorf("failed to lock rate limit snapshot: %w", err)
	}

	if now.Sub(snap.WindowStartedAt) >= rule.Window() {
		snap.CurrentCount = 0
		snap.WindowStartedAt = now
	}

	allowed := snap.CurrentCount+1 <= rule.MaxRequests
	if allowed {
		snap.CurrentCount++
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobcore_schema.rate_limit_snapshots
		SET current_count = $3, window_started_at = $4, window_seconds = $5, max_requests = $6, updated_at = $7
		WHERE scope = $1 AND key = $2`,
		rule.Scope, rule.Key, snap.CurrentCount, snap.WindowStartedAt, rule.WindowSeconds, rule.MaxRequests, now,
	)
	if err != nil {
		return snap, false, fmt.Errorf("failed to update rate limit snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return snap, false, fmt.Errorf("failed to commit rate limit check: %w", err)
	}
	return snap, allowed, nil
}
