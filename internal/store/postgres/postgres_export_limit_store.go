package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/types"
)

type PostgresExportLimitStore struct {
	db *sql.DB
}

func NewPostgresExportLimitStore(db *sql.DB) *PostgresExportLimitStore {
	return &PostgresExportLimitStore{db: db}
}

func (r *PostgresExportLimitStore) GetLimit(ctx context.Context, tenantID string) (*types.ExportLimit, error) {
	l := types.ExportLimit{TenantID: tenantID}
	err := r.db.QueryRowContext(ctx,
		`SELECT max_concurrent, daily_quota FROM jobcore_schema.export_limits WHERE tenant_id = $1`,
		tenantID,
	).Scan(&l.MaxConcurrent, &l.DailyQuota)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get export limit for %q: %w", tenantID, err)
	}
	return &l, nil
}

func (r *PostgresExportLimitStore) UpsertLimit(ctx context.Context, limit types.ExportLimit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobcore_schema.export_limits (tenant_id, max_concurrent, daily_quota)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET
			max_concurrent = EXCLUDED.max_concurrent,
			daily_quota = EXCLUDED.daily_quota`,
		limit.TenantID, limit.MaxConcurrent, limit.DailyQuota,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert export limit for %q: %w", limit.TenantID, err)
	}
	return nil
}

func (r *PostgresExportLimitStore) Usage(ctx context.Context, tenantID string, windowStart time.Time) (types.Usage, error) {
	var u types.Usage
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $2 OR (status = $4 AND locked_by IS NOT NULL)),
			COUNT(*) FILTER (WHERE created_at >= $3)
		FROM jobcore_schema.jobs
		WHERE tenant_id = $1`,
		tenantID, state.StatusRunning, windowStart, state.StatusCancelled,
	).Scan(&u.Running, &u.CreatedInWindow)
	if err != nil {
		return u, fmt.Errorf("failed to read usage for %q: %w", tenantID, err)
	}
	return u, nil
}
