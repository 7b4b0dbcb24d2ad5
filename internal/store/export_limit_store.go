package store

import (
	"context"
	"time"

	"github.com/valhalla/jobcore/types"
)

type ExportLimitStore interface {
	// GetLimit returns nil when the tenant has no explicit limit.
	GetLimit(ctx context.Context, tenantID string) (*types.ExportLimit, error)
	UpsertLimit(ctx context.Context, limit types.ExportLimit) error

	// Usage is a point-in-time read of the tenant's running jobs and jobs
	// created since windowStart. It is advisory; admission re-reads inside
	// its own transaction.
	Usage(ctx context.Context, tenantID string, windowStart time.Time) (types.Usage, error)
}
