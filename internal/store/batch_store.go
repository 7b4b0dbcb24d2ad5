package store

import (
	"context"

	"github.com/valhalla/jobcore/types"
)

type BatchStore interface {
	CreateBatch(ctx context.Context, tenantID string, tmpl types.BatchTemplate, total int) (int64, error)

	// FindBatch returns errors.ErrBatchNotFound when the batch does not exist.
	FindBatch(ctx context.Context, batchID int64) (*types.ExportBatch, error)

	// EnqueueNext inserts the batch's next job and bumps enqueued_jobs in one
	// transaction. ok is false once enqueued_jobs has reached total_jobs. A
	// nil args uses the batch template's args.
	EnqueueNext(ctx context.Context, batchID int64, args []any) (jobID int64, ok bool, err error)

	Summary(ctx context.Context, batchID int64) (*types.BatchSummary, error)
}
