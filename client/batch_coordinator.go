package client

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/constants"
	"github.com/valhalla/jobcore/internal/quota"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
)

// BatchCoordinator creates batches and materialises their jobs one at a time.
// The count of enqueued jobs never exceeds the batch total, however many
// callers enqueue at once.
type BatchCoordinator struct {
	store store.BatchStore
	gate  *quota.Gate
}

// NewBatchCoordinator returns a coordinator that checks the tenant's daily
// quota before creating jobs. A nil gate skips the check.
func NewBatchCoordinator(batches store.BatchStore, gate *quota.Gate) *BatchCoordinator {
	return &BatchCoordinator{store: batches, gate: gate}
}

// EnqueueResult reports what an enqueue call created.
type EnqueueResult struct {
	JobIDs []int64 `json:"job_ids"`
	// Complete is set when the batch had no room for every requested job.
	Complete bool `json:"complete"`
	// Quota is set when the tenant's daily quota refused the jobs; nothing
	// was created then.
	Quota *quota.Decision `json:"quota,omitempty"`
}

func (bc *BatchCoordinator) CreateBatch(ctx context.Context, tenantID string, tmpl types.BatchTemplate, total int) (int64, error) {
	validationErr := &apperrors.ValidationError{}
	if tenantID == "" {
		validationErr.Add(errors.New("tenant id is required"))
	}
	if tmpl.JobName == "" {
		validationErr.Add(errors.New("job name is required"))
	}
	if total < 0 {
		validationErr.Add(errors.New("total must not be negative"))
	}
	if tmpl.MaxAttempts < 0 {
		validationErr.Add(errors.New("max attempts must not be negative"))
	}
	if validationErr.HasError() {
		return 0, validationErr
	}

	if tmpl.Priority == 0 {
		tmpl.Priority = constants.DefaultPriority
	}
	if tmpl.MaxAttempts == 0 {
		tmpl.MaxAttempts = constants.MaxRetryAttempt
	}
	if tmpl.Name == "" {
		tmpl.Name = tmpl.JobName
	}

	id, err := bc.store.CreateBatch(ctx, tenantID, tmpl, total)
	if err != nil {
		return 0, fmt.Errorf("failed to create batch: %w", err)
	}
	return id, nil
}

// EnqueueNext creates the batch's next job from its template. The result is
// Complete with no job once every job of the batch has been enqueued.
func (bc *BatchCoordinator) EnqueueNext(ctx context.Context, batchID int64) (EnqueueResult, error) {
	return bc.enqueue(ctx, batchID, [][]any{nil})
}

// EnqueueItems creates one job per item, with the item as the job's args,
// until the batch is full.
func (bc *BatchCoordinator) EnqueueItems(ctx context.Context, batchID int64, items [][]any) (EnqueueResult, error) {
	argsList := make([][]any, len(items))
	for i, args := range items {
		if args == nil {
			args = []any{}
		}
		argsList[i] = args
	}
	return bc.enqueue(ctx, batchID, argsList)
}

// enqueue sizes the request to the batch's remaining room and asks the gate
// whether that many jobs fit the tenant's daily quota. The quota check is
// advisory; admission still enforces it when the jobs are due.
func (bc *BatchCoordinator) enqueue(ctx context.Context, batchID int64, argsList [][]any) (EnqueueResult, error) {
	batch, err := bc.store.FindBatch(ctx, batchID)
	if err != nil {
		return EnqueueResult{}, err
	}
	n := min(len(argsList), batch.TotalJobs-batch.EnqueuedJobs)
	if n <= 0 {
		return EnqueueResult{JobIDs: []int64{}, Complete: true}, nil
	}

	if bc.gate != nil {
		decision, err := bc.gate.MayCreate(ctx, batch.TenantID, n)
		if err != nil {
			return EnqueueResult{}, err
		}
		if !decision.Allowed {
			return EnqueueResult{JobIDs: []int64{}, Quota: &decision}, nil
		}
	}

	res := EnqueueResult{JobIDs: make([]int64, 0, n), Complete: n < len(argsList)}
	for _, args := range argsList[:n] {
		id, ok, err := bc.store.EnqueueNext(ctx, batchID, args)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Complete = true
			break
		}
		res.JobIDs = append(res.JobIDs, id)
	}
	return res, nil
}

func (bc *BatchCoordinator) Summary(ctx context.Context, batchID int64) (*types.BatchSummary, error) {
	return bc.store.Summary(ctx, batchID)
}
