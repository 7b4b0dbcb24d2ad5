package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/types"
)

type PostgresBatchStore struct {
	db *sql.DB
}

func NewPostgresBatchStore(db *sql.DB) *PostgresBatchStore {
	return &PostgresBatchStore{db: db}
}

func (r *PostgresBatchStore) CreateBatch(ctx context.Context, tenantID string, tmpl types.BatchTemplate, total int) (int64, error) {
	tmplJSON, err := json.Marshal(tmpl)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal batch template: %w", err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO jobcore_schema.export_batches
			(tenant_id, name, job_name, template, priority, max_attempts, total_jobs, enqueued_jobs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now())
		RETURNING id`,
		tenantID, tmpl.Name, tmpl.JobName, string(tmplJSON), tmpl.Priority, tmpl.MaxAttempts, total,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create batch: %w", err)
	}
	return id, nil
}

func (r *PostgresBatchStore) FindBatch(ctx context.Context, batchID int64) (*types.ExportBatch, error) {
	var b types.ExportBatch
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, job_name, template, priority, max_attempts,
		       total_jobs, enqueued_jobs, created_at, updated_at
		FROM jobcore_schema.export_batches
		WHERE id = $1`, batchID,
	).Scan(&b.ID, &b.TenantID, &b.Name, &b.JobName, &b.Template, &b.Priority, &b.MaxAttempts,
		&b.TotalJobs, &b.EnqueuedJobs, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find batch %d: %w", batchID, err)
	}
	return &b, nil
}

// EnqueueNext bumps the counter with a conditional UPDATE and inserts the job
// in the same transaction; the UPDATE's row lock serialises concurrent calls.
func (r *PostgresBatchStore) EnqueueNext(ctx context.Context, batchID int64, args []any) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var (
		tenantID, jobName string
		priority, maxAtt  int
		tmplJSON          []byte
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE jobcore_schema.export_batches
		SET enqueued_jobs = enqueued_jobs + 1, updated_at = now()
		WHERE id = $1 AND enqueued_jobs < total_jobs
		RETURNING tenant_id, job_name, priority, max_attempts, template`, batchID,
	).Scan(&tenantID, &jobName, &priority, &maxAtt, &tmplJSON)
	if errors.Is(err, sql.ErrNoRows) {
		// either full or missing
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobcore_schema.export_batches WHERE id = $1)`, batchID,
		).Scan(&exists); err != nil {
			return 0, false, fmt.Errorf("failed to check batch %d: %w", batchID, err)
		}
		if !exists {
			return 0, false, apperrors.ErrBatchNotFound
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve slot in batch %d: %w", batchID, err)
	}

	var tmpl types.BatchTemplate
	if err := json.Unmarshal(tmplJSON, &tmpl); err != nil {
		return 0, false, fmt.Errorf("failed to decode template of batch %d: %w", batchID, err)
	}
	if args == nil {
		args = tmpl.Args
	}

	id := batchID
	jobID, err := insertJob(ctx, tx, types.NewJob{
		TenantID:    tenantID,
		Name:        jobName,
		Args:        args,
		Priority:    priority,
		MaxAttempts: maxAtt,
		CreatedBy:   tmpl.CreatedBy,
		BatchID:     &id,
	})
	if err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit enqueue for batch %d: %w", batchID, err)
	}
	return jobID, true, nil
}

func (r *PostgresBatchStore) Summary(ctx context.Context, batchID int64) (*types.BatchSummary, error) {
	b, err := r.FindBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM jobcore_schema.jobs
		WHERE batch_id = $1
		GROUP BY status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise batch %d: %w", batchID, err)
	}
	defer rows.Close()

	summary := &types.BatchSummary{Batch: *b, ByStatus: make(map[state.JobStatus]int)}
	for rows.Next() {
		var (
			status state.JobStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		summary.ByStatus[status] = count
		summary.JobCount += count
	}
	return summary, rows.Err()
}
