package store

import (
	"context"
	"time"

	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/types"
)

// AdmissionFunc decides, from a tenant's limit and current usage, whether one
// more job may start. It is evaluated inside the store's admission
// transaction.
type AdmissionFunc func(limit types.ExportLimit, usage types.Usage) bool

// Admission is the outcome of JobStore.Admit.
type Admission struct {
	Admitted bool
	// Claimed is false when the job was no longer queued, e.g. cancelled or
	// taken by a stale worker, and no quota check was made.
	Claimed bool
	Limit   types.ExportLimit
	Usage   types.Usage
}

// DueCursor positions a due-job scan after a job already seen, in
// (priority, scheduled_at, id) order.
type DueCursor struct {
	Priority    int
	ScheduledAt time.Time
	ID          int64
}

// CursorAfter returns the cursor that resumes a scan after job.
func CursorAfter(job types.Job) *DueCursor {
	return &DueCursor{Priority: job.Priority, ScheduledAt: job.ScheduledAt, ID: job.ID}
}

// DueQuery selects queued jobs with next_run_at <= Now.
type DueQuery struct {
	Now   time.Time
	Limit int
	// After continues a scan past jobs already offered in the same tick.
	After *DueCursor
	// SkipTenants leaves out tenants already found to be over budget.
	SkipTenants []string
}

// JobStore persists jobs and their runs. Every method that finalises an
// attempt is fenced on the worker that admitted the job, so a worker whose
// lease was superseded cannot overwrite the new holder's result.
type JobStore interface {
	// Insert stores a queued job and returns its ID.
	Insert(ctx context.Context, job types.NewJob) (int64, error)

	// BulkInsert stores many queued jobs in one round trip.
	BulkInsert(ctx context.Context, jobs []types.NewJob) error

	// FindByID returns errors.ErrJobNotFound when no job has the given ID.
	FindByID(ctx context.Context, id int64) (*types.Job, error)

	List(ctx context.Context, filter types.JobFilter, page, pageSize int) (*types.PaginationResult[types.Job], error)

	// FetchDueJobs returns due jobs ordered by priority, then scheduled_at,
	// then id.
	FetchDueJobs(ctx context.Context, q DueQuery) ([]types.Job, error)

	// Admit moves a queued job to running if decide accepts the tenant's
	// usage. The usage counts and the status change happen atomically with
	// respect to other admissions for the same tenant.
	//
	// Usage.Running counts running jobs plus cancelled jobs a worker still
	// holds. Usage.CreatedInWindow counts the tenant's jobs created since
	// windowStart that come before the candidate in (created_at, id) order;
	// a candidate created before windowStart comes after all of them.
	Admit(ctx context.Context, jobID int64, owner string, now, windowStart time.Time, defaults types.ExportLimit, decide AdmissionFunc) (Admission, error)

	StartRun(ctx context.Context, jobID int64, attempt int, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, runID int64, success bool, errMsg, logs string, finishedAt time.Time) error
	ListRuns(ctx context.Context, jobID int64) ([]types.JobRun, error)

	MarkSuccess(ctx context.Context, jobID int64, owner string, finishedAt time.Time) (bool, error)
	MarkRetry(ctx context.Context, jobID int64, owner string, attempts int, errMsg string, nextRunAt time.Time) (bool, error)
	MarkFailure(ctx context.Context, jobID int64, owner string, attempts int, errMsg string, finishedAt time.Time) (bool, error)

	// Cancel marks a queued or running job cancelled. Running work notices it
	// cooperatively.
	Cancel(ctx context.Context, jobID int64, at time.Time) (bool, error)

	// ReleaseCancelled clears owner's hold on a job cancelled while it ran,
	// which frees the tenant's concurrency slot.
	ReleaseCancelled(ctx context.Context, jobID int64, owner string) (bool, error)

	// UpdateProgress stores progress for a running job and returns the job's
	// status, which lets the caller notice a cancellation.
	UpdateProgress(ctx context.Context, jobID int64, owner string, progress int) (state.JobStatus, error)

	GetStatus(ctx context.Context, jobID int64) (state.JobStatus, error)

	// FindStaleRunning returns jobs started before startedBefore that are
	// running, or were cancelled while a worker still holds them.
	FindStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]types.Job, error)

	// CountAllJobsGroupedByStatus counts jobs per status; an empty tenantID
	// counts across all tenants.
	CountAllJobsGroupedByStatus(ctx context.Context, tenantID string) (map[state.JobStatus]int, error)

	Close() error
}
