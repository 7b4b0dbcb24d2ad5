package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
)

const jobColumns = `id, tenant_id, batch_id, name, payload, status, priority, attempts, max_attempts,
		       scheduled_at, next_run_at, started_at, finished_at, progress, last_error,
		       locked_by, created_by, created_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (types.Job, error) {
	var (
		job        types.Job
		batchID    sql.NullInt64
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		lockedBy   sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &batchID, &job.Name, &job.Payload, &job.Status,
		&job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.ScheduledAt, &job.NextRunAt, &startedAt, &finishedAt, &job.Progress, &job.LastError,
		&lockedBy, &job.CreatedBy, &job.CreatedAt,
	)
	if err != nil {
		return job, err
	}
	if batchID.Valid {
		job.BatchID = &batchID.Int64
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if lockedBy.Valid {
		job.LockedBy = &lockedBy.String
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]types.Job, error) {
	defer rows.Close()
	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			log.Printf("job store: scan error: %v", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (r *PostgresJobStore) Insert(ctx context.Context, job types.NewJob) (int64, error) {
	return insertJob(ctx, r.db, job)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertJob(ctx context.Context, q queryRower, job types.NewJob) (int64, error) {
	query := `
		INSERT INTO jobcore_schema.jobs
			(tenant_id, batch_id, name, payload, status, priority, max_attempts,
			 scheduled_at, next_run_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()), COALESCE($8, now()), $9, now())
		RETURNING id
	`

	payloadJSON, err := json.Marshal(job.Args)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var id int64
	err = q.QueryRowContext(ctx, query,
		job.TenantID, nullInt64(job.BatchID), job.Name, string(payloadJSON), state.StatusQueued,
		job.Priority, job.MaxAttempts, nullTime(job.ScheduledAt), job.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}
	return id, nil
}

func (r *PostgresJobStore) BulkInsert(ctx context.Context, jobs []types.NewJob) error {
	if len(jobs) == 0 {
		return nil
	}

	const cols = 9
	var sb strings.Builder
	sb.WriteString(`INSERT INTO jobcore_schema.jobs
		(tenant_id, batch_id, name, payload, status, priority, max_attempts,
		 scheduled_at, next_run_at, created_by, created_at) VALUES `)

	args := make([]any, 0, len(jobs)*cols)
	for i, job := range jobs {
		payloadJSON, err := json.Marshal(job.Args)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, COALESCE($%d, now()), COALESCE($%d, now()), $%d, now())",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+8, n+9)
		args = append(args,
			job.TenantID, nullInt64(job.BatchID), job.Name, string(payloadJSON), state.StatusQueued,
			job.Priority, job.MaxAttempts, nullTime(job.ScheduledAt), job.CreatedBy,
		)
	}

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to bulk insert %d jobs: %w", len(jobs), err)
	}
	return nil
}

func (r *PostgresJobStore) FindByID(ctx context.Context, id int64) (*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobcore_schema.jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job %d: %w", id, err)
	}
	return &job, nil
}

func (r *PostgresJobStore) List(ctx context.Context, filter types.JobFilter, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize)

	var args []any
	where := "TRUE"
	argIndex := 1
	if filter.TenantID != "" {
		where += fmt.Sprintf(" AND tenant_id = $%d", argIndex)
		args = append(args, filter.TenantID)
		argIndex++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, filter.Status)
		argIndex++
	}
	if filter.BatchID != nil {
		where += fmt.Sprintf(" AND batch_id = $%d", argIndex)
		args = append(args, *filter.BatchID)
		argIndex++
	}

	countQuery := `SELECT COUNT(*) FROM jobcore_schema.jobs WHERE ` + where
	selectQuery := fmt.Sprintf(`
		SELECT %s
		FROM jobcore_schema.jobs
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`, jobColumns, where, argIndex, argIndex+1)

	var totalItems int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalItems); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, selectQuery, append(args, pageSize, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	return types.NewPaginationResult(jobs, totalItems, page, pageSize), nil
}

func (r *PostgresJobStore) FetchDueJobs(ctx context.Context, q store.DueQuery) ([]types.Job, error) {
	where := []string{"status = $1", "next_run_at <= $2"}
	args := []any{state.StatusQueued, q.Now}
	if q.After != nil {
		n := len(args)
		where = append(where, fmt.Sprintf("(priority, scheduled_at, id) > ($%d, $%d, $%d)", n+1, n+2, n+3))
		args = append(args, q.After.Priority, q.After.ScheduledAt, q.After.ID)
	}
	if len(q.SkipTenants) > 0 {
		args = append(args, pq.Array(q.SkipTenants))
		where = append(where, fmt.Sprintf("NOT (tenant_id = ANY($%d))", len(args)))
	}
	args = append(args, q.Limit)

	query := `
		SELECT ` + jobColumns + `
		FROM jobcore_schema.jobs
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT $` + fmt.Sprint(len(args))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due jobs: %w", err)
	}
	return scanJobs(rows)
}

// Admit locks the job row, then the tenant's export_limits row, so admissions
// for one tenant are serialised by the limits row lock.
func (r *PostgresJobStore) Admit(ctx context.Context, jobID int64, owner string, now, windowStart time.Time, defaults types.ExportLimit, decide store.AdmissionFunc) (store.Admission, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Admission{}, fmt.Errorf("failed to begin admission: %w", err)
	}
	defer tx.Rollback()

	var (
		tenantID  string
		createdAt time.Time
		status    state.JobStatus
	)
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, created_at, status FROM jobcore_schema.jobs WHERE id = $1 FOR UPDATE`,
		jobID,
	).Scan(&tenantID, &createdAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Admission{}, apperrors.ErrJobNotFound
	}
	if err != nil {
		return store.Admission{}, fmt.Errorf("failed to lock job %d: %w", jobID, err)
	}
	if status != state.StatusQueued {
		return store.Admission{}, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobcore_schema.export_limits (tenant_id, max_concurrent, daily_quota)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, defaults.MaxConcurrent, defaults.DailyQuota,
	)
	if err != nil {
		return store.Admission{}, fmt.Errorf("failed to ensure export limit for %q: %w", tenantID, err)
	}

	limit := types.ExportLimit{TenantID: tenantID}
	err = tx.QueryRowContext(ctx,
		`SELECT max_concurrent, daily_quota FROM jobcore_schema.export_limits WHERE tenant_id = $1 FOR UPDATE`,
		tenantID,
	).Scan(&limit.MaxConcurrent, &limit.DailyQuota)
	if err != nil {
		return store.Admission{}, fmt.Errorf("failed to lock export limit for %q: %w", tenantID, err)
	}

	var usage types.Usage
	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $2 OR (status = $6 AND locked_by IS NOT NULL)),
			COUNT(*) FILTER (WHERE created_at >= $3 AND ($4 < $3 OR (created_at, id) < ($4, $5)))
		FROM jobcore_schema.jobs
		WHERE tenant_id = $1`,
		tenantID, state.StatusRunning, windowStart, createdAt, jobID, state.StatusCancelled,
	).Scan(&usage.Running, &usage.CreatedInWindow)
	if err != nil {
		return store.Admission{}, fmt.Errorf("failed to count usage for %q: %w", tenantID, err)
	}

	adm := store.Admission{Claimed: true, Limit: limit, Usage: usage}
	if !decide(limit, usage) {
		return adm, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobcore_schema.jobs
		SET status = $2, started_at = $3, locked_by = $4, finished_at = NULL
		WHERE id = $1 AND status = $5`,
		jobID, state.StatusRunning, now, owner, state.StatusQueued,
	)
	if err != nil {
		return store.Admission{}, fmt.Errorf("failed to admit job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Admission{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Admission{}, fmt.Errorf("failed to commit admission of job %d: %w", jobID, err)
	}
	adm.Admitted = n > 0
	return adm, nil
}

func (r *PostgresJobStore) StartRun(ctx context.Context, jobID int64, attempt int, startedAt time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO jobcore_schema.job_runs (job_id, attempt, started_at) VALUES ($1, $2, $3) RETURNING id`,
		jobID, attempt, startedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start run for job %d: %w", jobID, err)
	}
	return id, nil
}

func (r *PostgresJobStore) FinishRun(ctx context.Context, runID int64, success bool, errMsg, logs string, finishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobcore_schema.job_runs
		SET finished_at = $2, success = $3, error = NULLIF($4, ''), logs = NULLIF($5, '')
		WHERE id = $1 AND finished_at IS NULL`,
		runID, finishedAt, success, errMsg, logs,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}
	return nil
}

func (r *PostgresJobStore) ListRuns(ctx context.Context, jobID int64) ([]types.JobRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, attempt, started_at, finished_at, success,
		       COALESCE(error, ''), COALESCE(logs, '')
		FROM jobcore_schema.job_runs
		WHERE job_id = $1
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for job %d: %w", jobID, err)
	}
	defer rows.Close()

	runs := []types.JobRun{}
	for rows.Next() {
		var (
			run        types.JobRun
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.JobID, &run.Attempt, &run.StartedAt, &finishedAt, &run.Success, &run.Error, &run.Logs); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func execFenced(ctx context.Context, db *sql.DB, query string, args ...any) (bool, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresJobStore) MarkSuccess(ctx context.Context, jobID int64, owner string, finishedAt time.Time) (bool, error) {
	ok, err := execFenced(ctx, r.db, `
		UPDATE jobcore_schema.jobs
		SET status = $3, progress = 100, finished_at = $4, last_error = NULL, locked_by = NULL
		WHERE id = $1 AND locked_by = $2 AND status = $5`,
		jobID, owner, state.StatusSucceeded, finishedAt, state.StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %d succeeded: %w", jobID, err)
	}
	return ok, nil
}

func (r *PostgresJobStore) MarkRetry(ctx context.Context, jobID int64, owner string, attempts int, errMsg string, nextRunAt time.Time) (bool, error) {
	ok, err := execFenced(ctx, r.db, `
		UPDATE jobcore_schema.jobs
		SET status = $3, attempts = $4, last_error = $5, next_run_at = $6, locked_by = NULL
		WHERE id = $1 AND locked_by = $2 AND status = $7`,
		jobID, owner, state.StatusQueued, attempts, errMsg, nextRunAt, state.StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to requeue job %d: %w", jobID, err)
	}
	return ok, nil
}

func (r *PostgresJobStore) MarkFailure(ctx context.Context, jobID int64, owner string, attempts int, errMsg string, finishedAt time.Time) (bool, error) {
	ok, err := execFenced(ctx, r.db, `
		UPDATE jobcore_schema.jobs
		SET status = $3, attempts = $4, last_error = $5, finished_at = $6, locked_by = NULL
		WHERE id = $1 AND locked_by = $2 AND status = $7`,
		jobID, owner, state.StatusFailed, attempts, errMsg, finishedAt, state.StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %d failed: %w", jobID, err)
	}
	return ok, nil
}

func (r *PostgresJobStore) Cancel(ctx context.Context, jobID int64, at time.Time) (bool, error) {
	ok, err := execFenced(ctx, r.db, `
		UPDATE jobcore_schema.jobs
		SET status = $2, finished_at = $3
		WHERE id = $1 AND status = ANY($4)`,
		jobID, state.StatusCancelled, at,
		pq.Array([]string{state.StatusQueued.String(), state.StatusRunning.String()}),
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %d: %w", jobID, err)
	}
	if !ok {
		// distinguish a missing job from one that is already terminal
		if _, err := r.GetStatus(ctx, jobID); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (r *PostgresJobStore) ReleaseCancelled(ctx context.Context, jobID int64, owner string) (bool, error) {
	ok, err := execFenced(ctx, r.db, `
		UPDATE jobcore_schema.jobs
		SET locked_by = NULL
		WHERE id = $1 AND locked_by = $2 AND status = $3`,
		jobID, owner, state.StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release cancelled job %d: %w", jobID, err)
	}
	return ok, nil
}

func (r *PostgresJobStore) UpdateProgress(ctx context.Context, jobID int64, owner string, progress int) (state.JobStatus, error) {
	var status state.JobStatus
	err := r.db.QueryRowContext(ctx, `
		WITH upd AS (
			UPDATE jobcore_schema.jobs SET progress = $3
			WHERE id = $1 AND locked_by = $2 AND status = $4
			RETURNING status
		)
		SELECT status FROM upd
		UNION ALL
		SELECT status FROM jobcore_schema.jobs WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM upd)`,
		jobID, owner, progress, state.StatusRunning,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to update progress of job %d: %w", jobID, err)
	}
	return status, nil
}

func (r *PostgresJobStore) GetStatus(ctx context.Context, jobID int64) (state.JobStatus, error) {
	var status state.JobStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM jobcore_schema.jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status of job %d: %w", jobID, err)
	}
	return status, nil
}

func (r *PostgresJobStore) FindStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]types.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobcore_schema.jobs
		WHERE (status = $1 OR (status = $4 AND locked_by IS NOT NULL)) AND started_at < $2
		ORDER BY started_at ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, state.StatusRunning, startedBefore, limit, state.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale jobs: %w", err)
	}
	return scanJobs(rows)
}

func (r *PostgresJobStore) CountAllJobsGroupedByStatus(ctx context.Context, tenantID string) (map[state.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM jobcore_schema.jobs
		WHERE $1 = '' OR tenant_id = $1
		GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[state.JobStatus]int)
	for rows.Next() {
		var (
			status state.JobStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *PostgresJobStore) Close() error {
	return r.db.Close()
}
