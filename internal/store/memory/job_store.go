package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
)

func (s *Store) Insert(_ context.Context, job types.NewJob) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

func (s *Store) BulkInsert(_ context.Context, jobs []types.NewJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if _, err := s.insertLocked(j); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertLocked(nj types.NewJob) (int64, error) {
	payload, err := json.Marshal(nj.Args)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := s.clock.Now()
	scheduledAt := nj.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	s.jobSeq++
	s.jobs[s.jobSeq] = &types.Job{
		ID:          s.jobSeq,
		TenantID:    nj.TenantID,
		BatchID:     nj.BatchID,
		Name:        nj.Name,
		Payload:     payload,
		Status:      state.StatusQueued,
		Priority:    nj.Priority,
		MaxAttempts: nj.MaxAttempts,
		ScheduledAt: scheduledAt,
		NextRunAt:   scheduledAt,
		CreatedBy:   nj.CreatedBy,
		CreatedAt:   now,
	}
	return s.jobSeq, nil
}

func (s *Store) FindByID(_ context.Context, id int64) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Store) List(_ context.Context, filter types.JobFilter, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize)

	s.mu.Lock()
	var matched []types.Job
	for _, j := range s.jobs {
		if filter.TenantID != "" && j.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.BatchID != nil && (j.BatchID == nil || *j.BatchID != *filter.BatchID) {
			continue
		}
		matched = append(matched, *j)
	}
	s.mu.Unlock()

	// newest first
	sort.Slice(matched, func(a, b int) bool { return matched[a].ID > matched[b].ID })

	total := len(matched)
	items := []types.Job{}
	if offset < total {
		end := offset + pageSize
		if end > total {
			end = total
		}
		items = matched[offset:end]
	}
	return types.NewPaginationResult(items, total, page, pageSize), nil
}

func (s *Store) FetchDueJobs(_ context.Context, q store.DueQuery) ([]types.Job, error) {
	skip := make(map[string]bool, len(q.SkipTenants))
	for _, t := range q.SkipTenants {
		skip[t] = true
	}

	s.mu.Lock()
	var due []types.Job
	for _, j := range s.jobs {
		if j.Status != state.StatusQueued || j.NextRunAt.After(q.Now) || skip[j.TenantID] {
			continue
		}
		if q.After != nil && !afterCursor(j, q.After) {
			continue
		}
		due = append(due, *j)
	}
	s.mu.Unlock()

	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority < due[b].Priority
		}
		if !due[a].ScheduledAt.Equal(due[b].ScheduledAt) {
			return due[a].ScheduledAt.Before(due[b].ScheduledAt)
		}
		return due[a].ID < due[b].ID
	})
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

func afterCursor(j *types.Job, c *store.DueCursor) bool {
	if j.Priority != c.Priority {
		return j.Priority > c.Priority
	}
	if !j.ScheduledAt.Equal(c.ScheduledAt) {
		return j.ScheduledAt.After(c.ScheduledAt)
	}
	return j.ID > c.ID
}

func (s *Store) Admit(_ context.Context, jobID int64, owner string, now, windowStart time.Time, defaults types.ExportLimit, decide store.AdmissionFunc) (store.Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return store.Admission{}, apperrors.ErrJobNotFound
	}
	if job.Status != state.StatusQueued {
		return store.Admission{}, nil
	}

	limit := s.limitLocked(job.TenantID, defaults)
	usage := types.Usage{}
	for _, j := range s.jobs {
		if j.TenantID != job.TenantID {
			continue
		}
		if holdsSlot(j) {
			usage.Running++
		}
		if quotaAhead(j, job, windowStart) {
			usage.CreatedInWindow++
		}
	}

	adm := store.Admission{Claimed: true, Limit: limit, Usage: usage}
	if !decide(limit, usage) {
		return adm, nil
	}

	started := now
	locker := owner
	job.Status = state.StatusRunning
	job.StartedAt = &started
	job.FinishedAt = nil
	job.LockedBy = &locker
	adm.Admitted = true
	return adm, nil
}

// holdsSlot reports whether j takes one of its tenant's concurrency slots. A
// job cancelled while running keeps its slot until the worker lets go.
func holdsSlot(j *types.Job) bool {
	return j.Status == state.StatusRunning || (j.Status == state.StatusCancelled && j.LockedBy != nil)
}

// quotaAhead reports whether j uses the daily quota ahead of candidate. Jobs
// left over from before the window queue behind everything created in it.
func quotaAhead(j, candidate *types.Job, windowStart time.Time) bool {
	if j.CreatedAt.Before(windowStart) {
		return false
	}
	if candidate.CreatedAt.Before(windowStart) {
		return true
	}
	return createdBefore(j, candidate)
}

// createdBefore orders jobs by (created_at, id).
func createdBefore(a, b *types.Job) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Store) StartRun(_ context.Context, jobID int64, attempt int, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return 0, apperrors.ErrJobNotFound
	}
	s.runSeq++
	s.runs[jobID] = append(s.runs[jobID], types.JobRun{
		ID:        s.runSeq,
		JobID:     jobID,
		Attempt:   attempt,
		StartedAt: startedAt,
	})
	return s.runSeq, nil
}

func (s *Store) FinishRun(_ context.Context, runID int64, success bool, errMsg, logs string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, runs := range s.runs {
		for i := range runs {
			if runs[i].ID != runID {
				continue
			}
			if runs[i].FinishedAt != nil {
				return nil
			}
			at := finishedAt
			runs[i].FinishedAt = &at
			runs[i].Success = success
			runs[i].Error = errMsg
			runs[i].Logs = logs
			s.runs[jobID] = runs
			return nil
		}
	}
	return fmt.Errorf("run %d not found", runID)
}

func (s *Store) ListRuns(_ context.Context, jobID int64) ([]types.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]types.JobRun, len(s.runs[jobID]))
	copy(runs, s.runs[jobID])
	return runs, nil
}

// runningBy returns the job when it is running under owner.
func (s *Store) runningBy(jobID int64, owner string) *types.Job {
	job, ok := s.jobs[jobID]
	if !ok || job.Status != state.StatusRunning || job.LockedBy == nil || *job.LockedBy != owner {
		return nil
	}
	return job
}

func (s *Store) MarkSuccess(_ context.Context, jobID int64, owner string, finishedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.runningBy(jobID, owner)
	if job == nil {
		return false, nil
	}
	at := finishedAt
	job.Status = state.StatusSucceeded
	job.Progress = 100
	job.FinishedAt = &at
	job.LastError = sql.NullString{}
	job.LockedBy = nil
	return true, nil
}

func (s *Store) MarkRetry(_ context.Context, jobID int64, owner string, attempts int, errMsg string, nextRunAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.runningBy(jobID, owner)
	if job == nil {
		return false, nil
	}
	job.Status = state.StatusQueued
	job.Attempts = attempts
	job.LastError = sql.NullString{String: errMsg, Valid: true}
	job.NextRunAt = nextRunAt
	job.LockedBy = nil
	return true, nil
}

func (s *Store) MarkFailure(_ context.Context, jobID int64, owner string, attempts int, errMsg string, finishedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.runningBy(jobID, owner)
	if job == nil {
		return false, nil
	}
	at := finishedAt
	job.Status = state.StatusFailed
	job.Attempts = attempts
	job.LastError = sql.NullString{String: errMsg, Valid: true}
	job.FinishedAt = &at
	job.LockedBy = nil
	return true, nil
}

func (s *Store) Cancel(_ context.Context, jobID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, apperrors.ErrJobNotFound
	}
	if job.Status != state.StatusQueued && job.Status != state.StatusRunning {
		return false, nil
	}
	finished := at
	job.Status = state.StatusCancelled
	job.FinishedAt = &finished
	return true, nil
}

func (s *Store) ReleaseCancelled(_ context.Context, jobID int64, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != state.StatusCancelled || job.LockedBy == nil || *job.LockedBy != owner {
		return false, nil
	}
	job.LockedBy = nil
	return true, nil
}

func (s *Store) UpdateProgress(_ context.Context, jobID int64, owner string, progress int) (state.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return "", apperrors.ErrJobNotFound
	}
	if running := s.runningBy(jobID, owner); running != nil {
		running.Progress = progress
	}
	return job.Status, nil
}

func (s *Store) GetStatus(_ context.Context, jobID int64) (state.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return "", apperrors.ErrJobNotFound
	}
	return job.Status, nil
}

func (s *Store) FindStaleRunning(_ context.Context, startedBefore time.Time, limit int) ([]types.Job, error) {
	s.mu.Lock()
	var stale []types.Job
	for _, j := range s.jobs {
		if holdsSlot(j) && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			stale = append(stale, *j)
		}
	}
	s.mu.Unlock()

	sort.Slice(stale, func(a, b int) bool { return stale[a].StartedAt.Before(*stale[b].StartedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) CountAllJobsGroupedByStatus(_ context.Context, tenantID string) (map[state.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[state.JobStatus]int)
	for _, j := range s.jobs {
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		counts[j.Status]++
	}
	return counts, nil
}
