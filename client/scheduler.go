package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/constants"
	"github.com/valhalla/jobcore/internal/lock"
	"github.com/valhalla/jobcore/internal/quota"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
	"github.com/valhalla/jobcore/types/config"
)

const tracerName = "github.com/valhalla/jobcore/client"

// leaseExpired is recorded as the error of attempts reclaimed by the sweeper.
const leaseExpired = "lease expired"

// Scheduler dispatches due jobs to a bounded pool of workers. A job runs only
// while this instance holds its lease and the quota gate admitted it.
type Scheduler struct {
	jobs       store.JobStore
	locks      lock.LockStore
	gate       *quota.Gate
	jobHandler *config.JobHandler
	clock      clock.Clock
	tracer     trace.Tracer

	instance      string
	batchSize     int
	pollInterval  time.Duration
	leaseTTL      time.Duration
	sweepInterval time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewScheduler(cfg *config.Config, jobs store.JobStore, locks lock.LockStore, gate *quota.Gate, jobHandler *config.JobHandler, c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.System()
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = config.DefaultWorkerCount
	}
	return &Scheduler{
		jobs:          jobs,
		locks:         locks,
		gate:          gate,
		jobHandler:    jobHandler,
		clock:         c,
		tracer:        otel.Tracer(tracerName),
		instance:      cfg.Instance,
		batchSize:     positiveOr(cfg.BatchSize, config.DefaultBatchSize),
		pollInterval:  durationOr(cfg.PollInterval, config.DefaultPollInterval),
		leaseTTL:      durationOr(cfg.LeaseTTL, constants.DefaultLeaseTTL),
		sweepInterval: durationOr(cfg.SweepInterval, config.DefaultSweepInterval),
		backoffBase:   durationOr(cfg.BackoffBase, constants.BackoffBase),
		backoffCap:    durationOr(cfg.BackoffCap, constants.BackoffCap),
		sem:           semaphore.NewWeighted(int64(workers)),
	}
}

// Start runs ticks and stale sweeps until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Printf("scheduler: instance %s started", s.instance)

	go s.sweepLoop(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Printf("scheduler: tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Printf("scheduler: instance %s stopped", s.instance)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until every job started by Tick has been finalised.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick starts up to batchSize due jobs that this instance can lease and the
// quota gate admits, and returns how many it started. Due jobs are read a page
// at a time until enough have started or none are left, so deferred jobs at
// the head of the queue do not hold back other tenants. A tenant at its
// concurrency cap is left out of the remaining pages.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	q := store.DueQuery{Now: s.clock.Now(), Limit: s.batchSize}
	capped := make(map[string]bool)
	started, seen := 0, 0

	for started < s.batchSize {
		due, err := s.jobs.FetchDueJobs(ctx, q)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return started, fmt.Errorf("failed to fetch due jobs: %w", err)
		}
		seen += len(due)

		for _, job := range due {
			if started >= s.batchSize {
				break
			}
			if capped[job.TenantID] {
				continue
			}
			// a worker slot is taken before admission so an admitted job never
			// waits in running state for the pool
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return started, err
			}
			ok, reason := s.claim(ctx, job)
			if !ok {
				s.sem.Release(1)
				if reason == quota.ReasonConcurrency {
					capped[job.TenantID] = true
					q.SkipTenants = append(q.SkipTenants, job.TenantID)
				}
				continue
			}
			started++
			s.wg.Add(1)
			go s.handleJob(ctx, job)
		}

		if len(due) < q.Limit {
			break
		}
		q.After = store.CursorAfter(due[len(due)-1])
	}

	span.SetAttributes(attribute.Int("jobs.due", seen), attribute.Int("jobs.started", started))
	return started, nil
}

// claim takes the job's lease and asks the gate to admit it. The lease is
// released again when admission fails, and the gate's reason is returned.
func (s *Scheduler) claim(ctx context.Context, job types.Job) (bool, string) {
	key := jobLeaseKey(job.ID)
	ok, err := s.locks.Acquire(ctx, key, s.instance, s.leaseTTL)
	if err != nil {
		log.Printf("scheduler: failed to lease job %d: %v", job.ID, err)
		return false, ""
	}
	if !ok {
		return false, ""
	}

	decision, err := s.gate.Admit(ctx, job, s.instance)
	if err != nil {
		log.Printf("scheduler: %v", err)
		s.release(ctx, key)
		return false, ""
	}
	if !decision.Allowed {
		if decision.Reason != quota.ReasonNotQueued {
			log.Printf("scheduler: job %d deferred for tenant %s: %s", job.ID, job.TenantID, decision.Reason)
		}
		s.release(ctx, key)
		return false, decision.Reason
	}
	return true, ""
}

func (s *Scheduler) handleJob(ctx context.Context, job types.Job) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	// finalising writes must land even when the scheduler is shutting down
	bg := context.WithoutCancel(ctx)
	key := jobLeaseKey(job.ID)
	defer s.release(bg, key)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	attempt := job.Attempts + 1
	res := types.JobResult{JobID: job.ID, Attempts: attempt, StartedAt: s.clock.Now()}
	exec := newExecution(job, attempt, s.instance, s.jobs, s.clock, cancel)

	runID, err := s.jobs.StartRun(bg, job.ID, attempt, res.StartedAt)
	if err != nil {
		res.Err = fmt.Errorf("failed to open run: %w", err)
		res.FinishedAt = s.clock.Now()
		s.finalize(bg, job, res)
		return
	}
	res.RunID = runID

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(runCtx, key, exec)
	}()

	res.Err = s.execute(runCtx, job, exec)
	cancel()
	<-hbDone

	res.Cancelled = exec.isCancelled() || errors.Is(res.Err, apperrors.ErrJobCancelled)
	res.Logs = exec.log()
	res.FinishedAt = s.clock.Now()
	s.finalize(bg, job, res)
}

// execute runs the job's handler. A panic is reported as an execution error.
func (s *Scheduler) execute(ctx context.Context, job types.Job, exec *execution) (err error) {
	ctx, span := s.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.String("job.tenant", job.TenantID),
		attribute.Int("job.attempt", exec.Attempt()),
	))
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: panic in job %d: %v", job.ID, r)
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	args, err := job.Args()
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return s.jobHandler.Execute(ctx, job.Name, exec, args...)
}

// heartbeat keeps the lease alive and watches for cancellation until ctx ends.
func (s *Scheduler) heartbeat(ctx context.Context, key string, exec *execution) {
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.locks.Renew(ctx, key, s.instance, s.leaseTTL)
			if err != nil {
				log.Printf("scheduler: failed to renew lease %s: %v", key, err)
			} else if !ok {
				log.Printf("scheduler: lost lease %s", key)
			}

			status, err := s.jobs.GetStatus(ctx, exec.JobID())
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("scheduler: failed to read status of job %d: %v", exec.JobID(), err)
				}
				continue
			}
			if status == state.StatusCancelled {
				log.Printf("scheduler: job %d cancelled while running", exec.JobID())
				exec.markCancelled()
				return
			}
		}
	}
}

// finalize closes the run and moves the job to its next status. Every write is
// fenced on this instance, so a result from a superseded attempt is dropped.
// A job cancelled while it ran keeps its tenant's slot until finalize lets go
// of it here.
func (s *Scheduler) finalize(ctx context.Context, job types.Job, res types.JobResult) {
	switch {
	case res.Err == nil && !res.Cancelled:
		ok, err := s.jobs.MarkSuccess(ctx, job.ID, s.instance, res.FinishedAt)
		if err != nil {
			log.Printf("scheduler: MarkSuccess error for job %d: %v", job.ID, err)
		} else if !ok {
			// cancelled after the handler's last look
			if s.releaseCancelled(ctx, job.ID, s.instance) {
				s.finishRun(ctx, res, false, apperrors.ErrJobCancelled.Error())
				return
			}
			log.Printf("scheduler: job %d finished but is no longer held by %s", job.ID, s.instance)
		}
		s.finishRun(ctx, res, true, "")

	case res.Cancelled:
		s.finishRun(ctx, res, false, apperrors.ErrJobCancelled.Error())
		s.releaseCancelled(ctx, job.ID, s.instance)

	default:
		s.finishRun(ctx, res, false, res.Err.Error())
		if !s.retryOrFail(ctx, job, s.instance, res.Attempts, res.Err.Error()) {
			s.releaseCancelled(ctx, job.ID, s.instance)
		}
	}
}

func (s *Scheduler) releaseCancelled(ctx context.Context, jobID int64, owner string) bool {
	ok, err := s.jobs.ReleaseCancelled(ctx, jobID, owner)
	if err != nil {
		log.Printf("scheduler: ReleaseCancelled error for job %d: %v", jobID, err)
		return false
	}
	return ok
}

func (s *Scheduler) finishRun(ctx context.Context, res types.JobResult, success bool, errMsg string) {
	if res.RunID == 0 {
		return
	}
	if err := s.jobs.FinishRun(ctx, res.RunID, success, errMsg, res.Logs, res.FinishedAt); err != nil {
		log.Printf("scheduler: FinishRun error for job %d: %v", res.JobID, err)
	}
}

// retryOrFail requeues the job with backoff while attempts remain and moves it
// to failed otherwise. It reports whether the write landed.
func (s *Scheduler) retryOrFail(ctx context.Context, job types.Job, owner string, attempts int, errMsg string) bool {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = constants.MaxRetryAttempt
	}
	now := s.clock.Now()

	if attempts < maxAttempts {
		next := now.Add(Backoff(attempts, s.backoffBase, s.backoffCap))
		ok, err := s.jobs.MarkRetry(ctx, job.ID, owner, attempts, errMsg, next)
		if err != nil {
			log.Printf("scheduler: MarkRetry error for job %d: %v", job.ID, err)
		}
		return ok
	}

	log.Printf("scheduler: job %d failed after %d attempts: %s", job.ID, attempts, errMsg)
	ok, err := s.jobs.MarkFailure(ctx, job.ID, owner, attempts, errMsg, now)
	if err != nil {
		log.Printf("scheduler: MarkFailure error for job %d: %v", job.ID, err)
	}
	return ok
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepStale(ctx); err != nil {
				log.Printf("scheduler: sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("scheduler: reclaimed %d stale jobs", n)
			}
		}
	}
}

// SweepStale reclaims running jobs whose worker stopped renewing the lease.
// A job is reclaimed only when its lease can be taken, and goes through the
// normal retry path as the owner that admitted it. A cancelled job whose
// worker vanished only has its slot released.
func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.leaseTTL)
	stale, err := s.jobs.FindStaleRunning(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	reclaimed := 0
	for _, job := range stale {
		key := jobLeaseKey(job.ID)
		ok, err := s.locks.Acquire(ctx, key, s.instance, s.leaseTTL)
		if err != nil {
			log.Printf("scheduler: failed to lease stale job %d: %v", job.ID, err)
			continue
		}
		if !ok {
			continue
		}

		s.closeOpenRuns(ctx, job.ID)
		owner := ""
		if job.LockedBy != nil {
			owner = *job.LockedBy
		}
		if job.Status == state.StatusCancelled {
			s.releaseCancelled(ctx, job.ID, owner)
		} else {
			s.retryOrFail(ctx, job, owner, job.Attempts+1, leaseExpired)
		}
		s.release(ctx, key)
		reclaimed++
	}
	return reclaimed, nil
}

func (s *Scheduler) closeOpenRuns(ctx context.Context, jobID int64) {
	runs, err := s.jobs.ListRuns(ctx, jobID)
	if err != nil {
		log.Printf("scheduler: ListRuns error for job %d: %v", jobID, err)
		return
	}
	now := s.clock.Now()
	for _, r := range runs {
		if r.FinishedAt != nil {
			continue
		}
		if err := s.jobs.FinishRun(ctx, r.ID, false, leaseExpired, r.Logs, now); err != nil {
			log.Printf("scheduler: FinishRun error for job %d: %v", jobID, err)
		}
	}
}

func (s *Scheduler) release(ctx context.Context, key string) {
	if _, err := s.locks.Release(ctx, key, s.instance); err != nil {
		log.Printf("scheduler: failed to release lease %s: %v", key, err)
	}
}

func jobLeaseKey(id int64) string {
	return constants.JobLeasePrefix + strconv.FormatInt(id, 10)
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func durationOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
