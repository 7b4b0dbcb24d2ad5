package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/constants"
	"github.com/valhalla/jobcore/internal/message_broker"
	"github.com/valhalla/jobcore/internal/quota"
	"github.com/valhalla/jobcore/internal/ratelimit"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
	"github.com/valhalla/jobcore/types/config"
)

// DefaultJobQueue is used when the RabbitMQ config names no queue.
const DefaultJobQueue = "jobcore.jobs"

// syncFlushInterval bounds how long a queued submission waits before it is
// written to storage.
const syncFlushInterval = 20 * time.Second

// JobManager is the producer-facing API: submitting and inspecting jobs,
// batches, export limits and rate-limit rules.
type JobManager struct {
	jobs    store.JobStore
	batches *BatchCoordinator
	limits  store.ExportLimitStore
	rules   store.RateLimitRuleStore
	limiter *ratelimit.Limiter
	gate    *quota.Gate
	mBroker message_broker.MessageBroker
	clock   clock.Clock

	useQueue  bool
	queue     string
	batchSize int
}

func NewJobManager(cfg *config.Config, jobs store.JobStore, batches *BatchCoordinator, limits store.ExportLimitStore,
	rules store.RateLimitRuleStore, limiter *ratelimit.Limiter, gate *quota.Gate, mBroker message_broker.MessageBroker, c clock.Clock) *JobManager {
	if c == nil {
		c = clock.System()
	}
	queue := DefaultJobQueue
	if cfg.RabbitMQConfig != nil && cfg.RabbitMQConfig.Queue != "" {
		queue = cfg.RabbitMQConfig.Queue
	}
	return &JobManager{
		jobs:      jobs,
		batches:   batches,
		limits:    limits,
		rules:     rules,
		limiter:   limiter,
		gate:      gate,
		mBroker:   mBroker,
		clock:     c,
		useQueue:  cfg.UseQueueWriter && mBroker != nil,
		queue:     queue,
		batchSize: positiveOr(cfg.BatchSize, config.DefaultBatchSize),
	}
}

// CreateJob validates job, fills in defaults and stores it as queued. In
// queue-writer mode the job is published instead and the returned ID is 0;
// it gets an ID once the sync worker writes it.
func (jm *JobManager) CreateJob(ctx context.Context, job types.NewJob) (int64, error) {
	job, err := prepareJob(job)
	if err != nil {
		return 0, err
	}

	if jm.useQueue {
		body, err := json.Marshal(job)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := jm.mBroker.Publish(ctx, jm.queue, body); err != nil {
			return 0, fmt.Errorf("failed to publish job: %w", err)
		}
		return 0, nil
	}

	id, err := jm.jobs.Insert(ctx, job)
	if err != nil {
		log.Printf("job manager: insert failed: %v", err)
		return 0, err
	}
	return id, nil
}

func prepareJob(job types.NewJob) (types.NewJob, error) {
	validationErr := &apperrors.ValidationError{}
	if job.TenantID == "" {
		validationErr.Add(errors.New("tenant id is required"))
	}
	if job.Name == "" {
		validationErr.Add(errors.New("job name is required"))
	}
	if job.Priority < 0 {
		validationErr.Add(errors.New("priority must not be negative"))
	}
	if job.MaxAttempts < 0 {
		validationErr.Add(errors.New("max attempts must not be negative"))
	}
	if validationErr.HasError() {
		return job, validationErr
	}

	if job.Priority == 0 {
		job.Priority = constants.DefaultPriority
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = constants.MaxRetryAttempt
	}
	if job.Args == nil {
		job.Args = []any{}
	}
	return job, nil
}

func (jm *JobManager) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	return jm.jobs.FindByID(ctx, id)
}

func (jm *JobManager) GetStatus(ctx context.Context, id int64) (state.JobStatus, error) {
	return jm.jobs.GetStatus(ctx, id)
}

func (jm *JobManager) ListJobs(ctx context.Context, filter types.JobFilter, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("unknown status %q", filter.Status)
	}
	return jm.jobs.List(ctx, filter, page, pageSize)
}

func (jm *JobManager) ListRuns(ctx context.Context, id int64) ([]types.JobRun, error) {
	if _, err := jm.jobs.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return jm.jobs.ListRuns(ctx, id)
}

// CancelJob cancels a queued or running job. A running handler sees the
// cancellation at its next progress report or heartbeat. It returns false
// when the job had already finished.
func (jm *JobManager) CancelJob(ctx context.Context, id int64) (bool, error) {
	return jm.jobs.Cancel(ctx, id, jm.clock.Now())
}

func (jm *JobManager) CountJobsGroupedByStatus(ctx context.Context, tenantID string) (map[state.JobStatus]int, error) {
	return jm.jobs.CountAllJobsGroupedByStatus(ctx, tenantID)
}

func (jm *JobManager) CreateBatch(ctx context.Context, tenantID string, tmpl types.BatchTemplate, total int) (int64, error) {
	return jm.batches.CreateBatch(ctx, tenantID, tmpl, total)
}

func (jm *JobManager) EnqueueNext(ctx context.Context, batchID int64) (EnqueueResult, error) {
	return jm.batches.EnqueueNext(ctx, batchID)
}

func (jm *JobManager) EnqueueItems(ctx context.Context, batchID int64, items [][]any) (EnqueueResult, error) {
	return jm.batches.EnqueueItems(ctx, batchID, items)
}

func (jm *JobManager) BatchSummary(ctx context.Context, batchID int64) (*types.BatchSummary, error) {
	return jm.batches.Summary(ctx, batchID)
}

func (jm *JobManager) SetExportLimit(ctx context.Context, limit types.ExportLimit) error {
	validationErr := &apperrors.ValidationError{}
	if limit.TenantID == "" {
		validationErr.Add(errors.New("tenant id is required"))
	}
	if limit.MaxConcurrent < 0 {
		validationErr.Add(errors.New("max concurrent must not be negative"))
	}
	if limit.DailyQuota < 0 {
		validationErr.Add(errors.New("daily quota must not be negative"))
	}
	if validationErr.HasError() {
		return validationErr
	}
	return jm.limits.UpsertLimit(ctx, limit)
}

// GetExportLimit returns the tenant's limit, or the defaults when none is set.
func (jm *JobManager) GetExportLimit(ctx context.Context, tenantID string) (types.ExportLimit, error) {
	return jm.gate.LimitFor(ctx, tenantID)
}

// MayAdmit reports whether the tenant currently has room for another job.
func (jm *JobManager) MayAdmit(ctx context.Context, tenantID string) (quota.Decision, error) {
	return jm.gate.MayAdmit(ctx, tenantID)
}

func (jm *JobManager) SetRateLimitRule(ctx context.Context, rule types.RateLimitRule) error {
	validationErr := &apperrors.ValidationError{}
	if rule.Scope == "" {
		validationErr.Add(errors.New("scope is required"))
	}
	if rule.Key == "" {
		validationErr.Add(errors.New("key is required"))
	}
	if rule.WindowSeconds <= 0 {
		validationErr.Add(errors.New("window seconds must be positive"))
	}
	if rule.MaxRequests < 0 {
		validationErr.Add(errors.New("max requests must not be negative"))
	}
	if validationErr.HasError() {
		return validationErr
	}
	return jm.rules.UpsertRule(ctx, rule)
}

func (jm *JobManager) ListRateLimitRules(ctx context.Context) ([]types.RateLimitRule, error) {
	return jm.rules.ListRules(ctx)
}

// CheckRateLimit counts one request for (scope, key).
func (jm *JobManager) CheckRateLimit(ctx context.Context, scope, key string) (types.RateLimitDecision, error) {
	if jm.limiter == nil {
		return types.RateLimitDecision{Allowed: true, Limit: -1, Remaining: -1}, nil
	}
	return jm.limiter.CheckAndIncrement(ctx, scope, key)
}

// StartQueueAndStorageSyncWorker consumes jobs published by CreateJob and
// bulk-inserts them. Messages are acknowledged only after their batch is
// stored; a failed insert puts the whole batch back on the queue.
func (jm *JobManager) StartQueueAndStorageSyncWorker(ctx context.Context) error {
	if !jm.useQueue {
		return nil
	}
	log.Printf("job manager: syncing queue %s with storage", jm.queue)

	msgCh, err := jm.mBroker.Consume(ctx, jm.queue)
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}

	go func() {
		ticker := time.NewTicker(syncFlushInterval)
		defer ticker.Stop()

		var jobsBatch []types.NewJob
		var pending []message_broker.Message

		flushBatch := func(ctx context.Context) {
			if len(jobsBatch) == 0 {
				return
			}
			if err := jm.jobs.BulkInsert(ctx, jobsBatch); err != nil {
				log.Printf("job manager: failed to insert %d jobs: %v", len(jobsBatch), err)
				for _, m := range pending {
					nack(m, true)
				}
			} else {
				log.Printf("job manager: inserted %d jobs in batch", len(jobsBatch))
				for _, m := range pending {
					ack(m)
				}
			}
			jobsBatch = nil
			pending = nil
		}

		for {
			select {
			case <-ctx.Done():
				flushBatch(context.WithoutCancel(ctx))
				return

			case msg, ok := <-msgCh:
				if !ok {
					flushBatch(context.WithoutCancel(ctx))
					return
				}

				var job types.NewJob
				if err := json.Unmarshal(msg.Body, &job); err != nil {
					log.Printf("job manager: dropping malformed job message: %v", err)
					nack(msg, false)
					continue
				}
				if job, err = prepareJob(job); err != nil {
					log.Printf("job manager: dropping invalid job message: %v", err)
					nack(msg, false)
					continue
				}

				jobsBatch = append(jobsBatch, job)
				pending = append(pending, msg)
				if len(jobsBatch) >= jm.batchSize {
					flushBatch(ctx)
				}

			case <-ticker.C:
				flushBatch(ctx)
			}
		}
	}()

	return nil
}

func ack(m message_broker.Message) {
	if m.Ack == nil {
		return
	}
	if err := m.Ack(); err != nil {
		log.Printf("job manager: ack failed: %v", err)
	}
}

func nack(m message_broker.Message, requeue bool) {
	if m.Nack == nil {
		return
	}
	if err := m.Nack(requeue); err != nil {
		log.Printf("job manager: nack failed: %v", err)
	}
}
