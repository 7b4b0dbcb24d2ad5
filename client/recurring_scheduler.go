package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/constants"
	"github.com/valhalla/jobcore/internal/lock"
	"github.com/valhalla/jobcore/types"
	"github.com/valhalla/jobcore/types/config"
)

// fireLeaseTTL keeps a fire's dedupe lease alive long after every instance
// has handled the same fire.
const fireLeaseTTL = time.Hour

// JobCreator is the part of JobManager the recurring scheduler needs.
type JobCreator interface {
	CreateJob(ctx context.Context, job types.NewJob) (int64, error)
}

// RecurringScheduler creates jobs on cron schedules. Every instance runs the
// same schedules; a lease per fire makes sure only one of them creates the job.
type RecurringScheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	creator  JobCreator
	locks    lock.LockStore
	clock    clock.Clock
	instance string

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

func NewRecurringScheduler(creator JobCreator, locks lock.LockStore, instance string, c clock.Clock) *RecurringScheduler {
	if c == nil {
		c = clock.System()
	}
	logger := cron.PrintfLogger(log.Default())
	return &RecurringScheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(logger)),
			cron.WithLogger(logger),
		),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		creator:  creator,
		locks:    locks,
		clock:    c,
		instance: instance,
		ctx:      context.Background(),
		entries:  make(map[string]cron.EntryID),
	}
}

// Add registers job. Names must be unique; the name is part of the dedupe key.
func (rs *RecurringScheduler) Add(job config.RecurringJob) error {
	if job.Name == "" {
		return errors.New("recurring job name is required")
	}
	schedule, err := rs.parser.Parse(job.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", job.Expression, job.Name, err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.entries[job.Name]; ok {
		return fmt.Errorf("recurring job %s already registered", job.Name)
	}
	rs.entries[job.Name] = rs.cron.Schedule(schedule, cron.FuncJob(func() {
		rs.mu.Lock()
		ctx := rs.ctx
		rs.mu.Unlock()
		// schedules have minute resolution, so every instance derives the
		// same fire time
		at := rs.clock.Now().Truncate(time.Minute)
		if _, err := rs.Fire(ctx, job, at); err != nil {
			log.Printf("recurring: %s failed at %s: %v", job.Name, at.Format(time.RFC3339), err)
		}
	}))
	return nil
}

// Fire creates job's instance for the fire at time at, unless another
// instance already did. It reports whether this call created it.
func (rs *RecurringScheduler) Fire(ctx context.Context, job config.RecurringJob, at time.Time) (bool, error) {
	key := constants.CronLeasePrefix + job.Name + ":" + strconv.FormatInt(at.Unix(), 10)
	ok, err := rs.locks.Acquire(ctx, key, rs.instance, fireLeaseTTL)
	if err != nil {
		return false, fmt.Errorf("failed to lease fire: %w", err)
	}
	if !ok {
		return false, nil
	}

	nj := job.Job
	if nj.CreatedBy == "" {
		nj.CreatedBy = "cron:" + job.Name
	}
	if _, err := rs.creator.CreateJob(ctx, nj); err != nil {
		// let another instance retry this fire
		if _, relErr := rs.locks.Release(ctx, key, rs.instance); relErr != nil {
			log.Printf("recurring: failed to release %s: %v", key, relErr)
		}
		return false, err
	}
	return true, nil
}

// Start runs the schedules until ctx is cancelled.
func (rs *RecurringScheduler) Start(ctx context.Context) error {
	rs.mu.Lock()
	rs.ctx = ctx
	n := len(rs.entries)
	rs.mu.Unlock()

	log.Printf("recurring: starting %d schedules", n)
	rs.cron.Start()
	<-ctx.Done()
	<-rs.cron.Stop().Done()
	return ctx.Err()
}
