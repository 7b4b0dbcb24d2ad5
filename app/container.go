package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/valhalla/jobcore/client"
	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/db"
	"github.com/valhalla/jobcore/internal/lock"
	"github.com/valhalla/jobcore/internal/message_broker"
	"github.com/valhalla/jobcore/internal/quota"
	"github.com/valhalla/jobcore/internal/ratelimit"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/internal/store/memory"
	"github.com/valhalla/jobcore/internal/store/postgres"
	"github.com/valhalla/jobcore/internal/store/redisstore"
	"github.com/valhalla/jobcore/types"
	"github.com/valhalla/jobcore/types/config"
	"github.com/valhalla/jobcore/web"
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.Config
	Clock  clock.Clock

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis *redis.Client

	// Stores (implement interfaces for testability)
	JobStore         store.JobStore
	BatchStore       store.BatchStore
	ExportLimitStore store.ExportLimitStore
	RateLimitRules   store.RateLimitRuleStore
	RateLimitWindows store.RateLimitWindowStore

	// Infrastructure
	LockStore     lock.LockStore
	MessageBroker message_broker.MessageBroker

	// Job handlers and managers
	JobHandler *config.JobHandler
	Gate       *quota.Gate
	Limiter    *ratelimit.Limiter
	Batches    *client.BatchCoordinator
	Scheduler  *client.Scheduler
	Recurring  *client.RecurringScheduler
	JobManager *client.JobManager
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
// Pass optional WithDB, WithRedis to inject connections for testing.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}
	c := &Container{Config: cfg, Clock: opt.clock}
	if c.Clock == nil {
		c.Clock = clock.System()
	}

	if err := c.initStorage(ctx, opt); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := c.initRedis(ctx, opt); err != nil {
		c.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}
	c.initLocks()

	if opt.broker != nil {
		c.MessageBroker = opt.broker
	} else if cfg.UseQueueWriter {
		mBroker, err := message_broker.NewRabbitMQ(*cfg.RabbitMQConfig, cfg.BatchSize)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("init rabbitmq: %w", err)
		}
		c.MessageBroker = mBroker
	}

	c.JobHandler = config.NewJobHandler()
	for _, h := range cfg.Handlers {
		if err := c.JobHandler.Register(h.JobName, h.Func); err != nil {
			c.Close()
			return nil, err
		}
	}

	limiterOpts := []ratelimit.Option{ratelimit.WithClock(c.Clock)}
	if cfg.DefaultRateLimit != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithDefaultRule(*cfg.DefaultRateLimit))
	}
	c.Limiter = ratelimit.NewLimiter(c.RateLimitRules, c.RateLimitWindows, limiterOpts...)
	c.Gate = quota.NewGate(c.JobStore, c.ExportLimitStore, cfg.DefaultLimit, cfg.QuotaWindow, c.Clock)
	c.Batches = client.NewBatchCoordinator(c.BatchStore, c.Gate)
	c.Scheduler = client.NewScheduler(cfg, c.JobStore, c.LockStore, c.Gate, c.JobHandler, c.Clock)
	c.JobManager = client.NewJobManager(cfg, c.JobStore, c.Batches, c.ExportLimitStore, c.RateLimitRules,
		c.Limiter, c.Gate, c.MessageBroker, c.Clock)

	c.Recurring = client.NewRecurringScheduler(c.JobManager, c.LockStore, cfg.Instance, c.Clock)
	for _, job := range cfg.RecurringJobs {
		if err := c.Recurring.Add(job); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// initStorage creates the stores for the configured driver.
func (c *Container) initStorage(ctx context.Context, opt *containerConfig) error {
	switch c.Config.StorageDriver {
	case config.Postgres:
		sqlDB := opt.db
		if sqlDB == nil {
			var err error
			if sqlDB, err = db.Open(ctx, c.Config.PostgresConfig.ConnectionUrl); err != nil {
				return err
			}
		}
		c.DB = sqlDB
		if !opt.skipMigrations {
			if err := db.Init(ctx, sqlDB); err != nil {
				sqlDB.Close()
				return err
			}
		}
		rateLimits := postgres.NewPostgresRateLimitStore(sqlDB)
		c.JobStore = postgres.NewPostgresJobStore(sqlDB)
		c.BatchStore = postgres.NewPostgresBatchStore(sqlDB)
		c.ExportLimitStore = postgres.NewPostgresExportLimitStore(sqlDB)
		c.RateLimitRules = rateLimits
		c.RateLimitWindows = rateLimits
		return nil

	case config.Memory:
		st := memory.New(c.Clock)
		c.JobStore = st
		c.BatchStore = st
		c.ExportLimitStore = st
		c.RateLimitRules = st
		c.RateLimitWindows = st
		return nil

	default:
		return fmt.Errorf("unsupported storage driver: %v", c.Config.StorageDriver)
	}
}

// initRedis connects to Redis when configured and moves rate-limit counters
// there if asked to.
func (c *Container) initRedis(ctx context.Context, opt *containerConfig) error {
	rc := opt.redis
	if rc == nil && c.Config.RedisConfig.Enabled() {
		rc = redis.NewClient(&redis.Options{
			Addr:     c.Config.RedisConfig.Address,
			Password: c.Config.RedisConfig.Password,
			DB:       c.Config.RedisConfig.DB,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			rc.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}
	c.Redis = rc
	if rc != nil && c.Config.RedisConfig.RateLimit {
		c.RateLimitWindows = redisstore.NewRedisRateLimitStore(rc, "")
	}
	return nil
}

func (c *Container) initLocks() {
	switch {
	case c.Config.LockDriver == config.LockRedis && c.Redis != nil:
		c.LockStore = lock.NewRedisLockStore(c.Redis, "")
	case c.DB != nil:
		c.LockStore = lock.NewPostgresLockStore(c.DB)
	default:
		c.LockStore = lock.NewMemoryLockStore(c.Clock)
	}
}

// SeedRateLimitRules stores rules for every (scope, key) that has none yet.
// Existing rules, including disabled ones, are left alone.
func (c *Container) SeedRateLimitRules(ctx context.Context, rules []types.RateLimitRule) error {
	existing, err := c.RateLimitRules.ListRules(ctx)
	if err != nil {
		return err
	}
	have := make(map[[2]string]bool, len(existing))
	for _, r := range existing {
		have[[2]string{r.Scope, r.Key}] = true
	}
	for _, r := range rules {
		if have[[2]string{r.Scope, r.Key}] {
			continue
		}
		if err := c.RateLimitRules.UpsertRule(ctx, r); err != nil {
			return err
		}
		log.Printf("app: seeded rate limit rule %s/%s", r.Scope, r.Key)
	}
	return nil
}

// Run starts every configured component and blocks until ctx is cancelled or
// one of them fails.
func (c *Container) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(c.Scheduler.Start(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(c.Recurring.Start(ctx))
	})
	if c.Config.UseQueueWriter {
		g.Go(func() error {
			return c.JobManager.StartQueueAndStorageSyncWorker(ctx)
		})
	}
	if c.Config.APIEnabled {
		router := web.NewRouteHandler(c.JobManager, c.Config.AdminUserName, c.Config.AdminPasswordHash, c.Config.APIPort)
		g.Go(func() error {
			return router.Serve(ctx)
		})
	}

	return g.Wait()
}

// Close releases every connection the container opened.
func (c *Container) Close() error {
	var errs []error
	if c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
