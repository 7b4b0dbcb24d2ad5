package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valhalla/jobcore/internal/quota"
	"github.com/valhalla/jobcore/types"
)

// FileConfig is the YAML form of Config. Zero values keep the defaults.
type FileConfig struct {
	Instance      string        `yaml:"instance"`
	Storage       string        `yaml:"storage"`
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	QuotaWindow   quota.Window  `yaml:"quota_window"`

	Backoff struct {
		Base time.Duration `yaml:"base"`
		Cap  time.Duration `yaml:"cap"`
	} `yaml:"backoff"`

	DefaultLimit     *types.ExportLimit   `yaml:"default_limit"`
	DefaultRateLimit *types.RateLimitRule `yaml:"default_rate_limit"`

	Postgres PostgresConfig  `yaml:"postgres"`
	Redis    *RedisConfig    `yaml:"redis"`
	RabbitMQ *RabbitMQConfig `yaml:"rabbitmq"`
	Locks    string          `yaml:"locks"`

	API struct {
		Port              uint   `yaml:"port"`
		AdminUser         string `yaml:"admin_user"`
		AdminPasswordHash string `yaml:"admin_password_hash"`
	} `yaml:"api"`

	Recurring []RecurringJob `yaml:"recurring"`
}

func LoadFile(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &fc, nil
}

// Options converts the file into options for NewConfig.
func (f *FileConfig) Options() []ContainerOption {
	var opts []ContainerOption
	if f.Storage != "" {
		d, err := ParseStorageDriver(f.Storage)
		if err != nil {
			opts = append(opts, func(*Config) error { return err })
		} else {
			opts = append(opts, WithStorageDriver(d))
		}
	}
	if f.Postgres.ConnectionUrl != "" {
		opts = append(opts, WithPostgresConfig(f.Postgres))
	}
	if f.Workers != 0 {
		opts = append(opts, WithWorkerCount(f.Workers))
	}
	if f.PollInterval != 0 {
		opts = append(opts, WithPollInterval(f.PollInterval))
	}
	if f.BatchSize != 0 {
		opts = append(opts, WithBatchSize(f.BatchSize))
	}
	if f.LeaseTTL != 0 {
		opts = append(opts, WithLeaseTTL(f.LeaseTTL))
	}
	if f.SweepInterval != 0 {
		opts = append(opts, WithSweepInterval(f.SweepInterval))
	}
	if f.QuotaWindow != "" {
		opts = append(opts, WithQuotaWindow(f.QuotaWindow))
	}
	if f.Backoff.Base != 0 || f.Backoff.Cap != 0 {
		opts = append(opts, WithBackoff(f.Backoff.Base, f.Backoff.Cap))
	}
	if f.DefaultLimit != nil {
		opts = append(opts, WithDefaultLimit(f.DefaultLimit.MaxConcurrent, f.DefaultLimit.DailyQuota))
	}
	if f.DefaultRateLimit != nil {
		opts = append(opts, WithDefaultRateLimit(*f.DefaultRateLimit))
	}
	if f.Redis != nil {
		opts = append(opts, WithRedisConfig(*f.Redis))
	}
	if f.Locks == LockRedis.String() {
		opts = append(opts, UseRedisLocks())
	}
	if f.RabbitMQ != nil {
		opts = append(opts, WithRabbitMQConfig(*f.RabbitMQ))
	}
	if f.API.Port != 0 {
		opts = append(opts, WithAPI(f.API.Port, f.API.AdminUser, f.API.AdminPasswordHash))
	}
	for _, r := range f.Recurring {
		opts = append(opts, WithRecurringJob(r))
	}
	return opts
}
