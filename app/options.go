package app

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/message_broker"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject custom connections instead of creating them from config
	db     *sql.DB
	redis  *redis.Client
	broker message_broker.MessageBroker
	clock  clock.Clock

	skipMigrations bool
}

// WithDB injects a custom database connection. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a custom Redis client. Useful for testing.
func WithRedis(redis *redis.Client) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

// WithMessageBroker replaces the RabbitMQ connection used in queue-writer mode.
func WithMessageBroker(b message_broker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = b
	}
}

func WithClock(cl clock.Clock) ContainerOption {
	return func(c *containerConfig) {
		c.clock = cl
	}
}

// SkipMigrations leaves the Postgres schema untouched.
func SkipMigrations() ContainerOption {
	return func(c *containerConfig) {
		c.skipMigrations = true
	}
}
