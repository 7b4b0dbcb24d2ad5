package config

import (
	"fmt"
	"strings"
)

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	Memory
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Memory:
		return "memory"
	}
	return "unknown"
}

func ParseStorageDriver(s string) (StorageDriver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "memory":
		return Memory, nil
	}
	return 0, fmt.Errorf("unknown storage driver %q", s)
}

type MessageQueueDriver int

const (
	RabbitMQ MessageQueueDriver = iota + 1
)

func (d MessageQueueDriver) String() string {
	switch d {
	case RabbitMQ:
		return "rabbitmq"
	default:
		return "unknown"
	}
}

// LockDriver selects where job and cron leases live.
type LockDriver int

const (
	// LockDefault keeps leases in the storage driver's backend.
	LockDefault LockDriver = iota
	LockRedis
)

func (d LockDriver) String() string {
	switch d {
	case LockDefault:
		return "default"
	case LockRedis:
		return "redis"
	}
	return "unknown"
}
