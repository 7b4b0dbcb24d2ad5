package constants

import "time"

// Advisory lock ids. Only the migration lock is a Postgres advisory lock;
// everything else is arbitrated through the lease table.
const (
	MigrationLock = iota + 7001
)

var Locks = []int{
	MigrationLock,
}

const (
	MaxRetryAttempt = 3

	// Lower value runs first.
	DefaultPriority = 100

	BackoffBase = 30 * time.Second
	BackoffCap  = time.Hour

	DefaultLeaseTTL = 5 * time.Minute

	DefaultMaxConcurrent = 5
	DefaultDailyQuota    = 2000
)

// Lease key prefixes used in the lock table.
const (
	JobLeasePrefix  = "job:"
	CronLeasePrefix = "cron:"
)
