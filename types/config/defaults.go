package config

import (
	"time"

	"github.com/valhalla/jobcore/internal/constants"
	"github.com/valhalla/jobcore/internal/quota"
)

const (
	DefaultWorkerCount   = 5
	DefaultPollInterval  = 5 * time.Second
	DefaultStorageDriver = Postgres
	DefaultBatchSize     = 100
	DefaultSweepInterval = time.Minute
	DefaultQuotaWindow   = quota.CalendarDayUTC
	DefaultLeaseTTL      = constants.DefaultLeaseTTL
)
