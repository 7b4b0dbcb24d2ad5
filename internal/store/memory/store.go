// Package memory keeps jobs, batches, limits and rate-limit counters in
// process memory. It backs the single-node driver and most tests. A single
// mutex serialises every operation, which is what makes admissions and batch
// enqueues atomic here.
package memory

import (
	"sync"

	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/types"
)

type ruleKey struct {
	scope string
	key   string
}

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	jobs    map[int64]*types.Job
	jobSeq  int64
	runs    map[int64][]types.JobRun
	runSeq  int64
	batches map[int64]*types.ExportBatch
	tmpls   map[int64]types.BatchTemplate
	batchSq int64

	limits    map[string]types.ExportLimit
	rules     map[ruleKey]types.RateLimitRule
	snapshots map[ruleKey]types.RateLimitSnapshot
}

func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.System()
	}
	return &Store{
		clock:     c,
		jobs:      make(map[int64]*types.Job),
		runs:      make(map[int64][]types.JobRun),
		batches:   make(map[int64]*types.ExportBatch),
		tmpls:     make(map[int64]types.BatchTemplate),
		limits:    make(map[string]types.ExportLimit),
		rules:     make(map[ruleKey]types.RateLimitRule),
		snapshots: make(map[ruleKey]types.RateLimitSnapshot),
	}
}

func (s *Store) Close() error { return nil }
