package memory

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/types"
)

func (s *Store) CreateBatch(_ context.Context, tenantID string, tmpl types.BatchTemplate, total int) (int64, error) {
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal batch template: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.batchSq++
	s.batches[s.batchSq] = &types.ExportBatch{
		ID:          s.batchSq,
		TenantID:    tenantID,
		Name:        tmpl.Name,
		JobName:     tmpl.JobName,
		Template:    raw,
		Priority:    tmpl.Priority,
		MaxAttempts: tmpl.MaxAttempts,
		TotalJobs:   total,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tmpls[s.batchSq] = tmpl
	return s.batchSq, nil
}

func (s *Store) FindBatch(_ context.Context, batchID int64) (*types.ExportBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, apperrors.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) EnqueueNext(_ context.Context, batchID int64, args []any) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return 0, false, apperrors.ErrBatchNotFound
	}
	if b.EnqueuedJobs >= b.TotalJobs {
		return 0, false, nil
	}

	tmpl := s.tmpls[batchID]
	if args == nil {
		args = tmpl.Args
	}
	id := batchID
	jobID, err := s.insertLocked(types.NewJob{
		TenantID:    b.TenantID,
		Name:        b.JobName,
		Args:        args,
		Priority:    b.Priority,
		MaxAttempts: b.MaxAttempts,
		CreatedBy:   tmpl.CreatedBy,
		BatchID:     &id,
	})
	if err != nil {
		return 0, false, err
	}
	b.EnqueuedJobs++
	b.UpdatedAt = s.clock.Now()
	return jobID, true, nil
}

func (s *Store) Summary(_ context.Context, batchID int64) (*types.BatchSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, apperrors.ErrBatchNotFound
	}
	summary := &types.BatchSummary{Batch: *b, ByStatus: make(map[state.JobStatus]int)}
	for _, j := range s.jobs {
		if j.BatchID != nil && *j.BatchID == batchID {
			summary.JobCount++
			summary.ByStatus[j.Status]++
		}
	}
	return summary, nil
}
