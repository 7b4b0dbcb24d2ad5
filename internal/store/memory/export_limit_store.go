package memory

import (
	"context"
	"time"

	"github.com/valhalla/jobcore/types"
)

func (s *Store) GetLimit(_ context.Context, tenantID string) (*types.ExportLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limits[tenantID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *Store) UpsertLimit(_ context.Context, limit types.ExportLimit) error {
	s.mu.Lock()
	s.limits[limit.TenantID] = limit
	s.mu.Unlock()
	return nil
}

func (s *Store) Usage(_ context.Context, tenantID string, windowStart time.Time) (types.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u types.Usage
	for _, j := range s.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if holdsSlot(j) {
			u.Running++
		}
		if !j.CreatedAt.Before(windowStart) {
			u.CreatedInWindow++
		}
	}
	return u, nil
}

func (s *Store) limitLocked(tenantID string, defaults types.ExportLimit) types.ExportLimit {
	if l, ok := s.limits[tenantID]; ok {
		return l
	}
	defaults.TenantID = tenantID
	return defaults
}
