package mocks

import (
	"context"

	"github.com/valhalla/jobcore/types"
)

// MockJobCreator is a mock implementation of client.JobCreator for testing.
type MockJobCreator struct {
	CreateJobFunc func(ctx context.Context, job types.NewJob) (int64, error)
}

func (m *MockJobCreator) CreateJob(ctx context.Context, job types.NewJob) (int64, error) {
	if m.CreateJobFunc != nil {
		return m.CreateJobFunc(ctx, job)
	}
	return 1, nil
}
