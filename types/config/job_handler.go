package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/types"
)

// HandlerFunc runs one attempt of a job. args are the job's decoded payload.
type HandlerFunc func(ctx context.Context, exec types.Execution, args ...any) error

type JobHandler struct {
	handlers map[string]HandlerFunc
	mutex    sync.RWMutex
}

func NewJobHandler() *JobHandler {
	return &JobHandler{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds a new job handler by name.
func (jh *JobHandler) Register(name string, handler HandlerFunc) error {
	if name == "" || handler == nil {
		return fmt.Errorf("handler must have a job name and function")
	}
	jh.mutex.Lock()
	defer jh.mutex.Unlock()

	if _, exists := jh.handlers[name]; exists {
		return fmt.Errorf("handler '%s' already registered", name)
	}
	jh.handlers[name] = handler
	return nil
}

func (jh *JobHandler) Exists(name string) bool {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	_, exists := jh.handlers[name]
	return exists
}

func (jh *JobHandler) Execute(ctx context.Context, name string, exec types.Execution, args ...any) error {
	jh.mutex.RLock()
	handler, exists := jh.handlers[name]
	jh.mutex.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", apperrors.ErrHandlerNotFound, name)
	}
	return handler(ctx, exec, args...)
}

func (jh *JobHandler) List() []string {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	names := make([]string, 0, len(jh.handlers))
	for name := range jh.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
