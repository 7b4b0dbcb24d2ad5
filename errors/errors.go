package errors

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrJobCancelled      = errors.New("job cancelled")
	ErrHandlerNotFound   = errors.New("handler not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)
