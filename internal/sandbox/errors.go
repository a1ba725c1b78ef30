package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrLaunchFailed       = errors.New("container could not be started")
	ErrBackendUnavailable = errors.New("no sandbox backend available")
	ErrInvalidLimits      = errors.New("invalid resource limits")
	ErrClosed             = errors.New("sandbox backend is shut down")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
