package execution

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable category of an execution error.
type Kind string

const (
	KindInvalidRequest Kind = "INVALID_REQUEST"
	KindWriteFailure   Kind = "WRITE_FAILURE"
	KindLaunchFailure  Kind = "LAUNCH_FAILURE"
	KindRuntimeFailed  Kind = "RUNTIME_FAILED"
	KindNoOutput       Kind = "NO_OUTPUT"
	KindTimedOut       Kind = "TIMED_OUT"
	KindUnavailable    Kind = "BACKEND_UNAVAILABLE"
	KindInternal       Kind = "INTERNAL"
)

// Sentinel errors, one per Kind. An *Error matches the sentinel of its kind
// under errors.Is.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrWriteFailure   = errors.New("failed to stage source")
	ErrLaunchFailure  = errors.New("sandbox could not be started")
	ErrRuntimeFailed  = errors.New("execution failed")
	ErrNoOutput       = errors.New("no output generated")
	ErrTimedOut       = errors.New("execution timed out")
	ErrUnavailable    = errors.New("sandbox backend unavailable")
	ErrInternal       = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindInvalidRequest: ErrInvalidRequest,
	KindWriteFailure:   ErrWriteFailure,
	KindLaunchFailure:  ErrLaunchFailure,
	KindRuntimeFailed:  ErrRuntimeFailed,
	KindNoOutput:       ErrNoOutput,
	KindTimedOut:       ErrTimedOut,
	KindUnavailable:    ErrUnavailable,
	KindInternal:       ErrInternal,
}

// Error is a classified execution failure. Message is safe to show to the
// caller; Details carries diagnostics such as the process's stderr.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{
		Kind:    KindInvalidRequest,
		Message: "Invalid input",
		Details: fmt.Sprintf(format, args...),
	}
}
