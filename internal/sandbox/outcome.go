package sandbox

import (
	"time"

	"viz-sandbox/internal/runtime"
	"viz-sandbox/internal/workspace"
)

// Status classifies a finished execution.
type Status int

const (
	StatusSuccess Status = iota
	StatusRuntimeFailure
	StatusNoOutput
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRuntimeFailure:
		return "runtime_failure"
	case StatusNoOutput:
		return "no_output"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ExitLaunchFailed is the exit code recorded when the container never ran.
const ExitLaunchFailed = -1

const (
	maxStdout = 1 << 20    // 1MB
	maxStderr = 256 * 1024 // 256KB
)

// Outcome is the classified result of one sandboxed run.
type Outcome struct {
	ID       string
	Status   Status
	Stdout   string
	Stderr   string
	ExitCode int
	Artifact workspace.Artifact // set only when Status is StatusSuccess
	Duration time.Duration
}

// LaunchFailed reports whether the container could not be started at all.
func (o Outcome) LaunchFailed() bool {
	return o.Status == StatusRuntimeFailure && o.ExitCode == ExitLaunchFailed
}

// Invocation is everything a Backend needs to run one container.
type Invocation struct {
	ID      string
	Profile runtime.Profile
	HostDir string // bind-mounted read-write at runtime.ContainerWorkspace
	Timeout time.Duration
	Limits  ResourceLimits
}

// execIDLabel marks every container this service creates so leftovers
// from a crashed process can be found again.
const execIDLabel = "viz-sandbox.exec-id"

func (inv Invocation) containerName() string {
	return "sandbox-" + inv.ID
}

// Process is what a backend observed of a container that ran to completion
// (or was killed at its deadline).
type Process struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}

func newProcess(exitCode int, stdout, stderr string, d time.Duration) *Process {
	return &Process{
		ExitCode: exitCode,
		Stdout:   truncateOutput(stdout, maxStdout),
		Stderr:   truncateOutput(stderr, maxStderr),
		Duration: d,
	}
}
