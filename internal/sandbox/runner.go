package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/runtime"
	"viz-sandbox/internal/workspace"
)

// Workspace is the part of a workspace the runner needs: the host directory
// to mount and the artifact check once the container exits.
type Workspace interface {
	Dir() string
	DetectArtifact() (workspace.Artifact, bool, error)
}

// Runner runs staged source in a container and classifies the outcome.
type Runner struct {
	backend        Backend
	limits         ResourceLimits
	defaultTimeout time.Duration
}

// NewRunner wraps backend. Zero limits fields fall back to DefaultLimits.
func NewRunner(backend Backend, limits ResourceLimits, defaultTimeout time.Duration) (*Runner, error) {
	limits = limits.orDefault()
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Runner{
		backend:        backend,
		limits:         limits,
		defaultTimeout: defaultTimeout,
	}, nil
}

// Backend returns the underlying container backend.
func (r *Runner) Backend() Backend { return r.backend }

// Run executes profile against the source already written to ws. The returned
// error is non-nil only when ctx was cancelled by the caller or the artifact
// check itself failed; every other result is expressed in the Outcome.
func (r *Runner) Run(ctx context.Context, profile runtime.Profile, ws Workspace, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	inv := Invocation{
		ID:      uuid.New().String(),
		Profile: profile,
		HostDir: ws.Dir(),
		Timeout: timeout,
		Limits:  r.limits,
	}

	logger := log.With().
		Str("exec_id", inv.ID).
		Str("language", profile.Language).
		Str("backend", r.backend.Name()).
		Logger()

	start := time.Now()
	proc, err := r.backend.Run(ctx, inv)

	outcome := Outcome{ID: inv.ID, Duration: time.Since(start)}
	if proc != nil {
		outcome.Stdout = proc.Stdout
		outcome.Stderr = proc.Stderr
		outcome.ExitCode = proc.ExitCode
		if proc.Duration > 0 {
			outcome.Duration = proc.Duration
		}
	}

	switch {
	case errors.Is(err, ErrTimeout):
		outcome.Status = StatusTimedOut
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out")
		return outcome, nil

	case err != nil && ctx.Err() != nil:
		logger.Info().Err(ctx.Err()).Msg("execution abandoned by caller")
		return outcome, ctx.Err()

	case err != nil:
		outcome.Status = StatusRuntimeFailure
		outcome.ExitCode = ExitLaunchFailed
		if outcome.Stderr == "" {
			outcome.Stderr = err.Error()
		}
		logger.Error().Err(err).Msg("container launch failed")
		return outcome, nil

	case outcome.ExitCode != 0:
		outcome.Status = StatusRuntimeFailure
		logger.Info().Int("exit_code", outcome.ExitCode).Msg("execution failed")
		if outcome.ExitCode == 137 {
			logger.Warn().Msg("process killed (OOM or resource limit)")
		}
		return outcome, nil
	}

	artifact, ok, err := ws.DetectArtifact()
	if err != nil {
		return outcome, &ExecutionError{ExecID: inv.ID, Op: "detect_artifact", Err: err}
	}
	if !ok {
		outcome.Status = StatusNoOutput
		logger.Info().Msg("execution produced no artifact")
		return outcome, nil
	}

	outcome.Status = StatusSuccess
	outcome.Artifact = artifact
	logger.Info().
		Dur("duration", outcome.Duration).
		Int64("artifact_bytes", artifact.Size).
		Msg("execution completed")
	return outcome, nil
}
