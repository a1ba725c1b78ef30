// Package execution orchestrates one visualization request end to end:
// validate, stage the source in a workspace, run it in the sandbox and turn
// the classified outcome into a response or a typed error.
package execution

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/monitor"
	"viz-sandbox/internal/runtime"
	"viz-sandbox/internal/sandbox"
)

// Request is one submission.
type Request struct {
	Code     string
	Language string
	Timeout  time.Duration // zero uses the runner default

	RequestID string // correlates logs and spans; optional
}

// Workspace is what the pipeline needs from a workspace.
type Workspace interface {
	sandbox.Workspace
	Acquire(ctx context.Context) (func(), error)
	ResetArtifact() error
	WriteSource(profile runtime.Profile, code string) (string, error)
}

// Pipeline runs requests through the registry, a workspace and the runner.
// It never retries.
type Pipeline struct {
	registry   *runtime.Registry
	runner     *sandbox.Runner
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	scanner    *monitor.CodeScanner
	maxTimeout time.Duration
}

// NewPipeline wires a pipeline. runner may be nil when no backend could be
// started; executions then fail with KindUnavailable after validation.
// scanner may be nil to disable code scanning.
func NewPipeline(registry *runtime.Registry, runner *sandbox.Runner, metrics *monitor.Metrics, scanner *monitor.CodeScanner, maxTimeout time.Duration) *Pipeline {
	return &Pipeline{
		registry:   registry,
		runner:     runner,
		metrics:    metrics,
		tracer:     monitor.NewTracer(),
		scanner:    scanner,
		maxTimeout: maxTimeout,
	}
}

// Validate checks req and resolves its profile. It touches nothing.
func (p *Pipeline) Validate(req Request) (runtime.Profile, error) {
	if strings.TrimSpace(req.Code) == "" {
		return runtime.Profile{}, invalidRequest("code is required")
	}
	if req.Language == "" {
		return runtime.Profile{}, invalidRequest("language is required")
	}
	if req.Timeout < 0 {
		return runtime.Profile{}, invalidRequest("timeout must not be negative")
	}
	if p.maxTimeout > 0 && req.Timeout > p.maxTimeout {
		return runtime.Profile{}, invalidRequest("timeout %s exceeds maximum %s", req.Timeout, p.maxTimeout)
	}

	profile, err := p.registry.Resolve(req.Language)
	if err != nil {
		e := invalidRequest("%s", err)
		e.Err = err
		return runtime.Profile{}, e
	}
	return profile, nil
}

// Execute validates req, then holds ws for the reset, write, run and detect
// steps. Validation failures have no side effects.
func (p *Pipeline) Execute(ctx context.Context, ws Workspace, req Request) (*Response, error) {
	profile, err := p.Validate(req)
	if err != nil {
		p.reject(err)
		return nil, err
	}
	return p.execute(ctx, ws, profile, req)
}

func (p *Pipeline) reject(err error) {
	p.metrics.RecordError(string(KindOf(err)))
	log.Info().Err(err).Msg("request rejected")
}

func (p *Pipeline) execute(ctx context.Context, ws Workspace, profile runtime.Profile, req Request) (resp *Response, err error) {
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	ctx, span := p.tracer.StartSpan(ctx, "execute",
		monitor.AttrRequestID.String(req.RequestID),
		monitor.AttrLanguage.String(profile.Language),
		monitor.AttrCodeHash.String(codeHash),
	)
	defer func() { monitor.EndSpan(span, err) }()

	logger := log.With().
		Str("request_id", req.RequestID).
		Str("language", profile.Language).
		Str("code_hash", codeHash[:16]).
		Logger()

	if p.runner == nil {
		err = &Error{Kind: KindUnavailable, Message: "Sandbox backend unavailable", Err: sandbox.ErrBackendUnavailable}
		p.metrics.RecordError(string(KindUnavailable))
		return nil, err
	}

	p.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	p.scan(logger, profile.Language, req.Code)

	waitStart := time.Now()
	release, err := ws.Acquire(ctx)
	if err != nil {
		logger.Info().Err(err).Msg("gave up waiting for workspace")
		return nil, err
	}
	defer release()
	p.metrics.WorkspaceWait.Observe(time.Since(waitStart).Seconds())

	p.metrics.ActiveExecutions.Inc()
	defer p.metrics.ActiveExecutions.Dec()

	if err = ws.ResetArtifact(); err != nil {
		err = &Error{Kind: KindWriteFailure, Message: "Failed to clear previous output", Err: err}
		p.metrics.RecordError(string(KindWriteFailure))
		logger.Error().Err(err).Msg("workspace reset failed")
		return nil, err
	}
	if _, err = ws.WriteSource(profile, req.Code); err != nil {
		err = &Error{Kind: KindWriteFailure, Message: "Failed to write code", Err: err}
		p.metrics.RecordError(string(KindWriteFailure))
		logger.Error().Err(err).Msg("writing source failed")
		return nil, err
	}

	outcome, err := p.runner.Run(ctx, profile, ws, req.Timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		err = &Error{Kind: KindInternal, Message: "Failed to inspect output", Err: err}
		p.metrics.RecordError(string(KindInternal))
		logger.Error().Err(err).Str("exec_id", outcome.ID).Msg("artifact check failed")
		return nil, err
	}

	span.SetAttributes(
		monitor.AttrExecID.String(outcome.ID),
		monitor.AttrOutcome.String(outcome.Status.String()),
		monitor.AttrExitCode.Int(outcome.ExitCode),
		monitor.AttrDurationMS.Int64(outcome.Duration.Milliseconds()),
	)
	p.metrics.RecordExecution(profile.Language, outcome.Status.String(), outcome.Duration)
	logger.Info().
		Str("exec_id", outcome.ID).
		Str("outcome", outcome.Status.String()).
		Int("exit_code", outcome.ExitCode).
		Dur("duration", outcome.Duration).
		Msg("execution finished")

	resp, err = Respond(outcome)
	if err != nil {
		p.metrics.RecordError(string(KindOf(err)))
		return nil, err
	}
	p.metrics.ArtifactSizeBytes.Observe(float64(outcome.Artifact.Size))
	return resp, nil
}

func (p *Pipeline) scan(logger zerolog.Logger, language, code string) {
	if p.scanner == nil {
		return
	}
	for _, f := range p.scanner.Scan(language, code) {
		p.metrics.RecordFinding(f)
		logger.Warn().
			Str("pattern", f.Pattern).
			Str("severity", f.Severity).
			Int("line", f.Line).
			Msg("suspicious code pattern")
	}
}

// IsCancelled reports whether err is a caller cancellation rather than an
// execution result.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
