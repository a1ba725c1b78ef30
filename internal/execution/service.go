package execution

import (
	"context"
	"io/fs"
	"os"

	"github.com/google/uuid"

	"viz-sandbox/internal/workspace"
)

// Isolation modes for the workspace.
const (
	IsolationShared     = "shared"
	IsolationPerRequest = "per_request"
)

// Service is the entry point used by the gateway. In shared mode every
// request runs in the root workspace, one at a time. In per-request mode each
// request gets its own scope under the root and runs concurrently.
type Service struct {
	pipeline   *Pipeline
	root       *workspace.Workspace
	perRequest bool
}

// NewService binds a pipeline to the root workspace.
func NewService(pipeline *Pipeline, root *workspace.Workspace, isolation string) *Service {
	return &Service{
		pipeline:   pipeline,
		root:       root,
		perRequest: isolation == IsolationPerRequest,
	}
}

// Execute runs req in the workspace chosen by the isolation mode.
func (s *Service) Execute(ctx context.Context, req Request) (*Response, error) {
	if !s.perRequest {
		return s.pipeline.Execute(ctx, s.root, req)
	}

	profile, err := s.pipeline.Validate(req)
	if err != nil {
		s.pipeline.reject(err)
		return nil, err
	}
	if s.pipeline.runner == nil {
		// fails before touching the workspace
		return s.pipeline.execute(ctx, s.root, profile, req)
	}

	scope, err := s.root.Scope(uuid.New().String())
	if err != nil {
		s.pipeline.metrics.RecordError(string(KindWriteFailure))
		return nil, &Error{Kind: KindWriteFailure, Message: "Failed to prepare workspace", Err: err}
	}
	return s.pipeline.execute(ctx, scope, profile, req)
}

// Open opens a file under the root workspace for retrieval.
func (s *Service) Open(name string) (*os.File, fs.FileInfo, error) {
	return s.root.Open(name)
}

// Languages lists the supported language selectors.
func (s *Service) Languages() []string {
	return s.pipeline.registry.Languages()
}

// Healthy reports whether the sandbox backend can accept work.
func (s *Service) Healthy(ctx context.Context) error {
	if s.pipeline.runner == nil {
		return ErrUnavailable
	}
	return s.pipeline.runner.Backend().Healthy(ctx)
}

// Backend returns the name of the active sandbox backend, or "" when none.
func (s *Service) Backend() string {
	if s.pipeline.runner == nil {
		return ""
	}
	return s.pipeline.runner.Backend().Name()
}

// ActiveExecutions returns the number of containers currently running.
func (s *Service) ActiveExecutions() int64 {
	if s.pipeline.runner == nil {
		return 0
	}
	return s.pipeline.runner.Backend().ActiveCount()
}

// PerRequest reports whether requests get their own workspace scope.
func (s *Service) PerRequest() bool { return s.perRequest }
