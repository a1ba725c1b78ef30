package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/config"
	"viz-sandbox/internal/runtime"
)

// Backend launches one container per Invocation. Run returns ErrTimeout
// (with the partial Process) when the invocation deadline kills the
// container, the context error when the caller gave up, and any other error
// when the container could not be started.
type Backend interface {
	Name() string
	Run(ctx context.Context, inv Invocation) (*Process, error)
	Healthy(ctx context.Context) error
	ActiveCount() int64
	Close() error
}

// Options are the backend-wide container settings.
type Options struct {
	MaxConcurrent int
	Network       string // docker network mode; "none" or empty isolates the container
	RunAsUser     string // empty keeps the image default user
	ReadOnlyRoot  bool
	PullImages    bool
}

func optionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		Network:       cfg.Sandbox.Network,
		RunAsUser:     cfg.Sandbox.RunAsUser,
		ReadOnlyRoot:  cfg.Sandbox.ReadOnlyRoot,
		PullImages:    cfg.Sandbox.PullImages,
	}
}

func (o Options) networkMode() string {
	if o.Network == "" {
		return "none"
	}
	return o.Network
}

func (o Options) networkEnabled() bool {
	return o.networkMode() != "none"
}

// NewBackend builds the configured backend. "auto" prefers the Docker
// Engine API, then the docker CLI, and falls back to containerd on Linux:
// runner images are normally built with docker build and are not visible
// in the containerd namespace.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}
	opts := optionsFromConfig(cfg)

	switch preference {
	case "containerd":
		return newContainerdBackend(ctx, cfg, opts)
	case "dockerapi":
		backend, err := NewDockerAPI(ctx, opts)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "docker":
		return newDockerCLIBackend(opts)
	case "auto":
		return firstAvailable(autoCandidates(ctx, cfg, opts))
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, dockerapi or docker", preference)
	}
}

type candidate struct {
	name string
	open func() (Backend, error)
}

func autoCandidates(ctx context.Context, cfg *config.Config, opts Options) []candidate {
	c := []candidate{
		{"dockerapi", func() (Backend, error) { return NewDockerAPI(ctx, opts) }},
		{"docker", func() (Backend, error) { return newDockerCLIBackend(opts) }},
	}
	if goruntime.GOOS == "linux" {
		c = append(c, candidate{"containerd", func() (Backend, error) { return newContainerdBackend(ctx, cfg, opts) }})
	}
	return c
}

// firstAvailable returns the first candidate that opens.
func firstAvailable(candidates []candidate) (Backend, error) {
	for _, c := range candidates {
		backend, err := c.open()
		if err == nil {
			log.Info().Str("backend", c.name).Msg("sandbox backend selected")
			return backend, nil
		}
		log.Warn().Err(err).Str("backend", c.name).Msg("sandbox backend unavailable")
	}
	return nil, fmt.Errorf("%w: install Docker or containerd", ErrBackendUnavailable)
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, opts Options) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	// Without pulling, every runner image must already be in the namespace.
	if !opts.PullImages {
		for _, ref := range runtime.NewRegistry(cfg.Sandbox.Images).Images() {
			if _, err := client.Image(ctx, ref, false); err != nil {
				_ = client.Close()
				return nil, err
			}
		}
	}

	backend := NewContainerd(client, opts)

	cleaned, err := backend.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return backend, nil
}

func newDockerCLIBackend(opts Options) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	backend, err := NewDockerCLI(opts)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// slots bounds concurrent containers and tracks in-flight runs for draining.
type slots struct {
	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newSlots(maxConcurrent int) *slots {
	if maxConcurrent < 1 {
		maxConcurrent = 16
	}
	return &slots{sem: make(chan struct{}, maxConcurrent)}
}

func (s *slots) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.wg.Done()
		return nil, ctx.Err()
	}

	s.active.Add(1)
	return func() {
		s.active.Add(-1)
		<-s.sem
		s.wg.Done()
	}, nil
}

// drain refuses new runs and waits up to timeout for active ones to finish.
func (s *slots) drain(timeout time.Duration) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all sandbox executions drained")
	case <-time.After(timeout):
		log.Warn().Int64("active", s.active.Load()).Msg("timed out waiting for sandbox executions to drain")
	}
}
