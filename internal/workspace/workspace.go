// Package workspace owns the directory shared between the host and the
// sandbox container. All reads and writes of submitted source and produced
// artifacts go through a Workspace so that the reset, write, run and detect
// steps of one execution can be serialized against other callers.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/runtime"
)

// DefaultArtifactName is the single well-known output file of an execution.
const DefaultArtifactName = "visualization.png"

var (
	ErrWriteFailure = errors.New("workspace write failed")
	ErrNotFound     = errors.New("file not found in workspace")
	ErrInvalidScope = errors.New("invalid workspace scope")
)

// Artifact references a produced output file.
type Artifact struct {
	Name    string // slash-separated path relative to the top-level workspace root
	Path    string // absolute host path
	ModTime time.Time
	Size    int64
}

// Token is the freshness token used to defeat client-side caching.
func (a Artifact) Token() int64 {
	return a.ModTime.Unix()
}

// Workspace is a host directory bind-mounted into the sandbox.
type Workspace struct {
	dir          string
	prefix       string // relative location of dir under the top-level root
	artifactName string
	lock         chan struct{}

	root *os.Root // only set on the top-level workspace
	mu   sync.Mutex
}

// New creates (if needed) and opens the workspace rooted at dir.
func New(dir, artifactName string) (*Workspace, error) {
	if artifactName == "" {
		artifactName = DefaultArtifactName
	}
	if strings.ContainsAny(artifactName, `/\`) {
		return nil, fmt.Errorf("artifact name %q must be a bare file name", artifactName)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("opening workspace root: %w", err)
	}

	return &Workspace{
		dir:          abs,
		artifactName: artifactName,
		lock:         make(chan struct{}, 1),
		root:         root,
	}, nil
}

// Dir returns the absolute host path of the workspace.
func (w *Workspace) Dir() string { return w.dir }

// ArtifactName returns the fixed artifact file name.
func (w *Workspace) ArtifactName() string { return w.artifactName }

// Acquire takes the workspace for one full execution. The returned release
// func is safe to call more than once.
func (w *Workspace) Acquire(ctx context.Context) (func(), error) {
	select {
	case w.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-w.lock })
	}, nil
}

// ResetArtifact deletes the artifact if present. A missing file is not an error.
func (w *Workspace) ResetArtifact() error {
	err := os.Remove(w.artifactPath())
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("removing stale artifact: %w", err)
}

// WriteSource writes code verbatim to the profile's source file, replacing any
// previous content, and returns the host path.
func (w *Workspace) WriteSource(profile runtime.Profile, code string) (string, error) {
	if profile.SourceFile == "" || strings.ContainsAny(profile.SourceFile, `/\`) {
		return "", fmt.Errorf("%w: invalid source file name %q", ErrWriteFailure, profile.SourceFile)
	}

	p := filepath.Join(w.dir, profile.SourceFile)
	if err := os.WriteFile(p, []byte(code), 0o644); err != nil { // #nosec G306 -- read by the container user
		return "", fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	return p, nil
}

// DetectArtifact reports whether the artifact exists. Only regular files
// count; a symlink planted by sandboxed code is treated as absent.
func (w *Workspace) DetectArtifact() (Artifact, bool, error) {
	p := w.artifactPath()
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, fmt.Errorf("inspecting artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		log.Warn().Str("path", p).Str("mode", info.Mode().String()).Msg("ignoring non-regular artifact")
		return Artifact{}, false, nil
	}

	return Artifact{
		Name:    path.Join(w.prefix, w.artifactName),
		Path:    p,
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}, true, nil
}

// Scope returns a request-scoped workspace in a subdirectory named id. The
// scope has its own lock and shares the artifact name.
func (w *Workspace) Scope(id string) (*Workspace, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, id)
	}
	if w.prefix != "" {
		return nil, fmt.Errorf("%w: nested scopes are not supported", ErrInvalidScope)
	}

	dir := filepath.Join(w.dir, id)
	if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("creating scope: %w", err)
	}

	return &Workspace{
		dir:          dir,
		prefix:       id,
		artifactName: w.artifactName,
		lock:         make(chan struct{}, 1),
	}, nil
}

// Open opens a regular file by its slash-separated path relative to the
// workspace root. Paths escaping the root are rejected.
func (w *Workspace) Open(name string) (*os.File, fs.FileInfo, error) {
	w.mu.Lock()
	root := w.root
	w.mu.Unlock()
	if root == nil {
		return nil, nil, fmt.Errorf("%w: workspace is closed or scoped", ErrNotFound)
	}

	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || !fs.ValidPath(name) {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	f, err := root.Open(filepath.FromSlash(name))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %q is not a regular file", ErrNotFound, name)
	}
	return f, info, nil
}

// Close releases the root handle.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.root == nil {
		return nil
	}
	err := w.root.Close()
	w.root = nil
	return err
}

func (w *Workspace) artifactPath() string {
	return filepath.Join(w.dir, w.artifactName)
}
