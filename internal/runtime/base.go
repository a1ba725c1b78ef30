package runtime

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ContainerWorkspace is where the workspace directory is mounted inside every
// sandbox container. Submitted code writes its artifact here.
const ContainerWorkspace = "/app/output"

// ErrUnsupportedLanguage is returned by Resolve for unknown or empty languages.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Name returns the language identifier accepted by the API (e.g., "python", "r").
	Name() string

	// Image returns the container image reference for this runtime.
	Image() string

	// SourceFile returns the fixed file name the submitted code is written to.
	SourceFile() string

	// Command returns the interpreter argv for the source at sourcePath
	// (an absolute in-container path).
	Command(sourcePath string) []string
}

// Profile is the resolved, immutable execution profile for one language.
type Profile struct {
	Language   string
	SourceFile string
	Image      string
	Command    []string
}

// SourcePath returns the absolute in-container path of the profile's source file.
func (p Profile) SourcePath() string {
	return path.Join(ContainerWorkspace, p.SourceFile)
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes. images overrides
// the default container image per language; missing entries keep the default.
func NewRegistry(images map[string]string) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{image: images["python"]})
	r.Register(&RRuntime{image: images["r"]})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		if language == "" {
			return nil, fmt.Errorf("%w: language is required", ErrUnsupportedLanguage)
		}
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Resolve builds the execution profile for language.
func (r *Registry) Resolve(language string) (Profile, error) {
	rt, err := r.Get(language)
	if err != nil {
		return Profile{}, err
	}

	p := Profile{
		Language:   rt.Name(),
		SourceFile: rt.SourceFile(),
		Image:      rt.Image(),
	}
	p.Command = rt.Command(p.SourcePath())
	return p, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, name := range r.Languages() {
		images = append(images, r.runtimes[name].Image())
	}
	return images
}
