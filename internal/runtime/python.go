package runtime

// PythonRuntime configures execution of Python plotting scripts.
type PythonRuntime struct {
	image string
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string {
	if p.image != "" {
		return p.image
	}
	return "python-runner"
}

func (p *PythonRuntime) SourceFile() string { return "visualization_code.py" }

func (p *PythonRuntime) Command(sourcePath string) []string {
	return []string{"python", sourcePath}
}
