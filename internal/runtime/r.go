package runtime

// RRuntime configures execution of R scripts through Rscript.
type RRuntime struct {
	image string
}

func (r *RRuntime) Name() string { return "r" }

func (r *RRuntime) Image() string {
	if r.image != "" {
		return r.image
	}
	return "r-runner"
}

func (r *RRuntime) SourceFile() string { return "visualization_code.R" }

func (r *RRuntime) Command(sourcePath string) []string {
	return []string{"Rscript", sourcePath}
}
