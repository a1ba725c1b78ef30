package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/runtime"
	"viz-sandbox/pkg/seccomp"
)

// DockerCLI runs containers by shelling out to the docker CLI. Each run is
// `docker create` followed by `docker start -a`, so a container that never
// started is told apart from a script that exited non-zero.
type DockerCLI struct {
	opts          Options
	slots         *slots
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	seccompPath   string
	cancelCleanup context.CancelFunc
	command       func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewDockerCLI writes the seccomp profile once and starts the orphan reaper.
func NewDockerCLI(opts Options) (*DockerCLI, error) {
	d, err := newDockerCLI(opts, resolveDockerHost())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d, nil
}

func newDockerCLI(opts Options, dockerHost string) (*DockerCLI, error) {
	profile := seccomp.DefaultProfile()
	if opts.networkEnabled() {
		profile = seccomp.NetworkAllowProfile()
	}
	data, err := seccomp.DockerJSON(profile)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "viz-sandbox-seccomp-*.json")
	if err != nil {
		return nil, fmt.Errorf("creating seccomp profile file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}

	return &DockerCLI{
		opts:        opts,
		slots:       newSlots(opts.MaxConcurrent),
		dockerHost:  dockerHost,
		seccompPath: f.Name(),
		command:     exec.CommandContext,
	}, nil
}

func (d *DockerCLI) Name() string { return "docker" }

func (d *DockerCLI) docker(ctx context.Context, args ...string) *exec.Cmd {
	cmd := d.command(ctx, "docker", args...) // #nosec G204 -- args built internally, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

func (d *DockerCLI) Run(ctx context.Context, inv Invocation) (*Process, error) {
	release, err := d.slots.acquire(ctx)
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "acquire_slot", Err: err}
	}
	defer release()

	execCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	name := inv.containerName()
	defer d.forceRemove(name)

	var createErr bytes.Buffer
	create := d.docker(execCtx, d.buildDockerArgs(inv)...)
	create.Stderr = &createErr

	log.Debug().Str("exec_id", inv.ID).Str("image", inv.Profile.Image).Msg("creating docker container")

	if err := create.Run(); err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, &ExecutionError{ExecID: inv.ID, Op: "docker_create", Err: ctx.Err()}
		case execCtx.Err() != nil:
			return newProcess(-1, "", strings.TrimSpace(createErr.String()), 0), ErrTimeout
		}
		return nil, &ExecutionError{
			ExecID: inv.ID,
			Op:     "docker_create",
			Err:    fmt.Errorf("%w: %w: %s", ErrLaunchFailed, err, strings.TrimSpace(createErr.String())),
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd := d.docker(execCtx, "start", "-a", name)
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() != nil {
		if ctx.Err() != nil {
			return nil, &ExecutionError{ExecID: inv.ID, Op: "docker_start", Err: ctx.Err()}
		}
		return newProcess(-1, stdoutBuf.String(), stderrBuf.String(), duration), ErrTimeout
	}

	// `docker start -a` exits with the container's own exit code.
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &ExecutionError{ExecID: inv.ID, Op: "docker_start", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
		}
		exitCode = exitErr.ExitCode()
	}

	return newProcess(exitCode, stdoutBuf.String(), stderrBuf.String(), duration), nil
}

func (d *DockerCLI) buildDockerArgs(inv Invocation) []string {
	limits := inv.Limits.orDefault()

	args := []string{
		"create",
		"--name", inv.containerName(),
		"--label", execIDLabel + "=" + inv.ID,
		"--network", d.opts.networkMode(),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + d.seccompPath,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.2f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", "/tmp:" + limits.tmpfsOptions(),
		"-v", fmt.Sprintf("%s:%s:rw", inv.HostDir, runtime.ContainerWorkspace),
		"-w", runtime.ContainerWorkspace,
	}
	args = append(args, containerEnv("-e")...)

	if d.opts.RunAsUser != "" {
		args = append(args, "--user", d.opts.RunAsUser)
	}
	if d.opts.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	if d.opts.PullImages {
		args = append(args, "--pull", "missing")
	} else {
		args = append(args, "--pull", "never")
	}

	args = append(args, inv.Profile.Image)
	args = append(args, inv.Profile.Command...)
	return args
}

// containerEnv is the fixed environment of every sandbox. With a non-empty
// flag each entry is preceded by it, as docker create expects.
func containerEnv(flag string) []string {
	env := []string{
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"MPLBACKEND=Agg",
		"MPLCONFIGDIR=/tmp",
		"SANDBOX=true",
	}
	if flag == "" {
		return env
	}
	out := make([]string, 0, 2*len(env))
	for _, e := range env {
		out = append(out, flag, e)
	}
	return out
}

func (d *DockerCLI) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.docker(ctx, "rm", "-f", name).Run(); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("failed to remove sandbox container")
	}
}

// orphanCleanupLoop periodically kills sandbox containers that survived a server crash.
func (d *DockerCLI) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans(ctx)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cleanupOrphans removes labelled containers not owned by an in-flight run.
// It only runs while no execution is active.
func (d *DockerCLI) cleanupOrphans(ctx context.Context) {
	if d.slots.active.Load() > 0 {
		return
	}
	out, err := d.docker(ctx, "ps", "-a", "--filter", "label="+execIDLabel, "-q").Output()
	if err != nil {
		return
	}
	for _, id := range strings.Fields(string(out)) {
		log.Warn().Str("container_id", id).Msg("killing orphaned sandbox container")
		_ = d.docker(ctx, "rm", "-f", id).Run()
	}
}

func (d *DockerCLI) Healthy(ctx context.Context) error {
	if err := d.docker(ctx, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return nil
}

func (d *DockerCLI) ActiveCount() int64 {
	return d.slots.active.Load()
}

func (d *DockerCLI) Close() error {
	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}
	d.slots.drain(30 * time.Second)
	return os.Remove(d.seccompPath)
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}
