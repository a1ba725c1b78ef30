package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/runtime"
	"viz-sandbox/pkg/seccomp"
)

// dockerClient is the subset of the Docker Engine API the backend uses.
type dockerClient interface {
	Close() error
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// DockerAPI runs containers through the Docker Engine API.
type DockerAPI struct {
	cli         dockerClient
	opts        Options
	slots       *slots
	seccompJSON string
}

// NewDockerAPI connects using the standard DOCKER_HOST environment and
// removes containers left over from a previous process.
func NewDockerAPI(ctx context.Context, opts Options) (*DockerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker api: create client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker api: daemon not reachable: %w", err)
	}

	d, err := newDockerAPIWithClient(cli, opts)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	if n, err := d.CleanupOrphaned(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("cleaned orphaned containers on startup")
	}
	return d, nil
}

func newDockerAPIWithClient(cli dockerClient, opts Options) (*DockerAPI, error) {
	profile := seccomp.DefaultProfile()
	if opts.networkEnabled() {
		profile = seccomp.NetworkAllowProfile()
	}
	data, err := seccomp.DockerJSON(profile)
	if err != nil {
		return nil, err
	}

	return &DockerAPI{
		cli:         cli,
		opts:        opts,
		slots:       newSlots(opts.MaxConcurrent),
		seccompJSON: string(data),
	}, nil
}

func (d *DockerAPI) Name() string { return "dockerapi" }

func (d *DockerAPI) Run(ctx context.Context, inv Invocation) (*Process, error) {
	release, err := d.slots.acquire(ctx)
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "acquire_slot", Err: err}
	}
	defer release()

	if d.opts.PullImages {
		if err := d.pullImage(ctx, inv.Profile.Image); err != nil {
			return nil, &ExecutionError{ExecID: inv.ID, Op: "pull_image", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
		}
	}

	config, hostConfig := d.containerConfig(inv)
	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, inv.containerName())
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "create_container", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
	}
	defer d.remove(resp.ID)

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "start_container", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
	}

	waitCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
	status, err := d.waitForExit(waitCtx, resp.ID)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return nil, &ExecutionError{ExecID: inv.ID, Op: "wait_container", Err: ctx.Err()}
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, &ExecutionError{ExecID: inv.ID, Op: "wait_container", Err: err}
		}
		return d.handleTimeout(resp.ID, start)
	}

	stdout, stderr, err := d.fetchLogs(ctx, resp.ID)
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "fetch_logs", Err: err}
	}

	return newProcess(int(status.StatusCode), stdout, stderr, time.Since(start)), nil
}

func (d *DockerAPI) containerConfig(inv Invocation) (*container.Config, *container.HostConfig) {
	limits := inv.Limits.orDefault()
	pids := limits.PidsLimit

	config := &container.Config{
		Image:        inv.Profile.Image,
		Cmd:          inv.Profile.Command,
		Env:          containerEnv(""),
		WorkingDir:   runtime.ContainerWorkspace,
		User:         d.opts.RunAsUser,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{execIDLabel: inv.ID},
	}

	hostConfig := &container.HostConfig{
		Binds:          []string{fmt.Sprintf("%s:%s:rw", inv.HostDir, runtime.ContainerWorkspace)},
		NetworkMode:    container.NetworkMode(d.opts.networkMode()),
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges", "seccomp=" + d.seccompJSON},
		ReadonlyRootfs: d.opts.ReadOnlyRoot,
		Tmpfs:          map[string]string{"/tmp": limits.tmpfsOptions()},
		Resources: container.Resources{
			Memory:     limits.memoryBytes(),
			MemorySwap: limits.memoryBytes(),
			NanoCPUs:   limits.nanoCPUs(),
			PidsLimit:  &pids,
		},
	}
	return config, hostConfig
}

func (d *DockerAPI) pullImage(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("consume pull output for %s: %w", ref, err)
	}
	return nil
}

func (d *DockerAPI) waitForExit(ctx context.Context, containerID string) (*container.WaitResponse, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container error: %s", status.Error.Message)
		}
		return &status, nil
	case err := <-errCh:
		return nil, fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for container: %w", ctx.Err())
	}
}

func (d *DockerAPI) handleTimeout(containerID string, start time.Time) (*Process, error) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	zero := 0
	if err := d.cli.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &zero}); err != nil && !client.IsErrNotFound(err) {
		log.Warn().Err(err).Str("container_id", containerID).Msg("failed to stop timed out container")
	}

	stdout, stderr, err := d.fetchLogs(stopCtx, containerID)
	if err != nil {
		log.Debug().Err(err).Str("container_id", containerID).Msg("no logs after timeout")
	}
	return newProcess(-1, stdout, stderr, time.Since(start)), ErrTimeout
}

func (d *DockerAPI) fetchLogs(ctx context.Context, containerID string) (stdout, stderr string, err error) {
	logs, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer logs.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, logs); err != nil {
		return "", "", err
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

func (d *DockerAPI) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		log.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove sandbox container")
	}
}

// CleanupOrphaned removes sandbox containers left over from previous runs.
func (d *DockerAPI) CleanupOrphaned(ctx context.Context) (int, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", execIDLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containers {
		log.Warn().Str("container_id", c.ID).Msg("removing orphaned sandbox container")
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Error().Err(err).Str("container_id", c.ID).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (d *DockerAPI) Healthy(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return nil
}

func (d *DockerAPI) ActiveCount() int64 {
	return d.slots.active.Load()
}

func (d *DockerAPI) Close() error {
	d.slots.drain(30 * time.Second)
	return d.cli.Close()
}
