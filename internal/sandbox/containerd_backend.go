package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/runtime"
)

// Containerd runs sandboxes as containerd tasks.
type Containerd struct {
	client *Client
	opts   Options
	slots  *slots
}

func NewContainerd(client *Client, opts Options) *Containerd {
	return &Containerd{
		client: client,
		opts:   opts,
		slots:  newSlots(opts.MaxConcurrent),
	}
}

func (r *Containerd) Name() string { return "containerd" }

func (r *Containerd) Run(ctx context.Context, inv Invocation) (*Process, error) {
	logger := log.With().Str("exec_id", inv.ID).Logger()

	release, err := r.slots.acquire(ctx)
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "acquire_slot", Err: err}
	}
	defer release()

	image, err := r.client.Image(ctx, inv.Profile.Image, r.opts.PullImages)
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "get_image", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
	}

	container, err := r.createContainer(ctx, inv, image)
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "create_container", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
	}
	defer func() {
		if cleanErr := r.reap(container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	nsCtx := r.client.WithNamespace(ctx)

	var stdoutBuf, stderrBuf lockedBuffer
	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, &stdoutBuf, &stderrBuf)),
	)
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "create_task", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
	}
	defer func() {
		if _, err := task.Delete(r.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Debug().Err(err).Msg("task delete failed")
		}
	}()

	// Wait on a context that outlives the deadline so the exit status of a
	// killed task can still be collected.
	exitCh, err := task.Wait(r.client.WithNamespace(context.Background()))
	if err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "task_wait", Err: err}
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, &ExecutionError{ExecID: inv.ID, Op: "task_start", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
	}

	timer := time.NewTimer(inv.Timeout)
	defer timer.Stop()

	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return nil, &ExecutionError{ExecID: inv.ID, Op: "task_exit", Err: err}
		}
		if !awaitOutput(task.IO(), outputDrainTimeout) {
			logger.Warn().Msg("output streams still open after exit")
		}
		return newProcess(int(code), stdoutBuf.String(), stderrBuf.String(), time.Since(start)), nil

	case <-timer.C:
		logger.Warn().Msg("execution timed out, killing task")
		r.kill(task, exitCh)
		awaitOutput(task.IO(), outputDrainTimeout)
		return newProcess(-1, stdoutBuf.String(), stderrBuf.String(), time.Since(start)), ErrTimeout

	case <-ctx.Done():
		r.kill(task, exitCh)
		return nil, &ExecutionError{ExecID: inv.ID, Op: "task_wait", Err: ctx.Err()}
	}
}

// outputDrainTimeout bounds the wait for the stdio copiers after the task
// has exited.
const outputDrainTimeout = 5 * time.Second

// awaitOutput waits for the task's stdio copiers to flush. The exit event
// can arrive before the last bytes are copied into the buffers.
func awaitOutput(streams interface{ Wait() }, limit time.Duration) bool {
	if streams == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(limit):
		return false
	}
}

// lockedBuffer can be read while a copier may still be writing to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (r *Containerd) createContainer(ctx context.Context, inv Invocation, image containerd.Image) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)
	id := inv.containerName()

	iso := isolationFor(r.opts)

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(inv.Profile.Command...),
		oci.WithProcessCwd(runtime.ContainerWorkspace),
		oci.WithHostname("sandbox"),
	}
	if r.opts.RunAsUser != "" {
		specOpts = append(specOpts, oci.WithUser(r.opts.RunAsUser))
	}
	specOpts = append(specOpts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		iso.apply(s)
		ApplyResourceLimits(s, inv.Limits.orDefault())

		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: runtime.ContainerWorkspace,
			Type:        "bind",
			Source:      inv.HostDir,
			Options:     []string{"rbind", "rw"},
		})

		s.Process.Env = append([]string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		}, containerEnv("")...)
		return nil
	})

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithContainerLabels(map[string]string{execIDLabel: inv.ID}),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	return container, nil
}

func (r *Containerd) Healthy(ctx context.Context) error {
	return r.client.Healthy(ctx)
}

func (r *Containerd) ActiveCount() int64 {
	return r.slots.active.Load()
}

// Close waits for active executions, then closes the client.
func (r *Containerd) Close() error {
	r.slots.drain(30 * time.Second)
	return r.client.Close()
}
