package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeDockerClient struct {
	mu sync.Mutex

	exitCode  int64
	hang      bool
	createErr error
	stdout    string
	stderr    string
	orphans   []types.Container

	imagePulls []string
	created    []fakeCreateCall
	started    []string
	stopped    []string
	removed    []string
	closed     bool
}

type fakeCreateCall struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

func (f *fakeDockerClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeDockerClient) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.imagePulls = append(f.imagePulls, ref)
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDockerClient) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = append(f.created, fakeCreateCall{name: name, config: config, hostConfig: hostConfig})
	return container.CreateResponse{ID: fmt.Sprintf("cid-%d", len(f.created))}, nil
}

func (f *fakeDockerClient) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	f.started = append(f.started, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDockerClient) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDockerClient) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) ContainerList(context.Context, container.ListOptions) ([]types.Container, error) {
	return f.orphans, nil
}

func newTestDockerAPI(t *testing.T, cli *fakeDockerClient, opts Options) *DockerAPI {
	t.Helper()
	d, err := newDockerAPIWithClient(cli, opts)
	if err != nil {
		t.Fatalf("newDockerAPIWithClient: %v", err)
	}
	return d
}

func TestDockerAPI_RunSuccess(t *testing.T) {
	cli := &fakeDockerClient{stdout: "saved figure\n", stderr: "UserWarning\n"}
	d := newTestDockerAPI(t, cli, Options{})

	proc, err := d.Run(context.Background(), testInvocation(t, "python"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if proc.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", proc.ExitCode)
	}
	if proc.Stdout != "saved figure\n" || proc.Stderr != "UserWarning\n" {
		t.Errorf("streams = (%q, %q)", proc.Stdout, proc.Stderr)
	}

	if len(cli.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(cli.created))
	}
	call := cli.created[0]
	if call.name != "sandbox-exec-1" {
		t.Errorf("container name = %q", call.name)
	}
	if call.config.Image != "python-runner" {
		t.Errorf("Image = %q", call.config.Image)
	}
	if got := strings.Join(call.config.Cmd, " "); got != "python /app/output/visualization_code.py" {
		t.Errorf("Cmd = %q", got)
	}
	if call.config.User != "" {
		t.Errorf("User = %q, want image default", call.config.User)
	}
	hc := call.hostConfig
	if len(hc.Binds) != 1 || hc.Binds[0] != "/srv/output:/app/output:rw" {
		t.Errorf("Binds = %v", hc.Binds)
	}
	if hc.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", hc.NetworkMode)
	}
	if hc.Resources.Memory != 512*1024*1024 || hc.Resources.MemorySwap != hc.Resources.Memory {
		t.Errorf("Memory = %d / swap %d", hc.Resources.Memory, hc.Resources.MemorySwap)
	}
	if hc.Resources.PidsLimit == nil || *hc.Resources.PidsLimit != 128 {
		t.Errorf("PidsLimit = %v", hc.Resources.PidsLimit)
	}
	var sawSeccomp bool
	for _, opt := range hc.SecurityOpt {
		if strings.HasPrefix(opt, "seccomp={") {
			sawSeccomp = true
		}
	}
	if !sawSeccomp {
		t.Errorf("SecurityOpt = %v, want inline seccomp profile", hc.SecurityOpt)
	}
	if len(cli.imagePulls) != 0 {
		t.Errorf("pulled %v with PullImages disabled", cli.imagePulls)
	}
	if len(cli.removed) != 1 || cli.removed[0] != "cid-1" {
		t.Errorf("removed = %v, want [cid-1]", cli.removed)
	}
}

func TestDockerAPI_RunNonZeroExit(t *testing.T) {
	cli := &fakeDockerClient{exitCode: 1, stderr: "Error: object 'df' not found\n"}
	d := newTestDockerAPI(t, cli, Options{PullImages: true})

	proc, err := d.Run(context.Background(), testInvocation(t, "r"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if proc.ExitCode != 1 || proc.Stderr != "Error: object 'df' not found\n" {
		t.Errorf("proc = %+v", proc)
	}
	if len(cli.imagePulls) != 1 || cli.imagePulls[0] != "r-runner" {
		t.Errorf("imagePulls = %v, want [r-runner]", cli.imagePulls)
	}
}

func TestDockerAPI_RunTimeout(t *testing.T) {
	cli := &fakeDockerClient{hang: true, stdout: "partial"}
	d := newTestDockerAPI(t, cli, Options{})

	inv := testInvocation(t, "python")
	inv.Timeout = 50 * time.Millisecond

	proc, err := d.Run(context.Background(), inv)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run error = %v, want ErrTimeout", err)
	}
	if proc == nil || proc.Stdout != "partial" {
		t.Errorf("proc = %+v, want partial stdout", proc)
	}
	if len(cli.stopped) != 1 {
		t.Errorf("stopped = %v, want one stop", cli.stopped)
	}
	if len(cli.removed) != 1 {
		t.Errorf("removed = %v, want one removal", cli.removed)
	}
}

func TestDockerAPI_RunCallerCancel(t *testing.T) {
	cli := &fakeDockerClient{hang: true}
	d := newTestDockerAPI(t, cli, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	inv := testInvocation(t, "python")
	inv.Timeout = time.Minute

	_, err := d.Run(ctx, inv)
	if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		t.Fatalf("Run error = %v, want caller context error", err)
	}
	if len(cli.removed) != 1 {
		t.Errorf("removed = %v, want container removed", cli.removed)
	}
}

func TestDockerAPI_CreateFailureIsLaunchFailure(t *testing.T) {
	cli := &fakeDockerClient{createErr: errors.New("No such image: python-runner")}
	d := newTestDockerAPI(t, cli, Options{})

	_, err := d.Run(context.Background(), testInvocation(t, "python"))
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("Run error = %v, want ErrLaunchFailed", err)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Op != "create_container" {
		t.Errorf("error = %#v, want ExecutionError{Op: create_container}", err)
	}
}

func TestDockerAPI_Options(t *testing.T) {
	cli := &fakeDockerClient{}
	d := newTestDockerAPI(t, cli, Options{Network: "bridge", RunAsUser: "1000", ReadOnlyRoot: true})

	if _, err := d.Run(context.Background(), testInvocation(t, "python")); err != nil {
		t.Fatal(err)
	}
	call := cli.created[0]
	if call.config.User != "1000" {
		t.Errorf("User = %q, want 1000", call.config.User)
	}
	if call.hostConfig.NetworkMode != "bridge" {
		t.Errorf("NetworkMode = %q, want bridge", call.hostConfig.NetworkMode)
	}
	if !call.hostConfig.ReadonlyRootfs {
		t.Error("ReadonlyRootfs = false, want true")
	}
	if strings.Contains(d.seccompJSON, `"SCMP_CMP_EQ"`) {
		t.Error("network-enabled backend should not restrict socket families")
	}
}

func TestDockerAPI_CleanupOrphaned(t *testing.T) {
	cli := &fakeDockerClient{orphans: []types.Container{{ID: "old-1"}, {ID: "old-2"}}}
	d := newTestDockerAPI(t, cli, Options{})

	n, err := d.CleanupOrphaned(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(cli.removed) != 2 {
		t.Errorf("cleaned %d, removed %v", n, cli.removed)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if !cli.closed {
		t.Error("Close did not close the docker client")
	}
}
