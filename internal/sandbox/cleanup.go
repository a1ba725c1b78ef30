package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// reap kills whatever is still running in container and deletes it with its
// snapshot. It uses its own deadline so a cancelled request still cleans up.
func (r *Containerd) reap(container containerd.Container) error {
	if container == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.client.WithNamespace(context.Background()), 30*time.Second)
	defer cancel()

	id := container.ID()
	if task, err := container.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil && status.Status != containerd.Stopped {
			if exitCh, err := task.Wait(ctx); err == nil {
				r.kill(task, exitCh)
			}
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", id).Msg("failed to delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	return nil
}

// kill sends SIGKILL and waits briefly for the exit to be observed.
func (r *Containerd) kill(task containerd.Task, exitCh <-chan containerd.ExitStatus) {
	ctx, cancel := context.WithTimeout(r.client.WithNamespace(context.Background()), 10*time.Second)
	defer cancel()
	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		if !errdefs.IsNotFound(err) {
			log.Error().Err(err).Str("task", task.ID()).Msg("failed to kill task")
		}
		return
	}
	select {
	case <-exitCh:
	case <-ctx.Done():
		log.Warn().Str("task", task.ID()).Msg("timed out waiting for killed task")
	}
}

// CleanupOrphaned deletes labelled containers that outlived the process that
// started them. It does nothing while executions are in flight.
func (r *Containerd) CleanupOrphaned(ctx context.Context) (int, error) {
	if r.slots.active.Load() > 0 {
		return 0, nil
	}

	containers, err := r.client.Raw().Containers(r.client.WithNamespace(ctx), fmt.Sprintf("labels.%q", execIDLabel))
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containers {
		log.Warn().Str("container_id", c.ID()).Msg("removing orphaned sandbox container")
		if err := r.reap(c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
