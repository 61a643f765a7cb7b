package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

const cleanupTimeout = 30 * time.Second

// cleanupContainer kills any running task, then deletes the task, the
// container, and its snapshot. NotFound at any stage counts as done.
func (p *ContainerdProvider) cleanupContainer(ctx context.Context, ctr containerd.Container) error {
	if ctr == nil {
		return nil
	}

	id := ctr.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	cleanupCtx = p.client.WithNamespace(cleanupCtx)

	if task, err := ctr.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, killTimeout)
			defer waitCancel()
			if exitCh, err := task.Wait(waitCtx); err == nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := ctr.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOrphaned removes sandbox containers older than the orphan age.
func (p *ContainerdProvider) CleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := p.client.WithNamespace(ctx)

	list, err := p.client.raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	cutoff := time.Now().Add(-p.orphanAge)
	var cleaned int
	for _, c := range list {
		if !strings.HasPrefix(c.ID(), containerPrefix) {
			continue
		}
		info, err := c.Info(nsCtx, containerd.WithoutRefreshedMetadata)
		if err != nil || info.CreatedAt.After(cutoff) {
			continue
		}

		logger := log.With().Str("container_id", c.ID()).Logger()
		logger.Warn().Msg("removing orphaned sandbox container")
		if err := p.cleanupContainer(ctx, c); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
