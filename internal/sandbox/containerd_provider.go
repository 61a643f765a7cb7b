package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdProvider runs each execution as a fresh containerd container and
// task. The OCI spec carries the seccomp profile, dropped capabilities,
// fresh namespaces, and cgroup limits.
type ContainerdProvider struct {
	client     *Client
	pullImages bool
	orphanAge  time.Duration

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
}

func NewContainerdProvider(ctx context.Context, socket, namespace string, pullImages bool, orphanAge time.Duration) (*ContainerdProvider, error) {
	client, err := NewClient(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	p := &ContainerdProvider{
		client:     client,
		pullImages: pullImages,
		orphanAge:  orphanAge,
	}
	p.startSweeper()
	return p, nil
}

func (p *ContainerdProvider) Name() string { return "containerd" }

func (p *ContainerdProvider) Healthy(ctx context.Context) error {
	return p.client.Healthy(ctx)
}

func (p *ContainerdProvider) EnsureImages(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		if _, err := p.client.EnsureImage(ctx, ref, p.pullImages); err != nil {
			return err
		}
	}
	return nil
}

func (p *ContainerdProvider) Run(ctx context.Context, req RunRequest) Outcome {
	logger := log.With().Str("exec_id", req.ExecID).Str("provider", p.Name()).Logger()

	image, err := p.client.EnsureImage(ctx, req.Runtime.Image(), p.pullImages)
	if err != nil {
		if ctx.Err() != nil {
			return timeoutOutcome(req.ExecID, "", "")
		}
		return infraOutcome(req.ExecID, "pull_image", ErrRuntimeUnavailable, err)
	}

	id := containerName(req)
	nsCtx := p.client.WithNamespace(ctx)

	ctr, err := p.client.raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithContainerLabels(map[string]string{
			labelSandbox:  "true",
			labelExecID:   req.ExecID,
			labelLanguage: req.Runtime.Name(),
		}),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(req.Runtime.InlineCommand(req.Code)...),
			oci.WithProcessCwd("/tmp"),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, DefaultSecurityProfile())
				ApplyResourceLimits(s, req.Limits)
				s.Process.Env = sandboxEnv()
				return nil
			},
		),
	)
	if err != nil {
		if ctx.Err() != nil {
			return timeoutOutcome(req.ExecID, "", "")
		}
		return infraOutcome(req.ExecID, "create_container", ErrRuntimeUnavailable, err)
	}
	defer func() {
		if err := p.cleanupContainer(context.Background(), ctr); err != nil {
			logger.Error().Err(err).Msg("container cleanup failed")
		}
	}()

	stdout := newCappedBuffer(req.Limits.MaxOutputBytes)
	stderr := newCappedBuffer(req.Limits.MaxOutputBytes)

	task, err := ctr.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return infraOutcome(req.ExecID, "create_task", ErrRuntimeUnavailable, err)
	}

	// Wait must outlive the deadline so the kill below can be observed.
	waitCtx := p.client.WithNamespace(context.WithoutCancel(ctx))
	exitCh, err := task.Wait(waitCtx)
	if err != nil {
		return infraOutcome(req.ExecID, "task_wait", ErrRuntimeUnavailable, err)
	}

	if err := task.Start(nsCtx); err != nil {
		if ctx.Err() != nil {
			return timeoutOutcome(req.ExecID, "", "")
		}
		return infraOutcome(req.ExecID, "task_start", ErrRuntimeUnavailable, err)
	}
	logger.Debug().Msg("task started")

	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return infraOutcome(req.ExecID, "task_exit", ErrRuntimeUnavailable, err)
		}
		p.closeIO(task)
		return Outcome{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: int(code)}

	case <-ctx.Done():
		logger.Warn().Msg("execution timed out, killing task")
		killCtx, cancel := context.WithTimeout(p.client.WithNamespace(context.Background()), killTimeout)
		defer cancel()
		if err := task.Kill(killCtx, 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		select {
		case <-exitCh:
		case <-killCtx.Done():
		}
		p.closeIO(task)
		return timeoutOutcome(req.ExecID, stdout.String(), stderr.String())
	}
}

// closeIO waits for the stdio copiers so buffers are complete before reading.
func (p *ContainerdProvider) closeIO(task containerd.Task) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if io := task.IO(); io != nil {
			io.Wait()
		}
	}()
	drain(done)
}

func (p *ContainerdProvider) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelSweep = cancel
	p.sweepDone = make(chan struct{})

	go func() {
		defer close(p.sweepDone)
		sweep := func() {
			if n, err := p.CleanupOrphaned(ctx); err != nil {
				log.Warn().Err(err).Msg("orphan sweep failed")
			} else if n > 0 {
				log.Info().Int("count", n).Msg("cleaned orphaned containers")
			}
		}

		sweep()
		ticker := time.NewTicker(orphanSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *ContainerdProvider) Close() error {
	p.cancelSweep()
	<-p.sweepDone
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("closing containerd client: %w", err)
	}
	return nil
}
