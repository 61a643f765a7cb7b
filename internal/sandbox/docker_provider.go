package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"codequest-sandbox/pkg/seccomp"
)

const (
	containerPrefix = "codequest-"
	labelSandbox    = "codequest.sandbox"
	labelExecID     = "codequest.exec_id"
	labelLanguage   = "codequest.language"

	orphanSweepInterval = 5 * time.Minute
	killTimeout         = 5 * time.Second
	streamDrainTimeout  = 2 * time.Second
)

// dockerAPI is the subset of the Engine API client the provider uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// DockerProvider runs each execution in a fresh, network-less container on
// the Docker Engine. Code travels in the container's argv; nothing on the
// host filesystem is shared with the unit.
type DockerProvider struct {
	cli         dockerAPI
	pullImages  bool
	seccompJSON string
	orphanAge   time.Duration

	pulled sync.Map // image ref -> struct{}

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
}

// NewDockerProvider connects using the standard DOCKER_HOST environment and
// starts the orphan sweeper. orphanAge is how old a labelled container must
// be before the sweeper treats it as abandoned.
func NewDockerProvider(ctx context.Context, pullImages bool, orphanAge time.Duration) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	p, err := newDockerProvider(cli, pullImages, orphanAge)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	p.startSweeper()
	return p, nil
}

func newDockerProvider(cli dockerAPI, pullImages bool, orphanAge time.Duration) (*DockerProvider, error) {
	profile, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, fmt.Errorf("rendering seccomp profile: %w", err)
	}
	return &DockerProvider{
		cli:         cli,
		pullImages:  pullImages,
		seccompJSON: string(profile),
		orphanAge:   orphanAge,
	}, nil
}

func (p *DockerProvider) Name() string { return "docker" }

func (p *DockerProvider) Healthy(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// EnsureImages makes every image available ahead of the first request.
func (p *DockerProvider) EnsureImages(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		if err := p.ensureImage(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (p *DockerProvider) ensureImage(ctx context.Context, ref string) error {
	if _, ok := p.pulled.Load(ref); ok {
		return nil
	}

	_, err := p.cli.ImageInspect(ctx, ref)
	switch {
	case err == nil:
	case client.IsErrNotFound(err) && p.pullImages:
		log.Info().Str("image", ref).Msg("pulling image")
		rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pulling image %s: %w", ref, err)
		}
		// The pull completes only once the progress stream is drained.
		_, copyErr := io.Copy(io.Discard, rc)
		_ = rc.Close()
		if copyErr != nil {
			return fmt.Errorf("pulling image %s: %w", ref, copyErr)
		}
		log.Info().Str("image", ref).Msg("image pulled")
	case client.IsErrNotFound(err):
		return fmt.Errorf("image %s not present and pulling is disabled", ref)
	default:
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}

	p.pulled.Store(ref, struct{}{})
	return nil
}

func (p *DockerProvider) Run(ctx context.Context, req RunRequest) Outcome {
	logger := log.With().Str("exec_id", req.ExecID).Str("provider", p.Name()).Logger()

	if err := p.ensureImage(ctx, req.Runtime.Image()); err != nil {
		if ctx.Err() != nil {
			return timeoutOutcome(req.ExecID, "", "")
		}
		return infraOutcome(req.ExecID, "pull_image", ErrRuntimeUnavailable, err)
	}

	cfg, hostCfg := p.containerConfig(req)
	created, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(req))
	if err != nil {
		if ctx.Err() != nil {
			return timeoutOutcome(req.ExecID, "", "")
		}
		return infraOutcome(req.ExecID, "create_container", ErrRuntimeUnavailable, err)
	}
	id := created.ID
	defer p.removeContainer(id)

	attach, err := p.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return infraOutcome(req.ExecID, "attach", ErrRuntimeUnavailable, err)
	}
	defer attach.Close()

	// Registered before start: a created container is already "not running".
	waitCtx, cancelWait := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWait()
	waitCh, waitErrCh := p.cli.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	if err := p.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return timeoutOutcome(req.ExecID, "", "")
		}
		return infraOutcome(req.ExecID, "start", ErrRuntimeUnavailable, err)
	}

	stdout := newCappedBuffer(req.Limits.MaxOutputBytes)
	stderr := newCappedBuffer(req.Limits.MaxOutputBytes)
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
			logger.Debug().Err(err).Msg("output stream closed with error")
		}
	}()

	select {
	case res := <-waitCh:
		drain(copied)
		if res.Error != nil {
			return infraOutcome(req.ExecID, "wait", ErrRuntimeUnavailable, fmt.Errorf("%s", res.Error.Message))
		}
		out := Outcome{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: int(res.StatusCode)}
		if out.ExitCode == 137 && p.oomKilled(id) {
			out.Stderr = appendLine(out.Stderr, fmt.Sprintf("Process killed: out of memory (limit %s)", units.BytesSize(float64(req.Limits.MemoryBytes))))
		}
		return out

	case err := <-waitErrCh:
		if ctx.Err() == nil {
			return infraOutcome(req.ExecID, "wait", ErrRuntimeUnavailable, err)
		}

	case <-ctx.Done():
	}

	logger.Warn().Str("container_id", id).Msg("execution timed out, killing container")
	killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := p.cli.ContainerKill(killCtx, id, "KILL"); err != nil {
		logger.Error().Err(err).Msg("failed to kill timed out container")
	}
	drain(copied)
	return timeoutOutcome(req.ExecID, stdout.String(), stderr.String())
}

func (p *DockerProvider) containerConfig(req RunRequest) (*container.Config, *container.HostConfig) {
	pids := req.Limits.PidsLimit
	cfg := &container.Config{
		Image:           req.Runtime.Image(),
		Cmd:             req.Runtime.InlineCommand(req.Code),
		User:            fmt.Sprintf("%d:%d", sandboxUID, sandboxGID),
		Env:             sandboxEnv(),
		WorkingDir:      "/tmp",
		Hostname:        "sandbox",
		NetworkDisabled: true,
		Labels: map[string]string{
			labelSandbox:  "true",
			labelExecID:   req.ExecID,
			labelLanguage: req.Runtime.Name(),
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt: []string{
			"no-new-privileges",
			"seccomp=" + p.seccompJSON,
		},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,nodev,size=%d", req.Limits.TmpfsBytes),
		},
		Resources: container.Resources{
			Memory:     req.Limits.MemoryBytes,
			MemorySwap: req.Limits.MemoryBytes,
			CPUPeriod:  cfsPeriod,
			CPUQuota:   req.Limits.CPUQuotaMicros(),
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 64, Hard: 64},
				{Name: "core", Soft: 0, Hard: 0},
				{Name: "cpu", Soft: int64(req.Limits.CPUSeconds()), Hard: int64(req.Limits.CPUSeconds())},
			},
		},
	}
	return cfg, hostCfg
}

func (p *DockerProvider) oomKilled(id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	info, err := p.cli.ContainerInspect(ctx, id)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return false
	}
	return info.State.OOMKilled
}

// removeContainer runs on a fresh context so cleanup survives the deadline.
func (p *DockerProvider) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		log.Error().Err(err).Str("container_id", id).Msg("failed to remove container")
	}
}

// CleanupOrphaned removes sandbox containers older than the orphan age, left
// behind by a crash or a failed removal.
func (p *DockerProvider) CleanupOrphaned(ctx context.Context) (int, error) {
	list, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelSandbox+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	cutoff := time.Now().Add(-p.orphanAge).Unix()
	var cleaned int
	for _, c := range list {
		if c.Created > cutoff {
			continue
		}
		log.Warn().Str("container_id", c.ID).Str("exec_id", c.Labels[labelExecID]).Msg("removing orphaned sandbox container")
		if err := p.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			log.Error().Err(err).Str("container_id", c.ID).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (p *DockerProvider) startSweeper() {
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

func (p *DockerProvider) Close() error {
	if p.cancelSweep != nil {
		p.cancelSweep()
		<-p.sweepDone
	}
	return p.cli.Close()
}

func containerName(req RunRequest) string {
	return containerPrefix + req.Runtime.Name() + "-" + req.ExecID
}

// drain waits briefly for the output copier. A killed container closes its
// attach stream, but a wedged daemon must not hold the request.
func drain(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(streamDrainTimeout):
	}
}
