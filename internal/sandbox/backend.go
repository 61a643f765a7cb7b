package sandbox

import (
	"context"
	"fmt"
	goruntime "runtime"
	"time"

	"github.com/rs/zerolog/log"

	"codequest-sandbox/internal/config"
	"codequest-sandbox/internal/policy"
	"codequest-sandbox/internal/runtime"
)

const imageWarmTimeout = 5 * time.Minute

// containerProvider is implemented by the container engines.
type containerProvider interface {
	Provider
	HealthChecker
	EnsureImages(ctx context.Context, refs []string) error
}

// LimitsFromConfig converts sandbox configuration into execution limits.
func LimitsFromConfig(cfg *config.Config) (Limits, error) {
	mem, err := cfg.MemoryBytes()
	if err != nil {
		return Limits{}, err
	}
	limits := Limits{
		Timeout:        cfg.Sandbox.Timeout,
		MemoryBytes:    mem,
		CPUQuota:       cfg.Sandbox.CPUQuota,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		TmpfsBytes:     cfg.Sandbox.TmpfsMB << 20,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		MaxSteps:       cfg.Sandbox.MaxSteps,
	}
	return limits, limits.Validate()
}

// NewDispatcherFromConfig builds one provider per isolation mode in use and
// maps every executing language onto it. A container engine that cannot be
// reached does not fail startup: its languages report the environment as
// unavailable per request until the service is restarted.
func NewDispatcherFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Dispatcher, error) {
	limits, err := LimitsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	runtimes := runtime.NewRegistry()
	providers := make(map[string]Provider)

	var (
		restricted *RestrictedProvider
		process    *ProcessProvider
		container  Provider
		images     []string
	)

	for _, lang := range runtimes.Languages() {
		rt, _ := runtimes.Get(lang)
		if !rt.Executes() {
			continue
		}

		switch mode := cfg.IsolationFor(lang); mode {
		case config.IsolationRestricted:
			if restricted == nil {
				restricted = NewRestrictedProvider()
			}
			providers[lang] = restricted

		case config.IsolationProcess:
			if process == nil {
				interpreters, err := interpreterCommands(cfg, runtimes)
				if err != nil {
					return nil, err
				}
				process = NewProcessProvider(interpreters, cfg.Sandbox.TempDir, cfg.Sandbox.Namespaces,
					WithCgroupRoot(cfg.Sandbox.CgroupRoot))
			}
			providers[lang] = process

		case config.IsolationContainer:
			if container == nil {
				container = newContainerProvider(ctx, cfg)
			}
			providers[lang] = container
			images = append(images, rt.Image())

		default:
			return nil, fmt.Errorf("%s: unknown isolation mode %q", lang, mode)
		}

		log.Info().Str("language", lang).Str("provider", providers[lang].Name()).Msg("isolation provider selected")
	}

	if cp, ok := container.(containerProvider); ok && len(images) > 0 {
		go warmImages(cp, images)
	}

	base := []Option{
		WithRuntimes(runtimes),
		WithMaxConcurrent(cfg.Sandbox.MaxConcurrent),
		WithGracePeriod(cfg.Sandbox.GracePeriod),
		WithPolicy(policy.NewFilter(cfg.Sandbox.DenyPatterns)),
	}
	d, err := NewDispatcher(providers, limits, append(base, opts...)...)
	if err != nil {
		if container != nil {
			_ = container.Close()
		}
		return nil, err
	}
	return d, nil
}

func interpreterCommands(cfg *config.Config, runtimes *runtime.Registry) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, lang := range runtimes.Languages() {
		argv, err := cfg.InterpreterCommand(lang)
		if err != nil {
			return nil, err
		}
		if argv != nil {
			out[lang] = argv
		}
	}
	return out, nil
}

// newContainerProvider honours the configured engine. "auto" prefers
// containerd on Linux and falls back to Docker.
func newContainerProvider(ctx context.Context, cfg *config.Config) Provider {
	orphanAge := 2*(cfg.Sandbox.Timeout+cfg.Sandbox.GracePeriod) + time.Minute

	connectContainerd := func() (Provider, error) {
		return NewContainerdProvider(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace, cfg.Sandbox.PullImages, orphanAge)
	}
	connectDocker := func() (Provider, error) {
		return NewDockerProvider(ctx, cfg.Sandbox.PullImages, orphanAge)
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Sandbox.Engine {
	case "containerd":
		p, err = connectContainerd()
	case "docker":
		p, err = connectDocker()
	default:
		if goruntime.GOOS == "linux" {
			if p, err = connectContainerd(); err == nil {
				break
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}
		p, err = connectDocker()
	}

	if err != nil {
		log.Error().Err(err).Str("engine", cfg.Sandbox.Engine).Msg("no container engine available")
		return &unavailableProvider{name: "container", err: err}
	}
	log.Info().Str("engine", p.Name()).Msg("container engine connected")
	return p
}

func warmImages(p containerProvider, refs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), imageWarmTimeout)
	defer cancel()
	if err := p.EnsureImages(ctx, refs); err != nil {
		log.Warn().Err(err).Msg("failed to pre-pull runtime images")
	}
}

// unavailableProvider stands in for an engine that could not be reached.
type unavailableProvider struct {
	name string
	err  error
}

func (u *unavailableProvider) Name() string { return u.name }

func (u *unavailableProvider) Run(_ context.Context, req RunRequest) Outcome {
	return infraOutcome(req.ExecID, "connect", ErrRuntimeUnavailable, u.err)
}

func (u *unavailableProvider) Healthy(context.Context) error { return u.err }

func (u *unavailableProvider) Close() error { return nil }
