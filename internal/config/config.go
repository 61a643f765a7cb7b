package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/shlex"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Isolation modes a language can be mapped to.
const (
	IsolationContainer  = "container"
	IsolationRestricted = "restricted"
	IsolationProcess    = "process"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Tracing  TracingConfig  `yaml:"tracing"`
	CORS     CORSConfig     `yaml:"cors"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Timeout        time.Duration       `yaml:"timeout"`
	Memory         string              `yaml:"memory"`    // docker size string, e.g. "256m"
	CPUQuota       float64             `yaml:"cpu_quota"` // fraction of one core
	PidsLimit      int64               `yaml:"pids_limit"`
	TmpfsMB        int64               `yaml:"tmpfs_mb"`
	MaxOutputBytes int                 `yaml:"max_output_bytes"`
	MaxSteps       uint64              `yaml:"max_steps"` // restricted interpreter step budget, 0 = unlimited
	GracePeriod    time.Duration       `yaml:"grace_period"`
	MaxConcurrent  int                 `yaml:"max_concurrent"`
	Isolation      map[string]string   `yaml:"isolation"`     // language -> container|restricted|process
	Interpreters   map[string]string   `yaml:"interpreters"`  // language -> command line for process isolation
	DenyPatterns   map[string][]string `yaml:"deny_patterns"` // extra policy patterns per language

	Engine           string `yaml:"engine"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	PullImages       bool   `yaml:"pull_images"`
	Namespaces       bool   `yaml:"process_namespaces"` // pid+user+net namespaces for process isolation (Linux)
	CgroupRoot       string `yaml:"cgroup_root"`        // delegated cgroup v2 directory for per-run process cgroups
	TempDir          string `yaml:"temp_dir"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second, // > sandbox timeout + grace
			ShutdownTimeout: 20 * time.Second,
			MaxRequestBody:  64 << 10, // 64KB, code is capped at 5000 characters
		},
		Sandbox: SandboxConfig{
			Timeout:        5 * time.Second,
			Memory:         "256m",
			CPUQuota:       0.5,
			PidsLimit:      64,
			TmpfsMB:        16,
			MaxOutputBytes: 1 << 20,
			MaxSteps:       0,
			GracePeriod:    2 * time.Second,
			MaxConcurrent:  100,
			Isolation: map[string]string{
				"python":     IsolationRestricted,
				"javascript": IsolationProcess,
			},
			Interpreters: map[string]string{
				"python":     "python3 -I -B",
				"javascript": "node",
			},
			Engine:           "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "codequest",
			PullImages:       true,
			Namespaces:       true,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.Timeout < 100*time.Millisecond || c.Sandbox.Timeout > 5*time.Minute {
		return fmt.Errorf("sandbox.timeout must be between 100ms and 5m, got %s", c.Sandbox.Timeout)
	}
	if c.Sandbox.GracePeriod < 0 {
		return fmt.Errorf("sandbox.grace_period must not be negative")
	}
	if budget := c.executionBudget(); c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= budget {
		return fmt.Errorf("server.write_timeout %s must exceed sandbox.timeout + grace_period (%s)", c.Server.WriteTimeout, budget)
	}
	mem, err := c.MemoryBytes()
	if err != nil {
		return err
	}
	if mem < 16<<20 {
		return fmt.Errorf("sandbox.memory must be >= 16m, got %s", units.BytesSize(float64(mem)))
	}
	if c.Sandbox.CPUQuota <= 0 || c.Sandbox.CPUQuota > 8 {
		return fmt.Errorf("sandbox.cpu_quota must be in (0, 8], got %g", c.Sandbox.CPUQuota)
	}
	if c.Sandbox.PidsLimit < 1 {
		return fmt.Errorf("sandbox.pids_limit must be >= 1")
	}
	if c.Sandbox.MaxOutputBytes < 1024 {
		return fmt.Errorf("sandbox.max_output_bytes must be >= 1024")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	switch c.Sandbox.Engine {
	case "", "auto", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.engine %q: must be auto, containerd, or docker", c.Sandbox.Engine)
	}
	for lang, mode := range c.Sandbox.Isolation {
		switch mode {
		case IsolationContainer, IsolationProcess:
		case IsolationRestricted:
			if lang != "python" {
				return fmt.Errorf("sandbox.isolation.%s: restricted isolation only supports python", lang)
			}
		default:
			return fmt.Errorf("sandbox.isolation.%s: unknown mode %q", lang, mode)
		}
	}
	for lang := range c.Sandbox.Interpreters {
		if _, err := c.InterpreterCommand(lang); err != nil {
			return err
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// ApplyEnv overlays process environment settings. getenv is os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("MAX_EXECUTION_TIME"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 1 {
			return fmt.Errorf("MAX_EXECUTION_TIME must be a positive number of seconds, got %q", v)
		}
		c.Sandbox.Timeout = time.Duration(secs) * time.Second
		if budget := c.executionBudget(); c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= budget {
			c.Server.WriteTimeout = budget + writeTimeoutHeadroom
			log.Info().Dur("write_timeout", c.Server.WriteTimeout).Msg("raised server write timeout to fit MAX_EXECUTION_TIME")
		}
	}
	if v := getenv("MAX_MEMORY_MB"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			v += "m"
		}
		if _, err := units.RAMInBytes(v); err != nil {
			return fmt.Errorf("MAX_MEMORY_MB: %w", err)
		}
		c.Sandbox.Memory = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT must be numeric, got %q", v)
		}
		c.Server.Port = port
	}
	if v := getenv("SANDBOX_ENGINE"); v != "" {
		c.Sandbox.Engine = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	return c.Validate()
}

// writeTimeoutHeadroom leaves room past the sandbox budget for request
// decoding and response encoding.
const writeTimeoutHeadroom = 10 * time.Second

// executionBudget is the longest one execution can hold a request open.
func (c *Config) executionBudget() time.Duration {
	return c.Sandbox.Timeout + c.Sandbox.GracePeriod
}

// MemoryBytes parses the configured memory ceiling.
func (c *Config) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Sandbox.Memory)
	if err != nil {
		return 0, fmt.Errorf("sandbox.memory %q: %w", c.Sandbox.Memory, err)
	}
	return n, nil
}

// IsolationFor returns the isolation mode for a language, defaulting to container.
func (c *Config) IsolationFor(language string) string {
	if mode, ok := c.Sandbox.Isolation[language]; ok && mode != "" {
		return mode
	}
	return IsolationContainer
}

// InterpreterCommand splits the configured interpreter command line for a language.
// It returns nil with no error when none is configured.
func (c *Config) InterpreterCommand(language string) ([]string, error) {
	raw := strings.TrimSpace(c.Sandbox.Interpreters[language])
	if raw == "" {
		return nil, nil
	}
	argv, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("sandbox.interpreters.%s: %w", language, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox.interpreters.%s: empty command", language)
	}
	return argv, nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
