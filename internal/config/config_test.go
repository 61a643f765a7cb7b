package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Sandbox.Timeout != 5*time.Second {
		t.Errorf("Sandbox.Timeout = %s, want 5s", cfg.Sandbox.Timeout)
	}
	if cfg.Sandbox.Memory != "256m" {
		t.Errorf("Sandbox.Memory = %q, want 256m", cfg.Sandbox.Memory)
	}
	if cfg.Sandbox.CPUQuota != 0.5 {
		t.Errorf("Sandbox.CPUQuota = %g, want 0.5", cfg.Sandbox.CPUQuota)
	}
	if got := cfg.IsolationFor("python"); got != IsolationRestricted {
		t.Errorf("IsolationFor(python) = %q, want %q", got, IsolationRestricted)
	}
	if got := cfg.IsolationFor("javascript"); got != IsolationProcess {
		t.Errorf("IsolationFor(javascript) = %q, want %q", got, IsolationProcess)
	}
	if got := cfg.IsolationFor("ruby"); got != IsolationContainer {
		t.Errorf("IsolationFor(ruby) = %q, want %q", got, IsolationContainer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"timeout too small", func(c *Config) { c.Sandbox.Timeout = time.Millisecond }, true},
		{"timeout too large", func(c *Config) { c.Sandbox.Timeout = time.Hour }, true},
		{"negative grace", func(c *Config) { c.Sandbox.GracePeriod = -time.Second }, true},
		{"write timeout below budget", func(c *Config) { c.Sandbox.Timeout = time.Minute }, true},
		{"write timeout equals budget", func(c *Config) { c.Server.WriteTimeout = 7 * time.Second }, true},
		{"write timeout raised with budget", func(c *Config) {
			c.Sandbox.Timeout = time.Minute
			c.Server.WriteTimeout = 2 * time.Minute
		}, false},
		{"write timeout disabled", func(c *Config) {
			c.Sandbox.Timeout = time.Minute
			c.Server.WriteTimeout = 0
		}, false},
		{"memory unparsable", func(c *Config) { c.Sandbox.Memory = "lots" }, true},
		{"memory below floor", func(c *Config) { c.Sandbox.Memory = "8m" }, true},
		{"memory 1g", func(c *Config) { c.Sandbox.Memory = "1g" }, false},
		{"cpu quota zero", func(c *Config) { c.Sandbox.CPUQuota = 0 }, true},
		{"pids zero", func(c *Config) { c.Sandbox.PidsLimit = 0 }, true},
		{"output cap tiny", func(c *Config) { c.Sandbox.MaxOutputBytes = 10 }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"unknown engine", func(c *Config) { c.Sandbox.Engine = "podman" }, true},
		{"docker engine", func(c *Config) { c.Sandbox.Engine = "docker" }, false},
		{"unknown isolation", func(c *Config) { c.Sandbox.Isolation["python"] = "vm" }, true},
		{"restricted javascript", func(c *Config) { c.Sandbox.Isolation["javascript"] = IsolationRestricted }, true},
		{"container python", func(c *Config) { c.Sandbox.Isolation["python"] = IsolationContainer }, false},
		{"unterminated interpreter quote", func(c *Config) { c.Sandbox.Interpreters["python"] = `python3 "-c` }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv_RaisesWriteTimeout(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{"MAX_EXECUTION_TIME": "60"}
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if want := 72 * time.Second; cfg.Server.WriteTimeout != want {
		t.Errorf("WriteTimeout = %s, want %s", cfg.Server.WriteTimeout, want)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MAX_EXECUTION_TIME": "3",
		"MAX_MEMORY_MB":      "128m",
		"PORT":               "9090",
		"SANDBOX_ENGINE":     "docker",
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Sandbox.Timeout != 3*time.Second {
		t.Errorf("Timeout = %s, want 3s", cfg.Sandbox.Timeout)
	}
	mem, err := cfg.MemoryBytes()
	if err != nil {
		t.Fatal(err)
	}
	if mem != 128<<20 {
		t.Errorf("MemoryBytes = %d, want %d", mem, 128<<20)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.Engine != "docker" {
		t.Errorf("Engine = %q, want docker", cfg.Sandbox.Engine)
	}
}

func TestApplyEnv_BareMegabytes(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "MAX_MEMORY_MB" {
			return "512"
		}
		return ""
	})
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	mem, _ := cfg.MemoryBytes()
	if mem != 512<<20 {
		t.Errorf("MemoryBytes = %d, want %d", mem, 512<<20)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"timeout not a number", map[string]string{"MAX_EXECUTION_TIME": "five"}},
		{"timeout zero", map[string]string{"MAX_EXECUTION_TIME": "0"}},
		{"memory garbage", map[string]string{"MAX_MEMORY_MB": "huge"}},
		{"port garbage", map[string]string{"PORT": "http"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if err := cfg.ApplyEnv(func(k string) string { return tt.env[k] }); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestInterpreterCommand(t *testing.T) {
	cfg := DefaultConfig()

	argv, err := cfg.InterpreterCommand("python")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"python3", "-I", "-B"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}

	argv, err = cfg.InterpreterCommand("html")
	if err != nil || argv != nil {
		t.Errorf("InterpreterCommand(html) = %v, %v; want nil, nil", argv, err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  port: 9000
sandbox:
  timeout: 2s
  memory: 128m
  engine: docker
  isolation:
    python: container
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Sandbox.Timeout != 2*time.Second {
		t.Errorf("Timeout = %s, want 2s", cfg.Sandbox.Timeout)
	}
	if cfg.IsolationFor("python") != IsolationContainer {
		t.Errorf("python isolation = %q, want container", cfg.IsolationFor("python"))
	}
	// Defaults survive partial files.
	if cfg.Sandbox.CPUQuota != 0.5 {
		t.Errorf("CPUQuota = %g, want default 0.5", cfg.Sandbox.CPUQuota)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8123
	if got := cfg.Address(); got != "127.0.0.1:8123" {
		t.Errorf("Address() = %q", got)
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Sandbox.Timeout != def.Sandbox.Timeout || cfg.Sandbox.Memory != def.Sandbox.Memory {
		t.Errorf("shipped config drifted from defaults: timeout %s memory %s", cfg.Sandbox.Timeout, cfg.Sandbox.Memory)
	}
	if cfg.IsolationFor("python") != IsolationRestricted {
		t.Errorf("python isolation = %q", cfg.IsolationFor("python"))
	}
}
