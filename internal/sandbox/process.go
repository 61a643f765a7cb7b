package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// waitDelay bounds how long Wait blocks on pipe copying after the process
// group has been killed.
const waitDelay = 500 * time.Millisecond

// ProcessProvider runs code with a host interpreter in a child process. The
// source is written to a single-use file that is removed before Run returns.
// On Linux the child gets its own process group, fresh PID, user and
// network namespaces, and rlimits; elsewhere only the wall-clock kill
// applies. A timeout kills every process the run spawned.
type ProcessProvider struct {
	interpreters map[string][]string
	tempDir      string
	namespaces   bool
	cgroupRoot   string
}

// ProcessOption configures a ProcessProvider.
type ProcessOption func(*ProcessProvider)

// WithCgroupRoot places each run in its own cgroup under root, a delegated
// cgroup v2 directory. Killing the cgroup reaches descendants that escaped
// both the process group and the process tree.
func WithCgroupRoot(root string) ProcessOption {
	return func(p *ProcessProvider) { p.cgroupRoot = root }
}

// NewProcessProvider takes per-language interpreter argv prefixes. Languages
// without an entry fall back to the runtime's default interpreter.
func NewProcessProvider(interpreters map[string][]string, tempDir string, namespaces bool, opts ...ProcessOption) *ProcessProvider {
	p := &ProcessProvider{
		interpreters: interpreters,
		tempDir:      tempDir,
		namespaces:   namespaces,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ProcessProvider) Name() string { return "process" }

func (p *ProcessProvider) Close() error { return nil }

func (p *ProcessProvider) Run(ctx context.Context, req RunRequest) Outcome {
	logger := log.With().Str("exec_id", req.ExecID).Str("provider", p.Name()).Logger()

	prefix := p.interpreters[req.Runtime.Name()]
	if len(prefix) == 0 {
		prefix = req.Runtime.Interpreter()
	}
	if len(prefix) == 0 {
		return infraOutcome(req.ExecID, "resolve_interpreter", ErrInterpreterMissing, nil)
	}

	path, err := writeArtifact(p.tempDir, req.Code, req.Runtime.FileExtension())
	if err != nil {
		return infraOutcome(req.ExecID, "write_code", ErrRuntimeUnavailable, err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to remove code artifact")
		}
	}()

	argv := make([]string, 0, len(prefix)+2)
	argv = append(argv, prefix...)
	argv = append(argv, req.Runtime.MemoryFlags(req.Limits.MemoryMB())...)
	argv = append(argv, path)

	stdout := newCappedBuffer(req.Limits.MaxOutputBytes)
	stderr := newCappedBuffer(req.Limits.MaxOutputBytes)

	group := newRunGroup(p.cgroupRoot, req.ExecID, logger)
	defer group.release()

	build := func(namespaces bool) *exec.Cmd {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204 -- argv comes from configuration, code is passed as a file
		cmd.Dir = filepath.Dir(path)
		cmd.Env = processEnv(cmd.Dir)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.WaitDelay = waitDelay
		configureIsolation(cmd, namespaces, group)
		return cmd
	}

	cmd, err := startIsolated(build, p.namespaces, logger)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return infraOutcome(req.ExecID, "start", ErrInterpreterMissing, err)
		}
		if ctx.Err() != nil {
			return timeoutOutcome(req.ExecID, "", "")
		}
		return infraOutcome(req.ExecID, "start", ErrRuntimeUnavailable, err)
	}

	group.attach(cmd.Process.Pid)
	if err := applyProcessLimits(cmd.Process.Pid, req); err != nil {
		logger.Warn().Err(err).Msg("failed to apply rlimits")
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return timeoutOutcome(req.ExecID, stdout.String(), stderr.String())
	}

	out := Outcome{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		if msg := describeTermination(exitErr.ProcessState); msg != "" && out.Stderr == "" {
			out.Stderr = msg
		}
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Exited, but a grandchild kept the pipes open past WaitDelay.
		out.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return infraOutcome(req.ExecID, "wait", ErrRuntimeUnavailable, waitErr)
	}
	return out
}

// writeArtifact stores code in a fresh 0600 file under dir.
func writeArtifact(dir, code, ext string) (string, error) {
	f, err := os.CreateTemp(dir, "codequest-*"+ext)
	if err != nil {
		return "", fmt.Errorf("creating code file: %w", err)
	}
	path := f.Name()
	if _, err := f.WriteString(code); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("writing code file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("closing code file: %w", err)
	}
	return path, nil
}

// processEnv replaces the server's environment entirely. PATH is kept so
// interpreters can locate their own helpers.
func processEnv(home string) []string {
	env := []string{
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"SANDBOX=true",
	}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return env
}
