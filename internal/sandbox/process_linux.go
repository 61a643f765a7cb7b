//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// configureIsolation puts the child in its own process group and, with
// namespaces, makes it init of fresh PID, user and network namespaces. The
// network namespace has no interfaces besides a down loopback. When the
// namespace's init dies the kernel kills everything left inside it.
func configureIsolation(cmd *exec.Cmd, namespaces bool, group *runGroup) {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if namespaces {
		attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWPID | syscall.CLONE_NEWNET | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
		attr.GidMappingsEnableSetgroups = false
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	}
	cmd.SysProcAttr = attr
	cmd.Cancel = func() error {
		return group.kill(cmd.Process.Pid)
	}
}

// startIsolated starts the command, retrying without namespaces when the
// host forbids unprivileged user namespaces.
func startIsolated(build func(namespaces bool) *exec.Cmd, namespaces bool, logger zerolog.Logger) (*exec.Cmd, error) {
	cmd := build(namespaces)
	err := cmd.Start()
	if err == nil || !namespaces {
		return cmd, err
	}
	if !errors.Is(err, syscall.EPERM) && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOSPC) {
		return cmd, err
	}

	logger.Warn().Err(err).Msg("user namespaces unavailable, running without network isolation")
	cmd = build(false)
	return cmd, cmd.Start()
}

// runGroup tracks every process one run spawns, including descendants that
// left the process group with setsid. With a cgroup v2 root configured each
// run gets its own cgroup and is torn down through cgroup.kill; the process
// tree walk covers hosts without one.
type runGroup struct {
	cgroup string
	logger zerolog.Logger
}

func newRunGroup(root, execID string, logger zerolog.Logger) *runGroup {
	g := &runGroup{logger: logger}
	if root == "" {
		return g
	}
	path := filepath.Join(root, "codequest-"+execID)
	if err := os.Mkdir(path, 0o750); err != nil {
		logger.Warn().Err(err).Str("cgroup", path).Msg("failed to create run cgroup, killing by process tree")
		return g
	}
	g.cgroup = path
	return g
}

func (g *runGroup) attach(pid int) {
	if g.cgroup == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(g.cgroup, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		g.logger.Warn().Err(err).Str("cgroup", g.cgroup).Msg("failed to move child into run cgroup")
	}
}

func (g *runGroup) kill(pid int) error {
	var errs []error
	if g.cgroup != "" {
		if err := killCgroup(g.cgroup); err != nil {
			errs = append(errs, err)
		}
	}
	if err := killProcessTree(pid); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release kills whatever a finished run left behind in its cgroup and
// removes the cgroup once it is empty.
func (g *runGroup) release() {
	if g.cgroup == "" {
		return
	}
	if err := killCgroup(g.cgroup); err != nil {
		g.logger.Warn().Err(err).Str("cgroup", g.cgroup).Msg("failed to kill run cgroup")
	}
	var err error
	for range 20 {
		err = os.Remove(g.cgroup)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	g.logger.Warn().Err(err).Str("cgroup", g.cgroup).Msg("failed to remove run cgroup")
}

func killCgroup(path string) error {
	if err := os.WriteFile(filepath.Join(path, "cgroup.kill"), []byte("1"), 0o600); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cgroup.kill %s: %w", path, err)
	}
	return nil
}

// killProcessTree stops the child's whole tree before killing it, so no
// member is reparented away from the walk while it runs.
func killProcessTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	_ = syscall.Kill(-pid, syscall.SIGSTOP)
	for range 3 {
		for _, p := range processTree(pid) {
			_ = syscall.Kill(p, syscall.SIGSTOP)
		}
	}
	targets := processTree(pid)

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	for _, p := range targets {
		_ = syscall.Kill(p, syscall.SIGKILL)
	}
	return nil
}

// processTree returns root and all of its live descendants.
func processTree(root int) []int {
	procs, err := procfs.AllProcs()
	if err != nil {
		return []int{root}
	}
	children := make(map[int][]int)
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], stat.PID)
	}

	tree := []int{root}
	for i := 0; i < len(tree); i++ {
		tree = append(tree, children[tree[i]]...)
	}
	return tree
}

// applyProcessLimits sets rlimits on the started child. RLIMIT_AS is skipped
// for runtimes that cap their heap with a flag, since engines like V8
// reserve far more address space than they use.
func applyProcessLimits(pid int, req RunRequest) error {
	type rlimit struct {
		name     string
		resource int
		value    uint64
	}
	limits := []rlimit{
		{"cpu", unix.RLIMIT_CPU, req.Limits.CPUSeconds()},
		{"core", unix.RLIMIT_CORE, 0},
		{"nofile", unix.RLIMIT_NOFILE, 64},
	}
	if req.Limits.TmpfsBytes > 0 {
		limits = append(limits, rlimit{"fsize", unix.RLIMIT_FSIZE, safeUint64(req.Limits.TmpfsBytes)})
	}
	if len(req.Runtime.MemoryFlags(req.Limits.MemoryMB())) == 0 {
		limits = append(limits, rlimit{"as", unix.RLIMIT_AS, safeUint64(req.Limits.MemoryBytes)})
	}

	var errs []error
	for _, l := range limits {
		rl := unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Prlimit(pid, l.resource, &rl, nil); err != nil {
			errs = append(errs, fmt.Errorf("rlimit %s: %w", l.name, err))
		}
	}
	return errors.Join(errs...)
}

// describeTermination explains a signal death so the result is never an
// empty error.
func describeTermination(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	switch ws.Signal() {
	case syscall.SIGXCPU:
		return "Process killed: CPU time limit exceeded"
	case syscall.SIGSEGV:
		return "Process killed: segmentation fault (memory limit exceeded?)"
	case syscall.SIGXFSZ:
		return "Process killed: file size limit exceeded"
	default:
		return fmt.Sprintf("Process killed by signal: %s", ws.Signal())
	}
}
