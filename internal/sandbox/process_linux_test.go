//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/procfs"
)

// sleepMarker yields a sleep argument unique to this test run so leftover
// processes can be found by command line.
func sleepMarker() string {
	return fmt.Sprintf("97.%09d", time.Now().UnixNano()%1_000_000_000)
}

func sleepers(marker string) []int {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil
	}
	var pids []int
	for _, p := range procs {
		cmdline, err := p.CmdLine()
		if err != nil || len(cmdline) != 2 || filepath.Base(cmdline[0]) != "sleep" || cmdline[1] != marker {
			continue
		}
		if stat, err := p.Stat(); err == nil && stat.State != "Z" {
			pids = append(pids, p.PID)
		}
	}
	return pids
}

func requireNoSleepers(t *testing.T, marker string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		pids := sleepers(marker)
		if len(pids) == 0 {
			return
		}
		if time.Now().After(deadline) {
			for _, pid := range pids {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
			t.Fatalf("processes survived the timeout: %v", pids)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestProcess_TimeoutKillsDetachedDescendants(t *testing.T) {
	requireInterpreter(t, "setsid")
	requireInterpreter(t, "sleep")

	tests := []struct {
		name       string
		lang       string
		binary     string
		namespaces bool
		code       string
	}{
		{
			name:   "node setsid",
			lang:   "javascript",
			binary: "node",
			code: "require('child_process').spawn('setsid', ['sleep', '%s'], {detached: true, stdio: 'ignore'});\n" +
				"console.log('spawned');\nwhile (true) {}",
		},
		{
			name:       "node setsid in namespaces",
			lang:       "javascript",
			binary:     "node",
			namespaces: true,
			code: "require('child_process').spawn('setsid', ['sleep', '%s'], {detached: true, stdio: 'ignore'});\n" +
				"console.log('spawned');\nwhile (true) {}",
		},
		{
			name:   "python new session",
			lang:   "python",
			binary: "python3",
			code: "import subprocess\n" +
				"subprocess.Popen(['setsid', 'sleep', '%s'], start_new_session=True)\n" +
				"print('spawned', flush=True)\nwhile True:\n    pass",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireInterpreter(t, tt.binary)
			marker := sleepMarker()
			dir := t.TempDir()
			p := NewProcessProvider(nil, dir, tt.namespaces)

			out := runProcess(t, p, tt.lang, fmt.Sprintf(tt.code, marker), 1500*time.Millisecond)
			if !IsTimeout(out.Err) {
				t.Fatalf("Err = %v, want timeout (stderr %q)", out.Err, out.Stderr)
			}
			if !strings.Contains(out.Stdout, "spawned") {
				t.Fatalf("descendant never started: stdout %q stderr %q", out.Stdout, out.Stderr)
			}
			requireNoSleepers(t, marker)
			assertNoArtifacts(t, dir)
		})
	}
}

func TestProcess_CgroupKill(t *testing.T) {
	root := os.Getenv("CODEQUEST_TEST_CGROUP_ROOT")
	if root == "" {
		t.Skip("CODEQUEST_TEST_CGROUP_ROOT not set")
	}
	requireInterpreter(t, "python3")
	requireInterpreter(t, "setsid")

	marker := sleepMarker()
	p := NewProcessProvider(nil, t.TempDir(), false, WithCgroupRoot(root))

	// The intermediate child exits at once, so the sleeper is reparented
	// away from the tree and only the cgroup still holds it.
	code := fmt.Sprintf("import subprocess\n"+
		"subprocess.run(['sh', '-c', 'setsid sleep %s &'])\n"+
		"while True:\n    pass", marker)
	out := runProcess(t, p, "python", code, 1500*time.Millisecond)
	if !IsTimeout(out.Err) {
		t.Fatalf("Err = %v, want timeout", out.Err)
	}
	requireNoSleepers(t, marker)

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "codequest-") {
			t.Errorf("run cgroup not removed: %s", e.Name())
		}
	}
}

func TestProcessTree(t *testing.T) {
	requireInterpreter(t, "sleep")
	marker := sleepMarker()

	cmd := exec.Command("sh", "-c", "sleep "+marker+" & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = killProcessTree(cmd.Process.Pid)
		_ = cmd.Wait()
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(sleepers(marker)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sleep never started")
		}
		time.Sleep(20 * time.Millisecond)
	}

	tree := processTree(cmd.Process.Pid)
	if tree[0] != cmd.Process.Pid {
		t.Errorf("tree[0] = %d, want root %d", tree[0], cmd.Process.Pid)
	}
	for _, pid := range sleepers(marker) {
		if !slices.Contains(tree, pid) {
			t.Errorf("sleeper %d missing from tree %v", pid, tree)
		}
	}

	if err := killProcessTree(cmd.Process.Pid); err != nil {
		t.Fatalf("killProcessTree: %v", err)
	}
	requireNoSleepers(t, marker)
}
