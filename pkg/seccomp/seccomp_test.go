package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func allowed(p *specs.LinuxSeccomp, name string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				return true
			}
		}
	}
	return false
}

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	p := DefaultProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if p.DefaultErrnoRet == nil || *p.DefaultErrnoRet != 1 {
		t.Error("DefaultErrnoRet should be EPERM")
	}
}

func TestDefaultProfile_InterpreterSyscalls(t *testing.T) {
	p := DefaultProfile()
	for _, name := range []string{"read", "write", "execve", "mmap", "futex", "epoll_wait", "exit_group"} {
		if !allowed(p, name) {
			t.Errorf("%s should be allowed", name)
		}
	}
}

func TestDefaultProfile_NoNetworkSyscalls(t *testing.T) {
	p := DefaultProfile()
	for _, name := range []string{"connect", "bind", "listen", "sendto"} {
		if allowed(p, name) {
			t.Errorf("%s must not be allowed", name)
		}
	}

	// socket is only allowed for AF_UNIX.
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow || len(rule.Names) != 1 || rule.Names[0] != "socket" {
			continue
		}
		if len(rule.Args) != 1 || rule.Args[0].Value != afUnix || rule.Args[0].Op != specs.OpEqualTo {
			t.Errorf("socket rule = %+v, want AF_UNIX only", rule.Args)
		}
	}
}

func TestDefaultProfile_EscapeSyscallsKill(t *testing.T) {
	p := DefaultProfile()
	var found bool
	for _, rule := range p.Syscalls {
		for _, n := range rule.Names {
			if n == "ptrace" {
				found = true
				if rule.Action != specs.ActKillProcess {
					t.Errorf("ptrace action = %v, want ActKillProcess", rule.Action)
				}
			}
		}
	}
	if !found {
		t.Error("ptrace rule missing")
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string   `json:"defaultAction"`
		Architectures []string `json:"architectures"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
			Args   []struct {
				Index uint   `json:"index"`
				Value uint64 `json:"value"`
				Op    string `json:"op"`
			} `json:"args"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Architectures) == 0 || dp.Architectures[0] != "SCMP_ARCH_X86_64" {
		t.Errorf("architectures = %v", dp.Architectures)
	}
	if len(dp.Syscalls) == 0 {
		t.Fatal("expected syscall rules, got none")
	}

	var sawArgs bool
	for _, sc := range dp.Syscalls {
		if len(sc.Args) > 0 {
			sawArgs = true
			if sc.Args[0].Op != "SCMP_CMP_EQ" {
				t.Errorf("arg op = %q, want SCMP_CMP_EQ", sc.Args[0].Op)
			}
		}
	}
	if !sawArgs {
		t.Error("expected argument-filtered rules to survive conversion")
	}
}

func TestToDockerJSON_Nil(t *testing.T) {
	if _, err := ToDockerJSON(nil); err == nil {
		t.Error("expected error for nil profile")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").AllowSyscalls().Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1 (empty rule sets are skipped)", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
