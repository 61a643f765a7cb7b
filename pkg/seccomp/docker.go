package seccomp

import (
	"encoding/json"
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// dockerProfile mirrors the JSON document the Docker daemon accepts in
// HostConfig.SecurityOpt ("seccomp=<json>").
type dockerProfile struct {
	DefaultAction   string          `json:"defaultAction"`
	DefaultErrnoRet *uint           `json:"defaultErrnoRet,omitempty"`
	Architectures   []string        `json:"architectures,omitempty"`
	Syscalls        []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string    `json:"names"`
	Action string      `json:"action"`
	Args   []dockerArg `json:"args,omitempty"`
}

type dockerArg struct {
	Index    uint   `json:"index"`
	Value    uint64 `json:"value"`
	ValueTwo uint64 `json:"valueTwo"`
	Op       string `json:"op"`
}

// DockerProfileJSON renders DefaultProfile for the Docker Engine API.
func DockerProfileJSON() ([]byte, error) {
	return ToDockerJSON(DefaultProfile())
}

// ToDockerJSON converts an OCI seccomp profile to Docker's JSON format.
func ToDockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil seccomp profile")
	}

	dp := dockerProfile{
		DefaultAction:   string(p.DefaultAction),
		DefaultErrnoRet: p.DefaultErrnoRet,
		Syscalls:        make([]dockerSyscall, 0, len(p.Syscalls)),
	}
	for _, arch := range p.Architectures {
		dp.Architectures = append(dp.Architectures, string(arch))
	}
	for _, sc := range p.Syscalls {
		rule := dockerSyscall{
			Names:  sc.Names,
			Action: string(sc.Action),
		}
		for _, a := range sc.Args {
			if !strings.HasPrefix(string(a.Op), "SCMP_CMP_") {
				return nil, fmt.Errorf("syscall %v: unknown comparison operator %q", sc.Names, a.Op)
			}
			rule.Args = append(rule.Args, dockerArg{
				Index:    a.Index,
				Value:    a.Value,
				ValueTwo: a.ValueTwo,
				Op:       string(a.Op),
			})
		}
		dp.Syscalls = append(dp.Syscalls, rule)
	}

	return json.Marshal(dp)
}
