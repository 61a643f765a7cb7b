package sandbox

import (
	"fmt"
	"math"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// cfsPeriod is the CFS scheduling period in microseconds (100ms).
const cfsPeriod = 100000

// Limits are applied uniformly to every provider. Network access is always
// denied and has no switch.
type Limits struct {
	Timeout        time.Duration `json:"timeout"`
	MemoryBytes    int64         `json:"memory_bytes"`
	CPUQuota       float64       `json:"cpu_quota"`  // fraction of one core, 0.5 = half a core
	PidsLimit      int64         `json:"pids_limit"` // fork bomb protection
	TmpfsBytes     int64         `json:"tmpfs_bytes"`
	MaxOutputBytes int           `json:"max_output_bytes"`
	MaxSteps       uint64        `json:"max_steps"` // restricted interpreter only, 0 = unlimited
}

func DefaultLimits() Limits {
	return Limits{
		Timeout:        5 * time.Second,
		MemoryBytes:    256 << 20,
		CPUQuota:       0.5,
		PidsLimit:      64,
		TmpfsBytes:     16 << 20,
		MaxOutputBytes: 1 << 20,
	}
}

func (l Limits) Validate() error {
	if l.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidRequest, l.Timeout)
	}
	if l.MemoryBytes < 16<<20 {
		return fmt.Errorf("%w: memory must be >= 16MiB, got %d bytes", ErrInvalidRequest, l.MemoryBytes)
	}
	if l.CPUQuota <= 0 || l.CPUQuota > 8 {
		return fmt.Errorf("%w: cpu_quota must be in (0, 8], got %g", ErrInvalidRequest, l.CPUQuota)
	}
	if l.PidsLimit < 1 {
		return fmt.Errorf("%w: pids_limit must be >= 1, got %d", ErrInvalidRequest, l.PidsLimit)
	}
	if l.MaxOutputBytes < 1 {
		return fmt.Errorf("%w: max_output_bytes must be positive", ErrInvalidRequest)
	}
	return nil
}

// MemoryMB rounds the memory ceiling down to whole mebibytes.
func (l Limits) MemoryMB() int64 {
	return l.MemoryBytes >> 20
}

// CPUQuotaMicros converts the fractional core quota to a CFS quota per period.
func (l Limits) CPUQuotaMicros() int64 {
	quota := int64(l.CPUQuota * cfsPeriod)
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}
	return quota
}

// CPUSeconds is the RLIMIT_CPU budget: one second past the wall-clock
// deadline, so the deadline normally fires first and multi-threaded spinning
// is still capped.
func (l Limits) CPUSeconds() uint64 {
	return uint64(math.Ceil(l.Timeout.Seconds())) + 1
}

// ApplyResourceLimits writes the limits into an OCI runtime spec.
func ApplyResourceLimits(spec *specs.Spec, limits Limits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota is a hard cap; shares would only be a relative weight.
	period := uint64(cfsPeriod)
	quota := limits.CPUQuotaMicros()
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryBytes
	swapBytes := limits.MemoryBytes // memory+swap == memory: no swap
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &swapBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev", "noexec",
			fmt.Sprintf("size=%d", limits.TmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 64, Soft: 64},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(limits.TmpfsBytes), Soft: safeUint64(limits.TmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_CPU", Hard: limits.CPUSeconds(), Soft: limits.CPUSeconds()},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
