package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`  // Hard memory limit
	PidsLimit int64 `json:"pids_limit"` // Max processes (fork bomb protection)
	DiskMB    int64 `json:"disk_mb"`    // Tmpfs size for /tmp
}

// DefaultLimits sizes a container for one plotting script: R and matplotlib
// both need a few hundred MB to render a figure.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 1024, // 1 CPU
		MemoryMB:  512,
		PidsLimit: 128,
		DiskMB:    256,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 8192 {
		return fmt.Errorf("%w: cpu_shares must be 2-8192, got %d", ErrInvalidLimits, rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 8192 {
		return fmt.Errorf("%w: memory_mb must be 16-8192, got %d", ErrInvalidLimits, rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 2000 {
		return fmt.Errorf("%w: pids_limit must be 5-2000, got %d", ErrInvalidLimits, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 4096 {
		return fmt.Errorf("%w: disk_mb must be 1-4096, got %d", ErrInvalidLimits, rl.DiskMB)
	}
	return nil
}

// orDefault fills zero fields from DefaultLimits.
func (rl ResourceLimits) orDefault() ResourceLimits {
	d := DefaultLimits()
	if rl.CPUShares == 0 {
		rl.CPUShares = d.CPUShares
	}
	if rl.MemoryMB == 0 {
		rl.MemoryMB = d.MemoryMB
	}
	if rl.PidsLimit == 0 {
		rl.PidsLimit = d.PidsLimit
	}
	if rl.DiskMB == 0 {
		rl.DiskMB = d.DiskMB
	}
	return rl
}

func (rl ResourceLimits) memoryBytes() int64 { return rl.MemoryMB * 1024 * 1024 }

// nanoCPUs converts shares to the Docker API's CPU quota unit.
func (rl ResourceLimits) nanoCPUs() int64 { return rl.CPUShares * 1_000_000_000 / 1024 }

func (rl ResourceLimits) tmpfsOptions() string {
	return fmt.Sprintf("rw,nosuid,nodev,size=%dm", rl.DiskMB)
}

func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota gives a hard CPU cap; shares alone are best-effort.
	period := uint64(100000) // 100ms in microseconds
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.memoryBytes()
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
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
