package sandbox

import (
	"errors"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.CPUShares != 1024 {
		t.Errorf("CPUShares = %d, want 1024", l.CPUShares)
	}
	if l.MemoryMB != 512 {
		t.Errorf("MemoryMB = %d, want 512", l.MemoryMB)
	}
	if l.PidsLimit != 128 {
		t.Errorf("PidsLimit = %d, want 128", l.PidsLimit)
	}
	if l.DiskMB != 256 {
		t.Errorf("DiskMB = %d, want 256", l.DiskMB)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v", err)
	}
}

func TestValidate_Ceilings(t *testing.T) {
	max := ResourceLimits{CPUShares: 8192, MemoryMB: 8192, PidsLimit: 2000, DiskMB: 4096}
	if err := max.Validate(); err != nil {
		t.Errorf("max ceilings Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		limits ResourceLimits
	}{
		{"cpu over", ResourceLimits{CPUShares: 8193, MemoryMB: 256, PidsLimit: 50, DiskMB: 100}},
		{"cpu under", ResourceLimits{CPUShares: 1, MemoryMB: 256, PidsLimit: 50, DiskMB: 100}},
		{"memory over", ResourceLimits{CPUShares: 512, MemoryMB: 8193, PidsLimit: 50, DiskMB: 100}},
		{"memory under", ResourceLimits{CPUShares: 512, MemoryMB: 8, PidsLimit: 50, DiskMB: 100}},
		{"pids over", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 2001, DiskMB: 100}},
		{"disk over", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 50, DiskMB: 4097}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if !errors.Is(err, ErrInvalidLimits) {
				t.Errorf("Validate() = %v, want ErrInvalidLimits", err)
			}
		})
	}
}

func TestOrDefault(t *testing.T) {
	got := ResourceLimits{MemoryMB: 2048}.orDefault()
	want := DefaultLimits()
	want.MemoryMB = 2048
	if got != want {
		t.Errorf("orDefault() = %+v, want %+v", got, want)
	}
	if (ResourceLimits{}).orDefault() != DefaultLimits() {
		t.Error("zero limits should resolve to DefaultLimits")
	}
}

func TestApplyResourceLimits(t *testing.T) {
	s := &specs.Spec{}
	ApplyResourceLimits(s, ResourceLimits{CPUShares: 512, MemoryMB: 64, PidsLimit: 20, DiskMB: 10})

	if got := *s.Linux.Resources.CPU.Quota; got != 50000 {
		t.Errorf("CPU quota = %d, want 50000", got)
	}
	if got := *s.Linux.Resources.Memory.Limit; got != 64*1024*1024 {
		t.Errorf("memory limit = %d", got)
	}
	if s.Linux.Resources.Pids.Limit != 20 {
		t.Errorf("pids limit = %d, want 20", s.Linux.Resources.Pids.Limit)
	}
	if len(s.Mounts) != 1 || s.Mounts[0].Destination != "/tmp" {
		t.Fatalf("mounts = %+v, want single /tmp tmpfs", s.Mounts)
	}

	// Applying twice must not duplicate the tmpfs mount.
	ApplyResourceLimits(s, DefaultLimits())
	if len(s.Mounts) != 1 {
		t.Errorf("mounts after second apply = %d, want 1", len(s.Mounts))
	}
}

func TestNanoCPUs(t *testing.T) {
	if got := (ResourceLimits{CPUShares: 512}).nanoCPUs(); got != 500_000_000 {
		t.Errorf("nanoCPUs = %d, want 500000000", got)
	}
}
