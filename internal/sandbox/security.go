package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"viz-sandbox/pkg/seccomp"
)

var (
	maskedPaths = []string{
		"/proc/acpi",
		"/proc/kcore",
		"/proc/keys",
		"/proc/latency_stats",
		"/proc/timer_list",
		"/proc/timer_stats",
		"/proc/sched_debug",
		"/proc/scsi",
		"/sys/firmware",
		"/sys/devices/virtual/powercap",
	}
	readonlyPaths = []string{
		"/proc/asound",
		"/proc/bus",
		"/proc/fs",
		"/proc/irq",
		"/proc/sys",
		"/proc/sysrq-trigger",
	}
)

// isolation is what a containerd-launched sandbox gets on top of the image
// config. The user namespace is left out: the workspace bind mount must stay
// writable by the image's user without an ID-mapped mount.
type isolation struct {
	seccomp      *specs.LinuxSeccomp
	namespaces   []specs.LinuxNamespace
	readonlyRoot bool
}

func isolationFor(opts Options) isolation {
	iso := isolation{
		seccomp: seccomp.DefaultProfile(),
		namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		},
		readonlyRoot: opts.ReadOnlyRoot,
	}
	// Without its own network namespace the task shares the host's, so the
	// socket filter is lifted only in that case.
	if opts.networkEnabled() {
		iso.seccomp = seccomp.NetworkAllowProfile()
	} else {
		iso.namespaces = append(iso.namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return iso
}

// apply drops every capability, forbids privilege gain and installs the
// namespaces, seccomp filter and /proc masks.
func (iso isolation) apply(s *specs.Spec) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}

	s.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    []string{},
		Effective:   []string{},
		Inheritable: []string{},
		Permitted:   []string{},
		Ambient:     []string{},
	}
	s.Process.NoNewPrivileges = true

	s.Linux.Seccomp = iso.seccomp
	s.Linux.Namespaces = iso.namespaces
	s.Linux.MaskedPaths = maskedPaths
	s.Linux.ReadonlyPaths = readonlyPaths

	if s.Root != nil && iso.readonlyRoot {
		s.Root.Readonly = true
	}
}
