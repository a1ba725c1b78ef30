package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Socket address families refused when the sandbox has no network.
const (
	afInet  = 2
	afInet6 = 10
)

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"open_by_handle_at", "name_to_handle_at",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime", "clock_settime",
			"nfsservctl",
			"lookup_dcookie",
			"ioperm", "iopl",
			"quotactl",
			"fanotify_init",
			"io_uring_setup", "io_uring_enter", "io_uring_register",
		)
}

// DefaultProfile returns an allow-by-default profile that refuses kernel,
// namespace and tracing syscalls and IPv4/IPv6 sockets. The interpreters and
// plotting libraries of the supported languages touch too wide a syscall
// surface for an allowlist to stay accurate across image updates.
func DefaultProfile() *specs.LinuxSeccomp {
	b := dangerousSyscalls(NewBuilder(specs.ActAllow))
	for _, family := range []uint64{afInet, afInet6} {
		b.BlockSyscallWithArgs("socket", SyscallArg{Index: 0, Value: family, Op: specs.OpEqualTo})
	}
	return b.Build()
}

// NetworkAllowProfile is DefaultProfile without the socket restrictions.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	return dangerousSyscalls(NewBuilder(specs.ActAllow)).Build()
}
