package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a profile that applies defaultAction to every syscall
// no rule matches.
func NewBuilder(defaultAction specs.LinuxSeccompAction) *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: defaultAction,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchX86,
				specs.ArchAARCH64,
				specs.ArchARM,
			},
		},
	}
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActAllow, names, nil)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActErrno, names, nil)
}

func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActTrap, names, nil)
}

// SyscallArg constrains a single argument for a seccomp rule.
type SyscallArg struct {
	Index uint   // Argument index (0-5)
	Value uint64 // Value to compare
	Op    specs.LinuxSeccompOperator
}

// BlockSyscallWithArgs denies name only when every arg condition matches.
func (b *ProfileBuilder) BlockSyscallWithArgs(name string, args ...SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index: a.Index,
			Value: a.Value,
			Op:    a.Op,
		}
	}
	return b.rule(specs.ActErrno, []string{name}, specArgs)
}

func (b *ProfileBuilder) rule(action specs.LinuxSeccompAction, names []string, args []specs.LinuxSeccompArg) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
		Args:   args,
	})
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// DockerJSON renders a profile in the format accepted by
// `docker run --security-opt seccomp=<file>`.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}

// DockerProfileJSON is DockerJSON(DefaultProfile()).
func DockerProfileJSON() ([]byte, error) {
	return DockerJSON(DefaultProfile())
}

// DockerNetworkProfileJSON is DockerJSON(NetworkAllowProfile()).
func DockerNetworkProfileJSON() ([]byte, error) {
	return DockerJSON(NetworkAllowProfile())
}
