// Copyright The tracexec Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package abi isolates the architecture-specific and kernel-ABI-specific
// knowledge that the tracing backends need: exec-family syscall numbers in
// native and 32-bit compat form, how syscall entry registers map onto
// exec's arguments, and the kernel structure offsets the eBPF backend walks
// directly.
package abi

// Arch identifies a supported tracee architecture.
type Arch int

const (
	// AMD64 is the x86-64 architecture.
	AMD64 Arch = iota
	// ARM64 is the aarch64 architecture.
	ARM64
	// RISCV64 is the riscv64 architecture.
	RISCV64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	case RISCV64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// BitMode distinguishes a syscall made in the architecture's native word
// size from one made through a 32-bit compat entry point.
type BitMode int

const (
	// Native is the architecture's own register width.
	Native BitMode = iota
	// Compat32 is a 32-bit syscall made by a compat tracee (e.g. an ia32
	// binary traced from an amd64 tracer).
	Compat32
)

// Variant is which member of the exec family was invoked.
type Variant int

const (
	// Execve is the classic execve(2).
	Execve Variant = iota
	// Execveat is execveat(2), exec relative to a directory fd.
	Execveat
)

func (v Variant) String() string {
	if v == Execveat {
		return "execveat"
	}
	return "execve"
}

// SyscallNumbers holds the native and compat syscall numbers for the exec
// family on one architecture.
type SyscallNumbers struct {
	ExecveNative   int64
	ExecveatNative int64
	ExecveCompat   int64 // -1 if the architecture has no compat mode
	ExecveatCompat int64
}

// table is indexed by Arch.
var table = map[Arch]SyscallNumbers{
	AMD64: {
		ExecveNative:   59,
		ExecveatNative: 322,
		ExecveCompat:   11,
		ExecveatCompat: 358,
	},
	ARM64: {
		ExecveNative:   221,
		ExecveatNative: 281,
		ExecveCompat:   11,
		ExecveatCompat: 387,
	},
	RISCV64: {
		ExecveNative:   221,
		ExecveatNative: 281,
		ExecveCompat:   -1,
		ExecveatCompat: -1,
	},
}

// Numbers returns the exec-family syscall numbers for arch.
func Numbers(arch Arch) SyscallNumbers {
	return table[arch]
}

// Classify reports whether nr (as observed in native or compat mode) is one
// of the exec-family syscalls, and if so which variant it is.
func Classify(arch Arch, nr int64, mode BitMode) (v Variant, ok bool) {
	n := table[arch]
	switch mode {
	case Native:
		switch nr {
		case n.ExecveNative:
			return Execve, true
		case n.ExecveatNative:
			return Execveat, true
		}
	case Compat32:
		if n.ExecveCompat < 0 {
			return 0, false
		}
		switch nr {
		case n.ExecveCompat:
			return Execve, true
		case n.ExecveatCompat:
			return Execveat, true
		}
	}
	return 0, false
}

// IsExecSyscall reports whether nr in mode is any exec-family syscall on
// arch, native or compat.
func IsExecSyscall(arch Arch, nr int64, mode BitMode) bool {
	_, ok := Classify(arch, nr, mode)
	return ok
}

// RegisterArgs describes where, in the entry registers of the exec-family
// syscall, to find its arguments. Execve takes (filename, argv, envp).
// Execveat additionally takes (dirfd, filename, argv, envp, flags).
type RegisterArgs struct {
	Dirfd    int32 // only valid for Execveat
	Filename uint64
	Argv     uint64
	Envp     uint64
	Flags    uint32 // only valid for Execveat
}

// DecodeRegisters extracts RegisterArgs from the raw syscall argument
// registers (arg0..arg5) given the variant already classified by Classify.
func DecodeRegisters(v Variant, arg0, arg1, arg2, arg3, arg4 uint64) RegisterArgs {
	if v == Execveat {
		return RegisterArgs{
			Dirfd:    int32(arg0),
			Filename: arg1,
			Argv:     arg2,
			Envp:     arg3,
			Flags:    uint32(arg4),
		}
	}
	return RegisterArgs{
		Filename: arg0,
		Argv:     arg1,
		Envp:     arg2,
	}
}
