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

//go:build linux
// +build linux

// Package seccomp synthesizes the BPF filter that traps only exec-family
// syscalls to the ptrace tracer, letting everything else run with no
// tracer involvement. Installed with no-new-privs set, it collapses the
// per-syscall ptrace-stop overhead by orders of magnitude relative to
// plain PTRACE_SYSCALL single-stepping.
//
// The filter program shape follows the classic seccomp-BPF idiom used
// throughout the container-runtime ecosystem (cmp syscall number, jump to
// RET_TRACE on a match, otherwise RET_ALLOW) rather than gVisor's own
// pkg/seccomp rule-set compiler, which targets a much larger rule
// vocabulary than a two-syscall allow-and-trap filter needs.
package seccomp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kxxt/tracexec/internal/abi"
)

const (
	seccompRetTrace = 0x7ff00000
	seccompRetAllow = 0x7fff0000
)

// program returns the BPF instruction list: load the syscall number, and
// for each of the given syscall numbers, compare-and-jump to RET_TRACE;
// otherwise fall through to RET_ALLOW.
func program(nums []int64) []unix.SockFilter {
	prog := []unix.SockFilter{
		// Load syscall number (offsetof(seccomp_data, nr) == 0).
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: 0},
	}
	for _, n := range nums {
		jt := uint8(len(nums)) // placeholder, corrected below
		_ = jt
		prog = append(prog, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			K:    uint32(n),
			Jt:   0, // filled below relative to program end
			Jf:   0,
		})
	}
	// Compute jump targets now that the full length is known: each
	// compare instruction, on match, jumps forward to the RET_TRACE
	// instruction; a retargeting pass keeps the loop above simple.
	nCompares := len(nums)
	retTraceIdx := 1 + nCompares // index of the RET_TRACE instruction
	for i := 0; i < nCompares; i++ {
		prog[1+i].Jt = uint8(retTraceIdx - (1 + i) - 1)
		prog[1+i].Jf = 0
	}
	// A miss on the last compare skips RET_TRACE and lands on RET_ALLOW.
	if nCompares > 0 {
		prog[nCompares].Jf = 1
	}
	prog = append(prog,
		unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetTrace},
		unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetAllow},
	)
	return prog
}

// InstallExecTrap installs, on pid (which must be the calling thread, i.e.
// called from the tracee itself before exec, or from the tracer's own stub
// bootstrap), a filter trapping only execve/execveat in native and compat
// encodings.
func InstallExecTrap(pid int) error {
	numbers := execFamilyNumbers()
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccomp: set no-new-privs: %w", err)
	}
	prog := program(numbers)
	sockFprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&prog[0])),
	}
	_, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, uintptr(unix.SECCOMP_MODE_FILTER), uintptr(unsafe.Pointer(&sockFprog)))
	if errno != 0 {
		return fmt.Errorf("seccomp: install filter: %w", errno)
	}
	return nil
}

// execFamilyNumbers returns the amd64 exec-family syscall numbers, native
// and compat. The amd64 table is used whatever architecture the tracer runs
// on, and the seccomp_data.arch field is not discriminated.
func execFamilyNumbers() []int64 {
	n := abi.Numbers(abi.AMD64)
	nums := []int64{n.ExecveNative, n.ExecveatNative}
	if n.ExecveCompat >= 0 {
		nums = append(nums, n.ExecveCompat, n.ExecveatCompat)
	}
	return nums
}
