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

package ptrace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kxxt/tracexec/internal/abi"
	"github.com/kxxt/tracexec/internal/event"
)

// syscallNumber extracts the syscall number and bit-mode from entry
// registers. amd64 tracees report the compat (ia32) entry convention by
// the orig_rax value exceeding the 32-bit syscall table split point in
// some kernels; in practice the tracer's own arch and the tracee's arch
// always match in this backend (a 32-bit tracee under a 64-bit tracer
// requires CONFIG_COMPAT register layout translation not implemented
// here), so Native is assumed.
func syscallNumber(regs *unix.PtraceRegs) (int64, abi.BitMode) {
	return int64(regs.Orig_rax), abi.Native
}

func syscallReturn(regs *unix.PtraceRegs) int64 {
	return int64(regs.Rax)
}

// readCString reads a NUL-terminated string from the tracee's address
// space at addr, in chunks, capping at abi.StringChunkMax and setting
// truncated when the cap was hit before a NUL byte.
func readCString(pid int32, addr uint64) (s string, truncated bool, err error) {
	if addr == 0 {
		return "", false, nil
	}
	const chunk = 256
	var buf []byte
	local := make([]byte, chunk)
	for len(buf) < abi.StringChunkMax {
		n, rerr := unix.ProcessVMReadv(int(pid),
			[]unix.Iovec{{Base: &local[0], Len: chunk}},
			[]unix.RemoteIovec{{Base: uintptr(addr) + uintptr(len(buf)), Len: chunk}},
			0)
		if rerr != nil || n == 0 {
			if len(buf) == 0 {
				return "", false, fmt.Errorf("ptrace: read string at %#x: %v", addr, rerr)
			}
			break
		}
		if idx := indexNUL(local[:n]); idx >= 0 {
			buf = append(buf, local[:idx]...)
			return string(buf), false, nil
		}
		buf = append(buf, local[:n]...)
	}
	return string(buf[:min(len(buf), abi.StringChunkMax)]), true, nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// readPointerArray reads a NUL-terminated array of pointers (argv/envp
// shape) at addr, dereferencing up to abi.ArgcMax entries; tooMany is set
// when abi.ArgcMax entries are read without reaching the NULL terminator.
func readPointerArray(pid int32, addr uint64) (ptrs []uint64, tooMany bool, err error) {
	if addr == 0 {
		return nil, false, nil
	}
	for i := 0; i < abi.ArgcMax; i++ {
		var word [8]byte
		n, rerr := unix.ProcessVMReadv(int(pid),
			[]unix.Iovec{{Base: &word[0], Len: 8}},
			[]unix.RemoteIovec{{Base: uintptr(addr) + uintptr(i*8), Len: 8}},
			0)
		if rerr != nil || n != 8 {
			return ptrs, false, fmt.Errorf("ptrace: read pointer array at %#x[%d]: %v", addr, i, rerr)
		}
		p := leUint64(word[:])
		if p == 0 {
			return ptrs, false, nil
		}
		ptrs = append(ptrs, p)
	}
	return ptrs, true, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// readExecAttempt decodes an ExecAttempt from the tracee's registers and
// memory at syscall entry. Partial failures (a truncated string, a
// dereference that failed, an argv/envp array that hit the cap) are
// reported back as flags rather than silently dropped, so the caller can
// merge them into the carrier event's pendingFlags.
func (b *Backend) readExecAttempt(id event.TaskID, regs *unix.PtraceRegs, v abi.Variant, mode abi.BitMode) (event.ExecAttempt, event.Flags) {
	args := abi.DecodeRegisters(v, regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8)

	var flags event.Flags

	filename, fnTruncated, _ := readCString(id.Pid, args.Filename)
	if fnTruncated {
		flags |= event.PossibleTruncation
	}
	argvPtrs, argvTooMany, argvErr := readPointerArray(id.Pid, args.Argv)
	if argvTooMany {
		flags |= event.TooManyItems
	}
	if argvErr != nil {
		flags |= event.PointerReadFailure
	}
	envpPtrs, envpTooMany, envpErr := readPointerArray(id.Pid, args.Envp)
	if envpTooMany {
		flags |= event.TooManyItems
	}
	if envpErr != nil {
		flags |= event.PointerReadFailure
	}

	attempt := event.ExecAttempt{
		Variant:           v,
		BitMode:           mode,
		RequestedFilename: b.cache.Intern(filename),
		Timestamp:         time.Now(),
		Cwd:               event.NewResolvedPath(readCwd(id.Pid)),
		FdSnapshot:        readFdTable(id.Pid),
		Comm:              b.cache.Intern(readComm(id.Pid)),
		Tgid:              readTgid(id.Pid),
	}
	for _, p := range argvPtrs {
		s, truncated, err := readCString(id.Pid, p)
		if truncated {
			flags |= event.PossibleTruncation
		}
		if err != nil {
			flags |= event.PointerReadFailure
		}
		attempt.Argv = append(attempt.Argv, b.cache.Intern(s))
	}
	for _, p := range envpPtrs {
		s, truncated, err := readCString(id.Pid, p)
		if truncated {
			flags |= event.PossibleTruncation
		}
		if err != nil {
			flags |= event.PointerReadFailure
		}
		k, val, _ := strings.Cut(s, "=")
		attempt.Envp = append(attempt.Envp, event.EnvPair{Key: b.cache.Intern(k), Value: b.cache.Intern(val)})
	}
	if v == abi.Execveat {
		fd := event.FdNum(args.Dirfd)
		attempt.Dirfd = &fd
		attempt.ExecveatFlags = args.Flags
	}
	return attempt, flags
}

// readComm reads the tracee's current command name from /proc/<pid>/comm,
// refreshed on each exec attempt per the kernel's own comm-update ordering.
func readComm(pid int32) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(b), "\n")
}

// readTgid resolves the tracee's thread-group id from /proc/<pid>/status,
// falling back to pid itself (the common single-threaded case, and the
// only sane fallback when /proc has already raced the tracee away).
func readTgid(pid int32) int32 {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return pid
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "Tgid:"); ok {
			if v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 32); err == nil {
				return int32(v)
			}
			break
		}
	}
	return pid
}

// readCwd resolves the tracee's current working directory via
// /proc/<pid>/cwd, as the spec's ptrace backend design mandates.
func readCwd(pid int32) string {
	s, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return ""
	}
	return s
}

// readFdTable enumerates /proc/<pid>/fd/* and their fdinfo flags. Entries
// that cannot be resolved (raced close, permission) are skipped rather than
// aborting the whole snapshot.
func readFdTable(pid int32) []event.FdInfo {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []event.FdInfo
	for _, e := range entries {
		fdNum, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		flags, pos, cloexec := readFdinfo(pid, fdNum)
		out = append(out, event.FdInfo{
			FdNumber:     event.FdNum(fdNum),
			Path:         event.NewResolvedPath(target),
			Flags:        flags,
			CloseOnExec:  cloexec,
			FilePosition: pos,
		})
	}
	return out
}

// readFdinfo parses /proc/<pid>/fdinfo/<fd> for flags, position, and the
// close-on-exec bit (reported there as "flags" containing O_CLOEXEC on
// recent kernels). There is no fallback: an unreadable fdinfo yields zeros.
func readFdinfo(pid int32, fd int) (flags uint32, pos int64, cloexec bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/fdinfo/%d", pid, fd))
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "pos:"):
			pos, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "pos:")), 10, 64)
		case strings.HasPrefix(line, "flags:"):
			v, _ := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "flags:")), 8, 32)
			flags = uint32(v)
			cloexec = flags&unix.O_CLOEXEC != 0
		}
	}
	return flags, pos, cloexec
}
