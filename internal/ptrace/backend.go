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

// Package ptrace drives tracees through the kernel's ptrace interface: it
// intercepts entry/exit of exec-family syscalls, reads argv/envp/cwd/fds
// out of tracee memory and /proc, and feeds the process-state table. It is
// one of the two interchangeable session backends (the other is
// internal/ebpf); the choice between them is made by internal/session.
//
// The core loop is adapted from the attach/wait/SIGSTOP dance
// pkg/sentry/platform/ptrace in gVisor uses to bootstrap stub processes,
// generalized here from "create an address-space stub" to "observe exec
// attempts of an arbitrary process tree."
package ptrace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/kxxt/tracexec/internal/abi"
	"github.com/kxxt/tracexec/internal/breakpoint"
	"github.com/kxxt/tracexec/internal/event"
	"github.com/kxxt/tracexec/internal/seccomp"
	"github.com/kxxt/tracexec/internal/state"
	"github.com/kxxt/tracexec/internal/strcache"
)

// sentinelStopSignal is the stop signal the tracer never re-injects into a
// tracee. A task attached with PTRACE_ATTACH, and every child auto-attached
// through the fork/vfork/clone trace options, first stops with SIGSTOP, and
// that stop is swallowed; a SIGSTOP sent to a tracee from elsewhere is
// swallowed as well.
const sentinelStopSignal = unix.SIGSTOP

// Config configures the ptrace backend.
type Config struct {
	// Seccomp selects whether the seccomp-BPF accelerator is installed:
	// "auto" (on unless incompatible), "on", or "off".
	Seccomp string
	// PollingInterval, when positive, makes Run poll wait4 with WNOHANG and
	// wait up to this interval after an empty poll, which bounds how long a
	// cancelled context goes unnoticed. Zero or negative disables polling
	// (the tracer blocks in wait4).
	PollingInterval time.Duration
	// FollowFork is not consulted by this backend: the fork, vfork and
	// clone trace options are always set, so the whole process tree is
	// traced.
	FollowFork bool
	// Breakpoints are evaluated at every exec enter/exit; the first match
	// per attempt stops that task and is reported over Hits.
	Breakpoints []*breakpoint.Breakpoint
}

// Backend is the ptrace tracing backend.
type Backend struct {
	cfg        Config
	cache      *strcache.Cache
	table      *state.Table
	events     chan event.Record
	warnCh     chan error
	hits       chan *breakpoint.Hit
	resolver   *breakpoint.Resolver
	cmd        *exec.Cmd
	rootID     event.TaskID
	stubs      map[int32]*taskStub // per-pid syscall-enter bookkeeping
	mu         sync.Mutex
	limiter    *rate.Limiter
	filter     bool // whether the seccomp accelerator was actually installed
	eventIDSeq event.EventID
}

// taskStub is the ptrace-side bookkeeping for one traced task: which
// bit-mode/arch it runs in and whether the tracer is currently expecting
// the exit half of a syscall-stop.
type taskStub struct {
	arch         abi.Arch
	awaitingExit bool
	lastVariant  abi.Variant
	lastMode     abi.BitMode
	pendingFlags event.Flags // merged into the next event emitted for this task
}

// New constructs a ptrace backend. The runtime OS thread dedicated to it
// must call Run, never any other goroutine: ptrace requests are
// thread-affine in the kernel.
func New(cfg Config, cache *strcache.Cache, table *state.Table) *Backend {
	b := &Backend{
		cfg:      cfg,
		cache:    cache,
		table:    table,
		events:   make(chan event.Record, 4096),
		warnCh:   make(chan error, 16),
		hits:     make(chan *breakpoint.Hit, 16),
		resolver: breakpoint.NewResolver(cfg.Breakpoints),
		stubs:    make(map[int32]*taskStub),
	}
	if cfg.PollingInterval > 0 {
		b.limiter = rate.NewLimiter(rate.Every(cfg.PollingInterval), 1)
	}
	return b
}

// Events returns the channel the session dispatcher drains.
func (b *Backend) Events() <-chan event.Record { return b.events }

// Warnings returns recoverable-setup-failure notifications (§7.3): e.g.
// the seccomp accelerator was downgraded.
func (b *Backend) Warnings() <-chan error { return b.warnCh }

// Hits returns breakpoint matches; a consumer (e.g. the TUI's hit manager)
// must call Resolve for each one to let the stopped task proceed.
func (b *Backend) Hits() <-chan *breakpoint.Hit { return b.hits }

// Resolve acts on a breakpoint hit per action, detaching (and optionally
// spawning an external command) or simply resuming tracing.
func (b *Backend) Resolve(hit *breakpoint.Hit, action breakpoint.Action, externalCommand string) error {
	pid := int(hit.Task.Pid)
	switch action {
	case breakpoint.Resume:
		if task, ok := b.table.Get(hit.Task); ok {
			task.Status = event.Running
		}
		return unix.PtraceSyscall(pid, 0)
	case breakpoint.Detach:
		if task, ok := b.table.Get(hit.Task); ok {
			task.Status = event.Detached
		}
		delete(b.stubs, hit.Task.Pid)
		return unix.PtraceDetach(pid)
	case breakpoint.DetachAndRun:
		if task, ok := b.table.Get(hit.Task); ok {
			task.Status = event.Detached
		}
		delete(b.stubs, hit.Task.Pid)
		if err := unix.PtraceDetach(pid); err != nil {
			return err
		}
		return breakpoint.RunDetachAndRun(externalCommand, hit)
	default:
		return fmt.Errorf("ptrace: unknown breakpoint action %v", action)
	}
}

// Spawn starts command under tracing: os/exec forks the child, applies
// cwd/uid/gid and has it call PTRACE_TRACEME before execve. The child's
// first stop is the SIGTRAP that follows its successful execve, so the root
// tracee's own first exec is not reported as an exec event. tty, if non-nil, replaces the
// child's stdin/stdout/stderr (the slave end of a pty allocated by the
// caller via --tty); nil keeps the tracer's own stdio.
//
// Precondition: the calling goroutine must have called
// runtime.LockOSThread and must call Run on this same goroutine.
func (b *Backend) Spawn(ctx context.Context, name string, args []string, dir string, uid, gid *uint32, tty *os.File) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if tty != nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}
	cmd.SysProcAttr = &unix.SysProcAttr{
		Ptrace: true,
		// ForkExec has the child call PTRACE_TRACEME before execve; the
		// kernel then stops it with SIGTRAP once execve succeeds.
	}
	if tty != nil {
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true
	}
	if uid != nil || gid != nil {
		cred := &unix.Credential{}
		if uid != nil {
			cred.Uid = *uid
		}
		if gid != nil {
			cred.Gid = *gid
		}
		cmd.SysProcAttr.Credential = cred
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ptrace: spawn %s: %w", name, err)
	}
	b.cmd = cmd

	pid := int32(cmd.Process.Pid)
	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(pid), &ws, 0, nil); err != nil {
		return fmt.Errorf("ptrace: initial wait for %d: %w", pid, err)
	}
	if !ws.Stopped() {
		return fmt.Errorf("ptrace: expected initial stop for %d, got %v", pid, ws)
	}

	opts := unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT |
		unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACESYSGOOD
	if err := unix.PtraceSetOptions(int(pid), opts); err != nil {
		return fmt.Errorf("ptrace: set options on %d: %w", pid, err)
	}

	b.filter = b.maybeInstallSeccomp(pid, uid != nil)

	id, _ := b.table.Resolve(pid)
	b.rootID = id
	task := b.table.Insert(id, nil)
	task.Status = event.Running
	b.stubs[pid] = &taskStub{arch: abi.AMD64}

	if err := unix.PtraceCont(int(pid), 0); err != nil {
		return fmt.Errorf("ptrace: cont %d: %w", pid, err)
	}
	return nil
}

// Attach attaches to an already-running process pid as the root tracee.
func (b *Backend) Attach(pid int32) error {
	if err := unix.PtraceAttach(int(pid)); err != nil {
		return fmt.Errorf("ptrace: attach %d: %w", pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(pid), &ws, 0, nil); err != nil {
		return fmt.Errorf("ptrace: wait after attach %d: %w", pid, err)
	}
	opts := unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT |
		unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACESYSGOOD
	if err := unix.PtraceSetOptions(int(pid), opts); err != nil {
		return fmt.Errorf("ptrace: set options on %d: %w", pid, err)
	}
	id, _ := b.table.Resolve(pid)
	b.rootID = id
	task := b.table.Insert(id, nil)
	task.Status = event.Running
	b.stubs[pid] = &taskStub{arch: abi.AMD64}
	return unix.PtraceSyscall(int(pid), 0)
}

// maybeInstallSeccomp installs the seccomp-BPF accelerator per cfg.Seccomp,
// downgrading (and reporting why over Warnings) when incompatible with
// privilege-dropping via --user.
func (b *Backend) maybeInstallSeccomp(pid int32, droppingPrivileges bool) bool {
	if b.cfg.Seccomp == "off" {
		return false
	}
	if droppingPrivileges {
		b.warnCh <- &event.Downgrade{
			Feature: "seccomp accelerator",
			Reason:  "--user requires no-new-privs disabled",
		}
		return false
	}
	if err := seccomp.InstallExecTrap(int(pid)); err != nil {
		b.warnCh <- &event.Downgrade{Feature: "seccomp accelerator", Reason: err.Error()}
		return false
	}
	return true
}

// Run is the blocking tracer loop. It must execute on the same
// runtime-locked OS thread that called Spawn/Attach.
func (b *Backend) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(b.events)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		waitFlags := unix.WALL
		if b.limiter != nil {
			waitFlags |= unix.WNOHANG
		}
		var ws unix.WaitStatus
		var ru unix.Rusage
		pid, err := unix.Wait4(-1, &ws, waitFlags, &ru)
		if err == nil && pid == 0 {
			// WNOHANG poll found nothing; pace the next poll.
			_ = b.limiter.Wait(ctx)
			continue
		}
		if err == unix.ECHILD {
			return nil // no more tracees
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &event.TracerCrashed{Reason: "wait4 failed", Cause: err}
		}
		b.handleStop(int32(pid), ws)
	}
}

func (b *Backend) handleStop(pid int32, ws unix.WaitStatus) {
	id, fresh := b.table.Resolve(pid)
	if fresh {
		b.emitFlagOnNext(id, event.PidReuse)
	}

	switch {
	case ws.Exited() || ws.Signaled():
		b.emitExit(id, ws)
		delete(b.stubs, pid)
		return
	case ws.Stopped():
		b.handlePtraceStop(id, ws)
	}
}

// emitFlagOnNext attaches f to the next event emitted for id's pid: stashed
// on the taskStub (created if absent) and merged into the event's flags in
// handleSyscallStop/emitExit, since the stub for a freshly resolved pid may
// not exist yet when a generation bump is first observed.
func (b *Backend) emitFlagOnNext(id event.TaskID, f event.Flags) {
	s, ok := b.stubs[id.Pid]
	if !ok {
		s = &taskStub{arch: abi.AMD64}
		b.stubs[id.Pid] = s
	}
	s.pendingFlags |= f
}

func (b *Backend) handlePtraceStop(id event.TaskID, ws unix.WaitStatus) {
	pid := id.Pid
	sig := ws.StopSignal()
	trapCause := ws.TrapCause()

	switch trapCause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		childPid, err := unix.PtraceGetEventMsg(int(pid))
		if err == nil {
			childID, _ := b.table.Resolve(int32(childPid))
			b.table.OnFork(id, childID, true)
			b.stubs[int32(childPid)] = &taskStub{arch: abi.AMD64}
			forkID := b.allocEventID()
			b.events <- event.Record{
				Header: event.FragmentHeader{Pid: id.Pid, EventID: forkID, Kind: event.KindFork},
				Fork:   &event.ForkEvent{EventID: forkID, Parent: id, Child: childID, Tgid: readTgid(childID.Pid)},
			}
			_ = unix.PtraceCont(int(childPid), 0)
		}
		_ = unix.PtraceCont(int(pid), 0)
		return

	case unix.PTRACE_EVENT_EXIT:
		// The task is merely about to exit here; it is still alive and
		// the tracer must let it run to completion. The actual ExitEvent
		// is emitted once from emitExit, when wait4 reports Exited or
		// Signaled, to avoid reporting the same exit twice.
		_ = unix.PtraceCont(int(pid), 0)
		return
	}

	// syscall-stop (PTRACE_O_TRACESYSGOOD sets bit 0x80 on the signal).
	if sig == unix.SIGTRAP|0x80 {
		if stoppedForBreakpoint := b.handleSyscallStop(id); stoppedForBreakpoint {
			// The task is left in a group-stop for a breakpoint consumer
			// to resolve via Resolve; it must not be continued here.
			return
		}
		_ = unix.PtraceCont(int(pid), 0)
		return
	}

	// Any other stopping signal must be re-injected so the tracee
	// observes it, except our own synchronization sentinel.
	if sig != 0 && sig != sentinelStopSignal {
		_ = unix.PtraceCont(int(pid), int(sig))
		return
	}
	_ = unix.PtraceCont(int(pid), 0)
}

// handleSyscallStop processes one syscall-stop (entry or exit half) for id.
// It returns true if a breakpoint matched and the task was left stopped
// for a consumer to resolve, in which case the caller must not PtraceCont.
func (b *Backend) handleSyscallStop(id event.TaskID) bool {
	stub, ok := b.stubs[id.Pid]
	if !ok {
		stub = &taskStub{arch: abi.AMD64}
		b.stubs[id.Pid] = stub
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(id.Pid), &regs); err != nil {
		return false
	}

	if !stub.awaitingExit {
		nr, mode := syscallNumber(&regs)
		v, isExec := abi.Classify(stub.arch, nr, mode)
		if !isExec {
			return false
		}
		attempt, partialFlags := b.readExecAttempt(id, &regs, v, mode)
		stub.pendingFlags |= partialFlags
		if err := b.table.OnExecEnter(id, attempt); err != nil {
			return false
		}
		stub.awaitingExit = true
		stub.lastVariant = v
		stub.lastMode = mode

		if hit := b.resolver.Evaluate(breakpoint.SysEnter, id, &attempt); hit != nil {
			return b.stopForBreakpoint(id, hit)
		}
		return false
	}

	// Exit half: read the return value.
	stub.awaitingExit = false
	ret := syscallReturn(&regs)
	outcome := event.Outcome{Success: ret == 0}
	if !outcome.Success {
		errno := int32(-ret)
		outcome.Errno = errno
		outcome.Symbol = abi.ErrnoSymbol(errno)
	}

	nextID := b.allocEventID()
	ev, err := b.table.OnExecExit(id, outcome, nextID)
	if err != nil {
		return false
	}
	flags := stub.pendingFlags
	stub.pendingFlags = 0
	b.events <- event.Record{
		Header:      event.FragmentHeader{Pid: id.Pid, EventID: nextID, Flags: flags, Kind: event.KindExecAttempt},
		ExecAttempt: &ev.Attempt,
		Outcome:     &ev.Outcome,
	}

	if hit := b.resolver.Evaluate(breakpoint.SysExit, id, &ev.Attempt); hit != nil {
		return b.stopForBreakpoint(id, hit)
	}
	return false
}

// stopForBreakpoint marks id BreakpointStopped and publishes hit, leaving
// the tracee in its current group-stop until Resolve is called.
func (b *Backend) stopForBreakpoint(id event.TaskID, hit *breakpoint.Hit) bool {
	if task, ok := b.table.Get(id); ok {
		task.Status = event.BreakpointStopped
	}
	select {
	case b.hits <- hit:
	default:
		// No consumer is currently reading Hits; resolving it would block
		// forever, so the tracee stays stopped and the hit is dropped
		// rather than deadlocking the tracer loop. A bounded Hits channel
		// sized for realistic concurrent breakpoint counts (16) makes
		// this the rare case, not the common one.
	}
	return true
}

func (b *Backend) allocEventID() event.EventID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventIDSeq++
	return b.eventIDSeq
}

func (b *Backend) emitExit(id event.TaskID, ws unix.WaitStatus) {
	_ = b.table.OnSignalExit(id)
	ev := event.ExitEvent{EventID: b.allocEventID(), Task: id, IsRootTracee: id == b.rootID, Tgid: readTgid(id.Pid)}
	if ws.Exited() {
		ev.ExitCode = int32(ws.ExitStatus())
	}
	if ws.Signaled() {
		ev.Signal = int32(ws.Signal())
	}
	var flags event.Flags
	if stub, ok := b.stubs[id.Pid]; ok {
		flags = stub.pendingFlags
		stub.pendingFlags = 0
	}
	ev.Flags = flags
	b.events <- event.Record{Header: event.FragmentHeader{Pid: id.Pid, EventID: ev.EventID, Flags: flags, Kind: event.KindExit}, Exit: &ev}
}

// Close releases backend resources. It does not touch the tracee's
// lifecycle, which is governed by the session's exit-handling policy.
func (b *Backend) Close() error { return nil }
