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

// Package session owns the tracer task for one trace: it selects a
// backend, applies the event filter, enforces the retained-event cap, fans
// finished events out to every attached consumer, and governs tracee
// lifecycle on shutdown. It is the one place that knows about both
// backends; everything downstream of it (TUI, logger, JSON exporter) only
// ever sees event.ExecEvent/ForkEvent/ExitEvent.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"github.com/mohae/deepcopy"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sync/errgroup"

	"github.com/kxxt/tracexec/internal/assembler"
	"github.com/kxxt/tracexec/internal/event"
)

// ExitHandling governs what happens to the root tracee when every consumer
// has detached.
type ExitHandling int

const (
	// ExitWait waits for the root tracee to exit on its own.
	ExitWait ExitHandling = iota
	// ExitTerminate sends the terminate signal to the root tracee's
	// process group.
	ExitTerminate
	// ExitKill sends the kill signal to the root tracee's process group.
	ExitKill
)

// Filter selects which assembled events reach consumers.
type Filter struct {
	MinSeverity   Severity
	IncludeKinds  map[event.Kind]bool // nil/empty: no restriction
	ExcludeKinds  map[event.Kind]bool
	SuccessfulOnly bool
	FollowFork    bool
}

// Severity classifies an event for filtering and for the TUI's icon
// selection; it is distinct from event.Flags, which records partial
// failures rather than the event's own importance.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (f Filter) allows(kind event.Kind, sev Severity) bool {
	if sev < f.MinSeverity {
		return false
	}
	if len(f.ExcludeKinds) > 0 && f.ExcludeKinds[kind] {
		return false
	}
	if len(f.IncludeKinds) > 0 && !f.IncludeKinds[kind] {
		return false
	}
	return true
}

// backend is the capability set C9 dispatches across: {start, pending
// events, warnings, stop}. Both internal/ptrace.Backend and
// internal/ebpf.Backend satisfy it. The record stream is passed to New
// separately: the ptrace backend's Events() carries whole records, while
// the eBPF backend's Records() carries fragments that New's asm reassembles.
type backend interface {
	Run(ctx context.Context) error
	Warnings() <-chan error
	Close() error
}

// Config configures a Session.
type Config struct {
	Filter       Filter
	MaxEvents    int // 0 = unlimited
	ExitHandling ExitHandling
	// TerminateSignalFn/KillSignalFn deliver the terminate/kill signal for
	// ExitTerminate/ExitKill; when one is nil, no signal is sent.
	TerminateSignalFn func(rootPid int32) error
	KillSignalFn      func(rootPid int32) error
}

// retainedEvent wraps an assembled event for ordering in the btree, keyed
// by EventID so eviction always drops the oldest.
type retainedEvent struct {
	id  event.EventID
	ev  any // *event.ExecEvent | *event.ForkEvent | *event.ExitEvent
}

func (r *retainedEvent) Less(than btree.Item) bool {
	return r.id < than.(*retainedEvent).id
}

// Session dispatches one backend, assembles/filters its output, and fans
// finished events out to attached consumers.
type Session struct {
	cfg       Config
	rawEvents <-chan event.Record
	backend   backend
	asm       *assembler.Assembler // nil for the ptrace backend (no fragments)
	rootPid   int32

	retained *btree.BTree
	nextSeq  event.EventID

	consumers []chan any
}

// New constructs a Session around an already-spawned/attached backend.
// asm is non-nil only when rawEvents carries eBPF fragments that need
// reassembly; the ptrace backend delivers whole records and asm is nil.
func New(cfg Config, rawEvents <-chan event.Record, b backend, asm *assembler.Assembler, rootPid int32) *Session {
	return &Session{
		cfg:       cfg,
		rawEvents: rawEvents,
		backend:   b,
		asm:       asm,
		rootPid:   rootPid,
		retained:  btree.New(32),
	}
}

// Attach registers a new consumer channel, which receives a deep copy of
// every subsequently published event plus (immediately) a deep copy of
// every currently retained event, so a late-attaching consumer (e.g. a TUI
// opened after `collect` has been running headless) still sees full
// history up to the retention cap.
func (s *Session) Attach() <-chan any {
	ch := make(chan any, 1024)
	s.retained.Ascend(func(it btree.Item) bool {
		ch <- deepcopy.Copy(it.(*retainedEvent).ev)
		return true
	})
	s.consumers = append(s.consumers, ch)
	return ch
}

// Run drives the backend and the assembly/filter/fan-out pipeline until
// ctx is cancelled, the backend exits, or a TracerCrashed error surfaces.
// A capability preflight check runs first, per §7: CAP_SYS_PTRACE (ptrace
// backend) or CAP_SYS_ADMIN (eBPF backend) missing is reported as
// a Downgrade-shaped warning, not a hard failure, since an unprivileged
// trace of one's own children can still work.
func (s *Session) Run(ctx context.Context, backendKind string) error {
	if warn := preflightCapabilities(backendKind); warn != nil {
		s.broadcast(warn)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runBackendWithRetry(gctx)
	})
	g.Go(func() error {
		return s.pump(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-s.backend.Warnings():
				if !ok {
					return nil
				}
				s.broadcast(err)
			}
		}
	})

	err := g.Wait()
	s.applyExitDiscipline()
	return err
}

// runBackendWithRetry runs the backend, retrying with bounded exponential
// backoff when Run returns an error other than event.TracerCrashed; a
// TracerCrashed error is propagated immediately with no retry, since the
// tracer's internal state can no longer be trusted once it has crashed.
// Attaching happens before Run, so attach failures are not retried here.
func (s *Session) runBackendWithRetry(ctx context.Context) error {
	op := func() error {
		err := s.backend.Run(ctx)
		if err == nil {
			return nil
		}
		var crashed *event.TracerCrashed
		if isTracerCrashed(err, &crashed) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(op, b)
}

func isTracerCrashed(err error, target **event.TracerCrashed) bool {
	tc, ok := err.(*event.TracerCrashed)
	if ok {
		*target = tc
	}
	return ok
}

// pump reads raw records, assembles (if needed), filters, retains, and
// fans out. It is the only writer of s.retained, so no locking is needed
// around the btree.
func (s *Session) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-s.rawEvents:
			if !ok {
				return nil
			}
			s.handleRecord(rec)
		}
	}
}

func (s *Session) handleRecord(rec event.Record) {
	if s.asm != nil {
		exec, fork, exit, ok := s.asm.Feed(rec)
		if !ok {
			return
		}
		switch {
		case exec != nil:
			s.publish(event.KindExecAttempt, exec.EventID, exec, severityFor(exec.Outcome, exec.Flags))
		case fork != nil:
			s.publish(event.KindFork, fork.EventID, fork, SeverityInfo)
		case exit != nil:
			s.publish(event.KindExit, exit.EventID, exit, SeverityInfo)
		}
		return
	}

	switch rec.Header.Kind {
	case event.KindExecAttempt:
		if rec.ExecAttempt == nil || rec.Outcome == nil {
			return
		}
		ev := &event.ExecEvent{EventID: rec.Header.EventID, Task: event.TaskID{Pid: rec.Header.Pid}, Attempt: *rec.ExecAttempt, Outcome: *rec.Outcome, Flags: rec.Header.Flags}
		s.publish(event.KindExecAttempt, ev.EventID, ev, severityFor(ev.Outcome, ev.Flags))
	case event.KindFork:
		if rec.Fork == nil {
			return
		}
		s.publish(event.KindFork, rec.Fork.EventID, rec.Fork, SeverityInfo)
	case event.KindExit:
		if rec.Exit == nil {
			return
		}
		s.publish(event.KindExit, rec.Exit.EventID, rec.Exit, SeverityInfo)
	}
}

func severityFor(outcome event.Outcome, flags event.Flags) Severity {
	if flags != 0 {
		return SeverityWarning
	}
	if !outcome.Success {
		return SeverityWarning
	}
	return SeverityInfo
}

func (s *Session) publish(kind event.Kind, id event.EventID, ev any, sev Severity) {
	if !s.cfg.Filter.allows(kind, sev) {
		return
	}
	if s.cfg.Filter.SuccessfulOnly {
		if exec, ok := ev.(*event.ExecEvent); ok && !exec.Outcome.Success {
			return
		}
	}
	s.retain(id, ev)
	s.broadcast(ev)
}

// retain inserts ev into the bounded retention set, evicting the oldest
// entry once MaxEvents (default 1,000,000 upstream, 0 = unlimited here) is
// exceeded. Consumers that need an evicted event must already have
// consumed it: retention only protects against the fan-out/late-attach
// case, it is not a durable store.
func (s *Session) retain(id event.EventID, ev any) {
	if s.cfg.MaxEvents == 0 {
		s.retained.ReplaceOrInsert(&retainedEvent{id: id, ev: ev})
		return
	}
	s.retained.ReplaceOrInsert(&retainedEvent{id: id, ev: ev})
	for s.retained.Len() > s.cfg.MaxEvents {
		s.retained.DeleteMin()
	}
}

// broadcast deep-copies ev once per consumer so mutation by one (e.g. the
// TUI annotating a displayed row) can never race another's read.
func (s *Session) broadcast(ev any) {
	for _, ch := range s.consumers {
		cp := deepcopy.Copy(ev)
		select {
		case ch <- cp:
		default:
			// A stalled consumer never blocks the tracer; it simply misses
			// events until it catches up, same discipline as the eBPF
			// ring buffer's own overflow handling.
		}
	}
}

// applyExitDiscipline acts on cfg.ExitHandling once the pipeline has
// stopped, then closes the backend.
func (s *Session) applyExitDiscipline() {
	switch s.cfg.ExitHandling {
	case ExitTerminate:
		if s.cfg.TerminateSignalFn != nil {
			_ = s.cfg.TerminateSignalFn(s.rootPid)
		}
	case ExitKill:
		if s.cfg.KillSignalFn != nil {
			_ = s.cfg.KillSignalFn(s.rootPid)
		}
	case ExitWait:
		// Nothing to do: the backend's own Run loop already blocks until
		// the root tracee exits on its own.
	}
	_ = s.backend.Close()
}

// preflightCapabilities checks for the capability the selected backend
// needs and returns a Downgrade describing what is missing, or nil if the
// process is sufficiently privileged. Grounded on the same
// syndtr/gocapability use the ptrace-capable sandbox boot path already
// makes for CAP_NET_RAW.
func preflightCapabilities(backendKind string) *event.Downgrade {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return &event.Downgrade{Feature: "capability preflight", Reason: err.Error()}
	}
	if err := caps.Load(); err != nil {
		return &event.Downgrade{Feature: "capability preflight", Reason: err.Error()}
	}
	switch backendKind {
	case "ptrace":
		if !caps.Get(capability.EFFECTIVE, capability.CAP_SYS_PTRACE) {
			return &event.Downgrade{Feature: "ptrace backend", Reason: "CAP_SYS_PTRACE not held; relying on same-uid ptrace_scope exemption"}
		}
	case "ebpf":
		if !caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN) {
			return &event.Downgrade{Feature: "ebpf backend", Reason: "CAP_SYS_ADMIN not held; probe load will likely fail"}
		}
	}
	return nil
}

// WaitTimeout bounds how long a late graceful-shutdown step (e.g. a final
// ring-buffer drain) is allowed to take after cancellation, before the
// session gives up and returns anyway.
const WaitTimeout = 2 * time.Second

// DrainWithTimeout is a helper exit_handling=Wait callers can use to wait
// for the root tracee without hanging forever if something wedges.
func DrainWithTimeout(ctx context.Context, done <-chan struct{}) error {
	t := time.NewTimer(WaitTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return fmt.Errorf("session: timed out waiting for tracee shutdown after %s", WaitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
