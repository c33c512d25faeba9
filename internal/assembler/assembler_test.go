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

package assembler

import (
	"testing"

	"github.com/kxxt/tracexec/internal/event"
	"github.com/kxxt/tracexec/internal/strcache"
)

func chunk(pid int32, id event.EventID, kind event.Kind, sub uint32, s string) event.Record {
	return event.Record{
		Header:      event.FragmentHeader{Pid: pid, EventID: id, Kind: kind, SubID: sub},
		StringChunk: []byte(s),
	}
}

func TestAssembleCompleteExecAttempt(t *testing.T) {
	a := New(strcache.New())
	const pid, id = int32(100), event.EventID(1)

	feed := func(r event.Record) (*event.ExecEvent, bool) {
		exec, _, _, ok := a.Feed(r)
		return exec, ok
	}

	if _, ok := feed(chunk(pid, id, event.KindFilenameChunk, 0, "/bin/true")); ok {
		t.Fatalf("filename chunk alone should not complete an attempt")
	}
	feed(chunk(pid, id, event.KindArgvChunk, 0, "true"))
	feed(chunk(pid, id, event.KindArgvChunk, 1, "--flag"))
	feed(chunk(pid, id, event.KindEnvpChunk, 0, "PATH=/bin"))

	final := event.Record{
		Header: event.FragmentHeader{Pid: pid, EventID: id, Kind: event.KindExecAttempt},
		Outcome: &event.Outcome{Success: true},
	}
	exec, ok := feed(final)
	if !ok || exec == nil {
		t.Fatalf("expected a completed ExecEvent")
	}
	if exec.Attempt.RequestedFilename.String() != "/bin/true" {
		t.Fatalf("filename = %q, want /bin/true", exec.Attempt.RequestedFilename.String())
	}
	if len(exec.Attempt.Argv) != 2 || exec.Attempt.Argv[0].String() != "true" || exec.Attempt.Argv[1].String() != "--flag" {
		t.Fatalf("argv assembled out of order: %+v", exec.Attempt.Argv)
	}
	if len(exec.Attempt.Envp) != 1 || exec.Attempt.Envp[0].Key.String() != "PATH" {
		t.Fatalf("envp not assembled: %+v", exec.Attempt.Envp)
	}
	if exec.Flags.Has(event.UserspaceDropMarker) {
		t.Fatalf("no gaps were introduced, UserspaceDropMarker should not be set")
	}
	if !exec.Outcome.Success {
		t.Fatalf("expected success outcome")
	}
}

func TestAssembleDetectsArgvGap(t *testing.T) {
	a := New(strcache.New())
	const pid, id = int32(200), event.EventID(7)

	a.Feed(chunk(pid, id, event.KindFilenameChunk, 0, "/bin/ls"))
	a.Feed(chunk(pid, id, event.KindArgvChunk, 0, "ls"))
	// sub_id 1 dropped; sub_id 2 arrives, leaving a gap.
	a.Feed(chunk(pid, id, event.KindArgvChunk, 2, "-la"))

	final := event.Record{
		Header:  event.FragmentHeader{Pid: pid, EventID: id, Kind: event.KindExecAttempt},
		Outcome: &event.Outcome{Success: true},
	}
	exec, _, _, ok := a.Feed(final)
	if !ok || exec == nil {
		t.Fatalf("expected a completed ExecEvent despite the gap")
	}
	if !exec.Flags.Has(event.UserspaceDropMarker) {
		t.Fatalf("expected UserspaceDropMarker for a discontiguous argv sequence")
	}
}

func TestExitDiscardsUnfinishedAttempt(t *testing.T) {
	a := New(strcache.New())
	const pid, id = int32(300), event.EventID(3)

	a.Feed(chunk(pid, id, event.KindFilenameChunk, 0, "/bin/sh"))
	if _, ok := a.inFlight[key{pid: pid, eventID: id}]; !ok {
		t.Fatalf("expected an in-flight attempt before exit")
	}

	exitRec := event.Record{
		Header: event.FragmentHeader{Pid: pid, Kind: event.KindExit},
		Exit:   &event.ExitEvent{Task: event.TaskID{Pid: pid}},
	}
	_, _, exit, ok := a.Feed(exitRec)
	if !ok || exit == nil {
		t.Fatalf("expected an ExitEvent to be emitted")
	}
	if _, stillThere := a.inFlight[key{pid: pid, eventID: id}]; stillThere {
		t.Fatalf("exit should discard the unfinished in-flight attempt")
	}
}

func TestForkPassesThrough(t *testing.T) {
	a := New(strcache.New())
	rec := event.Record{
		Header: event.FragmentHeader{Pid: 1, Kind: event.KindFork},
		Fork:   &event.ForkEvent{Parent: event.TaskID{Pid: 1}, Child: event.TaskID{Pid: 2}},
	}
	_, fork, _, ok := a.Feed(rec)
	if !ok || fork == nil || fork.Child.Pid != 2 {
		t.Fatalf("fork event did not pass through unchanged: %+v", fork)
	}
}
