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

// Package output renders assembled events to the two machine-readable
// formats the collect/log subcommands can emit: a metadata-prefixed JSONL
// stream (one event object per line, preceded by a metadata line) and a
// single enclosing JSON document ({"metadata":..., "events":[...]})
// written once at the end of a bounded run.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kxxt/tracexec/internal/event"
)

// Metadata is the header object every output carries: enough for a later
// reader to know how to interpret the stream without re-running the trace.
type Metadata struct {
	Tool        string            `json:"tool"`
	Version     string            `json:"version"`
	Backend     string            `json:"backend"`
	StartedAt   time.Time         `json:"started_at"`
	BaselineEnv map[string]string `json:"baseline_env,omitempty"`
}

// TaskJSON is the (pid, tgid, generation) triple every event references.
type TaskJSON struct {
	Pid        int32  `json:"pid"`
	Tgid       int32  `json:"tgid"`
	Generation uint32 `json:"generation"`
}

// FdJSON is one open file descriptor captured at exec time.
type FdJSON struct {
	Fd          int32  `json:"fd"`
	Path        string `json:"path"`
	CloseOnExec bool   `json:"cloexec"`
	FSType      string `json:"fs_type,omitempty"`
}

// EventJSON is the line-oriented or array-element shape an ExecEvent,
// ForkEvent, or ExitEvent is flattened to; Variant discriminates which
// optional fields are populated.
type EventJSON struct {
	EventID       event.EventID  `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp,omitempty"`
	Task          TaskJSON       `json:"task"`
	ParentEventID *event.EventID `json:"parent_event_id,omitempty"`
	Variant       string         `json:"variant"`

	// exec
	Comm     string   `json:"comm,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Argv     []string `json:"argv,omitempty"`
	Envp     []string `json:"envp,omitempty"`
	Fds      []FdJSON `json:"fds,omitempty"`
	// Outcome is "ok" on success, or an OutcomeJSON{errno, symbol} on
	// failure — `any` because encoding/json needs a single field to emit
	// either shape, and a wrapper struct with both cases as pointers would
	// still print a spurious null for the one that didn't happen.
	Outcome any `json:"outcome,omitempty"`

	// fork
	ChildPid  int32 `json:"child_pid,omitempty"`
	ChildTgid int32 `json:"child_tgid,omitempty"`

	// exit
	ExitCode     int32 `json:"exit_code,omitempty"`
	Signal       int32 `json:"signal,omitempty"`
	IsRootTracee bool  `json:"is_root_tracee,omitempty"`

	Flags []string `json:"flags,omitempty"`
}

// OutcomeJSON is a failed exec attempt's outcome: {"errno":2,"symbol":"ENOENT"}.
type OutcomeJSON struct {
	Errno  int32  `json:"errno"`
	Symbol string `json:"symbol"`
}

// FromAny flattens a *event.ExecEvent/*event.ForkEvent/*event.ExitEvent
// into the wire shape; it panics on any other type, since the session bus
// is documented to only ever publish those three.
func FromAny(ev any, hideCloexecFds bool) EventJSON {
	switch e := ev.(type) {
	case *event.ExecEvent:
		argv := make([]string, len(e.Attempt.Argv))
		for i, a := range e.Attempt.Argv {
			argv[i] = a.String()
		}
		envp := make([]string, len(e.Attempt.Envp))
		for i, kv := range e.Attempt.Envp {
			envp[i] = kv.Key.String() + "=" + kv.Value.String()
		}
		var fds []FdJSON
		for _, fd := range e.Attempt.FdSnapshot {
			if hideCloexecFds && fd.CloseOnExec {
				continue
			}
			fds = append(fds, FdJSON{Fd: int32(fd.FdNumber), Path: fd.Path.String(), CloseOnExec: fd.CloseOnExec, FSType: fd.FSType})
		}
		var outcome any = "ok"
		if !e.Outcome.Success {
			outcome = OutcomeJSON{Errno: e.Outcome.Errno, Symbol: e.Outcome.Symbol}
		}
		out := EventJSON{
			EventID:   e.EventID,
			Timestamp: e.Attempt.Timestamp,
			Task:      TaskJSON{Pid: e.Task.Pid, Tgid: e.Attempt.Tgid, Generation: e.Task.Generation},
			Variant:   "exec",
			Comm:      e.Attempt.Comm.String(),
			Cwd:       e.Attempt.Cwd.String(),
			Filename:  e.Attempt.RequestedFilename.String(),
			Argv:      argv,
			Envp:      envp,
			Fds:       fds,
			Outcome:   outcome,
			Flags:     e.Flags.Names(),
		}
		if e.Attempt.ParentEvent != nil {
			out.ParentEventID = e.Attempt.ParentEvent
		}
		return out
	case *event.ForkEvent:
		return EventJSON{
			EventID:   e.EventID,
			Task:      TaskJSON{Pid: e.Parent.Pid, Tgid: e.Parent.Pid, Generation: e.Parent.Generation},
			Variant:   "fork",
			ChildPid:  e.Child.Pid,
			ChildTgid: e.Tgid,
			Flags:     e.Flags.Names(),
		}
	case *event.ExitEvent:
		return EventJSON{
			EventID:      e.EventID,
			Task:         TaskJSON{Pid: e.Task.Pid, Tgid: e.Tgid, Generation: e.Task.Generation},
			Variant:      "exit",
			ExitCode:     e.ExitCode,
			Signal:       e.Signal,
			IsRootTracee: e.IsRootTracee,
			Flags:        e.Flags.Names(),
		}
	default:
		panic(fmt.Sprintf("output: unexpected event type %T", ev))
	}
}

// JSONLWriter streams a metadata line followed by one event object per
// line, flushed immediately so a `tail -f`-style consumer sees events as
// they arrive.
type JSONLWriter struct {
	w              io.Writer
	enc            *json.Encoder
	hideCloexecFds bool
}

// NewJSONLWriter writes md as the first line, then returns a writer ready
// to stream events.
func NewJSONLWriter(w io.Writer, md Metadata, hideCloexecFds bool) (*JSONLWriter, error) {
	enc := json.NewEncoder(w)
	if err := enc.Encode(md); err != nil {
		return nil, fmt.Errorf("output: write metadata line: %w", err)
	}
	return &JSONLWriter{w: w, enc: enc, hideCloexecFds: hideCloexecFds}, nil
}

// Write appends one event line.
func (jw *JSONLWriter) Write(ev any) error {
	return jw.enc.Encode(FromAny(ev, jw.hideCloexecFds))
}

// Document is the single-JSON-document shape written once by a bounded
// `collect` run.
type Document struct {
	Metadata Metadata    `json:"metadata"`
	Events   []EventJSON `json:"events"`
}

// WriteDocument renders the full event slice as one JSON document.
func WriteDocument(w io.Writer, md Metadata, events []any, hideCloexecFds bool) error {
	doc := Document{Metadata: md, Events: make([]EventJSON, len(events))}
	for i, ev := range events {
		doc.Events[i] = FromAny(ev, hideCloexecFds)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
