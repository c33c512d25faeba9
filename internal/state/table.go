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

// Package state tracks the logical state of every task a backend has
// observed: pre/post-exec progress, parent linkage, fd table deltas, and
// pid-reuse discipline. It is owned exclusively by the tracer thread; other
// goroutines see it only through the events it emits.
package state

import (
	"fmt"

	"github.com/kxxt/tracexec/internal/event"
)

// Task is one live (or recently-exited-but-still-referenced) traced
// process.
type Task struct {
	ID                 event.TaskID
	Parent             *event.TaskID
	Status             event.Status
	PresumedFinalTgid  int32
	PendingStage       event.SyscallStage
	LastExecAttempt    *event.ExecAttempt
	FdTable            map[event.FdNum]event.FdInfo // ptrace backend only
	ExecBacktrace      []event.EventID
}

// Table is the map from tracee id to task state, plus the raw-pid ->
// generation resolution that implements pid-reuse discipline.
type Table struct {
	tasks   map[event.TaskID]*Task
	live    map[int32]uint32 // os_pid -> current live generation
	nextGen map[int32]uint32 // os_pid -> generation to assign next
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		tasks:   make(map[event.TaskID]*Task),
		live:    make(map[int32]uint32),
		nextGen: make(map[int32]uint32),
	}
}

// Resolve returns the TaskID for the live generation of pid, allocating a
// fresh generation (and returning freshGeneration=true to signal a
// cold-miss / suspected pid-reuse) if pid has no known live generation.
func (t *Table) Resolve(pid int32) (id event.TaskID, freshGeneration bool) {
	if gen, ok := t.live[pid]; ok {
		return event.TaskID{Pid: pid, Generation: gen}, false
	}
	gen := t.nextGen[pid]
	t.nextGen[pid] = gen + 1
	t.live[pid] = gen
	return event.TaskID{Pid: pid, Generation: gen}, true
}

// Insert adds a freshly created task with the given parent, in Initialized
// status (used for the root tracee and for attach-to-existing-process).
func (t *Table) Insert(id event.TaskID, parent *event.TaskID) *Task {
	task := &Task{ID: id, Parent: parent, Status: event.Initialized}
	t.tasks[id] = task
	t.live[id.Pid] = id.Generation
	return task
}

// Get returns the task for id, if known.
func (t *Table) Get(id event.TaskID) (*Task, bool) {
	task, ok := t.tasks[id]
	return task, ok
}

// OnFork inserts a new task with parent as its parent, in Running status.
// If inheritFdTable is set (the ptrace backend sets it) and the parent has
// an fd table, the child's fd table starts as a copy of the parent's.
func (t *Table) OnFork(parent event.TaskID, child event.TaskID, inheritFdTable bool) *Task {
	task := &Task{ID: child, Parent: &parent, Status: event.Running}
	if inheritFdTable {
		if p, ok := t.tasks[parent]; ok && p.FdTable != nil {
			task.FdTable = make(map[event.FdNum]event.FdInfo, len(p.FdTable))
			for fd, info := range p.FdTable {
				task.FdTable[fd] = info
			}
		}
	}
	t.tasks[child] = task
	t.live[child.Pid] = child.Generation
	return task
}

// OnExecEnter stores attempt as the task's pending exec and transitions it
// to StageEnter. It is an error to call this while another enter is already
// pending (enters and exits must strictly alternate).
func (t *Table) OnExecEnter(id event.TaskID, attempt event.ExecAttempt) error {
	task, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("state: exec-enter for unknown task %+v", id)
	}
	if task.Status != event.Running {
		return fmt.Errorf("state: exec-enter for task %+v not Running (status=%s)", id, task.Status)
	}
	if task.PendingStage == event.StageEnter {
		return fmt.Errorf("state: exec-enter for task %+v while an enter is already pending", id)
	}
	task.LastExecAttempt = &attempt
	task.PendingStage = event.StageEnter
	return nil
}

// OnExecExit combines the stored attempt with outcome into an ExecEvent. On
// success, it clears fd table entries marked close-on-exec and appends to
// the exec backtrace. It is an error to call this without a pending enter.
func (t *Table) OnExecExit(id event.TaskID, outcome event.Outcome, nextID event.EventID) (*event.ExecEvent, error) {
	task, ok := t.tasks[id]
	if !ok {
		return nil, fmt.Errorf("state: exec-exit for unknown task %+v", id)
	}
	if task.PendingStage != event.StageEnter {
		return nil, fmt.Errorf("state: exec-exit for task %+v with no pending enter", id)
	}
	attempt := *task.LastExecAttempt
	task.LastExecAttempt = nil
	task.PendingStage = event.StageNone
	task.Status = event.Running

	if outcome.Success {
		if task.FdTable != nil {
			for fd, info := range task.FdTable {
				if info.CloseOnExec {
					delete(task.FdTable, fd)
				}
			}
		}
		task.ExecBacktrace = append(task.ExecBacktrace, nextID)
	}

	return &event.ExecEvent{
		EventID: nextID,
		Task:    id,
		Attempt: attempt,
		Outcome: outcome,
	}, nil
}

// OnSignalExit marks the task Exited. Its metadata is retained for any
// still-published events (e.g. the assembler may still be resolving a
// record attributed to it).
func (t *Table) OnSignalExit(id event.TaskID) error {
	task, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("state: exit for unknown task %+v", id)
	}
	task.Status = event.Exited
	delete(t.live, id.Pid)
	return nil
}

// BacktraceLen returns the number of successful exec events attributed to
// id since its creation. Used by the testable-property check in §8 of the
// spec: at exit this must equal the prior count of ExecAttempt events for
// the task.
func (t *Table) BacktraceLen(id event.TaskID) int {
	if task, ok := t.tasks[id]; ok {
		return len(task.ExecBacktrace)
	}
	return 0
}
