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

package state

import (
	"testing"

	"github.com/kxxt/tracexec/internal/event"
)

func TestExecEnterExitAlternation(t *testing.T) {
	tbl := New()
	root := event.TaskID{Pid: 100, Generation: 0}
	tbl.Insert(root, nil)
	tbl.tasks[root].Status = event.Running

	if err := tbl.OnExecEnter(root, event.ExecAttempt{}); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if err := tbl.OnExecEnter(root, event.ExecAttempt{}); err == nil {
		t.Fatalf("second enter without an intervening exit must fail")
	}
	if _, err := tbl.OnExecExit(root, event.Outcome{Success: true}, 1); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if _, err := tbl.OnExecExit(root, event.Outcome{Success: true}, 2); err == nil {
		t.Fatalf("exit without a pending enter must fail")
	}
}

func TestBacktraceGrowsOnlyOnSuccess(t *testing.T) {
	tbl := New()
	root := event.TaskID{Pid: 200, Generation: 0}
	tbl.Insert(root, nil)
	tbl.tasks[root].Status = event.Running

	tbl.OnExecEnter(root, event.ExecAttempt{})
	tbl.OnExecExit(root, event.Outcome{Success: false, Errno: 2, Symbol: "ENOENT"}, 1)
	if got := tbl.BacktraceLen(root); got != 0 {
		t.Fatalf("backtrace after failed exec = %d, want 0", got)
	}

	tbl.OnExecEnter(root, event.ExecAttempt{})
	tbl.OnExecExit(root, event.Outcome{Success: true}, 2)
	if got := tbl.BacktraceLen(root); got != 1 {
		t.Fatalf("backtrace after successful exec = %d, want 1", got)
	}
}

func TestCloseOnExecClearedAfterSuccessfulExec(t *testing.T) {
	tbl := New()
	root := event.TaskID{Pid: 300, Generation: 0}
	task := tbl.Insert(root, nil)
	task.Status = event.Running
	task.FdTable = map[event.FdNum]event.FdInfo{
		7: {FdNumber: 7, CloseOnExec: true},
		8: {FdNumber: 8, CloseOnExec: false},
	}

	tbl.OnExecEnter(root, event.ExecAttempt{})
	tbl.OnExecExit(root, event.Outcome{Success: true}, 1)

	if _, ok := task.FdTable[7]; ok {
		t.Fatalf("fd 7 marked close-on-exec should be cleared after a successful exec")
	}
	if _, ok := task.FdTable[8]; !ok {
		t.Fatalf("fd 8 without close-on-exec should survive a successful exec")
	}
}

func TestResolvePidReuse(t *testing.T) {
	tbl := New()
	id, fresh := tbl.Resolve(42)
	if !fresh {
		t.Fatalf("first resolve of a pid must report a fresh generation")
	}
	tbl.Insert(id, nil)

	again, fresh := tbl.Resolve(42)
	if fresh {
		t.Fatalf("resolve of a still-live pid must not allocate a new generation")
	}
	if again != id {
		t.Fatalf("resolve of a live pid changed TaskID: %+v != %+v", again, id)
	}

	tbl.OnSignalExit(id)
	reused, fresh := tbl.Resolve(42)
	if !fresh {
		t.Fatalf("resolve after exit must allocate a new generation")
	}
	if reused.Generation == id.Generation {
		t.Fatalf("reused pid got the same generation: %d", reused.Generation)
	}
}
