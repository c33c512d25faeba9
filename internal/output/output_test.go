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

package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kxxt/tracexec/internal/event"
	"github.com/kxxt/tracexec/internal/strcache"
)

func TestFromAnyExecEventHidesCloexecFds(t *testing.T) {
	cache := strcache.New()
	ev := &event.ExecEvent{
		EventID: 7,
		Task:    event.TaskID{Pid: 100},
		Attempt: event.ExecAttempt{
			RequestedFilename: cache.Intern("/bin/true"),
			FdSnapshot: []event.FdInfo{
				{FdNumber: 0, CloseOnExec: false},
				{FdNumber: 3, CloseOnExec: true},
			},
		},
		Outcome: event.Outcome{Success: true},
	}
	out := FromAny(ev, true)
	if len(out.Fds) != 1 || out.Fds[0].Fd != 0 {
		t.Fatalf("expected cloexec fd 3 to be hidden, got %+v", out.Fds)
	}
	if out.Variant != "exec" || out.Filename != "/bin/true" {
		t.Fatalf("unexpected flattening: %+v", out)
	}
}

func TestJSONLWriterEmitsMetadataFirst(t *testing.T) {
	var buf bytes.Buffer
	jw, err := NewJSONLWriter(&buf, Metadata{Tool: "tracexec", Backend: "ptrace"}, false)
	if err != nil {
		t.Fatalf("NewJSONLWriter: %v", err)
	}
	if err := jw.Write(&event.ForkEvent{EventID: 1, Parent: event.TaskID{Pid: 1}, Child: event.TaskID{Pid: 2}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected metadata line + 1 event line, got %d lines", len(lines))
	}
	var md Metadata
	if err := json.Unmarshal([]byte(lines[0]), &md); err != nil {
		t.Fatalf("metadata line not valid JSON: %v", err)
	}
	if md.Tool != "tracexec" {
		t.Fatalf("metadata not round-tripped: %+v", md)
	}
}

func TestWriteDocumentWrapsEventsUnderMetadata(t *testing.T) {
	var buf bytes.Buffer
	events := []any{&event.ExitEvent{EventID: 2, Task: event.TaskID{Pid: 5}, IsRootTracee: true}}
	if err := WriteDocument(&buf, Metadata{Tool: "tracexec"}, events, false); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("document not valid JSON: %v", err)
	}
	if len(doc.Events) != 1 || doc.Events[0].Variant != "exit" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}
