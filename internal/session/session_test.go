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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/kxxt/tracexec/internal/event"
)

// fakeBackend feeds a fixed slice of records then blocks until ctx is
// cancelled, mirroring a real backend's Run contract.
type fakeBackend struct {
	warnCh chan error
}

func (f *fakeBackend) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (f *fakeBackend) Warnings() <-chan error { return f.warnCh }
func (f *fakeBackend) Close() error           { return nil }

func TestSessionFiltersSuccessfulOnly(t *testing.T) {
	raw := make(chan event.Record, 4)
	raw <- event.Record{
		Header:      event.FragmentHeader{EventID: 1, Kind: event.KindExecAttempt},
		ExecAttempt: &event.ExecAttempt{},
		Outcome:     &event.Outcome{Success: true},
	}
	raw <- event.Record{
		Header:      event.FragmentHeader{EventID: 2, Kind: event.KindExecAttempt},
		ExecAttempt: &event.ExecAttempt{},
		Outcome:     &event.Outcome{Success: false, Errno: 2},
	}
	close(raw)

	s := New(Config{Filter: Filter{SuccessfulOnly: true}, MaxEvents: 10}, raw, &fakeBackend{warnCh: make(chan error)}, nil, 1)
	consumer := s.Attach()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.pump(ctx)
		close(done)
	}()
	<-done

	select {
	case ev := <-consumer:
		exec, ok := ev.(*event.ExecEvent)
		if !ok || !exec.Outcome.Success {
			t.Fatalf("expected the successful exec to be published, got %+v", ev)
		}
	default:
		t.Fatalf("expected one published event")
	}
	select {
	case ev := <-consumer:
		t.Fatalf("failed exec should have been filtered out, got %+v", ev)
	default:
	}
}

func TestSessionEvictsOldestOnCap(t *testing.T) {
	raw := make(chan event.Record)
	s := New(Config{MaxEvents: 2}, raw, &fakeBackend{warnCh: make(chan error)}, nil, 1)

	for i := event.EventID(1); i <= 3; i++ {
		s.handleRecord(event.Record{
			Header:      event.FragmentHeader{EventID: i, Kind: event.KindExecAttempt},
			ExecAttempt: &event.ExecAttempt{},
			Outcome:     &event.Outcome{Success: true},
		})
	}
	if s.retained.Len() != 2 {
		t.Fatalf("expected retention capped at 2, got %d", s.retained.Len())
	}
	if s.retained.Get(&retainedEvent{id: 1}) != nil {
		t.Fatalf("expected the oldest event (id=1) to have been evicted")
	}
	if s.retained.Get(&retainedEvent{id: 3}) == nil {
		t.Fatalf("expected the newest event (id=3) to still be retained")
	}
}

func TestFilterAllowsExcludeKind(t *testing.T) {
	f := Filter{ExcludeKinds: map[event.Kind]bool{event.KindFork: true}}
	if f.allows(event.KindFork, SeverityInfo) {
		t.Fatalf("expected KindFork to be excluded")
	}
	if !f.allows(event.KindExecAttempt, SeverityInfo) {
		t.Fatalf("expected KindExecAttempt to pass")
	}
}
