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

// Package assembler reassembles the fragment stream the eBPF backend
// produces into the same ExecEvent/ForkEvent/ExitEvent shapes the ptrace
// backend delivers whole, so the session dispatcher can treat both
// backends identically. The ptrace backend never produces fragments and
// does not use this package.
package assembler

import (
	"sort"
	"strings"

	"github.com/kxxt/tracexec/internal/abi"
	"github.com/kxxt/tracexec/internal/event"
	"github.com/kxxt/tracexec/internal/strcache"
)

// key identifies one in-flight exec attempt across its fragments.
type key struct {
	pid     int32
	eventID event.EventID
}

// pending accumulates fragments for one in-flight exec attempt until its
// terminating KindExecAttempt fragment (carrying the syscall outcome)
// arrives.
type pending struct {
	filename map[uint32][]byte
	argv     map[uint32][]byte
	envp     map[uint32][]byte
	fds      []event.FdInfo
	flags    event.Flags

	// paths holds path-segment fragments keyed by owner (-1 = cwd, else an
	// fd number) then by SubID (leaf to root, the order push_path emits
	// them in). pathHeaderN/pathSeenHdr record the declared segment count
	// from the owner's terminating KindPathHeader fragment, used to detect
	// a dropped trailing segment that a pure SubID-contiguity check would
	// miss.
	paths       map[int32]map[uint32][]byte
	pathHeaderN map[int32]uint32
	pathSeenHdr map[int32]bool
}

func newPending() *pending {
	return &pending{
		filename:    make(map[uint32][]byte),
		argv:        make(map[uint32][]byte),
		envp:        make(map[uint32][]byte),
		paths:       make(map[int32]map[uint32][]byte),
		pathHeaderN: make(map[int32]uint32),
		pathSeenHdr: make(map[int32]bool),
	}
}

// Assembler consumes a raw fragment channel and emits assembled events.
// It is not safe for concurrent use by multiple goroutines; the session
// dispatcher runs exactly one assembler per eBPF backend.
type Assembler struct {
	cache   *strcache.Cache
	inFlight map[key]*pending
}

// New returns an Assembler that interns decoded strings into cache, so
// they share storage with any ptrace-sourced strings in the same session.
func New(cache *strcache.Cache) *Assembler {
	return &Assembler{cache: cache, inFlight: make(map[key]*pending)}
}

// Feed processes one fragment, returning an assembled ExecEvent, ForkEvent,
// or ExitEvent if rec completes one, or ok=false if rec was absorbed into
// an in-flight attempt with nothing yet to emit.
func (a *Assembler) Feed(rec event.Record) (exec *event.ExecEvent, fork *event.ForkEvent, exit *event.ExitEvent, ok bool) {
	h := rec.Header
	switch h.Kind {
	case event.KindFork:
		if rec.Fork == nil {
			return nil, nil, nil, false
		}
		return nil, rec.Fork, nil, true

	case event.KindExit:
		if rec.Exit == nil {
			return nil, nil, nil, false
		}
		// An exit discards any attempt this task never finished exec'ing
		// (e.g. killed mid-syscall): the spec's discard-on-exit rule.
		a.discardTask(h.Pid)
		return nil, nil, rec.Exit, true

	case event.KindFilenameChunk:
		p := a.get(h)
		p.filename[h.SubID] = rec.StringChunk
		return nil, nil, nil, false

	case event.KindArgvChunk:
		p := a.get(h)
		p.argv[h.SubID] = rec.StringChunk
		return nil, nil, nil, false

	case event.KindEnvpChunk:
		p := a.get(h)
		p.envp[h.SubID] = rec.StringChunk
		return nil, nil, nil, false

	case event.KindFdSnapshot:
		p := a.get(h)
		if rec.FdSnapshot != nil {
			p.fds = append(p.fds, *rec.FdSnapshot)
		} else {
			p.flags |= event.FDProbeFailure
		}
		return nil, nil, nil, false

	case event.KindPathSegment:
		p := a.get(h)
		if p.paths[rec.PathOwner] == nil {
			p.paths[rec.PathOwner] = make(map[uint32][]byte)
		}
		p.paths[rec.PathOwner][h.SubID] = []byte(rec.PathSegment)
		return nil, nil, nil, false

	case event.KindPathHeader:
		p := a.get(h)
		p.pathHeaderN[rec.PathOwner] = rec.PathHeaderN
		p.pathSeenHdr[rec.PathOwner] = true
		return nil, nil, nil, false

	case event.KindExecAttempt:
		k := key{pid: h.Pid, eventID: h.EventID}
		p, found := a.inFlight[k]
		if !found {
			// Outcome arrived with no prior fragments at all (e.g. the
			// assembler started mid-attempt); nothing to assemble.
			return nil, nil, nil, false
		}
		delete(a.inFlight, k)
		ev := a.finish(h, p)
		if rec.Outcome != nil {
			ev.Outcome = *rec.Outcome
		}
		ev.Attempt.Tgid = h.Pid
		if rec.Comm != "" {
			ev.Attempt.Comm = a.cache.Intern(rec.Comm)
		}
		return &ev, nil, nil, true

	default:
		return nil, nil, nil, false
	}
}

func (a *Assembler) get(h event.FragmentHeader) *pending {
	k := key{pid: h.Pid, eventID: h.EventID}
	p, ok := a.inFlight[k]
	if !ok {
		p = newPending()
		a.inFlight[k] = p
	}
	p.flags |= h.Flags
	return p
}

func (a *Assembler) discardTask(pid int32) {
	for k := range a.inFlight {
		if k.pid == pid {
			delete(a.inFlight, k)
		}
	}
}

// finish orders the accumulated chunk maps by SubID, detects gaps (which
// set UserspaceDropMarker per the spec's fragment-loss discipline), and
// builds the assembled ExecAttempt.
func (a *Assembler) finish(h event.FragmentHeader, p *pending) event.ExecEvent {
	flags := h.Flags | p.flags

	filename, fnGap := orderedJoin(p.filename)
	argv, argvGap := orderedStrings(p.argv, a.cache)
	envpRaw, envpGap := orderedStrings(p.envp, a.cache)
	if fnGap || argvGap || envpGap {
		flags |= event.UserspaceDropMarker
	}

	sort.Slice(p.fds, func(i, j int) bool { return p.fds[i].FdNumber < p.fds[j].FdNumber })

	const cwdOwner = -1
	cwd, cwdGap := buildPath(p.paths[cwdOwner], p.pathHeaderN[cwdOwner], p.pathSeenHdr[cwdOwner], a.cache)
	if cwdGap {
		flags |= event.UserspaceDropMarker
	}
	for i := range p.fds {
		owner := int32(p.fds[i].FdNumber)
		segs, gap := buildPath(p.paths[owner], p.pathHeaderN[owner], p.pathSeenHdr[owner], a.cache)
		p.fds[i].Path = segs
		if gap {
			flags |= event.UserspaceDropMarker
		}
	}

	attempt := event.ExecAttempt{
		Variant:           abi.Execve,
		BitMode:           abi.Native,
		RequestedFilename: a.cache.Intern(filename),
		Argv:              argv,
		Cwd:               cwd,
		FdSnapshot:        p.fds,
	}
	for _, s := range envpRaw {
		k, v, _ := strings.Cut(s.String(), "=")
		attempt.Envp = append(attempt.Envp, event.EnvPair{Key: a.cache.Intern(k), Value: a.cache.Intern(v)})
	}

	return event.ExecEvent{
		EventID: h.EventID,
		Task:    event.TaskID{Pid: h.Pid},
		Attempt: attempt,
		Flags:   flags,
	}
}

// orderedJoin returns the chunk at SubID 0, the only one a filename ever
// uses, flagging a gap if it never arrived.
func orderedJoin(chunks map[uint32][]byte) (string, bool) {
	b, ok := chunks[0]
	if !ok {
		return "", true
	}
	return string(b), false
}

// buildPath orders a path's segment fragments by SubID (leaf to root, the
// order push_path emits them in) into a PathRef. It flags a gap both on a
// non-contiguous SubID sequence and on an arrived count that disagrees with
// the owner's KindPathHeader-declared total, since a dropped trailing
// segment leaves the sequence contiguous from 0 but still short.
func buildPath(segs map[uint32][]byte, expected uint32, headerSeen bool, cache *strcache.Cache) (event.PathRef, bool) {
	if len(segs) == 0 {
		return event.PathRef{}, false
	}
	ids := make([]uint32, 0, len(segs))
	for id := range segs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	gap := headerSeen && uint32(len(ids)) != expected
	out := make([]strcache.StrRef, 0, len(ids))
	for i, id := range ids {
		if uint32(i) != id {
			gap = true
		}
		out = append(out, cache.Intern(string(segs[id])))
	}
	return event.PathRef{Segments: out}, gap
}

// orderedStrings sorts an argv/envp chunk map by SubID and flags a gap if
// the sequence is not contiguous from 0, which means the kernel side's
// ring buffer dropped a fragment (e.g. under backpressure) and the
// resulting list must not be silently treated as complete.
func orderedStrings(chunks map[uint32][]byte, cache *strcache.Cache) ([]strcache.StrRef, bool) {
	if len(chunks) == 0 {
		return nil, false
	}
	ids := make([]uint32, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	gap := false
	out := make([]strcache.StrRef, 0, len(ids))
	for i, id := range ids {
		if uint32(i) != id {
			gap = true
		}
		out = append(out, cache.Intern(string(chunks[id])))
	}
	return out, gap
}
