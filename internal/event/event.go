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

// Package event defines the tagged-variant event records produced by both
// tracing backends and the fully assembled ExecEvent the session
// dispatcher publishes to consumers.
package event

import (
	"time"

	"github.com/kxxt/tracexec/internal/abi"
	"github.com/kxxt/tracexec/internal/strcache"
)

// TaskID pairs an OS pid with a generation counter, incremented each time
// the pid is recycled by the kernel. Only the live generation resolves
// from a raw pid lookup.
type TaskID struct {
	Pid        int32
	Generation uint32
}

// Status is a task's lifecycle state in the process-state table.
type Status int

const (
	Initialized Status = iota
	Running
	BreakpointStopped
	Detached
	Exited
)

func (s Status) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case BreakpointStopped:
		return "breakpoint-stopped"
	case Detached:
		return "detached"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// SyscallStage is which half of a syscall stop the task is at.
type SyscallStage int

const (
	StageNone SyscallStage = iota
	StageEnter
	StageExit
)

// EventID is a monotonically increasing, per-session counter. Global order
// matches causal order within a single task.
type EventID uint64

// Flags records partial-probe failures and other non-fatal anomalies on an
// event. Bits are independent; any subset may be set at once.
type Flags uint32

const (
	// PossibleTruncation: a string (filename/argv/envp element) hit the
	// backend's per-chunk cap and was cut short.
	PossibleTruncation Flags = 1 << iota
	// PointerReadFailure: a user-space pointer could not be dereferenced.
	PointerReadFailure
	// FDProbeFailure: an fd table entry could not be resolved.
	FDProbeFailure
	// TooManyItems: argv or envp hit abi.ArgcMax.
	TooManyItems
	// LoopBoundHit: an in-kernel bounded loop hit its cap before
	// finishing (eBPF only).
	LoopBoundHit
	// RingbufOverflow: the eBPF ring buffer was full when a fragment was
	// pushed.
	RingbufOverflow
	// PidReuse: resolve() allocated a new generation for a pid that had
	// no live generation.
	PidReuse
	// UserspaceDropMarker: the assembler detected a gap in sub_id; the
	// event is still emitted, with this flag set.
	UserspaceDropMarker
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// names lists the set bits of f as a slice of identifier strings, in a
// stable order, for the JSON/JSONL "flags" field.
func (f Flags) Names() []string {
	var out []string
	for bit := PossibleTruncation; bit <= UserspaceDropMarker; bit <<= 1 {
		if f.Has(bit) {
			out = append(out, flagNames[bit])
		}
	}
	return out
}

var flagNames = map[Flags]string{
	PossibleTruncation:  "POSSIBLE_TRUNCATION",
	PointerReadFailure:  "POINTER_READ_FAILURE",
	FDProbeFailure:      "FD_PROBE_FAILURE",
	TooManyItems:        "TOO_MANY_ITEMS",
	LoopBoundHit:        "LOOP_BOUND_HIT",
	RingbufOverflow:     "RINGBUF_OVERFLOW",
	PidReuse:            "PID_REUSE",
	UserspaceDropMarker: "USERSPACE_DROP_MARKER",
}

// PathRef is logically an absolute path. The eBPF backend delivers it as an
// ordered chain of segments (leaf to root) assembled by the assembler; the
// ptrace backend resolves it directly via /proc and stores the finished
// string here immediately.
type PathRef struct {
	Segments []strcache.StrRef // leaf-to-root order, as received
	resolved string
	haveFull bool
}

// NewResolvedPath wraps an already-resolved absolute path (ptrace path).
func NewResolvedPath(s string) PathRef {
	return PathRef{resolved: s, haveFull: true}
}

// String renders the absolute path, joining segments root-to-leaf if the
// path arrived fragmented.
func (p PathRef) String() string {
	if p.haveFull {
		return p.resolved
	}
	if len(p.Segments) == 0 {
		return ""
	}
	out := ""
	for i := len(p.Segments) - 1; i >= 0; i-- {
		out += "/" + p.Segments[i].String()
	}
	return out
}

// FdNum is a file descriptor number within a task's fd table.
type FdNum int32

// FdInfo snapshots one open file descriptor at the moment of an exec
// attempt.
type FdInfo struct {
	FdNumber     FdNum
	Path         PathRef
	Flags        uint32
	CloseOnExec  bool
	MountID      uint64
	Inode        uint64
	FilePosition int64
	FSType       string
}

// EnvPair is one decoded KEY=VALUE environment entry. Key and Value are
// interned separately so repeated keys across many exec attempts in a
// session share storage.
type EnvPair struct {
	Key   strcache.StrRef
	Value strcache.StrRef
}

// ExecAttempt is captured at entry to an exec-family syscall, before the
// outcome is known.
type ExecAttempt struct {
	Variant          abi.Variant
	BitMode          abi.BitMode
	RequestedFilename strcache.StrRef
	Argv             []strcache.StrRef
	Envp             []EnvPair
	Cwd              PathRef
	FdSnapshot       []FdInfo
	Dirfd            *FdNum // nil unless Variant == Execveat
	ExecveatFlags    uint32
	Timestamp        time.Time
	ParentEvent      *EventID // for backtrace linkage
	Comm             strcache.StrRef // task name at the moment of the attempt
	Tgid             int32
}

// Outcome is the syscall return: success, or a failure errno.
type Outcome struct {
	Success bool
	Errno   int32
	Symbol  string // e.g. "ENOENT", empty when Success
}

// ExecEvent is the unit published to consumers: a fully resolved exec
// attempt plus its outcome.
type ExecEvent struct {
	EventID EventID
	Task    TaskID
	Attempt ExecAttempt
	Outcome Outcome
	Flags   Flags
}

// ForkEvent records observation of a new task entering the process tree.
type ForkEvent struct {
	EventID EventID
	Parent  TaskID
	Child   TaskID
	Flags   Flags
	Tgid    int32 // child's thread-group id
}

// ExitEvent records a task's terminal exit.
type ExitEvent struct {
	EventID     EventID
	Task        TaskID
	ExitCode    int32
	Signal      int32
	IsRootTracee bool
	Flags       Flags
	Tgid        int32
}

// Kind tags which variant a Record holds.
type Kind int

const (
	KindExecAttempt Kind = iota
	KindFork
	KindExit
	// eBPF-only fragment kinds, correlated by (Pid, EventID, SubID) and
	// consumed only by the assembler; they never reach the session bus.
	// Filename/Argv/Envp are kept as distinct kinds (rather than one
	// generic StringChunk) so the assembler never has to guess which
	// field a chunk belongs to from SubID alone.
	KindFilenameChunk
	KindArgvChunk
	KindEnvpChunk
	KindFdSnapshot
	KindPathSegment
	KindPathHeader
)

// FragmentHeader is carried by every eBPF-only fragment variant. SubID
// distinguishes fragments belonging to the same parent record (e.g. argv[3]
// vs argv[4]) and lets the assembler detect gaps.
type FragmentHeader struct {
	Pid     int32
	EventID EventID
	Flags   Flags
	Kind    Kind
	SubID   uint32
}

// Record is the tagged-variant wire type shared by both backends. Exactly
// one of the payload fields is meaningful, selected by Header.Kind.
type Record struct {
	Header      FragmentHeader
	ExecAttempt *ExecAttempt
	Outcome     *Outcome
	Fork        *ForkEvent
	Exit        *ExitEvent
	StringChunk []byte
	FdSnapshot  *FdInfo
	PathSegment string
	PathHeaderN uint32 // segment count, for KindPathHeader
	PathOwner   int32  // -1 = cwd, else an fd number; tags PathSegment/PathHeaderN
	Comm        string // task name, carried on the KindExecAttempt terminator
}
