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

// Package breakpoint implements user-defined pattern matching on exec
// syscall entry/exit, used only by the ptrace backend (the eBPF backend
// has no way to leave a tracee stopped for an external debugger to attach
// to). On a hit the matched task is left in a group-stop for a consumer
// action to resolve.
package breakpoint

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/kxxt/tracexec/internal/event"
)

// Stage is which half of the exec syscall a breakpoint matches against.
type Stage int

const (
	// SysEnter matches against the requested argv/filename before the
	// kernel has attempted the exec.
	SysEnter Stage = iota
	// SysExit matches after the kernel has returned from the exec,
	// so the matched filename is whatever the successful/failed
	// attempt actually recorded.
	SysExit
)

func parseStage(s string) (Stage, error) {
	switch s {
	case "sysenter":
		return SysEnter, nil
	case "sysexit":
		return SysExit, nil
	default:
		return 0, fmt.Errorf("breakpoint: unknown syscall stage %q", s)
	}
}

// PatternType selects how Pattern is matched against a field of the
// ExecAttempt.
type PatternType int

const (
	// ArgvRegex matches if any argv element matches Pattern as a regular
	// expression.
	ArgvRegex PatternType = iota
	// InFilename matches if Pattern is a substring of the requested
	// filename.
	InFilename
	// ExactFilename matches if Pattern equals the requested filename.
	ExactFilename
)

// Breakpoint is one user-defined pattern, as parsed from a
// --add-breakpoint <syscall-stop>:<pattern-type>:<pattern> flag value.
type Breakpoint struct {
	Stage   Stage
	Type    PatternType
	Pattern string

	argvRe *regexp.Regexp // compiled by Parse, only for ArgvRegex
}

// Parse parses the colon-separated --add-breakpoint spec, e.g.
// "sysexit:in-filename:/a" or "sysenter:argv-regex:^/usr/bin/curl".
func Parse(spec string) (*Breakpoint, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("breakpoint: expected <syscall-stop>:<pattern-type>:<pattern>, got %q", spec)
	}
	stage, err := parseStage(parts[0])
	if err != nil {
		return nil, err
	}
	var typ PatternType
	switch parts[1] {
	case "argv-regex":
		typ = ArgvRegex
	case "in-filename":
		typ = InFilename
	case "exact-filename":
		typ = ExactFilename
	default:
		return nil, fmt.Errorf("breakpoint: unknown pattern type %q", parts[1])
	}
	bp := &Breakpoint{Stage: stage, Type: typ, Pattern: parts[2]}
	if typ == ArgvRegex {
		re, err := regexp.Compile(parts[2])
		if err != nil {
			return nil, fmt.Errorf("breakpoint: invalid argv-regex %q: %w", parts[2], err)
		}
		bp.argvRe = re
	}
	return bp, nil
}

// Matches reports whether attempt matches bp's pattern, given which stage
// the caller observed it at; a breakpoint only ever fires at its own
// configured stage.
func (bp *Breakpoint) Matches(stage Stage, attempt *event.ExecAttempt) bool {
	if stage != bp.Stage {
		return false
	}
	switch bp.Type {
	case InFilename:
		return strings.Contains(attempt.RequestedFilename.String(), bp.Pattern)
	case ExactFilename:
		return attempt.RequestedFilename.String() == bp.Pattern
	case ArgvRegex:
		for _, a := range attempt.Argv {
			if bp.argvRe.MatchString(a.String()) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Hit records a breakpoint match against a specific task.
type Hit struct {
	Breakpoint *Breakpoint
	Task       event.TaskID
	Attempt    event.ExecAttempt
}

// Action is a consumer's resolution of a Hit.
type Action int

const (
	// Resume continues the tracee with no further action (tracing
	// continues).
	Resume Action = iota
	// Detach continues the tracee and stops tracing it entirely.
	Detach
	// DetachAndRun continues the tracee, stops tracing it, and spawns an
	// external command with {{PID}} substituted.
	DetachAndRun
)

// Resolver evaluates every registered breakpoint against an ExecAttempt
// observed at the given stage, returning the first match (breakpoints are
// evaluated in registration order; the ptrace backend stops at the first
// hit per attempt, matching a debugger's single-breakpoint-per-stop
// expectation).
type Resolver struct {
	breakpoints []*Breakpoint
}

// NewResolver returns a Resolver evaluating every bp in order.
func NewResolver(bps []*Breakpoint) *Resolver {
	return &Resolver{breakpoints: bps}
}

// Evaluate returns the first matching breakpoint for attempt at stage, or
// nil if none match.
func (r *Resolver) Evaluate(stage Stage, task event.TaskID, attempt *event.ExecAttempt) *Hit {
	for _, bp := range r.breakpoints {
		if bp.Matches(stage, attempt) {
			return &Hit{Breakpoint: bp, Task: task, Attempt: *attempt}
		}
	}
	return nil
}

// RunDetachAndRun substitutes {{PID}} in cmdline with hit.Task.Pid and
// starts the resulting command, detached from this process's own
// stdio-lifecycle concerns (the spawned debugger owns its own terminal).
func RunDetachAndRun(cmdline string, hit *Hit) error {
	substituted := strings.ReplaceAll(cmdline, "{{PID}}", strconv.Itoa(int(hit.Task.Pid)))
	fields := strings.Fields(substituted)
	if len(fields) == 0 {
		return fmt.Errorf("breakpoint: empty --default-external-command after substitution")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	return cmd.Start()
}
