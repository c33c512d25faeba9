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

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/kxxt/tracexec/internal/output"
)

// textRenderer is the `log` subcommand's line-oriented renderer: one line
// per event, with the display toggles from spec.md §6's log-specific flag
// group. It is the non-interactive counterpart of internal/tui's View.
type textRenderer struct {
	w               io.Writer
	hideCloexecFds  bool
	showArgv        bool
	showCwd         bool
	diffEnv         bool
	diffFd          bool
	timestamp       bool
	timestampFormat string

	// lastEnvp/lastFds hold the previous exec's env/fd snapshot per pid,
	// consulted only when -diff-env/-diff-fd narrow the rendered fields to
	// what changed since that task's prior exec.
	lastEnvp map[int32][]string
	lastFds  map[int32][]output.FdJSON
}

func (r *textRenderer) render(ev any) {
	line := output.FromAny(ev, r.hideCloexecFds)

	var b strings.Builder
	if r.timestamp && !line.Timestamp.IsZero() {
		fmt.Fprintf(&b, "[%s] ", line.Timestamp.Format(r.timestampFormat))
	}

	switch line.Variant {
	case "exec":
		status := "ok"
		if oc, ok := line.Outcome.(output.OutcomeJSON); ok {
			status = fmt.Sprintf("errno=%d (%s)", oc.Errno, oc.Symbol)
		}
		fmt.Fprintf(&b, "exec pid=%d tgid=%d comm=%s %s", line.Task.Pid, line.Task.Tgid, line.Comm, line.Filename)
		if r.showCwd {
			fmt.Fprintf(&b, " cwd=%s", line.Cwd)
		}
		if r.showArgv {
			fmt.Fprintf(&b, " argv=%v", line.Argv)
		}
		envp := line.Envp
		if r.diffEnv {
			envp = diffStrings(r.prevEnvp(line.Task.Pid), envp)
		}
		if len(envp) > 0 {
			fmt.Fprintf(&b, " env=%v", envp)
		}
		fds := line.Fds
		if r.diffFd {
			fds = diffFds(r.prevFds(line.Task.Pid), fds)
		}
		if len(fds) > 0 {
			fmt.Fprintf(&b, " fds=%v", fds)
		}
		fmt.Fprintf(&b, " (%s)", status)
		if r.diffEnv {
			r.setPrevEnvp(line.Task.Pid, line.Envp)
		}
		if r.diffFd {
			r.setPrevFds(line.Task.Pid, line.Fds)
		}
	case "fork":
		fmt.Fprintf(&b, "fork pid=%d -> pid=%d", line.Task.Pid, line.ChildPid)
	case "exit":
		root := ""
		if line.IsRootTracee {
			root = " root"
		}
		fmt.Fprintf(&b, "exit pid=%d code=%d signal=%d%s", line.Task.Pid, line.ExitCode, line.Signal, root)
	}
	if len(line.Flags) > 0 {
		fmt.Fprintf(&b, " flags=%v", line.Flags)
	}
	fmt.Fprintln(r.w, b.String())
}

func (r *textRenderer) prevEnvp(pid int32) []string {
	if r.lastEnvp == nil {
		return nil
	}
	return r.lastEnvp[pid]
}

func (r *textRenderer) setPrevEnvp(pid int32, envp []string) {
	if r.lastEnvp == nil {
		r.lastEnvp = make(map[int32][]string)
	}
	r.lastEnvp[pid] = envp
}

func (r *textRenderer) prevFds(pid int32) []output.FdJSON {
	if r.lastFds == nil {
		return nil
	}
	return r.lastFds[pid]
}

func (r *textRenderer) setPrevFds(pid int32, fds []output.FdJSON) {
	if r.lastFds == nil {
		r.lastFds = make(map[int32][]output.FdJSON)
	}
	r.lastFds[pid] = fds
}

// diffStrings returns the elements of cur not present in prev, preserving
// cur's order; used for -diff-env so a log reader sees only what this
// exec changed relative to the task's previous one.
func diffStrings(prev, cur []string) []string {
	seen := make(map[string]bool, len(prev))
	for _, s := range prev {
		seen[s] = true
	}
	var out []string
	for _, s := range cur {
		if !seen[s] {
			out = append(out, s)
		}
	}
	return out
}

// diffFds returns the elements of cur whose fd number did not appear (with
// the same path) in prev.
func diffFds(prev, cur []output.FdJSON) []output.FdJSON {
	seen := make(map[int32]string, len(prev))
	for _, f := range prev {
		seen[f.Fd] = f.Path
	}
	var out []output.FdJSON
	for _, f := range cur {
		if p, ok := seen[f.Fd]; !ok || p != f.Path {
			out = append(out, f)
		}
	}
	return out
}
