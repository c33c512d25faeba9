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

// Package cli registers tracexec's subcommands (log, tui, collect, the
// ebpf-backed variants of each, and generate-completions) with
// google/subcommands, the same registration idiom the teacher's own
// runsc/cli package uses. Flags are defined directly against the standard
// library's *flag.FlagSet, since the teacher's own runsc/flag wrapper
// around it was not part of the retrieved sources this module was built
// from; subcommands.Command.SetFlags expects exactly that stdlib type
// regardless.
package cli

import (
	"flag"
	"strings"

	"github.com/kxxt/tracexec/internal/config"
	"github.com/kxxt/tracexec/internal/event"
	"github.com/kxxt/tracexec/internal/session"
)

// kindNames maps the -filter flag's accepted tokens onto event.Kind. Only
// the three kinds the session bus ever publishes are accepted; fragment
// kinds are an eBPF-internal assembly detail and never reach a filter.
var kindNames = map[string]event.Kind{
	"exec": event.KindExecAttempt,
	"fork": event.KindFork,
	"exit": event.KindExit,
}

// sharedFlags are the flags common to log/tui/collect and their
// ebpf-backed counterparts, mirroring the profile's keys 1:1 per the
// configuration section of the specification.
type sharedFlags struct {
	color                 string
	cwd                   string
	user                  string
	profilePath           string
	noProfile             bool
	seccompBPF            string
	successfulOnly        bool
	resolveProcSelfExe    bool
	pollingIntervalUs     int64
	maxEvents             int
	filterSpecs           stringList
	filterMode            string
	showAllEvents         bool
	follow                bool
	timestamp             bool
	inlineTimestampFormat string
	hideCloexecFds        bool
	followFork            bool
	breakpointSpecs       stringList
	defaultExternalCmd    string
	terminateOnExit       bool
	killOnExit            bool
}

// stringList accumulates repeated occurrences of a flag (e.g. multiple
// --filter or --add-breakpoint) into a slice, the same repeated-flag
// idiom flag.Value enables for any one-value-per-occurrence option.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (sf *sharedFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&sf.color, "color", "auto", "accepted values: auto, always, never; output is not colorized in any mode")
	fs.StringVar(&sf.cwd, "cwd", "", "working directory for the spawned root tracee")
	fs.StringVar(&sf.cwd, "C", "", "shorthand for -cwd")
	fs.StringVar(&sf.user, "user", "", "run the root tracee as this user (name or uid[:gid])")
	fs.StringVar(&sf.user, "u", "", "shorthand for -user")
	fs.StringVar(&sf.profilePath, "profile", "", "path to a TOML configuration profile")
	fs.BoolVar(&sf.noProfile, "no-profile", false, "ignore any discovered configuration profile")
	fs.StringVar(&sf.seccompBPF, "seccomp-bpf", "auto", "seccomp-BPF accelerator: auto, on, off (ptrace backend only)")
	fs.BoolVar(&sf.successfulOnly, "successful-only", false, "only report exec attempts that succeeded")
	fs.BoolVar(&sf.resolveProcSelfExe, "resolve-proc-self-exe", true, "accepted for profile compatibility; filenames are reported as the tracee passed them")
	fs.Int64Var(&sf.pollingIntervalUs, "polling-interval", -1, "ptrace poll interval in microseconds; zero or negative blocks in wait4")
	fs.IntVar(&sf.maxEvents, "max-events", 1_000_000, "cap on retained events for late-attaching consumers")
	fs.Var(&sf.filterSpecs, "filter", "event kind to include/exclude (repeatable)")
	fs.StringVar(&sf.filterMode, "filter-mode", "include", "interpret -filter as include or exclude")
	fs.BoolVar(&sf.showAllEvents, "show-all-events", false, "accepted for profile compatibility; fork and exit events are always included")
	fs.BoolVar(&sf.follow, "follow", false, "trace the whole process tree, not just the root tracee")
	fs.BoolVar(&sf.timestamp, "timestamp", false, "include a timestamp on every rendered event")
	fs.StringVar(&sf.inlineTimestampFormat, "inline-timestamp-format", "15:04:05.000", "Go reference-time layout for -timestamp")
	fs.BoolVar(&sf.hideCloexecFds, "hide-cloexec-fds", false, "omit close-on-exec file descriptors from fd snapshots")
	fs.Var(&sf.breakpointSpecs, "add-breakpoint", "<sysenter|sysexit>:<argv-regex|in-filename|exact-filename>:<pattern> (repeatable)")
	fs.StringVar(&sf.defaultExternalCmd, "default-external-command", "", "command run on detach-and-run breakpoint actions, {{PID}} substituted")
	fs.BoolVar(&sf.terminateOnExit, "terminate-on-exit", false, "SIGTERM the root tracee's process group once every consumer detaches")
	fs.BoolVar(&sf.killOnExit, "kill-on-exit", false, "SIGKILL the root tracee's process group once every consumer detaches")
}

// follow aliases -follow onto the ptrace/eBPF Config.FollowFork knob.
func (sf *sharedFlags) followForkEnabled() bool { return sf.follow }

// resolveProfile loads the TOML profile (unless -no-profile), falling back
// to config.Default() when none is found or it fails to load. Layering the
// explicitly-set flags over it is left to applyProfile.
func (sf *sharedFlags) resolveProfile() config.Profile {
	if sf.noProfile {
		return config.Default()
	}
	path, found := config.ResolvePath(sf.profilePath)
	if !found {
		return config.Default()
	}
	p, err := config.Load(path)
	if err != nil {
		return config.Default()
	}
	return p
}

// sessionFilter builds a session.Filter from the parsed -filter/-filter-mode
// flags plus -successful-only. Unknown kind tokens are ignored rather than
// rejected, so a filter spec written for a newer tracexec still degrades
// gracefully on an older binary.
func (sf *sharedFlags) sessionFilter() session.Filter {
	f := session.Filter{SuccessfulOnly: sf.successfulOnly, FollowFork: sf.followForkEnabled()}
	if len(sf.filterSpecs) == 0 {
		return f
	}
	set := make(map[event.Kind]bool, len(sf.filterSpecs))
	for _, name := range sf.filterSpecs {
		if k, ok := kindNames[name]; ok {
			set[k] = true
		}
	}
	if sf.filterMode == "exclude" {
		f.ExcludeKinds = set
	} else {
		f.IncludeKinds = set
	}
	return f
}
