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
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kxxt/tracexec/internal/assembler"
	"github.com/kxxt/tracexec/internal/breakpoint"
	"github.com/kxxt/tracexec/internal/ebpf"
	"github.com/kxxt/tracexec/internal/ptrace"
	"github.com/kxxt/tracexec/internal/session"
	"github.com/kxxt/tracexec/internal/state"
	"github.com/kxxt/tracexec/internal/strcache"
)

// trace is a running trace: the session plus enough of the underlying
// backend to implement exit discipline and (ptrace only) breakpoint
// resolution.
type trace struct {
	sess    *session.Session
	rootPid int32
	closer  func() error
	// backend is the concrete ptrace.Backend or ebpf.Backend, kept as
	// `any` so callers that only need session.Session stay decoupled; the
	// tui command type-asserts it down to ptraceResolver for breakpoints.
	backend any
}

// startTrace parses sf's breakpoint specs, constructs the selected
// backend, spawns argv as the root tracee, and wraps everything in a
// session.Session. backendKind is "ptrace" or "ebpf".
func startTrace(ctx context.Context, sf *sharedFlags, backendKind string, argv []string, tty *os.File) (*trace, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("cli: no command given to trace")
	}

	var bps []*breakpoint.Breakpoint
	for _, spec := range sf.breakpointSpecs {
		bp, err := breakpoint.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("cli: %w", err)
		}
		bps = append(bps, bp)
	}

	exitHandling := session.ExitWait
	switch {
	case sf.killOnExit:
		exitHandling = session.ExitKill
	case sf.terminateOnExit:
		exitHandling = session.ExitTerminate
	}

	switch backendKind {
	case "ptrace":
		cache := strcache.New()
		table := state.New()
		backend := ptrace.New(ptrace.Config{
			Seccomp:         sf.seccompBPF,
			PollingInterval: time.Duration(sf.pollingIntervalUs) * time.Microsecond,
			FollowFork:      sf.followForkEnabled(),
			Breakpoints:     bps,
		}, cache, table)

		uid, gid := parseUser(sf.user)
		if err := backend.Spawn(ctx, argv[0], argv[1:], sf.cwd, uid, gid, tty); err != nil {
			return nil, fmt.Errorf("cli: %w", err)
		}

		sess := session.New(session.Config{
			Filter:             sf.sessionFilter(),
			MaxEvents:          sf.maxEvents,
			ExitHandling:       exitHandling,
			TerminateSignalFn:  func(pid int32) error { return unix.Kill(-int(pid), unix.SIGTERM) },
			KillSignalFn:       func(pid int32) error { return unix.Kill(-int(pid), unix.SIGKILL) },
		}, backend.Events(), backend, nil, 0)

		return &trace{sess: sess, closer: backend.Close, backend: backend}, nil

	case "ebpf":
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = sf.cwd
		if tty != nil {
			cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
			cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true, Setctty: true}
		} else {
			cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		}
		if uid, gid := parseUser(sf.user); uid != nil || gid != nil {
			cred := &unix.Credential{}
			if uid != nil {
				cred.Uid = *uid
			}
			if gid != nil {
				cred.Gid = *gid
			}
			if cmd.SysProcAttr == nil {
				cmd.SysProcAttr = &unix.SysProcAttr{}
			}
			cmd.SysProcAttr.Credential = cred
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("cli: spawn %s: %w", argv[0], err)
		}

		backend, err := ebpf.New(ebpf.Config{
			ObjectPath: objectPathFromEnv(),
			TargetPid:  int32(cmd.Process.Pid),
		})
		if err != nil {
			return nil, fmt.Errorf("cli: %w", err)
		}

		if sf.followForkEnabled() {
			if members, err := ebpf.CgroupMembers(int32(cmd.Process.Pid)); err == nil {
				if err := backend.SeedClosure(members); err != nil {
					fmt.Fprintf(os.Stderr, "tracexec: seed cgroup closure: %v\n", err)
				}
			}
		}

		asm := assembler.New(strcache.New())
		sess := session.New(session.Config{
			Filter:            sf.sessionFilter(),
			MaxEvents:         sf.maxEvents,
			ExitHandling:      exitHandling,
			TerminateSignalFn: func(pid int32) error { return unix.Kill(-int(pid), unix.SIGTERM) },
			KillSignalFn:      func(pid int32) error { return unix.Kill(-int(pid), unix.SIGKILL) },
		}, backend.Records(), backend, asm, int32(cmd.Process.Pid))

		return &trace{sess: sess, rootPid: int32(cmd.Process.Pid), closer: backend.Close, backend: backend}, nil

	default:
		return nil, fmt.Errorf("cli: unknown backend %q", backendKind)
	}
}

// objectPathFromEnv finds the compiled eBPF object: TRACEXEC_BPF_OBJECT if
// set, else the fixed path /usr/lib/tracexec/tracexec.bpf.o.
func objectPathFromEnv() string {
	if p := os.Getenv("TRACEXEC_BPF_OBJECT"); p != "" {
		return p
	}
	return "/usr/lib/tracexec/tracexec.bpf.o"
}

// parseUser resolves -user as "uid[:gid]" or, failing that, as a user name
// looked up with os/user (taking that user's uid and primary gid).
func parseUser(spec string) (uid, gid *uint32) {
	if spec == "" {
		return nil, nil
	}
	var u, g uint32
	if n, _ := fmt.Sscanf(spec, "%d:%d", &u, &g); n == 2 {
		return &u, &g
	}
	if n, _ := fmt.Sscanf(spec, "%d", &u); n == 1 {
		return &u, nil
	}
	if pw, err := user.Lookup(spec); err == nil {
		_, uerr := fmt.Sscanf(pw.Uid, "%d", &u)
		_, gerr := fmt.Sscanf(pw.Gid, "%d", &g)
		if uerr == nil && gerr == nil {
			return &u, &g
		}
	}
	return nil, nil
}
