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

// Package tui renders a live-scrolling event pane directly to the
// controlling terminal, putting it into raw mode the same way the
// teacher's own console-attach path does for a sandboxed tracee's
// terminal, so arrow keys reach tracexec itself instead of being
// line-buffered by the tty driver.
package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/containerd/console"

	"github.com/kxxt/tracexec/internal/output"
)

// Pane identifies which half of the split view a line belongs to, per the
// horizontal/vertical layout choice in the [tui] profile.
type Pane int

const (
	PaneEvents Pane = iota
	PaneDetail
)

// View renders assembled events as they arrive, one line per event. No
// detail pane is drawn; the selected event is tracked but not displayed.
type View struct {
	out            io.Writer
	con            console.Console
	hideCloexecFds bool
	timestamp      bool
	ptyMaster      *os.File // non-nil only when --tty allocated a dedicated pty

	mu       sync.Mutex
	selected any
}

// Open puts the process's controlling terminal into raw mode and returns a
// View bound to it. Callers must call Close to restore cooked mode even on
// an error return from Run. ptyMaster, if non-nil, is the master end of a
// pty allocated for the traced command's own stdio (--tty); Run pumps its
// output into the terminal pane alongside the event stream.
func Open(hideCloexecFds, timestamp bool, ptyMaster *os.File) (*View, error) {
	con := console.Current()
	if err := con.SetRaw(); err != nil {
		return nil, fmt.Errorf("tui: set raw mode: %w", err)
	}
	return &View{out: os.Stdout, con: con, hideCloexecFds: hideCloexecFds, timestamp: timestamp, ptyMaster: ptyMaster}, nil
}

// Close restores the terminal to cooked mode.
func (v *View) Close() error {
	return v.con.Reset()
}

// Run drains consumer, rendering each event to the events pane until ctx
// is cancelled or the channel closes. It is line-oriented rather than a
// full cell-addressed layout: raw mode here only buys responsive
// single-keystroke input handling for the breakpoint-resolution prompt,
// not alternate-screen cell painting.
func (v *View) Run(ctx context.Context, consumer <-chan any, hits <-chan ResolveRequest) error {
	if v.ptyMaster != nil {
		go v.pumpTTY(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-consumer:
			if !ok {
				return nil
			}
			v.renderEvent(ev)
		case req, ok := <-hits:
			if !ok {
				hits = nil
				continue
			}
			v.renderBreakpointPrompt(req)
		}
	}
}

// pumpTTY copies the traced command's own terminal output (the pty master
// end) into the view's output stream until ptyMaster hits EOF, which
// happens once the slave side closes on the traced command's exit.
func (v *View) pumpTTY(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := v.ptyMaster.Read(buf)
		if n > 0 {
			v.mu.Lock()
			v.out.Write(buf[:n])
			v.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// ResolveRequest is what the TUI shows a user when a breakpoint stops a
// task, and collects their chosen action for the caller to apply via the
// ptrace backend's Resolve.
type ResolveRequest struct {
	Pid     int32
	Pattern string
}

func (v *View) renderEvent(ev any) {
	line := output.FromAny(ev, v.hideCloexecFds)
	v.mu.Lock()
	v.selected = ev
	v.mu.Unlock()

	switch line.Variant {
	case "exec":
		status := "ok"
		if oc, ok := line.Outcome.(output.OutcomeJSON); ok {
			status = fmt.Sprintf("errno=%d (%s)", oc.Errno, oc.Symbol)
		}
		fmt.Fprintf(v.out, "\r\n[exec] pid=%d comm=%s %s %s (%s)", line.Task.Pid, line.Comm, line.Filename, line.Argv, status)
	case "fork":
		fmt.Fprintf(v.out, "\r\n[fork] pid=%d -> pid=%d", line.Task.Pid, line.ChildPid)
	case "exit":
		root := ""
		if line.IsRootTracee {
			root = " (root tracee)"
		}
		fmt.Fprintf(v.out, "\r\n[exit] pid=%d code=%d signal=%d%s", line.Task.Pid, line.ExitCode, line.Signal, root)
	}
	if len(line.Flags) > 0 {
		fmt.Fprintf(v.out, " flags=%v", line.Flags)
	}
}

func (v *View) renderBreakpointPrompt(req ResolveRequest) {
	fmt.Fprintf(v.out, "\r\n[breakpoint] pid=%d matched %q — (r)esume, (d)etach, detach-and-(x)ecute? ", req.Pid, req.Pattern)
}
