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

// Package config loads the TOML profile (sections [ptrace], [debugger],
// [modifier], [tui], [log]) and registers the CLI flags that mirror its
// keys 1:1, following the same profile-then-flag-override layering the
// teacher's runsc/config package uses for its own TOML-adjacent OCI
// annotations, adapted here to a real BurntSushi/toml profile file instead
// of flag-parsed annotations.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Color controls ANSI color usage in textual output.
type Color string

const (
	ColorAuto   Color = "auto"
	ColorAlways Color = "always"
	ColorNever  Color = "never"
)

// SeccompMode controls whether the ptrace backend installs the seccomp
// accelerator.
type SeccompMode string

const (
	SeccompAuto SeccompMode = "auto"
	SeccompOn   SeccompMode = "on"
	SeccompOff  SeccompMode = "off"
)

// PtraceProfile is the [ptrace] TOML section.
type PtraceProfile struct {
	SeccompBPF      SeccompMode `toml:"seccomp_bpf"`
	PollingInterval int64       `toml:"polling_interval_us"` // negative = block
	FollowFork      bool        `toml:"follow_fork"`
}

// DebuggerProfile is the [debugger] TOML section: breakpoint defaults.
type DebuggerProfile struct {
	Breakpoints            []string `toml:"breakpoints"` // "<stage>:<type>:<pattern>"
	DefaultExternalCommand string   `toml:"default_external_command"`
	TerminateOnExit        bool     `toml:"terminate_on_exit"`
	KillOnExit             bool     `toml:"kill_on_exit"`
}

// ModifierProfile is the [modifier] TOML section: output-shaping toggles
// shared by log/tui/collect.
type ModifierProfile struct {
	SuccessfulOnly     bool     `toml:"successful_only"`
	ResolveProcSelfExe bool     `toml:"resolve_proc_self_exe"`
	MaxEvents          int      `toml:"max_events"`
	Filter             []string `toml:"filter"`
	FilterMode         string   `toml:"filter_mode"` // "include" | "exclude"
	ShowAllEvents      bool     `toml:"show_all_events"`
	Follow             bool     `toml:"follow"`
	HideCloexecFds     bool     `toml:"hide_cloexec_fds"`
}

// TUIProfile is the [tui] TOML section.
type TUIProfile struct {
	TTY        string `toml:"tty"`
	Layout     string `toml:"layout"` // "horizontal" | "vertical"
	ActivePane string `toml:"active_pane"`
	FrameRate  int    `toml:"frame_rate"`
}

// LogProfile is the [log] TOML section.
type LogProfile struct {
	ShowCmdline           bool   `toml:"show_cmdline"`
	ShowInterpreter       bool   `toml:"show_interpreter"`
	ShowCwd               bool   `toml:"show_cwd"`
	ShowArgv              bool   `toml:"show_argv"`
	DiffEnv               bool   `toml:"diff_env"`
	DiffFd                bool   `toml:"diff_fd"`
	Timestamp             bool   `toml:"timestamp"`
	InlineTimestampFormat string `toml:"inline_timestamp_format"`
	Output                string `toml:"output"`
}

// Profile is the full TOML-loaded configuration; CLI flags take
// precedence over any value it sets, per the spec's "recognized keys
// mirror CLI flags 1:1" rule.
type Profile struct {
	Ptrace   PtraceProfile   `toml:"ptrace"`
	Debugger DebuggerProfile `toml:"debugger"`
	Modifier ModifierProfile `toml:"modifier"`
	TUI      TUIProfile      `toml:"tui"`
	Log      LogProfile      `toml:"log"`
}

// Default returns a Profile with the spec's documented defaults.
func Default() Profile {
	return Profile{
		Ptrace: PtraceProfile{SeccompBPF: SeccompAuto, PollingInterval: -1},
		Modifier: ModifierProfile{
			ResolveProcSelfExe: true,
			MaxEvents:          1_000_000,
		},
		TUI: TUIProfile{Layout: "horizontal", ActivePane: "events", FrameRate: 60},
	}
}

// Load reads and parses the TOML profile at path.
func Load(path string) (Profile, error) {
	p := Default()
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Profile{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return p, nil
}

// ResolvePath finds the profile file: an explicit --profile path if given,
// otherwise $XDG_CONFIG_HOME/tracexec/config.toml, falling back to
// $HOME/.config/tracexec/config.toml.
func ResolvePath(explicit string) (string, bool) {
	if explicit != "" {
		return explicit, true
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		p := filepath.Join(xdg, "tracexec", "config.toml")
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		p := filepath.Join(home, ".config", "tracexec", "config.toml")
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// DataDir returns the per-user data directory hosting the diagnostic log,
// honoring TRACEXEC_DATA before falling back to XDG's data-home
// convention.
func DataDir() string {
	if d := os.Getenv("TRACEXEC_DATA"); d != "" {
		return d
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tracexec")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "tracexec")
}
