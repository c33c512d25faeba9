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
	"flag"
	"reflect"
	"testing"

	"github.com/kxxt/tracexec/internal/config"
	"github.com/kxxt/tracexec/internal/output"
)

func TestApplyProfileFlagsWin(t *testing.T) {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	sf := &sharedFlags{}
	sf.register(fs)
	if err := fs.Parse([]string{"-max-events", "10"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	profile := config.Default()
	profile.Modifier.MaxEvents = 999
	profile.Modifier.SuccessfulOnly = true

	sf.applyProfile(fs, profile)

	if sf.maxEvents != 10 {
		t.Errorf("explicit flag overridden by profile: maxEvents = %d, want 10", sf.maxEvents)
	}
	if !sf.successfulOnly {
		t.Errorf("unset flag not filled in from profile: successfulOnly = false, want true")
	}
}

func TestApplyProfileFillsUnsetFlags(t *testing.T) {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	sf := &sharedFlags{}
	sf.register(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}

	profile := config.Default()
	profile.Ptrace.SeccompBPF = config.SeccompOff
	profile.Debugger.Breakpoints = []string{"sysexit:in-filename:/a"}

	sf.applyProfile(fs, profile)

	if sf.seccompBPF != "off" {
		t.Errorf("seccompBPF = %q, want off", sf.seccompBPF)
	}
	if !reflect.DeepEqual([]string(sf.breakpointSpecs), []string{"sysexit:in-filename:/a"}) {
		t.Errorf("breakpointSpecs = %v, want one entry from profile", sf.breakpointSpecs)
	}
}

func TestDiffStrings(t *testing.T) {
	prev := []string{"PATH=/bin", "HOME=/root"}
	cur := []string{"PATH=/bin", "HOME=/root", "FOO=bar"}
	got := diffStrings(prev, cur)
	if !reflect.DeepEqual(got, []string{"FOO=bar"}) {
		t.Errorf("diffStrings = %v, want [FOO=bar]", got)
	}
}

func TestDiffFdsChangedPath(t *testing.T) {
	prev := []output.FdJSON{{Fd: 0, Path: "/dev/tty"}, {Fd: 3, Path: "/tmp/a"}}
	cur := []output.FdJSON{{Fd: 0, Path: "/dev/tty"}, {Fd: 3, Path: "/tmp/b"}, {Fd: 7, Path: "/dev/null"}}

	got := diffFds(prev, cur)
	if len(got) != 2 {
		t.Fatalf("diffFds returned %d entries, want 2 (changed fd 3, new fd 7): %+v", len(got), got)
	}
}
