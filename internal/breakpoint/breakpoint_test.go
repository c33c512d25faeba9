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

package breakpoint

import (
	"testing"

	"github.com/kxxt/tracexec/internal/event"
	"github.com/kxxt/tracexec/internal/strcache"
)

func TestParseSysExitInFilename(t *testing.T) {
	bp, err := Parse("sysexit:in-filename:/a")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if bp.Stage != SysExit || bp.Type != InFilename || bp.Pattern != "/a" {
		t.Fatalf("parsed incorrectly: %+v", bp)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"sysexit:in-filename", "bogus-stage:in-filename:/a", "sysexit:bogus-type:/a"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("expected Parse(%q) to fail", c)
		}
	}
}

func TestMatchesInFilename(t *testing.T) {
	bp, _ := Parse("sysexit:in-filename:/a")
	cache := strcache.New()
	attempt := &event.ExecAttempt{RequestedFilename: cache.Intern("/usr/local/a/bin")}

	if !bp.Matches(SysExit, attempt) {
		t.Fatalf("expected a match")
	}
	if bp.Matches(SysEnter, attempt) {
		t.Fatalf("breakpoint configured for sysexit must not fire at sysenter")
	}
}

func TestMatchesArgvRegex(t *testing.T) {
	bp, err := Parse("sysenter:argv-regex:^--flag=")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cache := strcache.New()
	attempt := &event.ExecAttempt{Argv: []strcache.StrRef{cache.Intern("cmd"), cache.Intern("--flag=1")}}
	if !bp.Matches(SysEnter, attempt) {
		t.Fatalf("expected argv-regex to match --flag=1")
	}
}

func TestResolverReturnsFirstMatch(t *testing.T) {
	bp1, _ := Parse("sysexit:in-filename:/a")
	bp2, _ := Parse("sysexit:in-filename:/bin")
	r := NewResolver([]*Breakpoint{bp1, bp2})

	cache := strcache.New()
	attempt := &event.ExecAttempt{RequestedFilename: cache.Intern("/usr/a/bin")}
	hit := r.Evaluate(SysExit, event.TaskID{Pid: 42}, attempt)
	if hit == nil || hit.Breakpoint != bp1 {
		t.Fatalf("expected bp1 (registered first) to win, got %+v", hit)
	}
}

func TestResolverNoMatch(t *testing.T) {
	bp, _ := Parse("sysexit:exact-filename:/bin/sh")
	r := NewResolver([]*Breakpoint{bp})
	cache := strcache.New()
	attempt := &event.ExecAttempt{RequestedFilename: cache.Intern("/bin/bash")}
	if hit := r.Evaluate(SysExit, event.TaskID{Pid: 1}, attempt); hit != nil {
		t.Fatalf("expected no match, got %+v", hit)
	}
}
