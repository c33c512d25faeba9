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

package event

import "fmt"

// Downgrade is surfaced through the event bus as a warning when a
// recoverable setup failure forces a feature off (e.g. the seccomp
// accelerator is incompatible with --user).
type Downgrade struct {
	Feature string
	Reason  string
}

func (d *Downgrade) Error() string {
	return fmt.Sprintf("%s disabled: %s", d.Feature, d.Reason)
}

// TracerCrashed is the single, fatal, non-recoverable failure signal. Once
// raised the session is torn down and a non-zero exit code propagates.
type TracerCrashed struct {
	Reason string
	Cause  error
}

func (t *TracerCrashed) Error() string {
	if t.Cause != nil {
		return fmt.Sprintf("tracer crashed: %s: %v", t.Reason, t.Cause)
	}
	return fmt.Sprintf("tracer crashed: %s", t.Reason)
}

func (t *TracerCrashed) Unwrap() error { return t.Cause }
