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

//go:build linux
// +build linux

package ebpf

import (
	"fmt"

	"github.com/containerd/cgroups"
)

// CgroupMembers lists the pids sharing pid's cgroup at the moment it's
// called, used to seed the closure set (SeedClosure) with processes that
// may have forked off the root tracee before the fork tracepoint attached.
func CgroupMembers(pid int32) ([]int32, error) {
	ctrl, err := cgroups.Load(cgroups.V1, cgroups.PidPath(int(pid)))
	if err != nil {
		return nil, fmt.Errorf("ebpf: load cgroup for pid %d: %w", pid, err)
	}
	procs, err := ctrl.Processes(cgroups.Devices, true)
	if err != nil {
		return nil, fmt.Errorf("ebpf: list cgroup members for pid %d: %w", pid, err)
	}
	pids := make([]int32, len(procs))
	for i, p := range procs {
		pids[i] = int32(p.Pid)
	}
	return pids, nil
}
