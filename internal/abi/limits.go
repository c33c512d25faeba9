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

package abi

// Bounded-loop caps shared by both backends. The eBPF backend needs these
// as compile-time constants so the verifier can prove every loop
// terminates; the ptrace backend uses the same numbers so the two
// backends behave identically at the boundary.
const (
	// ArgcMax is the largest number of argv/envp entries read per exec
	// attempt. Reading this many entries without reaching the NULL
	// terminator sets TOO_MANY_ITEMS; one fewer does not.
	ArgcMax = 4096

	// NameMax mirrors the kernel's NAME_MAX: the largest single path
	// component.
	NameMax = 255

	// PathDepthMax bounds how many path segments are walked when
	// reconstructing an absolute path from a dentry/mount chain.
	PathDepthMax = 128

	// BitsPerLong is the machine word size used to stride the open_fds
	// bitmap.
	BitsPerLong = 64

	// FDSetSizeMax bounds the number of words read out of a task's
	// open_fds/close_on_exec bitmaps.
	FDSetSizeMax = 1024 // covers fd numbers up to BitsPerLong*FDSetSizeMax

	// StringChunkMax is the largest number of bytes copied into a single
	// StringChunk fragment (eBPF) or read in one process-memory read
	// (ptrace) before a string is truncated.
	StringChunkMax = 4096
)
