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
	"encoding/binary"

	"github.com/kxxt/tracexec/internal/abi"
	"github.com/kxxt/tracexec/internal/event"
)

// Wire layout of one ring-buffer record, written by bpf/tracexec.bpf.c.
// Every record starts with a fixed header; the remainder is interpreted
// per Kind. This must be kept in sync with the `struct header` and
// per-kind payload structs in the probe source. The C struct is naturally
// aligned, so 4 padding bytes follow pid and 4 more end the header.
//
//	offset 0:  u32 pid
//	offset 8:  u64 event_id
//	offset 16: u32 flags
//	offset 20: u32 kind
//	offset 24: u32 sub_id
//	offset 32: payload...
const headerSize = 32

func decodeFragment(raw []byte) (event.Record, bool) {
	if len(raw) < headerSize {
		return event.Record{}, false
	}
	hdr := event.FragmentHeader{
		Pid:     int32(binary.LittleEndian.Uint32(raw[0:4])),
		EventID: event.EventID(binary.LittleEndian.Uint64(raw[8:16])),
		Flags:   event.Flags(binary.LittleEndian.Uint32(raw[16:20])),
		Kind:    event.Kind(binary.LittleEndian.Uint32(raw[20:24])),
		SubID:   binary.LittleEndian.Uint32(raw[24:28]),
	}
	payload := raw[headerSize:]
	rec := event.Record{Header: hdr}

	switch hdr.Kind {
	case event.KindFilenameChunk, event.KindArgvChunk, event.KindEnvpChunk:
		rec.StringChunk = append([]byte(nil), payload...)
	case event.KindPathSegment:
		if len(payload) >= 4 {
			rec.PathOwner = int32(binary.LittleEndian.Uint32(payload[0:4]))
			rec.PathSegment = string(payload[4:])
		}
	case event.KindPathHeader:
		if len(payload) >= 8 {
			rec.PathOwner = int32(binary.LittleEndian.Uint32(payload[0:4]))
			rec.PathHeaderN = binary.LittleEndian.Uint32(payload[4:8])
		}
	case event.KindFdSnapshot:
		rec.FdSnapshot = decodeFdSnapshot(payload)
	case event.KindExecAttempt:
		// The terminating record for an exec attempt carries the syscall
		// return value and the task's comm; the rest was assembled from
		// prior fragments by internal/assembler.
		if len(payload) >= 4 {
			ret := int32(binary.LittleEndian.Uint32(payload[0:4]))
			oc := &event.Outcome{Success: ret == 0, Errno: -ret}
			if !oc.Success {
				oc.Symbol = abi.ErrnoSymbol(oc.Errno)
			}
			rec.Outcome = oc
		}
		if len(payload) >= 20 {
			rec.Comm = trimCommNUL(payload[4:20])
		}
	case event.KindFork:
		if len(payload) >= 4 {
			childPid := int32(binary.LittleEndian.Uint32(payload[0:4]))
			rec.Fork = &event.ForkEvent{
				EventID: hdr.EventID,
				Parent:  event.TaskID{Pid: hdr.Pid},
				Child:   event.TaskID{Pid: childPid},
				Tgid:    childPid,
			}
		}
	case event.KindExit:
		if len(payload) >= 1 {
			rec.Exit = &event.ExitEvent{
				EventID:      hdr.EventID,
				Task:         event.TaskID{Pid: hdr.Pid},
				IsRootTracee: payload[0] != 0,
				Tgid:         hdr.Pid,
			}
		}
	default:
		return event.Record{}, false
	}
	return rec, true
}

func decodeFdSnapshot(payload []byte) *event.FdInfo {
	if len(payload) < 32 {
		return nil
	}
	// The probe packs the word at offset 4 as open_flags<<1 | cloexec.
	packed := binary.LittleEndian.Uint32(payload[4:8])
	fd := &event.FdInfo{
		FdNumber:     event.FdNum(int32(binary.LittleEndian.Uint32(payload[0:4]))),
		Flags:        packed >> 1,
		MountID:      binary.LittleEndian.Uint64(payload[8:16]),
		Inode:        binary.LittleEndian.Uint64(payload[16:24]),
		FilePosition: int64(binary.LittleEndian.Uint64(payload[24:32])),
	}
	fd.CloseOnExec = packed&1 != 0
	if len(payload) >= 36 {
		fd.FSType = abi.FSTypeName(binary.LittleEndian.Uint32(payload[32:36]))
	}
	return fd
}

// trimCommNUL trims a fixed-size comm buffer at its first NUL byte, the
// shape bpf_get_current_comm fills (always NUL-terminated, zero-padded).
func trimCommNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
