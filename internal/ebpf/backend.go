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

// Package ebpf loads the kernel-side exec/fork/exit probes, attaches them
// as tracepoints, and drains their ring buffer into a stream of
// event.Record fragments for internal/assembler to reassemble. The
// loader shape (ebpf.CollectionSpec -> Collection -> ringbuf.Reader,
// closed in reverse in Close) follows the idiomatic cilium/ebpf tracer
// pattern used across the ecosystem for exec tracing.
package ebpf

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/kxxt/tracexec/internal/event"
)

// Config configures the eBPF backend.
type Config struct {
	// ObjectPath is the path to the compiled probe object (tracexec.bpf.o),
	// built from bpf/tracexec.bpf.c out of tree and shipped alongside the
	// binary; unlike bpf2go-embedded probes, a path lets operators rebuild
	// the probe for a kernel range (§9 open question) without relinking
	// the Go binary.
	ObjectPath string
	// TargetPid and TargetPidns pin the closure-set scoping (§4.7).
	TargetPid   int32
	TargetPidns uint64
	// SystemWide traces every task, bypassing the closure set.
	SystemWide bool
}

// Backend is the eBPF tracing backend.
type Backend struct {
	cfg     Config
	coll    *ebpf.Collection
	links   []link.Link
	rb      *ringbuf.Reader
	records chan event.Record
	warnCh  chan error
}

// New loads the probe object and attaches its programs. The returned
// Backend must be closed to release kernel resources (ring buffer map,
// tracepoint links, loaded programs).
func New(cfg Config) (*Backend, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("ebpf: remove memlock rlimit: %w", err)
	}

	f, err := os.Open(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("ebpf: open probe object %s: %w", cfg.ObjectPath, err)
	}
	defer f.Close()

	spec, err := ebpf.LoadCollectionSpecFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("ebpf: parse probe object: %w", err)
	}

	b := &Backend{cfg: cfg, records: make(chan event.Record, 8192), warnCh: make(chan error, 16)}
	if cfg.SystemWide {
		if m, ok := spec.Maps["config_map"]; ok {
			_ = m // system_wide flag written into config_map after load, below
		}
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("ebpf: instantiate collection: %w", err)
	}
	b.coll = coll

	if err := b.pinScopeConfig(); err != nil {
		b.Close()
		return nil, err
	}
	// The target itself starts the closure set; on_fork extends it.
	if !cfg.SystemWide && cfg.TargetPid != 0 {
		if err := b.SeedClosure([]int32{cfg.TargetPid}); err != nil {
			b.Close()
			return nil, err
		}
	}

	attachments := []struct {
		group, name string
		prog        string
	}{
		{"syscalls", "sys_enter_execve", "enter_execve"},
		{"syscalls", "sys_exit_execve", "exit_execve"},
		{"syscalls", "sys_enter_execveat", "enter_execveat"},
		{"syscalls", "sys_exit_execveat", "exit_execveat"},
		{"sched", "sched_process_fork", "on_fork"},
		{"sched", "sched_process_exit", "on_exit"},
	}
	for _, a := range attachments {
		prog, ok := coll.Programs[a.prog]
		if !ok {
			continue // probe object built for a narrower kernel range (§9)
		}
		l, err := link.Tracepoint(a.group, a.name, prog, nil)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("ebpf: attach %s/%s: %w", a.group, a.name, err)
		}
		b.links = append(b.links, l)
	}

	ringMap, ok := coll.Maps["events"]
	if !ok {
		b.Close()
		return nil, fmt.Errorf("ebpf: probe object has no %q ring buffer map", "events")
	}
	rb, err := ringbuf.NewReader(ringMap)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("ebpf: open ring buffer reader: %w", err)
	}
	b.rb = rb

	return b, nil
}

// pinScopeConfig writes TargetPid/TargetPidns/SystemWide into the probe's
// read-only config map (§4.7: "pins {target_pid_in_its_pidns,
// target_pidns_inode} into a read-only config").
func (b *Backend) pinScopeConfig() error {
	m, ok := b.coll.Maps["config_map"]
	if !ok {
		return nil
	}
	// Padded to match the naturally aligned C struct scope_config.
	type cfgT struct {
		TargetPid   uint32
		_           [4]byte
		TargetPidns uint64
		SystemWide  uint8
		_           [7]byte
	}
	sw := uint8(0)
	if b.cfg.SystemWide {
		sw = 1
	}
	val := cfgT{TargetPid: uint32(b.cfg.TargetPid), TargetPidns: b.cfg.TargetPidns, SystemWide: sw}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, val); err != nil {
		return err
	}
	var key uint32
	return m.Put(key, buf.Bytes())
}

// SeedClosure pre-populates the in-kernel closure_set map with pids that
// already belong to the tracee's cgroup at attach time, closing the race
// window between spawning the root tracee and the fork tracepoint
// attaching: any of those pids that re-exec before the probe is live would
// otherwise never be recognized as in-scope (§4.7).
func (b *Backend) SeedClosure(pids []int32) error {
	m, ok := b.coll.Maps["closure_set"]
	if !ok {
		return nil
	}
	var one uint8 = 1
	for _, pid := range pids {
		tgid := uint32(pid)
		if err := m.Put(tgid, one); err != nil {
			return fmt.Errorf("ebpf: seed closure set for tgid %d: %w", tgid, err)
		}
	}
	return nil
}

// Records returns the channel of raw fragments; the session's assembler
// stage consumes it.
func (b *Backend) Records() <-chan event.Record { return b.records }

// Warnings mirrors the ptrace backend's recoverable-downgrade channel;
// kept for symmetry even though most eBPF setup failures are fatal.
func (b *Backend) Warnings() <-chan error { return b.warnCh }

// Run drains the ring buffer until ctx is cancelled or the reader is
// closed. Sends on the records channel never block: when it is full the
// record is dropped and RingbufOverflow is set on the next record that is
// delivered, so a slow consumer never stalls probe delivery.
func (b *Backend) Run(ctx context.Context) error {
	defer close(b.records)
	go func() {
		<-ctx.Done()
		b.rb.Close()
	}()
	overflow := false
	for {
		record, err := b.rb.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &event.TracerCrashed{Reason: "ring buffer read failed", Cause: err}
		}
		rec, ok := decodeFragment(record.RawSample)
		if !ok {
			continue
		}
		if overflow {
			rec.Header.Flags |= event.RingbufOverflow
		}
		select {
		case b.records <- rec:
			overflow = false
		default:
			overflow = true
		}
	}
}

// Close releases the collection, links, and ring-buffer reader, in reverse
// acquisition order, collecting (not stopping at) the first error.
func (b *Backend) Close() error {
	var firstErr error
	if b.rb != nil {
		if err := b.rb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(b.links) - 1; i >= 0; i-- {
		if err := b.links[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.coll != nil {
		b.coll.Close()
	}
	return firstErr
}
