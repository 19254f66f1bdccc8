// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package remotetest provides an in-memory process image for tests. An image
// implements remote.Handle and can also stand in for the procfs scanner, it
// reports its allocations as mappings and a settable list of threads.
package remotetest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/procfs"

	"github.com/parca-dev/rbprof/pkg/process"
	"github.com/parca-dev/rbprof/pkg/remote"
)

const (
	baseAddress = 0x10000
	pageSize    = 4096
)

type segment struct {
	start uint64
	data  []byte
}

func (s segment) end() uint64 {
	return s.start + uint64(len(s.data))
}

// Image is a synthetic address space. Memory is organised as segments that
// are allocated with Alloc, reads must fall entirely within one segment.
type Image struct {
	pid int

	mtx      sync.Mutex
	segments []segment
	next     uint64
	faults   map[uint64]int
	gone     bool
	paused   bool
	pauses   int
	resumes  int
	closed   bool
	onPause  func()
	readHook func(addr uint64)
	threads  []process.Thread
	scans    int
}

func NewImage(pid int) *Image {
	return &Image{
		pid:    pid,
		next:   baseAddress,
		faults: map[uint64]int{},
	}
}

// Alloc reserves at least size zeroed bytes and returns their address. Like
// real mappings, allocations are page granular, and every allocation is
// followed by an unmapped guard page.
func (m *Image) Alloc(size int) uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	mapped := (size + pageSize - 1) &^ (pageSize - 1)
	if mapped == 0 {
		mapped = pageSize
	}
	addr := m.next
	m.segments = append(m.segments, segment{start: addr, data: make([]byte, mapped)})
	m.next = addr + uint64(mapped) + pageSize
	return addr
}

// Write copies data into previously allocated memory.
func (m *Image) Write(addr uint64, data []byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s, ok := m.find(addr, len(data))
	if !ok {
		panic(fmt.Sprintf("remotetest: write of %d bytes at 0x%x outside any segment", len(data), addr))
	}
	copy(s.data[addr-s.start:], data)
}

func (m *Image) PutUint64(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.Write(addr, buf[:])
}

func (m *Image) PutUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.Write(addr, buf[:])
}

// FailReads makes the next n reads touching addr fail with a read fault.
func (m *Image) FailReads(addr uint64, n int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.faults[addr] = n
}

// Exit marks the process as gone. Every later read fails with
// remote.ErrProcessGone.
func (m *Image) Exit() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.gone = true
}

// OnPause registers a function that runs every time the image is paused.
func (m *Image) OnPause(fn func()) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.onPause = fn
}

// OnRead registers a function that runs before every read.
func (m *Image) OnRead(fn func(addr uint64)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.readHook = fn
}

// Counts returns how often the image was paused and resumed.
func (m *Image) Counts() (pauses, resumes int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.pauses, m.resumes
}

// Paused reports whether the image is currently paused.
func (m *Image) Paused() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.paused
}

func (m *Image) Closed() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.closed
}

func (m *Image) find(addr uint64, n int) (segment, bool) {
	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].end() > addr
	})
	if i == len(m.segments) {
		return segment{}, false
	}
	s := m.segments[i]
	if addr < s.start || addr+uint64(n) > s.end() {
		return segment{}, false
	}
	return s, true
}

func (m *Image) PID() int {
	return m.pid
}

func (m *Image) Read(addr uint64, buf []byte) error {
	m.mtx.Lock()
	hook := m.readHook
	m.mtx.Unlock()
	if hook != nil {
		hook(addr)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.gone {
		return fmt.Errorf("read 0x%x: %w", addr, remote.ErrProcessGone)
	}
	for faultAddr, n := range m.faults {
		if n > 0 && faultAddr >= addr && faultAddr < addr+uint64(len(buf)) {
			m.faults[faultAddr] = n - 1
			return fmt.Errorf("read 0x%x: %w", addr, remote.ErrReadFault)
		}
	}
	s, ok := m.find(addr, len(buf))
	if !ok {
		return fmt.Errorf("read %d bytes at 0x%x: %w", len(buf), addr, remote.ErrReadFault)
	}
	copy(buf, s.data[addr-s.start:])
	return nil
}

func (m *Image) Pause() error {
	m.mtx.Lock()
	if m.gone {
		m.mtx.Unlock()
		return fmt.Errorf("pause: %w", remote.ErrProcessGone)
	}
	m.paused = true
	m.pauses++
	fn := m.onPause
	m.mtx.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (m *Image) Resume() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.paused = false
	m.resumes++
	return nil
}

func (m *Image) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.paused = false
	m.closed = true
	return nil
}

// Contains reports whether addr is inside an allocation.
func (m *Image) Contains(addr uint64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.find(addr, 1)
	return ok
}

// SetThreads replaces the threads reported by Threads.
func (m *Image) SetThreads(threads ...process.Thread) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.threads = append([]process.Thread(nil), threads...)
}

// SetThreadStates sets one thread per state, with thread ids counting up
// from the pid.
func (m *Image) SetThreadStates(states ...string) {
	threads := make([]process.Thread, 0, len(states))
	for i, s := range states {
		threads = append(threads, process.Thread{TID: m.pid + i, State: s})
	}
	m.SetThreads(threads...)
}

func (m *Image) Threads(int) ([]process.Thread, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.gone {
		return nil, fmt.Errorf("threads: %w", remote.ErrProcessGone)
	}
	if len(m.threads) == 0 {
		return []process.Thread{{TID: m.pid, State: "R"}}, nil
	}
	return append([]process.Thread(nil), m.threads...), nil
}

// Scan reports every allocation as an anonymous read-write mapping.
func (m *Image) Scan(int) (process.Regions, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.gone {
		return nil, fmt.Errorf("scan: %w", remote.ErrProcessGone)
	}
	m.scans++
	regions := make(process.Regions, 0, len(m.segments))
	for _, s := range m.segments {
		regions = append(regions, process.Region{
			Start: s.start,
			End:   s.end(),
			Perms: procfs.ProcMapPermissions{Read: true, Write: true, Private: true},
		})
	}
	return regions, nil
}

// Scans returns how often the address space was scanned.
func (m *Image) Scans() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.scans
}
