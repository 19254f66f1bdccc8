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

//go:build linux

package remote

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

type processHandle struct {
	fs  procfs.FS
	pid int

	// Set once process_vm_readv turned out to be unavailable.
	useProcMem bool
	procMem    *os.File

	// Threads currently stopped by Pause, with the signal that stopped them
	// when it was not our own SIGSTOP.
	stopped []stoppedThread
}

type stoppedThread struct {
	tid    int
	signal unix.Signal
}

// Open opens a handle to the process with the given pid.
func Open(pid int) (Handle, error) {
	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, errors.Join(ErrAttachFailed, fmt.Errorf("open procfs: %w", err))
	}
	return OpenFS(pfs, pid)
}

// OpenFS is like Open but uses the given procfs mount.
func OpenFS(pfs procfs.FS, pid int) (Handle, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d: %w", pid, ErrNotFound)
	}

	proc, err := pfs.Proc(pid)
	if err != nil {
		return nil, classifyOpenError(pid, err)
	}
	// Resolving the executable requires the same access rights as reading
	// memory, so it doubles as a permission check.
	exe, err := proc.Executable()
	if err != nil {
		return nil, classifyOpenError(pid, err)
	}
	if exe == "" {
		// Kernel threads and zombies have no executable.
		return nil, fmt.Errorf("process %d has no executable: %w", pid, ErrNotFound)
	}

	return &processHandle{fs: pfs, pid: pid}, nil
}

func classifyOpenError(pid int, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return errors.Join(ErrPermissionDenied, fmt.Errorf("open process %d: %w", pid, err))
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ESRCH):
		return errors.Join(ErrNotFound, fmt.Errorf("open process %d: %w", pid, err))
	default:
		return errors.Join(ErrAttachFailed, fmt.Errorf("open process %d: %w", pid, err))
	}
}

func (h *processHandle) PID() int {
	return h.pid
}

func (h *processHandle) Read(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	if !h.useProcMem {
		localIOV := []unix.Iovec{{Base: &buf[0]}}
		localIOV[0].SetLen(len(buf))
		remoteIOV := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}

		n, err := unix.ProcessVMReadv(h.pid, localIOV, remoteIOV, 0)
		switch {
		case err == nil && n == len(buf):
			return nil
		case err == nil:
			return h.fault(addr, fmt.Errorf("got only %d of %d bytes", n, len(buf)))
		case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EPERM):
			// Kernels without process_vm_readv, or with a policy that only
			// allows access through procfs.
			h.useProcMem = true
		case errors.Is(err, unix.ESRCH):
			return fmt.Errorf("read process %d at 0x%x: %w", h.pid, addr, ErrProcessGone)
		default:
			return h.fault(addr, err)
		}
	}

	return h.readProcMem(addr, buf)
}

func (h *processHandle) readProcMem(addr uint64, buf []byte) error {
	if h.procMem == nil {
		f, err := os.Open(fmt.Sprintf("/proc/%d/mem", h.pid))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("open memory of process %d: %w", h.pid, ErrProcessGone)
			}
			return h.fault(addr, err)
		}
		h.procMem = f
	}

	n, err := h.procMem.ReadAt(buf, int64(addr))
	if err != nil && !errors.Is(err, io.EOF) {
		return h.fault(addr, err)
	}
	if n != len(buf) {
		return h.fault(addr, fmt.Errorf("got only %d of %d bytes", n, len(buf)))
	}
	return nil
}

// fault classifies a failed read. A read against a process that is no longer
// alive is reported as gone, never as a plain fault.
func (h *processHandle) fault(addr uint64, err error) error {
	if !h.alive() {
		return fmt.Errorf("read process %d at 0x%x: %w", h.pid, addr, ErrProcessGone)
	}
	return fmt.Errorf("read process %d at 0x%x: %w", h.pid, addr, errors.Join(ErrReadFault, err))
}

func (h *processHandle) alive() bool {
	proc, err := h.fs.Proc(h.pid)
	if err != nil {
		return false
	}
	// An exited process loses its executable link before procfs forgets it.
	if exe, err := proc.Executable(); err == nil && exe == "" {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z" && stat.State != "X"
}

func (h *processHandle) Pause() error {
	if len(h.stopped) > 0 {
		return nil
	}

	threads, err := h.fs.AllThreads(h.pid)
	if err != nil {
		if !h.alive() {
			return fmt.Errorf("list threads of %d: %w", h.pid, ErrProcessGone)
		}
		return errors.Join(ErrAttachFailed, fmt.Errorf("list threads of %d: %w", h.pid, err))
	}

	for _, t := range threads {
		tid := t.PID
		if err := unix.PtraceAttach(tid); err != nil {
			if errors.Is(err, unix.ESRCH) {
				// The thread exited since we listed it.
				continue
			}
			h.detachAll()
			if errors.Is(err, unix.EPERM) {
				return errors.Join(ErrPermissionDenied, fmt.Errorf("ptrace attach %d: %w", tid, err))
			}
			return errors.Join(ErrAttachFailed, fmt.Errorf("ptrace attach %d: %w", tid, err))
		}

		// Per ptrace API the stop happens asynchronously and needs to be
		// waited for.
		var status unix.WaitStatus
		if _, err := unix.Wait4(tid, &status, unix.WALL, nil); err != nil {
			_ = unix.PtraceDetach(tid)
			h.detachAll()
			return errors.Join(ErrAttachFailed, fmt.Errorf("wait for %d: %w", tid, err))
		}
		if status.Exited() || status.Signaled() {
			continue
		}

		st := stoppedThread{tid: tid}
		if status.Stopped() && status.StopSignal() != unix.SIGSTOP {
			st.signal = status.StopSignal()
		}
		h.stopped = append(h.stopped, st)
	}

	if len(h.stopped) == 0 {
		return fmt.Errorf("pause process %d: %w", h.pid, ErrProcessGone)
	}
	return nil
}

func (h *processHandle) Resume() error {
	return h.detachAll()
}

func (h *processHandle) detachAll() error {
	var errs error
	for _, st := range h.stopped {
		if err := detach(st); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = errors.Join(errs, fmt.Errorf("ptrace detach %d: %w", st.tid, err))
		}
	}
	h.stopped = h.stopped[:0]
	return errs
}

// detach releases a thread and re-delivers a signal that arrived while we
// were attaching, so the target does not lose it.
func detach(st stoppedThread) error {
	if st.signal == 0 {
		return unix.PtraceDetach(st.tid)
	}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(st.tid), 0, uintptr(st.signal), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (h *processHandle) Close() error {
	var errs error
	if err := h.detachAll(); err != nil {
		errs = errors.Join(errs, err)
	}
	if h.procMem != nil {
		if err := h.procMem.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		h.procMem = nil
	}
	return errs
}
