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

// Package remote provides access to the memory and execution of a foreign
// process.
package remote

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("process not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrProcessGone      = errors.New("process gone")
	ErrReadFault        = errors.New("read fault")
	ErrAttachFailed     = errors.New("attach failed")
)

// Reader reads memory of a foreign address space.
type Reader interface {
	// Read fills buf with the bytes starting at addr. It either fills the
	// whole buffer or returns an error wrapping ErrReadFault or
	// ErrProcessGone.
	Read(addr uint64, buf []byte) error
}

// Handle is an open view on a single target process.
//
// Pause and Resume use ptrace on Linux, so every call on a Handle must come
// from the same OS thread. Callers are expected to run runtime.LockOSThread
// before opening the handle.
type Handle interface {
	Reader

	PID() int
	// Pause stops all threads of the target.
	Pause() error
	// Resume continues all threads stopped by Pause.
	Resume() error
	// Close releases the handle. It resumes the target if it is paused.
	Close() error
}

// Paused runs fn while the target is stopped. The target is resumed on every
// exit path of fn, including panics.
func Paused(h Handle, fn func() error) (err error) {
	if err := h.Pause(); err != nil {
		if errors.Is(err, ErrProcessGone) || errors.Is(err, ErrAttachFailed) {
			return err
		}
		return errors.Join(ErrAttachFailed, fmt.Errorf("pause process %d: %w", h.PID(), err))
	}
	defer func() {
		if rerr := h.Resume(); rerr != nil && err == nil {
			err = fmt.Errorf("resume process %d: %w", h.PID(), rerr)
		}
	}()

	return fn()
}
