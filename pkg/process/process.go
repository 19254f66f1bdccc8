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

package process

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sort"

	"github.com/parca-dev/rbprof/pkg/remote"
)

// Thread is the state of one OS thread of a process at the time it was
// listed. State is the single letter state code of /proc/<pid>/task/<tid>/stat.
type Thread struct {
	TID   int
	State string
}

// Running reports whether the thread state is one of the given running
// states. Which states count as running is decided by the caller.
func (t Thread) Running(runningStates []string) bool {
	return slices.Contains(runningStates, t.State)
}

// Threads lists the threads of a process together with their scheduler
// state. Threads that exit while being listed are skipped.
func (s *Scanner) Threads(pid int) ([]Thread, error) {
	procs, err := s.AllThreads(pid)
	if err != nil {
		s.metrics.threadError.Inc()
		return nil, s.procError(pid, fmt.Errorf("failed to list threads: %w", err))
	}

	threads := make([]Thread, 0, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.metrics.threadError.Inc()
			return nil, fmt.Errorf("failed to read stat of thread %d: %w", p.PID, err)
		}
		threads = append(threads, Thread{TID: p.PID, State: stat.State})
	}
	if len(threads) == 0 {
		s.metrics.threadError.Inc()
		return nil, fmt.Errorf("process %d has no threads: %w", pid, remote.ErrProcessGone)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].TID < threads[j].TID
	})
	s.metrics.threadSuccess.Inc()
	return threads, nil
}

// AnyRunning reports whether a thread is in one of the running states.
func AnyRunning(threads []Thread, runningStates []string) bool {
	return slices.ContainsFunc(threads, func(t Thread) bool {
		return t.Running(runningStates)
	})
}

// SoleThread returns the thread an observation of the whole process can be
// pinned on without knowing which thread it came from: the only thread of
// the process, else its only running thread.
func SoleThread(threads []Thread, runningStates []string) (Thread, bool) {
	if len(threads) == 1 {
		return threads[0], true
	}
	var sole Thread
	n := 0
	for _, t := range threads {
		if t.Running(runningStates) {
			sole = t
			n++
		}
	}
	return sole, n == 1
}

// FindThread returns the thread with the given id.
func FindThread(threads []Thread, tid int) (Thread, bool) {
	i := slices.IndexFunc(threads, func(t Thread) bool { return t.TID == tid })
	if i < 0 {
		return Thread{}, false
	}
	return threads[i], true
}
