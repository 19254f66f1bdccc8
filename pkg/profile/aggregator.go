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

package profile

import (
	"sync"
	"time"

	"github.com/parca-dev/rbprof/pkg/stack"
)

// Counts break the recorded samples down by kind. Idle counts samples of a
// running thread without Ruby frames, OffCPU every sample of a thread that
// was not running. Samples without frames are in no tree.
type Counts struct {
	Total     uint64
	OnCPU     uint64
	OffCPU    uint64
	Idle      uint64
	Truncated uint64
}

// Snapshot is a copy of the aggregated samples, it does not change when more
// samples are recorded.
type Snapshot struct {
	OnCPU  *Tree
	OffCPU *Tree
	Counts Counts
	// First and Last are the times of the oldest and newest sample.
	First time.Time
	Last  time.Time
}

// Duration is the time spanned by the samples.
func (s *Snapshot) Duration() time.Duration {
	if s.First.IsZero() {
		return 0
	}
	return s.Last.Sub(s.First)
}

// Aggregator folds samples into call trees. Record and Snapshot may be called
// concurrently.
type Aggregator struct {
	mtx    sync.RWMutex
	onCPU  *Tree
	offCPU *Tree
	counts Counts
	first  time.Time
	last   time.Time

	// path is scratch space for Record, guarded by mtx.
	path []stack.Frame
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		onCPU:  NewTree(),
		offCPU: NewTree(),
	}
}

// Record adds a sample. Frames are inserted root first, truncated samples
// under a synthetic root frame so they never merge with complete stacks.
func (a *Aggregator) Record(s Sample) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.counts.Total++
	if !s.Time.IsZero() {
		if a.first.IsZero() || s.Time.Before(a.first) {
			a.first = s.Time
		}
		if s.Time.After(a.last) {
			a.last = s.Time
		}
	}
	switch {
	case !s.OnCPU:
		a.counts.OffCPU++
	case s.Idle():
		a.counts.Idle++
	default:
		a.counts.OnCPU++
	}
	if s.Idle() {
		return
	}

	tree := a.offCPU
	if s.OnCPU {
		tree = a.onCPU
	}

	a.path = a.path[:0]
	if s.Truncated {
		a.counts.Truncated++
		a.path = append(a.path, TruncatedFrame)
	}
	for i := len(s.Frames) - 1; i >= 0; i-- {
		a.path = append(a.path, s.Frames[i])
	}
	tree.Add(a.path)
}

func (a *Aggregator) Snapshot() *Snapshot {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	return &Snapshot{
		OnCPU:  a.onCPU.clone(),
		OffCPU: a.offCPU.clone(),
		Counts: a.counts,
		First:  a.first,
		Last:   a.last,
	}
}

func (a *Aggregator) Counts() Counts {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	return a.counts
}
