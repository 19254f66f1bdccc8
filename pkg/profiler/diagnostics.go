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

package profiler

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/atomic"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateIdle State = iota
	StateAttaching
	StateSampling
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StateSampling:
		return "sampling"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason tells why a session stopped sampling.
type StopReason string

const (
	StopNone         StopReason = ""
	StopDuration     StopReason = "duration"
	StopMaxSamples   StopReason = "max_samples"
	StopCanceled     StopReason = "canceled"
	StopProcessGone  StopReason = "process_gone"
	StopAttachFailed StopReason = "attach_failed"
)

// Diagnostics describe a session. They can be taken at any time.
type Diagnostics struct {
	PID     int    `json:"pid"`
	State   string `json:"state"`
	Version string `json:"version,omitempty"`

	// Total is the number of recorded samples, Missed the ticks that could
	// not produce one.
	Total     uint64 `json:"total"`
	Missed    uint64 `json:"missed"`
	Retried   uint64 `json:"retried"`
	Truncated uint64 `json:"truncated"`
	Idle      uint64 `json:"idle"`
	OffCPU    uint64 `json:"off_cpu"`
	Behind    uint64 `json:"behind"`
	Rescans   uint64 `json:"rescans"`
	Reinits   uint64 `json:"reinits"`

	ThreadsSeen uint64        `json:"threads_seen"`
	Elapsed     time.Duration `json:"elapsed"`
	StopReason  StopReason    `json:"stop_reason,omitempty"`
	Err         string        `json:"error,omitempty"`
}

type counters struct {
	total     *atomic.Uint64
	missed    *atomic.Uint64
	retried   *atomic.Uint64
	truncated *atomic.Uint64
	idle      *atomic.Uint64
	offCPU    *atomic.Uint64
	behind    *atomic.Uint64
	rescans   *atomic.Uint64
	reinits   *atomic.Uint64

	state *atomic.Int32

	mtx        sync.Mutex
	threads    *roaring.Bitmap
	version    string
	started    time.Time
	stopped    time.Time
	stopReason StopReason
	err        error
}

func newCounters() *counters {
	return &counters{
		total:     atomic.NewUint64(0),
		missed:    atomic.NewUint64(0),
		retried:   atomic.NewUint64(0),
		truncated: atomic.NewUint64(0),
		idle:      atomic.NewUint64(0),
		offCPU:    atomic.NewUint64(0),
		behind:    atomic.NewUint64(0),
		rescans:   atomic.NewUint64(0),
		reinits:   atomic.NewUint64(0),
		state:     atomic.NewInt32(int32(StateIdle)),
		threads:   roaring.New(),
	}
}

func (c *counters) setState(s State) {
	c.state.Store(int32(s))
}

func (c *counters) State() State {
	return State(c.state.Load())
}

func (c *counters) seeThread(tid int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.threads.Add(uint32(tid))
}

func (c *counters) start(now time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.started = now
}

func (c *counters) stop(now time.Time, reason StopReason, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.stopped = now
	c.stopReason = reason
	c.err = err
}

func (c *counters) setVersion(v string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.version = v
}

func (c *counters) diagnostics(pid int, now time.Time) Diagnostics {
	d := Diagnostics{
		PID:       pid,
		State:     c.State().String(),
		Total:     c.total.Load(),
		Missed:    c.missed.Load(),
		Retried:   c.retried.Load(),
		Truncated: c.truncated.Load(),
		Idle:      c.idle.Load(),
		OffCPU:    c.offCPU.Load(),
		Behind:    c.behind.Load(),
		Rescans:   c.rescans.Load(),
		Reinits:   c.reinits.Load(),
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	d.Version = c.version
	d.ThreadsSeen = c.threads.GetCardinality()
	d.StopReason = c.stopReason
	if c.err != nil {
		d.Err = c.err.Error()
	}
	switch {
	case c.started.IsZero():
	case c.stopped.IsZero():
		d.Elapsed = now.Sub(c.started)
	default:
		d.Elapsed = c.stopped.Sub(c.started)
	}
	return d
}
