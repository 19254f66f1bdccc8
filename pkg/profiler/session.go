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
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/rbprof/pkg/process"
	"github.com/parca-dev/rbprof/pkg/profile"
	"github.com/parca-dev/rbprof/pkg/remote"
	"github.com/parca-dev/rbprof/pkg/runtime"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby"
	"github.com/parca-dev/rbprof/pkg/stack"
)

const (
	// The dynamic loader may not have mapped the interpreter yet when we
	// attach to a process that just started.
	attachRetries       = 100
	attachRetryInterval = time.Millisecond

	permissionHint = "run as root or grant the CAP_SYS_PTRACE capability"
)

var (
	errAlreadyStarted = errors.New("session already started")
	errCurrentEC      = errors.New("current execution context unreadable")
)

// Session samples one process. A session runs once.
type Session struct {
	logger   log.Logger
	metrics  *metrics
	pid      int
	cfg      Config
	open     Opener
	scanner  Scanner
	detector Detector
	clock    Clock

	agg *profile.Aggregator
	c   *counters

	// Owned by the goroutine running the session.
	handle  remote.Handle
	mem     remote.Memory
	regions process.Regions
	interp  *ruby.Interpreter
	walker  *stack.Walker
}

func (s *Session) PID() int {
	return s.pid
}

func (s *Session) State() State {
	return s.c.State()
}

func (s *Session) Diagnostics() Diagnostics {
	return s.c.diagnostics(s.pid, s.clock.Now())
}

// Profile returns the samples recorded so far.
func (s *Session) Profile() *profile.Snapshot {
	return s.agg.Snapshot()
}

// Run attaches to the process and samples it until the configured duration
// or sample count is reached, ctx is canceled or the process exits. Only
// failing to attach is an error. The calling goroutine is locked to its OS
// thread while Run executes.
func (s *Session) Run(ctx context.Context) error {
	if !s.c.state.CompareAndSwap(int32(StateIdle), int32(StateAttaching)) {
		return errAlreadyStarted
	}

	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	s.c.start(s.clock.Now())
	if err := s.attach(ctx); err != nil {
		s.c.stop(s.clock.Now(), StopAttachFailed, err)
		s.c.setState(StateStopped)
		return err
	}

	s.c.setState(StateSampling)
	level.Info(s.logger).Log(
		"msg", "sampling",
		"version", s.interp.Version,
		"rate", s.cfg.Rate,
		"on_cpu", s.cfg.OnCPU,
	)
	reason := s.loop(ctx)

	s.c.setState(StateStopping)
	s.detach()
	s.c.stop(s.clock.Now(), reason, nil)
	s.c.setState(StateStopped)

	level.Info(s.logger).Log(
		"msg", "stopped sampling",
		"reason", reason,
		"samples", s.c.total.Load(),
		"missed", s.c.missed.Load(),
	)
	return nil
}

func (s *Session) attach(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.metrics.attaches.WithLabelValues("error").Inc()
			s.detach()
			err = attachError(s.pid, err)
			return
		}
		s.metrics.attaches.WithLabelValues("success").Inc()
	}()

	h, err := s.open(s.pid)
	if err != nil {
		return err
	}
	s.handle = h
	s.mem = remote.Memory{Reader: h}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(attachRetryInterval), attachRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := s.detect()
		if err == nil {
			return nil
		}
		if errors.Is(err, process.ErrInterpreterNotFound) || errors.Is(err, runtime.ErrVersionNotFound) {
			level.Debug(s.logger).Log("msg", "interpreter not ready", "err", err)
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func attachError(pid int, err error) error {
	err = fmt.Errorf("attach to process %d: %w", pid, err)
	if errors.Is(err, remote.ErrPermissionDenied) {
		err = fmt.Errorf("%w: %s", err, permissionHint)
	}
	if errors.Is(err, remote.ErrAttachFailed) {
		return err
	}
	return errors.Join(remote.ErrAttachFailed, err)
}

// detect scans the address space and resolves the interpreter.
func (s *Session) detect() error {
	regions, err := s.scanner.Scan(s.pid)
	if err != nil {
		return err
	}
	interp, err := s.detector.Detect(s.pid, s.handle, regions)
	if err != nil {
		return err
	}
	s.setRegions(regions)
	s.interp = interp
	s.c.setVersion(interp.Version.String())
	return nil
}

func (s *Session) setRegions(regions process.Regions) {
	s.regions = regions
	s.walker.SetAddressSpace(regions)
}

func (s *Session) detach() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		level.Warn(s.logger).Log("msg", "failed to close process handle", "err", err)
	}
	s.handle = nil
}

// loop runs ticks on a fixed schedule. A tick that overruns its deadline is
// followed by the next one right away and the schedule restarts from there.
func (s *Session) loop(ctx context.Context) StopReason {
	period := s.cfg.Period()
	start := s.clock.Now()
	var end time.Time
	if s.cfg.Duration > 0 {
		end = start.Add(s.cfg.Duration)
	}

	deadline := start
	for {
		if ctx.Err() != nil {
			return StopCanceled
		}
		now := s.clock.Now()
		if !end.IsZero() && !now.Before(end) {
			return StopDuration
		}
		if s.cfg.MaxSamples > 0 && s.c.total.Load() >= s.cfg.MaxSamples {
			return StopMaxSamples
		}

		if gone := s.tick(); gone {
			level.Debug(s.logger).Log("msg", "process exited")
			return StopProcessGone
		}

		deadline = deadline.Add(period)
		now = s.clock.Now()
		if now.After(deadline) {
			missed := uint64(now.Sub(deadline)/period) + 1
			s.c.behind.Add(missed)
			s.metrics.behind.Add(float64(missed))
			level.Debug(s.logger).Log("msg", "sampling behind schedule", "missed", missed)
			deadline = now
			continue
		}

		wait := deadline.Sub(now)
		if !end.IsZero() && end.Before(deadline) {
			wait = end.Sub(now)
		}
		select {
		case <-ctx.Done():
			return StopCanceled
		case <-s.clock.After(wait):
		}
	}
}

// tick takes and records one sample. It reports whether the process is gone.
func (s *Session) tick() bool {
	start := s.clock.Now()
	defer func() {
		s.metrics.sampleDuration.Observe(s.clock.Now().Sub(start).Seconds())
	}()

	sample, threads, err := s.observe()
	if err != nil {
		return s.miss(err)
	}
	if s.cfg.OnCPU && !sample.OnCPU {
		s.record(sample)
		return false
	}
	if err := s.fill(&sample, threads); err != nil {
		return s.miss(err)
	}
	s.record(sample)
	return false
}

// observe lists the threads of the process and returns a sample without
// frames. The process is on CPU when any of its threads runs. The sample is
// pinned on a thread only when the listing alone tells which one it is.
func (s *Session) observe() (profile.Sample, []process.Thread, error) {
	threads, err := s.scanner.Threads(s.pid)
	if err != nil {
		return profile.Sample{}, nil, err
	}
	for _, t := range threads {
		s.c.seeThread(t.TID)
	}

	states := s.interp.Layout.OnCPUStates
	sample := profile.Sample{
		Time:  s.clock.Now(),
		OnCPU: process.AnyRunning(threads, states),
	}
	if t, ok := process.SoleThread(threads, states); ok {
		sample.ThreadID = t.TID
	}
	return sample, threads, nil
}

// fill walks the stack of the thread holding the VM lock. A read fault or a
// pointer outside of the known mappings is retried once after scanning the
// address space again, a corrupted walk keeps its frames and marks the
// sample truncated.
func (s *Session) fill(sample *profile.Sample, threads []process.Thread) error {
	res, err := s.walk()
	if errors.Is(err, remote.ErrReadFault) || errors.Is(err, stack.ErrUnmappedAddress) {
		s.c.retried.Inc()
		level.Debug(s.logger).Log("msg", "scanning again before retrying the walk", "err", err)
		if rerr := s.rescan(errors.Is(err, errCurrentEC)); rerr != nil {
			return errors.Join(err, rerr)
		}
		res, err = s.walk()
	}
	if err != nil && !errors.Is(err, stack.ErrWalkCorrupted) {
		return err
	}
	if err != nil {
		level.Debug(s.logger).Log("msg", "stack walk aborted", "frames", len(res.trace.Frames), "err", err)
	}

	sample.Frames = res.trace.Frames
	sample.Truncated = res.trace.Truncated || err != nil
	if res.tid > 0 {
		// The thread running the walked execution context decides.
		sample.ThreadID = res.tid
		if t, ok := process.FindThread(threads, res.tid); ok {
			sample.OnCPU = t.Running(s.interp.Layout.OnCPUStates)
		}
	}
	return nil
}

type walkResult struct {
	trace stack.Trace
	// Kernel thread id of the walked execution context, zero if unknown.
	tid int
}

func (s *Session) walk() (walkResult, error) {
	var res walkResult
	walk := func() error {
		ec, err := s.interp.CurrentEC(s.mem)
		if err != nil {
			return errors.Join(errCurrentEC, err)
		}
		tid, ok, err := s.interp.ThreadID(s.mem, ec)
		if err != nil {
			level.Debug(s.logger).Log("msg", "failed to read native thread id", "err", err)
		} else if ok {
			res.tid = tid
		}
		res.trace, err = s.walker.Walk(s.mem, s.interp.Layout, ec)
		return err
	}

	if !s.cfg.LockProcess {
		err := walk()
		return res, err
	}
	err := remote.Paused(s.handle, walk)
	return res, err
}

// rescan refreshes the address space and drops the cached frames. When the
// current execution context could not be read, the interpreter is detected
// again as well.
func (s *Session) rescan(reinit bool) error {
	s.c.rescans.Inc()
	s.metrics.rescans.Inc()
	// Memory behind cached frames may have been unmapped and reused.
	s.walker.Reset()

	if reinit {
		s.c.reinits.Inc()
		s.metrics.reinits.Inc()
		return s.detect()
	}

	regions, err := s.scanner.Scan(s.pid)
	if err != nil {
		return err
	}
	s.setRegions(regions)
	return nil
}

func (s *Session) record(sample profile.Sample) {
	s.agg.Record(sample)
	s.c.total.Inc()

	result := resultOK
	switch {
	case !sample.OnCPU:
		s.c.offCPU.Inc()
		result = resultOffCPU
	case sample.Idle():
		s.c.idle.Inc()
		result = resultIdle
	}
	if sample.Truncated {
		s.c.truncated.Inc()
		result = resultTruncated
	}
	s.metrics.samples.WithLabelValues(result).Inc()
}

// miss counts a tick without a sample. It reports whether the process is
// gone, which is not a miss.
func (s *Session) miss(err error) bool {
	if errors.Is(err, remote.ErrProcessGone) {
		return true
	}
	s.c.missed.Inc()
	s.metrics.samples.WithLabelValues(resultMissed).Inc()
	level.Debug(s.logger).Log("msg", "missed sample", "err", err)
	return false
}
