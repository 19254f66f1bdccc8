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

// Package profiler samples the call stacks of Ruby processes.
package profiler

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/rbprof/pkg/process"
	"github.com/parca-dev/rbprof/pkg/profile"
	"github.com/parca-dev/rbprof/pkg/remote"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby/layout"
	"github.com/parca-dev/rbprof/pkg/stack"
)

var ErrNotOnCPU = errors.New("process is not running on a CPU")

// Opener opens a handle on a process.
type Opener func(pid int) (remote.Handle, error)

// Scanner reads the address space and the threads of a process.
type Scanner interface {
	Scan(pid int) (process.Regions, error)
	Threads(pid int) ([]process.Thread, error)
}

// Detector finds the interpreter of a process.
type Detector interface {
	Detect(pid int, mem remote.Reader, regions process.Regions) (*ruby.Interpreter, error)
}

// Profiler creates sessions. Sessions of one profiler share its metrics and
// scanner.
type Profiler struct {
	logger   log.Logger
	metrics  *metrics
	open     Opener
	scanner  Scanner
	detector func(cfg Config) Detector
	clock    Clock
}

type Option func(*Profiler)

func WithOpener(open Opener) Option {
	return func(p *Profiler) { p.open = open }
}

func WithScanner(s Scanner) Option {
	return func(p *Profiler) { p.scanner = s }
}

// WithDetector replaces interpreter detection. The forced version of the
// session config is ignored.
func WithDetector(d Detector) Option {
	return func(p *Profiler) {
		p.detector = func(Config) Detector { return d }
	}
}

func WithClock(c Clock) Option {
	return func(p *Profiler) { p.clock = c }
}

func New(logger log.Logger, reg prometheus.Registerer, opts ...Option) (*Profiler, error) {
	p := &Profiler{
		logger:  logger,
		metrics: newMetrics(reg),
		open:    remote.Open,
		clock:   realClock{},
	}
	p.detector = func(cfg Config) Detector {
		return ruby.NewDetector(logger, layout.Default(), cfg.ForceVersion)
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.scanner == nil {
		pfs, err := procfs.NewDefaultFS()
		if err != nil {
			return nil, fmt.Errorf("failed to create procfs: %w", err)
		}
		p.scanner = process.NewScanner(reg, pfs)
	}
	return p, nil
}

// NewSession prepares a session for pid. Nothing touches the process until
// the session runs.
func (p *Profiler) NewSession(pid int, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	walker, err := stack.NewWalker(cfg.MaxDepth)
	if err != nil {
		return nil, err
	}
	return &Session{
		logger:   log.With(p.logger, "pid", pid),
		metrics:  p.metrics,
		pid:      pid,
		cfg:      cfg,
		open:     p.open,
		scanner:  p.scanner,
		detector: p.detector(cfg),
		clock:    p.clock,
		agg:      profile.NewAggregator(),
		c:        newCounters(),
		walker:   walker,
	}, nil
}

// Snapshot attaches to pid, takes a single sample and detaches. In on-CPU
// mode it fails with ErrNotOnCPU when no thread of the process is running.
func (p *Profiler) Snapshot(ctx context.Context, pid int, cfg Config) (profile.Sample, error) {
	s, err := p.NewSession(pid, cfg)
	if err != nil {
		return profile.Sample{}, err
	}

	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	s.c.setState(StateAttaching)
	defer s.c.setState(StateStopped)
	if err := s.attach(ctx); err != nil {
		return profile.Sample{}, err
	}
	defer s.detach()
	s.c.setState(StateSampling)

	sample, threads, err := s.observe()
	if err != nil {
		return profile.Sample{}, err
	}
	if cfg.OnCPU && !sample.OnCPU {
		return profile.Sample{}, fmt.Errorf("process %d: %w", pid, ErrNotOnCPU)
	}
	if err := s.fill(&sample, threads); err != nil {
		return profile.Sample{}, err
	}
	return sample, nil
}
