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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/goccy/go-json"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/rbprof/flags"
	"github.com/parca-dev/rbprof/pkg/convert"
	"github.com/parca-dev/rbprof/pkg/profile"
	"github.com/parca-dev/rbprof/pkg/profiler"
	"github.com/parca-dev/rbprof/pkg/stack"
)

type app struct {
	logger log.Logger
	reg    *prometheus.Registry
	flags  flags.Flags
	cwd    string

	stdoutMtx sync.Mutex
	stdout    io.Writer

	// Options of the profiler, replaced in tests.
	opts []profiler.Option

	sessions *xsync.MapOf[int, *profiler.Session]
}

func newApp(logger log.Logger, reg *prometheus.Registry, f flags.Flags, stdout io.Writer, cwd string) *app {
	return &app{
		logger:   logger,
		reg:      reg,
		flags:    f,
		cwd:      cwd,
		stdout:   stdout,
		sessions: xsync.NewMapOf[int, *profiler.Session](),
	}
}

// run executes the selected command. Profiling stops early on SIGINT or
// SIGTERM and the profiles collected so far are still written.
func (a *app) run() error {
	if a.flags.Command == flags.CommandConvert {
		return a.convert()
	}

	var g okrun.Group
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(a.logger).Log("msg", "starting: "+a.flags.Command)
			defer level.Debug(a.logger).Log("msg", "stopped: "+a.flags.Command)

			if a.flags.Command == flags.CommandSnapshot {
				return a.snapshot(ctx)
			}
			return a.record(ctx)
		}, func(error) {
			cancel()
		})
	}

	if a.flags.HTTPAddress != "" {
		srv := &http.Server{
			Addr:         a.flags.HTTPAddress,
			Handler:      a.mux(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}
		g.Add(func() error {
			level.Debug(a.logger).Log("msg", "starting: http server", "address", srv.Addr)
			defer level.Debug(a.logger).Log("msg", "stopped: http server")

			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			srv.Close()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	var sigErr okrun.SignalError
	if errors.As(err, &sigErr) {
		level.Info(a.logger).Log("msg", "interrupted", "signal", sigErr.Signal)
		return nil
	}
	return err
}

func (a *app) profiler() (*profiler.Profiler, error) {
	return profiler.New(a.logger, a.reg, a.opts...)
}

// record profiles every pid in its own session and writes one profile per
// process. A process that cannot be attached to does not stop the others.
func (a *app) record(ctx context.Context) error {
	p, err := a.profiler()
	if err != nil {
		return err
	}
	cfg := a.flags.ProfilingConfig()

	sessions := make([]*profiler.Session, 0, len(a.flags.PIDs))
	for _, pid := range a.flags.PIDs {
		s, err := p.NewSession(pid, cfg)
		if err != nil {
			return err
		}
		a.sessions.Store(pid, s)
		sessions = append(sessions, s)
	}

	var (
		g    errgroup.Group
		mtx  sync.Mutex
		errs []error
	)
	for _, s := range sessions {
		g.Go(func() error {
			if err := a.recordSession(ctx, s); err != nil {
				mtx.Lock()
				errs = append(errs, err)
				mtx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (a *app) recordSession(ctx context.Context, s *profiler.Session) error {
	logger := log.With(a.logger, "pid", s.PID())
	if err := s.Run(ctx); err != nil {
		return err
	}

	d := s.Diagnostics()
	level.Info(logger).Log(
		"msg", "profile collected",
		"samples", d.Total,
		"missed", d.Missed,
		"truncated", d.Truncated,
		"behind", d.Behind,
		"reason", d.StopReason,
		"elapsed", d.Elapsed,
	)
	if d.Total == 0 {
		level.Warn(logger).Log("msg", "no samples collected, nothing to write")
		return nil
	}
	return a.write(s.PID(), s.Profile())
}

func (a *app) options() convert.Options {
	cfg := a.flags.ProfilingConfig()
	return convert.Options{
		Cwd:    a.cwd,
		Period: cfg.Period(),
		OffCPU: !cfg.OnCPU,
		Top:    a.flags.Output.Top,
	}
}

func (a *app) write(pid int, snap *profile.Snapshot) error {
	format := convert.Format(a.flags.Output.Format)
	pw, err := convert.NewWriter(format, snap, a.options())
	if err != nil {
		return err
	}

	if path := a.flags.Output.PathFor(pid); path != "" {
		if err := convert.WriteFile(path, pw); err != nil {
			return fmt.Errorf("write profile of process %d: %w", pid, err)
		}
		level.Info(a.logger).Log("msg", "profile written", "pid", pid, "path", path)
		return nil
	}

	a.stdoutMtx.Lock()
	defer a.stdoutMtx.Unlock()
	return convert.Write(a.stdout, pw, format == convert.FormatPprof)
}

// snapshot prints the current stack of every pid, root first.
func (a *app) snapshot(ctx context.Context) error {
	p, err := a.profiler()
	if err != nil {
		return err
	}
	cfg := a.flags.ProfilingConfig()

	var errs []error
	for _, pid := range a.flags.PIDs {
		sample, err := p.Snapshot(ctx, pid, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.printSample(pid, sample)
	}
	return errors.Join(errs...)
}

func (a *app) printSample(pid int, sample profile.Sample) {
	a.stdoutMtx.Lock()
	defer a.stdoutMtx.Unlock()

	if len(a.flags.PIDs) > 1 {
		fmt.Fprintf(a.stdout, "process %d:\n", pid)
	}
	if sample.Idle() {
		fmt.Fprintln(a.stdout, "(no Ruby code running)")
		return
	}
	if sample.Truncated {
		fmt.Fprintln(a.stdout, stack.TruncatedFrameName)
	}
	for i := len(sample.Frames) - 1; i >= 0; i-- {
		fmt.Fprintln(a.stdout, convert.FrameLabel(sample.Frames[i], a.cwd))
	}
}

// convert renders a collapsed stack file in the output format.
func (a *app) convert() error {
	f, err := os.Open(a.flags.Convert.Input)
	if err != nil {
		return err
	}
	defer f.Close()

	snap, err := convert.ReadCollapsed(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", a.flags.Convert.Input, err)
	}
	return a.write(0, snap)
}

func (a *app) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/diagnostics", a.serveDiagnostics)
	return mux
}

func (a *app) diagnostics() []profiler.Diagnostics {
	res := []profiler.Diagnostics{}
	a.sessions.Range(func(_ int, s *profiler.Session) bool {
		res = append(res, s.Diagnostics())
		return true
	})
	sort.Slice(res, func(i, j int) bool { return res[i].PID < res[j].PID })
	return res
}

func (a *app) serveDiagnostics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.diagnostics()); err != nil {
		level.Error(a.logger).Log("msg", "failed to write diagnostics", "err", err)
	}
}
