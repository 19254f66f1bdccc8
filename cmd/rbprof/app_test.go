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
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/goccy/go-json"
	pprofile "github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parca-dev/rbprof/flags"
	"github.com/parca-dev/rbprof/pkg/process"
	"github.com/parca-dev/rbprof/pkg/profiler"
	"github.com/parca-dev/rbprof/pkg/remote"
	"github.com/parca-dev/rbprof/pkg/remote/remotetest"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby/layout"
	"github.com/parca-dev/rbprof/pkg/stack/stacktest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type detector struct {
	interp *ruby.Interpreter
}

func (d detector) Detect(int, remote.Reader, process.Regions) (*ruby.Interpreter, error) {
	return d.interp, nil
}

// images serves one synthetic Ruby process per pid.
type images map[int]*remotetest.Image

func (im images) Scan(pid int) (process.Regions, error) { return im[pid].Scan(pid) }

func (im images) Threads(pid int) ([]process.Thread, error) { return im[pid].Threads(pid) }

// newImage builds a Ruby 2.7 process running <main> -> work.
func newImage(t *testing.T, pid int) (*remotetest.Image, *ruby.Interpreter) {
	t.Helper()

	img := remotetest.NewImage(pid)
	b := stacktest.ForVersion(img, "2.7.8")
	main := b.ISeq("<main>", b.String("app.rb"), stacktest.Line{Position: 0, Line: 1})
	work := b.ISeq("work", b.String("app.rb"), stacktest.Line{Position: 0, Line: 5})
	th := b.Thread(128, stacktest.At(main, 0), stacktest.At(work, 0))
	sym := img.Alloc(8)
	img.PutUint64(sym, th.EC)

	v, err := layout.ParseVersion("2.7.8")
	require.NoError(t, err)
	return img, &ruby.Interpreter{
		Version:  v,
		Layout:   b.Layout,
		Arch:     goruntime.GOARCH,
		ECSymbol: sym,
	}
}

func newTestApp(t *testing.T, args ...string) (*app, *bytes.Buffer) {
	t.Helper()

	f, err := flags.ParseArgs(args)
	require.NoError(t, err)
	logger := log.NewNopLogger()
	require.Equal(t, flags.ExitSuccess, f.Validate(logger))

	var stdout bytes.Buffer
	a := newApp(logger, prometheus.NewRegistry(), f, &stdout, "")

	imgs := images{}
	var interp *ruby.Interpreter
	for _, pid := range f.PIDs {
		imgs[pid], interp = newImage(t, pid)
	}
	if len(imgs) > 0 {
		// Every image is built the same way, so one interpreter fits all.
		a.opts = []profiler.Option{
			profiler.WithOpener(func(pid int) (remote.Handle, error) {
				img, ok := imgs[pid]
				if !ok {
					return nil, remote.ErrNotFound
				}
				return img, nil
			}),
			profiler.WithScanner(imgs),
			profiler.WithDetector(detector{interp: interp}),
		}
	}
	return a, &stdout
}

func TestRecordCollapsed(t *testing.T) {
	a, stdout := newTestApp(t, "-p", "100", "--profiling-rate", "1000", "--profiling-max-samples", "7")
	require.NoError(t, a.run())

	require.Equal(t, "<main> - app.rb:1;work - app.rb:5 7\n", stdout.String())
}

func TestRecordFilePerProcess(t *testing.T) {
	dir := t.TempDir()
	a, stdout := newTestApp(t,
		"-p", "100", "-p", "200",
		"--profiling-rate", "1000",
		"--profiling-max-samples", "3",
		"--output-format", "pprof",
		"--output-path", filepath.Join(dir, "{pid}.pb.gz"),
	)
	require.NoError(t, a.run())
	require.Zero(t, stdout.Len())

	for _, pid := range []string{"100", "200"} {
		f, err := os.Open(filepath.Join(dir, pid+".pb.gz"))
		require.NoError(t, err)
		p, err := pprofile.Parse(f)
		require.NoError(t, f.Close())
		require.NoError(t, err)

		var total int64
		for _, s := range p.Sample {
			total += s.Value[0]
		}
		require.Equal(t, int64(3), total)
	}

	d := a.diagnostics()
	require.Len(t, d, 2)
	require.Equal(t, 100, d[0].PID)
	require.Equal(t, 200, d[1].PID)
	require.Equal(t, profiler.StopMaxSamples, d[0].StopReason)
}

func TestRecordAttachFailure(t *testing.T) {
	a, _ := newTestApp(t, "-p", "100", "--profiling-rate", "1000", "--profiling-max-samples", "2")
	a.flags.PIDs = append(a.flags.PIDs, 300)

	err := a.run()
	require.ErrorIs(t, err, remote.ErrAttachFailed)
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestSnapshotCommand(t *testing.T) {
	a, stdout := newTestApp(t, "snapshot", "-p", "100")
	require.NoError(t, a.run())

	require.Equal(t, "<main> - app.rb:1\nwork - app.rb:5\n", stdout.String())
}

func TestConvertCommand(t *testing.T) {
	input := filepath.Join(t.TempDir(), "stacks.txt")
	require.NoError(t, os.WriteFile(input, []byte("<main> - app.rb:1;work - app.rb:5 3\n<main> - app.rb:1 1\n"), 0o600))

	a, stdout := newTestApp(t, "convert", input, "--output-format", "summary")
	require.NoError(t, a.run())

	out := stdout.String()
	require.True(t, strings.HasPrefix(out, "Collected 4 samples"), out)
	require.Contains(t, out, "work - app.rb:5")
}

func TestDiagnosticsHandler(t *testing.T) {
	a, _ := newTestApp(t, "-p", "100", "--profiling-rate", "1000", "--profiling-max-samples", "4")
	require.NoError(t, a.run())

	srv := httptest.NewServer(a.mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/diagnostics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got []profiler.Diagnostics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	require.Equal(t, 100, got[0].PID)
	require.Equal(t, "stopped", got[0].State)
	require.Equal(t, uint64(4), got[0].Total)
	require.Equal(t, "mri 2.7.8", got[0].Version)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
