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
	"fmt"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/rbprof/flags"
)

const name = "rbprof"

func main() {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(int(flags.ExitParseError))
	}

	logger := f.Log.Logger(name)
	if code := f.Validate(logger); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	if f.Version {
		fmt.Fprintln(os.Stdout, version.Print(name))
		os.Exit(int(flags.ExitSuccess))
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}
	if limit, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		level.Debug(logger).Log("msg", "memory limit not set", "err", err)
	} else {
		level.Debug(logger).Log("msg", "memory limit set", "bytes", limit)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		versioncollector.NewCollector(name),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cwd, err := os.Getwd()
	if err != nil {
		level.Warn(logger).Log("msg", "failed to get working directory, paths are not shortened", "err", err)
	}

	a := newApp(logger, reg, f, os.Stdout, cwd)
	if err := a.run(); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}
