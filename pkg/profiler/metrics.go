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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK        = "ok"
	resultIdle      = "idle"
	resultOffCPU    = "off_cpu"
	resultTruncated = "truncated"
	resultMissed    = "missed"
)

type metrics struct {
	samples        *prometheus.CounterVec
	sampleDuration prometheus.Histogram
	rescans        prometheus.Counter
	reinits        prometheus.Counter
	behind         prometheus.Counter
	attaches       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		samples: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbprof_samples_total",
				Help: "Total number of sampling ticks by result.",
			},
			[]string{"result"},
		),
		sampleDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "rbprof_sample_duration_seconds",
				Help:                        "The duration of a sampling tick, including pausing the target.",
				Buckets:                     prometheus.ExponentialBuckets(0.00001, 4, 10),
				NativeHistogramBucketFactor: 1.1,
			},
		),
		rescans: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rbprof_rescans_total",
				Help: "Total number of address space scans after a failed read.",
			},
		),
		reinits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rbprof_reinits_total",
				Help: "Total number of times the interpreter was detected again after its thread pointer became unreadable.",
			},
		),
		behind: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rbprof_behind_schedule_total",
				Help: "Total number of sampling deadlines missed because a tick overran.",
			},
		),
		attaches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbprof_attach_attempts_total",
				Help: "Total number of attempts to attach to a process.",
			},
			[]string{"status"},
		),
	}
	m.samples.WithLabelValues(resultOK)
	m.samples.WithLabelValues(resultIdle)
	m.samples.WithLabelValues(resultOffCPU)
	m.samples.WithLabelValues(resultTruncated)
	m.samples.WithLabelValues(resultMissed)

	m.attaches.WithLabelValues("success")
	m.attaches.WithLabelValues("error")

	return m
}
