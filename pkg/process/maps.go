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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/rbprof/pkg/remote"
)

var ErrInterpreterNotFound = errors.New("interpreter not found")

type scanMetrics struct {
	scanSuccess   prometheus.Counter
	scanError     prometheus.Counter
	threadSuccess prometheus.Counter
	threadError   prometheus.Counter
}

func newScanMetrics(reg prometheus.Registerer) *scanMetrics {
	scans := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbprof_process_scans_total",
			Help: "Total number of process scans by stage.",
		},
		[]string{"stage", "result"},
	)
	return &scanMetrics{
		scanSuccess:   scans.WithLabelValues("maps", "success"),
		scanError:     scans.WithLabelValues("maps", "error"),
		threadSuccess: scans.WithLabelValues("threads", "success"),
		threadError:   scans.WithLabelValues("threads", "error"),
	}
}

// Scanner reads address space maps and thread states from procfs.
type Scanner struct {
	procfs.FS

	metrics *scanMetrics
}

func NewScanner(reg prometheus.Registerer, fs procfs.FS) *Scanner {
	return &Scanner{
		FS:      fs,
		metrics: newScanMetrics(reg),
	}
}

// Scan returns the memory regions of the given process ordered by address.
func (s *Scanner) Scan(pid int) (Regions, error) {
	proc, err := s.Proc(pid)
	if err != nil {
		s.metrics.scanError.Inc()
		return nil, s.procError(pid, err)
	}

	maps, err := proc.ProcMaps()
	if err != nil {
		s.metrics.scanError.Inc()
		return nil, s.procError(pid, fmt.Errorf("failed to read proc maps: %w", err))
	}
	if len(maps) == 0 {
		// A zombie still has a maps file, but it is empty.
		s.metrics.scanError.Inc()
		return nil, fmt.Errorf("process %d has no mappings: %w", pid, remote.ErrProcessGone)
	}

	s.metrics.scanSuccess.Inc()
	return regionsFromProcMaps(maps), nil
}

func (s *Scanner) procError(pid int, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Join(remote.ErrProcessGone, fmt.Errorf("failed to open proc %d: %w", pid, err))
	}
	return fmt.Errorf("failed to open proc %d: %w", pid, err)
}
