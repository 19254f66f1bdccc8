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
	"errors"
	"fmt"
	"time"

	"github.com/parca-dev/rbprof/pkg/convert"
	"github.com/parca-dev/rbprof/pkg/stack"
)

const (
	DefaultRate = 100
	maxRate     = 10000
)

var ErrInvalidConfig = errors.New("invalid profiling config")

// Config controls a profiling session.
type Config struct {
	// Rate is the number of samples per second.
	Rate int
	// Duration stops the session once elapsed. Zero samples until canceled.
	Duration time.Duration
	// MaxSamples stops the session once reached. Zero means no limit.
	MaxSamples uint64
	// OnCPU only walks the stack while a thread of the target is running.
	OnCPU bool
	// LockProcess stops the target for the duration of each walk.
	LockProcess  bool
	MaxDepth     int
	ForceVersion string
	OutputFormat convert.Format
}

func DefaultConfig() Config {
	return Config{
		Rate:         DefaultRate,
		LockProcess:  true,
		MaxDepth:     stack.DefaultMaxDepth,
		OutputFormat: convert.FormatCollapsed,
	}
}

func (c Config) Validate() error {
	if c.Rate <= 0 || c.Rate > maxRate {
		return fmt.Errorf("%w: rate must be between 1 and %d, got %d", ErrInvalidConfig, maxRate, c.Rate)
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrInvalidConfig, c.Duration)
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("%w: max depth must be positive, got %d", ErrInvalidConfig, c.MaxDepth)
	}
	if _, err := convert.ParseFormat(string(c.OutputFormat)); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	return nil
}

// Period is the time between two samples.
func (c Config) Period() time.Duration {
	return time.Second / time.Duration(c.Rate)
}
