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

// Package convert renders aggregated profiles into the formats other tools
// read.
package convert

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parca-dev/rbprof/pkg/profile"
)

var ErrUnknownFormat = errors.New("unknown output format")

type Format string

const (
	FormatCollapsed Format = "collapsed"
	FormatPprof     Format = "pprof"
	FormatSummary   Format = "summary"
)

var Formats = []Format{FormatCollapsed, FormatPprof, FormatSummary}

func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Extension is the conventional file suffix of the format.
func (f Format) Extension() string {
	if f == FormatPprof {
		return ".pb.gz"
	}
	return ".txt"
}

type Options struct {
	// Cwd is stripped from source paths.
	Cwd string
	// Period is the sampling interval, used to turn counts into time.
	Period time.Duration
	// OffCPU includes stacks sampled while the process was not running.
	OffCPU bool
	// Top limits the summary table.
	Top int
}

func (o Options) period() time.Duration {
	if o.Period <= 0 {
		return 10 * time.Millisecond
	}
	return o.Period
}

// NewWriter returns a writer rendering snap in format.
func NewWriter(format Format, snap *profile.Snapshot, opts Options) (profile.Writer, error) {
	switch format {
	case FormatCollapsed:
		return NewCollapsed(snap, opts), nil
	case FormatPprof:
		return NewSnapshotToPprofConverter(opts).Convert(snap)
	case FormatSummary:
		return NewSummary(snap, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Write renders to w, compressed when compress is set.
func Write(w io.Writer, pw profile.Writer, compress bool) error {
	if compress {
		return pw.Write(w)
	}
	return pw.WriteUncompressed(w)
}

// WriteFile writes to path, creating its directory. Paths ending in ".gz"
// are gzip compressed.
func WriteFile(path string, pw profile.Writer) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create output dir, %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Write(f, pw, strings.HasSuffix(path, ".gz")); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
