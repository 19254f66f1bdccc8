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

package convert

import (
	"fmt"
	"slices"

	pprofile "github.com/google/pprof/profile"

	"github.com/parca-dev/rbprof/pkg/profile"
	"github.com/parca-dev/rbprof/pkg/stack"
)

const (
	threadStateLabel = "thread_state"
	onCPULabel       = "on-cpu"
	offCPULabel      = "off-cpu"
)

// SnapshotToPprofConverter builds pprof profiles from snapshots. Functions
// and locations are deduplicated by frame identity.
type SnapshotToPprofConverter struct {
	opts Options

	prof      *pprofile.Profile
	functions map[uint64]*pprofile.Function
	locations map[uint64]*pprofile.Location
}

func NewSnapshotToPprofConverter(opts Options) *SnapshotToPprofConverter {
	return &SnapshotToPprofConverter{opts: opts}
}

// Convert returns a profile with a sample count and a cpu time value per
// stack. Off-CPU stacks are only included when the options ask for them,
// labeled by thread state.
func (c *SnapshotToPprofConverter) Convert(snap *profile.Snapshot) (*pprofile.Profile, error) {
	period := c.opts.period()
	c.prof = &pprofile.Profile{
		SampleType: []*pprofile.ValueType{{
			Type: "samples",
			Unit: "count",
		}, {
			Type: "cpu",
			Unit: "nanoseconds",
		}},
		TimeNanos:     snap.First.UnixNano(),
		DurationNanos: int64(snap.Duration()),
		PeriodType: &pprofile.ValueType{
			Type: "cpu",
			Unit: "nanoseconds",
		},
		Period: int64(period),
	}
	if snap.First.IsZero() {
		c.prof.TimeNanos = 0
	}
	c.functions = map[uint64]*pprofile.Function{}
	c.locations = map[uint64]*pprofile.Location{}

	c.addTree(snap.OnCPU, onCPULabel)
	if c.opts.OffCPU {
		c.addTree(snap.OffCPU, offCPULabel)
	}

	prof := c.prof
	c.prof, c.functions, c.locations = nil, nil, nil
	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return prof, nil
}

func (c *SnapshotToPprofConverter) addTree(t *profile.Tree, state string) {
	period := int64(c.opts.period())
	t.Stacks(func(frames []stack.Frame, count uint64) {
		locs := make([]*pprofile.Location, 0, len(frames))
		for _, f := range frames {
			locs = append(locs, c.location(f))
		}
		// pprof orders locations leaf first.
		slices.Reverse(locs)
		c.prof.Sample = append(c.prof.Sample, &pprofile.Sample{
			Location: locs,
			Value:    []int64{int64(count), int64(count) * period},
			Label:    map[string][]string{threadStateLabel: {state}},
		})
	})
}

func (c *SnapshotToPprofConverter) location(f stack.Frame) *pprofile.Location {
	id := profile.FrameID(f)
	if l, ok := c.locations[id]; ok {
		return l
	}
	l := &pprofile.Location{
		ID: uint64(len(c.prof.Location)) + 1,
		Line: []pprofile.Line{{
			Function: c.function(f),
			Line:     int64(f.Line),
		}},
	}
	c.locations[id] = l
	c.prof.Location = append(c.prof.Location, l)
	return l
}

// function deduplicates by name and file, lines vary per location.
func (c *SnapshotToPprofConverter) function(f stack.Frame) *pprofile.Function {
	key := profile.FrameID(stack.Frame{
		Name:         f.Name,
		RelativePath: f.RelativePath,
		AbsolutePath: f.AbsolutePath,
		Native:       f.Native,
	})
	if fn, ok := c.functions[key]; ok {
		return fn
	}
	filename := f.AbsolutePath
	if filename == "" {
		filename = f.RelativePath
	}
	fn := &pprofile.Function{
		ID:         uint64(len(c.prof.Function)) + 1,
		Name:       f.Name,
		SystemName: f.Name,
		Filename:   ShortenPath(filename, c.opts.Cwd),
	}
	c.functions[key] = fn
	c.prof.Function = append(c.prof.Function, fn)
	return fn
}
