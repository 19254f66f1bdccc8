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

package profile

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/rbprof/pkg/stack"
)

var (
	frameA = stack.Frame{Name: "a", RelativePath: "a.rb", AbsolutePath: "/app/a.rb", Line: 1}
	frameB = stack.Frame{Name: "b", RelativePath: "b.rb", AbsolutePath: "/app/b.rb", Line: 2}
	frameC = stack.Frame{Name: "c", RelativePath: "c.rb", AbsolutePath: "/app/c.rb", Line: 3}
)

type collected struct {
	Stack string
	Count uint64
}

func stacks(t *Tree) []collected {
	var res []collected
	t.Stacks(func(frames []stack.Frame, count uint64) {
		s := ""
		for i, f := range frames {
			if i > 0 {
				s += ";"
			}
			s += f.Name
		}
		res = append(res, collected{Stack: s, Count: count})
	})
	return res
}

func sum(cs []collected) uint64 {
	var n uint64
	for _, c := range cs {
		n += c.Count
	}
	return n
}

func TestRecord(t *testing.T) {
	start := time.Unix(1000, 0)

	tests := []struct {
		desc    string
		samples []Sample
		onCPU   []collected
		offCPU  []collected
		counts  Counts
	}{
		{
			desc: "leaf first frames are stored root first",
			samples: []Sample{
				{Frames: []stack.Frame{frameA, frameB}, OnCPU: true},
				{Frames: []stack.Frame{frameA, frameB}, OnCPU: true},
				{Frames: []stack.Frame{frameC, frameB}, OnCPU: true},
			},
			onCPU: []collected{
				{Stack: "b;a", Count: 2},
				{Stack: "b;c", Count: 1},
			},
			counts: Counts{Total: 3, OnCPU: 3},
		},
		{
			desc: "samples ending in an inner frame count as self",
			samples: []Sample{
				{Frames: []stack.Frame{frameB}, OnCPU: true},
				{Frames: []stack.Frame{frameA, frameB}, OnCPU: true},
			},
			onCPU: []collected{
				{Stack: "b", Count: 1},
				{Stack: "b;a", Count: 1},
			},
			counts: Counts{Total: 2, OnCPU: 2},
		},
		{
			desc: "truncated samples hang off a synthetic root",
			samples: []Sample{
				{Frames: []stack.Frame{frameA, frameB}, OnCPU: true, Truncated: true},
				{Frames: []stack.Frame{frameA, frameB}, OnCPU: true},
			},
			// Equal counts order by name, and "[" sorts before letters.
			onCPU: []collected{
				{Stack: stack.TruncatedFrameName + ";b;a", Count: 1},
				{Stack: "b;a", Count: 1},
			},
			counts: Counts{Total: 2, OnCPU: 2, Truncated: 1},
		},
		{
			desc: "truncated sample without frames",
			samples: []Sample{
				{OnCPU: true, Truncated: true},
			},
			onCPU: []collected{
				{Stack: stack.TruncatedFrameName, Count: 1},
			},
			counts: Counts{Total: 1, OnCPU: 1, Truncated: 1},
		},
		{
			desc: "samples without frames only count",
			samples: []Sample{
				{OnCPU: true},
				{OnCPU: true},
				{OnCPU: false},
			},
			counts: Counts{Total: 3, Idle: 2, OffCPU: 1},
		},
		{
			desc: "off cpu samples are kept apart",
			samples: []Sample{
				{Frames: []stack.Frame{frameA}, OnCPU: true},
				{Frames: []stack.Frame{frameA}},
				{Frames: []stack.Frame{frameB}},
			},
			onCPU: []collected{
				{Stack: "a", Count: 1},
			},
			offCPU: []collected{
				{Stack: "a", Count: 1},
				{Stack: "b", Count: 1},
			},
			counts: Counts{Total: 3, OnCPU: 1, OffCPU: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			a := NewAggregator()
			for i, s := range tt.samples {
				s.Time = start.Add(time.Duration(i) * time.Millisecond)
				a.Record(s)
			}
			snap := a.Snapshot()
			require.Equal(t, tt.onCPU, stacks(snap.OnCPU))
			require.Equal(t, tt.offCPU, stacks(snap.OffCPU))
			require.Equal(t, tt.counts, snap.Counts)
			require.Equal(t, tt.counts, a.Counts())
			require.Equal(t, sum(tt.onCPU), snap.OnCPU.Total())
			require.Equal(t, sum(tt.offCPU), snap.OffCPU.Total())
			require.Equal(t, start, snap.First)
			require.Equal(t, time.Duration(len(tt.samples)-1)*time.Millisecond, snap.Duration())
		})
	}
}

func TestRecordOrderIndependent(t *testing.T) {
	var samples []Sample
	frames := []stack.Frame{frameA, frameB, frameC}
	for i := 0; i < 200; i++ {
		n := 1 + i%len(frames)
		samples = append(samples, Sample{
			Time:      time.Unix(int64(i), 0),
			Frames:    frames[:n],
			OnCPU:     i%3 != 0,
			Truncated: i%7 == 0,
		})
	}

	ordered := NewAggregator()
	for _, s := range samples {
		ordered.Record(s)
	}

	shuffled := NewAggregator()
	r := rand.New(rand.NewSource(42))
	for _, i := range r.Perm(len(samples)) {
		shuffled.Record(samples[i])
	}

	if diff := cmp.Diff(ordered.Snapshot(), shuffled.Snapshot()); diff != "" {
		t.Fatalf("snapshots differ (-ordered +shuffled):\n%s", diff)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := NewAggregator()
	a.Record(Sample{Frames: []stack.Frame{frameA}, OnCPU: true})

	snap := a.Snapshot()
	a.Record(Sample{Frames: []stack.Frame{frameA}, OnCPU: true})
	a.Record(Sample{Frames: []stack.Frame{frameB}, OnCPU: true})

	require.Equal(t, uint64(1), snap.OnCPU.Total())
	require.Equal(t, []collected{{Stack: "a", Count: 1}}, stacks(snap.OnCPU))
	require.Equal(t, uint64(3), a.Snapshot().OnCPU.Total())
}

func TestRecordConcurrent(t *testing.T) {
	a := NewAggregator()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.Record(Sample{Frames: []stack.Frame{frameA, frameB}, OnCPU: true})
				_ = a.Snapshot()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(400), a.Snapshot().OnCPU.Total())
}

func TestFrameID(t *testing.T) {
	seen := map[uint64]stack.Frame{}
	for _, f := range []stack.Frame{
		frameA,
		{Name: "a", RelativePath: "a.rb", AbsolutePath: "/app/a.rb", Line: 2},
		{Name: "a", RelativePath: "a.rb", AbsolutePath: "/other/a.rb", Line: 1},
		{Name: "ab", RelativePath: ".rb", AbsolutePath: "/app/a.rb", Line: 1},
		{Name: stack.NativeFrameName, Native: true},
		{Name: stack.NativeFrameName},
		TruncatedFrame,
	} {
		id := FrameID(f)
		prev, ok := seen[id]
		require.False(t, ok, fmt.Sprintf("%v collides with %v", f, prev))
		seen[id] = f
	}
	require.Equal(t, FrameID(frameA), FrameID(frameA))
}
