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
	"io"
	"math"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/parca-dev/rbprof/pkg/profile"
	"github.com/parca-dev/rbprof/pkg/stack"
)

const defaultTop = 20

// FunctionStat is the time attributed to one function across all stacks.
type FunctionStat struct {
	Label string
	// Self counts samples where the function was the leaf, Total those where
	// it was anywhere on the stack.
	Self  uint64
	Total uint64
}

// Summarize ranks the functions of a tree by self samples. Recursion does
// not count a function twice per stack.
func Summarize(t *profile.Tree, cwd string) []FunctionStat {
	stats := map[string]*FunctionStat{}
	get := func(label string) *FunctionStat {
		s, ok := stats[label]
		if !ok {
			s = &FunctionStat{Label: label}
			stats[label] = s
		}
		return s
	}

	seen := map[string]struct{}{}
	t.Stacks(func(frames []stack.Frame, count uint64) {
		clear(seen)
		for i, f := range frames {
			label := FrameLabel(f, cwd)
			if i == len(frames)-1 {
				get(label).Self += count
			}
			if _, ok := seen[label]; ok {
				continue
			}
			seen[label] = struct{}{}
			get(label).Total += count
		}
	})

	res := make([]FunctionStat, 0, len(stats))
	for _, s := range stats {
		res = append(res, *s)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Self != res[j].Self {
			return res[i].Self > res[j].Self
		}
		if res[i].Total != res[j].Total {
			return res[i].Total > res[j].Total
		}
		return res[i].Label < res[j].Label
	})
	return res
}

// Summary writes a table of the functions with the most self samples.
type Summary struct {
	snap *profile.Snapshot
	opts Options
}

func NewSummary(snap *profile.Snapshot, opts Options) *Summary {
	return &Summary{snap: snap, opts: opts}
}

func (s *Summary) Write(w io.Writer) error {
	zw := gzip.NewWriter(w)
	if err := s.WriteUncompressed(zw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func (s *Summary) WriteUncompressed(w io.Writer) error {
	c := s.snap.Counts
	if _, err := fmt.Fprintf(w, "Collected %s samples over %s (%s on CPU, %s off CPU, %s idle, %s truncated)\n\n",
		humanize.Comma(int64(c.Total)),
		s.snap.Duration().Round(time.Millisecond),
		humanize.Comma(int64(c.OnCPU)),
		humanize.Comma(int64(c.OffCPU)),
		humanize.Comma(int64(c.Idle)),
		humanize.Comma(int64(c.Truncated)),
	); err != nil {
		return err
	}

	tree := s.snap.OnCPU
	if s.opts.OffCPU {
		tree = profile.NewTree()
		merge(tree, s.snap.OnCPU)
		merge(tree, s.snap.OffCPU)
	}
	total := tree.Total()
	if total == 0 {
		_, err := fmt.Fprintln(w, "No stacks collected.")
		return err
	}

	top := s.opts.Top
	if top <= 0 {
		top = defaultTop
	}
	stats := Summarize(tree, s.opts.Cwd)
	if len(stats) > top {
		stats = stats[:top]
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "% self\t% total\tname")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			humanize.Ftoa(percent(st.Self, total)),
			humanize.Ftoa(percent(st.Total, total)),
			st.Label,
		)
	}
	return tw.Flush()
}

// percent is rounded to two decimals, humanize only cuts off digits.
func percent(n, total uint64) float64 {
	return math.Round(float64(n)*10000/float64(total)) / 100
}

func merge(dst, src *profile.Tree) {
	src.Stacks(func(frames []stack.Frame, count uint64) {
		dst.AddN(frames, count)
	})
}
