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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/rbprof/pkg/profile"
	"github.com/parca-dev/rbprof/pkg/stack"
)

var (
	mainFrame = stack.Frame{Name: "<main>", RelativePath: "app.rb", AbsolutePath: "/srv/app/app.rb", Line: 10}
	workFrame = stack.Frame{Name: "work", RelativePath: "lib/work.rb", AbsolutePath: "/srv/app/lib/work.rb", Line: 3}
	gemFrame  = stack.Frame{
		Name:         "call",
		RelativePath: "/usr/lib/ruby/gems/3.2.0/gems/rack-3.0.8/lib/rack/builder.rb",
		AbsolutePath: "/usr/lib/ruby/gems/3.2.0/gems/rack-3.0.8/lib/rack/builder.rb",
		Line:         277,
	}
	nativeFrame = stack.Frame{Name: stack.NativeFrameName, Native: true}
)

func testSnapshot() *profile.Snapshot {
	a := profile.NewAggregator()
	start := time.Unix(100, 0)
	record := func(n int, s profile.Sample) {
		for i := 0; i < n; i++ {
			s.Time = start.Add(time.Duration(i) * 10 * time.Millisecond)
			a.Record(s)
		}
	}
	// Frames are leaf first.
	record(3, profile.Sample{Frames: []stack.Frame{workFrame, mainFrame}, OnCPU: true})
	record(2, profile.Sample{Frames: []stack.Frame{nativeFrame, gemFrame, mainFrame}, OnCPU: true})
	record(1, profile.Sample{Frames: []stack.Frame{workFrame, mainFrame}, OnCPU: true, Truncated: true})
	record(4, profile.Sample{Frames: []stack.Frame{mainFrame}})
	record(5, profile.Sample{OnCPU: true})
	return a.Snapshot()
}

func TestShortenPath(t *testing.T) {
	tests := []struct {
		desc string
		path string
		cwd  string
		want string
	}{
		{
			desc: "below cwd",
			path: "/srv/app/lib/work.rb",
			cwd:  "/srv/app",
			want: "lib/work.rb",
		},
		{
			desc: "cwd with trailing slash",
			path: "/srv/app/lib/work.rb",
			cwd:  "/srv/app/",
			want: "lib/work.rb",
		},
		{
			desc: "sibling of cwd is kept",
			path: "/srv/application/x.rb",
			cwd:  "/srv/app",
			want: "/srv/application/x.rb",
		},
		{
			desc: "gem",
			path: "/home/u/.gem/ruby/3.2.0/gems/rack-3.0.8/lib/rack.rb",
			want: "rack-3.0.8/lib/rack.rb",
		},
		{
			desc: "standard library",
			path: "/usr/lib/ruby/3.2.0/set.rb",
			want: "set.rb",
		},
		{
			desc: "unrelated path",
			path: "/opt/script.rb",
			want: "/opt/script.rb",
		},
		{
			desc: "relative path",
			path: "script.rb",
			cwd:  "/srv/app",
			want: "script.rb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			require.Equal(t, tt.want, ShortenPath(tt.path, tt.cwd))
		})
	}
}

func TestCollapsed(t *testing.T) {
	snap := testSnapshot()

	tests := []struct {
		desc string
		opts Options
		want string
	}{
		{
			desc: "on cpu",
			opts: Options{Cwd: "/srv/app"},
			want: `<main> - app.rb:10;work - lib/work.rb:3 3
<main> - app.rb:10;call - rack-3.0.8/lib/rack/builder.rb:277;<native code> 2
[truncated];<main> - app.rb:10;work - lib/work.rb:3 1
`,
		},
		{
			desc: "with off cpu",
			opts: Options{OffCPU: true},
			want: `<main> - /srv/app/app.rb:10;work - /srv/app/lib/work.rb:3 3
<main> - /srv/app/app.rb:10;call - rack-3.0.8/lib/rack/builder.rb:277;<native code> 2
[truncated];<main> - /srv/app/app.rb:10;work - /srv/app/lib/work.rb:3 1
<main> - /srv/app/app.rb:10 4
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewCollapsed(snap, tt.opts).WriteUncompressed(&buf))
			require.Equal(t, tt.want, buf.String())
		})
	}
}

func TestParseCollapsed(t *testing.T) {
	snap := testSnapshot()

	var buf bytes.Buffer
	require.NoError(t, NewCollapsed(snap, Options{}).WriteUncompressed(&buf))

	tree, err := ParseCollapsed(&buf)
	require.NoError(t, err)
	require.Equal(t, snap.OnCPU.Total(), tree.Total())

	type stackCount struct {
		Labels string
		Count  uint64
	}
	collect := func(t *profile.Tree) []stackCount {
		var res []stackCount
		t.Stacks(func(frames []stack.Frame, count uint64) {
			labels := make([]string, 0, len(frames))
			for _, f := range frames {
				labels = append(labels, FrameLabel(f, ""))
			}
			res = append(res, stackCount{Labels: strings.Join(labels, ";"), Count: count})
		})
		return res
	}
	if diff := cmp.Diff(collect(snap.OnCPU), collect(tree)); diff != "" {
		t.Fatalf("parsed stacks differ (-written +parsed):\n%s", diff)
	}
}

func TestReadCollapsed(t *testing.T) {
	in := "<main> - app.rb:1;work - app.rb:5 3\n" +
		"[truncated];deep - lib.rb:9 2\n" +
		"<main> - app.rb:1 1\n"

	snap, err := ReadCollapsed(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, profile.Counts{Total: 6, OnCPU: 6, Truncated: 2}, snap.Counts)
	require.Zero(t, snap.OffCPU.Total())
	require.Zero(t, snap.Duration())
}

func TestParseCollapsedCorrupted(t *testing.T) {
	for _, in := range []string{
		"a;b\n",
		"a;b x\n",
		"a;b -1\n",
	} {
		_, err := ParseCollapsed(strings.NewReader(in))
		require.ErrorIs(t, err, errCorrupted, in)
	}
}

func TestParseFrameLabel(t *testing.T) {
	tests := []struct {
		label string
		want  stack.Frame
	}{
		{label: "foo - a.rb:12", want: stack.Frame{Name: "foo", RelativePath: "a.rb", Line: 12}},
		{label: "block in foo - a.rb:1", want: stack.Frame{Name: "block in foo", RelativePath: "a.rb", Line: 1}},
		{label: "foo - c:/x/a.rb:7", want: stack.Frame{Name: "foo", RelativePath: "c:/x/a.rb", Line: 7}},
		{label: "foo - a.rb", want: stack.Frame{Name: "foo", RelativePath: "a.rb"}},
		{label: stack.NativeFrameName, want: nativeFrame},
		{label: stack.TruncatedFrameName, want: profile.TruncatedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			require.Equal(t, tt.want, parseFrameLabel(tt.label))
		})
	}
}

func TestWriteFile(t *testing.T) {
	snap := testSnapshot()
	dir := t.TempDir()

	var plain bytes.Buffer
	require.NoError(t, NewCollapsed(snap, Options{}).WriteUncompressed(&plain))

	path := filepath.Join(dir, "out", "stacks.txt")
	require.NoError(t, WriteFile(path, NewCollapsed(snap, Options{})))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, plain.String(), string(b))

	gzPath := filepath.Join(dir, "stacks.txt.gz")
	require.NoError(t, WriteFile(gzPath, NewCollapsed(snap, Options{})))
	f, err := os.Open(gzPath)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	b, err = io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, plain.String(), string(b))
}

func TestNewWriter(t *testing.T) {
	snap := testSnapshot()
	for _, f := range Formats {
		t.Run(string(f), func(t *testing.T) {
			w, err := NewWriter(f, snap, Options{})
			require.NoError(t, err)
			var buf bytes.Buffer
			require.NoError(t, w.WriteUncompressed(&buf))
			require.NotZero(t, buf.Len())
		})
	}

	_, err := NewWriter("svg", snap, Options{})
	require.ErrorIs(t, err, ErrUnknownFormat)
	_, err = ParseFormat("svg")
	require.ErrorIs(t, err, ErrUnknownFormat)
	f, err := ParseFormat("pprof")
	require.NoError(t, err)
	require.Equal(t, FormatPprof, f)
}
