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

package ruby

import (
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/rbprof/pkg/process"
	"github.com/parca-dev/rbprof/pkg/remote"
	"github.com/parca-dev/rbprof/pkg/remote/remotetest"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby/layout"
	"github.com/parca-dev/rbprof/pkg/stack/stacktest"
)

func lookup(t *testing.T, version string) (layout.Version, *layout.Layout) {
	t.Helper()

	v, err := layout.ParseVersion(version)
	require.NoError(t, err)
	l, err := layout.Default().Lookup(v)
	require.NoError(t, err)
	return v, l
}

func TestCurrentEC(t *testing.T) {
	img := remotetest.NewImage(1)
	mem := remote.Memory{Reader: img}

	globals := img.Alloc(64)
	ractor := img.Alloc(0x300)
	const ec = 0x7f00dead0000

	for _, tc := range []struct {
		desc    string
		version string
		arch    string
		setup   func()
		want    uint64
		wantErr error
	}{
		{
			desc:    "global execution context pointer",
			version: "2.7.1",
			arch:    "amd64",
			setup:   func() { img.PutUint64(globals, ec) },
			want:    ec,
		},
		{
			desc:    "no thread is running",
			version: "2.7.1",
			arch:    "amd64",
			setup:   func() { img.PutUint64(globals, 0) },
			want:    0,
		},
		{
			desc:    "main ractor on amd64",
			version: "3.1.2",
			arch:    "amd64",
			setup: func() {
				img.PutUint64(globals, ractor)
				img.PutUint64(ractor+0x208, ec)
			},
			want: ec,
		},
		{
			desc:    "main ractor on arm64",
			version: "3.2.2",
			arch:    "arm64",
			setup: func() {
				img.PutUint64(globals, ractor)
				img.PutUint64(ractor+0x218, ec+8)
			},
			want: ec + 8,
		},
		{
			desc:    "ractor not initialized yet",
			version: "3.0.0",
			arch:    "amd64",
			setup:   func() { img.PutUint64(globals, 0) },
			want:    0,
		},
		{
			desc:    "dangling ractor pointer",
			version: "3.0.0",
			arch:    "amd64",
			setup:   func() { img.PutUint64(globals, 0x10) },
			wantErr: remote.ErrReadFault,
		},
		{
			desc:    "unknown architecture",
			version: "3.0.0",
			arch:    "riscv64",
			setup:   func() { img.PutUint64(globals, ractor) },
			wantErr: layout.ErrUnsupportedVersion,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			tc.setup()
			v, l := lookup(t, tc.version)
			interp := &Interpreter{Version: v, Layout: l, Arch: tc.arch, ECSymbol: globals}

			got, err := interp.CurrentEC(mem)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDetectNotRuby(t *testing.T) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		t.Skipf("procfs not available: %v", err)
	}
	regions, err := process.NewScanner(prometheus.NewRegistry(), fs).Scan(os.Getpid())
	require.NoError(t, err)

	d := NewDetector(log.NewNopLogger(), layout.Default(), "")
	_, err = d.Detect(os.Getpid(), remote.Memory{Reader: remotetest.NewImage(1)}, regions)
	require.ErrorIs(t, err, process.ErrInterpreterNotFound)
}

func TestVersionRegexes(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		input string
		want  string
	}{
		{desc: "description", input: "ruby 3.1.2p20 (2022-04-12 revision 4491bb740a) [x86_64-linux]", want: "3.1.2"},
		{desc: "description without patchlevel", input: "ruby 3.3.0 (2023-12-25 revision 5124f9ac75) [x86_64-linux]", want: "3.3.0"},
		{desc: "not a description", input: "gem 3.1.2 installed", want: ""},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			m := descriptionRegex.FindStringSubmatch(tc.input)
			if tc.want == "" {
				require.Nil(t, m)
				return
			}
			require.Equal(t, tc.want, m[1])
		})
	}

	require.Equal(t, "3.1.2", pathRegex.FindString("/usr/lib/x86_64-linux-gnu/libruby-3.1.so.3.1.2"))
	require.Equal(t, "2.7.8", pathRegex.FindString("/opt/rubies/ruby-2.7.8/bin/ruby"))
}

func TestThreadID(t *testing.T) {
	img := remotetest.NewImage(1)
	mem := remote.Memory{Reader: img}

	_, l := lookup(t, "3.2.2")
	b := stacktest.New(img, l)
	interp := &Interpreter{Layout: l}

	th := b.Thread(64)
	_, ok, err := interp.ThreadID(mem, th.EC)
	require.NoError(t, err)
	require.False(t, ok, "no thread attached yet")

	b.SetNativeThread(th, 4711)
	tid, ok, err := interp.ThreadID(mem, th.EC)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4711, tid)

	_, ok, err = interp.ThreadID(mem, 0)
	require.NoError(t, err)
	require.False(t, ok)

	// Layouts without native thread fields cannot tell.
	_, old := lookup(t, "2.7.8")
	th = stacktest.New(img, old).Thread(64)
	_, ok, err = (&Interpreter{Layout: old}).ThreadID(mem, th.EC)
	require.NoError(t, err)
	require.False(t, ok)
}
