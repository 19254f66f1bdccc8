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

package remote_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/rbprof/pkg/remote"
	"github.com/parca-dev/rbprof/pkg/remote/remotetest"
)

func TestPausedResumesOnEveryPath(t *testing.T) {
	errWalk := errors.New("walk failed")

	for _, tc := range []struct {
		desc    string
		fn      func() error
		wantErr error
		panics  bool
	}{
		{
			desc: "success",
			fn:   func() error { return nil },
		},
		{
			desc:    "failure",
			fn:      func() error { return errWalk },
			wantErr: errWalk,
		},
		{
			desc:   "panic",
			fn:     func() error { panic("boom") },
			panics: true,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			img := remotetest.NewImage(42)

			run := func() error {
				return remote.Paused(img, func() error {
					require.True(t, img.Paused())
					return tc.fn()
				})
			}

			if tc.panics {
				require.Panics(t, func() { _ = run() })
			} else {
				err := run()
				if tc.wantErr != nil {
					require.ErrorIs(t, err, tc.wantErr)
				} else {
					require.NoError(t, err)
				}
			}

			require.False(t, img.Paused())
			pauses, resumes := img.Counts()
			require.Equal(t, 1, pauses)
			require.Equal(t, 1, resumes)
		})
	}
}

func TestPausedGoneProcess(t *testing.T) {
	img := remotetest.NewImage(42)
	img.Exit()

	called := false
	err := remote.Paused(img, func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, remote.ErrProcessGone)
	require.False(t, called)
}

func TestMemoryString(t *testing.T) {
	img := remotetest.NewImage(42)
	mem := remote.Memory{Reader: img}

	// A short string right before an unmapped page must not fault by reading
	// past the end.
	addr := img.Alloc(4096) + 4090
	img.Write(addr, []byte("hello\x00"))

	s, err := mem.String(addr, 4096)
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	_, err = mem.String(addr, 3)
	require.True(t, remote.IsStringTooLong(err))

	unterminated := img.Alloc(4096)
	img.Write(unterminated, bytes.Repeat([]byte("a"), 4096))
	_, err = mem.String(unterminated, 8192)
	require.ErrorIs(t, err, remote.ErrReadFault)
}

func TestImageReadFaults(t *testing.T) {
	img := remotetest.NewImage(42)
	mem := remote.Memory{Reader: img}

	addr := img.Alloc(8)
	img.PutUint64(addr, 0xdeadbeef)
	img.FailReads(addr, 1)

	_, err := mem.Uint64(addr)
	require.ErrorIs(t, err, remote.ErrReadFault)

	v, err := mem.Uint64(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), v)

	img.Exit()
	_, err = mem.Uint64(addr)
	require.ErrorIs(t, err, remote.ErrProcessGone)
}
