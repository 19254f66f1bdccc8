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

//go:build linux

package remote

import (
	"bytes"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestReadOwnProcess(t *testing.T) {
	h, err := Open(os.Getpid())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })

	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	dataPtr := uint64(uintptr(unsafe.Pointer(&data[0])))
	str := []byte("this is a string\x00")
	strPtr := uint64(uintptr(unsafe.Pointer(&str[0])))
	longStr := append(bytes.Repeat([]byte("long test string"), 4095/16), 0x00)
	longStrPtr := uint64(uintptr(unsafe.Pointer(&longStr[0])))

	for _, length := range []int{1, 3, 8} {
		buf := make([]byte, length)
		require.NoError(t, h.Read(dataPtr, buf))
		require.Equal(t, data[:length], buf)
	}

	mem := Memory{Reader: h}
	v32, err := mem.Uint32(dataPtr)
	require.NoError(t, err)
	require.Equal(t, uint32(0x04030201), v32)

	ptr, err := mem.Ptr(dataPtr)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0807060504030201), ptr)

	s, err := mem.String(strPtr, 64)
	require.NoError(t, err)
	require.Equal(t, string(str[:len(str)-1]), s)

	s, err = mem.String(longStrPtr, 8192)
	require.NoError(t, err)
	require.Equal(t, string(longStr[:len(longStr)-1]), s)

	_, err = mem.String(longStrPtr, 16)
	require.True(t, IsStringTooLong(err))

	runtime.KeepAlive(data)
	runtime.KeepAlive(str)
	runtime.KeepAlive(longStr)
}

func TestReadUnmappedAddress(t *testing.T) {
	h, err := Open(os.Getpid())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })

	err = h.Read(0x8, make([]byte, 8))
	require.ErrorIs(t, err, ErrReadFault)
	require.NotErrorIs(t, err, ErrProcessGone)
}

func TestReadExitedProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	h, err := Open(cmd.Process.Pid)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	for i := 0; i < 3; i++ {
		err = h.Read(0x400000, make([]byte, 8))
		require.ErrorIs(t, err, ErrProcessGone)
	}
}

func TestOpen(t *testing.T) {
	for _, tc := range []struct {
		desc string
		pid  int
		err  error
	}{
		{
			desc: "negative pid",
			pid:  -1,
			err:  ErrNotFound,
		},
		{
			desc: "pid that does not exist",
			pid:  1 << 30,
			err:  ErrNotFound,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Open(tc.pid)
			require.ErrorIs(t, err, tc.err)
		})
	}
}
