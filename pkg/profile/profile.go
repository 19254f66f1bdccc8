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
	"io"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/parca-dev/rbprof/pkg/stack"
)

// Sample is one observation of a thread.
type Sample struct {
	Time time.Time
	// Frames are ordered leaf first.
	Frames    []stack.Frame
	ThreadID  int
	OnCPU     bool
	Truncated bool
}

// Idle reports whether the thread ran no Ruby code.
func (s Sample) Idle() bool {
	return len(s.Frames) == 0 && !s.Truncated
}

// TruncatedFrame roots the frames of samples whose walk was cut short.
var TruncatedFrame = stack.Frame{Name: stack.TruncatedFrameName}

// FrameID identifies a frame by its location.
func FrameID(f stack.Frame) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(f.Name)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(f.AbsolutePath)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(f.RelativePath)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(strconv.Itoa(f.Line))
	if f.Native {
		_, _ = d.Write([]byte{1})
	}
	return d.Sum64()
}

type Writer interface {
	Write(io.Writer) error
	WriteUncompressed(io.Writer) error
}
