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

package stack

import (
	"strconv"
	"strings"
)

const (
	// NativeFrameName names frames that run C code of the interpreter or of
	// an extension.
	NativeFrameName = "<native code>"
	// TruncatedFrameName is the synthetic root of every sample whose walk
	// was cut short.
	TruncatedFrameName = "[truncated]"
)

// Frame is one resolved frame of a Ruby call stack. Frames are values and
// comparable, equal frames are the same code location.
type Frame struct {
	Name         string
	RelativePath string
	AbsolutePath string
	Line         int
	Native       bool
}

func (f Frame) String() string {
	if f.Native {
		return f.Name
	}
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteString(" - ")
	b.WriteString(f.RelativePath)
	b.WriteString(":")
	b.WriteString(strconv.Itoa(f.Line))
	return b.String()
}

// Trace is the result of one walk. Frames are ordered leaf first. A truncated
// trace holds the frames resolved before the walk was aborted.
type Trace struct {
	Frames    []Frame
	Truncated bool
}

// Idle reports whether no Ruby code was on the stack.
func (t Trace) Idle() bool {
	return len(t.Frames) == 0 && !t.Truncated
}
