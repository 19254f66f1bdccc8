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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/parca-dev/rbprof/pkg/profile"
	"github.com/parca-dev/rbprof/pkg/stack"
)

var errCorrupted = errors.New("corrupted collapsed stacks")

var stdlibPath = regexp.MustCompile(`^.*/ruby/\d+\.\d+\.\d+/`)

// ShortenPath makes source paths readable: paths below cwd become relative,
// gem and standard library paths lose their installation prefix.
func ShortenPath(path, cwd string) string {
	if cwd != "" {
		prefix := strings.TrimSuffix(cwd, "/") + "/"
		if strings.HasPrefix(path, prefix) {
			return path[len(prefix):]
		}
	}
	if i := strings.LastIndex(path, "/gems/"); i != -1 {
		return path[i+len("/gems/"):]
	}
	if loc := stdlibPath.FindStringIndex(path); loc != nil {
		return path[loc[1]:]
	}
	return path
}

// FrameLabel renders a frame as "name - path:line". Native and synthetic
// frames are rendered by name only.
func FrameLabel(f stack.Frame, cwd string) string {
	if f.Native {
		return f.Name
	}
	path := f.AbsolutePath
	if path == "" {
		path = f.RelativePath
	}
	if path == "" {
		return f.Name
	}
	return f.Name + " - " + ShortenPath(path, cwd) + ":" + strconv.Itoa(f.Line)
}

// Collapsed writes stacks one per line, frames root to leaf joined by ";"
// and followed by the sample count, the input format of flamegraph tools.
type Collapsed struct {
	snap *profile.Snapshot
	opts Options
}

func NewCollapsed(snap *profile.Snapshot, opts Options) *Collapsed {
	return &Collapsed{snap: snap, opts: opts}
}

func (c *Collapsed) Write(w io.Writer) error {
	zw := gzip.NewWriter(w)
	if err := c.WriteUncompressed(zw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func (c *Collapsed) WriteUncompressed(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := writeCollapsed(bw, c.snap.OnCPU, c.opts.Cwd); err != nil {
		return err
	}
	if c.opts.OffCPU {
		if err := writeCollapsed(bw, c.snap.OffCPU, c.opts.Cwd); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeCollapsed(w *bufio.Writer, t *profile.Tree, cwd string) error {
	var err error
	t.Stacks(func(frames []stack.Frame, count uint64) {
		if err != nil {
			return
		}
		for i, f := range frames {
			if i > 0 {
				if err = w.WriteByte(';'); err != nil {
					return
				}
			}
			if _, err = w.WriteString(FrameLabel(f, cwd)); err != nil {
				return
			}
		}
		_, err = fmt.Fprintf(w, " %d\n", count)
	})
	return err
}

// ParseCollapsed reads collapsed stacks back into a tree. Paths stay as
// written, they were shortened on output.
func ParseCollapsed(r io.Reader) (*profile.Tree, error) {
	t := profile.NewTree()
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		frames []stack.Frame
		lineNo int
	)
	for s.Scan() {
		lineNo++
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}
		i := bytes.LastIndexByte(line, ' ')
		if i == -1 {
			return nil, fmt.Errorf("line %d: %w: missing count", lineNo, errCorrupted)
		}
		count, err := strconv.ParseUint(string(line[i+1:]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %w", lineNo, errCorrupted, err)
		}

		frames = frames[:0]
		for _, label := range strings.Split(string(line[:i]), ";") {
			frames = append(frames, parseFrameLabel(label))
		}
		t.AddN(frames, count)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// ReadCollapsed reads collapsed stacks as a snapshot of on-CPU samples.
// Sample times are not part of the format, so the snapshot has none.
func ReadCollapsed(r io.Reader) (*profile.Snapshot, error) {
	t, err := ParseCollapsed(r)
	if err != nil {
		return nil, err
	}
	total := t.Total()
	snap := &profile.Snapshot{
		OnCPU:  t,
		OffCPU: profile.NewTree(),
		Counts: profile.Counts{Total: total, OnCPU: total},
	}
	if n, ok := t.Root.Children[profile.FrameID(profile.TruncatedFrame)]; ok {
		snap.Counts.Truncated = n.Count
	}
	return snap, nil
}

func parseFrameLabel(label string) stack.Frame {
	i := strings.LastIndex(label, " - ")
	if i == -1 {
		return stack.Frame{Name: label, Native: label == stack.NativeFrameName}
	}
	f := stack.Frame{Name: label[:i]}
	loc := label[i+len(" - "):]
	f.RelativePath = loc
	if j := strings.LastIndexByte(loc, ':'); j != -1 {
		if line, err := strconv.Atoi(loc[j+1:]); err == nil {
			f.RelativePath = loc[:j]
			f.Line = line
		}
	}
	return f
}
