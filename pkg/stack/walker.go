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

// Package stack walks the Ruby VM stack of a remote thread.
package stack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/parca-dev/rbprof/pkg/remote"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby/layout"
)

var (
	ErrWalkCorrupted = errors.New("stack walk corrupted")
	// ErrUnmappedAddress marks a corrupted walk that followed a pointer outside
	// of the known mappings. The mappings may be stale, so a walk that fails
	// with it is worth retrying after scanning the address space again.
	ErrUnmappedAddress = errors.New("address outside of known mappings")
)

const (
	DefaultMaxDepth = 1024

	// Sanity bounds. Values past them only come from reading garbage.
	maxStackWords   = 1 << 24
	maxInsnInfoSize = 1 << 20
	maxLine         = 1 << 24

	// Special constants of 64 bit Ruby are tagged in the low bits or small.
	specialConstMask = 0x7
	qnil             = 0x08

	frameCacheSize = 4096
)

// AddressSpace tells which addresses are mapped in the target.
type AddressSpace interface {
	Contains(addr uint64) bool
}

// Walker turns the VM stack of an execution context into frames. A walker
// belongs to one session and must not be used concurrently.
type Walker struct {
	maxDepth int
	space    AddressSpace

	// Resolved frames keyed by iseq body and pc. A hit is only used while the
	// body still points at the objects the frame was resolved from.
	frames *freelru.LRU[iseqPC, cachedFrame]
}

type cachedFrame struct {
	frame Frame
	// Pointers read from the iseq body when the frame was resolved.
	label, path, insnInfo uint64
}

type iseqPC struct {
	body uint64
	pc   uint64
}

func hashIseqPC(k iseqPC) uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], k.body)
	binary.LittleEndian.PutUint64(b[8:], k.pc)
	return uint32(xxhash.Sum64(b[:]))
}

// NewWalker returns a walker that resolves at most maxDepth frames. A non
// positive depth selects DefaultMaxDepth.
func NewWalker(maxDepth int) (*Walker, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	frames, err := freelru.New[iseqPC, cachedFrame](frameCacheSize, hashIseqPC)
	if err != nil {
		return nil, fmt.Errorf("create frame cache: %w", err)
	}
	return &Walker{
		maxDepth: maxDepth,
		frames:   frames,
	}, nil
}

func (w *Walker) MaxDepth() int {
	return w.maxDepth
}

// SetAddressSpace replaces the map used to reject implausible pointers. With
// no address space every pointer is accepted and only reads can fail.
func (w *Walker) SetAddressSpace(space AddressSpace) {
	w.space = space
}

// Reset drops every cached frame. Needed whenever the target's memory may have
// been remapped.
func (w *Walker) Reset() {
	w.frames.Purge()
}

// walk is the state of a single Walk call.
type walk struct {
	*Walker
	mem    remote.Memory
	layout *layout.Layout
}

// Walk resolves the stack of the execution context at ec, leaf first. A zero
// ec is an idle thread and yields an empty trace. On ErrWalkCorrupted and on
// read errors the frames resolved so far are returned in a truncated trace.
func (w *Walker) Walk(mem remote.Memory, l *layout.Layout, ec uint64) (Trace, error) {
	if ec == 0 {
		return Trace{}, nil
	}
	wk := &walk{Walker: w, mem: mem, layout: l}

	var frames []Frame
	truncated := func(err error) (Trace, error) {
		return Trace{Frames: frames, Truncated: true}, err
	}

	if err := wk.plausible(ec, "execution context"); err != nil {
		return truncated(err)
	}
	stackStart, err := mem.Ptr(ec + l.Field(layout.ECVMStack))
	if err != nil {
		return truncated(err)
	}
	stackWords, err := mem.Uint64(ec + l.Field(layout.ECVMStackSize))
	if err != nil {
		return truncated(err)
	}
	cfp, err := mem.Ptr(ec + l.Field(layout.ECCFP))
	if err != nil {
		return truncated(err)
	}
	if stackWords == 0 || stackWords > maxStackWords {
		return truncated(wk.corrupted("vm stack of %d words", stackWords))
	}
	if err := wk.plausible(stackStart, "vm stack"); err != nil {
		return truncated(err)
	}
	stackEnd := stackStart + stackWords*l.PointerWidth
	if cfp < stackStart || cfp > stackEnd {
		return truncated(wk.corrupted("control frame 0x%x outside of vm stack [0x%x, 0x%x)", cfp, stackStart, stackEnd))
	}

	// Control frames grow down from the end of the VM stack, the current
	// one is the innermost call.
	frameSize := l.Field(layout.CFSize)
	for ; cfp+frameSize <= stackEnd; cfp += frameSize {
		f, ok, err := wk.frame(cfp)
		if err != nil {
			return truncated(err)
		}
		if !ok {
			continue
		}
		if len(frames) == w.maxDepth {
			return truncated(wk.corrupted("more than %d frames", w.maxDepth))
		}
		frames = append(frames, f)
	}
	return Trace{Frames: frames}, nil
}

// frame resolves one control frame. Frames without code, like the dummy
// frame at the top of every thread, are skipped.
func (w *walk) frame(cfp uint64) (Frame, bool, error) {
	l := w.layout

	ep, err := w.mem.Ptr(cfp + l.Field(layout.CFEP))
	if err != nil {
		return Frame{}, false, err
	}
	if ep != 0 {
		flags, err := w.mem.Uint64(ep)
		if err != nil {
			return Frame{}, false, err
		}
		if flags&l.FrameFlags.MagicMask == l.FrameFlags.MagicCFunc {
			return Frame{Name: NativeFrameName, Native: true}, true, nil
		}
	}

	iseq, err := w.mem.Ptr(cfp + l.Field(layout.CFISeq))
	if err != nil {
		return Frame{}, false, err
	}
	pc, err := w.mem.Ptr(cfp + l.Field(layout.CFPC))
	if err != nil {
		return Frame{}, false, err
	}
	if iseq == 0 || pc == 0 {
		return Frame{}, false, nil
	}
	if err := w.plausible(iseq, "iseq"); err != nil {
		return Frame{}, false, err
	}

	body, err := w.mem.Ptr(iseq + l.Field(layout.ISeqBody))
	if err != nil {
		return Frame{}, false, err
	}
	if err := w.plausible(body, "iseq body"); err != nil {
		return Frame{}, false, err
	}

	origin, err := w.origin(body)
	if err != nil {
		return Frame{}, false, err
	}
	key := iseqPC{body: body, pc: pc}
	if c, ok := w.frames.Get(key); ok {
		if c.label == origin.label && c.path == origin.path && c.insnInfo == origin.insnInfo {
			return c.frame, true, nil
		}
		// The body was freed and reused by another iseq.
		w.frames.Remove(key)
	}

	f, err := w.resolve(body, pc, origin)
	if err != nil {
		return Frame{}, false, err
	}
	origin.frame = f
	w.frames.Add(key, origin)
	return f, true, nil
}

// origin reads the pointers of an iseq body a resolved frame depends on.
func (w *walk) origin(body uint64) (cachedFrame, error) {
	l := w.layout
	location := body + l.Field(layout.BodyLocation)

	var c cachedFrame
	var err error
	if c.label, err = w.mem.Ptr(location + l.Field(layout.LocationBaseLabel)); err != nil {
		return cachedFrame{}, err
	}
	if c.path, err = w.mem.Ptr(location + l.Field(layout.LocationPathObj)); err != nil {
		return cachedFrame{}, err
	}
	if c.insnInfo, err = w.mem.Ptr(body + l.Field(layout.BodyInsnInfo)); err != nil {
		return cachedFrame{}, err
	}
	return c, nil
}

func (w *walk) resolve(body, pc uint64, origin cachedFrame) (Frame, error) {
	name, err := w.rstring(origin.label)
	if err != nil {
		return Frame{}, fmt.Errorf("label: %w", err)
	}

	rel, abs, err := w.paths(origin.path)
	if err != nil {
		return Frame{}, fmt.Errorf("path: %w", err)
	}

	line, err := w.lineNo(body, pc)
	if err != nil {
		return Frame{}, fmt.Errorf("line: %w", err)
	}

	return Frame{
		Name:         name,
		RelativePath: rel,
		AbsolutePath: abs,
		Line:         line,
	}, nil
}

// paths decodes the path object of an iseq. It is either the path string, or
// an array holding the path and the real path.
func (w *walk) paths(obj uint64) (string, string, error) {
	flags, err := w.object(obj)
	if err != nil {
		return "", "", err
	}

	objs := w.layout.Objects
	switch flags & objs.TypeMask {
	case objs.TString:
		s, err := w.rstring(obj)
		return s, s, err
	case objs.TArray:
		elems := obj + w.layout.Field(layout.RArrayAsAry)
		if flags&objs.RArrayEmbed == 0 {
			if elems, err = w.mem.Ptr(obj + w.layout.Field(layout.RArrayAsHeapPtr)); err != nil {
				return "", "", err
			}
			if err := w.plausible(elems, "array elements"); err != nil {
				return "", "", err
			}
		}

		relObj, err := w.mem.Ptr(elems)
		if err != nil {
			return "", "", err
		}
		rel, err := w.rstring(relObj)
		if err != nil {
			return "", "", err
		}
		absObj, err := w.mem.Ptr(elems + objs.RealpathIndex*w.layout.PointerWidth)
		if err != nil {
			return "", "", err
		}
		if isSpecialConst(absObj) {
			// No real path, e.g. for code passed to eval.
			return rel, rel, nil
		}
		abs, err := w.rstring(absObj)
		if err != nil {
			return "", "", err
		}
		return rel, abs, nil
	default:
		return "", "", w.corrupted("path object of type 0x%x", flags&objs.TypeMask)
	}
}

// rstring decodes a Ruby string object. Short strings are embedded in the
// object itself unless the NOEMBED flag is set.
func (w *walk) rstring(obj uint64) (string, error) {
	flags, err := w.object(obj)
	if err != nil {
		return "", err
	}
	objs := w.layout.Objects
	if flags&objs.TypeMask != objs.TString {
		return "", w.corrupted("object 0x%x of type 0x%x is not a string", obj, flags&objs.TypeMask)
	}

	addr := obj + w.layout.Field(layout.RStringAsAry)
	if flags&objs.RStringNoEmbed != 0 {
		if addr, err = w.mem.Ptr(obj + w.layout.Field(layout.RStringAsHeapPtr)); err != nil {
			return "", err
		}
		if err := w.plausible(addr, "string contents"); err != nil {
			return "", err
		}
	}

	s, err := w.mem.String(addr, objs.MaxStringLength)
	if err != nil {
		if remote.IsStringTooLong(err) {
			return "", w.corrupted("string at 0x%x longer than %d bytes", addr, objs.MaxStringLength)
		}
		return "", err
	}
	if !utf8.ValidString(s) {
		return "", w.corrupted("string at 0x%x is not valid utf-8", addr)
	}
	return s, nil
}

// object reads the flags word of a heap object.
func (w *walk) object(obj uint64) (uint64, error) {
	if isSpecialConst(obj) {
		return 0, w.corrupted("special constant 0x%x where an object was expected", obj)
	}
	if err := w.plausible(obj, "object"); err != nil {
		return 0, err
	}
	return w.mem.Uint64(obj)
}

func isSpecialConst(v uint64) bool {
	return v&specialConstMask != 0 || v <= qnil
}

func (w *walk) plausible(addr uint64, what string) error {
	if addr == 0 {
		return w.corrupted("%s is null", what)
	}
	if w.space != nil && !w.space.Contains(addr) {
		return fmt.Errorf("%w: %w: %s at 0x%x", ErrWalkCorrupted, ErrUnmappedAddress, what, addr)
	}
	return nil
}
