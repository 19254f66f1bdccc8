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

// Package stacktest lays out Ruby VM structures in a synthetic process image
// so the stack walker can be tested without a Ruby process.
package stacktest

import (
	"fmt"
	"sort"

	"github.com/parca-dev/rbprof/pkg/remote/remotetest"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby/layout"
)

const (
	objectSize  = 64
	iseqSize    = 64
	bodySize    = 512
	maxEmbedded = 23

	magicMethod = 0x11110001
)

// Builder writes VM structures of one layout into an image.
type Builder struct {
	Image  *remotetest.Image
	Layout *layout.Layout
}

func New(img *remotetest.Image, l *layout.Layout) *Builder {
	return &Builder{Image: img, Layout: l}
}

// ForVersion looks the layout of version up in the default catalog.
func ForVersion(img *remotetest.Image, version string) *Builder {
	v, err := layout.ParseVersion(version)
	if err != nil {
		panic(err)
	}
	l, err := layout.Default().Lookup(v)
	if err != nil {
		panic(err)
	}
	return New(img, l)
}

func (b *Builder) field(name string) uint64 {
	return b.Layout.Field(name)
}

// String allocates a string object. Short strings are embedded.
func (b *Builder) String(s string) uint64 {
	return b.string(s, len(s) > maxEmbedded)
}

// HeapString allocates a string object whose contents live in a separate
// allocation.
func (b *Builder) HeapString(s string) uint64 {
	return b.string(s, true)
}

func (b *Builder) string(s string, heap bool) uint64 {
	objs := b.Layout.Objects
	obj := b.Image.Alloc(objectSize)
	flags := objs.TString
	contents := obj + b.field(layout.RStringAsAry)
	if heap {
		flags |= objs.RStringNoEmbed
		contents = b.Image.Alloc(len(s) + 1)
		b.Image.PutUint64(obj+b.field(layout.RStringAsHeapPtr), contents)
	}
	b.Image.PutUint64(obj, flags)
	b.Image.Write(contents, append([]byte(s), 0))
	return obj
}

// Array allocates an array object holding the given values.
func (b *Builder) Array(embedded bool, values ...uint64) uint64 {
	objs := b.Layout.Objects
	obj := b.Image.Alloc(objectSize)
	flags := objs.TArray
	elems := obj + b.field(layout.RArrayAsAry)
	if embedded {
		flags |= objs.RArrayEmbed
	} else {
		elems = b.Image.Alloc(len(values) * 8)
		b.Image.PutUint64(obj+b.field(layout.RArrayAsHeapPtr), elems)
	}
	b.Image.PutUint64(obj, flags)
	for i, v := range values {
		b.Image.PutUint64(elems+uint64(i)*8, v)
	}
	return obj
}

// Line maps the instruction at Position to a source line.
type Line struct {
	Position uint32
	Line     int32
}

// ISeq is an instruction sequence in the image.
type ISeq struct {
	Addr    uint64
	Body    uint64
	Encoded uint64
}

// PC returns the program counter of a frame that is executing the
// instruction at pos. The VM points at the instruction after it.
func (i ISeq) PC(pos uint32) uint64 {
	return i.Encoded + (uint64(pos)+1)*8
}

// ISeq allocates an instruction sequence named label defined in path. The
// path object may be a string or a path array.
func (b *Builder) ISeq(label string, pathObj uint64, lines ...Line) ISeq {
	if len(lines) == 0 {
		lines = []Line{{Position: 0, Line: 1}}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Position < lines[j].Position })
	last := lines[len(lines)-1].Position

	iseq := b.Image.Alloc(iseqSize)
	body := b.Image.Alloc(bodySize)
	encoded := b.Image.Alloc(int(last+2) * 8)
	b.Image.PutUint64(iseq+b.field(layout.ISeqBody), body)
	b.Image.PutUint64(body+b.field(layout.BodyEncoded), encoded)

	location := body + b.field(layout.BodyLocation)
	b.Image.PutUint64(location+b.field(layout.LocationPathObj), pathObj)
	b.Image.PutUint64(location+b.field(layout.LocationBaseLabel), b.String(label))

	b.Image.PutUint32(body+b.field(layout.BodyInsnInfoSize), uint32(len(lines)))
	entrySize := b.field(layout.InsnInfoSize)
	table := b.Image.Alloc(len(lines) * int(entrySize))
	for i, l := range lines {
		entry := table + uint64(i)*entrySize
		b.Image.PutUint32(entry+b.field(layout.InsnInfoLineNo), uint32(l.Line))
		if b.Layout.LineTable == layout.LineTableBinarySearch {
			b.Image.PutUint32(entry+b.field(layout.InsnInfoPosition), l.Position)
		}
	}
	b.Image.PutUint64(body+b.field(layout.BodyInsnInfo), table)

	if b.Layout.LineTable == layout.LineTableSuccinct && len(lines) > 1 {
		positions := make([]uint32, 0, len(lines))
		for _, l := range lines {
			positions = append(positions, l.Position)
		}
		b.Image.PutUint64(body+b.field(layout.BodySuccTable), b.succIndexTable(positions))
	}

	return ISeq{Addr: iseq, Body: body, Encoded: encoded}
}

// succIndexTable encodes sorted positions the way the VM does: ranks of the
// first positions packed 7 bits each, then blocks of 512 bits with a rank
// and 9 bit ranks of their 64 bit sub blocks.
func (b *Builder) succIndexTable(positions []uint32) uint64 {
	immSize := b.field(layout.SuccImmediateTableSz)
	partOff := b.field(layout.SuccPart)
	blockSize := b.field(layout.SuccDictBlockSize)

	last := uint64(positions[len(positions)-1])
	blocks := uint64(0)
	if last >= immSize {
		blocks = (last-immSize)/512 + 1
	}
	sd := b.Image.Alloc(int(partOff + blocks*blockSize))

	set := map[uint64]bool{}
	for _, p := range positions {
		set[uint64(p)] = true
	}
	rank := func(x uint64) uint64 {
		var r uint64
		for _, p := range positions {
			if uint64(p) <= x {
				r++
			}
		}
		return r
	}

	for i := uint64(0); i < immSize/9; i++ {
		var imm uint64
		for j := uint64(0); j < 9; j++ {
			imm |= rank(i*9+j) << (j * 7)
		}
		b.Image.PutUint64(sd+i*8, imm)
	}

	for blk := uint64(0); blk < blocks; blk++ {
		start := immSize + blk*512
		block := sd + partOff + blk*blockSize

		var before uint64
		if start > 0 {
			before = rank(start - 1)
		}
		b.Image.PutUint32(block, uint32(before))

		var smallRanks uint64
		var count uint64
		for small := uint64(0); small < 8; small++ {
			if small > 0 {
				smallRanks |= count << ((small - 1) * 9)
			}
			var word uint64
			for bit := uint64(0); bit < 64; bit++ {
				if set[start+small*64+bit] {
					word |= 1 << bit
					count++
				}
			}
			b.Image.PutUint64(block+b.field(layout.SuccBlockBits)+small*8, word)
		}
		b.Image.PutUint64(block+b.field(layout.SuccSmallBlockRanks), smallRanks)
	}
	return sd
}

// Frame is one control frame to place on the VM stack.
type Frame struct {
	ISeq  uint64
	PC    uint64
	CFunc bool
}

// At returns the frame of iseq executing the instruction at pos.
func At(iseq ISeq, pos uint32) Frame {
	return Frame{ISeq: iseq.Addr, PC: iseq.PC(pos)}
}

// CFunc returns a frame running C code.
func CFunc() Frame {
	return Frame{CFunc: true}
}

// Thread is an execution context with its VM stack.
type Thread struct {
	EC         uint64
	StackStart uint64
	StackEnd   uint64
}

// Thread builds an execution context whose control frames are the given
// frames, root first. Like the VM it puts a dummy frame at the very top of
// the stack.
func (b *Builder) Thread(stackWords int, frames ...Frame) Thread {
	frameSize := b.field(layout.CFSize)
	need := uint64(len(frames)+1) * frameSize
	if uint64(stackWords)*8 < need {
		panic(fmt.Sprintf("stacktest: %d words do not fit %d frames", stackWords, len(frames)))
	}

	stack := b.Image.Alloc(stackWords * 8)
	end := stack + uint64(stackWords)*8

	// The dummy frame has neither an iseq nor a pc.
	cfp := end - frameSize
	for _, f := range frames {
		cfp -= frameSize
		b.writeFrame(cfp, f)
	}

	ec := b.Image.Alloc(objectSize)
	b.Image.PutUint64(ec+b.field(layout.ECVMStack), stack)
	b.Image.PutUint64(ec+b.field(layout.ECVMStackSize), uint64(stackWords))
	b.Image.PutUint64(ec+b.field(layout.ECCFP), cfp)
	return Thread{EC: ec, StackStart: stack, StackEnd: end}
}

func (b *Builder) writeFrame(cfp uint64, f Frame) {
	ep := b.Image.Alloc(8)
	flags := uint64(magicMethod)
	if f.CFunc {
		flags = b.Layout.FrameFlags.MagicCFunc
	}
	b.Image.PutUint64(ep, flags)
	b.Image.PutUint64(cfp+b.field(layout.CFEP), ep)
	b.Image.PutUint64(cfp+b.field(layout.CFISeq), f.ISeq)
	b.Image.PutUint64(cfp+b.field(layout.CFPC), f.PC)
}

// SetCFP moves the current control frame of a thread.
func (b *Builder) SetCFP(t Thread, cfp uint64) {
	b.Image.PutUint64(t.EC+b.field(layout.ECCFP), cfp)
}

// SetNativeThread attaches a Ruby thread to the execution context whose
// native thread has the kernel thread id tid. The layout must declare the
// native thread fields.
func (b *Builder) SetNativeThread(t Thread, tid int) {
	nt, ok := b.Layout.NativeThread()
	if !ok {
		panic(fmt.Sprintf("stacktest: layout %s has no native thread fields", b.Layout))
	}
	th := b.Image.Alloc(objectSize)
	native := b.Image.Alloc(objectSize)
	b.Image.PutUint32(native+nt.TID, uint32(tid))
	b.Image.PutUint64(th+nt.NativeThread, native)
	b.Image.PutUint64(t.EC+nt.ThreadPtr, th)
}
