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
	"fmt"
	"math/bits"

	"github.com/parca-dev/rbprof/pkg/runtime/ruby/layout"
)

const (
	succBlockBits      = 512
	succSmallBlockBits = 64
)

// lineNo maps the program counter of a frame to a source line through the
// instruction info table of its iseq body.
func (w *walk) lineNo(body, pc uint64) (int, error) {
	l := w.layout

	size, err := w.mem.Uint32(body + l.Field(layout.BodyInsnInfoSize))
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, nil
	}
	if size > maxInsnInfoSize {
		return 0, w.corrupted("insn info table of %d entries", size)
	}

	encoded, err := w.mem.Ptr(body + l.Field(layout.BodyEncoded))
	if err != nil {
		return 0, err
	}
	if pc < encoded {
		return 0, w.corrupted("pc 0x%x before iseq start 0x%x", pc, encoded)
	}
	pos := (pc - encoded) / l.PointerWidth
	// The pc already points at the next instruction.
	if pos != 0 {
		pos--
	}

	table, err := w.mem.Ptr(body + l.Field(layout.BodyInsnInfo))
	if err != nil {
		return 0, err
	}
	if err := w.plausible(table, "insn info table"); err != nil {
		return 0, err
	}

	var idx uint64
	switch {
	case size == 1:
		idx = 0
	case l.LineTable == layout.LineTableBinarySearch:
		idx, err = w.binarySearch(table, uint64(size), pos)
	default:
		idx, err = w.succinct(body, pos)
		if err == nil && idx >= uint64(size) {
			err = w.corrupted("insn info index %d of %d", idx, size)
		}
	}
	if err != nil {
		return 0, err
	}

	line, err := w.mem.Uint32(table + idx*l.Field(layout.InsnInfoSize) + l.Field(layout.InsnInfoLineNo))
	if err != nil {
		return 0, err
	}
	if int32(line) < 0 || line > maxLine {
		return 0, w.corrupted("line %d", int32(line))
	}
	return int(line), nil
}

// binarySearch returns the index of the last entry whose position is not
// after pos. Positions of the entries are sorted, the first entry covers the
// start of the iseq.
func (w *walk) binarySearch(table, size, pos uint64) (uint64, error) {
	entrySize := w.layout.Field(layout.InsnInfoSize)
	posOff := w.layout.Field(layout.InsnInfoPosition)

	position := func(i uint64) (uint64, error) {
		v, err := w.mem.Uint32(table + i*entrySize + posOff)
		return uint64(v), err
	}

	lo, hi := uint64(1), size-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		p, err := position(mid)
		if err != nil {
			return 0, err
		}
		switch {
		case p == pos:
			return mid, nil
		case p < pos:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	if lo >= size {
		return size - 1, nil
	}
	p, err := position(lo)
	if err != nil {
		return 0, err
	}
	if p > pos {
		return lo - 1, nil
	}
	return lo, nil
}

// succinct ranks pos in the succinct bit vector of instruction positions.
// The rank counts the entries that start at or before pos, the entry
// covering pos is the one before it.
func (w *walk) succinct(body, pos uint64) (uint64, error) {
	l := w.layout

	sd, err := w.mem.Ptr(body + l.Field(layout.BodySuccTable))
	if err != nil {
		return 0, err
	}
	if err := w.plausible(sd, "succ index table"); err != nil {
		return 0, err
	}

	var rank uint64
	immSize := l.Field(layout.SuccImmediateTableSz)
	if pos < immSize {
		i, j := pos/9, pos%9
		imm, err := w.mem.Uint64(sd + i*8)
		if err != nil {
			return 0, err
		}
		rank = (imm >> (j * 7)) & 0x7f
	} else {
		x := pos - immSize
		block := sd + l.Field(layout.SuccPart) + (x/succBlockBits)*l.Field(layout.SuccDictBlockSize)
		bit := x % succBlockBits
		small := bit / succSmallBlockBits

		blockRank, err := w.mem.Uint32(block)
		if err != nil {
			return 0, err
		}
		rank = uint64(blockRank)
		if small > 0 {
			ranks, err := w.mem.Uint64(block + l.Field(layout.SuccSmallBlockRanks))
			if err != nil {
				return 0, err
			}
			rank += (ranks >> ((small - 1) * 9)) & 0x1ff
		}
		bitsWord, err := w.mem.Uint64(block + l.Field(layout.SuccBlockBits) + small*8)
		if err != nil {
			return 0, err
		}
		rank += uint64(bits.OnesCount64(bitsWord << (63 - bit%succSmallBlockBits)))
	}

	if rank == 0 {
		return 0, w.corrupted("position %d precedes every insn info entry", pos)
	}
	return rank - 1, nil
}

func (w *walk) corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrWalkCorrupted, fmt.Sprintf(format, args...))
}
