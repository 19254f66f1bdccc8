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

package remote

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const pageSize = 4096

var errStringTooLong = errors.New("string is not terminated within bound")

// Memory wraps a Reader with typed accessors. All values are decoded as
// little endian, which covers every platform the profiler supports.
type Memory struct {
	Reader
}

func (m Memory) Bytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := m.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m Memory) Uint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := m.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (m Memory) Uint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := m.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Ptr reads a pointer sized value.
func (m Memory) Ptr(addr uint64) (uint64, error) {
	return m.Uint64(addr)
}

// String reads a NUL terminated string of at most max bytes. Reads never
// cross a page boundary unless the string continues past it, so a short string
// at the end of a mapping does not fault.
func (m Memory) String(addr uint64, max int) (string, error) {
	var out []byte
	for len(out) < max {
		chunk := int(pageSize - (addr+uint64(len(out)))%pageSize)
		if rest := max - len(out); chunk > rest {
			chunk = rest
		}
		buf := make([]byte, chunk)
		if err := m.Read(addr+uint64(len(out)), buf); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
	}
	return "", fmt.Errorf("read string at 0x%x: %w", addr, errStringTooLong)
}

// IsStringTooLong reports whether err was caused by a string that did not
// terminate within the requested bound.
func IsStringTooLong(err error) bool {
	return errors.Is(err, errStringTooLong)
}
