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

package runtime

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xyproto/ainur"
)

var ErrSymbolNotFound = errors.New("symbol not found")

// HasSymbols reports whether any of the names appears in the static or the
// dynamic string table. It streams the tables and never builds the full
// symbol list.
func HasSymbols(ef *elf.File, matches [][]byte) (bool, error) {
	var (
		hasSymbols bool
		err        error
	)

	if hasSymbols, err = isSymbolNameInSection(ef, elf.SHT_SYMTAB, matches); err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return hasSymbols, fmt.Errorf("search symbols: %w", err)
	}

	if !hasSymbols {
		if hasSymbols, err = isSymbolNameInSection(ef, elf.SHT_DYNSYM, matches); err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return hasSymbols, fmt.Errorf("search dynamic symbols: %w", err)
		}
	}

	return hasSymbols, nil
}

func isSymbolNameInSection(ef *elf.File, t elf.SectionType, matches [][]byte) (bool, error) {
	symtabSection := ef.SectionByType(t)
	if symtabSection == nil {
		return false, elf.ErrNoSymbols
	}

	strtabReader, err := stringTableReader(ef, symtabSection.Link)
	if err != nil {
		return false, fmt.Errorf("cannot load string table section: %w", err)
	}

	sr, err := ainur.NewStreamReader(strtabReader, 8192)
	if err != nil {
		return false, fmt.Errorf("create stream reader: %w", err)
	}

	for {
		b, err := sr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return false, fmt.Errorf("read next: %w", err)
		}

		for _, match := range matches {
			if bytes.Contains(b, match) {
				return true, nil
			}
		}
	}

	return false, nil
}

// FindSymbol looks a symbol up by its exact name, first in the static symbol
// table and then in the dynamic one.
func FindSymbol(ef *elf.File, name string) (*elf.Symbol, error) {
	if ef.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class: %v", ef.Class)
	}

	sym, err := findSymbol64(ef, elf.SHT_SYMTAB, name)
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) && !errors.Is(err, ErrSymbolNotFound) {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	if sym != nil {
		return sym, nil
	}

	sym, err = findSymbol64(ef, elf.SHT_DYNSYM, name)
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) && !errors.Is(err, ErrSymbolNotFound) {
		return nil, fmt.Errorf("search dynamic symbols: %w", err)
	}
	if sym != nil {
		return sym, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
}

// findSymbol64 walks the raw symbol entries and compares the names in place in
// the string table.
func findSymbol64(ef *elf.File, typ elf.SectionType, name string) (*elf.Symbol, error) {
	symtabSection := ef.SectionByType(typ)
	if symtabSection == nil {
		return nil, elf.ErrNoSymbols
	}
	if symtabSection.Link == 0 || symtabSection.Link >= uint32(len(ef.Sections)) {
		return nil, errors.New("section has invalid string table link")
	}

	strtab, err := ef.Sections[symtabSection.Link].Data()
	if err != nil {
		return nil, fmt.Errorf("cannot load string table section: %w", err)
	}
	data, err := symtabSection.Data()
	if err != nil {
		return nil, fmt.Errorf("cannot load symbol section: %w", err)
	}
	if len(data)%elf.Sym64Size != 0 {
		return nil, errors.New("length of symbol section is not a multiple of Sym64Size")
	}

	want := append([]byte(name), 0)
	// The first entry is all zeros.
	for off := elf.Sym64Size; off+elf.Sym64Size <= len(data); off += elf.Sym64Size {
		nameOff := ef.ByteOrder.Uint32(data[off:])
		if int(nameOff)+len(want) > len(strtab) || !bytes.Equal(strtab[nameOff:int(nameOff)+len(want)], want) {
			continue
		}

		var sym elf.Sym64
		if err := binary.Read(bytes.NewReader(data[off:off+elf.Sym64Size]), ef.ByteOrder, &sym); err != nil {
			return nil, fmt.Errorf("cannot read symbol: %w", err)
		}
		return &elf.Symbol{
			Name:    name,
			Info:    sym.Info,
			Other:   sym.Other,
			Section: elf.SectionIndex(sym.Shndx),
			Value:   sym.Value,
			Size:    sym.Size,
		}, nil
	}

	return nil, ErrSymbolNotFound
}

func stringTableReader(ef *elf.File, link uint32) (io.ReadSeeker, error) {
	if link == 0 || link >= uint32(len(ef.Sections)) {
		return nil, errors.New("section has invalid string table link")
	}
	return ef.Sections[link].Open(), nil
}

// ReadSymbolData reads the initialized bytes of a symbol from the file. It
// fails for symbols that live in sections without file contents.
func ReadSymbolData(ef *elf.File, sym *elf.Symbol, size uint64) ([]byte, error) {
	for _, sec := range ef.Sections {
		if sec.Type == elf.SHT_NOBITS || sym.Value < sec.Addr || sym.Value+size > sec.Addr+sec.Size {
			continue
		}
		buf := make([]byte, size)
		if _, err := sec.ReadAt(buf, int64(sym.Value-sec.Addr)); err != nil {
			return nil, fmt.Errorf("read %s: %w", sec.Name, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("no section with file contents holds %q", sym.Name)
}
