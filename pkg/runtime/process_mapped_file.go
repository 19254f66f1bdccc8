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
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/parca-dev/rbprof/pkg/elfreader"
	"github.com/parca-dev/rbprof/pkg/process"
)

// ProcessMappedFile is an ELF file as mapped into a live process. Symbol
// values of the file are translated into addresses of the process.
type ProcessMappedFile struct {
	*os.File
	elfFile *elf.File

	obj  process.Object
	bias uint64
}

func OpenProcessMappedFile(obj process.Object) (*ProcessMappedFile, error) {
	f, err := os.Open(obj.AbsolutePath())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", obj.Path, err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("new file: %w", err)
	}
	return &ProcessMappedFile{
		File:    f,
		elfFile: ef,
		obj:     obj,
		bias:    elfreader.LoadBias(ef, obj.Base()),
	}, nil
}

func (pmf *ProcessMappedFile) Close() error {
	return errors.Join(pmf.elfFile.Close(), pmf.File.Close())
}

func (pmf *ProcessMappedFile) ELF() *elf.File {
	return pmf.elfFile
}

func (pmf *ProcessMappedFile) Object() process.Object {
	return pmf.obj
}

// Bias is added to symbol values to get process addresses.
func (pmf *ProcessMappedFile) Bias() uint64 {
	return pmf.bias
}

// HasSymbols reports whether the file defines any of the given names.
func (pmf *ProcessMappedFile) HasSymbols(names ...string) (bool, error) {
	matches := make([][]byte, 0, len(names))
	for _, n := range names {
		matches = append(matches, []byte(n))
	}
	return HasSymbols(pmf.elfFile, matches)
}

// FindSymbol returns the symbol with its value translated to a process
// address.
func (pmf *ProcessMappedFile) FindSymbol(name string) (elf.Symbol, error) {
	sym, err := FindSymbol(pmf.elfFile, name)
	if err != nil {
		return elf.Symbol{}, err
	}
	res := *sym
	res.Value += pmf.bias
	return res, nil
}

// FindAddressOf returns the process address of a symbol.
func (pmf *ProcessMappedFile) FindAddressOf(name string) (uint64, error) {
	sym, err := pmf.FindSymbol(name)
	if err != nil {
		return 0, err
	}
	return sym.Value, nil
}

// ReadSymbol reads the initial contents of a symbol from the file.
func (pmf *ProcessMappedFile) ReadSymbol(name string, size uint64) ([]byte, error) {
	sym, err := FindSymbol(pmf.elfFile, name)
	if err != nil {
		return nil, err
	}
	if size == 0 || size > sym.Size {
		size = sym.Size
	}
	return ReadSymbolData(pmf.elfFile, sym, size)
}

func (pmf *ProcessMappedFile) VersionFromRodata(rgx *regexp.Regexp) (string, error) {
	return ScanRodataForVersion(pmf.File, rgx)
}

func (pmf *ProcessMappedFile) VersionFromPath(rgx *regexp.Regexp) (string, error) {
	return ScanPathForVersion(pmf.obj.Path, rgx)
}
