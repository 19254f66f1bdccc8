// Copyright 2022-2023 The Parca Authors
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
//

// Copyright 2014 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package elfreader

import (
	"debug/elf"
)

const pageSize = 4096

// IsASLRElegibleElf returns whether the elf executable could be elegible for
// address space layout randomization (ASLR).
//
// Whether to enable ASLR for a process is decided in this kernel code
// path (https://github.com/torvalds/linux/blob/v5.0/fs/binfmt_elf.c#L955).
//
// Note(javierhonduco): This check is a bit simplistic and might not work
// for every case. We might want to check across multiple kernels. It probably
// won't be correct for the dynamic loader itself. See link above.
func IsASLRElegibleElf(elfFile *elf.File) bool {
	return elfFile.FileHeader.Type == elf.ET_DYN
}

// LoadBias returns the difference between the addresses a file was linked
// at and the addresses it got mapped at. base is the address the start of
// the file is mapped at. Executables that are not eligible for ASLR are
// always mapped where they were linked.
func LoadBias(f *elf.File, base uint64) uint64 {
	if !IsASLRElegibleElf(f) {
		return 0
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		// The first loadable segment maps the start of the file.
		return saturatingSub(base, (p.Vaddr-p.Off)&^uint64(pageSize-1))
	}
	return base
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
