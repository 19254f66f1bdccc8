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

package process

import (
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Region is one entry of a process address space map. Regions are snapshots,
// they are never updated in place.
type Region struct {
	Start  uint64
	End    uint64
	Offset uint64
	Perms  procfs.ProcMapPermissions
	Inode  uint64
	Path   string
}

func (r Region) Size() uint64 {
	return r.End - r.Start
}

func (r Region) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

// Regions is an address space map ordered by start address.
type Regions []Region

// RegionForAddr returns the region that contains the given address.
func (rs Regions) RegionForAddr(addr uint64) (Region, bool) {
	i := sort.Search(len(rs), func(i int) bool {
		return rs[i].End > addr
	})
	if i < len(rs) && rs[i].Contains(addr) {
		return rs[i], true
	}
	return Region{}, false
}

// Contains reports whether the address is mapped at all.
func (rs Regions) Contains(addr uint64) bool {
	_, ok := rs.RegionForAddr(addr)
	return ok
}

// Object groups all the regions backed by the same file.
type Object struct {
	PID     int
	Path    string
	Regions Regions
}

// Base returns the address the file would be loaded at if its first region
// was mapped from offset zero.
func (o Object) Base() uint64 {
	if len(o.Regions) == 0 {
		return 0
	}
	first := o.Regions[0]
	return first.Start - first.Offset
}

// AbsolutePath returns path relative to the root namespace of the system.
func (o Object) AbsolutePath() string {
	return AbsolutePath(o.PID, o.Path)
}

// AbsolutePath returns a path of the process's mount namespace as seen from
// the root namespace of the system.
func AbsolutePath(pid int, p string) string {
	return path.Join("/proc", strconv.Itoa(pid), "/root", p)
}

var (
	librubyRegex = regexp.MustCompile(`^libruby(?:-[^/]*)?\.so(?:\.\d+)*$`)
	rubyRegex    = regexp.MustCompile(`^ruby(?:[0-9.]*)$`)
)

// FindInterpreter returns the object hosting the Ruby VM. A shared libruby
// wins over the executable, since the executable is only a thin launcher in
// that case.
func (rs Regions) FindInterpreter(pid int) (Object, error) {
	for _, match := range []*regexp.Regexp{librubyRegex, rubyRegex} {
		if obj, ok := rs.objectMatching(pid, match); ok {
			return obj, nil
		}
	}
	return Object{}, ErrInterpreterNotFound
}

func (rs Regions) objectMatching(pid int, rgx *regexp.Regexp) (Object, bool) {
	var (
		obj        Object
		executable bool
	)
	for _, r := range rs {
		if !doesReferToFile(r.Path) || !rgx.MatchString(path.Base(r.Path)) {
			continue
		}
		if obj.Path == "" {
			obj = Object{PID: pid, Path: r.Path}
		}
		if r.Path != obj.Path {
			continue
		}
		obj.Regions = append(obj.Regions, r)
		executable = executable || r.Perms.Execute
	}
	return obj, executable
}

func doesReferToFile(path string) bool {
	path = strings.TrimSpace(path)
	return path != "" &&
		!strings.HasPrefix(path, "[") &&
		!strings.HasPrefix(path, "anon_inode:[") &&
		!strings.Contains(path, "(deleted)") &&
		!strings.Contains(path, "memfd:")
}

func regionsFromProcMaps(maps []*procfs.ProcMap) Regions {
	res := make(Regions, 0, len(maps))
	for _, m := range maps {
		r := Region{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Inode:  m.Inode,
			Path:   m.Pathname,
		}
		if m.Perms != nil {
			r.Perms = *m.Perms
		}
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Start < res[j].Start
	})
	return res
}
