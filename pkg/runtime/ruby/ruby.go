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

package ruby

import (
	"errors"
	"fmt"
	"regexp"
	goruntime "runtime"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/rbprof/pkg/process"
	"github.com/parca-dev/rbprof/pkg/remote"
	"github.com/parca-dev/rbprof/pkg/runtime"
	"github.com/parca-dev/rbprof/pkg/runtime/ruby/layout"
)

const (
	versionSymbol = "ruby_version"
	// ruby_version is a short char array like "3.1.2".
	maxVersionSize = 16
)

var (
	// RUBY_DESCRIPTION, e.g. "ruby 3.1.2p20 (2022-04-12 revision 4491bb740a) [x86_64-linux]".
	descriptionRegex = regexp.MustCompile(`ruby (\d+\.\d+\.\d+)(?:p\d+)? \(`)
	// libruby.so.3.1.2, /opt/rubies/ruby-3.1.2/bin/ruby or /usr/lib/ruby/3.1.0.
	pathRegex = regexp.MustCompile(`(\d+\.\d+\.\d+)`)
)

var ErrNotRuby = errors.New("object does not host a ruby vm")

// Interpreter is everything a session needs to know about the Ruby VM of a
// process. It stays valid until the process maps change.
type Interpreter struct {
	Object   process.Object
	Runtime  runtime.Runtime
	Version  layout.Version
	Layout   *layout.Layout
	Compiler runtime.Compiler
	Arch     string

	// ECSymbol is the address of the symbol the current execution context is
	// reached from. Depending on the layout it holds the execution context
	// pointer or the main ractor pointer.
	ECSymbol uint64
}

// CurrentEC returns the address of the execution context that holds the VM
// lock. Zero means no Ruby thread is executing.
func (i *Interpreter) CurrentEC(mem remote.Memory) (uint64, error) {
	ptr, err := mem.Ptr(i.ECSymbol)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", i.Layout.CurrentEC.Symbol, err)
	}
	if !i.Layout.UsesRactor() || ptr == 0 {
		return ptr, nil
	}

	off, ok := i.Layout.RunningECOffset(i.Arch)
	if !ok {
		return 0, fmt.Errorf("%w: no running ec offset for %s", layout.ErrUnsupportedVersion, i.Arch)
	}
	ec, err := mem.Ptr(ptr + off)
	if err != nil {
		return 0, fmt.Errorf("read running ec of ractor 0x%x: %w", ptr, err)
	}
	return ec, nil
}

// ThreadID returns the kernel thread id of the native thread running ec. It
// reports false when the layout does not lead there or the thread has no
// native thread attached.
func (i *Interpreter) ThreadID(mem remote.Memory, ec uint64) (int, bool, error) {
	nt, ok := i.Layout.NativeThread()
	if !ok || ec == 0 {
		return 0, false, nil
	}
	th, err := mem.Ptr(ec + nt.ThreadPtr)
	if err != nil || th == 0 {
		return 0, false, err
	}
	native, err := mem.Ptr(th + nt.NativeThread)
	if err != nil || native == 0 {
		return 0, false, err
	}
	tid, err := mem.Uint32(native + nt.TID)
	if err != nil {
		return 0, false, err
	}
	if int32(tid) <= 0 {
		return 0, false, nil
	}
	return int(tid), true, nil
}

// Detector finds the Ruby VM of a process and picks the matching layout.
type Detector struct {
	logger       log.Logger
	catalog      *layout.Catalog
	forceVersion string
	arch         string
}

func NewDetector(logger log.Logger, catalog *layout.Catalog, forceVersion string) *Detector {
	return &Detector{
		logger:       logger,
		catalog:      catalog,
		forceVersion: forceVersion,
		arch:         goruntime.GOARCH,
	}
}

// Detect resolves the interpreter of pid from its current address space. An
// error wrapping runtime.ErrVersionNotFound or process.ErrInterpreterNotFound
// may go away once the dynamic loader is done, every other error is final.
func (d *Detector) Detect(pid int, mem remote.Reader, regions process.Regions) (*Interpreter, error) {
	obj, err := regions.FindInterpreter(pid)
	if err != nil {
		return nil, err
	}

	pmf, err := runtime.OpenProcessMappedFile(obj)
	if err != nil {
		return nil, err
	}
	defer pmf.Close()

	ok, err := runtime.IsRuby(pmf.ELF())
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", obj.Path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRuby, obj.Path)
	}

	rt, err := d.version(pmf, mem)
	if err != nil {
		return nil, err
	}
	version, err := layout.ParseVersion(rt.Version)
	if err != nil {
		return nil, err
	}
	l, err := d.catalog.Lookup(version)
	if err != nil {
		return nil, err
	}
	if l.UsesRactor() {
		if _, ok := l.RunningECOffset(d.arch); !ok {
			return nil, fmt.Errorf("%w: %s on %s", layout.ErrUnsupportedVersion, version, d.arch)
		}
	}

	ecSymbol, err := pmf.FindAddressOf(l.CurrentEC.Symbol)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", l.CurrentEC.Symbol, err)
	}

	interp := &Interpreter{
		Object:   obj,
		Runtime:  rt,
		Version:  version,
		Layout:   l,
		Compiler: runtime.CompilerInfo(pmf.ELF()),
		Arch:     d.arch,
		ECSymbol: ecSymbol,
	}
	level.Debug(d.logger).Log(
		"msg", "found ruby interpreter",
		"pid", pid,
		"path", obj.Path,
		"version", rt.Version,
		"version_source", rt.VersionSource,
		"layout", l,
		"compiler", interp.Compiler,
		"ec_symbol", fmt.Sprintf("0x%x", ecSymbol),
	)
	return interp, nil
}

// version tries every source in turn, live memory first since it can not be
// fooled by a replaced file.
func (d *Detector) version(pmf *runtime.ProcessMappedFile, mem remote.Reader) (runtime.Runtime, error) {
	rt := runtime.Runtime{Name: runtime.RuntimeRuby}
	if d.forceVersion != "" {
		rt.Version = d.forceVersion
		rt.VersionSource = runtime.VersionSourceForced
		return rt, nil
	}

	var errs []error
	sources := []struct {
		source runtime.VersionSource
		fn     func() (string, error)
	}{
		{runtime.VersionSourceMemory, func() (string, error) {
			sym, err := pmf.FindSymbol(versionSymbol)
			if err != nil {
				return "", err
			}
			buf := make([]byte, min(sym.Size, maxVersionSize))
			if err := mem.Read(sym.Value, buf); err != nil {
				return "", err
			}
			return runtime.VersionFromCString(buf)
		}},
		{runtime.VersionSourceFile, func() (string, error) {
			buf, err := pmf.ReadSymbol(versionSymbol, maxVersionSize)
			if err != nil {
				return "", err
			}
			return runtime.VersionFromCString(buf)
		}},
		{runtime.VersionSourceRodata, func() (string, error) {
			return pmf.VersionFromRodata(descriptionRegex)
		}},
		{runtime.VersionSourcePath, func() (string, error) {
			return pmf.VersionFromPath(pathRegex)
		}},
	}
	for _, s := range sources {
		v, err := s.fn()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.source, err))
			continue
		}
		rt.Version = v
		rt.VersionSource = s.source
		return rt, nil
	}
	return rt, errors.Join(runtime.ErrVersionNotFound, errors.Join(errs...))
}
