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

// Package layout holds the catalog of Ruby VM struct layouts. A layout tells
// the stack walker where the fields it needs live for one range of
// interpreter versions.
package layout

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

//go:embed layouts.yaml
var embedded []byte

var (
	ErrUnsupportedVersion = errors.New("unsupported interpreter version")
	ErrInvalidCatalog     = errors.New("invalid layout catalog")
)

const DefaultVariant = "mri"

// Field names known to the catalog.
const (
	ECVMStack     = "execution_context.vm_stack"
	ECVMStackSize = "execution_context.vm_stack_size"
	ECCFP         = "execution_context.cfp"

	CFPC     = "control_frame.pc"
	CFISeq   = "control_frame.iseq"
	CFEP     = "control_frame.ep"
	CFSize   = "control_frame.size"
	ISeqBody = "iseq.body"

	BodyEncoded      = "iseq_body.encoded"
	BodyLocation     = "iseq_body.location"
	BodyInsnInfo     = "iseq_body.insn_info_body"
	BodyInsnInfoSize = "iseq_body.insn_info_size"
	BodySuccTable    = "iseq_body.succ_index_table"

	LocationPathObj   = "iseq_location.pathobj"
	LocationBaseLabel = "iseq_location.base_label"

	InsnInfoPosition = "insn_info_entry.position"
	InsnInfoLineNo   = "insn_info_entry.line_no"
	InsnInfoSize     = "insn_info_entry.size"

	SuccSmallBlockRanks  = "succ_index_table.small_block_ranks"
	SuccBlockBits        = "succ_index_table.block_bits"
	SuccPart             = "succ_index_table.succ_part"
	SuccDictBlockSize    = "succ_index_table.succ_dict_block_size"
	SuccImmediateTableSz = "succ_index_table.immediate_table_size"

	RStringAsAry     = "rstring.as_ary"
	RStringAsHeapPtr = "rstring.as_heap_ptr"
	RArrayAsAry      = "rarray.as_ary"
	RArrayAsHeapPtr  = "rarray.as_heap_ptr"

	// Optional, they lead from an execution context to the kernel thread id
	// of the native thread running it.
	ECThreadPtr        = "execution_context.thread_ptr"
	ThreadNativeThread = "thread.native_thread"
	NativeThreadTID    = "native_thread.tid"
)

var requiredFields = []string{
	ECVMStack, ECVMStackSize, ECCFP,
	CFPC, CFISeq, CFEP, CFSize, ISeqBody,
	BodyEncoded, BodyLocation, BodyInsnInfo, BodyInsnInfoSize,
	LocationPathObj, LocationBaseLabel,
	InsnInfoLineNo, InsnInfoSize,
	RStringAsAry, RStringAsHeapPtr, RArrayAsAry, RArrayAsHeapPtr,
}

var nativeThreadFields = []string{ECThreadPtr, ThreadNativeThread, NativeThreadTID}

var succinctFields = []string{
	BodySuccTable, SuccSmallBlockRanks, SuccBlockBits, SuccPart, SuccDictBlockSize, SuccImmediateTableSz,
}

// LineTable is the encoding of the instruction to line number table.
type LineTable string

const (
	LineTableBinarySearch LineTable = "binary_search"
	LineTableSuccinct     LineTable = "succinct"
)

// CurrentEC describes how to find the execution context that holds the VM
// lock. Without a running EC offset the symbol points at the execution context
// pointer itself, otherwise it points at a ractor that stores it at the offset.
type CurrentEC struct {
	Symbol          string            `yaml:"symbol"`
	RunningECOffset map[string]uint64 `yaml:"running_ec_offset"`
}

// Objects are the encoding rules of heap objects.
type Objects struct {
	TypeMask        uint64 `yaml:"type_mask"`
	TString         uint64 `yaml:"t_string"`
	TArray          uint64 `yaml:"t_array"`
	RStringNoEmbed  uint64 `yaml:"rstring_noembed"`
	RArrayEmbed     uint64 `yaml:"rarray_embed"`
	RealpathIndex   uint64 `yaml:"realpath_index"`
	MaxStringLength int    `yaml:"max_string_length"`
}

// FrameFlags identify frames from the flags stored in the environment.
type FrameFlags struct {
	MagicMask  uint64 `yaml:"magic_mask"`
	MagicCFunc uint64 `yaml:"magic_cfunc"`
}

// Layout is the set of offsets and encoding rules for one version range.
type Layout struct {
	Variant      string            `yaml:"variant"`
	MinVersion   string            `yaml:"min_version"`
	MaxVersion   string            `yaml:"max_version"`
	PointerWidth uint64            `yaml:"pointer_width"`
	LineTable    LineTable         `yaml:"line_table"`
	OnCPUStates  []string          `yaml:"on_cpu_states"`
	CurrentEC    CurrentEC         `yaml:"current_ec"`
	Objects      Objects           `yaml:"objects"`
	FrameFlags   FrameFlags        `yaml:"frame_flags"`
	Fields       map[string]uint64 `yaml:"fields"`

	min        *semver.Version
	max        *semver.Version
	constraint *semver.Constraints
}

// Field returns the offset of a field. Loading guarantees that every field the
// walker needs is present, an unknown name is a programming error.
func (l *Layout) Field(name string) uint64 {
	v, ok := l.Fields[name]
	if !ok {
		panic(fmt.Sprintf("layout %s: unknown field %q", l, name))
	}
	return v
}

// RunningECOffset returns the offset of the running execution context in the
// main ractor for the given architecture.
func (l *Layout) RunningECOffset(arch string) (uint64, bool) {
	if len(l.CurrentEC.RunningECOffset) == 0 {
		return 0, false
	}
	off, ok := l.CurrentEC.RunningECOffset[arch]
	return off, ok
}

// NativeThread holds the offsets from an execution context to the kernel
// thread id of its native thread.
type NativeThread struct {
	ThreadPtr    uint64
	NativeThread uint64
	TID          uint64
}

// NativeThread returns the offsets to the kernel thread id, if the layout
// declares them.
func (l *Layout) NativeThread() (NativeThread, bool) {
	if _, ok := l.Fields[ECThreadPtr]; !ok {
		return NativeThread{}, false
	}
	return NativeThread{
		ThreadPtr:    l.Fields[ECThreadPtr],
		NativeThread: l.Fields[ThreadNativeThread],
		TID:          l.Fields[NativeThreadTID],
	}, true
}

// UsesRactor reports whether the current EC is reached through a ractor.
func (l *Layout) UsesRactor() bool {
	return len(l.CurrentEC.RunningECOffset) > 0
}

// Matches reports whether the layout covers the given version.
func (l *Layout) Matches(v Version) bool {
	return v.Variant == l.Variant && l.constraint.Check(v.core())
}

func (l *Layout) String() string {
	return fmt.Sprintf("%s [%s, %s)", l.Variant, l.MinVersion, l.MaxVersion)
}

func (l *Layout) validate() error {
	if l.Variant == "" {
		return errors.New("missing variant")
	}
	var err error
	if l.min, err = semver.StrictNewVersion(l.MinVersion); err != nil {
		return fmt.Errorf("min version %q: %w", l.MinVersion, err)
	}
	if l.max, err = semver.StrictNewVersion(l.MaxVersion); err != nil {
		return fmt.Errorf("max version %q: %w", l.MaxVersion, err)
	}
	if !l.min.LessThan(l.max) {
		return fmt.Errorf("empty version range [%s, %s)", l.min, l.max)
	}
	if l.constraint, err = semver.NewConstraint(fmt.Sprintf(">= %s, < %s", l.min, l.max)); err != nil {
		return fmt.Errorf("version range: %w", err)
	}
	if l.PointerWidth != 8 {
		return fmt.Errorf("unsupported pointer width %d", l.PointerWidth)
	}
	if l.CurrentEC.Symbol == "" {
		return errors.New("missing current execution context symbol")
	}
	if len(l.OnCPUStates) == 0 {
		return errors.New("missing on-cpu thread states")
	}
	if l.Objects.TypeMask == 0 || l.Objects.MaxStringLength <= 0 {
		return errors.New("missing object encoding rules")
	}
	if l.FrameFlags.MagicMask == 0 {
		return errors.New("missing frame flags")
	}

	required := requiredFields
	switch l.LineTable {
	case LineTableBinarySearch:
		required = append(slices.Clone(required), InsnInfoPosition)
	case LineTableSuccinct:
		required = append(slices.Clone(required), succinctFields...)
	default:
		return fmt.Errorf("unknown line table %q", l.LineTable)
	}
	var missing []string
	for _, f := range required {
		if _, ok := l.Fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	declared := 0
	for _, f := range nativeThreadFields {
		if _, ok := l.Fields[f]; ok {
			declared++
		}
	}
	if declared != 0 && declared != len(nativeThreadFields) {
		return fmt.Errorf("native thread fields must be declared together: %s", strings.Join(nativeThreadFields, ", "))
	}
	if l.Fields[CFSize] == 0 || l.Fields[InsnInfoSize] == 0 {
		return errors.New("struct sizes must not be zero")
	}
	return nil
}

// Version is an interpreter version together with its implementation
// variant.
type Version struct {
	*semver.Version
	Variant string
}

// ParseVersion parses a version string like "3.1.2". Build metadata and
// prerelease suffixes are kept but ignored for lookups.
func ParseVersion(s string) (Version, error) {
	v, err := semver.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return Version{}, fmt.Errorf("failed to parse version %q: %w", s, err)
	}
	return Version{Version: v, Variant: DefaultVariant}, nil
}

func (v Version) core() *semver.Version {
	return semver.New(v.Major(), v.Minor(), v.Patch(), "", "")
}

func (v Version) String() string {
	if v.Version == nil {
		return v.Variant + " <unknown>"
	}
	return v.Variant + " " + v.Version.String()
}

// Catalog is an immutable set of layouts with non-overlapping version ranges.
type Catalog struct {
	layouts []*Layout
}

type catalogFile struct {
	Layouts []*Layout `yaml:"layouts"`
}

// Load parses and validates a catalog.
func Load(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	if len(f.Layouts) == 0 {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("no layouts"))
	}
	for i, l := range f.Layouts {
		if l == nil {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("layout %d is empty", i))
		}
		if err := l.validate(); err != nil {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("layout %d: %w", i, err))
		}
	}

	layouts := slices.Clone(f.Layouts)
	sort.SliceStable(layouts, func(i, j int) bool {
		if layouts[i].Variant != layouts[j].Variant {
			return layouts[i].Variant < layouts[j].Variant
		}
		return layouts[i].min.LessThan(layouts[j].min)
	})
	for i := 1; i < len(layouts); i++ {
		prev, cur := layouts[i-1], layouts[i]
		if prev.Variant == cur.Variant && cur.min.LessThan(prev.max) {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("layout %s overlaps %s", cur, prev))
		}
	}
	return &Catalog{layouts: layouts}, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(embedded)
		if err != nil {
			panic(fmt.Sprintf("embedded layout catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Lookup returns the layout covering the version.
func (c *Catalog) Lookup(v Version) (*Layout, error) {
	if v.Version == nil {
		return nil, fmt.Errorf("%w: no version", ErrUnsupportedVersion)
	}
	for _, l := range c.layouts {
		if l.Matches(v) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
}

// Layouts returns the layouts ordered by variant and version.
func (c *Catalog) Layouts() []*Layout {
	return slices.Clone(c.layouts)
}
