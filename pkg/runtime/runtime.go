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

import "errors"

var ErrVersionNotFound = errors.New("version not found")

// VersionSource tells where the version of a runtime was read from.
type VersionSource string

const (
	VersionSourceMemory VersionSource = "memory"
	VersionSourceFile   VersionSource = "file"
	VersionSourceRodata VersionSource = "rodata"
	VersionSourcePath   VersionSource = "path"
	VersionSourceForced VersionSource = "forced"
)

type RuntimeName string

const RuntimeRuby RuntimeName = "ruby"

type Runtime struct {
	Name          RuntimeName
	Version       string
	VersionSource VersionSource
}

func (r Runtime) String() string {
	return string(r.Name) + " " + r.Version + " (" + string(r.VersionSource) + ")"
}
