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
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/xyproto/ainur"
)

// Compiler describes how the interpreter binary was built. It only feeds
// diagnostics, a stripped binary is the usual reason symbols go missing.
type Compiler struct {
	Name     string
	Version  string
	Static   bool
	Stripped bool
}

func CompilerInfo(ef *elf.File) Compiler {
	cType := ainur.Compiler(ef)
	c := Compiler{
		Name:     name(cType),
		Static:   ainur.Static(ef),
		Stripped: ainur.Stripped(ef),
	}
	if v := version(cType); v != nil {
		c.Version = v.String()
	}
	return c
}

func (c Compiler) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	if c.Version != "" {
		b.WriteString(" " + c.Version)
	}
	if c.Static {
		b.WriteString(", static")
	}
	if c.Stripped {
		b.WriteString(", stripped")
	}
	return b.String()
}

func name(cType string) string {
	parts := strings.Split(cType, " ")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "unknown"
}

func version(cType string) *semver.Version {
	parts := strings.Split(cType, " ")
	if len(parts) < 2 {
		return nil
	}
	ver, err := semver.NewVersion(parts[1])
	if err != nil {
		return nil
	}
	return ver
}
