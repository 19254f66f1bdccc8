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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixtureSource builds a small unstripped Go program whose symbols look like
// the ones the Ruby detection searches for.
const fixtureSource = `package main

import "os"

var ruby_version = [8]byte{'3', '.', '1', '.', '2'}

var ruby_scratch [64]byte

//go:noinline
func ruby_init_stack() int {
	ruby_scratch[os.Getpid()%len(ruby_scratch)] = 1
	return int(ruby_scratch[0])
}

func main() {
	os.Stdout.Write(ruby_version[:ruby_init_stack()])
}
`

var (
	fixturePath string
	fixtureErr  error
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "rbprof-runtime")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fixturePath, fixtureErr = buildFixture(dir)
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func buildFixture(dir string) (string, error) {
	gobin, err := exec.LookPath("go")
	if err != nil {
		gobin = filepath.Join(goruntime.GOROOT(), "bin", "go")
		if _, serr := os.Stat(gobin); serr != nil {
			return "", fmt.Errorf("find go tool: %w", err)
		}
	}
	files := map[string]string{
		"go.mod":  "module fixture\n\ngo 1.21\n",
		"main.go": fixtureSource,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			return "", err
		}
	}

	out := filepath.Join(dir, "fixture")
	cmd := exec.Command(gobin, "build", "-o", out, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOWORK=off", "GOTOOLCHAIN=local", "CGO_ENABLED=0")
	if b, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("build fixture: %w: %s", err, b)
	}
	return out, nil
}

// openFixture opens the fixture binary. Test binaries themselves are built
// without a symbol table.
func openFixture(t testing.TB) *elf.File {
	t.Helper()

	if fixtureErr != nil {
		t.Skipf("no fixture binary: %v", fixtureErr)
	}
	ef, err := elf.Open(fixturePath)
	require.NoError(t, err)
	t.Cleanup(func() {
		ef.Close()
	})
	require.NotNil(t, ef.Section(".symtab"), "fixture must keep its symbol table")
	return ef
}
