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
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/xyproto/ainur"

	"github.com/parca-dev/rbprof/pkg/remote"
)

// ScanRodataForVersion looks for the first match of rgx in the read-only data
// of an ELF file.
func ScanRodataForVersion(r io.ReaderAt, rgx *regexp.Regexp) (string, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return "", fmt.Errorf("new file: %w", err)
	}
	defer ef.Close()

	var lastError error
	for _, sec := range ef.Sections {
		if sec.Name == ".rodata" || sec.Name == ".data" {
			versionString, err := scanVersionBytes(sec.Open(), rgx)
			if err != nil {
				lastError = fmt.Errorf("scan %s: %w", sec.Name, err)
				continue
			}
			return versionString, nil
		}
	}
	if lastError != nil {
		return "", lastError
	}
	return "", ErrVersionNotFound
}

// ScanMemoryForVersion reads size bytes at addr of a live process and looks
// for the first match of rgx.
func ScanMemoryForVersion(r remote.Reader, addr, size uint64, rgx *regexp.Regexp) (string, error) {
	if size == 0 {
		return "", ErrVersionNotFound
	}
	data := make([]byte, size)
	if err := r.Read(addr, data); err != nil {
		return "", fmt.Errorf("read version at 0x%x: %w", addr, err)
	}
	return scanVersionBytes(bytes.NewReader(data), rgx)
}

func scanVersionBytes(r io.ReadSeeker, rgx *regexp.Regexp) (string, error) {
	bufferSize := 4096
	sr, err := ainur.NewStreamReader(r, bufferSize)
	if err != nil {
		return "", fmt.Errorf("failed to create stream reader: %w", err)
	}

	for {
		b, err := sr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("failed to read next: %w", err)
		}

		matches := rgx.FindSubmatch(b)
		if matches == nil {
			continue
		}
		// Prefer the first capture group, the whole match otherwise.
		matched := matches[0]
		if len(matches) > 1 && matches[1] != nil {
			matched = matches[1]
		}
		return versionFromMatch(matched)
	}

	return "", ErrVersionNotFound
}

var matcherOnlyDigitsAtTheBeginning = regexp.MustCompile(`^([0-9]+)`)

func versionFromMatch(matched []byte) (string, error) {
	ver, err := semver.NewVersion(string(matched))
	if err == nil && ver != nil && ver.String() != "" {
		return ver.String(), nil
	}

	parts := bytes.Split(matched, []byte("."))
	if len(parts) < 2 {
		return "", fmt.Errorf("failed to extract version from %q", matched)
	}
	major := string(parts[0])
	minor := string(parts[1])

	patch := "0"
	if len(parts) > 2 {
		if matchedPatch := matcherOnlyDigitsAtTheBeginning.FindSubmatch(parts[2]); len(matchedPatch) > 0 {
			patch = string(matchedPatch[0])
		}
	}

	ver, err = semver.NewVersion(fmt.Sprintf("%s.%s.%s", major, minor, patch))
	if err != nil {
		return "", fmt.Errorf("failed to parse version from %q: %w", matched, err)
	}
	return ver.String(), nil
}

// ScanPathForVersion extracts a version from a file path, for example from a
// versioned shared library name.
func ScanPathForVersion(path string, rgx *regexp.Regexp) (string, error) {
	match := rgx.FindStringSubmatch(path)
	if match == nil {
		return "", fmt.Errorf("%w in path %q", ErrVersionNotFound, path)
	}
	matched := match[0]
	if len(match) > 1 && match[1] != "" {
		matched = match[1]
	}

	ver, err := semver.NewVersion(matched)
	if err != nil {
		return "", fmt.Errorf("failed to create new version, %s: %w", matched, err)
	}
	return ver.String(), nil
}

// VersionFromCString parses a NUL terminated version string as stored in a C
// char array.
func VersionFromCString(b []byte) (string, error) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if len(b) == 0 {
		return "", ErrVersionNotFound
	}
	return versionFromMatch(bytes.TrimSpace(b))
}
