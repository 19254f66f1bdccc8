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

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestLevelFilter(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		level string
		want  []string
	}{
		{desc: "error", level: "error", want: []string{"e"}},
		{desc: "warn", level: "warn", want: []string{"w", "e"}},
		{desc: "info", level: "info", want: []string{"i", "w", "e"}},
		{desc: "debug", level: "debug", want: []string{"d", "i", "w", "e"}},
		{desc: "unknown falls back to info", level: "trace", want: []string{"i", "w", "e"}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(&buf, tc.level, LogFormatLogfmt, "")
			level.Debug(l).Log("msg", "d")
			level.Info(l).Log("msg", "i")
			level.Warn(l).Log("msg", "w")
			level.Error(l).Log("msg", "e")

			var got []string
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				if line == "" {
					continue
				}
				i := strings.Index(line, "msg=")
				require.NotEqual(t, -1, i, line)
				got = append(got, line[i+len("msg="):])
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", LogFormatJSON, "rbprof-tests")
	level.Info(l).Log("msg", "hello", "pid", 42)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "rbprof-tests", entry["name"])
	require.Equal(t, "info", entry["level"])
	require.Equal(t, float64(42), entry["pid"])
	require.Contains(t, entry, "ts")
	require.Contains(t, entry["caller"], "logger_test.go")
}
