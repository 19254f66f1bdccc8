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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/parca-dev/rbprof/pkg/convert"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds the settings that can be given in a file instead of flags.
// Unset fields keep the value they already have.
type Config struct {
	Profiling Profiling `yaml:"profiling,omitempty"`
	Output    Output    `yaml:"output,omitempty"`
}

type Profiling struct {
	Rate         *int           `yaml:"rate,omitempty"`
	Duration     *time.Duration `yaml:"duration,omitempty"`
	MaxSamples   *uint64        `yaml:"max_samples,omitempty"`
	OnCPU        *bool          `yaml:"on_cpu,omitempty"`
	LockProcess  *bool          `yaml:"lock_process,omitempty"`
	MaxDepth     *int           `yaml:"max_depth,omitempty"`
	ForceVersion *string        `yaml:"force_version,omitempty"`
}

type Output struct {
	Format *string `yaml:"format,omitempty"`
	Path   *string `yaml:"path,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	if cfg.Output.Format != nil {
		if _, err := convert.ParseFormat(*cfg.Output.Format); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}

// Resolver fills the flags that were not given on the command line from
// the file. Flag names are those of the CLI, for example profiling-rate.
func (c *Config) Resolver() kong.Resolver {
	values := c.flagValues()
	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (interface{}, error) {
		v, ok := values[flag.Name]
		if !ok {
			return nil, nil
		}
		return v, nil
	})
}

func (c *Config) flagValues() map[string]string {
	values := map[string]string{}
	set := func(name string, v *string) {
		if v != nil {
			values[name] = *v
		}
	}
	p := c.Profiling
	set("profiling-rate", format(p.Rate))
	set("profiling-duration", format(p.Duration))
	set("profiling-max-samples", format(p.MaxSamples))
	set("profiling-on-cpu", format(p.OnCPU))
	set("profiling-lock-process", format(p.LockProcess))
	set("profiling-max-depth", format(p.MaxDepth))
	set("profiling-force-version", p.ForceVersion)
	set("output-format", c.Output.Format)
	set("output-path", c.Output.Path)
	return values
}

func format[T any](v *T) *string {
	if v == nil {
		return nil
	}
	s := fmt.Sprint(*v)
	return &s
}
