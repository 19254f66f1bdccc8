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

package flags

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/rbprof/pkg/config"
	"github.com/parca-dev/rbprof/pkg/convert"
	"github.com/parca-dev/rbprof/pkg/logger"
	"github.com/parca-dev/rbprof/pkg/profiler"
	"github.com/parca-dev/rbprof/pkg/stack"
)

const (
	CommandRecord   = "record"
	CommandSnapshot = "snapshot"
	CommandConvert  = "convert"

	defaultSummaryTop = 20
)

// Parse parses the process arguments. Flags missing from the command line
// are looked up in the file given with --config-path before their defaults
// apply.
func Parse() (Flags, error) {
	return ParseArgs(os.Args[1:])
}

func ParseArgs(args []string, options ...kong.Option) (Flags, error) {
	flags := Flags{}
	ctx, err := parse(&flags, args, options...)
	if err != nil {
		return Flags{}, err
	}

	if flags.ConfigPath != "" {
		cfg, err := config.LoadFile(flags.ConfigPath)
		if err != nil {
			return Flags{}, fmt.Errorf("failed to load config: %w", err)
		}
		flags = Flags{}
		ctx, err = parse(&flags, args, append(options, kong.Resolvers(cfg.Resolver()))...)
		if err != nil {
			return Flags{}, err
		}
	}

	flags.Command = strings.Fields(ctx.Command())[0]
	return flags, nil
}

func parse(flags *Flags, args []string, options ...kong.Option) (*kong.Context, error) {
	options = append([]kong.Option{
		kong.Name("rbprof"),
		kong.Description("Sampling profiler for Ruby processes."),
		kong.Vars{
			"default_rate":      strconv.Itoa(profiler.DefaultRate),
			"default_max_depth": strconv.Itoa(stack.DefaultMaxDepth),
			"default_top":       strconv.Itoa(defaultSummaryTop),
		},
	}, options...)
	parser, err := kong.New(flags, options...)
	if err != nil {
		return nil, err
	}
	return parser.Parse(args)
}

type Flags struct {
	Log         FlagsLogs `embed:"" prefix:"log-"`
	HTTPAddress string    `default:""   help:"Address to bind the HTTP server to. The server is disabled when empty."`
	ConfigPath  string    `default:""   help:"Path to a YAML config file. Flags given on the command line take precedence over it."`
	Version     bool      `help:"Show application version."`

	PIDs []int `help:"Process to profile. Can be repeated." name:"pid" short:"p"`

	Profiling FlagsProfiling `embed:"" prefix:"profiling-"`
	Output    FlagsOutput    `embed:"" prefix:"output-"`

	Record   CmdRecord   `cmd:"" default:"withargs" help:"Sample processes and write their profiles."`
	Snapshot CmdSnapshot `cmd:""                    help:"Print the current stack of each process."`
	Convert  CmdConvert  `cmd:""                    help:"Convert a collapsed stack file to another format."`

	// Command is the selected subcommand.
	Command string `kong:"-"`
}

type CmdRecord struct{}

type CmdSnapshot struct{}

type CmdConvert struct {
	Input string `arg:"" help:"Collapsed stack file to read." type:"existingfile"`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitParseError
}

func Failure(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitFailure
}

func (f Flags) Validate(logger log.Logger) ExitCode {
	if f.Version {
		return ExitSuccess
	}

	switch f.Command {
	case CommandRecord, CommandSnapshot:
		if len(f.PIDs) == 0 {
			return ParseError(logger, "No process to profile, use --pid")
		}
		seen := map[int]struct{}{}
		for _, pid := range f.PIDs {
			if pid <= 0 {
				return ParseError(logger, "Invalid pid %d", pid)
			}
			if _, ok := seen[pid]; ok {
				return ParseError(logger, "Process %d given more than once", pid)
			}
			seen[pid] = struct{}{}
		}
	case CommandConvert:
		if len(f.PIDs) > 0 {
			return ParseError(logger, "--pid cannot be used with convert")
		}
		if f.Output.Format == string(convert.FormatCollapsed) && f.Output.Path == "" {
			return ParseError(logger, "Converting to collapsed without --output-path does nothing")
		}
	}

	if f.Command == CommandRecord && f.Output.Path != "" && len(f.PIDs) > 1 && !strings.Contains(f.Output.Path, pidPlaceholder) {
		return ParseError(logger, "--output-path must contain %s when profiling more than one process", pidPlaceholder)
	}

	if err := f.ProfilingConfig().Validate(); err != nil {
		return ParseError(logger, "%v", err)
	}
	if f.Output.Top < 0 {
		return ParseError(logger, "Invalid summary size %d", f.Output.Top)
	}
	return ExitSuccess
}

// ProfilingConfig is the session config described by the flags.
func (f Flags) ProfilingConfig() profiler.Config {
	return profiler.Config{
		Rate:         f.Profiling.Rate,
		Duration:     f.Profiling.Duration,
		MaxSamples:   f.Profiling.MaxSamples,
		OnCPU:        f.Profiling.OnCPU,
		LockProcess:  f.Profiling.LockProcess,
		MaxDepth:     f.Profiling.MaxDepth,
		ForceVersion: f.Profiling.ForceVersion,
		OutputFormat: convert.Format(f.Output.Format),
	}
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

func (f FlagsLogs) Logger(name string) log.Logger {
	return logger.NewLogger(f.Level, f.Format, name)
}

// FlagsProfiling provides profiling configuration flags.
type FlagsProfiling struct {
	Rate         int           `default:"${default_rate}"      help:"Samples per second."`
	Duration     time.Duration `default:"0s"                   help:"How long to profile for. Zero profiles until the process exits or rbprof is interrupted."`
	MaxSamples   uint64        `default:"0"                    help:"Stop after this many samples. Zero means no limit."`
	OnCPU        bool          `default:"false"                help:"Only sample while a thread of the process is running on a CPU."`
	LockProcess  bool          `default:"true"                 help:"Stop the process while its stack is read. Without it stacks can be inconsistent." negatable:""`
	MaxDepth     int           `default:"${default_max_depth}" help:"Maximum number of frames read from one stack."`
	ForceVersion string        `default:""                     help:"Assume this Ruby version instead of detecting it, e.g. 3.1.2."`
}

const pidPlaceholder = "{pid}"

// FlagsOutput provides output configuration flags.
type FlagsOutput struct {
	Format string `default:"collapsed"       enum:"collapsed,pprof,summary" help:"Output format."`
	Path   string `default:""                help:"File to write the profile to. {pid} is replaced by the process ID. A path ending in .gz is compressed. Defaults to standard output."`
	Top    int    `default:"${default_top}" help:"Number of functions in the summary."`
}

// PathFor returns the output path for pid, empty for standard output.
func (f FlagsOutput) PathFor(pid int) string {
	return strings.ReplaceAll(f.Path, pidPlaceholder, strconv.Itoa(pid))
}
