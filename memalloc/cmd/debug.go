// Copyright 2024 The memalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"time"

	"github.com/cse330/memalloc/memalloc/cmd/util"
	"github.com/cse330/memalloc/memalloc/config"
	"github.com/cse330/memalloc/pkg/control"
	"github.com/cse330/memalloc/pkg/log"
	"github.com/google/subcommands"
)

// Debug implements subcommands.Command for the "debug" command.
type Debug struct {
	logLevel string
	timeout  time.Duration
}

// Name implements subcommands.Command.Name.
func (*Debug) Name() string {
	return "debug"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Debug) Synopsis() string {
	return "change settings of the serving instance"
}

// Usage implements subcommands.Command.Usage.
func (*Debug) Usage() string {
	return `debug [flags] - changes settings of the serving instance.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Debug) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.logLevel, "log-level", "", "the log level to set: warning (0), info (1), or debug (2).")
	f.DurationVar(&d.timeout, "timeout", defaultConnectTimeout, "how long to wait for the control socket.")
}

// Execute implements subcommands.Command.Execute.
func (d *Debug) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if d.logLevel == "" {
		return util.Errorf("nothing to change, set --log-level")
	}

	var level log.Level
	switch d.logLevel {
	case "warning", "0":
		level = log.Warning
	case "info", "1":
		level = log.Info
	case "debug", "2":
		level = log.Debug
	default:
		return util.Errorf("invalid log level %q", d.logLevel)
	}

	c, err := connect(ctx, conf, d.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer c.Close()

	var code int
	if err := c.Call("Logging.Change", &control.LoggingArgs{SetLevel: true, Level: level}, &code); err != nil {
		return util.Errorf("setting log level: %v", err)
	}
	util.Infof("Log level set to %v", level)
	return subcommands.ExitSuccess
}
