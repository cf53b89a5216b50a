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
	"fmt"
	"time"

	"github.com/cse330/memalloc/memalloc/cmd/util"
	"github.com/cse330/memalloc/memalloc/config"
	"github.com/cse330/memalloc/pkg/control"
	"github.com/google/subcommands"
)

// Maps implements subcommands.Command for the "maps" command.
type Maps struct {
	pid     int
	json    bool
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "print the pages mapped in an address space"
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps [flags] - prints mapped regions in /proc/[pid]/maps format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Maps) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.pid, "pid", 0, "address space to inspect. Defaults to the calling process.")
	f.BoolVar(&m.json, "json", false, "print every mapped page as JSON.")
	f.DurationVar(&m.timeout, "timeout", defaultConnectTimeout, "how long to wait for the control socket.")
}

// Execute implements subcommands.Command.Execute.
func (m *Maps) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	c, err := connect(ctx, conf, m.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer c.Close()

	var res control.MappingsResult
	if err := c.Call("Memalloc.Mappings", &control.MappingsArgs{PID: int32(m.pid)}, &res); err != nil {
		return util.Errorf("getting mappings of PID %d: %v", m.pid, err)
	}
	if m.json {
		if err := printJSON(&res); err != nil {
			return util.Errorf("%v", err)
		}
		return subcommands.ExitSuccess
	}
	fmt.Print(res.Maps)
	return subcommands.ExitSuccess
}
