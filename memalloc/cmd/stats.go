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
	"github.com/cse330/memalloc/pkg/memalloc"
	"github.com/google/subcommands"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "print the allocation counters and address spaces"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - prints counters and address spaces as JSON.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.timeout, "timeout", defaultConnectTimeout, "how long to wait for the control socket.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	c, err := connect(ctx, conf, s.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer c.Close()

	var out struct {
		memalloc.Stats
		AddressSpaces []control.AddressSpace `json:"address_spaces"`
	}
	if err := c.Call("Memalloc.Stats", &control.StatsArgs{}, &out.Stats); err != nil {
		return util.Errorf("getting stats: %v", err)
	}
	if err := c.Call("Memalloc.AddressSpaces", &control.AddressSpacesArgs{}, &out.AddressSpaces); err != nil {
		return util.Errorf("listing address spaces: %v", err)
	}
	if err := printJSON(&out); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
