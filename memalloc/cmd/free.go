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
	"github.com/cse330/memalloc/pkg/memalloc"
	"github.com/google/subcommands"
)

// Free implements subcommands.Command for the "free" command.
type Free struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Free) Name() string {
	return "free"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Free) Synopsis() string {
	return "send a FREE request"
}

// Usage implements subcommands.Command.Usage.
func (*Free) Usage() string {
	return `free [flags] <vaddr> - sends FREE(vaddr). Pages are not unmapped.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fr *Free) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&fr.timeout, "timeout", defaultConnectTimeout, "how long to wait for the control socket.")
}

// Execute implements subcommands.Command.Execute.
func (fr *Free) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	vaddr, err := parseAddr(f.Arg(0))
	if err != nil {
		return util.Errorf("%v", err)
	}

	c, err := connect(ctx, conf, fr.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer c.Close()

	req := memalloc.FreeInfo{Vaddr: vaddr}
	var res control.IoctlResult
	if err := c.Call("Memalloc.Free", &control.FreeArgs{FreeInfo: req}, &res); err != nil {
		return util.Errorf("%v failed: %v", req, err)
	}
	if res.Code != 0 {
		return util.Errorf("%v = %d (%s): %s", req, res.Code, res.Kind, res.Message)
	}
	fmt.Printf("%v = 0\n", req)
	return subcommands.ExitSuccess
}
