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
	"strconv"
	"time"

	"github.com/cse330/memalloc/memalloc/cmd/util"
	"github.com/cse330/memalloc/memalloc/config"
	"github.com/cse330/memalloc/pkg/control"
	"github.com/cse330/memalloc/pkg/memalloc"
	"github.com/google/subcommands"
)

// Alloc implements subcommands.Command for the "alloc" command.
type Alloc struct {
	write   bool
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Alloc) Name() string {
	return "alloc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Alloc) Synopsis() string {
	return "map pages into the calling process' address space"
}

// Usage implements subcommands.Command.Usage.
func (*Alloc) Usage() string {
	return `alloc [flags] <vaddr> <num_pages> - sends ALLOCATE(vaddr, num_pages, write).
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Alloc) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&a.write, "write", false, "map the pages writable.")
	f.DurationVar(&a.timeout, "timeout", defaultConnectTimeout, "how long to wait for the control socket.")
}

// Execute implements subcommands.Command.Execute.
func (a *Alloc) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	vaddr, err := parseAddr(f.Arg(0))
	if err != nil {
		return util.Errorf("%v", err)
	}
	n, err := strconv.ParseInt(f.Arg(1), 0, 32)
	if err != nil {
		return util.Errorf("invalid page count %q: %v", f.Arg(1), err)
	}

	c, err := connect(ctx, conf, a.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer c.Close()

	req := memalloc.AllocInfo{Vaddr: vaddr, NumPages: int32(n), Write: a.write}
	var res control.AllocateResult
	if err := c.Call("Memalloc.Allocate", &control.AllocateArgs{AllocInfo: req}, &res); err != nil {
		return util.Errorf("%v failed: %v", req, err)
	}
	if res.Code != 0 {
		return util.Errorf("%v = %d (%s, %d pages mapped): %s", req, res.Code, res.Kind, res.Mapped, res.Message)
	}
	fmt.Printf("%v = 0 (%d pages mapped, %d tables allocated)\n", req, res.Mapped, res.TablesAllocated)
	return subcommands.ExitSuccess
}
