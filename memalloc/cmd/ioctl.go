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
	"encoding/hex"
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

// Ioctl implements subcommands.Command for the "ioctl" command. It sends
// requests in their C layout, the way a process calling ioctl(2) on the
// device would.
type Ioctl struct {
	pages   int
	write   bool
	payload string
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Ioctl) Name() string {
	return "ioctl"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ioctl) Synopsis() string {
	return "send a raw ioctl request"
}

// Usage implements subcommands.Command.Usage.
func (*Ioctl) Usage() string {
	return `ioctl [flags] <allocate|free|request number> [vaddr]

Builds struct alloc_info or struct free_info from the flags, or sends
-payload verbatim, and prints the ioctl return value.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Ioctl) SetFlags(f *flag.FlagSet) {
	f.IntVar(&i.pages, "pages", 1, "num_pages of struct alloc_info.")
	f.BoolVar(&i.write, "write", false, "write of struct alloc_info.")
	f.StringVar(&i.payload, "payload", "", "hex encoded payload sent instead of the built structure.")
	f.DurationVar(&i.timeout, "timeout", defaultConnectTimeout, "how long to wait for the control socket.")
}

// request builds the request number and payload from the arguments.
func (i *Ioctl) request(f *flag.FlagSet) (uint32, []byte, error) {
	var cmd uint32
	switch f.Arg(0) {
	case "allocate":
		cmd = memalloc.ALLOCATE
	case "free":
		cmd = memalloc.FREE
	default:
		v, err := strconv.ParseUint(f.Arg(0), 0, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid request %q: %w", f.Arg(0), err)
		}
		cmd = uint32(v)
	}

	if i.payload != "" {
		b, err := hex.DecodeString(i.payload)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid payload %q: %w", i.payload, err)
		}
		return cmd, b, nil
	}

	var vaddr uint64
	if f.NArg() > 1 {
		var err error
		if vaddr, err = parseAddr(f.Arg(1)); err != nil {
			return 0, nil, err
		}
	}
	switch cmd {
	case memalloc.ALLOCATE:
		return cmd, memalloc.Marshal(&memalloc.AllocInfo{Vaddr: vaddr, NumPages: int32(i.pages), Write: i.write}), nil
	case memalloc.FREE:
		return cmd, memalloc.Marshal(&memalloc.FreeInfo{Vaddr: vaddr}), nil
	default:
		return cmd, nil, nil
	}
}

// Execute implements subcommands.Command.Execute.
func (i *Ioctl) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	cmd, payload, err := i.request(f)
	if err != nil {
		return util.Errorf("%v", err)
	}

	c, err := connect(ctx, conf, i.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer c.Close()

	var res control.IoctlResult
	if err := c.Call("Memalloc.Ioctl", &control.IoctlArgs{Cmd: cmd, Payload: payload}, &res); err != nil {
		return util.Errorf("ioctl(%#x) failed: %v", cmd, err)
	}
	fmt.Printf("ioctl(%s %#x, %s) = %d (%s)\n", memalloc.CommandName(cmd), cmd, hex.EncodeToString(payload), res.Code, res.Kind)
	if res.Errno != "" {
		fmt.Printf("errno %s: %s\n", res.Errno, res.Message)
	}
	if res.Code != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
