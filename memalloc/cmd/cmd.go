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

// Package cmd holds implementations of the memalloc commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cse330/memalloc/memalloc/config"
	"github.com/cse330/memalloc/pkg/control/client"
	"github.com/cse330/memalloc/pkg/urpc"
)

// defaultConnectTimeout bounds how long client commands wait for the control
// socket to appear.
const defaultConnectTimeout = 5 * time.Second

// connect dials the control socket of the serving instance.
func connect(ctx context.Context, conf *config.Config, timeout time.Duration) (*urpc.Client, error) {
	c, err := client.ConnectWithRetry(ctx, conf.SocketPath(), timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to control server at %q: %w", conf.SocketPath(), err)
	}
	return c, nil
}

// parseAddr parses a virtual address given in decimal, hex (0x) or octal (0).
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = os.Stdout.Write(b)
	return err
}
