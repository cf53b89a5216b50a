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

// Package client provides a basic control client interface.
package client

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cse330/memalloc/pkg/log"
	"github.com/cse330/memalloc/pkg/unet"
	"github.com/cse330/memalloc/pkg/urpc"
)

// ConnectTo attempts to connect to the server with the given address.
func ConnectTo(addr string) (*urpc.Client, error) {
	// Connect to the server.
	conn, err := unet.Connect(addr)
	if err != nil {
		return nil, err
	}

	// Wrap in our stream codec.
	return urpc.NewClient(conn), nil
}

// retriable reports whether a connect error may go away once the server
// finishes starting.
func retriable(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}

// ConnectWithRetry is ConnectTo, retrying with exponential backoff while the
// socket is not there yet or refuses connections, for at most timeout.
func ConnectWithRetry(ctx context.Context, addr string, timeout time.Duration) (*urpc.Client, error) {
	var c *urpc.Client
	op := func() error {
		var err error
		c, err = ConnectTo(addr)
		if err == nil {
			return nil
		}
		if !retriable(err) {
			return backoff.Permanent(err)
		}
		log.Debugf("Control server at %q not ready: %v", addr, err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return c, nil
}
