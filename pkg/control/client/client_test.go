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

package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cse330/memalloc/pkg/control/server"
)

type ping struct{}

func (ping) Ping(args *int, r *int) error {
	*r = *args + 1
	return nil
}

func TestConnectWithRetryWaitsForServer(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "control.sock")

	started := make(chan *server.Server, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		srv, err := server.Create(addr)
		if err != nil {
			t.Errorf("server.Create failed: %v", err)
			started <- nil
			return
		}
		srv.Register(ping{})
		srv.StartServing()
		started <- srv
	}()

	c, err := ConnectWithRetry(context.Background(), addr, 10*time.Second)
	srv := <-started
	if srv != nil {
		defer srv.Stop()
	}
	if err != nil {
		t.Fatalf("ConnectWithRetry failed: %v", err)
	}
	defer c.Close()

	var r int
	if err := c.Call("ping.Ping", 41, &r); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if r != 42 {
		t.Errorf("Ping(41) = %d, want 42", r)
	}
}

func TestConnectWithRetryTimesOut(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "missing.sock")
	start := time.Now()
	if _, err := ConnectWithRetry(context.Background(), addr, 100*time.Millisecond); err == nil {
		t.Fatalf("ConnectWithRetry to %q succeeded, want error", addr)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("ConnectWithRetry took %v, want it to give up near the timeout", elapsed)
	}
}

func TestConnectWithRetryCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ConnectWithRetry(ctx, filepath.Join(t.TempDir(), "missing.sock"), time.Minute); err == nil {
		t.Fatalf("ConnectWithRetry with canceled context succeeded, want error")
	}
}

func TestConnectWithRetryGivesUpOnPermanentError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	addr := filepath.Join(file, "control.sock")

	start := time.Now()
	_, err := ConnectWithRetry(context.Background(), addr, time.Minute)
	if !errors.Is(err, syscall.ENOTDIR) {
		t.Fatalf("ConnectWithRetry(%q) = %v, want ENOTDIR", addr, err)
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		t.Errorf("ConnectWithRetry returned %T, want the connect error itself", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("ConnectWithRetry took %v, want it to stop at the first attempt", elapsed)
	}
}
