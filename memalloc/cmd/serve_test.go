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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cse330/memalloc/memalloc/config"
	"github.com/cse330/memalloc/pkg/control"
	"github.com/cse330/memalloc/pkg/memalloc"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	args = append([]string{"--root=" + t.TempDir(), "--frames=64"}, args...)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	return conf
}

// serveInBackground starts an instance and serves it until the test ends.
func serveInBackground(t *testing.T, conf *config.Config, pidFile string) *instance {
	t.Helper()
	inst, err := start(conf, pidFile)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return inst.run(ctx) })
	t.Cleanup(func() {
		cancel()
		if err := g.Wait(); err != nil {
			t.Errorf("run failed: %v", err)
		}
		inst.stop()
	})
	return inst
}

func TestServeAllocate(t *testing.T) {
	conf := testConfig(t, "--metric-server=127.0.0.1:0")
	pidFile := filepath.Join(t.TempDir(), "memalloc.pid")
	inst := serveInBackground(t, conf, pidFile)

	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	if got, want := string(b), strconv.Itoa(os.Getpid()); got != want {
		t.Errorf("pid file = %q, want %q", got, want)
	}

	c, err := connect(context.Background(), conf, 5*time.Second)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	var res control.AllocateResult
	args := control.AllocateArgs{AllocInfo: memalloc.AllocInfo{Vaddr: 0x400000, NumPages: 3, Write: true}}
	if err := c.Call("Memalloc.Allocate", &args, &res); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if res.Code != 0 || res.Mapped != 3 {
		t.Fatalf("Allocate = %+v, want 3 pages mapped", res)
	}

	_, families, err := fetchMetrics(context.Background(), inst.metricsAddr(), 5*time.Second)
	if err != nil {
		t.Fatalf("fetchMetrics failed: %v", err)
	}
	lines := formatSamples(families)
	for _, want := range []string{
		"memalloc_allocations 1",
		"memalloc_pages 3",
		"memalloc_frames_used 3",
		"memalloc_frames_total 64",
		"memalloc_address_spaces 1",
		`memalloc_requests_total{command="allocate",result="ok"} 1`,
	} {
		found := false
		for _, l := range lines {
			if l == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("metrics missing %q, got:\n%s", want, strings.Join(lines, "\n"))
		}
	}
	found := false
	for _, l := range lines {
		if v, ok := strings.CutPrefix(l, "memalloc_memory_file_bytes "); ok {
			found = true
			if n, err := strconv.ParseFloat(v, 64); err != nil || n < 0 {
				t.Errorf("memalloc_memory_file_bytes = %q, want a byte count", v)
			}
		}
	}
	if !found {
		t.Errorf("metrics missing memalloc_memory_file_bytes, got:\n%s", strings.Join(lines, "\n"))
	}
}

func TestServeIsExclusive(t *testing.T) {
	conf := testConfig(t)
	serveInBackground(t, conf, "")

	if inst, err := start(conf.Clone(), ""); err == nil {
		inst.stop()
		t.Fatalf("second start on %q succeeded, want lock error", conf.RootDir)
	}
}

func TestStopReleasesEverything(t *testing.T) {
	conf := testConfig(t)
	pidFile := filepath.Join(t.TempDir(), "memalloc.pid")
	inst, err := start(conf, pidFile)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	inst.stop()

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("pid file still present after stop: %v", err)
	}
	if _, err := os.Stat(conf.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("control socket still present after stop: %v", err)
	}

	// The lock is free again.
	inst, err = start(conf, "")
	if err != nil {
		t.Fatalf("start after stop failed: %v", err)
	}
	inst.stop()
}

func TestStartFailureUnwinds(t *testing.T) {
	// A socket path in a missing directory makes start fail after the lock
	// and the memory file were set up.
	conf := testConfig(t, "--socket="+filepath.Join(t.TempDir(), "missing", "memalloc.sock"))
	if _, err := start(conf, ""); err == nil {
		t.Fatalf("start succeeded, want error")
	}
	conf.Socket = ""
	inst, err := start(conf, "")
	if err != nil {
		t.Fatalf("start after failed start: %v", err)
	}
	inst.stop()
}

func TestIoctlRequest(t *testing.T) {
	for _, tc := range []struct {
		name    string
		args    []string
		cmd     uint32
		payload []byte
	}{
		{
			name:    "allocate",
			args:    []string{"--pages=2", "--write", "allocate", "0x400000"},
			cmd:     memalloc.ALLOCATE,
			payload: memalloc.Marshal(&memalloc.AllocInfo{Vaddr: 0x400000, NumPages: 2, Write: true}),
		},
		{
			name:    "free",
			args:    []string{"free", "4096"},
			cmd:     memalloc.FREE,
			payload: memalloc.Marshal(&memalloc.FreeInfo{Vaddr: 4096}),
		},
		{
			name:    "raw",
			args:    []string{"--payload=0102", "0x40106d01"},
			cmd:     memalloc.ALLOCATE,
			payload: []byte{1, 2},
		},
		{
			name: "unknown",
			args: []string{"0x1234"},
			cmd:  0x1234,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var i Ioctl
			fs := flag.NewFlagSet("ioctl", flag.ContinueOnError)
			i.SetFlags(fs)
			if err := fs.Parse(tc.args); err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			cmd, payload, err := i.request(fs)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if cmd != tc.cmd {
				t.Errorf("cmd = %#x, want %#x", cmd, tc.cmd)
			}
			if diff := cmp.Diff(tc.payload, payload); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseAddr(t *testing.T) {
	for s, want := range map[string]uint64{
		"0x400000": 0x400000,
		"4096":     4096,
		"010":      8,
	} {
		if got, err := parseAddr(s); err != nil || got != want {
			t.Errorf("parseAddr(%q) = %#x, %v, want %#x", s, got, err, want)
		}
	}
	if _, err := parseAddr("nope"); err == nil {
		t.Errorf("parseAddr(nope) succeeded, want error")
	}
}
