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

package control

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cse330/memalloc/pkg/control/client"
	"github.com/cse330/memalloc/pkg/control/server"
	"github.com/cse330/memalloc/pkg/errors/linuxerr"
	"github.com/cse330/memalloc/pkg/log"
	"github.com/cse330/memalloc/pkg/memalloc"
	"github.com/cse330/memalloc/pkg/mm"
	"github.com/cse330/memalloc/pkg/pgalloc"
	"github.com/cse330/memalloc/pkg/urpc"
	"github.com/google/go-cmp/cmp"
)

func startServer(t *testing.T) *urpc.Client {
	t.Helper()
	mf, err := pgalloc.Create("memalloc-control-test", pgalloc.MemoryFileOpts{Frames: 64})
	if err != nil {
		t.Fatalf("pgalloc.Create failed: %v", err)
	}
	spaces := mm.NewRegistry()
	svc := memalloc.NewService(spaces, mf, nil)

	srv, err := server.Create(filepath.Join(t.TempDir(), "memalloc.sock"))
	if err != nil {
		t.Fatalf("server.Create failed: %v", err)
	}
	srv.Register(&Memalloc{Service: svc, Spaces: spaces})
	srv.Register(&Logging{})
	if err := srv.StartServing(); err != nil {
		t.Fatalf("StartServing failed: %v", err)
	}

	c, err := client.ConnectTo(srv.Addr())
	if err != nil {
		t.Fatalf("ConnectTo failed: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		srv.Stop()
		spaces.Release(mf)
		mf.Destroy()
	})
	return c
}

func TestAllocateRoundTrip(t *testing.T) {
	c := startServer(t)

	var res AllocateResult
	args := AllocateArgs{AllocInfo: memalloc.AllocInfo{Vaddr: 0x400000, NumPages: 2, Write: true}}
	if err := c.Call("Memalloc.Allocate", &args, &res); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	want := AllocateResult{
		IoctlResult: IoctlResult{Code: 0, Kind: "ok"},
		AllocResult: memalloc.AllocResult{Mapped: 2, TablesAllocated: 3},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Allocate result mismatch (-want +got):\n%s", diff)
	}

	// The same range again is rejected.
	if err := c.Call("Memalloc.Allocate", &args, &res); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if res.Code != -1 || res.Kind != memalloc.AlreadyMapped.String() {
		t.Errorf("second Allocate = %+v, want code -1 kind %v", res.IoctlResult, memalloc.AlreadyMapped)
	}

	var stats memalloc.Stats
	if err := c.Call("Memalloc.Stats", &StatsArgs{}, &stats); err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	wantStats := memalloc.Stats{Pages: 2, Allocations: 1, MaxPages: memalloc.MaxPages, MaxAllocations: memalloc.MaxAllocations}
	if diff := cmp.Diff(wantStats, stats); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestMappingsUseCallerCredentials(t *testing.T) {
	c := startServer(t)

	var res AllocateResult
	args := AllocateArgs{AllocInfo: memalloc.AllocInfo{Vaddr: 0x10000, NumPages: 1}}
	if err := c.Call("Memalloc.Allocate", &args, &res); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	var maps MappingsResult
	if err := c.Call("Memalloc.Mappings", &MappingsArgs{}, &maps); err != nil {
		t.Fatalf("Mappings failed: %v", err)
	}
	if got, want := maps.PID, int32(os.Getpid()); got != want {
		t.Errorf("Mappings PID = %d, want %d", got, want)
	}
	if len(maps.Mappings) != 1 {
		t.Fatalf("Mappings = %+v, want one mapping", maps.Mappings)
	}
	if got := maps.Mappings[0]; got.Addr != 0x10000 || got.Perms != "r-" {
		t.Errorf("mapping = %+v, want read-only page at 0x10000", got)
	}
	if !strings.HasPrefix(maps.Maps, "00010000-00011000 r--p") {
		t.Errorf("Maps = %q, want a single r--p region at 0x10000", maps.Maps)
	}

	var spaces []AddressSpace
	if err := c.Call("Memalloc.AddressSpaces", &AddressSpacesArgs{}, &spaces); err != nil {
		t.Fatalf("AddressSpaces failed: %v", err)
	}
	if len(spaces) != 1 || spaces[0].PID != int32(os.Getpid()) || spaces[0].Pages != 1 || spaces[0].Tables != 4 {
		t.Errorf("AddressSpaces = %+v, want one space with one page and four tables", spaces)
	}
}

func TestIoctlRoundTrip(t *testing.T) {
	c := startServer(t)

	for _, tc := range []struct {
		name string
		cmd  uint32
		in   []byte
		want IoctlResult
	}{
		{
			name: "allocate",
			cmd:  memalloc.ALLOCATE,
			in:   memalloc.Marshal(&memalloc.AllocInfo{Vaddr: 0x200000, NumPages: 1}),
			want: IoctlResult{Code: 0, Kind: "ok"},
		},
		{
			name: "free",
			cmd:  memalloc.FREE,
			in:   memalloc.Marshal(&memalloc.FreeInfo{Vaddr: 0x200000}),
			want: IoctlResult{Code: 0, Kind: "ok"},
		},
		{
			name: "short payload",
			cmd:  memalloc.ALLOCATE,
			in:   []byte{1, 2, 3},
			want: IoctlResult{Code: -1, Kind: memalloc.BadRequest.String(), Errno: "EFAULT"},
		},
		{
			name: "unknown command",
			cmd:  memalloc.IOW('m', 3, 8),
			in:   make([]byte, 8),
			want: IoctlResult{Code: -1, Kind: memalloc.BadRequest.String(), Errno: "ENOTTY"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var res IoctlResult
			if err := c.Call("Memalloc.Ioctl", &IoctlArgs{Cmd: tc.cmd, Payload: tc.in}, &res); err != nil {
				t.Fatalf("Ioctl failed: %v", err)
			}
			res.Message = ""
			if diff := cmp.Diff(tc.want, res); diff != "" {
				t.Errorf("Ioctl result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoggingChange(t *testing.T) {
	c := startServer(t)
	old := log.Warning
	if log.IsLogging(log.Debug) {
		old = log.Debug
	} else if log.IsLogging(log.Info) {
		old = log.Info
	}
	t.Cleanup(func() { log.SetLevel(old) })

	var code int
	if err := c.Call("Logging.Change", &LoggingArgs{SetLevel: true, Level: log.Debug}, &code); err != nil {
		t.Fatalf("Logging.Change failed: %v", err)
	}
	if !log.IsLogging(log.Debug) {
		t.Errorf("debug logging not enabled after Change")
	}
}

func TestMappingsOfOtherPIDs(t *testing.T) {
	mf, err := pgalloc.Create("memalloc-control-test", pgalloc.MemoryFileOpts{Frames: 64})
	if err != nil {
		t.Fatalf("pgalloc.Create failed: %v", err)
	}
	t.Cleanup(mf.Destroy)
	spaces := mm.NewRegistry()
	t.Cleanup(func() { spaces.Release(mf) })
	m := &Memalloc{Service: memalloc.NewService(spaces, mf, nil), Spaces: spaces}

	serverUID := uint32(os.Getuid())
	stranger := serverUID + 1
	var res AllocateResult
	owner := urpc.CallerPayload{Caller: urpc.Credentials{PID: 100, UID: serverUID}}
	if err := m.Allocate(&AllocateArgs{CallerPayload: owner, AllocInfo: memalloc.AllocInfo{Vaddr: 0x400000, NumPages: 1}}, &res); err != nil || res.Code != 0 {
		t.Fatalf("Allocate = %+v, %v, want success", res, err)
	}

	for _, tc := range []struct {
		name     string
		caller   urpc.Credentials
		pid      int32
		wantErr  bool
		mappings int
	}{
		{name: "server user", caller: urpc.Credentials{PID: 300, UID: serverUID}, pid: 100, mappings: 1},
		{name: "root", caller: urpc.Credentials{PID: 300, UID: 0}, pid: 100, mappings: 1},
		{name: "other user", caller: urpc.Credentials{PID: 200, UID: stranger}, pid: 100, wantErr: true},
		{name: "other user own pid", caller: urpc.Credentials{PID: 200, UID: stranger}, pid: 200},
		{name: "other user default pid", caller: urpc.Credentials{PID: 200, UID: stranger}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out MappingsResult
			err := m.Mappings(&MappingsArgs{CallerPayload: urpc.CallerPayload{Caller: tc.caller}, PID: tc.pid}, &out)
			if tc.wantErr {
				if !linuxerr.Equals(linuxerr.EPERM, err) {
					t.Errorf("Mappings = %v, want EPERM", err)
				}
				if len(out.Mappings) != 0 {
					t.Errorf("Mappings leaked %+v", out.Mappings)
				}
				return
			}
			if err != nil {
				t.Fatalf("Mappings failed: %v", err)
			}
			if len(out.Mappings) != tc.mappings {
				t.Errorf("Mappings = %+v, want %d mappings", out.Mappings, tc.mappings)
			}
		})
	}
}
