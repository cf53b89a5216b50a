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

package memalloc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cse330/memalloc/pkg/errors/linuxerr"
	"github.com/cse330/memalloc/pkg/hostarch"
	"github.com/cse330/memalloc/pkg/metric"
	"github.com/cse330/memalloc/pkg/mm"
	"github.com/cse330/memalloc/pkg/pagetables"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// testFrames is a FrameSource with an optional budget.
type testFrames struct {
	mu    sync.Mutex
	next  uintptr
	limit int
	used  int
}

func (f *testFrames) AcquireZeroedFrame() (pagetables.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && f.used >= f.limit {
		return pagetables.Frame{}, linuxerr.ENOMEM
	}
	f.used++
	f.next += hostarch.PageSize
	return pagetables.Frame{Physical: f.next}, nil
}

func (f *testFrames) ReleaseFrame(uintptr) {}

var testCaller = mm.Caller{PID: 100, UID: 1000, GID: 1000}

type testService struct {
	*Service
	registry *mm.Registry
	frames   *testFrames
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	frames := &testFrames{}
	registry := mm.NewRegistry()
	return &testService{
		Service:  NewService(registry, frames, metric.NewRegistry()),
		registry: registry,
		frames:   frames,
	}
}

// checkStats verifies the committed counters.
func checkStats(t *testing.T, s *Service, pages, allocations uint64) {
	t.Helper()
	want := Stats{
		Pages:          pages,
		Allocations:    allocations,
		MaxPages:       MaxPages,
		MaxAllocations: MaxAllocations,
	}
	if diff := cmp.Diff(want, s.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

// checkMapped verifies that n pages from vaddr are mapped with access.
func (ts *testService) checkMapped(t *testing.T, caller mm.Caller, vaddr uint64, n int, access hostarch.AccessType) {
	t.Helper()
	as, err := ts.registry.RootOf(caller)
	if err != nil {
		t.Fatalf("RootOf failed: %v", err)
	}
	for i := 0; i < n; i++ {
		addr := hostarch.Addr(vaddr + uint64(i)*hostarch.PageSize)
		_, opts, ok := as.PageTables().Lookup(addr)
		if !ok {
			t.Errorf("page %v is not mapped", addr)
			continue
		}
		if opts.AccessType != access || !opts.User {
			t.Errorf("page %v mapped with %v, want user %v", addr, opts, access)
		}
	}
}

func (ts *testService) checkUnmapped(t *testing.T, caller mm.Caller, addr hostarch.Addr) {
	t.Helper()
	as, err := ts.registry.RootOf(caller)
	if err != nil {
		t.Fatalf("RootOf failed: %v", err)
	}
	if _, _, ok := as.PageTables().Lookup(addr); ok {
		t.Errorf("page %v is mapped", addr)
	}
}

func TestAllocate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		req   AllocInfo
		want  hostarch.AccessType
		pages uint64
	}{
		{name: "read-write", req: AllocInfo{Vaddr: 0x400000, NumPages: 3, Write: true}, want: hostarch.ReadWrite, pages: 3},
		{name: "read-only", req: AllocInfo{Vaddr: 0x7f0000000000, NumPages: 1}, want: hostarch.Read, pages: 1},
		{name: "many", req: AllocInfo{Vaddr: 0x10000, NumPages: 600, Write: true}, want: hostarch.ReadWrite, pages: 600},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestService(t)
			res, err := ts.Allocate(testCaller, tc.req)
			if err != nil {
				t.Fatalf("Allocate(%v) failed: %v", tc.req, err)
			}
			if res.Mapped != int(tc.pages) {
				t.Errorf("Mapped = %d, want %d", res.Mapped, tc.pages)
			}
			if ReturnCode(err) != 0 {
				t.Errorf("ReturnCode = %d, want 0", ReturnCode(err))
			}
			ts.checkMapped(t, testCaller, tc.req.Vaddr, int(tc.pages), tc.want)
			ts.checkUnmapped(t, testCaller, hostarch.Addr(tc.req.Vaddr+tc.pages*hostarch.PageSize))
			checkStats(t, ts.Service, tc.pages, 1)
		})
	}
}

func TestAllocateAlreadyMapped(t *testing.T) {
	ts := newTestService(t)
	if _, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400000, NumPages: 3, Write: true}); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	res, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400000, NumPages: 1, Write: false})
	if !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("Allocate of a mapped page = %v, want %v", err, ErrAlreadyMapped)
	}
	if !errors.Is(err, unix.EEXIST) {
		t.Errorf("error %v does not carry EEXIST", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Addr != 0x400000 {
		t.Errorf("error %v does not name the failing page", err)
	}
	if got := ReturnCode(err); got != -1 {
		t.Errorf("ReturnCode = %d, want -1", got)
	}
	if res.Mapped != 0 {
		t.Errorf("Mapped = %d, want 0", res.Mapped)
	}

	// The first mapping and its permission are unchanged.
	ts.checkMapped(t, testCaller, 0x400000, 3, hostarch.ReadWrite)
	checkStats(t, ts.Service, 3, 1)
}

func TestAllocateMidRangeConflict(t *testing.T) {
	ts := newTestService(t)
	if _, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x402000, NumPages: 1}); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	res, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400000, NumPages: 4, Write: true})
	if !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("Allocate = %v, want %v", err, ErrAlreadyMapped)
	}
	// Pages before the conflict stay mapped and counted; the request is not
	// counted as an allocation.
	if res.Mapped != 2 {
		t.Errorf("Mapped = %d, want 2", res.Mapped)
	}
	ts.checkMapped(t, testCaller, 0x400000, 2, hostarch.ReadWrite)
	ts.checkMapped(t, testCaller, 0x402000, 1, hostarch.Read)
	ts.checkUnmapped(t, testCaller, 0x403000)
	checkStats(t, ts.Service, 3, 1)
}

func TestAllocationCeiling(t *testing.T) {
	ts := newTestService(t)
	for i := uint64(0); i < MaxAllocations; i++ {
		if _, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400000 + i*hostarch.PageSize, NumPages: 1}); err != nil {
			t.Fatalf("Allocate #%d failed: %v", i, err)
		}
	}
	checkStats(t, ts.Service, MaxAllocations, MaxAllocations)

	vaddr := uint64(0x400000 + MaxAllocations*hostarch.PageSize)
	_, err := ts.Allocate(testCaller, AllocInfo{Vaddr: vaddr, NumPages: 1})
	if !errors.Is(err, ErrTooManyAllocations) {
		t.Fatalf("Allocate #%d = %v, want %v", MaxAllocations, err, ErrTooManyAllocations)
	}
	if got := ReturnCode(err); got != -3 {
		t.Errorf("ReturnCode = %d, want -3", got)
	}
	ts.checkUnmapped(t, testCaller, hostarch.Addr(vaddr))
	checkStats(t, ts.Service, MaxAllocations, MaxAllocations)
	if got := ts.RequestCount("allocate", TooManyAllocations); got != 1 {
		t.Errorf("too_many_allocations requests = %d, want 1", got)
	}
}

func TestPageCeiling(t *testing.T) {
	ts := newTestService(t)
	if _, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x10000000, NumPages: MaxPages - 3, Write: true}); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	res, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400000, NumPages: 5, Write: true})
	if !errors.Is(err, ErrTooManyPages) {
		t.Fatalf("Allocate past the page ceiling = %v, want %v", err, ErrTooManyPages)
	}
	if got := ReturnCode(err); got != -2 {
		t.Errorf("ReturnCode = %d, want -2", got)
	}
	if res.Mapped != 3 {
		t.Errorf("Mapped = %d, want 3", res.Mapped)
	}
	ts.checkMapped(t, testCaller, 0x400000, 3, hostarch.ReadWrite)
	ts.checkUnmapped(t, testCaller, 0x403000)
	checkStats(t, ts.Service, MaxPages, 1)

	// Requests for no pages are still accepted at the page ceiling.
	if _, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x900000}); err != nil {
		t.Errorf("Allocate of zero pages = %v, want success", err)
	}
	checkStats(t, ts.Service, MaxPages, 2)
}

func TestAllocateNoPages(t *testing.T) {
	ts := newTestService(t)
	for _, n := range []int32{0, -5} {
		res, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400000, NumPages: n})
		if err != nil {
			t.Fatalf("Allocate(%d pages) failed: %v", n, err)
		}
		if res.Mapped != 0 {
			t.Errorf("Mapped = %d, want 0", res.Mapped)
		}
	}
	checkStats(t, ts.Service, 0, 2)
	if _, ok := ts.registry.Get(testCaller.PID); ok {
		t.Errorf("address space created for a request that maps nothing")
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	ts := newTestService(t)
	ts.frames.limit = 2
	res, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400000, NumPages: 3, Write: true})
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Allocate = %v, want %v", err, ErrOutOfMemory)
	}
	if !errors.Is(err, unix.ENOMEM) {
		t.Errorf("error %v does not carry ENOMEM", err)
	}
	if res.Mapped != 2 {
		t.Errorf("Mapped = %d, want 2", res.Mapped)
	}
	checkStats(t, ts.Service, 2, 0)
}

func TestAllocateOutOfRange(t *testing.T) {
	ts := newTestService(t)
	vaddr := uint64(pagetables.MaxUserAddress) - hostarch.PageSize
	res, err := ts.Allocate(testCaller, AllocInfo{Vaddr: vaddr, NumPages: 2})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("Allocate = %v, want %v", err, ErrBadRequest)
	}
	if res.Mapped != 1 {
		t.Errorf("Mapped = %d, want 1", res.Mapped)
	}
	checkStats(t, ts.Service, 1, 0)
}

func TestAllocateWrapsAddressSpace(t *testing.T) {
	ts := newTestService(t)
	vaddr := uint64(^hostarch.Addr(0)) - hostarch.PageSize + 1
	res, err := ts.Allocate(testCaller, AllocInfo{Vaddr: vaddr, NumPages: 2})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("Allocate = %v, want %v", err, ErrBadRequest)
	}
	if !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("error %v does not wrap EFAULT", err)
	}
	if res.Mapped != 0 {
		t.Errorf("Mapped = %d, want 0", res.Mapped)
	}
	checkStats(t, ts.Service, 0, 0)
	if _, ok := ts.registry.Get(testCaller.PID); ok {
		t.Errorf("wrapping request created an address space")
	}
}

func TestAllocateUnaligned(t *testing.T) {
	ts := newTestService(t)
	res, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400123, NumPages: 2, Write: true})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if res.Mapped != 2 {
		t.Errorf("Mapped = %d, want 2", res.Mapped)
	}
	ts.checkMapped(t, testCaller, 0x400000, 2, hostarch.ReadWrite)
}

// rootless hands out address spaces whose page tables were never
// initialized.
type rootless struct{}

func (rootless) RootOf(caller mm.Caller) (*mm.MemoryManager, error) {
	return mm.NewMemoryManager(caller.PID, new(pagetables.PageTables)), nil
}

func TestAllocatePreconditionViolation(t *testing.T) {
	s := NewService(rootless{}, &testFrames{}, nil)
	_, err := s.Allocate(testCaller, AllocInfo{Vaddr: 0x400000, NumPages: 1})
	if !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("Allocate = %v, want %v", err, ErrPreconditionViolation)
	}
	if !errors.Is(err, pagetables.ErrNotInitialized) {
		t.Errorf("error %v does not wrap %v", err, pagetables.ErrNotInitialized)
	}
	checkStats(t, s, 0, 0)
}

func TestAllocateUnknownCaller(t *testing.T) {
	ts := newTestService(t)
	_, err := ts.Allocate(mm.Caller{}, AllocInfo{Vaddr: 0x400000, NumPages: 1})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("Allocate = %v, want %v", err, ErrBadRequest)
	}
	checkStats(t, ts.Service, 0, 0)
}

func TestScenario(t *testing.T) {
	ts := newTestService(t)
	alloc := Marshal(&AllocInfo{Vaddr: 0x400000, NumPages: 3, Write: true})
	if err := ts.Ioctl(testCaller, ALLOCATE, BytesIO(alloc)); err != nil {
		t.Fatalf("ALLOCATE failed: %v", err)
	}
	alloc = Marshal(&AllocInfo{Vaddr: 0x400000, NumPages: 1, Write: false})
	if err := ts.Ioctl(testCaller, ALLOCATE, BytesIO(alloc)); KindOf(err) != AlreadyMapped {
		t.Fatalf("second ALLOCATE = %v, want kind %v", err, AlreadyMapped)
	}
	checkStats(t, ts.Service, 3, 1)
}

func TestFree(t *testing.T) {
	ts := newTestService(t)
	if _, err := ts.Allocate(testCaller, AllocInfo{Vaddr: 0x400000, NumPages: 2, Write: true}); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	for _, vaddr := range []uint64{0x400000, 0x401000, 0xdead000} {
		if err := ts.Ioctl(testCaller, FREE, BytesIO(Marshal(&FreeInfo{Vaddr: vaddr}))); err != nil {
			t.Errorf("FREE(%#x) = %v, want success", vaddr, err)
		}
	}
	ts.checkMapped(t, testCaller, 0x400000, 2, hostarch.ReadWrite)
	checkStats(t, ts.Service, 2, 1)
	if got := ts.RequestCount("free", 0); got != 3 {
		t.Errorf("ok free requests = %d, want 3", got)
	}
}

type failingIO struct{}

func (failingIO) CopyIn([]byte) (int, error) {
	return 0, linuxerr.EFAULT
}

func TestIoctlBadRequests(t *testing.T) {
	ts := newTestService(t)
	for _, tc := range []struct {
		name    string
		cmd     uint32
		in      CopyIn
		want    error
		notWant error
	}{
		{name: "short allocate", cmd: ALLOCATE, in: BytesIO(make([]byte, SizeofAllocInfo-1)), want: ErrBadRequest, notWant: ErrInvalidCommand},
		{name: "short free", cmd: FREE, in: BytesIO(nil), want: ErrBadRequest, notWant: ErrInvalidCommand},
		{name: "copy fault", cmd: ALLOCATE, in: failingIO{}, want: ErrBadRequest, notWant: ErrInvalidCommand},
		{name: "unknown command", cmd: IOW('m', 3, 8), in: BytesIO(make([]byte, 8)), want: ErrInvalidCommand, notWant: ErrBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ts.Ioctl(testCaller, tc.cmd, tc.in)
			if !errors.Is(err, tc.want) {
				t.Errorf("Ioctl = %v, want %v", err, tc.want)
			}
			if errors.Is(err, tc.notWant) {
				t.Errorf("Ioctl = %v, matches %v", err, tc.notWant)
			}
			if got, want := KindOf(err), BadRequest; got != want {
				t.Errorf("KindOf = %v, want %v", got, want)
			}
			if got := ReturnCode(err); got != -1 {
				t.Errorf("ReturnCode = %d, want -1", got)
			}
		})
	}
	if !linuxerr.Equals(linuxerr.ENOTTY, ErrInvalidCommand.Err) {
		t.Errorf("ErrInvalidCommand does not carry ENOTTY")
	}
	checkStats(t, ts.Service, 0, 0)
	if _, ok := ts.registry.Get(testCaller.PID); ok {
		t.Errorf("bad requests created an address space")
	}
}

func TestConcurrentAllocationCeiling(t *testing.T) {
	ts := newTestService(t)
	var ok, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2*MaxAllocations; i++ {
		caller := mm.Caller{PID: int32(1 + i%7)}
		vaddr := uint64(0x400000 + i*hostarch.PageSize)
		g.Go(func() error {
			_, err := ts.Allocate(caller, AllocInfo{Vaddr: vaddr, NumPages: 1, Write: true})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrTooManyAllocations):
				rejected.Add(1)
			default:
				return fmt.Errorf("Allocate(%#x) for %v: %w", vaddr, caller, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if ok.Load() != MaxAllocations || rejected.Load() != MaxAllocations {
		t.Errorf("accepted %d and rejected %d, want %d each", ok.Load(), rejected.Load(), MaxAllocations)
	}
	checkStats(t, ts.Service, MaxAllocations, MaxAllocations)
}

func TestConcurrentPageCeiling(t *testing.T) {
	ts := newTestService(t)
	const (
		requests = 50
		pages    = 100
	)
	var mapped atomic.Int64
	var g errgroup.Group
	for i := 0; i < requests; i++ {
		caller := mm.Caller{PID: int32(1 + i%3)}
		vaddr := uint64(0x40000000) + uint64(i)*pages*hostarch.PageSize
		g.Go(func() error {
			res, err := ts.Allocate(caller, AllocInfo{Vaddr: vaddr, NumPages: pages, Write: i%2 == 0})
			mapped.Add(int64(res.Mapped))
			if err != nil && !errors.Is(err, ErrTooManyPages) {
				return fmt.Errorf("Allocate(%#x) for %v: %w", vaddr, caller, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := mapped.Load(); got != MaxPages {
		t.Errorf("mapped %d pages, want %d", got, MaxPages)
	}
	if got := ts.Stats().Pages; got != MaxPages {
		t.Errorf("Pages = %d, want %d", got, MaxPages)
	}
	// Only requests that mapped all their pages count as allocations.
	if got := ts.Stats().Allocations; got > MaxPages/pages {
		t.Errorf("Allocations = %d, want at most %d", got, MaxPages/pages)
	}
}
