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

package pagetables

import (
	"sync"

	"github.com/cse330/memalloc/pkg/errors/linuxerr"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and their physical address.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if no
	// table lives at that address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be available
	// for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)

	// Recycle makes freed PTEs available for use again.
	Recycle()
}

// tableBase is where RuntimeAllocator starts handing out table addresses.
// Frame addresses come from a different space, so the two can never alias.
const tableBase = uintptr(1) << 52

// RuntimeAllocator is a trivial allocator. Tables are ordinary Go values;
// entries refer to them through synthetic, page-aligned physical addresses.
type RuntimeAllocator struct {
	mu sync.Mutex

	// limit bounds the number of live tables. Zero means no limit.
	limit int

	// next is the next unused table address.
	next uintptr

	// byAddr maps table addresses to tables.
	byAddr map[uintptr]*PTEs

	// byTable is the inverse of byAddr.
	byTable map[*PTEs]uintptr

	// pool holds tables freed since the last Recycle; reuse holds
	// recycled tables ready to be handed out again.
	pool  []*PTEs
	reuse []*PTEs
}

// NewRuntimeAllocator returns an allocator with no table limit.
func NewRuntimeAllocator() *RuntimeAllocator {
	return NewLimitedRuntimeAllocator(0)
}

// NewLimitedRuntimeAllocator returns an allocator that fails with ENOMEM once
// limit tables are live.
func NewLimitedRuntimeAllocator(limit int) *RuntimeAllocator {
	return &RuntimeAllocator{
		limit:   limit,
		next:    tableBase,
		byAddr:  make(map[uintptr]*PTEs),
		byTable: make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*PTEs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.byAddr) >= r.limit {
		return nil, linuxerr.ENOMEM
	}
	var ptes *PTEs
	if n := len(r.reuse); n > 0 {
		ptes = r.reuse[n-1]
		r.reuse = r.reuse[:n-1]
		*ptes = PTEs{}
	} else {
		ptes = new(PTEs)
	}
	addr := r.next
	r.next += pteSize
	r.byAddr[addr] = ptes
	r.byTable[ptes] = addr
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTable[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byAddr[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.byTable[ptes]
	if !ok {
		return
	}
	delete(r.byTable, ptes)
	delete(r.byAddr, addr)
	r.pool = append(r.pool, ptes)
}

// Recycle implements Allocator.Recycle.
func (r *RuntimeAllocator) Recycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reuse = append(r.reuse, r.pool...)
	r.pool = r.pool[:0]
}

// Live returns the number of tables currently allocated.
func (r *RuntimeAllocator) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddr)
}
