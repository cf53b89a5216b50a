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

// Package mm tracks the address spaces of callers of the memalloc service.
//
// Each caller process is represented by a MemoryManager that owns the root of
// its page tables. MemoryManagers are created on first use by a Registry.
package mm

import (
	"fmt"
	"sync"

	"github.com/cse330/memalloc/pkg/hostarch"
	"github.com/cse330/memalloc/pkg/pagetables"
	"github.com/google/btree"
)

// Caller identifies the process on the other end of the control channel.
type Caller struct {
	// PID is the caller's process ID. It keys its address space.
	PID int32

	// UID and GID are the caller's credentials.
	UID uint32
	GID uint32
}

// String implements fmt.Stringer.String.
func (c Caller) String() string {
	return fmt.Sprintf("pid %d (uid %d)", c.PID, c.UID)
}

// Mapping is an installed leaf entry.
type Mapping struct {
	// Addr is the page-aligned virtual address.
	Addr hostarch.Addr

	// Physical is the backing frame.
	Physical uintptr

	// Opts are the installed permissions.
	Opts pagetables.MapOpts
}

func mappingLess(a, b Mapping) bool {
	return a.Addr < b.Addr
}

// btreeDegree is the degree of the mapping index.
const btreeDegree = 16

// MemoryManager implements a caller's virtual address space.
type MemoryManager struct {
	// pid is the owning process. It is immutable.
	pid int32

	// pt is the page table hierarchy. It is immutable; the PageTables
	// carry their own lock.
	pt *pagetables.PageTables

	// mappingMu protects mappings. It is acquired before the page table
	// lock.
	mappingMu sync.RWMutex

	// mappings indexes installed leaf entries by address.
	mappings *btree.BTreeG[Mapping]
}

// NewMemoryManager returns a MemoryManager for pid over pt.
func NewMemoryManager(pid int32, pt *pagetables.PageTables) *MemoryManager {
	return &MemoryManager{
		pid:      pid,
		pt:       pt,
		mappings: btree.NewG(btreeDegree, mappingLess),
	}
}

// PID returns the owning process ID.
func (mm *MemoryManager) PID() int32 {
	return mm.pid
}

// PageTables returns the root of the address space.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// Map installs a mapping for the page containing addr and records it in the
// index. See pagetables.PageTables.Map.
//
// mappingMu is held across the walk so that a concurrent Release either
// sees both the leaf entry and its index entry or neither.
func (mm *MemoryManager) Map(addr hostarch.Addr, opts pagetables.MapOpts, frames pagetables.FrameSource) (pagetables.MapResult, error) {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	res, err := mm.pt.Map(addr, opts, frames)
	if err != nil || !res.Created {
		return res, err
	}
	mm.mappings.ReplaceOrInsert(Mapping{
		Addr:     addr.RoundDown(),
		Physical: res.Physical,
		Opts:     opts,
	})
	return res, nil
}

// Lookup returns the mapping for the page containing addr.
func (mm *MemoryManager) Lookup(addr hostarch.Addr) (Mapping, bool) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.mappings.Get(Mapping{Addr: addr.RoundDown()})
}

// Mappings returns all mappings in ascending address order.
func (mm *MemoryManager) Mappings() []Mapping {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	ms := make([]Mapping, 0, mm.mappings.Len())
	mm.mappings.Ascend(func(m Mapping) bool {
		ms = append(ms, m)
		return true
	})
	return ms
}

// MappingsFrom returns up to limit mappings at or above start, in ascending
// address order. A limit of zero means no limit.
func (mm *MemoryManager) MappingsFrom(start hostarch.Addr, limit int) []Mapping {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var ms []Mapping
	mm.mappings.AscendGreaterOrEqual(Mapping{Addr: start}, func(m Mapping) bool {
		ms = append(ms, m)
		return limit == 0 || len(ms) < limit
	})
	return ms
}

// MappedPages returns the number of installed mappings.
func (mm *MemoryManager) MappedPages() int {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.mappings.Len()
}

// Release tears down the address space, returning every frame to frames.
func (mm *MemoryManager) Release(frames pagetables.FrameSource) {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.pt.Release(frames)
	mm.mappings.Clear(false)
}
