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

package mm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cse330/memalloc/pkg/errors/linuxerr"
	"github.com/cse330/memalloc/pkg/log"
	"github.com/cse330/memalloc/pkg/pagetables"
)

// Registry maps caller processes to their address spaces.
type Registry struct {
	// newAllocator returns the table allocator for a new address space.
	// It is immutable.
	newAllocator func() pagetables.Allocator

	mu sync.Mutex

	// mms is keyed by PID. Protected by mu.
	mms map[int32]*MemoryManager
}

// NewRegistry returns an empty Registry whose address spaces use a
// pagetables.RuntimeAllocator.
func NewRegistry() *Registry {
	return NewRegistryWithAllocator(func() pagetables.Allocator {
		return pagetables.NewRuntimeAllocator()
	})
}

// NewRegistryWithAllocator returns an empty Registry whose address spaces use
// allocators returned by newAllocator.
func NewRegistryWithAllocator(newAllocator func() pagetables.Allocator) *Registry {
	return &Registry{
		newAllocator: newAllocator,
		mms:          make(map[int32]*MemoryManager),
	}
}

// RootOf returns the address space of caller, creating it on first use.
func (r *Registry) RootOf(caller Caller) (*MemoryManager, error) {
	if caller.PID <= 0 {
		return nil, fmt.Errorf("invalid caller %v: %w", caller, linuxerr.ESRCH)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if mm, ok := r.mms[caller.PID]; ok {
		return mm, nil
	}
	pt, err := pagetables.New(r.newAllocator())
	if err != nil {
		return nil, fmt.Errorf("creating page tables for %v: %w", caller, err)
	}
	mm := NewMemoryManager(caller.PID, pt)
	r.mms[caller.PID] = mm
	log.Debugf("Created address space for %v, root %#x", caller, pt.RootPhysical())
	return mm, nil
}

// Get returns the address space of pid, if it exists.
func (r *Registry) Get(pid int32) (*MemoryManager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mm, ok := r.mms[pid]
	return mm, ok
}

// PIDs returns the PIDs with an address space, in ascending order.
func (r *Registry) PIDs() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int32, 0, len(r.mms))
	for pid := range r.mms {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Remove tears down the address space of pid and forgets it.
func (r *Registry) Remove(pid int32, frames pagetables.FrameSource) bool {
	r.mu.Lock()
	mm, ok := r.mms[pid]
	delete(r.mms, pid)
	r.mu.Unlock()
	if !ok {
		return false
	}
	mm.Release(frames)
	return true
}

// Release tears down every address space.
func (r *Registry) Release(frames pagetables.FrameSource) {
	r.mu.Lock()
	mms := r.mms
	r.mms = make(map[int32]*MemoryManager)
	r.mu.Unlock()
	for _, mm := range mms {
		mm.Release(frames)
	}
}
