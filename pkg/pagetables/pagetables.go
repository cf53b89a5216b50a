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

// Package pagetables provides a generic implementation of pagetables.
//
// The hierarchy is a software rendition of the x86-64 4-level layout: a root
// table (PGD) whose entries point at upper tables (PUD), then middle tables
// (PMD), then leaf tables (PTE) whose entries point at frames. Entries carry
// physical addresses only; tables are resolved back through the Allocator.
package pagetables

import (
	"sync"
	"time"

	"github.com/cse330/memalloc/pkg/errors"
	"github.com/cse330/memalloc/pkg/log"
	"golang.org/x/sys/unix"
)

// Frame is a zeroed page handed out by a FrameSource.
type Frame struct {
	// Data is the page contents.
	Data []byte

	// Physical is the address installed in the leaf entry.
	Physical uintptr
}

// FrameSource supplies the frames that back leaf entries.
type FrameSource interface {
	// AcquireZeroedFrame returns a zeroed page. It returns ENOMEM when no
	// frame is available.
	AcquireZeroedFrame() (Frame, error)

	// ReleaseFrame returns a frame obtained from AcquireZeroedFrame.
	ReleaseFrame(physical uintptr)
}

// ErrNotInitialized is returned when walking page tables that have no root.
var ErrNotInitialized = errors.New(unix.EINVAL, "page tables have no root table")

// ErrAlreadyMapped is returned when the leaf entry for a page is present.
var ErrAlreadyMapped = errors.New(unix.EEXIST, "virtual page already mapped")

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// mu protects the hierarchy and the counts below. Map, Lookup and
	// Release all hold it, so walks of one address space are serialized
	// while distinct address spaces proceed independently.
	mu sync.Mutex

	// root is the pagetable root. A nil root means Init was never
	// called, and walks fail with ErrNotInitialized.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	//
	// This is saved only to prevent constant translation.
	rootPhysical uintptr

	// tables counts live tables, the root included.
	tables int

	// leaves counts installed leaf entries.
	leaves int

	// logger receives per-level diagnostics. It is rate limited since a
	// single request may walk thousands of pages.
	logger log.Logger
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	p := new(PageTables)
	if err := p.Init(a); err != nil {
		return nil, err
	}
	return p, nil
}

// Init initializes a set of PageTables. It allocates the root table.
func (p *PageTables) Init(allocator Allocator) error {
	root, err := allocator.NewPTEs()
	if err != nil {
		return err
	}
	p.Allocator = allocator
	p.root = root
	p.rootPhysical = allocator.PhysicalFor(root)
	p.tables = 1
	p.logger = log.RateLimitedLogger(log.Log(), 10*time.Millisecond, 64)
	return nil
}

// RootPhysical returns the physical address of the root table.
func (p *PageTables) RootPhysical() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rootPhysical
}

// TableCount returns the number of live tables, the root included.
func (p *PageTables) TableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tables
}

// LeafCount returns the number of installed leaf entries.
func (p *PageTables) LeafCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaves
}
