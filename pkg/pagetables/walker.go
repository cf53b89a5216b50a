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
	"fmt"

	"github.com/cse330/memalloc/pkg/errors/linuxerr"
	"github.com/cse330/memalloc/pkg/hostarch"
	"github.com/cse330/memalloc/pkg/log"
)

// MapResult describes the outcome of a successful Map.
type MapResult struct {
	// Created is true iff a new leaf entry was installed.
	Created bool

	// TablesAllocated is the number of intermediate tables created on the
	// way down, between zero and three.
	TablesAllocated int

	// Physical is the frame installed in the leaf entry.
	Physical uintptr
}

// level names used in diagnostics.
var levelNames = [...]string{"pgd", "pud", "pmd", "pte"}

// Map installs a mapping for the page containing addr, backed by a fresh
// frame from frames.
//
// Missing intermediate tables are created on the way down. Entries that are
// present but do not refer to a table known to the Allocator, or that carry
// the super page bit, are replaced by a fresh table. The leaf entry is never
// overwritten: if it is present, Map returns ErrAlreadyMapped and changes
// nothing at the leaf.
//
// Tables created before a failure stay in place.
func (p *PageTables) Map(addr hostarch.Addr, opts MapOpts, frames FrameSource) (MapResult, error) {
	if addr >= MaxUserAddress {
		return MapResult{}, fmt.Errorf("mapping %v: %w", addr, linuxerr.EFAULT)
	}
	addr = addr.RoundDown()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.root == nil {
		log.Warningf("Page tables for %v have no root table, walk aborted", addr)
		return MapResult{}, ErrNotInitialized
	}

	var res MapResult
	pgd, pud, pmd, pte := indices(uintptr(addr))
	entries := p.root
	for level, index := range [...]uint16{pgd, pud, pmd} {
		next, created, err := p.nextLevel(&entries[index])
		if err != nil {
			return res, fmt.Errorf("allocating %s table for %v: %w", levelNames[level+1], addr, err)
		}
		if created {
			res.TablesAllocated++
		}
		if p.logger.IsLogging(log.Debug) {
			if created {
				p.logger.Debugf("%v: %s entry %d absent, allocated table %#x", addr, levelNames[level], index, p.Allocator.PhysicalFor(next))
			} else {
				p.logger.Debugf("%v: %s entry %d present", addr, levelNames[level], index)
			}
		}
		entries = next
	}

	leaf := &entries[pte]
	if leaf.Valid() {
		p.logger.Debugf("%v: pte entry %d present", addr, pte)
		return res, fmt.Errorf("%v: %w", addr, ErrAlreadyMapped)
	}

	frame, err := frames.AcquireZeroedFrame()
	if err != nil {
		return res, fmt.Errorf("acquiring frame for %v: %w", addr, err)
	}
	leaf.Set(frame.Physical, opts)
	p.leaves++
	res.Created = true
	res.Physical = frame.Physical
	p.logger.Debugf("%v: pte entry %d set to %#x (%v)", addr, pte, frame.Physical, opts)
	return res, nil
}

// nextLevel resolves the table entry refers to, replacing the entry with a
// fresh table when it is absent or malformed.
func (p *PageTables) nextLevel(entry *PTE) (*PTEs, bool, error) {
	if entry.Valid() && !entry.IsSuper() {
		if next := p.Allocator.LookupPTEs(entry.Address()); next != nil {
			return next, false, nil
		}
	}
	fresh, err := p.Allocator.NewPTEs()
	if err != nil {
		return nil, false, err
	}
	entry.setPageTable(p, fresh)
	p.tables++

	// Re-resolve through the entry, as any later walk will.
	next := p.Allocator.LookupPTEs(entry.Address())
	if next != fresh {
		panic(fmt.Sprintf("table at %#x does not resolve to itself", entry.Address()))
	}
	return next, true, nil
}

// lookupLevel resolves entry without creating anything.
func (p *PageTables) lookupLevel(entry *PTE) *PTEs {
	if !entry.Valid() || entry.IsSuper() {
		return nil
	}
	return p.Allocator.LookupPTEs(entry.Address())
}

// Lookup returns the frame and options installed for the page containing
// addr. ok is false if any level of the walk is absent.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	if addr >= MaxUserAddress {
		return 0, MapOpts{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.root == nil {
		return 0, MapOpts{}, false
	}
	pgd, pud, pmd, pte := indices(uintptr(addr))
	entries := p.root
	for _, index := range [...]uint16{pgd, pud, pmd} {
		if entries = p.lookupLevel(&entries[index]); entries == nil {
			return 0, MapOpts{}, false
		}
	}
	leaf := &entries[pte]
	if !leaf.Valid() {
		return 0, MapOpts{}, false
	}
	return leaf.Address(), leaf.Opts(), true
}

// Release tears down the hierarchy. Every leaf frame is returned to frames
// and every table, the root included, to the Allocator. The PageTables may
// not be used for Map afterwards.
func (p *PageTables) Release(frames FrameSource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.root == nil {
		return
	}
	p.releaseTable(p.root, 0, frames)
	p.Allocator.FreePTEs(p.root)
	p.Allocator.Recycle()
	p.root = nil
	p.rootPhysical = 0
	p.tables = 0
	p.leaves = 0
}

// releaseTable releases everything below entries, which sits at the given
// depth (zero for the root).
func (p *PageTables) releaseTable(entries *PTEs, depth int, frames FrameSource) {
	for i := range entries {
		entry := &entries[i]
		if !entry.Valid() {
			continue
		}
		if depth == 3 {
			frames.ReleaseFrame(entry.Address())
		} else if next := p.lookupLevel(entry); next != nil {
			p.releaseTable(next, depth+1, frames)
			p.Allocator.FreePTEs(next)
		}
		entry.Clear()
	}
}
