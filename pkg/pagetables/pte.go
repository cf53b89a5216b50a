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

	"github.com/cse330/memalloc/pkg/hostarch"
)

// Opts are x86 options.
const (
	present      = 0x001
	writable     = 0x002
	user         = 0x004
	writeThrough = 0x008
	cacheDisable = 0x010
	accessed     = 0x020
	dirty        = 0x040
	super        = 0x080
	global       = 0x100
	optionMask   = executeDisable | 0xfff
)

// executeDisable is the NX bit.
const executeDisable = 1 << 63

// Address layout constants for the 4-level hierarchy.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	// entriesPerPage is the number of PTEs per page.
	entriesPerPage = 512
)

// MaxUserAddress is the first address past the lower canonical half; user
// mappings must lie below it.
const MaxUserAddress = hostarch.Addr(1 << 47)

// MapOpts are mapping options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool
}

// String implements fmt.Stringer.String.
func (m MapOpts) String() string {
	s := m.AccessType.String()
	if m.User {
		s += "u"
	} else {
		s += "-"
	}
	if m.Global {
		s += "g"
	}
	return s
}

// PTE is a page table entry.
type PTE uintptr

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return *p&present != 0
}

// IsSuper returns true iff this entry maps a super page. Entries written by
// this package never carry the bit; it marks an entry as malformed.
func (p *PTE) IsSuper() bool {
	return *p&super != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
func (p *PTE) Opts() MapOpts {
	v := uintptr(*p)
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:  v&present != 0,
			Write: v&writable != 0,
		},
		Global: v&global != 0,
		User:   v&user != 0,
	}
}

// Set sets this PTE value.
//
// This does not change the super page property.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (addr &^ optionMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if p.IsSuper() {
		v |= super
	}
	*p = PTE(v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^optionMask != addr {
		// This should never happen.
		panic(fmt.Sprintf("unaligned physical address: %v", addr))
	}
	v := addr | present | user | writable | accessed | dirty
	*p = PTE(v)
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return uintptr(*p &^ optionMask)
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// indices returns the root, upper, middle and leaf indices of addr.
func indices(addr uintptr) (pgd, pud, pmd, pte uint16) {
	return uint16((addr & pgdMask) >> pgdShift),
		uint16((addr & pudMask) >> pudShift),
		uint16((addr & pmdMask) >> pmdShift),
		uint16((addr & pteMask) >> pteShift)
}
