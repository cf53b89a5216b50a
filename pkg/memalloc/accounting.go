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
	"sync"
)

const (
	// MaxPages is the number of pages the service maps over its lifetime.
	MaxPages = 4096

	// MaxAllocations is the number of ALLOCATE requests the service accepts
	// over its lifetime.
	MaxAllocations = 100
)

// Stats is a snapshot of the accounting counters.
type Stats struct {
	// Pages is the number of pages ever mapped.
	Pages uint64 `json:"pages"`

	// Allocations is the number of allocation requests ever accepted.
	Allocations uint64 `json:"allocations"`

	// MaxPages and MaxAllocations are the ceilings.
	MaxPages       uint64 `json:"max_pages"`
	MaxAllocations uint64 `json:"max_allocations"`
}

// Accounting enforces the page and allocation ceilings.
//
// Capacity is claimed with a reservation that is later committed or
// cancelled. Reservations in flight count against the ceiling, so
// concurrent requests can never push a counter past it. Committed counts
// only grow.
type Accounting struct {
	mu sync.Mutex

	// pages and allocations are committed counts. Protected by mu.
	pages       uint64
	allocations uint64

	// pendingPages and pendingAllocations are outstanding reservations.
	// Protected by mu.
	pendingPages       uint64
	pendingAllocations uint64
}

// NewAccounting returns Accounting with both counters at zero.
func NewAccounting() *Accounting {
	return &Accounting{}
}

type resource int

const (
	pageResource resource = iota
	allocationResource
)

// Reservation is a claim on one page or one allocation. Exactly one of
// Commit or Cancel takes effect; later calls are no-ops.
type Reservation struct {
	a        *Accounting
	resource resource
	settled  bool
}

// ReserveAllocation claims one allocation. It fails with
// ErrTooManyAllocations once committed plus reserved allocations reach
// MaxAllocations.
func (a *Accounting) ReserveAllocation() (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocations+a.pendingAllocations >= MaxAllocations {
		return nil, ErrTooManyAllocations
	}
	a.pendingAllocations++
	return &Reservation{a: a, resource: allocationResource}, nil
}

// ReservePage claims one page. It fails with ErrTooManyPages once committed
// plus reserved pages reach MaxPages.
func (a *Accounting) ReservePage() (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages+a.pendingPages >= MaxPages {
		return nil, ErrTooManyPages
	}
	a.pendingPages++
	return &Reservation{a: a, resource: pageResource}, nil
}

// Commit adds the reserved unit to its counter.
func (r *Reservation) Commit() {
	r.settle(true)
}

// Cancel releases the reserved unit without counting it.
func (r *Reservation) Cancel() {
	r.settle(false)
}

func (r *Reservation) settle(commit bool) {
	a := r.a
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	switch r.resource {
	case pageResource:
		a.pendingPages--
		if commit {
			a.pages++
		}
	case allocationResource:
		a.pendingAllocations--
		if commit {
			a.allocations++
		}
	}
}

// Snapshot returns the committed counters.
func (a *Accounting) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Pages:          a.pages,
		Allocations:    a.allocations,
		MaxPages:       MaxPages,
		MaxAllocations: MaxAllocations,
	}
}

// Pages returns the committed page count.
func (a *Accounting) Pages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages
}

// Allocations returns the committed allocation count.
func (a *Accounting) Allocations() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocations
}
