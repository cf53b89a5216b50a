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

// Package memalloc implements the memalloc control channel: the ALLOCATE and
// FREE commands, their validation and the global page and allocation
// ceilings.
package memalloc

import (
	"fmt"

	"github.com/cse330/memalloc/pkg/errors/linuxerr"
	"github.com/cse330/memalloc/pkg/hostarch"
	"github.com/cse330/memalloc/pkg/log"
	"github.com/cse330/memalloc/pkg/metric"
	"github.com/cse330/memalloc/pkg/mm"
	"github.com/cse330/memalloc/pkg/pagetables"
)

// AddressSpaces resolves the address space of a caller.
type AddressSpaces interface {
	// RootOf returns the address space of caller.
	RootOf(caller mm.Caller) (*mm.MemoryManager, error)
}

// AllocResult describes the work done by an ALLOCATE request. It is returned
// alongside errors too, since pages mapped before a failure stay mapped.
type AllocResult struct {
	// Mapped is the number of pages mapped by the request.
	Mapped int `json:"mapped"`

	// TablesAllocated is the number of intermediate tables created.
	TablesAllocated int `json:"tables_allocated"`
}

// Service is a control channel instance. It owns the accounting counters.
type Service struct {
	acct    *Accounting
	spaces  AddressSpaces
	frames  pagetables.FrameSource
	metrics *serviceMetrics
}

// NewService returns a Service with fresh counters. Metrics are registered in
// reg, which may be nil.
func NewService(spaces AddressSpaces, frames pagetables.FrameSource, reg *metric.Registry) *Service {
	s := &Service{
		acct:   NewAccounting(),
		spaces: spaces,
		frames: frames,
	}
	s.metrics = newServiceMetrics(reg, s.acct)
	return s
}

// Accounting returns the counters of s.
func (s *Service) Accounting() *Accounting {
	return s.acct
}

// Stats returns a snapshot of the counters of s.
func (s *Service) Stats() Stats {
	return s.acct.Snapshot()
}

// Ioctl dispatches a raw command. The request structure is copied in from in.
func (s *Service) Ioctl(caller mm.Caller, cmd uint32, in CopyIn) error {
	switch cmd {
	case ALLOCATE:
		var req AllocInfo
		if err := copyInRequest(in, &req); err != nil {
			s.metrics.record(cmd, err)
			return err
		}
		_, err := s.Allocate(caller, req)
		return err
	case FREE:
		var req FreeInfo
		if err := copyInRequest(in, &req); err != nil {
			s.metrics.record(cmd, err)
			return err
		}
		return s.Free(caller, req)
	default:
		log.Warningf("Incorrect ioctl command %#x from %v", cmd, caller)
		s.metrics.record(cmd, ErrInvalidCommand)
		return ErrInvalidCommand
	}
}

// copyInRequest copies in and decodes a request structure.
func copyInRequest(in CopyIn, req interface {
	SizeBytes() int
	UnmarshalBytes([]byte) []byte
}) error {
	buf := make([]byte, req.SizeBytes())
	n, err := in.CopyIn(buf)
	if err != nil {
		log.Warningf("Caller didn't send the right message: %v", err)
		return &Error{Kind: BadRequest, Err: fmt.Errorf("copying in request: %w", err)}
	}
	if n < len(buf) {
		log.Warningf("Caller didn't send the right message: got %d bytes, want %d", n, len(buf))
		return &Error{Kind: BadRequest, Err: fmt.Errorf("short request of %d bytes: %w", n, linuxerr.EFAULT)}
	}
	req.UnmarshalBytes(buf)
	return nil
}

// Allocate maps req.NumPages pages starting at req.Vaddr into the caller's
// address space.
//
// Pages are mapped in order. The first failure ends the request; pages
// mapped before it stay mapped and counted, but the request itself is not
// counted as an allocation. A request for zero or fewer pages maps nothing
// and is counted.
func (s *Service) Allocate(caller mm.Caller, req AllocInfo) (AllocResult, error) {
	log.Infof("IOCTL: %v from %v", req, caller)
	res, err := s.allocate(caller, req)
	s.metrics.record(ALLOCATE, err)
	s.metrics.tables.IncrementBy(uint64(res.TablesAllocated))
	if err != nil {
		log.Debugf("%v from %v failed after %d pages: %v", req, caller, res.Mapped, err)
	}
	return res, err
}

func (s *Service) allocate(caller mm.Caller, req AllocInfo) (AllocResult, error) {
	var res AllocResult
	alloc, err := s.acct.ReserveAllocation()
	if err != nil {
		return res, err
	}
	defer alloc.Cancel()

	opts := pagetables.MapOpts{
		AccessType: hostarch.AccessFor(req.Write),
		User:       true,
	}
	start := hostarch.Addr(req.Vaddr)
	if !start.IsPageAligned() {
		log.Debugf("%v starts inside the page at %v", req, start.RoundDown())
	}
	if req.NumPages > 0 {
		if _, ok := start.AddLength(uint64(req.NumPages) * hostarch.PageSize); !ok {
			return res, &Error{Kind: BadRequest, Addr: start, Err: fmt.Errorf("%d pages at %v wrap the address space: %w", req.NumPages, start, linuxerr.EFAULT)}
		}
	}

	var as *mm.MemoryManager
	vaddr := start
	for i := int32(0); i < req.NumPages; i++ {
		page, err := s.acct.ReservePage()
		if err != nil {
			return res, err
		}
		if as == nil {
			if as, err = s.spaces.RootOf(caller); err != nil {
				page.Cancel()
				return res, walkError(vaddr, err)
			}
		}
		mapped, err := as.Map(vaddr, opts, s.frames)
		res.TablesAllocated += mapped.TablesAllocated
		if err != nil {
			page.Cancel()
			return res, walkError(vaddr, err)
		}
		page.Commit()
		res.Mapped++
		vaddr += hostarch.PageSize
	}
	alloc.Commit()
	return res, nil
}

// Free handles a FREE request. Pages are never unmapped: the request is
// decoded, logged and acknowledged, and nothing else changes.
func (s *Service) Free(caller mm.Caller, req FreeInfo) error {
	log.Infof("IOCTL: %v from %v", req, caller)
	s.metrics.record(FREE, nil)
	return nil
}
