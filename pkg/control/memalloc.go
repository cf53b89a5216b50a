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

// Package control contains the RPC objects served on the memalloc control
// socket.
package control

import (
	goerrors "errors"
	"fmt"

	"github.com/cse330/memalloc/pkg/control/server"
	"github.com/cse330/memalloc/pkg/errors"
	"github.com/cse330/memalloc/pkg/errors/linuxerr"
	"github.com/cse330/memalloc/pkg/log"
	"github.com/cse330/memalloc/pkg/memalloc"
	"github.com/cse330/memalloc/pkg/mm"
	"github.com/cse330/memalloc/pkg/urpc"
	"golang.org/x/sys/unix"
)

// Memalloc includes the control channel RPC stubs.
type Memalloc struct {
	Service *memalloc.Service
	Spaces  *mm.Registry
}

func callerOf(p urpc.CallerPayload) mm.Caller {
	return mm.Caller{PID: p.Caller.PID, UID: p.Caller.UID, GID: p.Caller.GID}
}

// IoctlArgs is a raw command, as it would be passed to ioctl(2).
type IoctlArgs struct {
	urpc.CallerPayload

	// Cmd is the request number, e.g. memalloc.ALLOCATE.
	Cmd uint32 `json:"cmd"`

	// Payload is the request structure in its C layout.
	Payload []byte `json:"payload"`
}

// IoctlResult is the outcome of a command.
type IoctlResult struct {
	// Code is the value the ioctl returns: 0, -1, -2 or -3.
	Code int32 `json:"code"`

	// Kind names the failure, or "ok".
	Kind string `json:"kind"`

	// Errno names the errno underlying the failure, e.g. "EFAULT".
	Errno string `json:"errno,omitempty"`

	// Message describes the failure, if any.
	Message string `json:"message,omitempty"`
}

func resultOf(err error) IoctlResult {
	r := IoctlResult{
		Code: memalloc.ReturnCode(err),
		Kind: memalloc.KindOf(err).String(),
	}
	if err != nil {
		r.Message = err.Error()
	}
	var lerr *errors.Error
	if goerrors.As(err, &lerr) {
		r.Errno = unix.ErrnoName(linuxerr.ToUnix(lerr))
	}
	return r
}

// Ioctl executes a raw command on behalf of the caller. Command failures are
// reported in the result, not as an RPC error.
func (m *Memalloc) Ioctl(args *IoctlArgs, out *IoctlResult) error {
	err := m.Service.Ioctl(callerOf(args.CallerPayload), args.Cmd, memalloc.BytesIO(args.Payload))
	*out = resultOf(err)
	return nil
}

// AllocateArgs are the arguments to Allocate.
type AllocateArgs struct {
	urpc.CallerPayload
	memalloc.AllocInfo
}

// AllocateResult is the result of Allocate.
type AllocateResult struct {
	IoctlResult
	memalloc.AllocResult
}

// Allocate maps pages into the caller's address space.
func (m *Memalloc) Allocate(args *AllocateArgs, out *AllocateResult) error {
	res, err := m.Service.Allocate(callerOf(args.CallerPayload), args.AllocInfo)
	*out = AllocateResult{IoctlResult: resultOf(err), AllocResult: res}
	return nil
}

// FreeArgs are the arguments to Free.
type FreeArgs struct {
	urpc.CallerPayload
	memalloc.FreeInfo
}

// Free acknowledges a FREE request.
func (m *Memalloc) Free(args *FreeArgs, out *IoctlResult) error {
	*out = resultOf(m.Service.Free(callerOf(args.CallerPayload), args.FreeInfo))
	return nil
}

// StatsArgs are the arguments to Stats.
type StatsArgs struct{}

// Stats returns the service counters.
func (m *Memalloc) Stats(_ *StatsArgs, out *memalloc.Stats) error {
	*out = m.Service.Stats()
	return nil
}

// MappingsArgs are the arguments to Mappings.
type MappingsArgs struct {
	urpc.CallerPayload

	// PID selects the address space to inspect. Zero means the caller's.
	// Other address spaces are only visible to root and the server's user.
	PID int32 `json:"pid"`
}

// Mapping is one installed page.
type Mapping struct {
	Addr     uint64 `json:"addr"`
	Physical uint64 `json:"physical"`
	Perms    string `json:"perms"`
}

// MappingsResult lists the mappings of an address space.
type MappingsResult struct {
	PID      int32     `json:"pid"`
	Mappings []Mapping `json:"mappings"`

	// Maps is the /proc/[pid]/maps style rendering of Mappings.
	Maps string `json:"maps"`
}

// Mappings lists the pages mapped in an address space.
func (m *Memalloc) Mappings(args *MappingsArgs, out *MappingsResult) error {
	pid := args.PID
	if pid == 0 {
		pid = args.Caller.PID
	}
	if pid != args.Caller.PID && !server.SameUserOrRoot(args.Caller.UID) {
		log.Warningf("UID %d may not read the mappings of PID %d", args.Caller.UID, pid)
		return fmt.Errorf("mappings of PID %d: %w", pid, linuxerr.EPERM)
	}
	out.PID = pid
	as, ok := m.Spaces.Get(pid)
	if !ok {
		return nil
	}
	for _, mp := range as.Mappings() {
		out.Mappings = append(out.Mappings, Mapping{
			Addr:     uint64(mp.Addr),
			Physical: uint64(mp.Physical),
			Perms:    mp.Opts.AccessType.String(),
		})
	}
	out.Maps = string(as.ReadMaps())
	return nil
}

// AddressSpacesArgs are the arguments to AddressSpaces.
type AddressSpacesArgs struct{}

// AddressSpace summarizes one address space.
type AddressSpace struct {
	PID    int32  `json:"pid"`
	Pages  int    `json:"pages"`
	Tables int    `json:"tables"`
	Root   uint64 `json:"root"`
}

// AddressSpaces lists every address space the service knows about.
func (m *Memalloc) AddressSpaces(_ *AddressSpacesArgs, out *[]AddressSpace) error {
	for _, pid := range m.Spaces.PIDs() {
		as, ok := m.Spaces.Get(pid)
		if !ok {
			continue
		}
		pt := as.PageTables()
		*out = append(*out, AddressSpace{
			PID:    pid,
			Pages:  as.MappedPages(),
			Tables: pt.TableCount(),
			Root:   uint64(pt.RootPhysical()),
		})
	}
	return nil
}
