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
	"fmt"

	"github.com/cse330/memalloc/pkg/hostarch"
)

// ioctl request encoding, from include/uapi/asm-generic/ioctl.h.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
)

// IOW is the _IOW macro: a request that passes size bytes to the callee.
func IOW(typ, nr, size uint32) uint32 {
	return iocWrite<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

// ioctlType is the magic shared by all memalloc requests.
const ioctlType = 'm'

// Command numbers.
var (
	// ALLOCATE is _IOW('m', 1, struct alloc_info).
	ALLOCATE = IOW(ioctlType, 1, SizeofAllocInfo)

	// FREE is _IOW('m', 2, struct free_info).
	FREE = IOW(ioctlType, 2, SizeofFreeInfo)
)

// CommandName returns a short name for cmd.
func CommandName(cmd uint32) string {
	switch cmd {
	case ALLOCATE:
		return "allocate"
	case FREE:
		return "free"
	default:
		return "unknown"
	}
}

// Sizes of the request structures.
const (
	SizeofAllocInfo = 16
	SizeofFreeInfo  = 8
)

// AllocInfo is struct alloc_info:
//
//	struct alloc_info {
//		unsigned long vaddr;
//		int num_pages;
//		bool write;
//	};
//
// +marshal
type AllocInfo struct {
	Vaddr    uint64 `json:"vaddr"`
	NumPages int32  `json:"num_pages"`
	Write    bool   `json:"write"`
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (a *AllocInfo) SizeBytes() int {
	return SizeofAllocInfo
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (a *AllocInfo) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[0:8], a.Vaddr)
	hostarch.ByteOrder.PutUint32(dst[8:12], uint32(a.NumPages))
	dst[12] = 0
	if a.Write {
		dst[12] = 1
	}
	// Padding: dst[13:16] ~= [3]byte{0}
	clear(dst[13:16])
	return dst[SizeofAllocInfo:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (a *AllocInfo) UnmarshalBytes(src []byte) []byte {
	a.Vaddr = hostarch.ByteOrder.Uint64(src[0:8])
	a.NumPages = int32(hostarch.ByteOrder.Uint32(src[8:12]))
	a.Write = src[12] != 0
	return src[SizeofAllocInfo:]
}

// String implements fmt.Stringer.String.
func (a AllocInfo) String() string {
	return fmt.Sprintf("alloc(%#x, %d, %t)", a.Vaddr, a.NumPages, a.Write)
}

// FreeInfo is struct free_info:
//
//	struct free_info {
//		unsigned long vaddr;
//	};
//
// +marshal
type FreeInfo struct {
	Vaddr uint64 `json:"vaddr"`
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (f *FreeInfo) SizeBytes() int {
	return SizeofFreeInfo
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (f *FreeInfo) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[0:8], f.Vaddr)
	return dst[SizeofFreeInfo:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (f *FreeInfo) UnmarshalBytes(src []byte) []byte {
	f.Vaddr = hostarch.ByteOrder.Uint64(src[0:8])
	return src[SizeofFreeInfo:]
}

// String implements fmt.Stringer.String.
func (f FreeInfo) String() string {
	return fmt.Sprintf("free(%#x)", f.Vaddr)
}

// Marshal returns the wire form of a request structure.
func Marshal(m interface {
	SizeBytes() int
	MarshalBytes([]byte) []byte
}) []byte {
	buf := make([]byte, m.SizeBytes())
	m.MarshalBytes(buf)
	return buf
}

// CopyIn copies a request payload from the caller.
type CopyIn interface {
	// CopyIn copies up to len(dst) bytes into dst and returns the number
	// of bytes copied.
	CopyIn(dst []byte) (int, error)
}

// BytesIO is a CopyIn over a buffer that was already received from the
// caller.
type BytesIO []byte

// CopyIn implements CopyIn.CopyIn.
func (b BytesIO) CopyIn(dst []byte) (int, error) {
	return copy(dst, b), nil
}
