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

// Package pgalloc contains the frame allocator, which hands out the zeroed
// pages that back leaf page table entries.
package pgalloc

import (
	"fmt"
	"os"
	"sync"

	"github.com/cse330/memalloc/pkg/bitmap"
	"github.com/cse330/memalloc/pkg/errors/linuxerr"
	"github.com/cse330/memalloc/pkg/hostarch"
	"github.com/cse330/memalloc/pkg/log"
	"github.com/cse330/memalloc/pkg/pagetables"
	"golang.org/x/sys/unix"
)

// FrameBase is the physical address of the first frame. Frame addresses are
// FrameBase plus the frame's offset into the backing file.
const FrameBase = uintptr(0x100000)

// MemoryFileOpts are options used in NewMemoryFile.
type MemoryFileOpts struct {
	// Frames is the number of pages in the file. It must be positive.
	Frames uint32
}

// MemoryFile is a fixed-size pool of frames backed by a single host file.
//
// Each frame is either free or used. Free frames are always zeroed: frames
// start out as holes in a freshly truncated file, and ReleaseFrame decommits
// a frame before marking it free.
type MemoryFile struct {
	// file is the backing file. It is immutable.
	file *os.File

	// frames is the number of frames in the file. It is immutable.
	frames uint32

	mu sync.Mutex

	// mapping is a MAP_SHARED view of the whole file. Protected by mu.
	mapping []byte

	// used has a bit set for every used frame. Protected by mu.
	used bitmap.Bitmap

	// hint is where the next free frame search begins. Protected by mu.
	hint uint32

	// destroyed is set by Destroy. Protected by mu.
	destroyed bool
}

var _ pagetables.FrameSource = (*MemoryFile)(nil)

// NewMemoryFile creates a MemoryFile backed by the given file. If
// NewMemoryFile succeeds, ownership of file is transferred to the returned
// MemoryFile.
func NewMemoryFile(file *os.File, opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Frames == 0 {
		return nil, fmt.Errorf("invalid MemoryFileOpts.Frames: %d", opts.Frames)
	}
	size := int64(opts.Frames) * hostarch.PageSize

	// Truncate the file to 0 bytes first to ensure that it's empty.
	if err := file.Truncate(0); err != nil {
		return nil, err
	}
	if err := file.Truncate(size); err != nil {
		return nil, err
	}
	m, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap memory file: %w", err)
	}
	return &MemoryFile{
		file:    file,
		frames:  opts.Frames,
		mapping: m,
		used:    bitmap.New(opts.Frames),
	}, nil
}

// Create creates a MemoryFile backed by an anonymous memfd.
func Create(name string, opts MemoryFileOpts) (*MemoryFile, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("error creating memfd: %w", err)
	}
	file := os.NewFile(uintptr(fd), name)
	mf, err := NewMemoryFile(file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return mf, nil
}

// Destroy releases all resources owned by f. Frames handed out earlier must
// not be accessed afterwards.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	if err := unix.Munmap(f.mapping); err != nil {
		log.Warningf("Failed to unmap memory file: %v", err)
	}
	f.mapping = nil
	f.file.Close()
}

// AcquireZeroedFrame implements pagetables.FrameSource.AcquireZeroedFrame.
func (f *MemoryFile) AcquireZeroedFrame() (pagetables.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return pagetables.Frame{}, linuxerr.ENODEV
	}

	bit, ok := f.firstFree(f.hint)
	if !ok && f.hint != 0 {
		bit, ok = f.firstFree(0)
	}
	if !ok {
		return pagetables.Frame{}, linuxerr.ENOMEM
	}
	f.used.Add(bit)
	f.hint = bit + 1
	if f.hint >= f.frames {
		f.hint = 0
	}
	off := uintptr(bit) * hostarch.PageSize
	return pagetables.Frame{
		Data:     f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize],
		Physical: FrameBase + off,
	}, nil
}

// firstFree returns the first free frame at or after start.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) firstFree(start uint32) (uint32, bool) {
	bit, err := f.used.FirstZero(start)
	if err != nil || bit >= f.frames {
		return 0, false
	}
	return bit, true
}

// frameIndex returns the frame at physical.
func (f *MemoryFile) frameIndex(physical uintptr) (uint32, bool) {
	if physical < FrameBase || (physical-FrameBase)%hostarch.PageSize != 0 {
		return 0, false
	}
	index := (physical - FrameBase) / hostarch.PageSize
	if index >= uintptr(f.frames) {
		return 0, false
	}
	return uint32(index), true
}

// ReleaseFrame implements pagetables.FrameSource.ReleaseFrame.
func (f *MemoryFile) ReleaseFrame(physical uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	index, ok := f.frameIndex(physical)
	if !ok || !f.used.Contains(index) {
		log.Warningf("Releasing frame %#x that is not in use", physical)
		return
	}
	f.decommit(index)
	f.used.Remove(index)
}

// decommit zeroes the frame by punching it out of the file.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) decommit(index uint32) {
	off := int64(index) * hostarch.PageSize
	// "After a successful call, subsequent reads from this range will
	// return zeroes. The FALLOC_FL_PUNCH_HOLE flag must be ORed with
	// FALLOC_FL_KEEP_SIZE in mode ..." - fallocate(2)
	err := unix.Fallocate(
		int(f.file.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		off,
		hostarch.PageSize)
	if err != nil {
		log.Warningf("Failed to decommit frame %d: %v", index, err)
		// Zero the page manually. This won't reduce memory usage, but at
		// least ensures that the page has the right contents.
		clear(f.mapping[off : off+hostarch.PageSize])
	}
}

// Frame returns the contents of a used frame.
func (f *MemoryFile) Frame(physical uintptr) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index, ok := f.frameIndex(physical)
	if f.destroyed || !ok || !f.used.Contains(index) {
		return nil, false
	}
	off := uintptr(index) * hostarch.PageSize
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize], true
}

// Usage returns the number of used frames and the total number of frames.
func (f *MemoryFile) Usage() (used, total uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used.GetNumOnes(), f.frames
}

// TotalUsage returns the number of bytes the host spends on the file, which
// covers the frames that were written since they were last released.
func (f *MemoryFile) TotalUsage() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return 0, linuxerr.ENODEV
	}
	// Stat the underlying file to discover the underlying usage. stat(2)
	// always reports the allocated block count in units of 512 bytes. This
	// includes pages in the page cache and swapped pages.
	var stat unix.Stat_t
	if err := unix.Fstat(int(f.file.Fd()), &stat); err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return 0, linuxerr.ErrorFromUnix(errno)
		}
		return 0, err
	}
	return uint64(stat.Blocks * 512), nil
}

// String implements fmt.Stringer.String.
func (f *MemoryFile) String() string {
	used, total := f.Usage()
	return fmt.Sprintf("MemoryFile{%s, %d/%d frames}", f.file.Name(), used, total)
}
