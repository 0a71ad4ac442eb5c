// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bpowers/flathash/internal/format"
	"github.com/bpowers/flathash/internal/mmap"
)

// MmapAllocator backs a table with a single memory-mapped region laid out
// exactly like an mmap archive: header, control bytes, then slot records.
// When file-backed, the region is the file, so the table's storage is its
// on-disk image. An MmapAllocator serves one table and holds at most one live
// region; growing the table replaces the region.
type MmapAllocator struct {
	mu     sync.Mutex
	f      *os.File
	region *mmap.Region
	closed bool
}

var _ Allocator = (*MmapAllocator)(nil)

// NewMmapAllocator returns an allocator backed by anonymous memory mappings.
func NewMmapAllocator() (*MmapAllocator, error) {
	if !mmap.Supported {
		return nil, ErrUnsupported
	}
	return newAnonMmapAllocator(), nil
}

func newAnonMmapAllocator() *MmapAllocator {
	return &MmapAllocator{}
}

// NewFileMmapAllocator returns an allocator whose storage is the file at path,
// which is created or truncated. Dumping the table with an MmapWriter on the
// same path syncs the mapping in place instead of copying it.
func NewFileMmapAllocator(path string) (*MmapAllocator, error) {
	if !mmap.Supported {
		return nil, ErrUnsupported
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioError("os.OpenFile", err)
	}
	return &MmapAllocator{f: f}, nil
}

// Path returns the backing file's name, or "" for anonymous mappings.
func (a *MmapAllocator) Path() string {
	if a.f == nil {
		return ""
	}
	return a.f.Name()
}

// Exclusive reports that the allocator holds at most one live storage.
func (a *MmapAllocator) Exclusive() bool {
	return true
}

func (a *MmapAllocator) Alloc(capacity, slotSize int) (Storage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Storage{}, ErrClosed
	}
	if a.region != nil {
		return Storage{}, errors.New("mmap allocator already backs a live table")
	}

	size := format.FileSize(capacity, slotSize)
	var region *mmap.Region
	var err error
	if a.f != nil {
		// truncating to zero first discards stale contents, so the new
		// mapping reads as zeroes
		if err := a.f.Truncate(0); err != nil {
			return Storage{}, ioError("f.Truncate", err)
		}
		if err := a.f.Truncate(size); err != nil {
			return Storage{}, ioError("f.Truncate", err)
		}
		region, err = mmap.MapFile(a.f, int(size))
	} else {
		region, err = mmap.MapAnon(int(size))
	}
	if err != nil {
		return Storage{}, ioError("mmap", err)
	}
	a.region = region
	return storageOf(region.Bytes(), capacity), nil
}

// Free unmaps the live region. The file, if any, stays open.
func (a *MmapAllocator) Free(Storage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unmapLocked()
}

func (a *MmapAllocator) unmapLocked() error {
	if a.region == nil {
		return nil
	}
	region := a.region
	a.region = nil
	if err := region.Unmap(); err != nil {
		return ioError("region.Unmap", err)
	}
	return nil
}

// Close unmaps any live region and closes the backing file.
func (a *MmapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.unmapLocked()
	if a.f != nil {
		if closeErr := a.f.Close(); closeErr != nil && err == nil {
			err = ioError("f.Close", closeErr)
		}
		a.f = nil
	}
	return err
}

// backs reports whether the live region maps the same file as f.
func (a *MmapAllocator) backs(f *os.File) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil || a.region == nil {
		return false
	}
	ours, err := a.f.Stat()
	if err != nil {
		return false
	}
	theirs, err := f.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(ours, theirs)
}

// commit writes h into the mapped header and flushes the region to disk.
func (a *MmapAllocator) commit(h *format.Header) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.region == nil {
		return errors.New("mmap allocator has no live region")
	}
	if want := h.FileSize(); int64(a.region.Len()) != want {
		return fmt.Errorf("%w: mapped %d bytes, table needs %d", ErrLayout, a.region.Len(), want)
	}
	if err := h.MarshalTo(a.region.Bytes()); err != nil {
		return err
	}
	if err := a.region.Sync(); err != nil {
		return ioError("region.Sync", err)
	}
	return nil
}

// storageOf splits an archive-shaped mapping into table storage.
func storageOf(b []byte, capacity int) Storage {
	return Storage{
		Ctrl:  b[format.HeaderSize : format.HeaderSize+capacity],
		Slots: b[format.HeaderSize+capacity:],
	}
}
