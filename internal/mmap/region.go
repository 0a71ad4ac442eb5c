// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mmap manages read-write memory mappings of files and anonymous
// memory.
package mmap

import (
	"errors"
	"os"
	"sync/atomic"
)

var (
	// ErrUnsupported is returned on platforms without memory mapping.
	ErrUnsupported = errors.New("mmap: not supported on this platform")
	// ErrClosed is returned when using a region after Unmap.
	ErrClosed = errors.New("mmap: region unmapped")
)

// Region is a mapped address range, optionally backed by a file. A Region is
// released exactly once by Unmap; it doesn't own or close the file.
type Region struct {
	f      *os.File
	data   []byte
	closed atomic.Bool
}

// File returns the backing file, or nil for anonymous regions.
func (r *Region) File() *os.File {
	return r.f
}

// Bytes returns the mapped memory. It is invalid after Unmap.
func (r *Region) Bytes() []byte {
	return r.data
}

func (r *Region) Len() int {
	return len(r.data)
}

// Sync flushes dirty pages of a file-backed region to the file.
func (r *Region) Sync() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.f == nil || len(r.data) == 0 {
		return nil
	}
	return osSync(r.data)
}

// AdviseRandom hints that the region will be accessed in random order.
func (r *Region) AdviseRandom() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if len(r.data) == 0 {
		return nil
	}
	return osAdviseRandom(r.data)
}

// Unmap releases the mapping. Calling Unmap more than once is a no-op.
func (r *Region) Unmap() error {
	if alreadyClosed := r.closed.Swap(true); alreadyClosed {
		return nil
	}
	data := r.data
	r.data = nil
	if len(data) == 0 {
		return nil
	}
	return osUnmap(data)
}

// MapFile maps the first size bytes of f shared and read-write. The file must
// already be at least size bytes long.
func MapFile(f *os.File, size int) (*Region, error) {
	if size == 0 {
		return &Region{f: f}, nil
	}
	data, err := osMapFile(f, size)
	if err != nil {
		return nil, err
	}
	return &Region{f: f, data: data}, nil
}

// MapAnon returns a private zero-filled anonymous region of size bytes.
func MapAnon(size int) (*Region, error) {
	if size == 0 {
		return &Region{}, nil
	}
	data, err := osMapAnon(size)
	if err != nil {
		return nil, err
	}
	return &Region{data: data}, nil
}
