// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package table

import (
	"github.com/bpowers/flathash/internal/unsafebytes"
)

// Storage is the memory backing a table: one control byte per slot, and
// capacity*slotSize bytes of slot records.
type Storage struct {
	Ctrl  []byte
	Slots []byte
}

// Allocator provides the storage for a table. Slot bytes returned from Alloc
// must be zeroed and 8-byte aligned; the table initializes the control bytes.
type Allocator interface {
	Alloc(capacity, slotSize int) (Storage, error)
	Free(Storage) error
}

// ExclusiveAllocator is implemented by allocators that can only hand out a
// single live Storage at a time, like an allocator backed by one mapped file.
// Tables stage their contents on the heap before asking such an allocator for
// new storage.
type ExclusiveAllocator interface {
	Allocator
	Exclusive() bool
}

func isExclusive(a Allocator) bool {
	ea, ok := a.(ExclusiveAllocator)
	return ok && ea.Exclusive()
}

// HeapAllocator allocates storage from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(capacity, slotSize int) (Storage, error) {
	n := capacity * slotSize
	// back slots with words so every record is 8-byte aligned
	words := make([]uint64, (n+7)/8)
	var slots []byte
	if n > 0 {
		slots = unsafebytes.FromSlice(words)[:n]
	}
	return Storage{
		Ctrl:  make([]byte, capacity),
		Slots: slots,
	}, nil
}

func (HeapAllocator) Free(Storage) error {
	return nil
}
