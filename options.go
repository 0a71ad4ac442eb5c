// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"fmt"
	"io"
	"log/slog"
	"math/bits"

	"github.com/bpowers/flathash/internal/mmap"
	"github.com/bpowers/flathash/internal/table"
)

const defaultShards = 16

// Storage is the memory an Allocator hands to a table: control bytes and
// slot records.
type Storage = table.Storage

// Allocator supplies table storage. A table takes ownership of its allocator
// and closes it on Close if it implements io.Closer.
type Allocator = table.Allocator

// HeapAllocator is the default Allocator, backed by the Go heap.
type HeapAllocator = table.HeapAllocator

// Option configures a Set, Map or ParallelMap.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	hasher    Hasher
	capacity  int
	allocator func(shard int) Allocator
	shards    int
	lock      func() Locker
	err       error
}

func newOptions(opts []Option) options {
	var o options
	o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	o.hasher = FarmHash
	o.allocator = func(int) Allocator { return HeapAllocator{} }
	o.shards = defaultShards
	o.lock = newRWMutex
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets an optional logger for archive operations.
// If not provided, no logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHasher sets the hash function applied to the raw bytes of keys.
func WithHasher(h Hasher) Option {
	return func(o *options) {
		o.hasher = h
	}
}

// WithCapacity sizes the table to hold n entries before its first resize.
// For a ParallelMap the hint is split evenly across shards.
func WithCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithAllocator backs the table with a. Each allocator must serve only one
// table; ParallelMaps should use WithAllocatorFunc.
func WithAllocator(a Allocator) Option {
	return func(o *options) {
		o.allocator = func(int) Allocator { return a }
	}
}

// WithAllocatorFunc calls f once per shard to create that shard's allocator.
func WithAllocatorFunc(f func(shard int) Allocator) Option {
	return func(o *options) {
		o.allocator = f
	}
}

// WithMmapAllocator backs every table or shard with its own anonymous
// memory mapping. On platforms without mmap NewParallelMap fails with
// ErrUnsupported; a Set or Map reports it from its first allocation.
func WithMmapAllocator() Option {
	return func(o *options) {
		if !mmap.Supported {
			o.err = ErrUnsupported
		}
		o.allocator = func(int) Allocator { return newAnonMmapAllocator() }
	}
}

// WithShards sets the number of shards of a ParallelMap. n must be a power
// of two; the default is 16.
func WithShards(n int) Option {
	return func(o *options) {
		o.shards = n
	}
}

// WithShardLock sets the lock constructor used for each shard of a
// ParallelMap. Pass func() Locker { return NullMutex{} } for maps used from a
// single goroutine.
func WithShardLock(newLock func() Locker) Option {
	return func(o *options) {
		o.lock = newLock
	}
}

// WithoutLocking is shorthand for WithShardLock returning NullMutex.
func WithoutLocking() Option {
	return WithShardLock(newNullMutex)
}

func (o *options) validate() error {
	if o.err != nil {
		return o.err
	}
	if o.shards <= 0 || o.shards > 1<<16 || bits.OnesCount(uint(o.shards)) != 1 {
		return fmt.Errorf("shard count %d is not a power of two in [1, 65536]", o.shards)
	}
	return nil
}
