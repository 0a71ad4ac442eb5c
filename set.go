// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"iter"
	"log/slog"

	"github.com/bpowers/flathash/internal/table"
)

// Set is an open-addressing hash set with the same key requirements and
// persistence as Map.
type Set[K comparable] struct {
	t      *table.Table[K, struct{}]
	hash   func(K) uint64
	logger *slog.Logger
}

// NewSet returns an empty set. It panics if K is unsupported.
func NewSet[K comparable](opts ...Option) *Set[K] {
	o := newOptions(opts)
	hash := keyHash[K](o.hasher)
	return &Set[K]{
		t:      table.New[K, struct{}](hash, o.allocator(0), o.capacity),
		hash:   hash,
		logger: o.logger,
	}
}

// Insert adds k, reporting whether it was absent.
func (s *Set[K]) Insert(k K) (bool, error) {
	return s.t.Insert(s.hash(k), k, struct{}{})
}

func (s *Set[K]) Contains(k K) bool {
	return s.t.Find(s.hash(k), k) != nil
}

// Count returns 1 if k is present and 0 otherwise.
func (s *Set[K]) Count(k K) int {
	if s.Contains(k) {
		return 1
	}
	return 0
}

// Delete removes k, reporting whether it was present.
func (s *Set[K]) Delete(k K) bool {
	return s.t.Delete(s.hash(k), k)
}

func (s *Set[K]) Len() int {
	return s.t.Len()
}

func (s *Set[K]) Cap() int {
	return s.t.Cap()
}

func (s *Set[K]) Reserve(n int) error {
	return s.t.Reserve(n)
}

// All iterates over the set's keys in slot order.
func (s *Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range s.t.All() {
			if !yield(k) {
				return
			}
		}
	}
}

func (s *Set[K]) Clear() {
	s.t.Clear()
}

// Close releases the set's storage.
func (s *Set[K]) Close() error {
	return s.t.Close()
}

func (s *Set[K]) Dump(w *BinaryWriter) error {
	return dumpBinary(w, s.t, s.logger)
}

func (s *Set[K]) Load(r *BinaryReader) error {
	return loadBinary(r, s.t, s.logger)
}

func (s *Set[K]) MmapDump(w *MmapWriter) error {
	return dumpMmap(w, s.t, s.logger)
}

func (s *Set[K]) MmapLoad(r *MmapReader) error {
	return loadMmap(r, s.t, s.logger)
}
