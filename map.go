// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"iter"
	"log/slog"

	"github.com/bpowers/flathash/internal/table"
)

// Map is an open-addressing hash map. K and V must be fixed-size and free of
// pointers; K must also be free of floats and padding. A Map is not safe for
// concurrent use.
type Map[K comparable, V any] struct {
	t      *table.Table[K, V]
	hash   func(K) uint64
	logger *slog.Logger
}

// NewMap returns an empty map. It panics if K or V is unsupported.
func NewMap[K comparable, V any](opts ...Option) *Map[K, V] {
	o := newOptions(opts)
	hash := keyHash[K](o.hasher)
	return &Map[K, V]{
		t:      table.New[K, V](hash, o.allocator(0), o.capacity),
		hash:   hash,
		logger: o.logger,
	}
}

// Insert adds k with value v if k is absent, reporting whether it was added.
func (m *Map[K, V]) Insert(k K, v V) (bool, error) {
	return m.t.Insert(m.hash(k), k, v)
}

// Set stores v for k, replacing any existing value.
func (m *Map[K, V]) Set(k K, v V) error {
	return m.t.Set(m.hash(k), k, v)
}

// Get returns the value stored for k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	if v := m.t.Find(m.hash(k), k); v != nil {
		return *v, true
	}
	var zero V
	return zero, false
}

func (m *Map[K, V]) Contains(k K) bool {
	return m.t.Find(m.hash(k), k) != nil
}

// Count returns 1 if k is present and 0 otherwise.
func (m *Map[K, V]) Count(k K) int {
	if m.Contains(k) {
		return 1
	}
	return 0
}

// At returns the value stored for k, or ErrNotFound.
func (m *Map[K, V]) At(k K) (V, error) {
	v, ok := m.Get(k)
	if !ok {
		return v, ErrNotFound
	}
	return v, nil
}

// Index returns the value stored for k, first inserting the zero value if k
// is absent.
func (m *Map[K, V]) Index(k K) (V, error) {
	v, err := m.t.FindOrInsert(m.hash(k), k)
	if err != nil {
		var zero V
		return zero, err
	}
	return *v, nil
}

// Delete removes k, reporting whether it was present.
func (m *Map[K, V]) Delete(k K) bool {
	return m.t.Delete(m.hash(k), k)
}

func (m *Map[K, V]) Len() int {
	return m.t.Len()
}

// Cap returns the number of slots allocated.
func (m *Map[K, V]) Cap() int {
	return m.t.Cap()
}

// Reserve grows the map to hold n entries without further resizing.
func (m *Map[K, V]) Reserve(n int) error {
	return m.t.Reserve(n)
}

// All iterates over the map's entries in slot order.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return m.t.All()
}

// Clear removes every entry, keeping the allocated capacity.
func (m *Map[K, V]) Clear() {
	m.t.Clear()
}

// Close releases the map's storage, unmapping it if mapped. The map is empty
// and usable afterwards, backed by the heap.
func (m *Map[K, V]) Close() error {
	return m.t.Close()
}

// Dump writes the map to w.
func (m *Map[K, V]) Dump(w *BinaryWriter) error {
	return dumpBinary(w, m.t, m.logger)
}

// Load replaces the map's contents with the archive in r. On failure the map
// is unchanged.
func (m *Map[K, V]) Load(r *BinaryReader) error {
	return loadBinary(r, m.t, m.logger)
}

// MmapDump makes w's file an exact image of the map. If the map is backed by
// an MmapAllocator on the same file, the mapping is synced in place.
func (m *Map[K, V]) MmapDump(w *MmapWriter) error {
	return dumpMmap(w, m.t, m.logger)
}

// MmapLoad maps r's file and uses it as the map's storage without copying.
// On failure the map is unchanged.
func (m *Map[K, V]) MmapLoad(r *MmapReader) error {
	return loadMmap(r, m.t, m.logger)
}
