// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package table implements a linear-probing open-addressing hash table whose
// control bytes and slot records live in flat byte arrays, so the table can be
// written to and rebuilt from disk without rehashing.
package table

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"unsafe"

	"github.com/bpowers/flathash/internal/format"
	"github.com/bpowers/flathash/internal/unsafebytes"
)

const (
	ctrlEmpty   = 0x80
	ctrlDeleted = 0xFE

	maxLoadNum = 7
	maxLoadDen = 8
)

// Slot is the record stored for each full control byte.
type Slot[K comparable, V any] struct {
	Key   K
	Value V
}

func h1(h uint64) uint64 { return h >> 7 }
func h2(h uint64) byte   { return byte(h & 0x7f) }

// maxLoad is the number of slots that may be full or deleted before growing.
func maxLoad(capacity int) int {
	return capacity * maxLoadNum / maxLoadDen
}

// capacityFor returns the smallest valid capacity holding n entries.
func capacityFor(n int) int {
	c := format.MinCapacity
	for maxLoad(c) < n {
		c <<= 1
	}
	return c
}

// Table is a hash table of K to V. Callers supply the hash of each key on
// every operation; the table keeps a hash function only for rehashing.
// Tables are not safe for concurrent use.
type Table[K comparable, V any] struct {
	hash  func(K) uint64
	alloc Allocator

	storage Storage
	ctrl    []byte
	slots   []Slot[K, V]

	capacity   int
	used       int
	growthLeft int
	hint       int

	// fallback is set while storage is heap memory held in place of
	// storage alloc failed to provide.
	fallback bool
}

// ErrRelease marks an error freeing storage the table no longer uses. The
// operation that returned it took effect.
var ErrRelease = errors.New("releasing previous storage")

// New returns an empty table. No storage is allocated until the first insert.
// New panics if K or V can't be stored as raw bytes.
func New[K comparable, V any](hash func(K) uint64, alloc Allocator, hint int) *Table[K, V] {
	mustBePlain[K, V]()
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	return &Table[K, V]{
		hash:  hash,
		alloc: alloc,
		hint:  hint,
	}
}

// SlotSize is the size in bytes of one slot record.
func (t *Table[K, V]) SlotSize() int {
	return int(unsafe.Sizeof(Slot[K, V]{}))
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	return t.used
}

// Cap returns the number of slots currently allocated.
func (t *Table[K, V]) Cap() int {
	return t.capacity
}

// Controls returns the control bytes, one per slot.
func (t *Table[K, V]) Controls() []byte {
	return t.ctrl
}

// SlotBytes returns the slot records as raw bytes.
func (t *Table[K, V]) SlotBytes() []byte {
	return t.storage.Slots
}

// Allocator returns the allocator the table's storage came from.
func (t *Table[K, V]) Allocator() Allocator {
	if t.fallback {
		return HeapAllocator{}
	}
	return t.alloc
}

func (t *Table[K, V]) find(h uint64, k K) int {
	if t.capacity == 0 {
		return -1
	}
	mask := uint64(t.capacity - 1)
	tag := h2(h)
	for i := h1(h) & mask; ; i = (i + 1) & mask {
		c := t.ctrl[i]
		if c == ctrlEmpty {
			return -1
		}
		if c == tag && t.slots[i].Key == k {
			return int(i)
		}
	}
}

// Find returns a pointer to the value stored for k, or nil.
func (t *Table[K, V]) Find(h uint64, k K) *V {
	i := t.find(h, k)
	if i < 0 {
		return nil
	}
	return &t.slots[i].Value
}

// insertSlot returns the index of k's slot, claiming a new one if k is
// absent. inserted reports whether the slot was newly claimed.
func (t *Table[K, V]) insertSlot(h uint64, k K) (i int, inserted bool, err error) {
	if t.capacity == 0 {
		if err := t.resize(capacityFor(max(t.hint, 1))); err != nil {
			return -1, false, err
		}
	}
	for {
		mask := uint64(t.capacity - 1)
		tag := h2(h)
		firstDeleted := -1
		for j := h1(h) & mask; ; j = (j + 1) & mask {
			c := t.ctrl[j]
			if c == ctrlEmpty {
				if firstDeleted >= 0 {
					t.claim(firstDeleted, tag, k)
					return firstDeleted, true, nil
				}
				if t.growthLeft == 0 {
					break
				}
				t.growthLeft--
				t.claim(int(j), tag, k)
				return int(j), true, nil
			}
			if c == ctrlDeleted {
				if firstDeleted < 0 {
					firstDeleted = int(j)
				}
				continue
			}
			if c == tag && t.slots[j].Key == k {
				return int(j), false, nil
			}
		}
		if err := t.rehashAndGrow(); err != nil {
			return -1, false, err
		}
	}
}

func (t *Table[K, V]) claim(i int, tag byte, k K) {
	t.ctrl[i] = tag
	t.slots[i] = Slot[K, V]{Key: k}
	t.used++
}

// Insert adds k with value v if k is absent. It reports whether k was added;
// an existing value is left unchanged.
func (t *Table[K, V]) Insert(h uint64, k K, v V) (bool, error) {
	i, inserted, err := t.insertSlot(h, k)
	if err != nil {
		return false, err
	}
	if inserted {
		t.slots[i].Value = v
	}
	return inserted, nil
}

// Set stores v for k, overwriting any existing value.
func (t *Table[K, V]) Set(h uint64, k K, v V) error {
	i, _, err := t.insertSlot(h, k)
	if err != nil {
		return err
	}
	t.slots[i].Value = v
	return nil
}

// FindOrInsert returns a pointer to k's value, inserting the zero value if k
// is absent. The pointer is invalidated by the next mutation.
func (t *Table[K, V]) FindOrInsert(h uint64, k K) (*V, error) {
	i, _, err := t.insertSlot(h, k)
	if err != nil {
		return nil, err
	}
	return &t.slots[i].Value, nil
}

// Delete removes k, reporting whether it was present.
func (t *Table[K, V]) Delete(h uint64, k K) bool {
	i := t.find(h, k)
	if i < 0 {
		return false
	}
	t.used--
	t.slots[i] = Slot[K, V]{}
	// no probe sequence continues past an empty slot, so if our successor is
	// empty nothing can be relying on this slot being occupied
	if t.ctrl[(i+1)&(t.capacity-1)] == ctrlEmpty {
		t.ctrl[i] = ctrlEmpty
		t.growthLeft++
	} else {
		t.ctrl[i] = ctrlDeleted
	}
	return true
}

// All iterates over every entry in slot order.
func (t *Table[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := 0; i < t.capacity; i++ {
			if t.ctrl[i]&ctrlEmpty != 0 {
				continue
			}
			if !yield(t.slots[i].Key, t.slots[i].Value) {
				return
			}
		}
	}
}

// Clear removes every entry, keeping the current capacity.
func (t *Table[K, V]) Clear() {
	for i := range t.ctrl {
		t.ctrl[i] = ctrlEmpty
	}
	clear(t.storage.Slots)
	t.used = 0
	t.growthLeft = maxLoad(t.capacity)
}

// Reserve grows the table so it can hold n entries without rehashing.
func (t *Table[K, V]) Reserve(n int) error {
	if n <= t.used+t.growthLeft {
		return nil
	}
	return t.resize(capacityFor(n))
}

func (t *Table[K, V]) rehashAndGrow() error {
	// plenty of tombstones: rebuild at the same size to reclaim them
	if t.used <= maxLoad(t.capacity)/2 {
		return t.resize(t.capacity)
	}
	return t.resize(t.capacity * 2)
}

func (t *Table[K, V]) resize(newCapacity int) error {
	if t.capacity > 0 && isExclusive(t.alloc) && !t.fallback {
		return t.resizeExclusive(newCapacity)
	}

	st, err := t.alloc.Alloc(newCapacity, t.SlotSize())
	if err != nil {
		return fmt.Errorf("alloc.Alloc(%d): %w", newCapacity, err)
	}
	old, oldAlloc := t.storage, t.Allocator()
	oldCtrl, oldSlots, oldCapacity := t.ctrl, t.slots, t.capacity

	t.rebuild(st, newCapacity, func(yield func(Slot[K, V])) {
		for i := 0; i < oldCapacity; i++ {
			if oldCtrl[i]&ctrlEmpty == 0 {
				yield(oldSlots[i])
			}
		}
	})
	if oldCapacity > 0 {
		if err := oldAlloc.Free(old); err != nil {
			return fmt.Errorf("alloc.Free: %w", err)
		}
	}
	return nil
}

// resizeExclusive moves the live entries to the heap so the allocator can
// hand out new storage. If it can't, the entries stay on the heap and the
// next resize tries the allocator again.
func (t *Table[K, V]) resizeExclusive(newCapacity int) error {
	saved := t.Clone()
	if err := t.release(); err != nil {
		t.restore(saved)
		return err
	}
	st, err := t.alloc.Alloc(newCapacity, t.SlotSize())
	if err != nil {
		t.restore(saved)
		return fmt.Errorf("alloc.Alloc(%d): %w", newCapacity, err)
	}
	t.rebuild(st, newCapacity, func(yield func(Slot[K, V])) {
		for k, v := range saved.All() {
			yield(Slot[K, V]{Key: k, Value: v})
		}
	})
	return nil
}

// rebuild binds st, which came from t.alloc, and reinserts entries into it.
func (t *Table[K, V]) rebuild(st Storage, capacity int, entries func(yield func(Slot[K, V]))) {
	for i := range st.Ctrl {
		st.Ctrl[i] = ctrlEmpty
	}
	t.bind(st, capacity)
	t.used = 0
	t.growthLeft = maxLoad(capacity)
	entries(t.reinsert)
}

// reinsert places a slot known to be absent into a table with no tombstones.
func (t *Table[K, V]) reinsert(s Slot[K, V]) {
	h := t.hash(s.Key)
	mask := uint64(t.capacity - 1)
	i := h1(h) & mask
	for t.ctrl[i] != ctrlEmpty {
		i = (i + 1) & mask
	}
	t.ctrl[i] = h2(h)
	t.slots[i] = s
	t.used++
	t.growthLeft--
}

func (t *Table[K, V]) bind(st Storage, capacity int) {
	t.fallback = false
	t.storage = st
	t.capacity = capacity
	t.ctrl = st.Ctrl
	t.slots = unsafebytes.SliceOf[Slot[K, V]](st.Slots)
}

func (t *Table[K, V]) release() error {
	if t.capacity == 0 {
		return nil
	}
	st, alloc := t.storage, t.Allocator()
	t.bind(Storage{}, 0)
	t.used = 0
	t.growthLeft = 0
	if err := alloc.Free(st); err != nil {
		return fmt.Errorf("alloc.Free: %w", err)
	}
	return nil
}

// Replace rebuilds the table from raw arrays. Fresh storage of the given
// capacity is allocated and handed to fill, which must populate the control
// bytes and slots verbatim; size must equal the number of full control bytes.
// On error the table is left unchanged, except for errors wrapping ErrRelease,
// which are returned after the new contents are bound.
func (t *Table[K, V]) Replace(capacity int, size int, fill func(ctrl, slots []byte) error) error {
	if err := format.ValidCapacity(uint64(capacity)); err != nil {
		return err
	}
	if capacity == 0 {
		if size != 0 {
			return fmt.Errorf("%w: size %d with zero capacity", format.ErrLayout, size)
		}
		if err := fill(nil, nil); err != nil {
			return err
		}
		if err := t.release(); err != nil {
			return fmt.Errorf("%w: %w", ErrRelease, err)
		}
		return nil
	}

	staged := isExclusive(t.alloc)
	staging := t.alloc
	if staged {
		staging = HeapAllocator{}
	}
	st, err := staging.Alloc(capacity, t.SlotSize())
	if err != nil {
		return fmt.Errorf("alloc.Alloc(%d): %w", capacity, err)
	}
	if err := fill(st.Ctrl, st.Slots); err != nil {
		_ = staging.Free(st)
		return err
	}
	growthLeft, err := t.validate(st, capacity, size)
	if err != nil {
		_ = staging.Free(st)
		return err
	}

	if staged {
		saved := t.Clone()
		if err := t.release(); err != nil {
			t.restore(saved)
			return err
		}
		dst, err := t.alloc.Alloc(capacity, t.SlotSize())
		if err != nil {
			t.restore(saved)
			return fmt.Errorf("alloc.Alloc(%d): %w", capacity, err)
		}
		copy(dst.Ctrl, st.Ctrl)
		copy(dst.Slots, st.Slots)
		t.bind(dst, capacity)
		t.used = size
		t.growthLeft = growthLeft
		return nil
	}

	old, oldAlloc, oldCapacity := t.storage, t.Allocator(), t.capacity
	t.bind(st, capacity)
	t.used = size
	t.growthLeft = growthLeft
	if oldCapacity > 0 {
		if err := oldAlloc.Free(old); err != nil {
			return fmt.Errorf("%w: alloc.Free: %w", ErrRelease, err)
		}
	}
	return nil
}

// Adopt rebuilds the table over storage owned by alloc, such as a mapped
// file, without copying. On failure the table is unchanged and the caller
// still owns st. Once st is bound the previous storage is freed and the
// previous allocator closed if it is an io.Closer; errors doing so are
// returned wrapped in ErrRelease, and the adopt still stands.
func (t *Table[K, V]) Adopt(alloc Allocator, st Storage, capacity int, size int) error {
	if err := format.ValidCapacity(uint64(capacity)); err != nil {
		return err
	}
	growthLeft, err := t.validate(st, capacity, size)
	if err != nil {
		return err
	}
	old, oldAlloc, oldCapacity := t.storage, t.Allocator(), t.capacity
	prev := t.alloc

	t.alloc = alloc
	t.bind(st, capacity)
	t.used = size
	t.growthLeft = growthLeft

	var errs []error
	if oldCapacity > 0 {
		if err := oldAlloc.Free(old); err != nil {
			errs = append(errs, fmt.Errorf("alloc.Free: %w", err))
		}
	}
	if c, ok := prev.(io.Closer); ok && prev != alloc {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("allocator.Close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrRelease, errors.Join(errs...))
	}
	return nil
}

// Clone returns a heap-backed copy of the table.
func (t *Table[K, V]) Clone() *Table[K, V] {
	c := &Table[K, V]{hash: t.hash, alloc: HeapAllocator{}, hint: t.hint}
	if t.capacity == 0 {
		return c
	}
	st, _ := HeapAllocator{}.Alloc(t.capacity, t.SlotSize())
	copy(st.Ctrl, t.ctrl)
	copy(st.Slots, t.storage.Slots)
	c.bind(st, t.capacity)
	c.used = t.used
	c.growthLeft = t.growthLeft
	return c
}

// Restore replaces the table's contents with those of src, a table returned
// by Clone, leaving src empty. The contents stay in heap memory until the
// next resize moves them to the table's own allocator. Restore always takes
// effect; an error freeing the replaced storage is returned wrapped in
// ErrRelease.
func (t *Table[K, V]) Restore(src *Table[K, V]) error {
	var err error
	if rerr := t.release(); rerr != nil {
		err = fmt.Errorf("%w: %w", ErrRelease, rerr)
	}
	t.restore(src)
	return err
}

// restore binds src's heap storage as fallback storage. The table must be
// empty.
func (t *Table[K, V]) restore(src *Table[K, V]) {
	if src.capacity == 0 {
		return
	}
	t.bind(src.storage, src.capacity)
	t.fallback = true
	t.used = src.used
	t.growthLeft = src.growthLeft
	src.bind(Storage{}, 0)
	src.used = 0
	src.growthLeft = 0
}

// Close frees the table's storage and closes its allocator if it is an
// io.Closer. The table is empty afterwards.
func (t *Table[K, V]) Close() error {
	err := t.release()
	if c, ok := t.alloc.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	t.alloc = HeapAllocator{}
	return err
}

// validate checks raw storage against the declared shape and returns the
// growth budget implied by its control bytes.
func (t *Table[K, V]) validate(st Storage, capacity int, size int) (int, error) {
	if len(st.Ctrl) != capacity || len(st.Slots) != capacity*t.SlotSize() {
		return 0, fmt.Errorf("%w: storage length mismatch for capacity %d", format.ErrLayout, capacity)
	}
	if !unsafebytes.Aligned(st.Slots, 8) {
		return 0, fmt.Errorf("%w: slot storage is not 8-byte aligned", format.ErrLayout)
	}
	var full, deleted int
	for _, c := range st.Ctrl {
		switch {
		case c == ctrlEmpty:
		case c == ctrlDeleted:
			deleted++
		case c < ctrlEmpty:
			full++
		default:
			return 0, fmt.Errorf("%w: invalid control byte %#x", format.ErrLayout, c)
		}
	}
	if full != size {
		return 0, fmt.Errorf("%w: header size %d but %d full slots", format.ErrLayout, size, full)
	}
	if capacity > 0 && full+deleted == capacity {
		return 0, fmt.Errorf("%w: no empty slots", format.ErrLayout)
	}
	return max(maxLoad(capacity)-full-deleted, 0), nil
}
