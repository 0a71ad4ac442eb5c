// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"math/bits"

	"golang.org/x/sync/errgroup"

	"github.com/bpowers/flathash/internal/format"
	"github.com/bpowers/flathash/internal/table"
)

type shard[K comparable, V any] struct {
	mu Locker
	t  *table.Table[K, V]
}

// ParallelMap is a hash map split into a fixed number of shards, each a
// separate table with its own lock. Operations on keys in different shards
// proceed concurrently; there is no atomicity across keys or shards.
type ParallelMap[K comparable, V any] struct {
	shards []*shard[K, V]
	shift  uint
	hash   func(K) uint64
	logger *slog.Logger
}

// NewParallelMap returns an empty map with WithShards shards (16 by default),
// each guarded by a sync.RWMutex unless WithShardLock says otherwise.
func NewParallelMap[K comparable, V any](opts ...Option) (*ParallelMap[K, V], error) {
	o := newOptions(opts)
	if err := o.validate(); err != nil {
		return nil, err
	}
	hash := keyHash[K](o.hasher)
	perShard := (o.capacity + o.shards - 1) / o.shards
	p := &ParallelMap[K, V]{
		shards: make([]*shard[K, V], o.shards),
		shift:  uint(64 - bits.TrailingZeros(uint(o.shards))),
		hash:   hash,
		logger: o.logger,
	}
	for i := range p.shards {
		p.shards[i] = &shard[K, V]{
			mu: o.lock(),
			t:  table.New[K, V](hash, o.allocator(i), perShard),
		}
	}
	return p, nil
}

// route picks a shard from the top bits of the hash. Tables probe from the
// low bits, so the two never overlap for tables under 2^(57-log2 N) slots.
func (p *ParallelMap[K, V]) route(h uint64) *shard[K, V] {
	return p.shards[h>>p.shift]
}

// Shards returns the number of shards.
func (p *ParallelMap[K, V]) Shards() int {
	return len(p.shards)
}

func (p *ParallelMap[K, V]) Insert(k K, v V) (bool, error) {
	h := p.hash(k)
	s := p.route(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.Insert(h, k, v)
}

func (p *ParallelMap[K, V]) Set(k K, v V) error {
	h := p.hash(k)
	s := p.route(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.Set(h, k, v)
}

func (p *ParallelMap[K, V]) Get(k K) (V, bool) {
	h := p.hash(k)
	s := p.route(h)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v := s.t.Find(h, k); v != nil {
		return *v, true
	}
	var zero V
	return zero, false
}

func (p *ParallelMap[K, V]) Contains(k K) bool {
	_, ok := p.Get(k)
	return ok
}

// Count returns 1 if k is present and 0 otherwise.
func (p *ParallelMap[K, V]) Count(k K) int {
	if p.Contains(k) {
		return 1
	}
	return 0
}

// At returns the value stored for k, or ErrNotFound.
func (p *ParallelMap[K, V]) At(k K) (V, error) {
	v, ok := p.Get(k)
	if !ok {
		return v, ErrNotFound
	}
	return v, nil
}

// Index returns the value stored for k, first inserting the zero value if k
// is absent.
func (p *ParallelMap[K, V]) Index(k K) (V, error) {
	h := p.hash(k)
	s := p.route(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.t.FindOrInsert(h, k)
	if err != nil {
		var zero V
		return zero, err
	}
	return *v, nil
}

func (p *ParallelMap[K, V]) Delete(k K) bool {
	h := p.hash(k)
	s := p.route(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.Delete(h, k)
}

// Len sums the shard sizes, locking one shard at a time. Under concurrent
// mutation the result needn't match any single point in time.
func (p *ParallelMap[K, V]) Len() int {
	n := 0
	for _, s := range p.shards {
		s.mu.RLock()
		n += s.t.Len()
		s.mu.RUnlock()
	}
	return n
}

// All iterates over every entry, one shard at a time. Each shard is copied
// under its read lock, so the callback may mutate the map.
func (p *ParallelMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		var entries []table.Slot[K, V]
		for _, s := range p.shards {
			entries = entries[:0]
			s.mu.RLock()
			for k, v := range s.t.All() {
				entries = append(entries, table.Slot[K, V]{Key: k, Value: v})
			}
			s.mu.RUnlock()
			for _, e := range entries {
				if !yield(e.Key, e.Value) {
					return
				}
			}
		}
	}
}

func (p *ParallelMap[K, V]) Clear() {
	for _, s := range p.shards {
		s.mu.Lock()
		s.t.Clear()
		s.mu.Unlock()
	}
}

// Close releases every shard's storage.
func (p *ParallelMap[K, V]) Close() error {
	var errs []error
	for _, s := range p.shards {
		s.mu.Lock()
		errs = append(errs, s.t.Close())
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Dump writes a router header followed by every shard's archive, in shard
// order, to w. Each shard is read-locked while it is written.
func (p *ParallelMap[K, V]) Dump(w *BinaryWriter) error {
	if err := w.begin(); err != nil {
		return err
	}
	start := w.off
	err := p.writeShards(w)
	recordArchiveOp(archiveBinary, opDump, w.off-start, err)
	if err != nil {
		p.logger.Warn("binary dump failed", "path", w.path, "err", err)
		return err
	}
	p.logger.Debug("dumped sharded map", "path", w.path, "shards", len(p.shards), "bytes", w.off-start)
	return nil
}

func (p *ParallelMap[K, V]) writeShards(w *BinaryWriter) error {
	idx := &format.ShardIndex{Spans: make([]format.ShardSpan, len(p.shards))}
	n, err := idx.WriteTo(w.w)
	w.off += n
	if err != nil {
		return ioError("shardIndex.WriteTo", err)
	}
	for i, s := range p.shards {
		off := w.off
		s.mu.RLock()
		n, err := writeTable(w, s.t)
		s.mu.RUnlock()
		if err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		idx.Spans[i] = format.ShardSpan{Offset: uint64(off), Length: uint64(n)}
	}
	if err := w.flush(); err != nil {
		return err
	}
	if err := idx.UpdateSpans(w.f); err != nil {
		return ioError("shardIndex.UpdateSpans", err)
	}
	return nil
}

// Load replaces every shard with the contents of r. The archive must have
// been written by a ParallelMap with the same shard count. All shards are read
// before any is replaced, and a shard whose allocator fails rolls the others
// back, so on failure the map is unchanged.
func (p *ParallelMap[K, V]) Load(r *BinaryReader) error {
	if err := r.begin(); err != nil {
		return err
	}
	start := r.off
	err := dropReleaseError(p.logger, r.path, p.readShards(r))
	recordArchiveOp(archiveBinary, opLoad, r.off-start, err)
	if err != nil {
		p.logger.Warn("binary load failed", "path", r.path, "err", err)
		return err
	}
	p.logger.Debug("loaded sharded map", "path", r.path, "shards", len(p.shards), "bytes", r.off-start)
	return nil
}

func (p *ParallelMap[K, V]) readShards(r *BinaryReader) error {
	idx, err := format.ReadShardIndex(r.r)
	if err != nil {
		return ioError("format.ReadShardIndex", err)
	}
	r.off += int64(idx.Size())
	if err := p.checkShardCount(idx); err != nil {
		return err
	}

	staged := make([]*table.Table[K, V], len(p.shards))
	for i, span := range idx.Spans {
		if uint64(r.off) != span.Offset {
			return fmt.Errorf("%w: shard %d at offset %d, expected %d", ErrLayout, i, r.off, span.Offset)
		}
		staged[i] = table.New[K, V](p.hash, table.HeapAllocator{}, 0)
		n, err := readTable(r, staged[i])
		if err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		if uint64(n) != span.Length {
			return fmt.Errorf("%w: shard %d is %d bytes, router header says %d", ErrLayout, i, n, span.Length)
		}
	}

	return p.commitShards(staged)
}

// commitShards copies staged into the shards' own storage. Every shard is
// locked for the duration; if any shard's allocator fails, the shards already
// replaced get their previous contents back, so the map is unchanged.
func (p *ParallelMap[K, V]) commitShards(staged []*table.Table[K, V]) error {
	for _, s := range p.shards {
		s.mu.Lock()
	}
	defer func() {
		for _, s := range p.shards {
			s.mu.Unlock()
		}
	}()

	prev := make([]*table.Table[K, V], 0, len(p.shards))
	var released []error
	for i, s := range p.shards {
		src := staged[i]
		saved := s.t.Clone()
		err := s.t.Replace(src.Cap(), src.Len(), func(ctrl, slots []byte) error {
			copy(ctrl, src.Controls())
			copy(slots, src.SlotBytes())
			return nil
		})
		if err != nil && !errors.Is(err, table.ErrRelease) {
			for j, old := range prev {
				if rerr := p.shards[j].t.Restore(old); rerr != nil {
					released = append(released, rerr)
				}
			}
			if len(released) > 0 {
				p.logger.Warn("freeing storage during rollback failed", "err", errors.Join(released...))
			}
			return fmt.Errorf("shard %d: %w", i, err)
		}
		if err != nil {
			released = append(released, fmt.Errorf("shard %d: %w", i, err))
		}
		prev = append(prev, saved)
	}
	if len(released) > 0 {
		return fmt.Errorf("%w: %w", table.ErrRelease, errors.Join(released...))
	}
	return nil
}

func (p *ParallelMap[K, V]) checkShardCount(idx *format.ShardIndex) error {
	if len(idx.Spans) != len(p.shards) {
		return fmt.Errorf("%w: archive has %d shards, map has %d", ErrLayout, len(idx.Spans), len(p.shards))
	}
	return nil
}

func shardPath(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

// MmapDump writes a router header to w's file and each shard to its own mmap
// archive at "<path>.<shard>". Shards are written concurrently, each under
// its read lock.
func (p *ParallelMap[K, V]) MmapDump(w *MmapWriter) error {
	if err := w.begin(); err != nil {
		return err
	}
	n, err := p.mmapWriteShards(w)
	recordArchiveOp(archiveMmap, opDump, n, err)
	if err != nil {
		p.logger.Warn("mmap dump failed", "path", w.path, "err", err)
		return err
	}
	p.logger.Debug("dumped mapped sharded map", "path", w.path, "shards", len(p.shards), "bytes", n)
	return nil
}

func (p *ParallelMap[K, V]) mmapWriteShards(w *MmapWriter) (int64, error) {
	idx := &format.ShardIndex{Spans: make([]format.ShardSpan, len(p.shards))}
	var g errgroup.Group
	for i, s := range p.shards {
		g.Go(func() error {
			sw, err := NewMmapWriter(shardPath(w.path, i))
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			defer func() { _ = sw.Close() }()
			s.mu.RLock()
			n, err := writeMmapTable(sw, s.t)
			s.mu.RUnlock()
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			idx.Spans[i] = format.ShardSpan{Offset: 0, Length: uint64(n)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := w.f.Truncate(int64(idx.Size())); err != nil {
		return 0, ioError("f.Truncate", err)
	}
	if err := idx.UpdateSpans(w.f); err != nil {
		return 0, ioError("shardIndex.UpdateSpans", err)
	}
	if err := w.f.Sync(); err != nil {
		return 0, ioError("f.Sync", err)
	}
	total := int64(idx.Size())
	for _, span := range idx.Spans {
		total += int64(span.Length)
	}
	return total, nil
}

// MmapLoad maps every shard archive named by the router header in r's file
// and swaps them in as the shards' storage. Every shard is mapped before any
// is swapped, so on failure the map is unchanged.
func (p *ParallelMap[K, V]) MmapLoad(r *MmapReader) error {
	if err := r.begin(); err != nil {
		return err
	}
	n, err := p.mmapReadShards(r)
	err = dropReleaseError(p.logger, r.path, err)
	recordArchiveOp(archiveMmap, opLoad, n, err)
	if err != nil {
		p.logger.Warn("mmap load failed", "path", r.path, "err", err)
		return err
	}
	p.logger.Debug("mapped sharded map", "path", r.path, "shards", len(p.shards), "bytes", n)
	return nil
}

func (p *ParallelMap[K, V]) mmapReadShards(r *MmapReader) (int64, error) {
	idx, err := format.ReadShardIndex(io.NewSectionReader(r.f, 0, math.MaxInt64))
	if err != nil {
		return 0, ioError("format.ReadShardIndex", err)
	}
	if err := p.checkShardCount(idx); err != nil {
		return 0, err
	}

	staged := make([]*table.Table[K, V], len(p.shards))
	for i := range staged {
		staged[i] = table.New[K, V](p.hash, table.HeapAllocator{}, 0)
	}
	var g errgroup.Group
	for i, span := range idx.Spans {
		g.Go(func() error {
			sr, err := NewMmapReader(shardPath(r.path, i))
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			defer func() { _ = sr.Close() }()
			n, err := readMmapTable(sr, staged[i])
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			if uint64(n) != span.Length {
				return fmt.Errorf("%w: shard %d is %d bytes, router header says %d", ErrLayout, i, n, span.Length)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, t := range staged {
			_ = t.Close()
		}
		return 0, err
	}

	total := int64(idx.Size())
	var errs []error
	for i, s := range p.shards {
		s.mu.Lock()
		old := s.t
		s.t = staged[i]
		s.mu.Unlock()
		if err := old.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
		total += int64(idx.Spans[i].Length)
	}
	if len(errs) > 0 {
		return total, fmt.Errorf("%w: %w", table.ErrRelease, errors.Join(errs...))
	}
	return total, nil
}
