// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build linux

package flathash

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/flathash/internal/format"
)

func mmapDumpMap[K comparable, V any](t *testing.T, m *Map[K, V], path string) {
	w, err := NewMmapWriter(path)
	require.NoError(t, err)
	require.NoError(t, m.MmapDump(w))
	require.NoError(t, w.Close())
}

func mmapLoadMap[K comparable, V any](t *testing.T, m *Map[K, V], path string) error {
	r, err := NewMmapReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	return m.MmapLoad(r)
}

func TestMmapDumpLoad_MapUint64Uint32(t *testing.T) {
	require.True(t, MmapSupported)
	path := dumpPath(t)

	alloc, err := NewMmapAllocator()
	require.NoError(t, err)
	mp1 := NewMap[uint64, uint32](WithAllocator(alloc))
	defer func() { _ = mp1.Close() }()
	require.NoError(t, mp1.Set(78731, 99))
	require.NoError(t, mp1.Set(13141, 299))
	require.NoError(t, mp1.Set(2651, 101))
	mmapDumpMap(t, mp1, path)

	mp2 := NewMap[uint64, uint32](WithMmapAllocator())
	defer func() { _ = mp2.Close() }()
	require.NoError(t, mmapLoadMap(t, mp2, path))

	assert.Equal(t, 3, mp2.Len())
	assert.Equal(t, 1, mp2.Count(78731))
	assert.Equal(t, 1, mp2.Count(13141))
	v, err := mp2.At(78731)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), v)
	v, err = mp2.At(2651)
	require.NoError(t, err)
	assert.Equal(t, uint32(101), v)

	// the loaded map's storage is the file itself
	a, ok := mp2.t.Allocator().(*MmapAllocator)
	require.True(t, ok)
	assert.Equal(t, path, a.Path())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, format.FileSize(mp1.Cap(), mp1.t.SlotSize()), fi.Size())
}

func TestMmapDumpLoad_ParallelMapUint64Uint32(t *testing.T) {
	path := dumpPath(t)

	mp1, err := NewParallelMap[uint64, uint32](WithMmapAllocator(), WithShards(16), WithoutLocking())
	require.NoError(t, err)
	defer func() { _ = mp1.Close() }()
	for k, v := range map[uint64]uint32{100: 99, 300: 299, 101: 992, 1300: 2991, 1130: 299, 2130: 1299} {
		require.NoError(t, mp1.Set(k, v))
	}

	w, err := NewMmapWriter(path)
	require.NoError(t, err)
	require.NoError(t, mp1.MmapDump(w))
	require.NoError(t, w.Close())

	mp2, err := NewParallelMap[uint64, uint32](WithMmapAllocator(), WithShards(16), WithoutLocking())
	require.NoError(t, err)
	defer func() { _ = mp2.Close() }()
	r, err := NewMmapReader(path)
	require.NoError(t, err)
	require.NoError(t, mp2.MmapLoad(r))
	require.NoError(t, r.Close())

	assert.Equal(t, 6, mp2.Len())
	for k, want := range map[uint64]uint32{100: 99, 300: 299, 1130: 299, 2130: 1299} {
		v, err := mp2.Index(k)
		require.NoError(t, err)
		assert.Equal(t, want, v, k)
	}

	spans, err := InspectShards(path)
	require.NoError(t, err)
	require.Len(t, spans, 16)
	for i, span := range spans {
		fi, err := os.Stat(shardPath(path, i))
		require.NoError(t, err)
		assert.Equal(t, uint64(fi.Size()), span.Length, i)
	}
}

func TestMmapLoad_ShardCountMismatch(t *testing.T) {
	path := dumpPath(t)
	mp1, err := NewParallelMap[uint64, uint32](WithShards(4))
	require.NoError(t, err)
	require.NoError(t, mp1.Set(1, 1))
	w, err := NewMmapWriter(path)
	require.NoError(t, err)
	require.NoError(t, mp1.MmapDump(w))
	require.NoError(t, w.Close())

	mp2, err := NewParallelMap[uint64, uint32](WithShards(2))
	require.NoError(t, err)
	r, err := NewMmapReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	assert.ErrorIs(t, mp2.MmapLoad(r), ErrLayout)
}

func TestMmapLoad_MutateDumpReload(t *testing.T) {
	path := dumpPath(t)
	src := NewMap[uint64, uint64]()
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, src.Set(i, i))
	}
	mmapDumpMap(t, src, path)

	m := NewMap[uint64, uint64]()
	require.NoError(t, mmapLoadMap(t, m, path))
	// grow past the mapped capacity so the file is remapped
	for i := uint64(10); i < 1000; i++ {
		require.NoError(t, m.Set(i, i*2))
	}
	m.Delete(3)
	mmapDumpMap(t, m, path)
	require.NoError(t, m.Close())

	info, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(999), info.Size)
	assert.Equal(t, info.FileSize, format.FileSize(int(info.Capacity), int(info.SlotSize)))

	reloaded := NewMap[uint64, uint64]()
	defer func() { _ = reloaded.Close() }()
	require.NoError(t, mmapLoadMap(t, reloaded, path))
	assert.Equal(t, 999, reloaded.Len())
	assert.False(t, reloaded.Contains(3))
	v, ok := reloaded.Get(500)
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), v)
	v, ok = reloaded.Get(4)
	assert.True(t, ok)
	assert.Equal(t, uint64(4), v)
}

func TestMmapDump_InPlace(t *testing.T) {
	path := dumpPath(t)
	alloc, err := NewFileMmapAllocator(path)
	require.NoError(t, err)
	m := NewMap[uint64, uint32](WithAllocator(alloc))
	defer func() { _ = m.Close() }()
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, m.Set(i, uint32(i+1)))
	}
	ctrlBefore := m.t.Controls()

	mmapDumpMap(t, m, path)
	// still backed by the same mapping
	assert.Same(t, &ctrlBefore[0], &m.t.Controls()[0])

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, format.FileSize(m.Cap(), m.t.SlotSize()), int64(len(contents)))
	assert.Equal(t, m.t.Controls(), contents[format.HeaderSize:format.HeaderSize+m.Cap()])

	loaded := NewMap[uint64, uint32]()
	defer func() { _ = loaded.Close() }()
	r, err := NewMmapReader(path)
	require.NoError(t, err)
	require.NoError(t, loaded.MmapLoad(r))
	require.NoError(t, r.Close())
	assert.Equal(t, 50, loaded.Len())
	v, err := loaded.At(49)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), v)
}

func TestMmapDump_Idempotent(t *testing.T) {
	path := dumpPath(t)
	m := NewMap[uint64, uint32]()
	for i := uint64(0); i < 30; i++ {
		require.NoError(t, m.Set(i, uint32(i)))
	}
	mmapDumpMap(t, m, path)
	first, err := Inspect(path)
	require.NoError(t, err)
	mmapDumpMap(t, m, path)
	second, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMmapDumpLoad_Empty(t *testing.T) {
	path := dumpPath(t)
	mmapDumpMap(t, NewMap[uint64, uint32](), path)

	m := NewMap[uint64, uint32]()
	defer func() { _ = m.Close() }()
	require.NoError(t, m.Set(1, 1))
	require.NoError(t, mmapLoadMap(t, m, path))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.Cap())

	// the empty loaded map grows into its file
	require.NoError(t, m.Set(2, 2))
	mmapDumpMap(t, m, path)
	info, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Size)
}

func TestMmapLoad_LayoutMismatch(t *testing.T) {
	path := dumpPath(t)
	wide := NewMap[uint64, uint64]()
	require.NoError(t, wide.Set(1, 1))
	mmapDumpMap(t, wide, path)

	narrow := NewMap[uint32, uint32]()
	require.NoError(t, narrow.Set(7, 8))
	require.ErrorIs(t, mmapLoadMap(t, narrow, path), ErrLayout)
	assert.Equal(t, 1, narrow.Len())

	// a file whose length disagrees with its header
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.ErrorIs(t, mmapLoadMap(t, NewMap[uint64, uint64](), path), ErrLayout)
}

func TestMmapLoad_FromBinaryDump(t *testing.T) {
	// binary and mmap archives of the same table share a layout
	path := dumpPath(t)
	m := NewMap[uint64, uint32]()
	require.NoError(t, m.Set(5, 55))
	dumpMap(t, m, path)

	loaded := NewMap[uint64, uint32]()
	defer func() { _ = loaded.Close() }()
	require.NoError(t, mmapLoadMap(t, loaded, path))
	v, err := loaded.At(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(55), v)
}

func TestMmapAllocator_Binary(t *testing.T) {
	path := dumpPath(t)
	src := NewMap[uint64, uint32]()
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, src.Set(i, uint32(i)))
	}
	dumpMap(t, src, path)

	m := NewMap[uint64, uint32](WithMmapAllocator())
	defer func() { _ = m.Close() }()
	require.NoError(t, m.Set(1000, 1))
	require.NoError(t, loadMap(t, m, path))
	assert.Equal(t, 100, m.Len())
	assert.False(t, m.Contains(1000))
	_, ok := m.t.Allocator().(*MmapAllocator)
	assert.True(t, ok)
}

func TestMmapArchive_SingleUse(t *testing.T) {
	path := dumpPath(t)
	m := NewMap[uint64, uint32]()
	w, err := NewMmapWriter(path)
	require.NoError(t, err)
	require.NoError(t, m.MmapDump(w))
	assert.ErrorIs(t, m.MmapDump(w), ErrArchiveUsed)
	require.NoError(t, w.Close())

	r, err := NewMmapReader(path)
	require.NoError(t, err)
	require.NoError(t, m.MmapLoad(r))
	assert.ErrorIs(t, m.MmapLoad(r), ErrArchiveUsed)
	require.NoError(t, r.Close())

	_, err = NewMmapReader(path + ".missing")
	assert.ErrorIs(t, err, ErrIO)
}

func TestMmapDumpLoad_SetUint32(t *testing.T) {
	path := dumpPath(t)
	keys := []uint32{1, 1000, 12345, 99}
	s := NewSet[uint32]()
	for _, k := range keys {
		inserted, err := s.Insert(k)
		require.NoError(t, err)
		require.True(t, inserted)
	}
	w, err := NewMmapWriter(path)
	require.NoError(t, err)
	require.NoError(t, s.MmapDump(w))
	require.NoError(t, w.Close())

	loadSet := func() *Set[uint32] {
		loaded := NewSet[uint32]()
		r, err := NewMmapReader(path)
		require.NoError(t, err)
		require.NoError(t, loaded.MmapLoad(r))
		require.NoError(t, r.Close())
		return loaded
	}

	loaded := loadSet()
	assert.Equal(t, len(keys), loaded.Len())
	for _, k := range keys {
		assert.True(t, loaded.Contains(k), k)
	}
	assert.False(t, loaded.Contains(2))

	// mutate the mapped set and sync it back to the same file
	_, err = loaded.Insert(2)
	require.NoError(t, err)
	assert.True(t, loaded.Delete(99))
	w, err = NewMmapWriter(path)
	require.NoError(t, err)
	require.NoError(t, loaded.MmapDump(w))
	require.NoError(t, w.Close())
	require.NoError(t, loaded.Close())

	info, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(keys)), info.Size)

	again := loadSet()
	defer func() { _ = again.Close() }()
	assert.True(t, again.Contains(2))
	assert.False(t, again.Contains(99))
	assert.True(t, again.Contains(12345))
}

func TestMmapLoad_ParallelMapShardFailureLeavesMapUnchanged(t *testing.T) {
	path := dumpPath(t)
	src, err := NewParallelMap[uint64, uint32](WithShards(4))
	require.NoError(t, err)
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, src.Set(i, uint32(i)))
	}
	w, err := NewMmapWriter(path)
	require.NoError(t, err)
	require.NoError(t, src.MmapDump(w))
	require.NoError(t, w.Close())

	dst, err := NewParallelMap[uint64, uint32](WithShards(4))
	require.NoError(t, err)
	defer func() { _ = dst.Close() }()
	for i := uint64(1000); i < 1020; i++ {
		require.NoError(t, dst.Set(i, 3))
	}
	load := func() error {
		r, err := NewMmapReader(path)
		require.NoError(t, err)
		defer func() { _ = r.Close() }()
		return dst.MmapLoad(r)
	}
	unchanged := func() {
		t.Helper()
		assert.Equal(t, 20, dst.Len())
		for i := uint64(1000); i < 1020; i++ {
			v, err := dst.At(i)
			require.NoError(t, err, i)
			require.Equal(t, uint32(3), v)
		}
		assert.False(t, dst.Contains(0))
	}

	missing := shardPath(path, 2)
	require.NoError(t, os.Rename(missing, missing+".bak"))
	require.ErrorIs(t, load(), ErrIO)
	unchanged()
	require.NoError(t, os.Rename(missing+".bak", missing))

	// a shard file one byte longer than its header describes
	grown := shardPath(path, 1)
	fi, err := os.Stat(grown)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(grown, fi.Size()+1))
	require.ErrorIs(t, load(), ErrLayout)
	unchanged()
	require.NoError(t, os.Truncate(grown, fi.Size()))

	require.NoError(t, load())
	assert.Equal(t, 100, dst.Len())
	v, err := dst.At(42)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
	assert.False(t, dst.Contains(1000))
}
