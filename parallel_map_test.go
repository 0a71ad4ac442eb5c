// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelMap_InvalidShards(t *testing.T) {
	for _, n := range []int{0, -4, 3, 12, 1 << 17} {
		_, err := NewParallelMap[uint64, uint64](WithShards(n))
		assert.Error(t, err, n)
	}
	p, err := NewParallelMap[uint64, uint64](WithShards(1))
	require.NoError(t, err)
	require.NoError(t, p.Set(1, 2))
	assert.Equal(t, 1, p.Shards())
	assert.Equal(t, 1, p.Len())
}

func TestParallelMap_Routing(t *testing.T) {
	p, err := NewParallelMap[uint64, uint64](WithShards(8))
	require.NoError(t, err)
	for i := uint64(0); i < 2000; i++ {
		require.NoError(t, p.Set(i, i))
	}

	used := 0
	for _, s := range p.shards {
		for k := range s.t.All() {
			require.Same(t, s, p.route(p.hash(k)))
		}
		if s.t.Len() > 0 {
			used++
		}
	}
	assert.Equal(t, 8, used)
	assert.Equal(t, 2000, p.Len())
}

func TestParallelMap_Concurrent(t *testing.T) {
	p, err := NewParallelMap[uint64, uint64](WithShards(16))
	require.NoError(t, err)

	const workers = 8
	const perWorker = 2000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := uint64(w * perWorker)
			for i := uint64(0); i < perWorker; i++ {
				if _, err := p.Insert(base+i, i); err != nil {
					t.Error(err)
					return
				}
				if _, ok := p.Get(base + i/2); !ok {
					t.Errorf("missing %d", base+i/2)
					return
				}
			}
			for i := uint64(0); i < perWorker; i += 2 {
				p.Delete(base + i)
			}
			_ = p.Len()
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker/2, p.Len())
	n := 0
	for k, v := range p.All() {
		require.Equal(t, uint64(1), k%2)
		require.Equal(t, k%perWorker, v)
		n++
	}
	assert.Equal(t, workers*perWorker/2, n)
}

func TestParallelMap_Operations(t *testing.T) {
	p, err := NewParallelMap[uint32, uint32](WithShards(4), WithoutLocking(), WithCapacity(64))
	require.NoError(t, err)

	inserted, err := p.Insert(5, 50)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = p.Insert(5, 51)
	require.NoError(t, err)
	assert.False(t, inserted)

	v, err := p.At(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), v)
	_, err = p.At(6)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, p.Count(6))

	v, err = p.Index(6)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)
	assert.Equal(t, 1, p.Count(6))

	// every key may be deleted while iterating
	for k := range p.All() {
		assert.True(t, p.Delete(k))
	}
	assert.Equal(t, 0, p.Len())

	require.NoError(t, p.Set(7, 70))
	p.Clear()
	assert.Equal(t, 0, p.Len())
	require.NoError(t, p.Close())
}
