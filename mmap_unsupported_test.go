// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build !unix

package flathash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmap_Unsupported(t *testing.T) {
	require.False(t, MmapSupported)
	path := filepath.Join(t.TempDir(), "dump.data")

	_, err := NewMmapWriter(path)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = NewMmapReader(path)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = NewMmapAllocator()
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = NewFileMmapAllocator(path)
	assert.ErrorIs(t, err, ErrUnsupported)

	// capability errors are reported before touching the filesystem
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	m := NewMap[uint64, uint32](WithMmapAllocator())
	err = m.Set(1, 1)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 0, m.Len())

	_, err = NewParallelMap[uint64, uint32](WithMmapAllocator())
	assert.ErrorIs(t, err, ErrUnsupported)
}
