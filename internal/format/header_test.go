// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package format

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_RoundTrip(t *testing.T) {
	origH := NewHeader(3, 16, 12)

	// this should be an error
	err := origH.MarshalTo(nil)
	assert.Error(t, err)

	headerBytes := make([]byte, HeaderSize)
	var newH Header
	// zero version is unknown
	err = newH.UnmarshalBytes(headerBytes)
	assert.ErrorIs(t, err, ErrLayout)

	require.NoError(t, origH.MarshalTo(headerBytes))

	err = newH.UnmarshalBytes(nil)
	assert.ErrorIs(t, err, ErrLayout)

	require.NoError(t, newH.UnmarshalBytes(headerBytes))
	assert.Equal(t, origH, newH)
	assert.Equal(t, int64(HeaderSize+16*13), newH.FileSize())

	origH.Version = 666
	require.NoError(t, origH.MarshalTo(headerBytes))
	err = newH.UnmarshalBytes(headerBytes)
	assert.ErrorIs(t, err, ErrLayout)
}

func TestHeader_WireLayout(t *testing.T) {
	h := NewHeader(2, 8, 16)
	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(HeaderSize), n)

	expected := []byte{
		1, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0,
		8, 0, 0, 0, 0, 0, 0, 0,
		16, 0, 0, 0,
	}
	assert.Equal(t, expected, buf.Bytes())
}

func TestHeader_Check(t *testing.T) {
	h := NewHeader(0, 0, 8)
	assert.NoError(t, h.Check(8))
	err := h.Check(16)
	assert.True(t, errors.Is(err, ErrLayout))
}

func TestHeader_BadShape(t *testing.T) {
	buf := make([]byte, HeaderSize)
	for _, h := range []Header{
		NewHeader(0, 4, 8),
		NewHeader(0, 24, 8),
		NewHeader(0, MaxCapacity*2, 8),
		NewHeader(9, 8, 8),
	} {
		require.NoError(t, h.MarshalTo(buf))
		var decoded Header
		assert.ErrorIs(t, decoded.UnmarshalBytes(buf), ErrLayout, "%+v", h)
	}
}

func TestValidCapacity(t *testing.T) {
	for _, c := range []uint64{0, 8, 16, 1024, MaxCapacity} {
		assert.NoError(t, ValidCapacity(c), c)
	}
	for _, c := range []uint64{1, 2, 7, 12, 1000} {
		assert.Error(t, ValidCapacity(c), c)
	}
}
