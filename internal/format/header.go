// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

const (
	// Version is the only archive format version this library reads and writes.
	Version = 1

	// HeaderSize is the encoded size of a table archive Header.
	HeaderSize = 4 + 8 + 8 + 4

	// MaxCapacity bounds the capacity accepted from an archive header, so a
	// corrupted header can't request an absurd allocation.
	MaxCapacity = 1 << 40

	// MinCapacity is the smallest non-zero table capacity.
	MinCapacity = 8

	versionOff    = 0
	sizeOff       = 4
	capacityOff   = 12
	recordSizeOff = 20
)

// ErrLayout is returned when an archive's structure doesn't match what the
// loading build expects.
var ErrLayout = errors.New("archive layout mismatch")

// Header describes the table stored in an archive.
type Header struct {
	Version    uint32
	Size       uint64
	Capacity   uint64
	RecordSize uint32
}

// NewHeader returns a Header at the current format version.
func NewHeader(size, capacity uint64, recordSize uint32) Header {
	return Header{
		Version:    Version,
		Size:       size,
		Capacity:   capacity,
		RecordSize: recordSize,
	}
}

func (h *Header) MarshalTo(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("buffer too short: %d < %d", len(buf), HeaderSize)
	}
	binary.LittleEndian.PutUint32(buf[versionOff:], h.Version)
	binary.LittleEndian.PutUint64(buf[sizeOff:], h.Size)
	binary.LittleEndian.PutUint64(buf[capacityOff:], h.Capacity)
	binary.LittleEndian.PutUint32(buf[recordSizeOff:], h.RecordSize)
	return nil
}

func (h *Header) WriteTo(w io.Writer) (n int64, err error) {
	var buf [HeaderSize]byte
	_ = h.MarshalTo(buf[:])
	written, err := w.Write(buf[:])
	if err != nil {
		return int64(written), fmt.Errorf("write: %w", err)
	}
	return int64(written), nil
}

// UnmarshalBytes decodes and validates a header. Errors describing a
// structural problem wrap ErrLayout.
func (h *Header) UnmarshalBytes(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header too short: %d < %d", ErrLayout, len(buf), HeaderSize)
	}

	h.Version = binary.LittleEndian.Uint32(buf[versionOff:])
	if h.Version != Version {
		return fmt.Errorf("%w: this version of the flathash library can only read v%d archives; found v%d", ErrLayout, Version, h.Version)
	}
	h.Size = binary.LittleEndian.Uint64(buf[sizeOff:])
	h.Capacity = binary.LittleEndian.Uint64(buf[capacityOff:])
	h.RecordSize = binary.LittleEndian.Uint32(buf[recordSizeOff:])

	if err := ValidCapacity(h.Capacity); err != nil {
		return err
	}
	if h.Size > h.Capacity {
		return fmt.Errorf("%w: size %d exceeds capacity %d", ErrLayout, h.Size, h.Capacity)
	}
	return nil
}

// Check verifies the header was written by a build with the same slot record size.
func (h *Header) Check(recordSize uint32) error {
	if h.RecordSize != recordSize {
		return fmt.Errorf("%w: slot record size %d, expected %d", ErrLayout, h.RecordSize, recordSize)
	}
	return nil
}

// TableBytes is the number of bytes following the header: control bytes then slots.
func (h *Header) TableBytes() int64 {
	return int64(h.Capacity) * (1 + int64(h.RecordSize))
}

// FileSize is the total length of an archive holding this table.
func (h *Header) FileSize() int64 {
	return HeaderSize + h.TableBytes()
}

// ValidCapacity reports whether c is 0 or a power of two in [MinCapacity, MaxCapacity].
func ValidCapacity(c uint64) error {
	if c == 0 {
		return nil
	}
	if c < MinCapacity || c > MaxCapacity || bits.OnesCount64(c) != 1 {
		return fmt.Errorf("%w: invalid capacity %d", ErrLayout, c)
	}
	return nil
}

// FileSize returns the length of an archive for a table of the given shape.
func FileSize(capacity int, recordSize int) int64 {
	return HeaderSize + int64(capacity)*(1+int64(recordSize))
}
