// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package format

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxShards bounds the shard count accepted from a router header.
const MaxShards = 1 << 16

// ShardSpan locates one shard's archive. For binary archives Offset is the
// absolute file offset; for mmap archives every shard has its own file and
// Offset is 0.
type ShardSpan struct {
	Offset uint64
	Length uint64
}

// ShardIndex is the router header of a sharded archive.
type ShardIndex struct {
	Spans []ShardSpan
}

// ShardIndexSize returns the encoded size of a router header for n shards.
func ShardIndexSize(n int) int {
	return 4 + 16*n
}

func (s *ShardIndex) Size() int {
	return ShardIndexSize(len(s.Spans))
}

func (s *ShardIndex) MarshalTo(buf []byte) error {
	if len(buf) < s.Size() {
		return fmt.Errorf("buffer too short: %d < %d", len(buf), s.Size())
	}
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(s.Spans)))
	off := 4
	for _, span := range s.Spans {
		binary.LittleEndian.PutUint64(buf[off:], span.Offset)
		binary.LittleEndian.PutUint64(buf[off+8:], span.Length)
		off += 16
	}
	return nil
}

func (s *ShardIndex) WriteTo(w io.Writer) (n int64, err error) {
	buf := make([]byte, s.Size())
	_ = s.MarshalTo(buf)
	written, err := w.Write(buf)
	if err != nil {
		return int64(written), fmt.Errorf("write: %w", err)
	}
	return int64(written), nil
}

// UpdateSpans rewrites the span table of a router header already written at
// offset 0 of w.
func (s *ShardIndex) UpdateSpans(w io.WriterAt) error {
	buf := make([]byte, s.Size())
	_ = s.MarshalTo(buf)
	if _, err := w.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("f.WriteAt: %w", err)
	}
	return nil
}

// ReadShardIndex decodes a router header from r. Reading consumes exactly
// ShardIndexSize(count) bytes.
func ReadShardIndex(r io.Reader) (*ShardIndex, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("io.ReadFull: %w", err)
	}
	n := binary.LittleEndian.Uint32(countBuf[:])
	if n == 0 || n > MaxShards {
		return nil, fmt.Errorf("%w: invalid shard count %d", ErrLayout, n)
	}
	buf := make([]byte, 16*int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("io.ReadFull: %w", err)
	}
	s := &ShardIndex{Spans: make([]ShardSpan, n)}
	for i := range s.Spans {
		s.Spans[i].Offset = binary.LittleEndian.Uint64(buf[16*i:])
		s.Spans[i].Length = binary.LittleEndian.Uint64(buf[16*i+8:])
	}
	return s, nil
}
