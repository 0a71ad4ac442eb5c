// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"io"

	"golang.org/x/exp/mmap"

	"github.com/bpowers/flathash/internal/format"
)

// ArchiveInfo describes a table archive without loading it.
type ArchiveInfo struct {
	Version  uint32
	Size     uint64
	Capacity uint64
	// SlotSize is the size in bytes of one slot record.
	SlotSize uint32
	// FileSize is the length of the file on disk.
	FileSize int64
}

// ShardSpan locates one shard of a sharded archive.
type ShardSpan = format.ShardSpan

// Inspect reads the header of the binary or mmap table archive at path.
func Inspect(path string) (ArchiveInfo, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return ArchiveInfo{}, ioError("mmap.Open", err)
	}
	defer func() { _ = r.Close() }()

	var buf [format.HeaderSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return ArchiveInfo{}, ioError("ReadAt", err)
	}
	var h format.Header
	if err := h.UnmarshalBytes(buf[:]); err != nil {
		return ArchiveInfo{}, err
	}
	return ArchiveInfo{
		Version:  h.Version,
		Size:     h.Size,
		Capacity: h.Capacity,
		SlotSize: h.RecordSize,
		FileSize: int64(r.Len()),
	}, nil
}

// InspectShards reads the router header of a ParallelMap archive at path.
func InspectShards(path string) ([]ShardSpan, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, ioError("mmap.Open", err)
	}
	defer func() { _ = r.Close() }()

	idx, err := format.ReadShardIndex(io.NewSectionReader(r, 0, int64(r.Len())))
	if err != nil {
		return nil, ioError("format.ReadShardIndex", err)
	}
	return idx.Spans, nil
}
