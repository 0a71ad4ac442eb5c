// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/bpowers/flathash/internal/format"
	"github.com/bpowers/flathash/internal/mmap"
	"github.com/bpowers/flathash/internal/table"
)

// MmapSupported reports whether this platform supports memory-mapped
// archives and allocators.
const MmapSupported = mmap.Supported

// MmapWriter dumps a table to a file laid out as its in-memory image. A
// writer serves a single MmapDump.
type MmapWriter struct {
	f      *os.File
	path   string
	used   bool
	closed atomic.Bool
}

// NewMmapWriter opens or creates the file at path. Existing contents are
// kept until MmapDump, so a table whose storage already is this file can be
// dumped in place.
func NewMmapWriter(path string) (*MmapWriter, error) {
	if !mmap.Supported {
		return nil, ErrUnsupported
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ioError("os.OpenFile", err)
	}
	return &MmapWriter{f: f, path: path}, nil
}

// Path returns the file the writer was opened on.
func (w *MmapWriter) Path() string {
	return w.path
}

func (w *MmapWriter) begin() error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.used {
		return ErrArchiveUsed
	}
	w.used = true
	return nil
}

// Close closes the file.
func (w *MmapWriter) Close() error {
	if alreadyClosed := w.closed.Swap(true); alreadyClosed {
		return nil
	}
	if err := w.f.Close(); err != nil {
		return ioError("f.Close", err)
	}
	return nil
}

// writeMmapTable makes w's file an exact image of t and returns its length.
func writeMmapTable[K comparable, V any](w *MmapWriter, t *table.Table[K, V]) (int64, error) {
	h := format.NewHeader(uint64(t.Len()), uint64(t.Cap()), uint32(t.SlotSize()))
	size := h.FileSize()

	if a, ok := t.Allocator().(*MmapAllocator); ok && a.backs(w.f) {
		if err := a.commit(&h); err != nil {
			return 0, err
		}
		fi, err := w.f.Stat()
		if err != nil {
			return 0, ioError("f.Stat", err)
		}
		if fi.Size() != size {
			if err := w.f.Truncate(size); err != nil {
				return 0, ioError("f.Truncate", err)
			}
		}
		return size, nil
	}

	if err := w.f.Truncate(0); err != nil {
		return 0, ioError("f.Truncate", err)
	}
	if err := w.f.Truncate(size); err != nil {
		return 0, ioError("f.Truncate", err)
	}
	region, err := mmap.MapFile(w.f, int(size))
	if err != nil {
		return 0, ioError("mmap.MapFile", err)
	}
	b := region.Bytes()
	_ = h.MarshalTo(b)
	copy(b[format.HeaderSize:], t.Controls())
	copy(b[format.HeaderSize+t.Cap():], t.SlotBytes())
	err = region.Sync()
	if unmapErr := region.Unmap(); unmapErr != nil && err == nil {
		err = unmapErr
	}
	if err != nil {
		return 0, ioError("sync", err)
	}
	return size, nil
}

func dumpMmap[K comparable, V any](w *MmapWriter, t *table.Table[K, V], logger *slog.Logger) error {
	if err := w.begin(); err != nil {
		return err
	}
	n, err := writeMmapTable(w, t)
	recordArchiveOp(archiveMmap, opDump, n, err)
	if err != nil {
		logger.Warn("mmap dump failed", "path", w.path, "err", err)
		return err
	}
	logger.Debug("dumped mapped table", "path", w.path, "size", t.Len(), "capacity", t.Cap(), "bytes", n)
	return nil
}

// MmapReader maps an archive written by MmapWriter. On a successful
// MmapLoad the file becomes the live storage of the loaded table and is
// owned by it; mutations of the table are written to the file's pages and
// are durable only after a later MmapDump to the same path. A reader serves
// a single MmapLoad.
type MmapReader struct {
	f      *os.File
	path   string
	used   bool
	closed atomic.Bool
}

// NewMmapReader opens the file at path for reading and writing.
func NewMmapReader(path string) (*MmapReader, error) {
	if !mmap.Supported {
		return nil, ErrUnsupported
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, ioError("os.OpenFile", err)
	}
	return &MmapReader{f: f, path: path}, nil
}

// Path returns the file the reader was opened on.
func (r *MmapReader) Path() string {
	return r.path
}

func (r *MmapReader) begin() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.used {
		return ErrArchiveUsed
	}
	r.used = true
	return nil
}

// Close closes the file unless a loaded table took ownership of it.
func (r *MmapReader) Close() error {
	if alreadyClosed := r.closed.Swap(true); alreadyClosed {
		return nil
	}
	if r.f == nil {
		return nil
	}
	f := r.f
	r.f = nil
	if err := f.Close(); err != nil {
		return ioError("f.Close", err)
	}
	return nil
}

// readMmapTable rebinds t to the mapped contents of r's file and returns the
// file length. On failure t is unchanged unless the error wraps
// table.ErrRelease, in which case the file already belongs to t.
func readMmapTable[K comparable, V any](r *MmapReader, t *table.Table[K, V]) (int64, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, ioError("f.Stat", err)
	}
	var buf [format.HeaderSize]byte
	if _, err := r.f.ReadAt(buf[:], 0); err != nil {
		return 0, ioError("f.ReadAt", err)
	}
	var h format.Header
	if err := h.UnmarshalBytes(buf[:]); err != nil {
		return 0, err
	}
	if err := h.Check(uint32(t.SlotSize())); err != nil {
		return 0, err
	}
	size := h.FileSize()
	if fi.Size() != size {
		return 0, fmt.Errorf("%w: file is %d bytes, header describes %d", ErrLayout, fi.Size(), size)
	}

	capacity := int(h.Capacity)
	alloc := &MmapAllocator{f: r.f}
	if capacity == 0 {
		err := t.Adopt(alloc, Storage{}, 0, 0)
		if err != nil && !errors.Is(err, table.ErrRelease) {
			return 0, err
		}
		r.f = nil
		return size, err
	}

	region, err := mmap.MapFile(r.f, int(size))
	if err != nil {
		return 0, ioError("mmap.MapFile", err)
	}
	if err := region.AdviseRandom(); err != nil {
		_ = region.Unmap()
		return 0, ioError("madvise", err)
	}
	alloc.region = region
	err = t.Adopt(alloc, storageOf(region.Bytes(), capacity), capacity, int(h.Size))
	if err != nil && !errors.Is(err, table.ErrRelease) {
		_ = region.Unmap()
		return 0, err
	}
	r.f = nil
	return size, err
}

func loadMmap[K comparable, V any](r *MmapReader, t *table.Table[K, V], logger *slog.Logger) error {
	if err := r.begin(); err != nil {
		return err
	}
	n, err := readMmapTable(r, t)
	err = dropReleaseError(logger, r.path, err)
	recordArchiveOp(archiveMmap, opLoad, n, err)
	if err != nil {
		logger.Warn("mmap load failed", "path", r.path, "err", err)
		return err
	}
	logger.Debug("mapped table", "path", r.path, "size", t.Len(), "capacity", t.Cap(), "bytes", n)
	return nil
}
