// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/bpowers/flathash/internal/format"
	"github.com/bpowers/flathash/internal/table"
)

const defaultBufferSize = 4 * 1024 * 1024

// BinaryWriter streams one table (or one ParallelMap) to a file. A writer
// serves a single Dump.
type BinaryWriter struct {
	f      *os.File
	w      *bufio.Writer
	path   string
	off    int64
	used   bool
	closed atomic.Bool
}

// NewBinaryWriter creates or truncates the file at path.
func NewBinaryWriter(path string) (*BinaryWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, ioError("os.Create", err)
	}
	return &BinaryWriter{
		f:    f,
		w:    bufio.NewWriterSize(f, defaultBufferSize),
		path: path,
	}, nil
}

// Path returns the file the writer was opened on.
func (w *BinaryWriter) Path() string {
	return w.path
}

func (w *BinaryWriter) begin() error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.used {
		return ErrArchiveUsed
	}
	w.used = true
	return nil
}

func (w *BinaryWriter) write(p []byte) error {
	n, err := w.w.Write(p)
	w.off += int64(n)
	if err != nil {
		return ioError("bufio.Write", err)
	}
	return nil
}

func (w *BinaryWriter) flush() error {
	if err := w.w.Flush(); err != nil {
		return ioError("bufio.Flush", err)
	}
	return nil
}

// Close flushes buffered data and closes the file.
func (w *BinaryWriter) Close() error {
	if alreadyClosed := w.closed.Swap(true); alreadyClosed {
		return nil
	}
	err := w.flush()
	if closeErr := w.f.Close(); closeErr != nil && err == nil {
		err = ioError("f.Close", closeErr)
	}
	return err
}

// writeTable writes header, control bytes and slot records verbatim.
func writeTable[K comparable, V any](w *BinaryWriter, t *table.Table[K, V]) (int64, error) {
	start := w.off
	h := format.NewHeader(uint64(t.Len()), uint64(t.Cap()), uint32(t.SlotSize()))
	n, err := h.WriteTo(w.w)
	w.off += n
	if err != nil {
		return w.off - start, ioError("header.WriteTo", err)
	}
	if err := w.write(t.Controls()); err != nil {
		return w.off - start, err
	}
	if err := w.write(t.SlotBytes()); err != nil {
		return w.off - start, err
	}
	return w.off - start, nil
}

func dumpBinary[K comparable, V any](w *BinaryWriter, t *table.Table[K, V], logger *slog.Logger) error {
	if err := w.begin(); err != nil {
		return err
	}
	n, err := writeTable(w, t)
	if err == nil {
		err = w.flush()
	}
	recordArchiveOp(archiveBinary, opDump, n, err)
	if err != nil {
		logger.Warn("binary dump failed", "path", w.path, "err", err)
		return err
	}
	logger.Debug("dumped table", "path", w.path, "size", t.Len(), "capacity", t.Cap(), "bytes", n)
	return nil
}

// BinaryReader reads one table (or one ParallelMap) from a file written by a
// BinaryWriter. A reader serves a single Load.
type BinaryReader struct {
	f      *os.File
	r      *bufio.Reader
	path   string
	size   int64
	off    int64
	used   bool
	closed atomic.Bool
}

// NewBinaryReader opens the file at path for reading.
func NewBinaryReader(path string) (*BinaryReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("os.Open", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ioError("f.Stat", err)
	}
	return &BinaryReader{
		f:    f,
		r:    bufio.NewReaderSize(f, defaultBufferSize),
		path: path,
		size: fi.Size(),
	}, nil
}

// Path returns the file the reader was opened on.
func (r *BinaryReader) Path() string {
	return r.path
}

func (r *BinaryReader) begin() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.used {
		return ErrArchiveUsed
	}
	r.used = true
	return nil
}

func (r *BinaryReader) readFull(p []byte) error {
	n, err := io.ReadFull(r.r, p)
	r.off += int64(n)
	if err != nil {
		return ioError("io.ReadFull", err)
	}
	return nil
}

// Close closes the file.
func (r *BinaryReader) Close() error {
	if alreadyClosed := r.closed.Swap(true); alreadyClosed {
		return nil
	}
	if err := r.f.Close(); err != nil {
		return ioError("f.Close", err)
	}
	return nil
}

// readTable rebuilds t from the next table archive in r. On failure t is
// unchanged unless the error wraps table.ErrRelease.
func readTable[K comparable, V any](r *BinaryReader, t *table.Table[K, V]) (int64, error) {
	start := r.off
	var buf [format.HeaderSize]byte
	if err := r.readFull(buf[:]); err != nil {
		return r.off - start, err
	}
	var h format.Header
	if err := h.UnmarshalBytes(buf[:]); err != nil {
		return r.off - start, err
	}
	if err := h.Check(uint32(t.SlotSize())); err != nil {
		return r.off - start, err
	}
	if remaining := r.size - r.off; h.TableBytes() > remaining {
		return r.off - start, ioError(fmt.Sprintf("archive needs %d more bytes, has %d", h.TableBytes(), remaining), io.ErrUnexpectedEOF)
	}

	err := t.Replace(int(h.Capacity), int(h.Size), func(ctrl, slots []byte) error {
		if err := r.readFull(ctrl); err != nil {
			return err
		}
		return r.readFull(slots)
	})
	return r.off - start, err
}

func loadBinary[K comparable, V any](r *BinaryReader, t *table.Table[K, V], logger *slog.Logger) error {
	if err := r.begin(); err != nil {
		return err
	}
	n, err := readTable(r, t)
	err = dropReleaseError(logger, r.path, err)
	recordArchiveOp(archiveBinary, opLoad, n, err)
	if err != nil {
		logger.Warn("binary load failed", "path", r.path, "err", err)
		return err
	}
	logger.Debug("loaded table", "path", r.path, "size", t.Len(), "capacity", t.Cap(), "bytes", n)
	return nil
}
