// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bpowers/flathash/internal/format"
	"github.com/bpowers/flathash/internal/mmap"
	"github.com/bpowers/flathash/internal/table"
)

var (
	// ErrIO wraps failures opening, reading, writing, resizing or syncing
	// archive files.
	ErrIO = errors.New("flathash: archive i/o failed")

	// ErrLayout is returned when an archive doesn't match the layout of the
	// table loading it: unknown format version, different slot record size,
	// different shard count, or inconsistent contents.
	ErrLayout = format.ErrLayout

	// ErrUnsupported is returned when memory mapping is requested on a
	// platform without it.
	ErrUnsupported = mmap.ErrUnsupported

	// ErrArchiveUsed is returned when an archive is used for a second dump or load.
	ErrArchiveUsed = errors.New("flathash: archive already used")

	// ErrClosed is returned when using a closed archive.
	ErrClosed = errors.New("flathash: archive closed")

	// ErrNotFound is returned by At for missing keys.
	ErrNotFound = errors.New("flathash: key not found")
)

// ioError wraps err as an ErrIO unless it already carries a layout error.
func ioError(op string, err error) error {
	if errors.Is(err, ErrLayout) || errors.Is(err, ErrIO) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// dropReleaseError logs and discards an error freeing storage a table had
// already stopped using; the load that returned it succeeded.
func dropReleaseError(logger *slog.Logger, path string, err error) error {
	if err != nil && errors.Is(err, table.ErrRelease) {
		logger.Warn("freeing replaced storage failed", "path", path, "err", err)
		return nil
	}
	return err
}
