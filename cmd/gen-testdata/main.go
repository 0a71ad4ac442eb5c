// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// gen-testdata writes an archive of a random uint64 -> uint32 map, for
// exercising loaders and inspecting the on-disk layout.
package main

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/alexflint/go-arg"

	"github.com/bpowers/flathash"
)

type args struct {
	Output string `arg:"positional,required" help:"archive path to write"`
	Count  int    `arg:"-n,--count" default:"1000000" help:"number of entries"`
	Mmap   bool   `arg:"--mmap" help:"write an mmap archive instead of a binary one"`
	Shards int    `arg:"--shards" help:"write a ParallelMap with this many shards"`
	Seed   int64  `arg:"--seed" help:"random seed; 0 picks one"`
	Debug  bool   `arg:"--debug" help:"log archive operations"`
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		var seedBytes [8]byte
		_, _ = crand.Read(seedBytes[:])
		seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
	}
	return rand.New(rand.NewSource(seed))
}

type dumper interface {
	Set(k uint64, v uint32) error
	Dump(w *flathash.BinaryWriter) error
	MmapDump(w *flathash.MmapWriter) error
}

func run(flags args, logger *slog.Logger) error {
	opts := []flathash.Option{
		flathash.WithLogger(logger),
		flathash.WithCapacity(flags.Count),
	}

	var m dumper
	if flags.Shards > 0 {
		p, err := flathash.NewParallelMap[uint64, uint32](append(opts, flathash.WithShards(flags.Shards))...)
		if err != nil {
			return fmt.Errorf("NewParallelMap: %w", err)
		}
		m = p
	} else {
		m = flathash.NewMap[uint64, uint32](opts...)
	}

	rng := newRand(flags.Seed)
	for i := 0; i < flags.Count; i++ {
		if err := m.Set(rng.Uint64(), rng.Uint32()); err != nil {
			return fmt.Errorf("Set: %w", err)
		}
	}

	if flags.Mmap {
		w, err := flathash.NewMmapWriter(flags.Output)
		if err != nil {
			return fmt.Errorf("NewMmapWriter: %w", err)
		}
		defer func() { _ = w.Close() }()
		return m.MmapDump(w)
	}

	w, err := flathash.NewBinaryWriter(flags.Output)
	if err != nil {
		return fmt.Errorf("NewBinaryWriter: %w", err)
	}
	if err := m.Dump(w); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func main() {
	var flags args
	arg.MustParse(&flags)

	level := slog.LevelInfo
	if flags.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(flags, logger); err != nil {
		logger.Error("gen-testdata failed", "err", err)
		os.Exit(1)
	}

	if flags.Shards == 0 {
		info, err := flathash.Inspect(flags.Output)
		if err != nil {
			logger.Error("inspect failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("%s: size=%d capacity=%d slot=%dB file=%dB\n", flags.Output, info.Size, info.Capacity, info.SlotSize, info.FileSize)
	}
}
