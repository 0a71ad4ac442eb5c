// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package flathash provides open-addressing hash sets and maps for plain
// fixed-size keys and values whose in-memory layout can be persisted as is.
//
// Tables can be dumped to and loaded from a streaming binary archive
// (NewBinaryWriter, NewBinaryReader), or from a memory-mapped archive
// (NewMmapWriter, NewMmapReader) whose file is the live storage of the loaded
// table. ParallelMap shards keys across independently locked tables and
// persists every shard.
//
// Archives record the table layout for the build that wrote them: loading an
// archive written with a different key or value type, or on a different
// architecture, fails with ErrLayout or produces garbage. The hash function is
// not recorded; a table must be loaded with the Hasher it was dumped with.
package flathash
