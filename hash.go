// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-farm"
	"github.com/orisano/wyhash"

	"github.com/bpowers/flathash/internal/unsafebytes"
)

// Hasher hashes the raw bytes of a key. Hashers must be deterministic across
// processes: archives store keys at positions derived from their hash.
type Hasher func(b []byte) uint64

// FarmHash is the default Hasher.
func FarmHash(b []byte) uint64 {
	return farm.Hash64(b)
}

// XXHash hashes keys with XXH64.
func XXHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// WyHash hashes keys with wyhash.
func WyHash(b []byte) uint64 {
	return wyhash.Sum64(0, b)
}

func keyHash[K comparable](h Hasher) func(K) uint64 {
	return func(k K) uint64 {
		return h(unsafebytes.Of(&k))
	}
}
