// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"sync"
)

// Locker guards one shard of a ParallelMap.
type Locker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NullMutex is a Locker that does nothing, for ParallelMaps only ever used
// from a single goroutine.
type NullMutex struct{}

func (NullMutex) Lock()    {}
func (NullMutex) Unlock()  {}
func (NullMutex) RLock()   {}
func (NullMutex) RUnlock() {}

func newRWMutex() Locker {
	return new(sync.RWMutex)
}

func newNullMutex() Locker {
	return NullMutex{}
}

var (
	_ Locker = (*sync.RWMutex)(nil)
	_ Locker = NullMutex{}
)
