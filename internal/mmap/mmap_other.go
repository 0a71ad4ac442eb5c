// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build !unix

package mmap

import (
	"os"
)

// Supported reports whether this platform can memory map files.
const Supported = false

func osMapFile(*os.File, int) ([]byte, error) { return nil, ErrUnsupported }
func osMapAnon(int) ([]byte, error) { return nil, ErrUnsupported }
func osSync([]byte) error { return ErrUnsupported }
func osAdviseRandom([]byte) error { return ErrUnsupported }
func osUnmap([]byte) error { return ErrUnsupported }
