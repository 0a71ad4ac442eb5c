// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package unsafebytes

import (
	"unsafe"
)

// Of returns a byte slice aliasing the memory of *p.
// SAFETY: T must not contain pointers, and the slice must not outlive *p.
func Of[T any](p *T) []byte {
	var zero T
	n := int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

// FromSlice returns a byte slice aliasing the elements of s.
// SAFETY: T must not contain pointers.
func FromSlice[T any](s []T) []byte {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(s) == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*size)
}

// SliceOf reinterprets b as a slice of T. b must be suitably aligned for T and
// its length a multiple of T's size.
func SliceOf[T any](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/size)
}

// Aligned reports whether b's first byte sits on an align-byte boundary.
func Aligned(b []byte, align uintptr) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))%align == 0
}
