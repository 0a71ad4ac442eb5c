// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package table

import (
	"fmt"
	"reflect"
)

// mustBePlain panics unless K and V can be copied to and from disk as raw
// bytes. Keys are also hashed as raw bytes, so they must not contain floats
// (distinct encodings compare equal) or padding (unspecified contents).
func mustBePlain[K comparable, V any]() {
	kt := reflect.TypeFor[K]()
	if kt.Size() == 0 {
		panic(fmt.Sprintf("flathash: zero-sized key type %s", kt))
	}
	if err := checkPlain(kt, true); err != nil {
		panic(fmt.Sprintf("flathash: unsupported key type %s: %s", kt, err))
	}
	vt := reflect.TypeFor[V]()
	if err := checkPlain(vt, false); err != nil {
		panic(fmt.Sprintf("flathash: unsupported value type %s: %s", vt, err))
	}
}

func checkPlain(t reflect.Type, key bool) error {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return nil
	case reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		if key {
			return fmt.Errorf("floating point %s", t)
		}
		return nil
	case reflect.Array:
		return checkPlain(t.Elem(), key)
	case reflect.Struct:
		var sum uintptr
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkPlain(f.Type, key); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
			sum += f.Type.Size()
		}
		if key && sum != t.Size() {
			return fmt.Errorf("struct %s has padding", t)
		}
		return nil
	default:
		return fmt.Errorf("%s values contain pointers", t.Kind())
	}
}
