// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"
)

// FieldRange returns the byte offset and size of the named field within
// the packed encoding of record type T. Nested fields are named with dots,
// as in "Alias.Length".
func FieldRange[T any](name string) (offset, size int) {
	var zero T
	off, sz, err := fieldRange(reflect.TypeOf(zero), name)
	if err != nil {
		panic(err)
	}
	return off, sz
}

// FieldRangeOf is like FieldRange but takes a record value and reports
// unknown names as an error.
func FieldRangeOf(v any, name string) (offset, size int, err error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return fieldRange(t, name)
}

func fieldRange(t reflect.Type, name string) (offset, size int, err error) {
	if t == nil || t.Kind() != reflect.Struct {
		return 0, 0, fmt.Errorf("nsi: %v is not a record type", t)
	}
	first, rest, nested := strings.Cut(name, ".")
	for i := range t.NumField() {
		f := t.Field(i)
		fsize := typeSize(f.Type)
		if fsize < 0 {
			return 0, 0, fmt.Errorf("nsi: %v.%s is not fixed-size", t, f.Name)
		}
		if f.Name != first {
			offset += fsize
			continue
		}
		if !nested {
			return offset, fsize, nil
		}
		in, insz, err := fieldRange(f.Type, rest)
		if err != nil {
			return 0, 0, err
		}
		return offset + in, insz, nil
	}
	return 0, 0, fmt.Errorf("nsi: %v has no field %q", t, first)
}

func typeSize(t reflect.Type) int {
	return binary.Size(reflect.New(t).Elem().Interface())
}

// FieldNames returns the top-level field names of record v in encoding
// order.
func FieldNames(v any) []string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	names := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		names = append(names, t.Field(i).Name)
	}
	return names
}
