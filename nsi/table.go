// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import (
	"encoding/binary"
	"fmt"
)

// Column identifies one of a table's four columns.
type Column int

const (
	ColumnKey Column = iota
	ColumnRW
	ColumnDynamic
	ColumnStatic
	numColumns
)

var columnNames = [numColumns]string{"key", "rw", "dynamic", "static"}

func (c Column) String() string {
	if c >= 0 && c < numColumns {
		return columnNames[c]
	}
	return fmt.Sprintf("column(%d)", int(c))
}

// ParamClass selects a parameter column for GetParameter. The values match
// NSI_PARAM_TYPE.
type ParamClass uint32

const (
	ParamRW      ParamClass = 0
	ParamDynamic ParamClass = 1
	ParamStatic  ParamClass = 2
)

// Column returns the column selected by p, and whether p is valid.
func (p ParamClass) Column() (Column, bool) {
	switch p {
	case ParamRW:
		return ColumnRW, true
	case ParamDynamic:
		return ColumnDynamic, true
	case ParamStatic:
		return ColumnStatic, true
	}
	return 0, false
}

func (p ParamClass) String() string {
	if c, ok := p.Column(); ok {
		return c.String()
	}
	return fmt.Sprintf("param(%d)", uint32(p))
}

// Sizes are a table's declared per-row column sizes in bytes. A zero size
// means the table has no such column.
type Sizes [numColumns]int

// SizesOf returns the Sizes of the given record types. A nil argument
// declares an absent column.
func SizesOf(key, rw, dynamic, static any) Sizes {
	var s Sizes
	for i, v := range [numColumns]any{key, rw, dynamic, static} {
		if v == nil {
			continue
		}
		n := binary.Size(v)
		if n < 0 {
			panic(fmt.Sprintf("nsi: %T is not a fixed-size record", v))
		}
		s[i] = n
	}
	return s
}

func (s Sizes) Key() int     { return s[ColumnKey] }
func (s Sizes) RW() int      { return s[ColumnRW] }
func (s Sizes) Dynamic() int { return s[ColumnDynamic] }
func (s Sizes) Static() int  { return s[ColumnStatic] }

// Row is one table row as Go records. Nil fields encode as zeroes.
type Row struct {
	Key, RW, Dynamic, Static any
}

func (r *Row) column(c Column) any {
	switch c {
	case ColumnKey:
		return r.Key
	case ColumnRW:
		return r.RW
	case ColumnDynamic:
		return r.Dynamic
	case ColumnStatic:
		return r.Static
	}
	return nil
}

// Table is a table provider. Tables implement one or more of Enumerator,
// AllGetter and ParameterGetter; callers of a missing capability get
// StatusInvalidParameter.
//
// Providers may assume that every buffer they are handed matches Sizes.
type Table interface {
	ID() TableID
	Sizes() Sizes
}

// Enumerator is implemented by tables that can list their rows.
//
// EnumerateAll adds every row to w, in a stable order. first and second
// are opaque request arguments with a table-specific meaning.
type Enumerator interface {
	EnumerateAll(first, second uint32, w *RowWriter) error
}

// AllGetter is implemented by tables that can look up one row by key.
//
// GetAllParameters returns StatusNotFound if no row matches key. The
// returned Row's Key field is ignored.
type AllGetter interface {
	GetAllParameters(key []byte) (Row, error)
}

// ParameterGetter is implemented by tables that can read a part of one
// record without building the whole row.
//
// GetParameter fills data with the bytes at offset within the record of
// the given class. It returns errors.ErrUnsupported for ranges it does not
// handle, in which case the Dispatcher slices the result of
// GetAllParameters instead.
type ParameterGetter interface {
	GetParameter(key []byte, class ParamClass, offset int, data []byte) error
}

// DecodeKey decodes a key blob into v, which must be a pointer to a
// fixed-size record.
func DecodeKey(key []byte, v any) error {
	n, err := binary.Decode(key, binary.LittleEndian, v)
	if err != nil || n != len(key) {
		return StatusInvalidParameter
	}
	return nil
}

// EncodeRecord encodes record v into buf, whose length must be exactly the
// encoded size of v. A nil v zero-fills buf.
func EncodeRecord(buf []byte, v any) error {
	if v == nil {
		clear(buf)
		return nil
	}
	n, err := binary.Encode(buf, binary.LittleEndian, v)
	if err != nil {
		return fmt.Errorf("nsi: [unexpected] encoding %T: %w", v, err)
	}
	if n != len(buf) {
		return fmt.Errorf("nsi: [unexpected] %T encodes to %d bytes, column is %d", v, n, len(buf))
	}
	return nil
}

// DecodeRecord decodes buf into the fixed-size record pointed to by v.
func DecodeRecord(buf []byte, v any) error {
	n, err := binary.Decode(buf, binary.LittleEndian, v)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("nsi: record %T is %d bytes, buffer is %d", v, n, len(buf))
	}
	return nil
}
