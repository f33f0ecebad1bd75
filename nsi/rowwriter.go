// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import "fmt"

// ColumnBuf is a caller-supplied output column: Size is the per-row record
// size the caller expects and Data holds room for the row capacity.
// A zero Size means the caller does not want the column.
type ColumnBuf struct {
	Data []byte
	Size int
}

func (c ColumnBuf) wanted() bool { return c.Size != 0 }

// RowWriter lays enumerated rows out into up to four column arrays.
//
// Row i of column c occupies cols[c][i*size : (i+1)*size]. Rows beyond the
// writer's capacity are counted but not stored, so that Total reports how
// many rows the table really has.
type RowWriter struct {
	sizes    Sizes
	cols     [numColumns][]byte // nil for columns not produced
	capacity int
	total    int
	err      error
}

// NewRowWriter returns a RowWriter storing up to capacity rows of a table
// with the given sizes. cols[c] must be nil or exactly sizes[c]*capacity
// bytes long.
func NewRowWriter(sizes Sizes, cols [numColumns][]byte, capacity int) *RowWriter {
	w := &RowWriter{sizes: sizes, capacity: capacity}
	for c, b := range cols {
		if b == nil || sizes[c] == 0 {
			continue
		}
		if len(b) != sizes[c]*capacity {
			panic(fmt.Sprintf("nsi: %v column has %d bytes, want %d", Column(c), len(b), sizes[c]*capacity))
		}
		w.cols[c] = b
	}
	return w
}

// CountingWriter returns a RowWriter that stores nothing and only counts.
func CountingWriter(sizes Sizes) *RowWriter {
	return &RowWriter{sizes: sizes}
}

// WantsData reports whether any column is being produced.
func (w *RowWriter) WantsData() bool {
	for _, b := range w.cols {
		if b != nil {
			return true
		}
	}
	return false
}

// Wants reports whether column c is being produced.
func (w *RowWriter) Wants(c Column) bool { return w.cols[c] != nil }

// Full reports whether further rows will only be counted.
func (w *RowWriter) Full() bool { return !w.WantsData() || w.total >= w.capacity }

// Add appends a row. Nil records zero-fill their column.
func (w *RowWriter) Add(r Row) {
	i := w.total
	w.total++
	if i >= w.capacity || w.err != nil {
		return
	}
	for c, b := range w.cols {
		if b == nil {
			continue
		}
		size := w.sizes[c]
		if err := EncodeRecord(b[i*size:(i+1)*size], r.column(Column(c))); err != nil {
			w.err = err
			return
		}
	}
}

// Total returns the number of rows added so far.
func (w *RowWriter) Total() int { return w.total }

// Err returns the first record encoding failure, if any.
func (w *RowWriter) Err() error { return w.err }

// result returns the enumeration status for the rows added.
func (w *RowWriter) result() error {
	if w.err != nil {
		return w.err
	}
	if w.WantsData() && w.total > w.capacity {
		return StatusBufferOverflow
	}
	return nil
}
