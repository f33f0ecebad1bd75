// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import (
	"errors"

	"nsiproxy.dev/types/logger"
)

// EnumerateRequest is an enumerate-all request.
//
// On input Count is the row capacity of every wanted column. On return it
// is the number of rows the table has: equal to the rows stored on
// success, and larger than the capacity when EnumerateAll reports
// StatusBufferOverflow.
type EnumerateRequest struct {
	Module  ModuleID
	Table   TableID
	First   uint32
	Second  uint32
	Columns [numColumns]ColumnBuf
	Count   int
}

// GetAllRequest is a get-all-parameters request for the row named by Key.
type GetAllRequest struct {
	Module  ModuleID
	Table   TableID
	Key     []byte
	RW      ColumnBuf
	Dynamic ColumnBuf
	Static  ColumnBuf
}

// GetParameterRequest reads len(Data) bytes at Offset of one parameter
// column of the row named by Key.
type GetParameterRequest struct {
	Module ModuleID
	Table  TableID
	Key    []byte
	Class  ParamClass
	Offset int
	Data   []byte
}

// Dispatcher validates requests against each table's declared sizes and
// forwards them to the table provider.
type Dispatcher struct {
	reg  *Registry
	logf logger.Logf
}

// NewDispatcher returns a Dispatcher over reg.
func NewDispatcher(reg *Registry, logf logger.Logf) *Dispatcher {
	if logf == nil {
		logf = logger.Discard
	}
	return &Dispatcher{reg: reg, logf: logger.WithPrefix(logf, "nsi: ")}
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// column validates a caller column against the declared size and returns
// the slice the provider may write, or nil if the column is not produced.
func column(declared int, c ColumnBuf, rows int) ([]byte, error) {
	if declared == 0 || !c.wanted() {
		return nil, nil
	}
	if c.Size != declared {
		return nil, StatusInvalidParameter
	}
	if rows == 0 {
		return []byte{}, nil
	}
	if len(c.Data) < declared*rows {
		return nil, StatusInvalidParameter
	}
	return c.Data[:declared*rows], nil
}

// EnumerateAll enumerates the rows of req's table into req's columns.
func (d *Dispatcher) EnumerateAll(req *EnumerateRequest) error {
	t, err := d.reg.Lookup(req.Module, req.Table)
	if err != nil {
		return err
	}
	if req.Count < 0 {
		return StatusInvalidParameter
	}
	sizes := t.Sizes()
	var cols [numColumns][]byte
	for c := range cols {
		if cols[c], err = column(sizes[c], req.Columns[c], req.Count); err != nil {
			return err
		}
	}
	e, ok := t.(Enumerator)
	if !ok {
		return StatusInvalidParameter
	}
	w := NewRowWriter(sizes, cols, req.Count)
	if err := e.EnumerateAll(req.First, req.Second, w); err != nil {
		return err
	}
	if err := w.Err(); err != nil {
		d.logf("%v/%d: %v", req.Module, req.Table, err)
		return StatusInvalidParameter
	}
	req.Count = w.Total()
	return w.result()
}

// Count returns the number of rows in (mod, table).
func (d *Dispatcher) Count(mod ModuleID, table TableID, first, second uint32) (int, error) {
	req := &EnumerateRequest{Module: mod, Table: table, First: first, Second: second}
	if err := d.EnumerateAll(req); err != nil {
		return 0, err
	}
	return req.Count, nil
}

func (d *Dispatcher) checkKey(t Table, key []byte) error {
	if len(key) != t.Sizes().Key() {
		return StatusInvalidParameter
	}
	return nil
}

// GetAllParameters reads the parameter columns of the row named by req.Key.
func (d *Dispatcher) GetAllParameters(req *GetAllRequest) error {
	t, err := d.reg.Lookup(req.Module, req.Table)
	if err != nil {
		return err
	}
	if err := d.checkKey(t, req.Key); err != nil {
		return err
	}
	sizes := t.Sizes()
	bufs := [numColumns]ColumnBuf{ColumnRW: req.RW, ColumnDynamic: req.Dynamic, ColumnStatic: req.Static}
	var out [numColumns][]byte
	for c := ColumnRW; c < numColumns; c++ {
		if out[c], err = column(sizes[c], bufs[c], 1); err != nil {
			return err
		}
	}
	g, ok := t.(AllGetter)
	if !ok {
		return StatusInvalidParameter
	}
	row, err := g.GetAllParameters(req.Key)
	if err != nil {
		return err
	}
	for c := ColumnRW; c < numColumns; c++ {
		if out[c] == nil {
			continue
		}
		if err := EncodeRecord(out[c], row.column(c)); err != nil {
			d.logf("%v/%d: %v", req.Module, req.Table, err)
			return StatusInvalidParameter
		}
	}
	return nil
}

// GetParameter reads a byte range of one parameter column of the row
// named by req.Key. The result always equals the same range of the column
// returned by GetAllParameters.
func (d *Dispatcher) GetParameter(req *GetParameterRequest) error {
	t, err := d.reg.Lookup(req.Module, req.Table)
	if err != nil {
		return err
	}
	if err := d.checkKey(t, req.Key); err != nil {
		return err
	}
	col, ok := req.Class.Column()
	if !ok {
		return StatusInvalidParameter
	}
	size := t.Sizes()[col]
	if req.Offset < 0 || req.Offset+len(req.Data) > size {
		return StatusInvalidParameter
	}
	if pg, ok := t.(ParameterGetter); ok {
		err := pg.GetParameter(req.Key, req.Class, req.Offset, req.Data)
		if !errors.Is(err, errors.ErrUnsupported) {
			return err
		}
	}
	g, ok := t.(AllGetter)
	if !ok {
		return StatusInvalidParameter
	}
	row, err := g.GetAllParameters(req.Key)
	if err != nil {
		return err
	}
	rec := make([]byte, size)
	if err := EncodeRecord(rec, row.column(col)); err != nil {
		d.logf("%v/%d: %v", req.Module, req.Table, err)
		return StatusInvalidParameter
	}
	copy(req.Data, rec[req.Offset:])
	return nil
}
