// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package nsiclient is the caller side of the NSI device: it builds
// requests, issues them over a Transport and decodes their output.
//
// Most callers want AllocateAndGetTable, which reads a whole table
// without knowing its row count in advance.
package nsiclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/types/logger"
)

const (
	// DefaultInitialRows is the first row capacity AllocateAndGetTable
	// tries.
	DefaultInitialRows = 64
	// DefaultAttempts bounds the enumerations of one AllocateAndGetTable.
	DefaultAttempts = 5
)

// Options configures a Client. The zero value is valid.
type Options struct {
	Logf logger.Logf

	// InitialRows is the first row capacity of AllocateAndGetTable.
	// Zero means DefaultInitialRows.
	InitialRows int
	// Attempts is the number of sized enumerations AllocateAndGetTable
	// makes before failing with nsi.StatusNoMemory. Zero means
	// DefaultAttempts.
	Attempts int
}

// Client issues NSI requests over a Transport. It is safe for concurrent
// use.
type Client struct {
	t        Transport
	logf     logger.Logf
	initial  int
	attempts int
}

// Open returns a Client using t.
func Open(t Transport, opts Options) *Client {
	c := &Client{
		t:        t,
		logf:     logger.WithPrefix(logger.OrDiscard(opts.Logf), "nsiclient: "),
		initial:  opts.InitialRows,
		attempts: opts.Attempts,
	}
	if c.initial <= 0 {
		c.initial = DefaultInitialRows
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	return c
}

// Close releases the transport's resources, if it holds any.
func (c *Client) Close() error {
	if cl, ok := c.t.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// EnumerateParams is an enumerate-all request and its result.
type EnumerateParams struct {
	Module nsi.ModuleID
	Table  nsi.TableID
	First  uint32
	Second uint32
	// Sizes are the record sizes of the wanted columns. A zero size skips
	// the column; all zero asks for the row count only.
	Sizes nsi.Sizes
	// Count is the row capacity on input. On return it is the table's
	// row count, which exceeds the capacity when EnumerateAll returns
	// nsi.StatusBufferOverflow.
	Count int
	// Columns holds the returned rows of each wanted column.
	Columns [4][]byte
}

// EnumerateAll enumerates p's table into p.Columns. When the table has
// more rows than p.Count it returns nsi.StatusBufferOverflow with the
// first p.Count rows stored and p.Count set to the total.
func (c *Client) EnumerateAll(ctx context.Context, p *EnumerateParams) error {
	req := &nsi.EnumerateRequest{
		Module: p.Module,
		Table:  p.Table,
		First:  p.First,
		Second: p.Second,
		Count:  p.Count,
	}
	for col, sz := range p.Sizes {
		req.Columns[col].Size = sz
	}
	capacity := p.Count
	out, err := c.t.Ioctl(ctx, nsi.IoctlEnumerateAll, nsi.MarshalEnumerate(req), nsi.EnumerateOutputSize(p.Sizes, capacity))
	if err != nil && !errors.Is(err, nsi.StatusBufferOverflow) {
		return err
	}
	if len(out) != nsi.EnumerateOutputSize(p.Sizes, capacity) {
		return fmt.Errorf("nsiclient: enumerate output is %d bytes: %w", len(out), nsi.StatusInvalidParameter)
	}
	p.Count = int(binary.LittleEndian.Uint32(out))
	rows := min(p.Count, capacity)
	for col, data := range nsi.SplitEnumerateOutput(out, p.Sizes, capacity) {
		if data != nil {
			p.Columns[col] = data[:rows*p.Sizes[col]]
		} else {
			p.Columns[col] = nil
		}
	}
	return err
}

// Table is a whole table read by AllocateAndGetTable.
type Table struct {
	Module nsi.ModuleID
	ID     nsi.TableID
	Sizes  nsi.Sizes
	Count  int
	// Columns holds Count records of each wanted column, nil for the
	// others.
	Columns [4][]byte
}

// Record returns row i of column col, or nil if col was not read.
func (t *Table) Record(col nsi.Column, i int) []byte {
	sz := t.Sizes[col]
	if t.Columns[col] == nil || i < 0 || i >= t.Count {
		return nil
	}
	return t.Columns[col][i*sz : (i+1)*sz : (i+1)*sz]
}

// grow returns the row capacity to try after a recount of n rows.
func grow(n int) int { return n + n/10 + 16 }

// AllocateAndGetTable reads every row of (mod, table) for the columns with
// non-zero sizes. It guesses a capacity first and, when the table turns
// out larger, recounts and retries with room for further growth. It
// fails with nsi.StatusNoMemory when the table keeps outgrowing its
// buffers.
func (c *Client) AllocateAndGetTable(ctx context.Context, mod nsi.ModuleID, table nsi.TableID, sizes nsi.Sizes) (*Table, error) {
	capacity := c.initial
	for attempt := range c.attempts {
		p := &EnumerateParams{Module: mod, Table: table, Sizes: sizes, Count: capacity}
		err := c.EnumerateAll(ctx, p)
		if err == nil {
			return &Table{Module: mod, ID: table, Sizes: sizes, Count: p.Count, Columns: p.Columns}, nil
		}
		if !errors.Is(err, nsi.StatusBufferOverflow) {
			return nil, err
		}
		count := &EnumerateParams{Module: mod, Table: table}
		if err := c.EnumerateAll(ctx, count); err != nil {
			return nil, err
		}
		capacity = grow(count.Count)
		c.logf("%v/%d: %d rows after attempt %d, retrying with room for %d", mod, table, count.Count, attempt+1, capacity)
	}
	return nil, nsi.StatusNoMemory
}

// FreeTable releases t's column buffers. It accepts a nil table and
// tables whose columns were never read.
func FreeTable(t *Table) {
	if t == nil {
		return
	}
	for col := range t.Columns {
		t.Columns[col] = nil
	}
	t.Count = 0
}

// GetAllParameters reads the rw, dynamic and static records of the row
// named by key into rw, dynamic and static, which must each be empty or
// exactly the column's record size.
func (c *Client) GetAllParameters(ctx context.Context, mod nsi.ModuleID, table nsi.TableID, key, rw, dynamic, static []byte) error {
	in := nsi.MarshalGetAll(&nsi.GetAllRequest{
		Module:  mod,
		Table:   table,
		Key:     key,
		RW:      nsi.ColumnBuf{Size: len(rw)},
		Dynamic: nsi.ColumnBuf{Size: len(dynamic)},
		Static:  nsi.ColumnBuf{Size: len(static)},
	})
	n := len(rw) + len(dynamic) + len(static)
	out, err := c.t.Ioctl(ctx, nsi.IoctlGetAllParameters, in, n)
	if err != nil {
		return err
	}
	if len(out) != n {
		return fmt.Errorf("nsiclient: get-all output is %d bytes: %w", len(out), nsi.StatusInvalidParameter)
	}
	out = out[copy(rw, out):]
	out = out[copy(dynamic, out):]
	copy(static, out)
	return nil
}

// GetParameter reads len(data) bytes at offset of one parameter column of
// the row named by key.
func (c *Client) GetParameter(ctx context.Context, mod nsi.ModuleID, table nsi.TableID, key []byte, class nsi.ParamClass, offset int, data []byte) error {
	in := nsi.MarshalGetParameter(&nsi.GetParameterRequest{
		Module: mod,
		Table:  table,
		Key:    key,
		Class:  class,
		Offset: offset,
		Data:   data,
	})
	out, err := c.t.Ioctl(ctx, nsi.IoctlGetParameter, in, len(data))
	if err != nil {
		return err
	}
	if len(out) != len(data) {
		return fmt.Errorf("nsiclient: get-parameter output is %d bytes: %w", len(out), nsi.StatusInvalidParameter)
	}
	copy(data, out)
	return nil
}
