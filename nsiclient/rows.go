// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsiclient

import (
	"fmt"

	"nsiproxy.dev/nsi"
)

// Row is a decoded table row. Columns that were not read hold their zero
// value.
type Row[K, RW, D, S any] struct {
	Key     K
	RW      RW
	Dynamic D
	Static  S
}

// Rows decodes every row of t. Each type parameter is the record type of
// its column, or struct{} for a column not read.
func Rows[K, RW, D, S any](t *Table) ([]Row[K, RW, D, S], error) {
	ret := make([]Row[K, RW, D, S], t.Count)
	for i := range ret {
		r := &ret[i]
		for col, v := range [...]any{&r.Key, &r.RW, &r.Dynamic, &r.Static} {
			b := t.Record(nsi.Column(col), i)
			if b == nil {
				continue
			}
			if err := nsi.DecodeRecord(b, v); err != nil {
				return nil, fmt.Errorf("row %d %v: %w", i, nsi.Column(col), err)
			}
		}
	}
	return ret, nil
}
