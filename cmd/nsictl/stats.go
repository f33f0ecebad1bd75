// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/peterbourgon/ff/v3/ffcli"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiclient"
)

var statsCmd = &ffcli.Command{
	Name:       "stats",
	ShortUsage: "nsictl stats [table...]",
	ShortHelp:  "Show protocol statistics",
	LongHelp: `Shows the IP, ICMP, TCP and UDP statistics of both address families,
or only the named statistics tables (see "nsictl tables").`,
	Exec: runStats,
}

type statsQuery struct {
	table string
	key   any // nil for keyless tables
	label string
}

var defaultStats = []statsQuery{
	{"ipv4.ipstats", nil, "ipv4"},
	{"ipv6.ipstats", nil, "ipv6"},
	{"ipv4.icmpstats", nil, "icmp"},
	{"ipv6.icmpstats", nil, "icmp6"},
	{"tcp.stats", uint16(nsi.AFInet), "tcp"},
	{"tcp.stats", uint16(nsi.AFInet6), "tcp6"},
	{"udp.stats", uint16(nsi.AFInet), "udp"},
	{"udp.stats", uint16(nsi.AFInet6), "udp6"},
}

func runStats(ctx context.Context, args []string) error {
	queries := defaultStats
	if len(args) > 0 {
		queries = nil
		for _, name := range args {
			found := false
			for _, q := range defaultStats {
				if q.table == name {
					queries = append(queries, q)
					found = true
				}
			}
			if !found {
				return fmt.Errorf("%q is not a statistics table", name)
			}
		}
	}
	cl := newClient()
	defer cl.Close()
	for _, q := range queries {
		ti, _ := findTable(q.table)
		recs, err := getAll(ctx, cl, ti, q.key)
		if errors.Is(err, nsi.StatusNotSupported) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", q.table, err)
		}
		fmt.Fprintf(Stdout, "%s:\n", q.label)
		for _, r := range recs {
			if r != nil {
				printRecord(Stdout, "\t", reflect.ValueOf(r).Elem())
			}
		}
	}
	return nil
}

// getAll reads the parameter columns of the row of ti named by key. It
// returns a pointer to each decoded record, nil for absent columns.
func getAll(ctx context.Context, cl *nsiclient.Client, ti *tableInfo, key any) ([4]any, error) {
	var recs [4]any
	var bufs [4][]byte
	sizes := ti.sizes()
	if sizes.Key() > 0 {
		bufs[nsi.ColumnKey] = make([]byte, sizes.Key())
		if err := nsi.EncodeRecord(bufs[nsi.ColumnKey], key); err != nil {
			return recs, err
		}
	}
	for _, c := range []nsi.Column{nsi.ColumnRW, nsi.ColumnDynamic, nsi.ColumnStatic} {
		bufs[c] = make([]byte, sizes[c])
	}
	if err := cl.GetAllParameters(ctx, ti.module, ti.id, bufs[nsi.ColumnKey], bufs[nsi.ColumnRW], bufs[nsi.ColumnDynamic], bufs[nsi.ColumnStatic]); err != nil {
		return recs, err
	}
	for _, c := range []nsi.Column{nsi.ColumnRW, nsi.ColumnDynamic, nsi.ColumnStatic} {
		if ti.recs[c] == nil {
			continue
		}
		v := reflect.New(reflect.TypeOf(ti.recs[c])).Interface()
		if err := nsi.DecodeRecord(bufs[c], v); err != nil {
			return recs, err
		}
		recs[c] = v
	}
	return recs, nil
}

// printRecord prints the fields of struct v one per line. Per-type
// counter arrays print only their non-zero entries.
func printRecord(w io.Writer, indent string, v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Name == "_" {
			continue
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Array && fv.Type().Elem().Kind() != reflect.Uint8 {
			for j := range fv.Len() {
				if !fv.Index(j).IsZero() {
					fmt.Fprintf(w, "%s%s[%d]: %v\n", indent, f.Name, j, fv.Index(j))
				}
			}
			continue
		}
		fmt.Fprintf(w, "%s%s: %s\n", indent, f.Name, formatValue(fv.Interface()))
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nsi.CountedString:
		return fmt.Sprintf("%q", v.Value())
	case nsi.PhysAddress:
		return v.HardwareAddr().String()
	case nsi.SockAddrInet:
		return v.AddrPort().String()
	case [4]byte:
		return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}
