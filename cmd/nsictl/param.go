// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiclient"
)

var paramArgs struct {
	class string
}

var paramCmd = &ffcli.Command{
	Name:       "param",
	ShortUsage: "nsictl param [--class=rw|dynamic|static] <table> <key> <field>",
	ShortHelp:  "Read one field of one table row",
	LongHelp: strings.TrimSpace(`
The key is a number for tables keyed by an index, a family or a LUID (an
interface name is also accepted for LUIDs), and hex bytes otherwise. The
field may name a nested field with dots, as in "Alias.Length". Without
--class, the first column that has the field is read.
`),
	FlagSet: (func() *flag.FlagSet {
		fs := newFlagSet("param")
		fs.StringVar(&paramArgs.class, "class", "", "parameter column: rw, dynamic or static")
		return fs
	})(),
	Exec: runParam,
}

var paramClasses = []struct {
	name  string
	class nsi.ParamClass
	col   nsi.Column
}{
	{"rw", nsi.ParamRW, nsi.ColumnRW},
	{"dynamic", nsi.ParamDynamic, nsi.ColumnDynamic},
	{"static", nsi.ParamStatic, nsi.ColumnStatic},
}

func runParam(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: nsictl param [--class=rw|dynamic|static] <table> <key> <field>")
	}
	ti, err := findTable(args[0])
	if err != nil {
		return err
	}
	cl := newClient()
	defer cl.Close()
	key, err := parseKey(ctx, cl, ti, args[1])
	if err != nil {
		return err
	}
	field := args[2]

	for _, pc := range paramClasses {
		if paramArgs.class != "" && paramArgs.class != pc.name {
			continue
		}
		rec := ti.recs[pc.col]
		if rec == nil {
			continue
		}
		off, size, err := nsi.FieldRangeOf(rec, field)
		if err != nil {
			continue
		}
		data := make([]byte, size)
		if err := cl.GetParameter(ctx, ti.module, ti.id, key, pc.class, off, data); err != nil {
			return err
		}
		v := reflect.New(fieldType(reflect.TypeOf(rec), field))
		if err := nsi.DecodeRecord(data, v.Interface()); err != nil {
			return err
		}
		fmt.Fprintln(Stdout, formatValue(v.Elem().Interface()))
		return nil
	}
	if paramArgs.class != "" && !validClass(paramArgs.class) {
		return fmt.Errorf("bad --class %q", paramArgs.class)
	}
	return fmt.Errorf("%s has no field %q (fields: %s)", ti.name, field, strings.Join(fieldList(ti), ", "))
}

func validClass(s string) bool {
	for _, pc := range paramClasses {
		if pc.name == s {
			return true
		}
	}
	return false
}

func fieldList(ti *tableInfo) []string {
	var ret []string
	for _, pc := range paramClasses {
		if rec := ti.recs[pc.col]; rec != nil {
			for _, n := range nsi.FieldNames(rec) {
				if n != "_" {
					ret = append(ret, pc.name+"."+n)
				}
			}
		}
	}
	return ret
}

// fieldType returns the type of the dotted field name within t, which
// nsi.FieldRangeOf has already resolved.
func fieldType(t reflect.Type, name string) reflect.Type {
	for part := range strings.SplitSeq(name, ".") {
		f, _ := t.FieldByName(part)
		t = f.Type
	}
	return t
}

// parseKey encodes s as a key of ti.
func parseKey(ctx context.Context, cl *nsiclient.Client, ti *tableInfo, s string) ([]byte, error) {
	var k any
	switch ti.recs[nsi.ColumnKey].(type) {
	case nil:
		if s != "" && s != "-" {
			return nil, fmt.Errorf("%s has no key; use \"-\"", ti.name)
		}
		return nil, nil
	case uint16:
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("bad key %q: %w", s, err)
		}
		k = uint16(n)
	case uint32:
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad key %q: %w", s, err)
		}
		k = uint32(n)
	case nsi.LUID:
		n, err := strconv.ParseUint(s, 0, 64)
		if err == nil {
			k = nsi.LUID(n)
			break
		}
		luid, err := luidByName(ctx, cl, s)
		if err != nil {
			return nil, err
		}
		k = luid
	default:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("bad key %q: %w", s, err)
		}
		if len(b) != ti.sizes().Key() {
			return nil, fmt.Errorf("%s keys are %d bytes, got %d", ti.name, ti.sizes().Key(), len(b))
		}
		return b, nil
	}
	b := make([]byte, ti.sizes().Key())
	return b, nsi.EncodeRecord(b, k)
}

func luidByName(ctx context.Context, cl *nsiclient.Client, name string) (nsi.LUID, error) {
	n, err := interfaceNames(ctx, cl)
	if err != nil {
		return 0, err
	}
	for luid, alias := range n {
		if alias == name {
			return luid, nil
		}
	}
	return 0, fmt.Errorf("no interface %q", name)
}
