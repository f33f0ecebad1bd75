// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	"nsiproxy.dev/nsi"
)

// tableInfo describes a known table: its name and a zero record of each
// column, nil for absent columns.
type tableInfo struct {
	name   string
	module nsi.ModuleID
	id     nsi.TableID
	recs   [4]any
}

func (ti *tableInfo) sizes() nsi.Sizes {
	return nsi.SizesOf(ti.recs[0], ti.recs[1], ti.recs[2], ti.recs[3])
}

func ipTables(prefix string, mod nsi.ModuleID, unicastKey, neighbourKey, forwardKey any) []tableInfo {
	return []tableInfo{
		{prefix + ".compartment", mod, nsi.CompartmentTable, [4]any{uint32(0), nsi.CompartmentRW{}, nsi.CompartmentDynamic{}, nil}},
		{prefix + ".icmpstats", mod, nsi.ICMPStatsTable, [4]any{nil, nil, nsi.ICMPStatsDynamic{}, nil}},
		{prefix + ".interface", mod, nsi.InterfaceTable, [4]any{nsi.LUID(0), nsi.IPInterfaceRW{}, nsi.IPInterfaceDynamic{}, nil}},
		{prefix + ".ipstats", mod, nsi.IPStatsTable, [4]any{nil, nil, nsi.IPStatsDynamic{}, nsi.IPStatsStatic{}}},
		{prefix + ".unicast", mod, nsi.UnicastTable, [4]any{unicastKey, nsi.UnicastRW{}, nsi.UnicastDynamic{}, nsi.UnicastStatic{}}},
		{prefix + ".neighbour", mod, nsi.NeighbourTable, [4]any{neighbourKey, nsi.NeighbourRW{}, nsi.NeighbourDynamic{}, nil}},
		{prefix + ".forward", mod, nsi.ForwardTable, [4]any{forwardKey, nsi.ForwardRW{}, nsi.ForwardDynamic{}, nsi.ForwardStatic{}}},
	}
}

func tcpConnTable(name string, id nsi.TableID) tableInfo {
	return tableInfo{name, nsi.TCP, id, [4]any{nsi.TCPConnKey{}, nil, nsi.TCPConnDynamic{}, nsi.TCPConnStatic{}}}
}

var catalog = func() []tableInfo {
	ts := []tableInfo{
		{"ndis.ifinfo", nsi.NDIS, nsi.IfInfoTable, [4]any{nsi.LUID(0), nsi.IfInfoRW{}, nsi.IfInfoDynamic{}, nsi.IfInfoStatic{}}},
		{"ndis.index_luid", nsi.NDIS, nsi.IndexLUIDTable, [4]any{uint32(0), nil, nil, nsi.IndexLUIDStatic{}}},
	}
	ts = append(ts, ipTables("ipv4", nsi.IPv4, nsi.IPv4UnicastKey{}, nsi.IPv4NeighbourKey{}, nsi.IPv4ForwardKey{})...)
	ts = append(ts, ipTables("ipv6", nsi.IPv6, nsi.IPv6UnicastKey{}, nsi.IPv6NeighbourKey{}, nsi.IPv6ForwardKey{})...)
	return append(ts,
		tableInfo{"tcp.stats", nsi.TCP, nsi.TCPStatsTable, [4]any{uint16(0), nil, nsi.TCPStatsDynamic{}, nsi.TCPStatsStatic{}}},
		tcpConnTable("tcp.all", nsi.TCPAllTable),
		tcpConnTable("tcp.established", nsi.TCPEstablishedTable),
		tcpConnTable("tcp.listen", nsi.TCPListenTable),
		tableInfo{"udp.stats", nsi.UDP, nsi.UDPStatsTable, [4]any{uint16(0), nil, nsi.UDPStatsDynamic{}, nil}},
		tableInfo{"udp.endpoint", nsi.UDP, nsi.UDPEndpointTable, [4]any{nsi.UDPEndpointKey{}, nil, nil, nsi.UDPEndpointStatic{}}},
	)
}()

func findTable(name string) (*tableInfo, error) {
	for i := range catalog {
		if strings.EqualFold(catalog[i].name, name) {
			return &catalog[i], nil
		}
	}
	return nil, fmt.Errorf("unknown table %q; see 'nsictl tables'", name)
}

var tablesCmd = &ffcli.Command{
	Name:       "tables",
	ShortUsage: "nsictl tables",
	ShortHelp:  "List known tables and their row counts",
	Exec:       runTables,
}

func runTables(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return errors.New("unexpected arguments to 'nsictl tables'")
	}
	cl := newClient()
	defer cl.Close()
	w, flush := tableWriter()
	fmt.Fprintln(w, "TABLE\tMODULE\tID\tSIZES\tROWS")
	for _, ti := range catalog {
		rows := "-"
		n, err := count(ctx, cl, ti.module, ti.id)
		switch {
		case err == nil:
			rows = fmt.Sprint(n)
		case errors.Is(err, nsi.StatusInvalidParameter):
			// Not enumerable.
		default:
			return fmt.Errorf("%s: %w", ti.name, err)
		}
		sz := ti.sizes()
		fmt.Fprintf(w, "%s\t%v\t%d\t%d/%d/%d/%d\t%s\n", ti.name, ti.module, ti.id, sz.Key(), sz.RW(), sz.Dynamic(), sz.Static(), rows)
	}
	return flush()
}
