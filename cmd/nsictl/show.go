// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"

	"github.com/peterbourgon/ff/v3/ffcli"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiclient"
)

var familyArgs struct {
	family string
}

// familyCommand returns a command that runs exec once per selected address
// family.
func familyCommand(name, help string, exec func(context.Context, *nsiclient.Client, names, bool) error) *ffcli.Command {
	return &ffcli.Command{
		Name:       name,
		ShortUsage: "nsictl " + name + " [--family=4|6|all]",
		ShortHelp:  help,
		FlagSet: (func() *flag.FlagSet {
			fs := newFlagSet(name)
			fs.StringVar(&familyArgs.family, "family", "all", "address family: 4, 6 or all")
			return fs
		})(),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments to 'nsictl %s'", name)
			}
			var v4, v6 bool
			switch familyArgs.family {
			case "4":
				v4 = true
			case "6":
				v6 = true
			case "all":
				v4, v6 = true, true
			default:
				return fmt.Errorf("bad --family %q", familyArgs.family)
			}
			cl := newClient()
			defer cl.Close()
			n, err := interfaceNames(ctx, cl)
			if err != nil {
				return err
			}
			if v4 {
				if err := exec(ctx, cl, n, false); err != nil {
					return err
				}
			}
			if v6 {
				return exec(ctx, cl, n, true)
			}
			return nil
		},
	}
}

func count(ctx context.Context, cl *nsiclient.Client, mod nsi.ModuleID, id nsi.TableID) (int, error) {
	p := &nsiclient.EnumerateParams{Module: mod, Table: id}
	err := cl.EnumerateAll(ctx, p)
	return p.Count, err
}

// names maps interface LUIDs to their aliases.
type names map[nsi.LUID]string

func (n names) of(luid nsi.LUID) string {
	if s, ok := n[luid]; ok {
		return s
	}
	return luid.String()
}

func interfaceNames(ctx context.Context, cl *nsiclient.Client) (names, error) {
	t, err := cl.AllocateAndGetTable(ctx, nsi.NDIS, nsi.IfInfoTable, nsi.SizesOf(nsi.LUID(0), nsi.IfInfoRW{}, nil, nil))
	if err != nil {
		return nil, err
	}
	defer nsiclient.FreeTable(t)
	rows, err := nsiclient.Rows[nsi.LUID, nsi.IfInfoRW, struct{}, struct{}](t)
	if err != nil {
		return nil, err
	}
	n := names{}
	for _, r := range rows {
		n[r.Key] = r.RW.Alias.Value()
	}
	return n, nil
}

var interfacesCmd = &ffcli.Command{
	Name:       "interfaces",
	ShortUsage: "nsictl interfaces",
	ShortHelp:  "Show network interfaces",
	Exec:       runInterfaces,
}

var ifOperStatus = map[uint32]string{
	nsi.IfOperUp:   "up",
	nsi.IfOperDown: "down",
}

func runInterfaces(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return errors.New("unexpected arguments to 'nsictl interfaces'")
	}
	cl := newClient()
	defer cl.Close()
	sizes := nsi.SizesOf(nsi.LUID(0), nsi.IfInfoRW{}, nsi.IfInfoDynamic{}, nsi.IfInfoStatic{})
	t, err := cl.AllocateAndGetTable(ctx, nsi.NDIS, nsi.IfInfoTable, sizes)
	if err != nil {
		return err
	}
	defer nsiclient.FreeTable(t)
	rows, err := nsiclient.Rows[nsi.LUID, nsi.IfInfoRW, nsi.IfInfoDynamic, nsi.IfInfoStatic](t)
	if err != nil {
		return err
	}
	w, flush := tableWriter()
	fmt.Fprintln(w, "INDEX\tNAME\tTYPE\tSTATE\tMTU\tADDRESS\tSPEED\tGUID\tDESCRIPTION")
	for _, r := range rows {
		state := ifOperStatus[r.Dynamic.OperStatus]
		if state == "" {
			state = fmt.Sprint(r.Dynamic.OperStatus)
		}
		if r.RW.AdminStatus != nsi.IfAdminUp {
			state = "admin-down"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%v\t%s\t%v\t%s\n",
			r.Static.IfIndex, r.RW.Alias.Value(), r.Static.Type, state, r.Dynamic.MTU,
			r.RW.PhysAddr.HardwareAddr(), speed(r.Dynamic.XmitSpeed), r.Static.IfGUID, r.Static.Description.Value())
	}
	return flush()
}

func speed(bps uint64) string {
	switch {
	case bps == 0:
		return "-"
	case bps >= 1_000_000_000 && bps%1_000_000_000 == 0:
		return fmt.Sprintf("%dG", bps/1_000_000_000)
	default:
		return fmt.Sprintf("%dM", bps/1_000_000)
	}
}

var addrsCmd = familyCommand("addrs", "Show unicast addresses", runAddrs)

var dadStates = map[uint32]string{
	nsi.DADStateInvalid:    "invalid",
	nsi.DADStateTentative:  "tentative",
	nsi.DADStateDuplicate:  "duplicate",
	nsi.DADStateDeprecated: "deprecated",
	nsi.DADStatePreferred:  "preferred",
}

func runAddrs(ctx context.Context, cl *nsiclient.Client, n names, v6 bool) error {
	type addr struct {
		luid nsi.LUID
		ip   netip.Addr
		rw   nsi.UnicastRW
		dyn  nsi.UnicastDynamic
	}
	var addrs []addr
	if v6 {
		rows, err := allRows[nsi.IPv6UnicastKey, nsi.UnicastRW, nsi.UnicastDynamic, nsi.UnicastStatic](ctx, cl, nsi.IPv6, nsi.UnicastTable)
		if err != nil {
			return err
		}
		for _, r := range rows {
			addrs = append(addrs, addr{r.Key.LUID, netip.AddrFrom16(r.Key.Addr), r.RW, r.Dynamic})
		}
	} else {
		rows, err := allRows[nsi.IPv4UnicastKey, nsi.UnicastRW, nsi.UnicastDynamic, nsi.UnicastStatic](ctx, cl, nsi.IPv4, nsi.UnicastTable)
		if err != nil {
			return err
		}
		for _, r := range rows {
			addrs = append(addrs, addr{r.Key.LUID, netip.AddrFrom4(r.Key.Addr), r.RW, r.Dynamic})
		}
	}
	w, flush := tableWriter()
	for _, a := range addrs {
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", n.of(a.luid), netip.PrefixFrom(a.ip, int(a.rw.OnLinkPrefix)), dadStates[a.dyn.DADState], lifetime(a.rw.ValidLifetime))
	}
	return flush()
}

func lifetime(secs uint32) string {
	if secs == nsi.InfiniteLifetime {
		return "forever"
	}
	return fmt.Sprintf("%ds", secs)
}

// allRows reads and decodes every row of a table.
func allRows[K, RW, D, S any](ctx context.Context, cl *nsiclient.Client, mod nsi.ModuleID, id nsi.TableID) ([]nsiclient.Row[K, RW, D, S], error) {
	var k K
	var rw RW
	var d D
	var s S
	t, err := cl.AllocateAndGetTable(ctx, mod, id, nsi.SizesOf(k, rw, d, s))
	if err != nil {
		return nil, fmt.Errorf("%v/%d: %w", mod, id, err)
	}
	defer nsiclient.FreeTable(t)
	return nsiclient.Rows[K, RW, D, S](t)
}

var routesCmd = familyCommand("routes", "Show the forwarding table", runRoutes)

func runRoutes(ctx context.Context, cl *nsiclient.Client, n names, v6 bool) error {
	type route struct {
		dst     netip.Prefix
		nextHop netip.Addr
		luid    nsi.LUID
		rw      nsi.ForwardRW
	}
	var routes []route
	if v6 {
		rows, err := allRows[nsi.IPv6ForwardKey, nsi.ForwardRW, nsi.ForwardDynamic, nsi.ForwardStatic](ctx, cl, nsi.IPv6, nsi.ForwardTable)
		if err != nil {
			return err
		}
		for _, r := range rows {
			dst := netip.PrefixFrom(netip.AddrFrom16(r.Key.Prefix), int(r.Key.PrefixLen))
			routes = append(routes, route{dst, netip.AddrFrom16(r.Key.NextHop), r.Key.LUID, r.RW})
		}
	} else {
		rows, err := allRows[nsi.IPv4ForwardKey, nsi.ForwardRW, nsi.ForwardDynamic, nsi.ForwardStatic](ctx, cl, nsi.IPv4, nsi.ForwardTable)
		if err != nil {
			return err
		}
		for _, r := range rows {
			dst := netip.PrefixFrom(netip.AddrFrom4(r.Key.Prefix), int(r.Key.PrefixLen))
			routes = append(routes, route{dst, netip.AddrFrom4(r.Key.NextHop), r.Key.LUID, r.RW})
		}
	}
	w, flush := tableWriter()
	for _, r := range routes {
		via := "-"
		if !r.nextHop.IsUnspecified() {
			via = r.nextHop.String()
		}
		fmt.Fprintf(w, "%v\t%s\t%s\t%d\n", r.dst, via, n.of(r.luid), r.rw.Metric)
	}
	return flush()
}

var neighboursCmd = familyCommand("neighbours", "Show the neighbour (ARP/NDP) cache", runNeighbours)

var neighbourStates = map[uint32]string{
	nsi.NeighbourUnreachable: "unreachable",
	nsi.NeighbourIncomplete:  "incomplete",
	nsi.NeighbourProbe:       "probe",
	nsi.NeighbourDelay:       "delay",
	nsi.NeighbourStale:       "stale",
	nsi.NeighbourReachable:   "reachable",
	nsi.NeighbourPermanent:   "permanent",
}

func runNeighbours(ctx context.Context, cl *nsiclient.Client, n names, v6 bool) error {
	type neighbour struct {
		ip   netip.Addr
		luid nsi.LUID
		rw   nsi.NeighbourRW
		dyn  nsi.NeighbourDynamic
	}
	var ns []neighbour
	if v6 {
		rows, err := allRows[nsi.IPv6NeighbourKey, nsi.NeighbourRW, nsi.NeighbourDynamic, struct{}](ctx, cl, nsi.IPv6, nsi.NeighbourTable)
		if err != nil {
			return err
		}
		for _, r := range rows {
			ns = append(ns, neighbour{netip.AddrFrom16(r.Key.Addr), r.Key.LUID, r.RW, r.Dynamic})
		}
	} else {
		rows, err := allRows[nsi.IPv4NeighbourKey, nsi.NeighbourRW, nsi.NeighbourDynamic, struct{}](ctx, cl, nsi.IPv4, nsi.NeighbourTable)
		if err != nil {
			return err
		}
		for _, r := range rows {
			ns = append(ns, neighbour{netip.AddrFrom4(r.Key.Addr), r.Key.LUID, r.RW, r.Dynamic})
		}
	}
	w, flush := tableWriter()
	for _, nb := range ns {
		hw := net.HardwareAddr(nb.rw.PhysAddr[:min(int(nb.dyn.PhysAddrLen), len(nb.rw.PhysAddr))])
		flags := ""
		if nb.dyn.IsRouter {
			flags = "router"
		}
		fmt.Fprintf(w, "%v\t%s\t%v\t%s\t%s\n", nb.ip, n.of(nb.luid), hw, neighbourStates[nb.dyn.State], flags)
	}
	return flush()
}
