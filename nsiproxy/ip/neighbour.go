// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ip

import (
	"net"
	"net/netip"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/ndis"
	"nsiproxy.dev/nsiproxy/sysnet"
)

var (
	neighbour4Sizes = nsi.SizesOf(nsi.IPv4NeighbourKey{}, nsi.NeighbourRW{}, nsi.NeighbourDynamic{}, nil)
	neighbour6Sizes = nsi.SizesOf(nsi.IPv6NeighbourKey{}, nsi.NeighbourRW{}, nsi.NeighbourDynamic{}, nil)
)

// alwaysMulticast are IPv4 multicast groups that have a permanent
// neighbour entry on every interface.
var alwaysMulticast = [...]netip.Addr{
	netip.AddrFrom4([4]byte{224, 0, 0, 22}),
	netip.AddrFrom4([4]byte{239, 255, 255, 250}),
}

type neighbourTable struct{ p *Provider }

func (*neighbourTable) ID() nsi.TableID { return nsi.NeighbourTable }

func (t *neighbourTable) Sizes() nsi.Sizes {
	if t.p.is4() {
		return neighbour4Sizes
	}
	return neighbour6Sizes
}

// neighbour is a neighbour row before encoding.
type neighbour struct {
	e           *ndis.Entry
	addr        netip.Addr
	hw          net.HardwareAddr
	state       uint32
	router      bool
	unreachable bool
}

func (t *neighbourTable) EnumerateAll(_, _ uint32, w *nsi.RowWriter) error {
	ifs, err := t.p.ifs.Interfaces()
	if err != nil {
		return err
	}
	if t.p.is4() {
		return t.p.neighbours4(ifs, w)
	}
	return t.p.neighbours6(ifs, w)
}

func (p *Provider) neighbours4(ifs []ndis.Entry, w *nsi.RowWriter) error {
	arp, err := p.src.ARP()
	if err != nil {
		return notSupported(err)
	}
	byName := make(map[string]*ndis.Entry, len(ifs))
	for i := range ifs {
		byName[ifs[i].Name] = &ifs[i]
	}
	// seen records which alwaysMulticast groups each interface already has.
	seen := make(map[uint32]uint8, len(ifs))
	for _, a := range arp {
		e, ok := byName[a.Iface]
		if !ok {
			continue
		}
		n := neighbour{e: e, addr: a.Addr, hw: a.HWAddr}
		switch {
		case a.Flags&sysnet.ATFPerm != 0:
			n.state = nsi.NeighbourPermanent
		case a.Flags&sysnet.ATFCom != 0:
			n.state = nsi.NeighbourReachable
		default:
			n.state = nsi.NeighbourStale
		}
		n.unreachable = a.Flags&(sysnet.ATFPerm|sysnet.ATFCom) == 0
		for i, m := range alwaysMulticast {
			if m == a.Addr {
				seen[e.Index] |= 1 << i
			}
		}
		w.Add(p.neighbourRow(&n))
	}
	for i := range ifs {
		e := &ifs[i]
		for j, m := range alwaysMulticast {
			if seen[e.Index]&(1<<j) != 0 {
				continue
			}
			w.Add(p.neighbourRow(&neighbour{e: e, addr: m, state: nsi.NeighbourPermanent}))
		}
	}
	return nil
}

func (p *Provider) neighbours6(ifs []ndis.Entry, w *nsi.RowWriter) error {
	list, err := p.src.ListNeighbours(nsi.AFInet6)
	if err != nil {
		return notSupported(err)
	}
	byIndex := make(map[int]*ndis.Entry, len(ifs))
	for i := range ifs {
		byIndex[int(ifs[i].Index)] = &ifs[i]
	}
	for _, nb := range list {
		e, ok := byIndex[nb.IfIndex]
		if !ok || !p.ofFamily(nb.Addr) {
			continue
		}
		w.Add(p.neighbourRow(&neighbour{
			e:           e,
			addr:        nb.Addr,
			hw:          nb.HWAddr,
			state:       nb.State,
			router:      nb.IsRouter,
			unreachable: nb.State == nsi.NeighbourUnreachable || nb.State == nsi.NeighbourIncomplete,
		}))
	}
	return nil
}

func (p *Provider) neighbourRow(n *neighbour) nsi.Row {
	var rw nsi.NeighbourRW
	hwLen := 0
	if len(n.hw) <= len(rw.PhysAddr) {
		hwLen = copy(rw.PhysAddr[:], n.hw)
	}
	r := nsi.Row{
		RW: rw,
		Dynamic: nsi.NeighbourDynamic{
			State:         n.state,
			IsRouter:      n.router,
			IsUnreachable: n.unreachable,
			PhysAddrLen:   uint16(hwLen),
		},
	}
	if p.is4() {
		r.Key = nsi.IPv4NeighbourKey{LUID: n.e.LUID, LUID2: n.e.LUID, Addr: n.addr.As4()}
	} else {
		r.Key = nsi.IPv6NeighbourKey{LUID: n.e.LUID, LUID2: n.e.LUID, Addr: n.addr.As16()}
	}
	return r
}
