// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ip

import (
	"net/netip"
	"path"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/ndis"
)

var interfaceSizes = nsi.SizesOf(nsi.LUID(0), nsi.IPInterfaceRW{}, nsi.IPInterfaceDynamic{}, nil)

// interfaceTable has one row per interface with an address of the
// module's family. For IPv6 only link-local and loopback addresses count.
type interfaceTable struct{ p *Provider }

func (*interfaceTable) ID() nsi.TableID  { return nsi.InterfaceTable }
func (*interfaceTable) Sizes() nsi.Sizes { return interfaceSizes }

func (t *interfaceTable) EnumerateAll(_, _ uint32, w *nsi.RowWriter) error {
	ifs, err := t.p.ifs.Interfaces()
	if err != nil {
		return err
	}
	for i := range ifs {
		if pfx, ok := t.p.interfaceAddr(&ifs[i]); ok {
			w.Add(t.p.interfaceRow(&ifs[i], pfx))
		}
	}
	return nil
}

func (t *interfaceTable) GetAllParameters(key []byte) (nsi.Row, error) {
	var luid nsi.LUID
	if err := nsi.DecodeKey(key, &luid); err != nil {
		return nsi.Row{}, err
	}
	e, err := t.p.ifs.ByLUID(luid)
	if err != nil {
		return nsi.Row{}, err
	}
	pfx, ok := t.p.interfaceAddr(&e)
	if !ok {
		return nsi.Row{}, nsi.StatusNotFound
	}
	return t.p.interfaceRow(&e, pfx), nil
}

// interfaceAddr returns the address that places e in the interface
// table, if any.
func (p *Provider) interfaceAddr(e *ndis.Entry) (netip.Prefix, bool) {
	for _, pfx := range e.Addrs {
		a := pfx.Addr()
		if !p.ofFamily(a) {
			continue
		}
		if p.is4() || a.IsLinkLocalUnicast() || a.IsLoopback() {
			return pfx, true
		}
	}
	return netip.Prefix{}, false
}

func (p *Provider) interfaceRow(e *ndis.Entry, pfx netip.Prefix) nsi.Row {
	dir := p.ipvN()
	reachable := p.sysctl(path.Join("net", dir, "neigh", e.Name, "base_reachable_time_ms"), 0)

	rw := nsi.IPInterfaceRW{
		MTU:                     uint32(e.MTU),
		SitePrefixLength:        64,
		BaseReachableTime:       reachable,
		RetransmitTime:          1000,
		PathMTUDiscoveryTimeout: 600000,
		Forwarding:              p.sysctl(path.Join("net", dir, "conf", e.Name, "forwarding"), 0) != 0,
	}
	switch {
	case e.IsLoopback():
		rw.DADTransmits = 0
	case p.is4():
		rw.DADTransmits = 3
	default:
		rw.DADTransmits = p.sysctl(path.Join("net/ipv6/conf", e.Name, "dad_transmits"), 1)
		rw.SitePrefixLength = uint32(pfx.Bits())
	}
	if p.is4() {
		rw.LinkLocalAddressBehavior = nsi.LinkLocalDelayed
		rw.LinkLocalAddressTimeout = 6500
	} else {
		rw.LinkLocalAddressBehavior = nsi.LinkLocalAlwaysOn
	}

	dyn := nsi.IPInterfaceDynamic{
		IfIndex:       e.Index,
		Connected:     e.IsRunning(),
		ReachableTime: reachable,
	}
	return nsi.Row{Key: e.LUID, RW: rw, Dynamic: dyn}
}
