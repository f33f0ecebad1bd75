// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ip

import (
	"nsiproxy.dev/nsi"
)

var compartmentSizes = nsi.SizesOf(uint32(0), nsi.CompartmentRW{}, nsi.CompartmentDynamic{}, nil)

// compartmentTable has a single row, compartment 1.
type compartmentTable struct{ p *Provider }

func (*compartmentTable) ID() nsi.TableID  { return nsi.CompartmentTable }
func (*compartmentTable) Sizes() nsi.Sizes { return compartmentSizes }

func (t *compartmentTable) GetAllParameters(key []byte) (nsi.Row, error) {
	var id uint32
	if err := nsi.DecodeKey(key, &id); err != nil {
		return nsi.Row{}, err
	}
	if id != 1 {
		return nsi.Row{}, nsi.StatusNotSupported
	}
	p := t.p
	var rw nsi.CompartmentRW
	if p.is4() {
		rw.NotForwarding = boolUint32(p.sysctl("net/ipv4/conf/default/forwarding", 1) == 0)
		rw.DefaultTTL = p.sysctl("net/ipv4/ip_default_ttl", 0)
	} else {
		rw.NotForwarding = boolUint32(p.sysctl("net/ipv6/conf/default/forwarding", 1) == 0)
		rw.DefaultTTL = p.sysctl("net/ipv6/conf/default/hop_limit", 0)
	}

	var dyn nsi.CompartmentDynamic
	if ifs, err := p.ifs.Interfaces(); err == nil {
		dyn.NumInterfaces = uint32(len(ifs))
	}
	dyn.NumRoutes = uint32(p.count(&forwardTable{p}))
	dyn.NumAddresses = uint32(p.count(&unicastTable{p}))
	return nsi.Row{Key: id, RW: rw, Dynamic: dyn}, nil
}

// count returns the number of rows of a sibling table, or 0 if it cannot
// be enumerated.
func (p *Provider) count(t interface {
	nsi.Table
	nsi.Enumerator
}) int {
	w := nsi.CountingWriter(t.Sizes())
	if err := t.EnumerateAll(0, 0, w); err != nil {
		p.logf("counting table %d: %v", t.ID(), err)
		return 0
	}
	return w.Total()
}

func boolUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
