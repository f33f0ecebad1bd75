// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ip

import (
	"net/netip"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/ndis"
	"nsiproxy.dev/nsiproxy/sysnet"
)

var (
	unicast4Sizes = nsi.SizesOf(nsi.IPv4UnicastKey{}, nsi.UnicastRW{}, nsi.UnicastDynamic{}, nsi.UnicastStatic{})
	unicast6Sizes = nsi.SizesOf(nsi.IPv6UnicastKey{}, nsi.UnicastRW{}, nsi.UnicastDynamic{}, nsi.UnicastStatic{})
)

// addressLifetime is the preferred and valid lifetime reported for every
// address, in milliseconds.
const addressLifetime = 60000

type unicastTable struct{ p *Provider }

func (*unicastTable) ID() nsi.TableID { return nsi.UnicastTable }

func (t *unicastTable) Sizes() nsi.Sizes {
	if t.p.is4() {
		return unicast4Sizes
	}
	return unicast6Sizes
}

func (t *unicastTable) EnumerateAll(_, _ uint32, w *nsi.RowWriter) error {
	ifs, err := t.p.ifs.Interfaces()
	if err != nil {
		return err
	}
	created := t.p.creationTime()
	for i := range ifs {
		e := &ifs[i]
		for _, pfx := range e.Addrs {
			if t.p.ofFamily(pfx.Addr()) {
				w.Add(t.p.unicastRow(e, pfx, created))
			}
		}
	}
	return nil
}

func (t *unicastTable) GetAllParameters(key []byte) (nsi.Row, error) {
	luid, addr, err := t.p.decodeUnicastKey(key)
	if err != nil {
		return nsi.Row{}, err
	}
	e, err := t.p.ifs.ByLUID(luid)
	if err != nil {
		return nsi.Row{}, err
	}
	for _, pfx := range e.Addrs {
		if pfx.Addr() == addr {
			return t.p.unicastRow(&e, pfx, t.p.creationTime()), nil
		}
	}
	return nsi.Row{}, nsi.StatusNotFound
}

func (p *Provider) decodeUnicastKey(key []byte) (nsi.LUID, netip.Addr, error) {
	if p.is4() {
		var k nsi.IPv4UnicastKey
		if err := nsi.DecodeKey(key, &k); err != nil {
			return 0, netip.Addr{}, err
		}
		return k.LUID, netip.AddrFrom4(k.Addr), nil
	}
	var k nsi.IPv6UnicastKey
	if err := nsi.DecodeKey(key, &k); err != nil {
		return 0, netip.Addr{}, err
	}
	return k.LUID, netip.AddrFrom16(k.Addr), nil
}

// creationTime is the FILETIME reported as every address's creation
// time: the system boot time, or zero if unknown.
func (p *Provider) creationTime() uint64 {
	boot, err := p.src.BootTime()
	if err != nil {
		p.logf("boot time: %v", err)
		return 0
	}
	return sysnet.FileTime(boot)
}

func (p *Provider) unicastRow(e *ndis.Entry, pfx netip.Prefix, created uint64) nsi.Row {
	a := pfx.Addr()
	prefixOrigin, suffixOrigin := uint32(nsi.PrefixOriginDHCP), uint32(nsi.SuffixOriginDHCP)
	if e.IsLoopback() {
		prefixOrigin, suffixOrigin = nsi.PrefixOriginManual, nsi.SuffixOriginManual
	}
	r := nsi.Row{
		RW: nsi.UnicastRW{
			PreferredLifetime: addressLifetime,
			ValidLifetime:     addressLifetime,
			PrefixOrigin:      prefixOrigin,
			SuffixOrigin:      suffixOrigin,
			OnLinkPrefix:      uint32(pfx.Bits()),
		},
		Dynamic: nsi.UnicastDynamic{
			ScopeID:  scopeID(a, e.Index),
			DADState: nsi.DADStatePreferred,
		},
		Static: nsi.UnicastStatic{CreationTime: created},
	}
	if p.is4() {
		r.Key = nsi.IPv4UnicastKey{LUID: e.LUID, Addr: a.As4()}
	} else {
		r.Key = nsi.IPv6UnicastKey{LUID: e.LUID, Addr: a.As16()}
	}
	return r
}
