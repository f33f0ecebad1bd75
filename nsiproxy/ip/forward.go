// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ip

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"math/bits"
	"net/netip"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/ndis"
	"nsiproxy.dev/nsiproxy/sysnet"
)

var (
	forward4Sizes = nsi.SizesOf(nsi.IPv4ForwardKey{}, nsi.ForwardRW{}, nsi.ForwardDynamic{}, nsi.ForwardStatic{})
	forward6Sizes = nsi.SizesOf(nsi.IPv6ForwardKey{}, nsi.ForwardRW{}, nsi.ForwardDynamic{}, nsi.ForwardStatic{})
)

// loopbackRouteMetric is the metric of the synthesised IPv4 loopback
// routes, which /proc/net/route does not list.
const loopbackRouteMetric = 256

type forwardTable struct{ p *Provider }

func (*forwardTable) ID() nsi.TableID { return nsi.ForwardTable }

func (t *forwardTable) Sizes() nsi.Sizes {
	if t.p.is4() {
		return forward4Sizes
	}
	return forward6Sizes
}

// route is a forwarding table row before encoding.
type route struct {
	e        *ndis.Entry
	prefix   netip.Prefix
	nextHop  netip.Addr
	metric   uint32
	gateway  bool
	loopback bool
}

func (t *forwardTable) EnumerateAll(_, _ uint32, w *nsi.RowWriter) error {
	ifs, err := t.p.ifs.Interfaces()
	if err != nil {
		return err
	}
	byName := make(map[string]*ndis.Entry, len(ifs))
	for i := range ifs {
		byName[ifs[i].Name] = &ifs[i]
	}
	if t.p.is4() {
		return t.p.routes4(ifs, byName, w)
	}
	return t.p.routes6(byName, w)
}

func (p *Provider) routes4(ifs []ndis.Entry, byName map[string]*ndis.Entry, w *nsi.RowWriter) error {
	for i := range ifs {
		e := &ifs[i]
		if !e.IsLoopback() {
			continue
		}
		for _, pfx := range []netip.Prefix{
			netip.MustParsePrefix("127.0.0.0/8"),
			netip.MustParsePrefix("127.0.0.1/32"),
		} {
			w.Add(p.forwardRow(&route{
				e:        e,
				prefix:   pfx,
				nextHop:  netip.IPv4Unspecified(),
				metric:   loopbackRouteMetric,
				loopback: true,
			}))
		}
		break
	}

	routes, err := p.src.Routes4()
	if err != nil {
		return notSupported(err)
	}
	for _, r := range routes {
		e, ok := byName[r.Iface]
		if !ok {
			continue
		}
		mask := r.Mask.As4()
		ones := bits.OnesCount32(binary.BigEndian.Uint32(mask[:]))
		w.Add(p.forwardRow(&route{
			e:       e,
			prefix:  netip.PrefixFrom(r.Dst, ones),
			nextHop: r.Gateway,
			metric:  r.Metric,
			gateway: r.Flags&sysnet.RTFGateway != 0,
		}))
	}
	return nil
}

func (p *Provider) routes6(byName map[string]*ndis.Entry, w *nsi.RowWriter) error {
	routes, err := p.src.Routes6()
	if errors.Is(err, fs.ErrNotExist) {
		// IPv6 disabled.
		return nil
	}
	if err != nil {
		return notSupported(err)
	}
	for _, r := range routes {
		if r.Flags&sysnet.RTFUp == 0 {
			continue
		}
		e, ok := byName[r.Iface]
		if !ok {
			continue
		}
		w.Add(p.forwardRow(&route{
			e:       e,
			prefix:  netip.PrefixFrom(r.Dst, r.DstLen),
			nextHop: r.NextHop,
			metric:  r.Metric,
			gateway: r.Flags&sysnet.RTFGateway != 0,
		}))
	}
	return nil
}

func (p *Provider) forwardRow(r *route) nsi.Row {
	proto := uint32(nsi.RouteProtoLocal)
	if r.gateway {
		proto = nsi.RouteProtoNetMgmt
	}
	host := r.prefix.Bits() == r.prefix.Addr().BitLen()
	row := nsi.Row{
		RW: nsi.ForwardRW{
			ValidLifetime:     nsi.InfiniteLifetime,
			PreferredLifetime: nsi.InfiniteLifetime,
			Metric:            r.metric,
			Protocol:          proto,
			Loopback:          r.loopback || (!r.gateway && host),
			Autoconf:          true,
			Immortal:          true,
		},
		Dynamic: nsi.ForwardDynamic{},
		Static: nsi.ForwardStatic{
			Origin:  nsi.RouteOriginManual,
			IfIndex: r.e.Index,
		},
	}
	if p.is4() {
		row.Key = nsi.IPv4ForwardKey{
			Prefix:    r.prefix.Addr().As4(),
			PrefixLen: uint8(r.prefix.Bits()),
			LUID:      r.e.LUID,
			LUID2:     r.e.LUID,
			NextHop:   r.nextHop.As4(),
		}
	} else {
		row.Key = nsi.IPv6ForwardKey{
			Prefix:    r.prefix.Addr().As16(),
			PrefixLen: uint8(r.prefix.Bits()),
			LUID:      r.e.LUID,
			LUID2:     r.e.LUID,
			NextHop:   r.nextHop.As16(),
		}
	}
	return row
}
