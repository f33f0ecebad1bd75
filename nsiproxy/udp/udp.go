// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package udp implements the UDP module: the statistics table and the
// endpoint table.
//
// Endpoint owners come from the Source's OwnerResolver, which may be
// backed by a separate privileged process.
package udp

import (
	"errors"
	"io/fs"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/sysnet"
	"nsiproxy.dev/types/logger"
)

// Provider serves the UDP module.
type Provider struct {
	src  *sysnet.Source
	logf logger.Logf
}

// New returns the UDP provider reading from src.
func New(src *sysnet.Source, logf logger.Logf) *Provider {
	return &Provider{src: src, logf: logger.WithPrefix(logger.OrDiscard(logf), "udp: ")}
}

// Module returns the UDP module.
func (p *Provider) Module() nsi.Module {
	return nsi.Module{
		ID: nsi.UDP,
		Tables: []nsi.Table{
			&statsTable{p},
			&endpointTable{p},
		},
	}
}

var (
	statsSizes    = nsi.SizesOf(uint16(0), nil, nsi.UDPStatsDynamic{}, nil)
	endpointSizes = nsi.SizesOf(nsi.UDPEndpointKey{}, nil, nil, nsi.UDPEndpointStatic{})
)

// endpoints reads the UDP socket table of family. A missing table, as
// when IPv6 is disabled, has no endpoints.
func (p *Provider) endpoints(family uint16) ([]sysnet.Socket, error) {
	var name string
	switch family {
	case nsi.AFInet:
		name = "net/udp"
	case nsi.AFInet6:
		name = "net/udp6"
	default:
		return nil, nsi.StatusNotSupported
	}
	socks, err := p.src.Sockets(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, nsi.StatusOf(err)
	}
	return socks, nil
}

type statsTable struct{ p *Provider }

func (*statsTable) ID() nsi.TableID  { return nsi.UDPStatsTable }
func (*statsTable) Sizes() nsi.Sizes { return statsSizes }

func (t *statsTable) GetAllParameters(key []byte) (nsi.Row, error) {
	var family uint16
	if err := nsi.DecodeKey(key, &family); err != nil {
		return nsi.Row{}, err
	}
	socks, err := t.p.endpoints(family)
	if err != nil {
		return nsi.Row{}, err
	}
	var c sysnet.Counters
	if family == nsi.AFInet {
		snmp, err := t.p.src.SNMP()
		if err != nil {
			return nsi.Row{}, nsi.StatusOf(err)
		}
		c = snmp["Udp"]
	} else {
		all, err := t.p.src.SNMP6()
		if err != nil {
			return nsi.Row{}, nsi.StatusOf(err)
		}
		c = sysnet.Counters{}
		for _, name := range []string{"InDatagrams", "NoPorts", "InErrors", "OutDatagrams"} {
			if v, ok := all["Udp6"+name]; ok {
				c[name] = v
			}
		}
	}
	if len(c) == 0 {
		return nsi.Row{}, nsi.StatusNotSupported
	}
	dyn := nsi.UDPStatsDynamic{
		InDatagrams:  c["InDatagrams"],
		NoPorts:      uint32(c["NoPorts"]),
		InErrors:     uint32(c["InErrors"]),
		OutDatagrams: c["OutDatagrams"],
		NumAddrs:     uint32(len(socks)),
	}
	return nsi.Row{Key: family, Dynamic: dyn}, nil
}

// endpointTable lists the IPv4 and then the IPv6 endpoints.
type endpointTable struct{ p *Provider }

func (*endpointTable) ID() nsi.TableID  { return nsi.UDPEndpointTable }
func (*endpointTable) Sizes() nsi.Sizes { return endpointSizes }

func (t *endpointTable) all() ([]sysnet.Socket, error) {
	v4, err := t.p.endpoints(nsi.AFInet)
	if err != nil {
		return nil, err
	}
	v6, err := t.p.endpoints(nsi.AFInet6)
	if err != nil {
		return nil, err
	}
	return append(v4, v6...), nil
}

func (t *endpointTable) owners(socks []sysnet.Socket) map[uint64]sysnet.Owner {
	owners, err := t.p.src.SocketOwners(socks)
	if err != nil {
		t.p.logf("resolving socket owners: %v", err)
	}
	return owners
}

func (t *endpointTable) EnumerateAll(_, _ uint32, w *nsi.RowWriter) error {
	socks, err := t.all()
	if err != nil {
		return err
	}
	var owners map[uint64]sysnet.Owner
	if w.Wants(nsi.ColumnStatic) {
		owners = t.owners(socks)
	}
	for _, sk := range socks {
		w.Add(endpointRow(sk, owners))
	}
	return nil
}

func (t *endpointTable) GetAllParameters(key []byte) (nsi.Row, error) {
	var k nsi.UDPEndpointKey
	if err := nsi.DecodeKey(key, &k); err != nil {
		return nsi.Row{}, err
	}
	socks, err := t.all()
	if err != nil {
		return nsi.Row{}, err
	}
	want := k.Local.AddrPort()
	for _, sk := range socks {
		if sk.Local == want {
			return endpointRow(sk, t.owners([]sysnet.Socket{sk})), nil
		}
	}
	return nsi.Row{}, nsi.StatusNotFound
}

func endpointRow(sk sysnet.Socket, owners map[uint64]sysnet.Owner) nsi.Row {
	o := owners[sk.Inode]
	return nsi.Row{
		Key: nsi.UDPEndpointKey{Local: nsi.MakeSockAddr(sk.Local, 0)},
		Static: nsi.UDPEndpointStatic{
			PID:        uint32(o.PID),
			CreateTime: sysnet.FileTime(o.Started),
		},
	}
}
