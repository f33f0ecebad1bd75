// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ip implements the IPv4 and IPv6 modules: compartment, ICMP and IP
// statistics, IP interface, unicast address, neighbour and forwarding
// tables.
package ip

import (
	"fmt"
	"net/netip"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/ndis"
	"nsiproxy.dev/nsiproxy/sysnet"
	"nsiproxy.dev/types/logger"
)

// Provider serves the tables of one IP module.
type Provider struct {
	family uint16 // nsi.AFInet or nsi.AFInet6
	mod    nsi.ModuleID
	ifs    *ndis.Cache
	src    *sysnet.Source
	logf   logger.Logf
}

// New returns the provider for the IP module of family, which must be
// nsi.AFInet or nsi.AFInet6.
func New(family uint16, ifs *ndis.Cache, logf logger.Logf) *Provider {
	p := &Provider{family: family, ifs: ifs, src: ifs.Source()}
	switch family {
	case nsi.AFInet:
		p.mod = nsi.IPv4
		p.logf = logger.WithPrefix(logger.OrDiscard(logf), "ipv4: ")
	case nsi.AFInet6:
		p.mod = nsi.IPv6
		p.logf = logger.WithPrefix(logger.OrDiscard(logf), "ipv6: ")
	default:
		panic(fmt.Sprintf("ip: bad family %d", family))
	}
	return p
}

// Module returns the module served by p.
func (p *Provider) Module() nsi.Module {
	return nsi.Module{
		ID: p.mod,
		Tables: []nsi.Table{
			&compartmentTable{p},
			&icmpStatsTable{p},
			&ipStatsTable{p},
			&interfaceTable{p},
			&unicastTable{p},
			&neighbourTable{p},
			&forwardTable{p},
		},
	}
}

func (p *Provider) is4() bool { return p.family == nsi.AFInet }

// ipvN returns the per-family sysctl directory name, "ipv4" or "ipv6".
func (p *Provider) ipvN() string {
	if p.is4() {
		return "ipv4"
	}
	return "ipv6"
}

func (p *Provider) ofFamily(a netip.Addr) bool {
	if p.is4() {
		return a.Is4()
	}
	return a.Is6() && !a.Is4In6()
}

// sysctl reads an integer sysctl, returning def if it is missing.
func (p *Provider) sysctl(path string, def uint32) uint32 {
	v, err := p.src.SysctlUint(path)
	if err != nil {
		return def
	}
	return uint32(v)
}

// scopeID returns the sin6_scope_id of an address on the interface with
// index ifIndex: the index for link-local addresses, otherwise zero.
func scopeID(a netip.Addr, ifIndex uint32) uint32 {
	if a.Is6() && (a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast()) {
		return ifIndex
	}
	return 0
}
