// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package sysnet

import (
	"net"
	"net/netip"
)

// New returns the Source for the running system. Only interface
// enumeration is available off Linux; the procfs-backed readers report
// nsi.StatusNotImplemented.
func New(procRoot, sysRoot string) *Source {
	return &Source{Interfaces: netInterfaces}
}

func netInterfaces() ([]Interface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	ret := make([]Interface, 0, len(ifs))
	for _, ifc := range ifs {
		r := Interface{
			Index:        ifc.Index,
			Name:         ifc.Name,
			HardwareAddr: ifc.HardwareAddr,
			MTU:          ifc.MTU,
			Flags:        ifc.Flags,
		}
		r.Type = guessIfType(&r)
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				if ip, ok := netip.AddrFromSlice(ipn.IP); ok {
					ones, _ := ipn.Mask.Size()
					r.Addrs = append(r.Addrs, netip.PrefixFrom(ip.Unmap(), ones))
				}
			}
		}
		ret = append(ret, r)
	}
	return ret, nil
}
