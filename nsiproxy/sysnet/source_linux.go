// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sysnet

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/safchain/ethtool"
	"github.com/tailscale/netlink"
	"golang.org/x/sys/unix"
	"nsiproxy.dev/nsi"
)

// New returns the Source for the running system. procRoot and sysRoot
// default to /proc and /sys when empty.
func New(procRoot, sysRoot string) *Source {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	s := &Source{
		Proc:       os.DirFS(procRoot),
		Sys:        os.DirFS(sysRoot),
		Neighbours: netlinkNeighbours,
		DriverName: ethtoolDriverName,
	}
	s.Interfaces = s.netInterfaces
	s.Owners = &ProcOwners{Proc: s.Proc}
	return s
}

// netInterfaces lists interfaces with the standard library and fills in
// the link type from sysfs.
func (s *Source) netInterfaces() ([]Interface, error) {
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
		if t, err := s.SysUint(filepath.Join("class/net", ifc.Name, "type")); err == nil {
			r.Type = ifTypeOfARPHRD(uint16(t))
		} else {
			r.Type = guessIfType(&r)
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			return nil, fmt.Errorf("addresses of %s: %w", ifc.Name, err)
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			ones, _ := ipn.Mask.Size()
			r.Addrs = append(r.Addrs, netip.PrefixFrom(ip.Unmap(), ones))
		}
		ret = append(ret, r)
	}
	return ret, nil
}

func netlinkNeighbours(family uint16) ([]Neighbour, error) {
	nlFamily := netlink.FAMILY_V4
	if family == nsi.AFInet6 {
		nlFamily = netlink.FAMILY_V6
	}
	dump, err := netlink.NeighList(0, nlFamily)
	if err != nil {
		return nil, fmt.Errorf("netlink neighbour dump: %w", err)
	}
	ret := make([]Neighbour, 0, len(dump))
	for _, n := range dump {
		ip, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ret = append(ret, Neighbour{
			IfIndex:  n.LinkIndex,
			Addr:     ip.Unmap(),
			HWAddr:   n.HardwareAddr,
			State:    nudState(n.State),
			IsRouter: n.Flags&unix.NTF_ROUTER != 0,
		})
	}
	return ret, nil
}

// nudState maps a kernel NUD_* state to a neighbour state.
func nudState(nud int) uint32 {
	switch {
	case nud&(netlink.NUD_PERMANENT|netlink.NUD_NOARP) != 0:
		return nsi.NeighbourPermanent
	case nud&netlink.NUD_REACHABLE != 0:
		return nsi.NeighbourReachable
	case nud&netlink.NUD_STALE != 0:
		return nsi.NeighbourStale
	case nud&netlink.NUD_DELAY != 0:
		return nsi.NeighbourDelay
	case nud&netlink.NUD_PROBE != 0:
		return nsi.NeighbourProbe
	case nud&netlink.NUD_INCOMPLETE != 0:
		return nsi.NeighbourIncomplete
	default:
		return nsi.NeighbourUnreachable
	}
}

func ethtoolDriverName(ifName string) (string, error) {
	e, err := ethtool.NewEthtool()
	if err != nil {
		return "", fmt.Errorf("ethtool init: %w", err)
	}
	defer e.Close()
	return e.DriverName(ifName)
}

// ifTypeOfARPHRD maps a Linux ARPHRD_* link type to an IANA ifType.
func ifTypeOfARPHRD(t uint16) uint16 {
	switch t {
	case unix.ARPHRD_ETHER, unix.ARPHRD_EETHER:
		return nsi.IfTypeEthernetCSMACD
	case unix.ARPHRD_LOOPBACK:
		return nsi.IfTypeSoftwareLoopback
	case unix.ARPHRD_PPP:
		return nsi.IfTypePPP
	case unix.ARPHRD_IEEE80211, unix.ARPHRD_IEEE80211_PRISM, unix.ARPHRD_IEEE80211_RADIOTAP:
		return nsi.IfTypeIEEE80211
	case unix.ARPHRD_IEEE1394:
		return nsi.IfTypeIEEE1394
	case unix.ARPHRD_TUNNEL, unix.ARPHRD_TUNNEL6, unix.ARPHRD_SIT, unix.ARPHRD_IPGRE, unix.ARPHRD_NONE:
		return nsi.IfTypeTunnel
	}
	return nsi.IfTypeOther
}
