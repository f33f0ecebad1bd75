// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sysnet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"go4.org/mem"
	"nsiproxy.dev/util/lineiter"
)

// Flag values used by the Linux procfs formats.
const (
	RTFUp      = 0x0001
	RTFGateway = 0x0002
	RTFHost    = 0x0004

	ATFCom  = 0x02 // completed entry
	ATFPerm = 0x04 // permanent entry
)

// Route4 is one line of /proc/net/route.
type Route4 struct {
	Iface   string
	Dst     netip.Addr
	Gateway netip.Addr
	Mask    netip.Addr
	Flags   uint32
	Metric  uint32
}

// Route6 is one line of /proc/net/ipv6_route.
type Route6 struct {
	Iface   string
	Dst     netip.Addr
	DstLen  int
	NextHop netip.Addr
	Metric  uint32
	Flags   uint32
}

// ARPEntry is one line of /proc/net/arp.
type ARPEntry struct {
	Addr   netip.Addr
	HWType uint32
	Flags  uint32
	HWAddr net.HardwareAddr
	Iface  string
}

// Socket is one line of /proc/net/{tcp,tcp6,udp,udp6}.
type Socket struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  uint8 // kernel TCP_* state
	Inode  uint64
}

// DevStats is one interface line of /proc/net/dev.
type DevStats struct {
	RxBytes, RxPackets, RxErrors, RxDrops, RxMulticast uint64
	TxBytes, TxPackets, TxErrors, TxDrops              uint64
}

// procV4 parses the little-endian hex IPv4 address format used by
// /proc/net/route and the socket tables, e.g. "0100007F" for 127.0.0.1.
func procV4(m mem.RO) (netip.Addr, error) {
	if m.Len() != 8 {
		return netip.Addr{}, fmt.Errorf("bad IPv4 hex %q", m.StringCopy())
	}
	u, err := mem.ParseUint(m, 16, 32)
	if err != nil {
		return netip.Addr{}, err
	}
	var a [4]byte
	binary.LittleEndian.PutUint32(a[:], uint32(u))
	return netip.AddrFrom4(a), nil
}

// procV6Words parses the socket-table IPv6 format: four 32-bit words,
// each in host (little-endian) byte order.
func procV6Words(m mem.RO) (netip.Addr, error) {
	if m.Len() != 32 {
		return netip.Addr{}, fmt.Errorf("bad IPv6 hex %q", m.StringCopy())
	}
	var a [16]byte
	for i := range 4 {
		u, err := mem.ParseUint(m.Slice(i*8, i*8+8), 16, 32)
		if err != nil {
			return netip.Addr{}, err
		}
		binary.LittleEndian.PutUint32(a[i*4:], uint32(u))
	}
	return netip.AddrFrom16(a), nil
}

// procV6 parses the ipv6_route format: 32 hex digits in network order.
func procV6(m mem.RO) (netip.Addr, error) {
	if m.Len() != 32 {
		return netip.Addr{}, fmt.Errorf("bad IPv6 hex %q", m.StringCopy())
	}
	var a [16]byte
	for i := range 2 {
		u, err := mem.ParseUint(m.Slice(i*16, i*16+16), 16, 64)
		if err != nil {
			return netip.Addr{}, err
		}
		binary.BigEndian.PutUint64(a[i*8:], u)
	}
	return netip.AddrFrom16(a), nil
}

func hexUint32(m mem.RO) uint32 {
	u, err := mem.ParseUint(mem.TrimPrefix(m, mem.S("0x")), 16, 32)
	if err != nil {
		return 0
	}
	return uint32(u)
}

// Routes4 reads /proc/net/route. Malformed lines are skipped.
func (s *Source) Routes4() ([]Route4, error) {
	p, err := s.proc()
	if err != nil {
		return nil, err
	}
	var ret []Route4
	var f []mem.RO
	lineNum := 0
	for line, err := range lineiter.FS(p, "net/route") {
		if err != nil {
			return nil, err
		}
		lineNum++
		if lineNum == 1 {
			continue // header
		}
		f = mem.AppendFields(f[:0], mem.B(line))
		if len(f) < 8 {
			continue
		}
		dst, err1 := procV4(f[1])
		gw, err2 := procV4(f[2])
		mask, err3 := procV4(f[7])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		metric, _ := mem.ParseUint(f[6], 10, 32)
		ret = append(ret, Route4{
			Iface:   f[0].StringCopy(),
			Dst:     dst,
			Gateway: gw,
			Mask:    mask,
			Flags:   hexUint32(f[3]),
			Metric:  uint32(metric),
		})
	}
	return ret, nil
}

// Routes6 reads /proc/net/ipv6_route. Malformed lines are skipped.
func (s *Source) Routes6() ([]Route6, error) {
	p, err := s.proc()
	if err != nil {
		return nil, err
	}
	var ret []Route6
	var f []mem.RO
	for line, err := range lineiter.FS(p, "net/ipv6_route") {
		if err != nil {
			return nil, err
		}
		f = mem.AppendFields(f[:0], mem.B(line))
		if len(f) < 10 {
			continue
		}
		dst, err1 := procV6(f[0])
		next, err2 := procV6(f[4])
		dstLen, err3 := mem.ParseUint(f[1], 16, 8)
		if err1 != nil || err2 != nil || err3 != nil || dstLen > 128 {
			continue
		}
		ret = append(ret, Route6{
			Iface:   f[9].StringCopy(),
			Dst:     dst,
			DstLen:  int(dstLen),
			NextHop: next,
			Metric:  hexUint32(f[5]),
			Flags:   hexUint32(f[8]),
		})
	}
	return ret, nil
}

// ARP reads /proc/net/arp. Malformed lines are skipped.
func (s *Source) ARP() ([]ARPEntry, error) {
	p, err := s.proc()
	if err != nil {
		return nil, err
	}
	var ret []ARPEntry
	var f []mem.RO
	lineNum := 0
	for line, err := range lineiter.FS(p, "net/arp") {
		if err != nil {
			return nil, err
		}
		lineNum++
		if lineNum == 1 {
			continue // header
		}
		f = mem.AppendFields(f[:0], mem.B(line))
		if len(f) < 6 {
			continue
		}
		ip, err := netip.ParseAddr(f[0].StringCopy())
		if err != nil || !ip.Is4() {
			continue
		}
		hw, err := net.ParseMAC(f[3].StringCopy())
		if err != nil {
			hw = nil
		}
		ret = append(ret, ARPEntry{
			Addr:   ip,
			HWType: hexUint32(f[1]),
			Flags:  hexUint32(f[2]),
			HWAddr: hw,
			Iface:  f[5].StringCopy(),
		})
	}
	return ret, nil
}

// Sockets reads a socket table such as "net/tcp" or "net/udp6".
// Malformed lines are skipped.
func (s *Source) Sockets(name string) ([]Socket, error) {
	p, err := s.proc()
	if err != nil {
		return nil, err
	}
	var ret []Socket
	var f []mem.RO
	lineNum := 0
	for line, err := range lineiter.FS(p, name) {
		if err != nil {
			return nil, err
		}
		lineNum++
		if lineNum == 1 {
			continue // header
		}
		f = mem.AppendFields(f[:0], mem.B(line))
		if len(f) < 10 {
			continue
		}
		local, err1 := parseSockAddr(f[1])
		remote, err2 := parseSockAddr(f[2])
		st, err3 := mem.ParseUint(f[3], 16, 8)
		inode, err4 := mem.ParseUint(f[9], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		ret = append(ret, Socket{Local: local, Remote: remote, State: uint8(st), Inode: inode})
	}
	return ret, nil
}

func parseSockAddr(m mem.RO) (netip.AddrPort, error) {
	i := mem.IndexByte(m, ':')
	if i < 0 {
		return netip.AddrPort{}, fmt.Errorf("%q unexpectedly didn't have a colon", m.StringCopy())
	}
	port, err := mem.ParseUint(m.SliceFrom(i+1), 16, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var ip netip.Addr
	if i == 8 {
		ip, err = procV4(m.SliceTo(i))
	} else {
		ip, err = procV6Words(m.SliceTo(i))
	}
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

// NetDev reads /proc/net/dev, keyed by interface name.
func (s *Source) NetDev() (map[string]DevStats, error) {
	p, err := s.proc()
	if err != nil {
		return nil, err
	}
	ret := map[string]DevStats{}
	var f []mem.RO
	for line, err := range lineiter.FS(p, "net/dev") {
		if err != nil {
			return nil, err
		}
		m := mem.B(line)
		i := mem.IndexByte(m, ':')
		if i < 0 {
			continue // header
		}
		name := mem.TrimSpace(m.SliceTo(i)).StringCopy()
		f = mem.AppendFields(f[:0], m.SliceFrom(i+1))
		var v [16]uint64
		for j := range min(len(f), len(v)) {
			v[j], _ = mem.ParseUint(f[j], 10, 64)
		}
		ret[name] = DevStats{
			RxBytes:     v[0],
			RxPackets:   v[1],
			RxErrors:    v[2],
			RxDrops:     v[3],
			RxMulticast: v[7],
			TxBytes:     v[8],
			TxPackets:   v[9],
			TxErrors:    v[10],
			TxDrops:     v[11],
		}
	}
	return ret, nil
}
