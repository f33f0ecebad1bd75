// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import (
	"encoding/binary"
	"net"
	"net/netip"
	"unicode/utf16"
)

// Address families as seen by NSI clients.
const (
	AFUnspec = 0
	AFInet   = 2
	AFInet6  = 23
)

// IANA interface types.
const (
	IfTypeOther            = 1
	IfTypeEthernetCSMACD   = 6
	IfTypePPP              = 23
	IfTypeSoftwareLoopback = 24
	IfTypeIEEE80211        = 71
	IfTypeTunnel           = 131
	IfTypeIEEE1394         = 144
)

// MaxPhysAddrLen is IF_MAX_PHYS_ADDRESS_LENGTH.
const MaxPhysAddrLen = 32

// CountedString is an IF_COUNTED_STRING: a UTF-16 string whose Length is
// in bytes, excluding the terminating NUL.
type CountedString struct {
	Length uint16
	String [257]uint16
}

// NewCountedString returns s as a CountedString, truncated to fit.
func NewCountedString(s string) CountedString {
	var cs CountedString
	u := utf16.Encode([]rune(s))
	n := copy(cs.String[:len(cs.String)-1], u)
	cs.Length = uint16(n * 2)
	return cs
}

// Value returns the string held by cs.
func (cs CountedString) Value() string {
	n := min(int(cs.Length/2), len(cs.String))
	return string(utf16.Decode(cs.String[:n]))
}

// PhysAddress is an IF_PHYSICAL_ADDRESS.
type PhysAddress struct {
	Length  uint16
	Address [MaxPhysAddrLen]byte
}

// NewPhysAddress returns hw as a PhysAddress.
func NewPhysAddress(hw net.HardwareAddr) PhysAddress {
	var p PhysAddress
	p.Length = uint16(copy(p.Address[:], hw))
	return p
}

// HardwareAddr returns the address held by p.
func (p PhysAddress) HardwareAddr() net.HardwareAddr {
	n := min(int(p.Length), len(p.Address))
	return net.HardwareAddr(p.Address[:n:n])
}

// SockAddrInet is a SOCKADDR_INET. The port is in network byte order.
// For AFInet the address occupies Data[0:4]; for AFInet6 Data holds the
// flow info, the address and the scope id.
type SockAddrInet struct {
	Family uint16
	Port   [2]byte
	Data   [24]byte
}

// MakeSockAddr returns ap as a SockAddrInet. scope is ignored for IPv4.
func MakeSockAddr(ap netip.AddrPort, scope uint32) SockAddrInet {
	var s SockAddrInet
	binary.BigEndian.PutUint16(s.Port[:], ap.Port())
	a := ap.Addr()
	switch {
	case a.Is4():
		s.Family = AFInet
		v4 := a.As4()
		copy(s.Data[0:4], v4[:])
	case a.Is6():
		s.Family = AFInet6
		v6 := a.As16()
		copy(s.Data[4:20], v6[:])
		binary.LittleEndian.PutUint32(s.Data[20:], scope)
	}
	return s
}

// AddrPort returns the address and port held by s.
func (s SockAddrInet) AddrPort() netip.AddrPort {
	port := binary.BigEndian.Uint16(s.Port[:])
	switch s.Family {
	case AFInet:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(s.Data[0:4])), port)
	case AFInet6:
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(s.Data[4:20])), port)
	}
	return netip.AddrPort{}
}

// ScopeID returns the IPv6 scope id of s.
func (s SockAddrInet) ScopeID() uint32 {
	if s.Family != AFInet6 {
		return 0
	}
	return binary.LittleEndian.Uint32(s.Data[20:])
}

// FamilyOf returns the NSI address family of the IP module m, or AFUnspec.
func FamilyOf(m ModuleID) uint16 {
	switch m {
	case IPv4:
		return AFInet
	case IPv6:
		return AFInet6
	}
	return AFUnspec
}
