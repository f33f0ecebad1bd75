// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package nsi defines the network store interface: a table query protocol
// that multiplexes several network information providers (interfaces,
// addresses, neighbours, routes, TCP and UDP state) behind one request
// surface.
//
// A provider module, named by a ModuleID, owns tables named by a TableID.
// Every table has four fixed-size columns (key, read-write, dynamic and
// static). The Dispatcher enforces that callers pass buffers matching
// those sizes before any provider runs.
package nsi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUID is a Windows GUID in its native field layout.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

func (g GUID) uuid() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:], g.Data1)
	binary.BigEndian.PutUint16(u[4:], g.Data2)
	binary.BigEndian.PutUint16(u[6:], g.Data3)
	copy(u[8:], g.Data4[:])
	return u
}

// String returns g in registry format, "{xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx}".
func (g GUID) String() string {
	return "{" + g.uuid().String() + "}"
}

// IsZero reports whether g is the all-zero GUID.
func (g GUID) IsZero() bool { return g == GUID{} }

// ParseGUID parses s, with or without surrounding braces.
func ParseGUID(s string) (GUID, error) {
	u, err := uuid.Parse(strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}"))
	if err != nil {
		return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	var g GUID
	g.Data1 = binary.BigEndian.Uint32(u[0:])
	g.Data2 = binary.BigEndian.Uint16(u[4:])
	g.Data3 = binary.BigEndian.Uint16(u[6:])
	copy(g.Data4[:], u[8:])
	return g, nil
}

// LUID is a NET_LUID: a locally unique interface identifier packing a
// 24-bit interface index and a 16-bit IANA interface type.
type LUID uint64

// MakeLUID returns the LUID for the interface with the given type and index.
func MakeLUID(ifType uint16, index uint32) LUID {
	return LUID(uint64(index&0xffffff)<<24 | uint64(ifType)<<48)
}

// Index returns the NetLuidIndex field of l.
func (l LUID) Index() uint32 { return uint32(l>>24) & 0xffffff }

// IfType returns the IfType field of l.
func (l LUID) IfType() uint16 { return uint16(l >> 48) }

func (l LUID) String() string {
	return fmt.Sprintf("luid(%d/%d)", l.IfType(), l.Index())
}

type moduleKind uint32

const (
	moduleNone moduleKind = 0
	moduleGUID moduleKind = 1 // MIT_GUID
	moduleLUID moduleKind = 2 // MIT_IF_LUID
)

// ModuleID names a provider module. It is either a GUID or an interface
// LUID. ModuleIDs are comparable with ==, which compares the kind first
// and then the payload.
type ModuleID struct {
	kind moduleKind
	guid GUID
	luid LUID
}

// GUIDModule returns the ModuleID for the module named by g.
func GUIDModule(g GUID) ModuleID { return ModuleID{kind: moduleGUID, guid: g} }

// LUIDModule returns the ModuleID for the module named by l.
func LUIDModule(l LUID) ModuleID { return ModuleID{kind: moduleLUID, luid: l} }

// GUID returns the module's GUID and whether it is GUID-named.
func (m ModuleID) GUID() (GUID, bool) { return m.guid, m.kind == moduleGUID }

// LUID returns the module's LUID and whether it is LUID-named.
func (m ModuleID) LUID() (LUID, bool) { return m.luid, m.kind == moduleLUID }

// IsValid reports whether m was built by GUIDModule or LUIDModule.
func (m ModuleID) IsValid() bool { return m.kind != moduleNone }

func (m ModuleID) String() string {
	switch m.kind {
	case moduleGUID:
		if n, ok := moduleNames[m]; ok {
			return n
		}
		return m.guid.String()
	case moduleLUID:
		return m.luid.String()
	}
	return "invalid-module"
}

// ModuleIDSize is the encoded size of an NPI_MODULEID.
const ModuleIDSize = 24

// AppendBinary appends the NPI_MODULEID encoding of m to b.
func (m ModuleID) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint16(b, ModuleIDSize)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.kind))
	var payload [16]byte
	switch m.kind {
	case moduleGUID:
		if _, err := binary.Encode(payload[:], binary.LittleEndian, m.guid); err != nil {
			return b, err
		}
	case moduleLUID:
		binary.LittleEndian.PutUint64(payload[:], uint64(m.luid))
	}
	return append(b, payload[:]...), nil
}

// DecodeModuleID decodes an NPI_MODULEID from the front of b.
func DecodeModuleID(b []byte) (ModuleID, error) {
	if len(b) < ModuleIDSize || binary.LittleEndian.Uint16(b) != ModuleIDSize {
		return ModuleID{}, StatusInvalidParameter
	}
	payload := b[8:ModuleIDSize]
	switch moduleKind(binary.LittleEndian.Uint32(b[4:])) {
	case moduleGUID:
		var g GUID
		if _, err := binary.Decode(payload, binary.LittleEndian, &g); err != nil {
			return ModuleID{}, StatusInvalidParameter
		}
		return GUIDModule(g), nil
	case moduleLUID:
		return LUIDModule(LUID(binary.LittleEndian.Uint64(payload))), nil
	}
	return ModuleID{}, StatusInvalidParameter
}

// TableID names a table within a module.
type TableID uint32

// TableSentinel terminates a module's table list. It is never dispatchable.
const TableSentinel = ^TableID(0)

func moduleGUIDWithData1(d1 uint32) GUID {
	return GUID{d1, 0x9b1a, 0x11d4, [8]byte{0x91, 0x23, 0x00, 0x50, 0x04, 0x77, 0x59, 0xbc}}
}

// Well-known provider modules.
var (
	NDIS = GUIDModule(moduleGUIDWithData1(0xeb004a11))
	IPv4 = GUIDModule(moduleGUIDWithData1(0xeb004a00))
	IPv6 = GUIDModule(moduleGUIDWithData1(0xeb004a01))
	UDP  = GUIDModule(moduleGUIDWithData1(0xeb004a02))
	TCP  = GUIDModule(moduleGUIDWithData1(0xeb004a03))
)

var moduleNames = map[ModuleID]string{
	NDIS: "ndis",
	IPv4: "ipv4",
	IPv6: "ipv6",
	UDP:  "udp",
	TCP:  "tcp",
}

// ModuleByName returns the well-known module with the given short name
// ("ndis", "ipv4", "ipv6", "tcp", "udp") or a module GUID string.
func ModuleByName(name string) (ModuleID, bool) {
	for m, n := range moduleNames {
		if strings.EqualFold(n, name) {
			return m, true
		}
	}
	g, err := ParseGUID(name)
	if err != nil {
		return ModuleID{}, false
	}
	return GUIDModule(g), true
}

// NDIS tables.
const (
	IfInfoTable    TableID = 0
	IndexLUIDTable TableID = 2
)

// IPv4 and IPv6 tables.
const (
	CompartmentTable TableID = 2
	ICMPStatsTable   TableID = 3
	InterfaceTable   TableID = 4
	IPStatsTable     TableID = 6
	UnicastTable     TableID = 10
	NeighbourTable   TableID = 11
	ForwardTable     TableID = 16
)

// TCP tables.
const (
	TCPStatsTable TableID = 0
	TCPAllTable   TableID = 3
)

// UDP tables.
const (
	UDPStatsTable    TableID = 0
	UDPEndpointTable TableID = 1
)
