// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

// Interface administrative and operational states.
const (
	IfAdminUp   = 1
	IfAdminDown = 2

	IfOperUp             = 1
	IfOperDown           = 2
	IfOperUnknown        = 4
	IfOperNotPresent     = 6
	IfOperLowerLayerDown = 7
)

// Media connect states.
const (
	MediaConnectUnknown      = 0
	MediaConnectConnected    = 1
	MediaConnectDisconnected = 2
)

// Interface access and connection types.
const (
	IfAccessLoopback     = 1
	IfAccessBroadcast    = 2
	IfAccessPointToPoint = 3

	IfConnectionDedicated = 1
)

// NDIS media and physical medium values.
const (
	MediumIEEE802_3           = 0
	MediumLoopback            = 11
	MediumTunnel              = 15
	PhysicalMediumUnspecified = 0
	PhysicalMediumWirelessLAN = 1
	PhysicalMedium802_3       = 14
)

// IfInfoRW is the NDIS interface-info read-write record.
type IfInfoRW struct {
	NetworkGUID GUID
	AdminStatus uint32
	Alias       CountedString
	PhysAddr    PhysAddress
	_           [2]byte
}

// IfInfoDynamic is the NDIS interface-info dynamic record.
type IfInfoDynamic struct {
	OperStatus        uint32
	Flags             uint32 // IfFlagNotMediaConnected
	MediaConnectState uint32
	MTU               uint32
	XmitSpeed         uint64
	RcvSpeed          uint64
	InErrors          uint64
	InDiscards        uint64
	OutErrors         uint64
	OutDiscards       uint64
	InOctets          uint64
	InUcastPkts       uint64
	InMcastPkts       uint64
	InBcastPkts       uint64
	OutOctets         uint64
	OutUcastPkts      uint64
	OutMcastPkts      uint64
	OutBcastPkts      uint64
	InUcastOctets     uint64
	InMcastOctets     uint64
	InBcastOctets     uint64
	OutUcastOctets    uint64
	OutMcastOctets    uint64
	OutBcastOctets    uint64
}

const IfFlagNotMediaConnected = 1 << 1

// IfInfoStatic is the NDIS interface-info static record.
type IfInfoStatic struct {
	IfIndex          uint32
	Description      CountedString
	Type             uint32
	AccessType       uint32
	ConnectionType   uint32
	IfGUID           GUID
	ConnectorPresent uint16
	PermPhysAddr     PhysAddress
	Flags            uint32 // IfStaticFlagHardware, IfStaticFlagFilter
	MediaType        uint32
	PhysicalMedium   uint32
}

const (
	IfStaticFlagHardware = 1 << 0
	IfStaticFlagFilter   = 1 << 1
)

// IndexLUIDStatic is the static record of the index-to-LUID table, which
// is keyed by a uint32 interface index.
type IndexLUIDStatic struct {
	LUID LUID
}
