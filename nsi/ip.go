// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

// Address prefix and suffix origins.
const (
	PrefixOriginOther               = 0
	PrefixOriginManual              = 1
	PrefixOriginWellKnown           = 2
	PrefixOriginDHCP                = 3
	PrefixOriginRouterAdvertisement = 4

	SuffixOriginOther            = 0
	SuffixOriginManual           = 1
	SuffixOriginWellKnown        = 2
	SuffixOriginDHCP             = 3
	SuffixOriginLinkLayerAddress = 4
	SuffixOriginRandom           = 5
)

// Duplicate address detection states.
const (
	DADStateInvalid    = 0
	DADStateTentative  = 1
	DADStateDuplicate  = 2
	DADStateDeprecated = 3
	DADStatePreferred  = 4
)

// Neighbour reachability states.
const (
	NeighbourUnreachable = 0
	NeighbourIncomplete  = 1
	NeighbourProbe       = 2
	NeighbourDelay       = 3
	NeighbourStale       = 4
	NeighbourReachable   = 5
	NeighbourPermanent   = 6
)

// Route protocols (MIB_IPPROTO) and origins.
const (
	RouteProtoOther   = 1
	RouteProtoLocal   = 2
	RouteProtoNetMgmt = 3

	RouteOriginManual              = 0
	RouteOriginWellKnown           = 1
	RouteOriginDHCP                = 2
	RouteOriginRouterAdvertisement = 3
)

// Link-local address behaviours.
const (
	LinkLocalAlwaysOff = 0
	LinkLocalDelayed   = 1
	LinkLocalAlwaysOn  = 2
	LinkLocalUnchanged = ^uint32(0)
)

// InfiniteLifetime is the lifetime of routes and addresses that never expire.
const InfiniteLifetime = ^uint32(0)

// CompartmentRW is the IP compartment read-write record. The compartment
// table is keyed by a uint32 compartment id; only compartment 1 exists.
type CompartmentRW struct {
	NotForwarding uint32
	DefaultTTL    uint32
}

// CompartmentDynamic is the IP compartment dynamic record.
type CompartmentDynamic struct {
	NumInterfaces uint32
	NumRoutes     uint32
	NumAddresses  uint32
}

// ICMPStatsDynamic is the keyless ICMP statistics record, with per-type
// message counts indexed by ICMP type.
type ICMPStatsDynamic struct {
	InMsgs    uint32
	InErrors  uint32
	InTypes   [256]uint32
	OutMsgs   uint32
	OutErrors uint32
	OutTypes  [256]uint32
}

// IPStatsDynamic is the keyless IP statistics dynamic record.
type IPStatsDynamic struct {
	InReceives         uint64
	InOctets           uint64
	ForwardedDatagrams uint64
	InDelivers         uint64
	OutRequests        uint64
	OutOctets          uint64
	InHeaderErrors     uint64
	InAddressErrors    uint64
	InUnknownProtocols uint64
	InDiscards         uint64
	InTruncated        uint64
	ReassemblyRequired uint64
	ReassemblyOK       uint64
	ReassemblyFailed   uint64
	OutNoRoutes        uint64
	OutDiscards        uint64
	FragmentsOK        uint64
	FragmentsFailed    uint64
	FragmentsCreated   uint64
	InMcastPackets     uint64
	InMcastOctets      uint64
	OutMcastPackets    uint64
	OutMcastOctets     uint64
	InBcastPackets     uint64
	OutBcastPackets    uint64
}

// IPStatsStatic is the keyless IP statistics static record.
type IPStatsStatic struct {
	ReassemblyTimeout uint32
}

// IPInterfaceRW is the IP interface read-write record. The IP interface
// table is keyed by LUID.
type IPInterfaceRW struct {
	MTU                      uint32
	SitePrefixLength         uint32
	BaseReachableTime        uint32
	RetransmitTime           uint32
	PathMTUDiscoveryTimeout  uint32
	DADTransmits             uint32
	LinkLocalAddressBehavior uint32
	LinkLocalAddressTimeout  uint32
	Metric                   uint32
	Forwarding               bool
	_                        [3]byte
}

// IPInterfaceDynamic is the IP interface dynamic record.
type IPInterfaceDynamic struct {
	IfIndex       uint32
	Connected     bool
	_             [3]byte
	ReachableTime uint32
}

// IPv4UnicastKey keys the IPv4 unicast address table.
type IPv4UnicastKey struct {
	LUID LUID
	Addr [4]byte
	_    uint32
}

// IPv6UnicastKey keys the IPv6 unicast address table.
type IPv6UnicastKey struct {
	LUID LUID
	Addr [16]byte
}

// UnicastRW is the unicast address read-write record.
type UnicastRW struct {
	PreferredLifetime uint32
	ValidLifetime     uint32
	PrefixOrigin      uint32
	SuffixOrigin      uint32
	OnLinkPrefix      uint32
}

// UnicastDynamic is the unicast address dynamic record.
type UnicastDynamic struct {
	ScopeID  uint32
	DADState uint32
}

// UnicastStatic is the unicast address static record. CreationTime is a
// Windows FILETIME.
type UnicastStatic struct {
	CreationTime uint64
}

// IPv4NeighbourKey keys the IPv4 neighbour table.
type IPv4NeighbourKey struct {
	LUID  LUID
	LUID2 LUID
	Addr  [4]byte
	_     uint32
}

// IPv6NeighbourKey keys the IPv6 neighbour table.
type IPv6NeighbourKey struct {
	LUID  LUID
	LUID2 LUID
	Addr  [16]byte
}

// NeighbourRW is the neighbour read-write record.
type NeighbourRW struct {
	PhysAddr [MaxPhysAddrLen]byte
}

// NeighbourDynamic is the neighbour dynamic record.
type NeighbourDynamic struct {
	State         uint32
	Time          uint32
	IsRouter      bool
	IsUnreachable bool
	PhysAddrLen   uint16
}

// IPv4ForwardKey keys the IPv4 forwarding table.
type IPv4ForwardKey struct {
	Prefix    [4]byte
	PrefixLen uint8
	_         [3]byte
	LUID      LUID
	LUID2     LUID
	NextHop   [4]byte
	_         uint32
}

// IPv6ForwardKey keys the IPv6 forwarding table.
type IPv6ForwardKey struct {
	Prefix    [16]byte
	PrefixLen uint8
	_         [3]byte
	LUID      LUID
	LUID2     LUID
	NextHop   [16]byte
}

// ForwardRW is the forwarding table read-write record.
type ForwardRW struct {
	SitePrefixLen     uint32
	ValidLifetime     uint32
	PreferredLifetime uint32
	Metric            uint32
	Protocol          uint32
	Loopback          bool
	Autoconf          bool
	Publish           bool
	Immortal          bool
}

// ForwardDynamic is the forwarding table dynamic record.
type ForwardDynamic struct {
	Age uint32
}

// ForwardStatic is the forwarding table static record.
type ForwardStatic struct {
	Origin  uint32
	IfIndex uint32
}
