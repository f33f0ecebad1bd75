// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

// Additional TCP tables; they share the records of TCPAllTable and list
// only established or only listening connections.
const (
	TCPEstablishedTable TableID = 4
	TCPListenTable      TableID = 5
)

// TCP connection states (MIB_TCP_STATE).
const (
	TCPStateClosed    = 1
	TCPStateListen    = 2
	TCPStateSynSent   = 3
	TCPStateSynRcvd   = 4
	TCPStateEstab     = 5
	TCPStateFinWait1  = 6
	TCPStateFinWait2  = 7
	TCPStateCloseWait = 8
	TCPStateClosing   = 9
	TCPStateLastAck   = 10
	TCPStateTimeWait  = 11
	TCPStateDeleteTCB = 12
)

// TCP retransmission timeout algorithms.
const (
	TCPRtoOther    = 1
	TCPRtoConstant = 2
	TCPRtoRSRE     = 3
	TCPRtoVanJ     = 4
)

// TCPStatsDynamic is the TCP statistics dynamic record. The statistics
// tables are keyed by a uint16 address family.
type TCPStatsDynamic struct {
	ActiveOpens  uint32
	PassiveOpens uint32
	AttemptFails uint32
	EstabResets  uint32
	CurrEstab    uint32
	InSegs       uint64
	OutSegs      uint64
	RetransSegs  uint32
	InErrs       uint32
	OutRsts      uint32
	NumConns     uint32
}

// TCPStatsStatic is the TCP statistics static record.
type TCPStatsStatic struct {
	RtoAlgorithm uint32
	RtoMin       uint32
	RtoMax       uint32
	MaxConns     uint32
}

// TCPConnKey keys the TCP connection tables.
type TCPConnKey struct {
	Local  SockAddrInet
	Remote SockAddrInet
}

// TCPConnDynamic is the TCP connection dynamic record.
type TCPConnDynamic struct {
	State uint32
}

// TCPConnStatic is the TCP connection static record. CreateTime is a
// Windows FILETIME, zero when unknown.
type TCPConnStatic struct {
	PID        uint32
	CreateTime uint64
	ModInfo    uint64
}

// UDPStatsDynamic is the UDP statistics dynamic record.
type UDPStatsDynamic struct {
	InDatagrams  uint64
	NoPorts      uint32
	InErrors     uint32
	OutDatagrams uint64
	NumAddrs     uint32
}

// UDPEndpointKey keys the UDP endpoint table.
type UDPEndpointKey struct {
	Local SockAddrInet
}

// UDPEndpointStatic is the UDP endpoint static record.
type UDPEndpointStatic struct {
	PID        uint32
	CreateTime uint64
	Flags      uint32
	ModInfo    uint64
}
