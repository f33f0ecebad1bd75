// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package icmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"nsiproxy.dev/nsi"
)

// Reply statuses (IP_STATUS). A failed ping is a successful Listen whose
// reply carries one of the error statuses.
const (
	IPSuccess             = 0
	IPBufTooSmall         = 11001
	IPDestNetUnreachable  = 11002
	IPDestHostUnreachable = 11003
	IPDestProtUnreachable = 11004
	IPDestPortUnreachable = 11005
	IPNoResources         = 11006
	IPBadOption           = 11007
	IPHWError             = 11008
	IPPacketTooBig        = 11009
	IPReqTimedOut         = 11010
	IPBadReq              = 11011
	IPBadRoute            = 11012
	IPTTLExpiredTransit   = 11013
	IPTTLExpiredReassem   = 11014
	IPParamProblem        = 11015
	IPSourceQuench        = 11016
	IPOptionTooBig        = 11017
	IPBadDestination      = 11018
	IPGeneralFailure      = 11050
)

var statusNames = map[uint32]string{
	IPSuccess:             "success",
	IPBufTooSmall:         "buffer too small",
	IPDestNetUnreachable:  "destination net unreachable",
	IPDestHostUnreachable: "destination host unreachable",
	IPDestProtUnreachable: "destination protocol unreachable",
	IPDestPortUnreachable: "destination port unreachable",
	IPNoResources:         "no resources",
	IPPacketTooBig:        "packet too big",
	IPReqTimedOut:         "request timed out",
	IPTTLExpiredTransit:   "TTL expired in transit",
	IPTTLExpiredReassem:   "TTL expired during reassembly",
	IPParamProblem:        "parameter problem",
	IPSourceQuench:        "source quench",
	IPGeneralFailure:      "general failure",
}

// StatusString returns a description of an IP_STATUS value.
func StatusString(st uint32) string {
	if n, ok := statusNames[st]; ok {
		return n
	}
	return fmt.Sprintf("status %d", st)
}

// Reply is a decoded echo reply.
type Reply struct {
	Addr   netip.Addr // replying host, or the router reporting an error
	Status uint32     // IP_STATUS
	RTT    uint32     // milliseconds
	TTL    uint8
	TOS    uint8
	Flags  uint8 // IP header flags; 0x2 is don't-fragment
	Data   []byte
}

// echoReply32 is ICMP_ECHO_REPLY32.
type echoReply32 struct {
	Addr        [4]byte
	Status      uint32
	RTT         uint32
	DataSize    uint16
	Reserved    uint16
	Data        uint32
	TTL         uint8
	TOS         uint8
	Flags       uint8
	OptionsSize uint8
	OptionsData uint32
}

// echoReply64 is ICMP_ECHO_REPLY with 64-bit pointers.
type echoReply64 struct {
	Addr        [4]byte
	Status      uint32
	RTT         uint32
	DataSize    uint16
	Reserved    uint16
	Data        uint64
	TTL         uint8
	TOS         uint8
	Flags       uint8
	OptionsSize uint8
	_           uint32
	OptionsData uint64
}

var (
	reply32Size = binary.Size(echoReply32{})
	reply64Size = binary.Size(echoReply64{})
)

// ReplySize returns the size of the reply record in the given pointer
// width, or 0 if bits is neither 32 nor 64.
func ReplySize(bits int) int {
	switch bits {
	case 32:
		return reply32Size
	case 64:
		return reply64Size
	}
	return 0
}

// Encode returns r in the reply layout of the given pointer width,
// followed by the reply data. The record's data pointer holds the offset
// of the data within the returned buffer.
//
// If the record itself does not fit in bufSize Encode fails with
// nsi.StatusBufferTooSmall. If only the data does not fit, the reply is
// replaced by one with status IPBufTooSmall and no data.
func (r *Reply) Encode(bits, bufSize int) ([]byte, error) {
	hdr := ReplySize(bits)
	if hdr == 0 {
		return nil, nsi.StatusInvalidParameter
	}
	if bufSize < hdr {
		return nil, nsi.StatusBufferTooSmall
	}
	status, data := r.Status, r.Data
	if hdr+len(data) > bufSize {
		status, data = IPBufTooSmall, nil
	}
	var addr [4]byte
	if r.Addr.Is4() {
		addr = r.Addr.As4()
	}
	var rec any
	if bits == 32 {
		rec = &echoReply32{
			Addr:     addr,
			Status:   status,
			RTT:      r.RTT,
			DataSize: uint16(len(data)),
			Data:     uint32(hdr),
			TTL:      r.TTL,
			TOS:      r.TOS,
			Flags:    r.Flags,
		}
	} else {
		rec = &echoReply64{
			Addr:     addr,
			Status:   status,
			RTT:      r.RTT,
			DataSize: uint16(len(data)),
			Data:     uint64(hdr),
			TTL:      r.TTL,
			TOS:      r.TOS,
			Flags:    r.Flags,
		}
	}
	out := make([]byte, 0, hdr+len(data))
	out, err := binary.Append(out, binary.LittleEndian, rec)
	if err != nil {
		return nil, err
	}
	return append(out, data...), nil
}

// DecodeReply decodes a reply encoded by Encode.
func DecodeReply(b []byte, bits int) (*Reply, error) {
	if hdr := ReplySize(bits); hdr == 0 || len(b) < hdr {
		return nil, nsi.StatusInvalidParameter
	}
	var (
		r       Reply
		addr    [4]byte
		off     uint64
		dataLen int
	)
	if bits == 32 {
		var rec echoReply32
		if _, err := binary.Decode(b, binary.LittleEndian, &rec); err != nil {
			return nil, err
		}
		addr, r.Status, r.RTT, r.TTL, r.TOS, r.Flags = rec.Addr, rec.Status, rec.RTT, rec.TTL, rec.TOS, rec.Flags
		off, dataLen = uint64(rec.Data), int(rec.DataSize)
	} else {
		var rec echoReply64
		if _, err := binary.Decode(b, binary.LittleEndian, &rec); err != nil {
			return nil, err
		}
		addr, r.Status, r.RTT, r.TTL, r.TOS, r.Flags = rec.Addr, rec.Status, rec.RTT, rec.TTL, rec.TOS, rec.Flags
		off, dataLen = rec.Data, int(rec.DataSize)
	}
	r.Addr = netip.AddrFrom4(addr)
	if dataLen > 0 {
		if off > uint64(len(b)) || uint64(len(b))-off < uint64(dataLen) {
			return nil, fmt.Errorf("icmp: reply data [%d,+%d) outside %d-byte buffer", off, dataLen, len(b))
		}
		r.Data = b[off : off+uint64(dataLen)]
	}
	return &r, nil
}
