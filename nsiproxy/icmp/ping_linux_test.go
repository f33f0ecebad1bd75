// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package icmp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

func cmsg(level, typ int32, data []byte) []byte {
	b := make([]byte, unix.CmsgSpace(len(data)))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(len(data)))
	copy(b[unix.CmsgLen(0):], data)
	return b
}

func TestParseAncillary(t *testing.T) {
	ttl := binary.NativeEndian.AppendUint32(nil, 57)
	tests := []struct {
		name string
		oob  []byte
		ttl  uint8
		tos  uint8
	}{
		{"both", append(cmsg(unix.IPPROTO_IP, unix.IP_TTL, ttl), cmsg(unix.IPPROTO_IP, unix.IP_TOS, []byte{0x28})...), 57, 0x28},
		{"tos-only", cmsg(unix.IPPROTO_IP, unix.IP_TOS, []byte{0xb8}), 0, 0xb8},
		{"other-level", cmsg(unix.SOL_SOCKET, unix.IP_TOS, []byte{0x28}), 0, 0},
		{"short-ttl", cmsg(unix.IPPROTO_IP, unix.IP_TTL, []byte{1}), 0, 0},
		{"empty", nil, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ttl, tos := parseAncillary(tt.oob)
			if ttl != tt.ttl || tos != tt.tos {
				t.Errorf("parseAncillary = ttl %d tos %#x; want ttl %d tos %#x", ttl, tos, tt.ttl, tt.tos)
			}
		})
	}
}

// TestPingConnAncillary reads through pingConn's receive path on a UDP
// socket, which reports TTL and TOS the same way a ping socket does.
func TestPingConnAncillary(t *testing.T) {
	u, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if err := enableAncillary(u); err != nil {
		u.Close()
		t.Fatal(err)
	}
	c := newPingConn(u)
	defer c.close()

	w, err := net.Dial("udp4", u.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	wc := ipv4.NewConn(w)
	if err := wc.SetTTL(33); err != nil {
		t.Fatal(err)
	}
	if err := wc.SetTOS(0x28); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("reply")); err != nil {
		t.Fatal(err)
	}

	c.setReadDeadline(time.Now().Add(5 * time.Second))
	pkt, err := c.recv(make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}
	if string(pkt.msg) != "reply" || !pkt.from.IsLoopback() {
		t.Errorf("packet = %q from %v", pkt.msg, pkt.from)
	}
	if pkt.ttl != 33 || pkt.tos != 0x28 {
		t.Errorf("ttl %d tos %#x; want 33 0x28", pkt.ttl, pkt.tos)
	}
}
