// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package icmp

import (
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// packet is a received ICMP message and the IP header fields of its
// datagram that the socket exposes.
type packet struct {
	from  netip.Addr
	ttl   uint8
	tos   uint8
	flags uint8
	msg   []byte // ICMP header and body
}

// conn is a socket strategy for one echo session.
type conn interface {
	// send transmits a marshaled ICMP echo request.
	send(dst netip.Addr, msg []byte) error
	// recv blocks until an ICMP message arrives or the read deadline
	// passes. The returned packet aliases buf.
	recv(buf []byte) (packet, error)
	setReadDeadline(t time.Time) error
	close() error
	// kernelID reports whether the kernel rewrites the echo identifier,
	// so replies can only be matched by sequence number.
	kernelID() bool
}

// sockOpts are the per-session IP options applied to outgoing requests.
type sockOpts struct {
	src netip.Addr // zero for any
	ttl uint8      // zero for the system default
	tos uint8
	df  bool
}

func (o *sockOpts) laddr() string {
	if o.src.IsValid() {
		return o.src.String()
	}
	return "0.0.0.0"
}

// rawConn sends with a hand-built IPv4 header, so TTL, TOS and the
// don't-fragment bit apply per datagram, and receives every ICMP message
// addressed to the host.
type rawConn struct {
	c    *ipv4.RawConn
	opts sockOpts
}

func openRaw(o sockOpts) (*rawConn, error) {
	pc, err := net.ListenPacket("ip4:icmp", o.laddr())
	if err != nil {
		return nil, err
	}
	c, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return &rawConn{c: c, opts: o}, nil
}

func (c *rawConn) send(dst netip.Addr, msg []byte) error {
	ttl := int(c.opts.ttl)
	if ttl == 0 {
		ttl = 128
	}
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TOS:      int(c.opts.tos),
		TotalLen: ipv4.HeaderLen + len(msg),
		TTL:      ttl,
		Protocol: protocolICMP,
		Dst:      dst.AsSlice(),
	}
	if c.opts.src.IsValid() {
		h.Src = c.opts.src.AsSlice()
	}
	if c.opts.df {
		h.Flags = ipv4.DontFragment
	}
	return c.c.WriteTo(h, msg, nil)
}

func (c *rawConn) recv(buf []byte) (packet, error) {
	h, p, _, err := c.c.ReadFrom(buf)
	if err != nil {
		return packet{}, err
	}
	from, _ := netip.AddrFromSlice(h.Src)
	return packet{
		from:  from.Unmap(),
		ttl:   uint8(h.TTL),
		tos:   uint8(h.TOS),
		flags: uint8(h.Flags),
		msg:   p,
	}, nil
}

func (c *rawConn) setReadDeadline(t time.Time) error { return c.c.SetReadDeadline(t) }
func (c *rawConn) close() error                      { return c.c.Close() }
func (c *rawConn) kernelID() bool                    { return false }
