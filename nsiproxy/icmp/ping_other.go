// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package icmp

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// pingConn is an unprivileged ICMP datagram socket. The kernel assigns
// the echo identifier and delivers only replies to this socket's
// requests, without their IP headers. Only the TTL of a reply is
// reported; its TOS reads as zero.
type pingConn struct {
	c *icmp.PacketConn
	p *ipv4.PacketConn
}

func openPing(o sockOpts) (*pingConn, error) {
	c, err := icmp.ListenPacket("udp4", o.laddr())
	if err != nil {
		return nil, err
	}
	p := c.IPv4PacketConn()
	var errs []error
	if o.ttl != 0 {
		errs = append(errs, p.SetTTL(int(o.ttl)))
	}
	if o.tos != 0 {
		errs = append(errs, p.SetTOS(int(o.tos)))
	}
	errs = append(errs, p.SetControlMessage(ipv4.FlagTTL, true))
	if err := errors.Join(errs...); err != nil {
		c.Close()
		return nil, err
	}
	return &pingConn{c: c, p: p}, nil
}

func (c *pingConn) send(dst netip.Addr, msg []byte) error {
	_, err := c.c.WriteTo(msg, &net.UDPAddr{IP: dst.AsSlice()})
	return err
}

func (c *pingConn) recv(buf []byte) (packet, error) {
	n, cm, from, err := c.p.ReadFrom(buf)
	if err != nil {
		return packet{}, err
	}
	pkt := packet{msg: buf[:n]}
	if ua, ok := from.(*net.UDPAddr); ok {
		a, _ := netip.AddrFromSlice(ua.IP)
		pkt.from = a.Unmap()
	}
	if cm != nil {
		pkt.ttl = uint8(cm.TTL)
	}
	return pkt, nil
}

func (c *pingConn) setReadDeadline(t time.Time) error { return c.c.SetReadDeadline(t) }
func (c *pingConn) close() error                      { return c.c.Close() }
func (c *pingConn) kernelID() bool                    { return true }
