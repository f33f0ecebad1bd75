// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package icmp

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// pingConn is an unprivileged ICMP datagram socket. The kernel assigns
// the echo identifier and delivers only replies to this socket's
// requests, without their IP headers; their TTL and TOS arrive as
// ancillary data.
type pingConn struct {
	u   *net.UDPConn
	oob []byte
}

func openPing(o sockOpts) (*pingConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	sa := &unix.SockaddrInet4{}
	if o.src.IsValid() {
		sa.Addr = o.src.As4()
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	f := os.NewFile(uintptr(fd), "icmp ping socket")
	pc, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	u, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errors.New("icmp: ping socket is not a datagram conn")
	}

	p := ipv4.NewPacketConn(u)
	var errs []error
	if o.ttl != 0 {
		errs = append(errs, p.SetTTL(int(o.ttl)))
	}
	if o.tos != 0 {
		errs = append(errs, p.SetTOS(int(o.tos)))
	}
	errs = append(errs, enableAncillary(u))
	if err := errors.Join(errs...); err != nil {
		u.Close()
		return nil, err
	}
	return newPingConn(u), nil
}

func newPingConn(u *net.UDPConn) *pingConn {
	return &pingConn{u: u, oob: make([]byte, 2*unix.CmsgSpace(4))}
}

// enableAncillary asks for the TTL and TOS of received datagrams.
func enableAncillary(u *net.UDPConn) error {
	rc, err := u.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = rc.Control(func(fd uintptr) {
		serr = errors.Join(
			unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTTL, 1),
			unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTOS, 1),
		)
	})
	if err != nil {
		return err
	}
	return os.NewSyscallError("setsockopt", serr)
}

// parseAncillary returns the IP_TTL and IP_TOS values in oob, or zero for
// those absent.
func parseAncillary(oob []byte) (ttl, tos uint8) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, 0
	}
	for _, m := range msgs {
		if m.Header.Level != unix.IPPROTO_IP || len(m.Data) == 0 {
			continue
		}
		switch m.Header.Type {
		case unix.IP_TTL:
			if len(m.Data) >= 4 {
				ttl = uint8(binary.NativeEndian.Uint32(m.Data))
			}
		case unix.IP_TOS:
			tos = m.Data[0]
		}
	}
	return ttl, tos
}

func (c *pingConn) send(dst netip.Addr, msg []byte) error {
	_, err := c.u.WriteTo(msg, &net.UDPAddr{IP: dst.AsSlice()})
	return err
}

func (c *pingConn) recv(buf []byte) (packet, error) {
	n, oobn, _, from, err := c.u.ReadMsgUDPAddrPort(buf, c.oob)
	if err != nil {
		return packet{}, err
	}
	pkt := packet{from: from.Addr().Unmap(), msg: buf[:n]}
	pkt.ttl, pkt.tos = parseAncillary(c.oob[:oobn])
	return pkt, nil
}

func (c *pingConn) setReadDeadline(t time.Time) error { return c.u.SetReadDeadline(t) }
func (c *pingConn) close() error                      { return c.u.Close() }
func (c *pingConn) kernelID() bool                    { return true }
