// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsiclient

import (
	"context"
	"math"
	"net/netip"
	"time"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/icmp"
)

// Handle names an echo session on the device.
type Handle uint32

// EchoRequest is an ICMP echo to send.
type EchoRequest struct {
	Source       netip.Addr // optional
	Dest         netip.Addr
	TTL          uint8
	TOS          uint8
	DontFragment bool
	Data         []byte
}

func sockAddr(a netip.Addr) nsi.SockAddrInet {
	if !a.IsValid() {
		return nsi.SockAddrInet{}
	}
	return nsi.MakeSockAddr(netip.AddrPortFrom(a, 0), 0)
}

// SendEcho sends r and returns the handle to Listen on for its reply.
func (c *Client) SendEcho(ctx context.Context, r *EchoRequest) (Handle, error) {
	if !r.Dest.IsValid() {
		return 0, nsi.StatusInvalidParameter
	}
	req := &nsi.EchoRequest{
		Source: sockAddr(r.Source),
		Dest:   sockAddr(r.Dest),
		TTL:    r.TTL,
		TOS:    r.TOS,
		Data:   r.Data,
	}
	if r.DontFragment {
		req.Flags |= nsi.EchoFlagDontFragment
	}
	out, err := c.t.Ioctl(ctx, nsi.IoctlICMPEcho, nsi.MarshalEchoRequest(req), 4)
	if err != nil {
		return 0, err
	}
	h, err := nsi.UnmarshalHandle(out)
	return Handle(h), err
}

// Listen waits up to timeout for the reply to h's echo and returns it in
// the bits-wide (32 or 64) ICMP_ECHO_REPLY layout, followed by the reply
// data, for a caller buffer of bufSize bytes.
func (c *Client) Listen(ctx context.Context, h Handle, timeout time.Duration, bits, bufSize int) ([]byte, error) {
	ms := min(timeout.Milliseconds(), math.MaxUint32)
	req := nsi.ListenRequest{Handle: uint32(h), TimeoutMS: uint32(max(ms, 0)), Bits: uint32(bits)}
	return c.t.Ioctl(ctx, nsi.IoctlICMPListen, nsi.MarshalListenRequest(req), bufSize)
}

// ListenReply is Listen with a decoded 64-bit reply. bufSize bounds the
// reply data; replies with more data report icmp.IPBufTooSmall.
func (c *Client) ListenReply(ctx context.Context, h Handle, timeout time.Duration, bufSize int) (*icmp.Reply, error) {
	b, err := c.Listen(ctx, h, timeout, 64, icmp.ReplySize(64)+bufSize)
	if err != nil {
		return nil, err
	}
	return icmp.DecodeReply(b, 64)
}

// CancelListen wakes a Listen on h with nsi.StatusCancelled.
func (c *Client) CancelListen(ctx context.Context, h Handle) error {
	_, err := c.t.Ioctl(ctx, nsi.IoctlICMPCancel, nsi.MarshalHandle(uint32(h)), 0)
	return err
}

// CloseEcho closes h.
func (c *Client) CloseEcho(ctx context.Context, h Handle) error {
	_, err := c.t.Ioctl(ctx, nsi.IoctlICMPClose, nsi.MarshalHandle(uint32(h)), 0)
	return err
}

// Ping sends r, waits up to timeout for its reply and closes the session.
func (c *Client) Ping(ctx context.Context, r *EchoRequest, timeout time.Duration) (*icmp.Reply, error) {
	h, err := c.SendEcho(ctx, r)
	if err != nil {
		return nil, err
	}
	defer c.CloseEcho(context.WithoutCancel(ctx), h)
	return c.ListenReply(ctx, h, timeout, len(r.Data))
}
