// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package icmp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"nsiproxy.dev/nsi"
)

var (
	localhost = netip.MustParseAddr("127.0.0.1")
	target    = netip.MustParseAddr("192.0.2.7")
	router    = netip.MustParseAddr("192.0.2.1")
)

// fakeConn is an in-memory conn. Packets and errors queued on in are
// returned by recv in order.
type fakeConn struct {
	kernel bool
	in     chan any // packet or error
	wake   chan struct{}
	waitc  chan struct{} // receives once each time recv blocks

	mu       sync.Mutex
	deadline time.Time
	sent     [][]byte
	sendErr  error
	closed   bool
	opts     sockOpts
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:    make(chan any, 16),
		wake:  make(chan struct{}, 1),
		waitc: make(chan struct{}, 16),
	}
}

func (c *fakeConn) send(dst netip.Addr, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, bytes.Clone(msg))
	return c.sendErr
}

func (c *fakeConn) recv(buf []byte) (packet, error) {
	for {
		c.mu.Lock()
		d := c.deadline
		c.mu.Unlock()
		t := time.NewTimer(time.Until(d))
		select {
		case c.waitc <- struct{}{}:
		default:
		}
		select {
		case v := <-c.in:
			t.Stop()
			if err, ok := v.(error); ok {
				return packet{}, err
			}
			pkt := v.(packet)
			pkt.msg = buf[:copy(buf, pkt.msg)]
			return pkt, nil
		case <-t.C:
			return packet{}, os.ErrDeadlineExceeded
		case <-c.wake:
			t.Stop()
		}
	}
}

func (c *fakeConn) setReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) kernelID() bool { return c.kernel }

// lastEcho returns the most recently sent echo request.
func (c *fakeConn) lastEcho(t *testing.T) *icmp.Echo {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("nothing sent")
	}
	m, err := icmp.ParseMessage(protocolICMP, c.sent[len(c.sent)-1])
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != ipv4.ICMPTypeEcho {
		t.Fatalf("sent type %v, want echo", m.Type)
	}
	return m.Body.(*icmp.Echo)
}

// newTestEngine returns an Engine whose sessions use fake conns, and a
// channel yielding each conn as it is opened.
func newTestEngine(t *testing.T, opts Options, configure func(*fakeConn)) (*Engine, <-chan *fakeConn) {
	t.Helper()
	e := NewEngine(t.Logf, opts)
	conns := make(chan *fakeConn, 16)
	e.open = func(o sockOpts) (conn, error) {
		c := newFakeConn()
		c.opts = o
		if configure != nil {
			configure(c)
		}
		conns <- c
		return c, nil
	}
	t.Cleanup(e.CloseAll)
	return e, conns
}

func marshal(t *testing.T, m *icmp.Message) []byte {
	t.Helper()
	b, err := m.Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func echoReply(t *testing.T, id, seq int, data []byte) []byte {
	return marshal(t, &icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: data},
	})
}

// quoted returns the IPv4 header and first ICMP bytes of an echo request
// to dst, as an error message quotes them.
func quoted(t *testing.T, dst netip.Addr, id, seq int) []byte {
	t.Helper()
	h := ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + 8,
		TTL:      1,
		Protocol: protocolICMP,
		Src:      localhost.AsSlice(),
		Dst:      dst.AsSlice(),
	}
	b, err := h.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	req := marshal(t, &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq},
	})
	return append(b, req[:8]...)
}

func listen(t *testing.T, e *Engine, h Handle, timeout time.Duration) *Reply {
	t.Helper()
	out, err := e.Listen(context.Background(), h, timeout, 64, 1024)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	r, err := DecodeReply(out, 64)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEchoReply(t *testing.T) {
	e, conns := newTestEngine(t, Options{}, nil)
	h, err := e.Send(&EchoRequest{
		Dest:         target,
		TTL:          7,
		TOS:          0x10,
		DontFragment: true,
		Data:         []byte("abcd"),
	})
	if err != nil {
		t.Fatal(err)
	}
	c := <-conns
	if want := (sockOpts{ttl: 7, tos: 0x10, df: true}); c.opts != want {
		t.Errorf("socket options = %+v, want %+v", c.opts, want)
	}
	req := c.lastEcho(t)
	if string(req.Data) != "abcd" {
		t.Errorf("request data = %q", req.Data)
	}

	// Another request's reply and an unrelated message come first.
	c.in <- packet{from: target, msg: echoReply(t, req.ID, req.Seq+1, nil)}
	c.in <- packet{from: target, msg: marshal(t, &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: req.ID, Seq: req.Seq},
	})}
	c.in <- packet{from: target, ttl: 55, flags: 2, msg: echoReply(t, req.ID, req.Seq, req.Data)}

	r := listen(t, e, h, time.Second)
	if r.Status != IPSuccess {
		t.Fatalf("status = %v", StatusString(r.Status))
	}
	if r.Addr != target || r.TTL != 55 || r.Flags != 2 || string(r.Data) != "abcd" {
		t.Errorf("reply = %+v", r)
	}
	if got := testutil.ToFloat64(e.replies.WithLabelValues("success")); got != 1 {
		t.Errorf("success replies = %v, want 1", got)
	}
}

func TestReplyIdentifier(t *testing.T) {
	tests := []struct {
		name   string
		kernel bool
		want   uint32
	}{
		{"raw", false, IPReqTimedOut},
		{"ping", true, IPSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, conns := newTestEngine(t, Options{}, func(c *fakeConn) { c.kernel = tt.kernel })
			h, err := e.Send(&EchoRequest{Dest: target})
			if err != nil {
				t.Fatal(err)
			}
			c := <-conns
			req := c.lastEcho(t)
			c.in <- packet{from: target, msg: echoReply(t, req.ID+1, req.Seq, nil)}
			if r := listen(t, e, h, 100*time.Millisecond); r.Status != tt.want {
				t.Errorf("status = %v, want %v", StatusString(r.Status), StatusString(tt.want))
			}
		})
	}
}

func TestErrorReplies(t *testing.T) {
	tests := []struct {
		name string
		typ  icmp.Type
		code int
		want uint32
	}{
		{"net-unreachable", ipv4.ICMPTypeDestinationUnreachable, 0, IPDestNetUnreachable},
		{"host-unreachable", ipv4.ICMPTypeDestinationUnreachable, 1, IPDestHostUnreachable},
		{"proto-unreachable", ipv4.ICMPTypeDestinationUnreachable, 2, IPDestProtUnreachable},
		{"port-unreachable", ipv4.ICMPTypeDestinationUnreachable, 3, IPDestPortUnreachable},
		{"frag-needed", ipv4.ICMPTypeDestinationUnreachable, 4, IPPacketTooBig},
		{"ttl-transit", ipv4.ICMPTypeTimeExceeded, 0, IPTTLExpiredTransit},
		{"ttl-reassembly", ipv4.ICMPTypeTimeExceeded, 1, IPTTLExpiredReassem},
		{"param-problem", ipv4.ICMPTypeParameterProblem, 0, IPParamProblem},
		{"source-quench", icmpTypeSourceQuench, 0, IPSourceQuench},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, conns := newTestEngine(t, Options{}, nil)
			h, err := e.Send(&EchoRequest{Dest: target})
			if err != nil {
				t.Fatal(err)
			}
			c := <-conns
			req := c.lastEcho(t)

			body := func(id, seq int) icmp.MessageBody {
				d := quoted(t, target, id, seq)
				switch tt.typ {
				case ipv4.ICMPTypeDestinationUnreachable:
					return &icmp.DstUnreach{Data: d}
				case ipv4.ICMPTypeTimeExceeded:
					return &icmp.TimeExceeded{Data: d}
				case ipv4.ICMPTypeParameterProblem:
					return &icmp.ParamProb{Data: d}
				}
				return &icmp.RawBody{Data: append(make([]byte, 4), d...)}
			}
			// An error about some other request is ignored.
			c.in <- packet{from: router, msg: marshal(t, &icmp.Message{Type: tt.typ, Code: tt.code, Body: body(req.ID, req.Seq+1)})}
			c.in <- packet{from: router, msg: marshal(t, &icmp.Message{Type: tt.typ, Code: tt.code, Body: body(req.ID, req.Seq)})}

			r := listen(t, e, h, time.Second)
			if r.Status != tt.want {
				t.Errorf("status = %v, want %v", StatusString(r.Status), StatusString(tt.want))
			}
			if r.Addr != router {
				t.Errorf("addr = %v, want %v", r.Addr, router)
			}
		})
	}
}

func TestIsOriginal(t *testing.T) {
	s := &session{conn: newFakeConn(), dst: target, id: 9, seq: 3}
	tests := []struct {
		name  string
		dgram []byte
		want  bool
	}{
		{"match", quoted(t, target, 9, 3), true},
		{"other-dest", quoted(t, router, 9, 3), false},
		{"other-id", quoted(t, target, 8, 3), false},
		{"other-seq", quoted(t, target, 9, 4), false},
		{"truncated", quoted(t, target, 9, 3)[:24], false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.isOriginal(tt.dgram); got != tt.want {
				t.Errorf("isOriginal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, nil)
	start := time.Now()
	h, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	r := listen(t, e, h, 500*time.Millisecond)
	d := time.Since(start)
	if r.Status != IPReqTimedOut {
		t.Errorf("status = %v", StatusString(r.Status))
	}
	if d < 500*time.Millisecond || d > 600*time.Millisecond {
		t.Errorf("500ms Listen took %v", d)
	}
}

func TestReceiveError(t *testing.T) {
	e, conns := newTestEngine(t, Options{}, nil)
	h, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	c := <-conns
	c.in <- errors.New("boom")
	if r := listen(t, e, h, time.Second); r.Status != IPGeneralFailure {
		t.Errorf("status = %v", StatusString(r.Status))
	}
}

func TestIPv6NotSupported(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, nil)
	for _, req := range []*EchoRequest{
		{Dest: netip.MustParseAddr("::1")},
		{Dest: target, Source: netip.MustParseAddr("fe80::1")},
		{},
	} {
		if _, err := e.Send(req); !errors.Is(err, nsi.StatusNotSupported) {
			t.Errorf("Send(%v from %v) = %v, want not supported", req.Dest, req.Source, err)
		}
	}
}

// waitBlocked waits until c's recv is blocked.
func waitBlocked(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case <-c.waitc:
	case <-time.After(5 * time.Second):
		t.Fatal("Listen never blocked")
	}
}

func TestCancel(t *testing.T) {
	e, conns := newTestEngine(t, Options{}, nil)
	h, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	c := <-conns

	errc := make(chan error, 1)
	go func() {
		_, err := e.Listen(context.Background(), h, 30*time.Second, 32, 1024)
		errc <- err
	}()
	waitBlocked(t, c)
	start := time.Now()
	if err := e.Cancel(h); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, nsi.StatusCancelled) {
			t.Errorf("Listen = %v, want cancelled", err)
		}
		if d := time.Since(start); d >= 200*time.Millisecond {
			t.Errorf("Listen returned %v after Cancel", d)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Listen not woken within 200ms of Cancel")
	}

	// The cancellation was consumed; the handle still works.
	req := c.lastEcho(t)
	c.in <- packet{from: target, msg: echoReply(t, req.ID, req.Seq, nil)}
	if r := listen(t, e, h, time.Minute); r.Status != IPSuccess {
		t.Errorf("status after cancel = %v", StatusString(r.Status))
	}
}

func TestCancelBeforeListen(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, nil)
	h, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Cancel(h); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Listen(context.Background(), h, time.Minute, 64, 1024); !errors.Is(err, nsi.StatusCancelled) {
		t.Errorf("Listen = %v, want cancelled", err)
	}
}

func TestListenContext(t *testing.T) {
	e, conns := newTestEngine(t, Options{}, nil)
	h, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	c := <-conns
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.Listen(ctx, h, time.Minute, 64, 1024)
		errc <- err
	}()
	waitBlocked(t, c)
	cancel()
	if err := <-errc; !errors.Is(err, nsi.StatusCancelled) {
		t.Errorf("Listen = %v, want cancelled", err)
	}
}

func TestCloseDuringListen(t *testing.T) {
	e, conns := newTestEngine(t, Options{}, nil)
	h, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	c := <-conns
	if got := testutil.ToFloat64(e.sessions); got != 1 {
		t.Errorf("sessions gauge = %v, want 1", got)
	}

	// Hold a reference as an in-flight Listen does, so the socket must
	// outlive the handle.
	s := e.handles.acquire(h)
	if err := e.Close(h); err != nil {
		t.Fatal(err)
	}
	if c.isClosed() {
		t.Fatal("socket closed while a Listen holds the session")
	}
	for name, err := range map[string]error{
		"Cancel": e.Cancel(h),
		"Close":  e.Close(h),
	} {
		if !errors.Is(err, nsi.StatusInvalidHandle) {
			t.Errorf("%s after Close = %v, want invalid handle", name, err)
		}
	}
	if _, err := e.Listen(context.Background(), h, time.Second, 64, 1024); !errors.Is(err, nsi.StatusInvalidHandle) {
		t.Errorf("Listen after Close = %v, want invalid handle", err)
	}
	e.release(s)
	if !c.isClosed() {
		t.Error("socket not closed after last reference released")
	}
	if got := testutil.ToFloat64(e.sessions); got != 0 {
		t.Errorf("sessions gauge = %v, want 0", got)
	}
}

func TestCloseWakesListen(t *testing.T) {
	e, conns := newTestEngine(t, Options{}, nil)
	h, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	c := <-conns
	errc := make(chan error, 1)
	go func() {
		_, err := e.Listen(context.Background(), h, time.Minute, 64, 1024)
		errc <- err
	}()
	waitBlocked(t, c)
	if err := e.Close(h); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, nsi.StatusCancelled) {
		t.Errorf("Listen = %v, want cancelled", err)
	}
	if !c.isClosed() {
		t.Error("socket open after Listen returned")
	}
}

func TestHandleExhaustion(t *testing.T) {
	var logged []string
	var mu sync.Mutex
	e, _ := newTestEngine(t, Options{MaxHandles: 2}, nil)
	e.logf = func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		logged = append(logged, format)
	}
	h1, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Send(&EchoRequest{Dest: target}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Send(&EchoRequest{Dest: target}); !errors.Is(err, nsi.StatusInsufficientResources) {
		t.Fatalf("third Send = %v, want insufficient resources", err)
	}
	mu.Lock()
	if len(logged) != 1 || !strings.HasPrefix(logged[0], "[unexpected]") {
		t.Errorf("logged %q", logged)
	}
	mu.Unlock()

	if err := e.Close(h1); err != nil {
		t.Fatal(err)
	}
	h3, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatalf("Send after Close: %v", err)
	}
	if h3 == h1 {
		t.Errorf("reused slot returned the closed handle %#x", h1)
	}
	if h3.index() != h1.index() {
		t.Errorf("new handle in slot %d, want freed slot %d", h3.index(), h1.index())
	}
	if err := e.Cancel(h1); !errors.Is(err, nsi.StatusInvalidHandle) {
		t.Errorf("Cancel(stale) = %v, want invalid handle", err)
	}
	if n := e.Sessions(); n != 2 {
		t.Errorf("Sessions = %d, want 2", n)
	}
}

func TestListenBadHandle(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, nil)
	for _, h := range []Handle{0, 1, 0x10001, 0xffffffff} {
		if _, err := e.Listen(context.Background(), h, time.Second, 64, 1024); !errors.Is(err, nsi.StatusInvalidHandle) {
			t.Errorf("Listen(%#x) = %v, want invalid handle", h, err)
		}
	}
}

func TestListenBits(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, nil)
	h, err := e.Send(&EchoRequest{Dest: target})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Listen(context.Background(), h, time.Second, 16, 1024); !errors.Is(err, nsi.StatusInvalidParameter) {
		t.Errorf("Listen(bits=16) = %v, want invalid parameter", err)
	}
}

func TestListenBufferSizes(t *testing.T) {
	e, conns := newTestEngine(t, Options{}, nil)
	data := bytes.Repeat([]byte{0xaa}, 32)
	h, err := e.Send(&EchoRequest{Dest: target, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	c := <-conns
	req := c.lastEcho(t)

	if _, err := e.Listen(context.Background(), h, time.Second, 32, reply32Size-1); !errors.Is(err, nsi.StatusBufferTooSmall) {
		t.Errorf("Listen into %d bytes = %v, want buffer too small", reply32Size-1, err)
	}

	c.in <- packet{from: target, msg: echoReply(t, req.ID, req.Seq, data)}
	out, err := e.Listen(context.Background(), h, time.Second, 32, reply32Size+len(data)-1)
	if err != nil {
		t.Fatal(err)
	}
	r, err := DecodeReply(out, 32)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != IPBufTooSmall || len(r.Data) != 0 {
		t.Errorf("reply = status %v, %d data bytes; want buffer too small, none", StatusString(r.Status), len(r.Data))
	}
}

func TestSequenceAdvances(t *testing.T) {
	e, conns := newTestEngine(t, Options{}, nil)
	var seqs []int
	for range 3 {
		if _, err := e.Send(&EchoRequest{Dest: target}); err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, (<-conns).lastEcho(t).Seq)
	}
	if seqs[0] == seqs[1] || seqs[1] == seqs[2] {
		t.Errorf("sequence numbers %v repeat", seqs)
	}
}

func TestErrorStatusDefault(t *testing.T) {
	if got := errorStatus(ipv4.ICMPTypeDestinationUnreachable, 13); got != IPDestHostUnreachable {
		t.Errorf("admin-prohibited = %v", StatusString(got))
	}
	if got := errorStatus(ipv4.ICMPTypeRedirect, 0); got != IPGeneralFailure {
		t.Errorf("redirect = %v", StatusString(got))
	}
}

func TestQuotedSourceQuench(t *testing.T) {
	d := quoted(t, target, 1, 2)
	m := &icmp.Message{Type: icmpTypeSourceQuench, Body: &icmp.RawBody{Data: append(make([]byte, 4), d...)}}
	if got := quotedDatagram(m); !bytes.Equal(got, d) {
		t.Errorf("quoted datagram = %x, want %x", got, d)
	}
	if binary.BigEndian.Uint16(d[ipv4.HeaderLen+6:]) != 2 {
		t.Errorf("quoted sequence wrong")
	}
}

// udpConn stands in for a ping socket with a UDP socket, so deadline
// handling runs against a real socket without privileges. Replies are
// faked by writing ICMP messages to it.
type udpConn struct {
	pc net.PacketConn
}

func (c *udpConn) send(netip.Addr, []byte) error { return nil }

func (c *udpConn) recv(buf []byte) (packet, error) {
	n, from, err := c.pc.ReadFrom(buf)
	if err != nil {
		return packet{}, err
	}
	ap := from.(*net.UDPAddr).AddrPort()
	return packet{from: ap.Addr().Unmap(), msg: buf[:n]}, nil
}

func (c *udpConn) setReadDeadline(t time.Time) error { return c.pc.SetReadDeadline(t) }
func (c *udpConn) close() error                      { return c.pc.Close() }
func (c *udpConn) kernelID() bool                    { return true }

func TestUDPStandIn(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket: %v", err)
	}
	e := NewEngine(t.Logf, Options{})
	e.open = func(sockOpts) (conn, error) { return &udpConn{pc: pc}, nil }
	defer e.CloseAll()

	h, err := e.Send(&EchoRequest{Dest: localhost, Data: []byte("data goes here")})
	if err != nil {
		t.Fatal(err)
	}

	// Cancel wakes a read blocked on the real socket.
	errc := make(chan error, 1)
	go func() {
		_, err := e.Listen(context.Background(), h, time.Minute, 64, 1024)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := e.Cancel(h); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, nsi.StatusCancelled) {
			t.Fatalf("Listen = %v, want cancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen not woken by Cancel")
	}

	w, err := net.Dial("udp4", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	s := e.handles.acquire(h)
	seq := int(s.seq)
	e.release(s)
	for _, b := range [][]byte{
		[]byte("foo"),
		echoReply(t, 1234, seq+1, nil),
		echoReply(t, 1234, seq, []byte("data goes here")),
	} {
		if _, err := w.Write(b); err != nil {
			t.Fatal(err)
		}
	}
	r := listen(t, e, h, time.Minute)
	if r.Status != IPSuccess || string(r.Data) != "data goes here" || r.Addr != localhost {
		t.Errorf("reply = %+v", r)
	}
}

func TestLoopback(t *testing.T) {
	e := NewEngine(t.Logf, Options{})
	defer e.CloseAll()
	h, err := e.Send(&EchoRequest{Dest: localhost, TTL: 64, Data: []byte("nsiproxy")})
	if err != nil {
		t.Skipf("no ICMP sockets available: %v", err)
	}
	r := listen(t, e, h, 5*time.Second)
	if r.Status != IPSuccess {
		t.Fatalf("status = %v", StatusString(r.Status))
	}
	if r.Addr != localhost || string(r.Data) != "nsiproxy" {
		t.Errorf("reply = %+v", r)
	}
}
