// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package icmp implements ICMP echo sessions: an echo request is sent,
// yielding a handle, and the reply is awaited separately with Listen,
// which can be cancelled from another goroutine.
package icmp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/types/logger"
)

// DefaultMaxHandles is the handle table capacity used when
// Options.MaxHandles is zero.
const DefaultMaxHandles = 256

// maxPacket bounds a received datagram.
const maxPacket = 64 << 10

// icmpTypeSourceQuench is the deprecated ICMPv4 source quench type, which
// x/net/ipv4 no longer names.
const icmpTypeSourceQuench = ipv4.ICMPType(4)

// Options configures an Engine.
type Options struct {
	// MaxHandles is the number of sessions that may be open at once.
	// Zero means DefaultMaxHandles.
	MaxHandles int
}

// EchoRequest describes one echo request.
type EchoRequest struct {
	Source       netip.Addr // optional local address to send from
	Dest         netip.Addr
	TTL          uint8 // zero for the system default
	TOS          uint8
	DontFragment bool
	Data         []byte
}

// Engine runs echo sessions. It is a prometheus.Collector for its
// session and reply metrics.
type Engine struct {
	logf    logger.Logf
	handles *handleTable
	id      uint16 // echo identifier for sockets that don't assign one

	seq       atomic.Uint32
	rawDenied atomic.Bool // raw sockets refused; open ping sockets only

	// open opens a session socket. Tests replace it.
	open func(sockOpts) (conn, error)

	registry *prometheus.Registry
	sessions prometheus.Gauge
	replies  *prometheus.CounterVec
}

// NewEngine returns an Engine with no sessions.
func NewEngine(logf logger.Logf, opts Options) *Engine {
	n := opts.MaxHandles
	if n <= 0 {
		n = DefaultMaxHandles
	}
	n = min(n, MaxHandles)
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nsiproxy",
		Subsystem: "icmp",
		Name:      "sessions",
		Help:      "Open ICMP echo sessions.",
	})
	replies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nsiproxy",
		Subsystem: "icmp",
		Name:      "replies_total",
		Help:      "Echo replies returned by Listen, by reply status.",
	}, []string{"status"})
	registry := prometheus.NewRegistry()
	registry.MustRegister(sessions, replies)
	e := &Engine{
		logf:     logger.WithPrefix(logger.OrDiscard(logf), "icmp: "),
		handles:  newHandleTable(n),
		id:       uint16(os.Getpid()),
		registry: registry,
		sessions: sessions,
		replies:  replies,
	}
	e.open = e.openConn
	return e
}

// Describe is part of the implementation of prometheus.Collector.
func (e *Engine) Describe(descCh chan<- *prometheus.Desc) {
	e.registry.Describe(descCh)
}

// Collect is part of the implementation of prometheus.Collector.
func (e *Engine) Collect(metricCh chan<- prometheus.Metric) {
	e.registry.Collect(metricCh)
}

// openConn opens a raw ICMP socket, or an unprivileged ping socket once
// raw sockets have been refused.
func (e *Engine) openConn(o sockOpts) (conn, error) {
	if !e.rawDenied.Load() {
		c, err := openRaw(o)
		if err == nil {
			return c, nil
		}
		if !permissionDenied(err) {
			return nil, err
		}
		if !e.rawDenied.Swap(true) {
			e.logf("raw ICMP sockets unavailable (%v); using ping sockets", err)
		}
	}
	return openPing(o)
}

// session is one echo request and its socket. It is referenced by its
// handle table slot and by every Listen or Cancel in progress; the
// socket is closed when the last reference is released.
type session struct {
	conn conn
	dst  netip.Addr
	id   uint16
	seq  uint16

	sent       time.Time
	sendStatus uint32 // reply status of a failed send, or IPSuccess

	refs      atomic.Int32
	cancelled atomic.Bool
}

// cancel wakes a Listen blocked on s. A Listen that starts later returns
// immediately, consuming the cancellation.
func (s *session) cancel() {
	s.cancelled.Store(true)
	s.conn.setReadDeadline(time.Unix(1, 0))
}

func (s *session) matches(id, seq uint16) bool {
	return seq == s.seq && (s.conn.kernelID() || id == s.id)
}

func (e *Engine) release(s *session) {
	if s.refs.Add(-1) == 0 {
		if err := s.conn.close(); err != nil {
			e.logf("closing session socket: %v", err)
		}
	}
}

// Send transmits an echo request and returns the session handle to
// Listen on. Only IPv4 is supported. A request the network refuses
// still yields a session; the failure is reported by Listen.
func (e *Engine) Send(req *EchoRequest) (Handle, error) {
	if !req.Dest.Is4() || (req.Source.IsValid() && !req.Source.Is4()) {
		return 0, nsi.StatusNotSupported
	}
	c, err := e.open(sockOpts{
		src: req.Source,
		ttl: req.TTL,
		tos: req.TOS,
		df:  req.DontFragment,
	})
	if err != nil {
		return 0, fmt.Errorf("icmp: opening socket: %w: %w", nsi.StatusNotSupported, err)
	}
	s := &session{
		conn: c,
		dst:  req.Dest,
		id:   e.id,
		seq:  uint16(e.seq.Add(1)),
	}
	s.refs.Store(1)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   int(s.id),
			Seq:  int(s.seq),
			Data: req.Data,
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		c.close()
		return 0, fmt.Errorf("icmp: %w: %w", nsi.StatusInvalidParameter, err)
	}

	h, ok := e.handles.alloc(s)
	if !ok {
		c.close()
		e.logf("[unexpected] all %d echo handles in use", len(e.handles.slots))
		return 0, nsi.StatusInsufficientResources
	}
	e.sessions.Inc()

	s.sent = time.Now()
	if err := c.send(req.Dest, b); err != nil {
		s.sendStatus = IPGeneralFailure
		if st, ok := errnoStatus(err); ok {
			s.sendStatus = st
		}
	}
	return h, nil
}

// Listen waits for the reply to h's request until timeout after it was
// sent, and returns the reply encoded in the 32- or 64-bit layout (bits).
// A missing or negative reply is a successful Listen whose reply status
// says so. Listen fails with nsi.StatusCancelled if h is cancelled or
// closed, or ctx is done, before a reply arrives.
//
// Listens on one handle must not run concurrently.
func (e *Engine) Listen(ctx context.Context, h Handle, timeout time.Duration, bits, bufSize int) ([]byte, error) {
	hdr := ReplySize(bits)
	if hdr == 0 {
		return nil, nsi.StatusInvalidParameter
	}
	if bufSize < hdr {
		return nil, nsi.StatusBufferTooSmall
	}
	s := e.handles.acquire(h)
	if s == nil {
		return nil, nsi.StatusInvalidHandle
	}
	defer e.release(s)
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	r := e.wait(s, timeout)
	if r == nil {
		return nil, nsi.StatusCancelled
	}
	out, err := r.Encode(bits, bufSize)
	if err != nil {
		return nil, err
	}
	e.replies.WithLabelValues(StatusString(r.Status)).Inc()
	return out, nil
}

// wait returns the reply to s's request, or nil if s was cancelled.
func (e *Engine) wait(s *session, timeout time.Duration) *Reply {
	if s.sendStatus != IPSuccess {
		return &Reply{Addr: s.dst, Status: s.sendStatus}
	}
	deadline := s.sent.Add(timeout)
	buf := make([]byte, maxPacket)
	for {
		// Set the deadline before checking the flag: a concurrent cancel
		// either is seen here or moves the deadline after us.
		if err := s.conn.setReadDeadline(deadline); err != nil {
			e.logf("setting read deadline: %v", err)
			return &Reply{Addr: s.dst, Status: IPGeneralFailure}
		}
		if s.cancelled.CompareAndSwap(true, false) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &Reply{Addr: s.dst, Status: IPReqTimedOut}
		}
		pkt, err := s.conn.recv(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			st, ok := errnoStatus(err)
			if !ok {
				st = IPGeneralFailure
			}
			return &Reply{Addr: s.dst, Status: st, RTT: rtt(s.sent)}
		}
		if r := s.reply(pkt); r != nil {
			return r
		}
	}
}

func rtt(sent time.Time) uint32 {
	return uint32(time.Since(sent) / time.Millisecond)
}

// reply returns the reply pkt carries for s, or nil if pkt is for some
// other request.
func (s *session) reply(pkt packet) *Reply {
	m, err := icmp.ParseMessage(protocolICMP, pkt.msg)
	if err != nil {
		return nil
	}
	r := &Reply{
		Addr:  pkt.from,
		RTT:   rtt(s.sent),
		TTL:   pkt.ttl,
		TOS:   pkt.tos,
		Flags: pkt.flags,
	}
	switch m.Type {
	case ipv4.ICMPTypeEchoReply:
		echo, ok := m.Body.(*icmp.Echo)
		if !ok || !s.matches(uint16(echo.ID), uint16(echo.Seq)) {
			return nil
		}
		r.Status = IPSuccess
		r.Data = slices.Clone(echo.Data)
		return r
	case ipv4.ICMPTypeDestinationUnreachable, ipv4.ICMPTypeTimeExceeded,
		ipv4.ICMPTypeParameterProblem, icmpTypeSourceQuench:
		if !s.isOriginal(quotedDatagram(m)) {
			return nil
		}
		r.Status = errorStatus(m.Type, m.Code)
		return r
	}
	return nil
}

// quotedDatagram returns the offending datagram an ICMP error message
// quotes.
func quotedDatagram(m *icmp.Message) []byte {
	switch b := m.Body.(type) {
	case *icmp.DstUnreach:
		return b.Data
	case *icmp.TimeExceeded:
		return b.Data
	case *icmp.ParamProb:
		return b.Data
	case *icmp.RawBody:
		// Source quench: 4 unused bytes precede the datagram.
		if len(b.Data) >= 4 {
			return b.Data[4:]
		}
	}
	return nil
}

// isOriginal reports whether dgram, the IPv4 header and leading ICMP
// bytes quoted by an error message, is s's echo request.
func (s *session) isOriginal(dgram []byte) bool {
	if len(dgram) < ipv4.HeaderLen || dgram[0]>>4 != ipv4.Version {
		return false
	}
	hl := int(dgram[0]&0x0f) << 2
	if hl < ipv4.HeaderLen || len(dgram) < hl+8 {
		return false
	}
	if dgram[9] != protocolICMP || netip.AddrFrom4([4]byte(dgram[16:20])) != s.dst {
		return false
	}
	req := dgram[hl:]
	if req[0] != byte(ipv4.ICMPTypeEcho) {
		return false
	}
	return s.matches(binary.BigEndian.Uint16(req[4:6]), binary.BigEndian.Uint16(req[6:8]))
}

// errorStatus maps an ICMP error type and code to a reply status.
func errorStatus(typ icmp.Type, code int) uint32 {
	switch typ {
	case ipv4.ICMPTypeDestinationUnreachable:
		switch code {
		case 0, 6, 9, 11: // net unreachable, unknown, prohibited, for TOS
			return IPDestNetUnreachable
		case 2:
			return IPDestProtUnreachable
		case 3:
			return IPDestPortUnreachable
		case 4:
			return IPPacketTooBig
		case 5:
			return IPBadRoute
		}
		return IPDestHostUnreachable
	case ipv4.ICMPTypeTimeExceeded:
		if code == 1 {
			return IPTTLExpiredReassem
		}
		return IPTTLExpiredTransit
	case ipv4.ICMPTypeParameterProblem:
		return IPParamProblem
	case icmpTypeSourceQuench:
		return IPSourceQuench
	}
	return IPGeneralFailure
}

// Cancel wakes a Listen blocked on h. If none is, the next Listen on h
// returns immediately.
func (e *Engine) Cancel(h Handle) error {
	s := e.handles.acquire(h)
	if s == nil {
		return nsi.StatusInvalidHandle
	}
	defer e.release(s)
	s.cancel()
	return nil
}

// Close invalidates h and cancels any Listen on it. The session's socket
// is closed once that Listen has returned.
func (e *Engine) Close(h Handle) error {
	s := e.handles.remove(h)
	if s == nil {
		return nsi.StatusInvalidHandle
	}
	e.sessions.Dec()
	s.cancel()
	e.release(s)
	return nil
}

// CloseAll closes every open handle.
func (e *Engine) CloseAll() {
	for _, h := range e.handles.handles() {
		e.Close(h)
	}
}

// Sessions returns the number of open handles.
func (e *Engine) Sessions() int { return e.handles.len() }
