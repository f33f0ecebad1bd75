// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tcp implements the TCP module: the statistics table and the
// connection tables.
package tcp

import (
	"errors"
	"io/fs"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/sysnet"
	"nsiproxy.dev/types/logger"
)

// Provider serves the TCP module.
type Provider struct {
	src  *sysnet.Source
	logf logger.Logf
}

// New returns the TCP provider reading from src.
func New(src *sysnet.Source, logf logger.Logf) *Provider {
	return &Provider{src: src, logf: logger.WithPrefix(logger.OrDiscard(logf), "tcp: ")}
}

// Module returns the TCP module.
func (p *Provider) Module() nsi.Module {
	return nsi.Module{
		ID: nsi.TCP,
		Tables: []nsi.Table{
			&statsTable{p},
			&connTable{p: p, id: nsi.TCPAllTable},
			&connTable{p: p, id: nsi.TCPEstablishedTable, match: func(st uint32) bool { return st != nsi.TCPStateListen }},
			&connTable{p: p, id: nsi.TCPListenTable, match: func(st uint32) bool { return st == nsi.TCPStateListen }},
		},
	}
}

// Linux TCP_* socket states, as found in the st column of /proc/net/tcp.
const (
	linuxEstablished = 1 + iota
	linuxSynSent
	linuxSynRecv
	linuxFinWait1
	linuxFinWait2
	linuxTimeWait
	linuxClose
	linuxCloseWait
	linuxLastAck
	linuxListen
	linuxClosing
)

// stateOf maps a Linux socket state to a MIB_TCP_STATE.
func stateOf(st uint8) uint32 {
	switch st {
	case linuxEstablished:
		return nsi.TCPStateEstab
	case linuxSynSent:
		return nsi.TCPStateSynSent
	case linuxSynRecv:
		return nsi.TCPStateSynRcvd
	case linuxFinWait1:
		return nsi.TCPStateFinWait1
	case linuxFinWait2:
		return nsi.TCPStateFinWait2
	case linuxTimeWait:
		return nsi.TCPStateTimeWait
	case linuxCloseWait:
		return nsi.TCPStateCloseWait
	case linuxLastAck:
		return nsi.TCPStateLastAck
	case linuxListen:
		return nsi.TCPStateListen
	case linuxClosing:
		return nsi.TCPStateClosing
	}
	return nsi.TCPStateClosed
}

// socketFile returns the procfs socket table of family.
func socketFile(family uint16) (string, bool) {
	switch family {
	case nsi.AFInet:
		return "net/tcp", true
	case nsi.AFInet6:
		return "net/tcp6", true
	}
	return "", false
}

// sockets reads the socket table of family. A missing table, as when IPv6
// is disabled, has no sockets.
func (p *Provider) sockets(family uint16) ([]sysnet.Socket, error) {
	name, ok := socketFile(family)
	if !ok {
		return nil, nsi.StatusNotSupported
	}
	socks, err := p.src.Sockets(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return socks, err
}
