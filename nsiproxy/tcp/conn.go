// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tcp

import (
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/sysnet"
)

var connSizes = nsi.SizesOf(nsi.TCPConnKey{}, nil, nsi.TCPConnDynamic{}, nsi.TCPConnStatic{})

// connTable lists the IPv4 and then the IPv6 connections whose state
// satisfies match. A nil match lists every connection.
type connTable struct {
	p     *Provider
	id    nsi.TableID
	match func(state uint32) bool
}

func (t *connTable) ID() nsi.TableID { return t.id }
func (*connTable) Sizes() nsi.Sizes  { return connSizes }

type conn struct {
	sock  sysnet.Socket
	state uint32
}

func (t *connTable) conns() ([]conn, error) {
	var ret []conn
	for _, family := range []uint16{nsi.AFInet, nsi.AFInet6} {
		socks, err := t.p.sockets(family)
		if err != nil {
			return nil, nsi.StatusOf(err)
		}
		for _, sk := range socks {
			st := stateOf(sk.State)
			if t.match == nil || t.match(st) {
				ret = append(ret, conn{sk, st})
			}
		}
	}
	return ret, nil
}

// owners resolves the owning processes of conns. Failures are logged and
// leave the PIDs zero.
func (t *connTable) owners(conns []conn) map[uint64]sysnet.Owner {
	socks := make([]sysnet.Socket, len(conns))
	for i, c := range conns {
		socks[i] = c.sock
	}
	owners, err := t.p.src.SocketOwners(socks)
	if err != nil {
		t.p.logf("resolving socket owners: %v", err)
	}
	return owners
}

func (t *connTable) EnumerateAll(_, _ uint32, w *nsi.RowWriter) error {
	conns, err := t.conns()
	if err != nil {
		return err
	}
	var owners map[uint64]sysnet.Owner
	if w.Wants(nsi.ColumnStatic) {
		owners = t.owners(conns)
	}
	for _, c := range conns {
		w.Add(connRow(c, owners))
	}
	return nil
}

func (t *connTable) GetAllParameters(key []byte) (nsi.Row, error) {
	var k nsi.TCPConnKey
	if err := nsi.DecodeKey(key, &k); err != nil {
		return nsi.Row{}, err
	}
	conns, err := t.conns()
	if err != nil {
		return nsi.Row{}, err
	}
	for _, c := range conns {
		if c.sock.Local == k.Local.AddrPort() && c.sock.Remote == k.Remote.AddrPort() {
			return connRow(c, t.owners([]conn{c})), nil
		}
	}
	return nsi.Row{}, nsi.StatusNotFound
}

// connRow builds the row of c. The create time is the owning process's
// start time; Linux has no owning module to report.
func connRow(c conn, owners map[uint64]sysnet.Owner) nsi.Row {
	o := owners[c.sock.Inode]
	return nsi.Row{
		Key: nsi.TCPConnKey{
			Local:  nsi.MakeSockAddr(c.sock.Local, 0),
			Remote: nsi.MakeSockAddr(c.sock.Remote, 0),
		},
		Dynamic: nsi.TCPConnDynamic{State: c.state},
		Static: nsi.TCPConnStatic{
			PID:        uint32(o.PID),
			CreateTime: sysnet.FileTime(o.Started),
		},
	}
}
