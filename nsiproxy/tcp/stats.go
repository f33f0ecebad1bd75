// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tcp

import (
	"nsiproxy.dev/nsi"
)

var statsSizes = nsi.SizesOf(uint16(0), nil, nsi.TCPStatsDynamic{}, nsi.TCPStatsStatic{})

// statsTable is keyed by address family. Linux keeps one set of TCP
// counters for both families; only the connection count differs.
type statsTable struct{ p *Provider }

func (*statsTable) ID() nsi.TableID  { return nsi.TCPStatsTable }
func (*statsTable) Sizes() nsi.Sizes { return statsSizes }

func (t *statsTable) GetAllParameters(key []byte) (nsi.Row, error) {
	var family uint16
	if err := nsi.DecodeKey(key, &family); err != nil {
		return nsi.Row{}, err
	}
	socks, err := t.p.sockets(family)
	if err != nil {
		return nsi.Row{}, nsi.StatusOf(err)
	}
	snmp, err := t.p.src.SNMP()
	if err != nil {
		return nsi.Row{}, nsi.StatusOf(err)
	}
	c, ok := snmp["Tcp"]
	if !ok {
		return nsi.Row{}, nsi.StatusNotSupported
	}
	dyn := nsi.TCPStatsDynamic{
		ActiveOpens:  uint32(c["ActiveOpens"]),
		PassiveOpens: uint32(c["PassiveOpens"]),
		AttemptFails: uint32(c["AttemptFails"]),
		EstabResets:  uint32(c["EstabResets"]),
		CurrEstab:    uint32(c["CurrEstab"]),
		InSegs:       c["InSegs"],
		OutSegs:      c["OutSegs"],
		RetransSegs:  uint32(c["RetransSegs"]),
		InErrs:       uint32(c["InErrs"]),
		OutRsts:      uint32(c["OutRsts"]),
		NumConns:     uint32(len(socks)),
	}
	st := nsi.TCPStatsStatic{
		RtoAlgorithm: uint32(c["RtoAlgorithm"]),
		RtoMin:       uint32(c["RtoMin"]),
		RtoMax:       uint32(c["RtoMax"]),
		MaxConns:     uint32(c["MaxConn"]), // -1 for no limit
	}
	return nsi.Row{Key: family, Dynamic: dyn, Static: st}, nil
}
