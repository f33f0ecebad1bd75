// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ndis

import (
	"errors"
	"path"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/sysnet"
)

// Module returns the NDIS module backed by c.
func (c *Cache) Module() nsi.Module {
	return nsi.Module{
		ID: nsi.NDIS,
		Tables: []nsi.Table{
			&ifInfoTable{c: c},
			&indexLUIDTable{c: c},
		},
	}
}

var (
	ifInfoSizes    = nsi.SizesOf(nsi.LUID(0), nsi.IfInfoRW{}, nsi.IfInfoDynamic{}, nsi.IfInfoStatic{})
	indexLUIDSizes = nsi.SizesOf(uint32(0), nil, nil, nsi.IndexLUIDStatic{})
)

// Offsets of the fields with get-parameter fast paths.
var (
	aliasOff, aliasLen     = nsi.FieldRange[nsi.IfInfoRW]("Alias")
	ifIndexOff, ifIndexLen = nsi.FieldRange[nsi.IfInfoStatic]("IfIndex")
	ifGUIDOff, ifGUIDLen   = nsi.FieldRange[nsi.IfInfoStatic]("IfGUID")
)

type ifInfoTable struct {
	c *Cache
}

func (*ifInfoTable) ID() nsi.TableID  { return nsi.IfInfoTable }
func (*ifInfoTable) Sizes() nsi.Sizes { return ifInfoSizes }

func (t *ifInfoTable) EnumerateAll(_, _ uint32, w *nsi.RowWriter) error {
	ifs, err := t.c.Interfaces()
	if err != nil {
		return err
	}
	var dev map[string]sysnet.DevStats
	if w.Wants(nsi.ColumnDynamic) {
		dev = t.c.netDev()
	}
	for i := range ifs {
		if w.Full() {
			w.Add(nsi.Row{})
			continue
		}
		w.Add(t.c.ifInfoRow(&ifs[i], dev))
	}
	return nil
}

func (t *ifInfoTable) GetAllParameters(key []byte) (nsi.Row, error) {
	var luid nsi.LUID
	if err := nsi.DecodeKey(key, &luid); err != nil {
		return nsi.Row{}, err
	}
	e, err := t.c.ByLUID(luid)
	if err != nil {
		return nsi.Row{}, err
	}
	return t.c.ifInfoRow(&e, t.c.netDev()), nil
}

// GetParameter answers reads of exactly the alias, interface index or
// interface GUID from the cache, without reading interface counters.
func (t *ifInfoTable) GetParameter(key []byte, class nsi.ParamClass, offset int, data []byte) error {
	var field func(*Entry) any
	switch {
	case class == nsi.ParamRW && offset == aliasOff && len(data) == aliasLen:
		field = func(e *Entry) any { return nsi.NewCountedString(e.Name) }
	case class == nsi.ParamStatic && offset == ifIndexOff && len(data) == ifIndexLen:
		field = func(e *Entry) any { return e.Index }
	case class == nsi.ParamStatic && offset == ifGUIDOff && len(data) == ifGUIDLen:
		field = func(e *Entry) any { return e.GUID }
	default:
		return errors.ErrUnsupported
	}
	var luid nsi.LUID
	if err := nsi.DecodeKey(key, &luid); err != nil {
		return err
	}
	e, err := t.c.ByLUID(luid)
	if err != nil {
		return err
	}
	return nsi.EncodeRecord(data, field(&e))
}

func (c *Cache) netDev() map[string]sysnet.DevStats {
	dev, err := c.src.NetDev()
	if err != nil {
		c.errf("reading interface counters: %v", err)
	}
	return dev
}

// linkSpeed returns the link speed in bits per second, or 0 if unknown.
func (c *Cache) linkSpeed(e *Entry) uint64 {
	if e.IsLoopback() {
		return 1_000_000_000
	}
	mbps, err := c.src.SysUint(path.Join("class/net", e.Name, "speed"))
	if err != nil {
		return 0
	}
	return mbps * 1_000_000
}

func (c *Cache) ifInfoRow(e *Entry, dev map[string]sysnet.DevStats) nsi.Row {
	rw := nsi.IfInfoRW{
		AdminStatus: nsi.IfAdminDown,
		Alias:       nsi.NewCountedString(e.Name),
		PhysAddr:    nsi.NewPhysAddress(e.HardwareAddr),
	}
	if e.IsUp() {
		rw.AdminStatus = nsi.IfAdminUp
	}

	d := nsi.IfInfoDynamic{
		OperStatus:        nsi.IfOperDown,
		Flags:             nsi.IfFlagNotMediaConnected,
		MediaConnectState: nsi.MediaConnectDisconnected,
		MTU:               uint32(e.MTU),
	}
	if e.IsRunning() {
		d.OperStatus = nsi.IfOperUp
		d.Flags = 0
		d.MediaConnectState = nsi.MediaConnectConnected
	}
	d.XmitSpeed = c.linkSpeed(e)
	d.RcvSpeed = d.XmitSpeed
	if st, ok := dev[e.Name]; ok {
		d.InErrors = st.RxErrors
		d.InDiscards = st.RxDrops
		d.OutErrors = st.TxErrors
		d.OutDiscards = st.TxDrops
		d.InOctets = st.RxBytes
		d.InUcastPkts = st.RxPackets - min(st.RxMulticast, st.RxPackets)
		d.InMcastPkts = st.RxMulticast
		d.OutOctets = st.TxBytes
		d.OutUcastPkts = st.TxPackets
		d.InUcastOctets = st.RxBytes
		d.OutUcastOctets = st.TxBytes
	}

	s := nsi.IfInfoStatic{
		IfIndex:        e.Index,
		Description:    nsi.NewCountedString(e.Description),
		Type:           uint32(e.Type),
		AccessType:     nsi.IfAccessBroadcast,
		ConnectionType: nsi.IfConnectionDedicated,
		IfGUID:         e.GUID,
		PermPhysAddr:   nsi.NewPhysAddress(e.HardwareAddr),
		MediaType:      nsi.MediumIEEE802_3,
	}
	switch e.Type {
	case nsi.IfTypeSoftwareLoopback:
		s.AccessType = nsi.IfAccessLoopback
		s.MediaType = nsi.MediumLoopback
	case nsi.IfTypeTunnel, nsi.IfTypePPP:
		s.AccessType = nsi.IfAccessPointToPoint
		s.MediaType = nsi.MediumTunnel
	default:
		s.ConnectorPresent = 1
		s.Flags = nsi.IfStaticFlagHardware
		s.PhysicalMedium = nsi.PhysicalMedium802_3
		if e.Type == nsi.IfTypeIEEE80211 {
			s.PhysicalMedium = nsi.PhysicalMediumWirelessLAN
		}
	}
	return nsi.Row{Key: e.LUID, RW: rw, Dynamic: d, Static: s}
}

type indexLUIDTable struct {
	c *Cache
}

func (*indexLUIDTable) ID() nsi.TableID  { return nsi.IndexLUIDTable }
func (*indexLUIDTable) Sizes() nsi.Sizes { return indexLUIDSizes }

func (t *indexLUIDTable) EnumerateAll(_, _ uint32, w *nsi.RowWriter) error {
	ifs, err := t.c.Interfaces()
	if err != nil {
		return err
	}
	for _, e := range ifs {
		w.Add(nsi.Row{Key: e.Index, Static: nsi.IndexLUIDStatic{LUID: e.LUID}})
	}
	return nil
}

func (t *indexLUIDTable) GetAllParameters(key []byte) (nsi.Row, error) {
	var index uint32
	if err := nsi.DecodeKey(key, &index); err != nil {
		return nsi.Row{}, err
	}
	luid, err := t.c.LUIDByIndex(index)
	if err != nil {
		return nsi.Row{}, err
	}
	return nsi.Row{Key: index, Static: nsi.IndexLUIDStatic{LUID: luid}}, nil
}
