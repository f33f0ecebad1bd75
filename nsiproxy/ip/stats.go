// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ip

import (
	"strconv"
	"strings"

	"nsiproxy.dev/nsi"
)

// ICMPv4 message types counted by the Icmp: section of /proc/net/snmp.
var icmp4Types = []struct {
	name string
	typ  int
}{
	{"DestUnreachs", 3},
	{"TimeExcds", 11},
	{"ParmProbs", 12},
	{"SrcQuenchs", 4},
	{"Redirects", 5},
	{"Echos", 8},
	{"EchoReps", 0},
	{"Timestamps", 13},
	{"TimestampReps", 14},
	{"AddrMasks", 17},
	{"AddrMaskReps", 18},
}

var (
	icmpStatsSizes = nsi.SizesOf(nil, nil, nsi.ICMPStatsDynamic{}, nil)
	ipStatsSizes   = nsi.SizesOf(nil, nil, nsi.IPStatsDynamic{}, nsi.IPStatsStatic{})
)

type icmpStatsTable struct{ p *Provider }

func (*icmpStatsTable) ID() nsi.TableID  { return nsi.ICMPStatsTable }
func (*icmpStatsTable) Sizes() nsi.Sizes { return icmpStatsSizes }

func (t *icmpStatsTable) GetAllParameters([]byte) (nsi.Row, error) {
	var dyn nsi.ICMPStatsDynamic
	var err error
	if t.p.is4() {
		err = t.p.icmp4Stats(&dyn)
	} else {
		err = t.p.icmp6Stats(&dyn)
	}
	if err != nil {
		return nsi.Row{}, err
	}
	return nsi.Row{Dynamic: dyn}, nil
}

func (p *Provider) icmp4Stats(dyn *nsi.ICMPStatsDynamic) error {
	snmp, err := p.src.SNMP()
	if err != nil {
		return notSupported(err)
	}
	icmp, ok := snmp["Icmp"]
	if !ok {
		return nsi.StatusNotSupported
	}
	dyn.InMsgs = uint32(icmp["InMsgs"])
	dyn.InErrors = uint32(icmp["InErrors"])
	dyn.OutMsgs = uint32(icmp["OutMsgs"])
	dyn.OutErrors = uint32(icmp["OutErrors"])
	for _, it := range icmp4Types {
		dyn.InTypes[it.typ] = uint32(icmp["In"+it.name])
		dyn.OutTypes[it.typ] = uint32(icmp["Out"+it.name])
	}
	// IcmpMsg counts every type, including ones the Icmp section lacks.
	for name, v := range snmp["IcmpMsg"] {
		if typ, ok := typeSuffix(name, "InType"); ok {
			dyn.InTypes[typ] = uint32(v)
		} else if typ, ok := typeSuffix(name, "OutType"); ok {
			dyn.OutTypes[typ] = uint32(v)
		}
	}
	return nil
}

func (p *Provider) icmp6Stats(dyn *nsi.ICMPStatsDynamic) error {
	c, err := p.src.SNMP6()
	if err != nil {
		return notSupported(err)
	}
	found := false
	for name, v := range c {
		rest, ok := strings.CutPrefix(name, "Icmp6")
		if !ok {
			continue
		}
		found = true
		switch rest {
		case "InMsgs":
			dyn.InMsgs = uint32(v)
		case "InErrors":
			dyn.InErrors = uint32(v)
		case "OutMsgs":
			dyn.OutMsgs = uint32(v)
		case "OutErrors":
			dyn.OutErrors = uint32(v)
		default:
			if typ, ok := typeSuffix(rest, "InType"); ok {
				dyn.InTypes[typ] = uint32(v)
			} else if typ, ok := typeSuffix(rest, "OutType"); ok {
				dyn.OutTypes[typ] = uint32(v)
			}
		}
	}
	if !found {
		return nsi.StatusNotSupported
	}
	return nil
}

// typeSuffix parses names like "InType8", returning the type number.
func typeSuffix(name, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return n, true
}

type ipStatsTable struct{ p *Provider }

func (*ipStatsTable) ID() nsi.TableID  { return nsi.IPStatsTable }
func (*ipStatsTable) Sizes() nsi.Sizes { return ipStatsSizes }

func (t *ipStatsTable) GetAllParameters([]byte) (nsi.Row, error) {
	var (
		dyn nsi.IPStatsDynamic
		st  nsi.IPStatsStatic
		err error
	)
	if t.p.is4() {
		err = t.p.ip4Stats(&dyn, &st)
	} else {
		err = t.p.ip6Stats(&dyn, &st)
	}
	if err != nil {
		return nsi.Row{}, err
	}
	return nsi.Row{Dynamic: dyn, Static: st}, nil
}

func (p *Provider) ip4Stats(dyn *nsi.IPStatsDynamic, st *nsi.IPStatsStatic) error {
	snmp, err := p.src.SNMP()
	if err != nil {
		return notSupported(err)
	}
	ip, ok := snmp["Ip"]
	if !ok {
		return nsi.StatusNotSupported
	}
	dyn.InReceives = ip["InReceives"]
	dyn.InHeaderErrors = ip["InHdrErrors"]
	dyn.InAddressErrors = ip["InAddrErrors"]
	dyn.ForwardedDatagrams = ip["ForwDatagrams"]
	dyn.InUnknownProtocols = ip["InUnknownProtos"]
	dyn.InDiscards = ip["InDiscards"]
	dyn.InDelivers = ip["InDelivers"]
	dyn.OutRequests = ip["OutRequests"]
	dyn.OutDiscards = ip["OutDiscards"]
	dyn.OutNoRoutes = ip["OutNoRoutes"]
	dyn.ReassemblyRequired = ip["ReasmReqds"]
	dyn.ReassemblyOK = ip["ReasmOKs"]
	dyn.ReassemblyFailed = ip["ReasmFails"]
	dyn.FragmentsOK = ip["FragOKs"]
	dyn.FragmentsFailed = ip["FragFails"]
	dyn.FragmentsCreated = ip["FragCreates"]
	st.ReassemblyTimeout = uint32(ip["ReasmTimeout"])

	// Octet and multicast counters live in /proc/net/netstat.
	netstat, err := p.src.Netstat()
	if err != nil {
		p.logf("reading netstat: %v", err)
		return nil
	}
	ext := netstat["IpExt"]
	dyn.InOctets = ext["InOctets"]
	dyn.OutOctets = ext["OutOctets"]
	dyn.InTruncated = ext["InTruncatedPkts"]
	dyn.InMcastPackets = ext["InMcastPkts"]
	dyn.InMcastOctets = ext["InMcastOctets"]
	dyn.OutMcastPackets = ext["OutMcastPkts"]
	dyn.OutMcastOctets = ext["OutMcastOctets"]
	dyn.InBcastPackets = ext["InBcastPkts"]
	dyn.OutBcastPackets = ext["OutBcastPkts"]
	return nil
}

func (p *Provider) ip6Stats(dyn *nsi.IPStatsDynamic, st *nsi.IPStatsStatic) error {
	c, err := p.src.SNMP6()
	if err != nil {
		return notSupported(err)
	}
	fields := map[string]*uint64{
		"Ip6InReceives":       &dyn.InReceives,
		"Ip6InOctets":         &dyn.InOctets,
		"Ip6OutForwDatagrams": &dyn.ForwardedDatagrams,
		"Ip6InDelivers":       &dyn.InDelivers,
		"Ip6OutRequests":      &dyn.OutRequests,
		"Ip6OutOctets":        &dyn.OutOctets,
		"Ip6InHdrErrors":      &dyn.InHeaderErrors,
		"Ip6InAddrErrors":     &dyn.InAddressErrors,
		"Ip6InUnknownProtos":  &dyn.InUnknownProtocols,
		"Ip6InDiscards":       &dyn.InDiscards,
		"Ip6InTruncatedPkts":  &dyn.InTruncated,
		"Ip6ReasmReqds":       &dyn.ReassemblyRequired,
		"Ip6ReasmOKs":         &dyn.ReassemblyOK,
		"Ip6ReasmFails":       &dyn.ReassemblyFailed,
		"Ip6OutNoRoutes":      &dyn.OutNoRoutes,
		"Ip6OutDiscards":      &dyn.OutDiscards,
		"Ip6FragOKs":          &dyn.FragmentsOK,
		"Ip6FragFails":        &dyn.FragmentsFailed,
		"Ip6FragCreates":      &dyn.FragmentsCreated,
		"Ip6InMcastPkts":      &dyn.InMcastPackets,
		"Ip6InMcastOctets":    &dyn.InMcastOctets,
		"Ip6OutMcastPkts":     &dyn.OutMcastPackets,
		"Ip6OutMcastOctets":   &dyn.OutMcastOctets,
	}
	found := false
	for name, f := range fields {
		if v, ok := c[name]; ok {
			*f = v
			found = true
		}
	}
	if v, ok := c["Ip6ReasmTimeout"]; ok {
		st.ReassemblyTimeout = uint32(v)
		found = true
	}
	if !found {
		return nsi.StatusNotSupported
	}
	return nil
}

// notSupported reports a data source failure. Sources that are
// unavailable on this platform keep their not-implemented status.
func notSupported(err error) error {
	if s := nsi.StatusOf(err); s == nsi.StatusNotImplemented {
		return s
	}
	return nsi.StatusNotSupported
}
