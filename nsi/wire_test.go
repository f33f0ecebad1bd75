// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import (
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
)

var deepEquals = qt.CmpEquals(cmp.AllowUnexported(ModuleID{}))

func TestModuleNames(t *testing.T) {
	c := qt.New(t)
	c.Assert(NDIS.String(), qt.Equals, "ndis")
	g, ok := NDIS.GUID()
	c.Assert(ok, qt.IsTrue)
	c.Assert(g.String(), qt.Equals, "{eb004a11-9b1a-11d4-9123-0050047759bc}")

	for _, name := range []string{"ndis", "IPv4", "ipv6", "tcp", "udp"} {
		m, ok := ModuleByName(name)
		c.Assert(ok, qt.IsTrue, qt.Commentf("%s", name))
		c.Assert(m.IsValid(), qt.IsTrue)
	}
	m, ok := ModuleByName("{eb004a03-9b1a-11d4-9123-0050047759bc}")
	c.Assert(ok, qt.IsTrue)
	c.Assert(m, qt.Equals, TCP)
	_, ok = ModuleByName("nope")
	c.Assert(ok, qt.IsFalse)
}

func TestModuleIDEquality(t *testing.T) {
	c := qt.New(t)
	luid := MakeLUID(IfTypeSoftwareLoopback, 1)
	c.Assert(LUIDModule(luid), qt.Equals, LUIDModule(luid))
	c.Assert(LUIDModule(luid), qt.Not(qt.Equals), LUIDModule(luid+1))
	c.Assert(IPv4, qt.Not(qt.Equals), IPv6)
	// Same payload bytes, different kind.
	c.Assert(GUIDModule(GUID{Data1: 1}), qt.Not(qt.Equals), LUIDModule(1))
}

func TestModuleIDWire(t *testing.T) {
	c := qt.New(t)
	for _, m := range []ModuleID{NDIS, IPv4, IPv6, TCP, UDP, LUIDModule(MakeLUID(IfTypeEthernetCSMACD, 7))} {
		b, err := m.AppendBinary(nil)
		c.Assert(err, qt.IsNil)
		c.Assert(b, qt.HasLen, ModuleIDSize)
		got, err := DecodeModuleID(b)
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, m)
	}
	_, err := DecodeModuleID(make([]byte, ModuleIDSize))
	c.Assert(err, qt.Equals, StatusInvalidParameter)
}

func TestLUID(t *testing.T) {
	c := qt.New(t)
	l := MakeLUID(IfTypeEthernetCSMACD, 0x123456)
	c.Assert(l.Index(), qt.Equals, uint32(0x123456))
	c.Assert(l.IfType(), qt.Equals, uint16(IfTypeEthernetCSMACD))
	c.Assert(uint64(l)&0xffffff, qt.Equals, uint64(0))
}

func TestParseGUID(t *testing.T) {
	c := qt.New(t)
	g, err := ParseGUID("eb004a00-9b1a-11d4-9123-0050047759bc")
	c.Assert(err, qt.IsNil)
	c.Assert(GUIDModule(g), qt.Equals, IPv4)
	_, err = ParseGUID("{bogus}")
	c.Assert(err, qt.ErrorMatches, `invalid GUID .*`)
}

func TestEnumerateWire(t *testing.T) {
	c := qt.New(t)
	req := &EnumerateRequest{Module: IPv6, Table: ForwardTable, First: 1, Second: 2, Count: 9}
	req.Columns[ColumnKey].Size = 56
	req.Columns[ColumnStatic].Size = 8
	got, err := UnmarshalEnumerate(MarshalEnumerate(req))
	c.Assert(err, qt.IsNil)
	c.Assert(got, deepEquals, req)

	_, err = UnmarshalEnumerate(append(MarshalEnumerate(req), 0))
	c.Assert(err, qt.Equals, StatusInvalidParameter)
	_, err = UnmarshalEnumerate(MarshalEnumerate(req)[:30])
	c.Assert(err, qt.Equals, StatusInvalidParameter)
}

func TestEnumerateOutputLayout(t *testing.T) {
	c := qt.New(t)
	sizes := Sizes{4, 0, 2, 8}
	out := make([]byte, EnumerateOutputSize(sizes, 3))
	c.Assert(out, qt.HasLen, 4+4*3+2*3+8*3)
	cols := SplitEnumerateOutput(out, sizes, 3)
	c.Assert(cols[ColumnKey], qt.HasLen, 12)
	c.Assert(cols[ColumnRW], qt.IsNil)
	c.Assert(cols[ColumnDynamic], qt.HasLen, 6)
	c.Assert(cols[ColumnStatic], qt.HasLen, 24)
	cols[ColumnDynamic][0] = 0xaa
	c.Assert(out[4+12], qt.Equals, byte(0xaa))
}

func TestCheckEnumerateOutputSize(t *testing.T) {
	c := qt.New(t)
	sizes := Sizes{4, 0, 2, 8}
	n, err := CheckEnumerateOutputSize(sizes, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, EnumerateOutputSize(sizes, 3))

	n, err = CheckEnumerateOutputSize(Sizes{}, 1<<31)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 4)

	huge := Sizes{1 << 31, 1 << 31, 1 << 31, 1 << 31}
	_, err = CheckEnumerateOutputSize(huge, 1<<31)
	c.Assert(err, qt.Equals, StatusNoMemory)
	_, err = CheckEnumerateOutputSize(sizes, MaxOutputSize)
	c.Assert(err, qt.Equals, StatusNoMemory)
	_, err = CheckEnumerateOutputSize(sizes, -1)
	c.Assert(err, qt.Equals, StatusInvalidParameter)
}

func TestGetWire(t *testing.T) {
	c := qt.New(t)
	all := &GetAllRequest{
		Module:  NDIS,
		Table:   IfInfoTable,
		Key:     []byte{1, 2, 3, 4, 5, 6, 7, 8},
		RW:      ColumnBuf{Size: 10},
		Dynamic: ColumnBuf{Size: 20},
	}
	gotAll, err := UnmarshalGetAll(MarshalGetAll(all))
	c.Assert(err, qt.IsNil)
	c.Assert(gotAll, deepEquals, all)

	// A declared key size that disagrees with the input is rejected.
	in := MarshalGetAll(all)
	_, err = UnmarshalGetAll(in[:len(in)-1])
	c.Assert(err, qt.Equals, StatusInvalidParameter)

	param := &GetParameterRequest{Module: NDIS, Table: IfInfoTable, Key: []byte{9, 9, 9, 9, 9, 9, 9, 9}, Class: ParamStatic, Offset: 4, Data: make([]byte, 16)}
	gotParam, err := UnmarshalGetParameter(MarshalGetParameter(param))
	c.Assert(err, qt.IsNil)
	c.Assert(gotParam, deepEquals, param)

	in = appendRecord(appendModule(nil, NDIS), &getParameterHeader{
		Table:    uint32(IfInfoTable),
		Class:    uint32(ParamStatic),
		DataSize: MaxRecordSize + 1,
	})
	_, err = UnmarshalGetParameter(in)
	c.Assert(err, qt.Equals, StatusInvalidParameter)
}

func TestEchoWire(t *testing.T) {
	c := qt.New(t)
	r := &EchoRequest{
		Dest:  MakeSockAddr(netip.MustParseAddrPort("192.0.2.1:0"), 0),
		TTL:   64,
		Flags: EchoFlagDontFragment,
		Data:  []byte("abcdefgh"),
	}
	got, err := UnmarshalEchoRequest(MarshalEchoRequest(r))
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, r)
	c.Assert(got.Dest.AddrPort().Addr(), qt.Equals, netip.MustParseAddr("192.0.2.1"))

	in := MarshalEchoRequest(r)
	_, err = UnmarshalEchoRequest(in[:len(in)-2])
	c.Assert(err, qt.Equals, StatusInvalidParameter)

	lr := ListenRequest{Handle: 0x10001, TimeoutMS: 500, Bits: 64}
	gotLR, err := UnmarshalListenRequest(MarshalListenRequest(lr))
	c.Assert(err, qt.IsNil)
	c.Assert(gotLR, qt.Equals, lr)

	tn := TableName{Module: IPv4, Table: UnicastTable}
	gotTN, err := UnmarshalTableName(MarshalTableName(tn))
	c.Assert(err, qt.IsNil)
	c.Assert(gotTN, qt.Equals, tn)
}

func TestSockAddr(t *testing.T) {
	c := qt.New(t)
	ap := netip.MustParseAddrPort("[fe80::1]:443")
	s := MakeSockAddr(ap, 3)
	c.Assert(s.Family, qt.Equals, uint16(AFInet6))
	c.Assert(s.Port, qt.Equals, [2]byte{0x01, 0xbb})
	c.Assert(s.AddrPort(), qt.Equals, ap)
	c.Assert(s.ScopeID(), qt.Equals, uint32(3))
	c.Assert(SizesOf(s, nil, nil, nil).Key(), qt.Equals, 28)
}

func TestCountedString(t *testing.T) {
	c := qt.New(t)
	cs := NewCountedString("eth0")
	c.Assert(cs.Length, qt.Equals, uint16(8))
	c.Assert(cs.Value(), qt.Equals, "eth0")
	c.Assert(SizesOf(cs, nil, nil, nil).Key(), qt.Equals, 516)
}

func TestFieldRange(t *testing.T) {
	c := qt.New(t)
	off, size := FieldRange[IfInfoStatic]("IfIndex")
	c.Assert([]int{off, size}, qt.DeepEquals, []int{0, 4})
	off, size = FieldRange[IfInfoStatic]("IfGUID")
	c.Assert([]int{off, size}, qt.DeepEquals, []int{4 + 516 + 12, 16})
	off, size = FieldRange[IfInfoRW]("Alias.Length")
	c.Assert([]int{off, size}, qt.DeepEquals, []int{20, 2})
	_, _, err := FieldRangeOf(IfInfoRW{}, "Nope")
	c.Assert(err, qt.ErrorMatches, `.*has no field "Nope"`)
}

func TestStatusOf(t *testing.T) {
	c := qt.New(t)
	c.Assert(StatusOf(nil), qt.Equals, StatusSuccess)
	c.Assert(StatusOf(StatusNotFound), qt.Equals, StatusNotFound)
	c.Assert(StatusInvalidParameter.IsError(), qt.IsTrue)
	c.Assert(StatusBufferOverflow.IsError(), qt.IsFalse)
	c.Assert(StatusNotFound.Error(), qt.Equals, "nsi: not found")
}
