// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsiproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/sysnet"
	"nsiproxy.dev/nsiproxy/sysnet/sysnettest"
)

// ifList is an interface lister whose interfaces tests can change.
type ifList struct {
	mu  sync.Mutex
	ifs []sysnet.Interface
}

func (l *ifList) list() ([]sysnet.Interface, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ifs), nil
}

func (l *ifList) add(ifc sysnet.Interface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ifs = append(l.ifs, ifc)
}

func newTestService(t *testing.T) (*Service, *ifList) {
	t.Helper()
	src := sysnettest.New()
	ifs := &ifList{ifs: sysnettest.Interfaces()}
	src.Interfaces = ifs.list
	s := New(t.Logf, Options{Source: src, NotifyInterval: 10 * time.Millisecond})
	t.Cleanup(func() { s.Close() })
	return s, ifs
}

func indexLUIDSizes(t *testing.T, s *Service) nsi.Sizes {
	t.Helper()
	tbl, err := s.Dispatcher().Registry().Lookup(nsi.NDIS, nsi.IndexLUIDTable)
	if err != nil {
		t.Fatal(err)
	}
	return tbl.Sizes()
}

func enumerateInput(sizes nsi.Sizes, count int) []byte {
	req := &nsi.EnumerateRequest{Module: nsi.NDIS, Table: nsi.IndexLUIDTable, Count: count}
	for c, sz := range sizes {
		req.Columns[c].Size = sz
	}
	return nsi.MarshalEnumerate(req)
}

func TestEnumerateIoctl(t *testing.T) {
	s, _ := newTestService(t)
	dev := s.Device()
	sizes := indexLUIDSizes(t, s)
	ctx := context.Background()

	outSize := nsi.EnumerateOutputSize(sizes, 4)
	out, err := dev.Ioctl(ctx, nsi.IoctlEnumerateAll, enumerateInput(sizes, 4), outSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != outSize {
		t.Fatalf("output is %d bytes, want %d", len(out), outSize)
	}
	if n := binary.LittleEndian.Uint32(out); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	cols := nsi.SplitEnumerateOutput(out, sizes, 4)
	var keys []uint32
	for i := range 2 {
		keys = append(keys, binary.LittleEndian.Uint32(cols[nsi.ColumnKey][i*4:]))
	}
	if !slices.Equal(keys, []uint32{1, 2}) {
		t.Errorf("keys = %v, want [1 2]", keys)
	}
	var st nsi.IndexLUIDStatic
	if err := nsi.DecodeRecord(cols[nsi.ColumnStatic][sizes[nsi.ColumnStatic]:][:sizes[nsi.ColumnStatic]], &st); err != nil {
		t.Fatal(err)
	}
	if want := nsi.MakeLUID(nsi.IfTypeEthernetCSMACD, 2); st.LUID != want {
		t.Errorf("eth0 LUID = %#x, want %#x", st.LUID, want)
	}
}

func TestEnumerateIoctlOverflow(t *testing.T) {
	s, _ := newTestService(t)
	sizes := indexLUIDSizes(t, s)
	outSize := nsi.EnumerateOutputSize(sizes, 1)
	out, err := s.Device().Ioctl(context.Background(), nsi.IoctlEnumerateAll, enumerateInput(sizes, 1), outSize)
	if !errors.Is(err, nsi.StatusBufferOverflow) {
		t.Fatalf("err = %v, want buffer overflow", err)
	}
	if len(out) != outSize {
		t.Fatalf("overflow output is %d bytes, want %d", len(out), outSize)
	}
	if n := binary.LittleEndian.Uint32(out); n != 2 {
		t.Errorf("count = %d, want total 2", n)
	}
	if k := binary.LittleEndian.Uint32(out[4:]); k != 1 {
		t.Errorf("first key = %d, want 1", k)
	}
}

func TestEnumerateIoctlCountOnly(t *testing.T) {
	s, _ := newTestService(t)
	out, err := s.Device().Ioctl(context.Background(), nsi.IoctlEnumerateAll, enumerateInput(nsi.Sizes{}, 0), 4)
	if err != nil {
		t.Fatal(err)
	}
	if n := binary.LittleEndian.Uint32(out); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestIoctlBadSizes(t *testing.T) {
	s, _ := newTestService(t)
	dev := s.Device()
	sizes := indexLUIDSizes(t, s)
	ctx := context.Background()
	key := binary.LittleEndian.AppendUint32(nil, 2)
	getAll := nsi.MarshalGetAll(&nsi.GetAllRequest{
		Module: nsi.NDIS,
		Table:  nsi.IndexLUIDTable,
		Key:    key,
		Static: nsi.ColumnBuf{Size: sizes[nsi.ColumnStatic]},
	})
	getAllHuge := nsi.MarshalGetAll(&nsi.GetAllRequest{
		Module:  nsi.NDIS,
		Table:   nsi.IfInfoTable,
		Key:     make([]byte, 8),
		RW:      nsi.ColumnBuf{Size: 1 << 31},
		Dynamic: nsi.ColumnBuf{Size: 1 << 31},
		Static:  nsi.ColumnBuf{Size: 1 << 31},
	})
	huge := nsi.Sizes{1 << 31, 1 << 31, 1 << 31, 1 << 31}

	tests := []struct {
		name    string
		code    nsi.IoctlCode
		in      []byte
		outSize int
		want    error
	}{
		{"enumerate-short-out", nsi.IoctlEnumerateAll, enumerateInput(sizes, 4), nsi.EnumerateOutputSize(sizes, 4) - 1, nsi.StatusInvalidParameter},
		{"enumerate-truncated-in", nsi.IoctlEnumerateAll, enumerateInput(sizes, 4)[:10], 4, nsi.StatusInvalidParameter},
		{"enumerate-huge-sizes", nsi.IoctlEnumerateAll, enumerateInput(huge, 1<<31), 4, nsi.StatusInvalidParameter},
		{"enumerate-huge-count", nsi.IoctlEnumerateAll, enumerateInput(sizes, 1<<31), 4, nsi.StatusNoMemory},
		{"enumerate-undeclared-column", nsi.IoctlEnumerateAll, enumerateInput(nsi.Sizes{sizes[nsi.ColumnKey], 8, 0, 0}, 1), 4 + sizes[nsi.ColumnKey] + 8, nsi.StatusInvalidParameter},
		{"getall-huge-columns", nsi.IoctlGetAllParameters, getAllHuge, 4, nsi.StatusInvalidParameter},
		{"getall-long-out", nsi.IoctlGetAllParameters, getAll, sizes[nsi.ColumnStatic] + 1, nsi.StatusInvalidParameter},
		{"getall-missing-key", nsi.IoctlGetAllParameters, getAll[:len(getAll)-1], sizes[nsi.ColumnStatic], nsi.StatusInvalidParameter},
		{"negative-out", nsi.IoctlGetAllParameters, getAll, -1, nsi.StatusInvalidParameter},
		{"unknown-code", nsi.IoctlCode(12345), nil, 0, nsi.StatusNotSupported},
		{"cancel-short-handle", nsi.IoctlICMPCancel, []byte{1, 0}, 0, nsi.StatusInvalidParameter},
		{"close-unknown-handle", nsi.IoctlICMPClose, nsi.MarshalHandle(0x10001), 0, nsi.StatusInvalidHandle},
		{"echo-ipv6", nsi.IoctlICMPEcho, nsi.MarshalEchoRequest(&nsi.EchoRequest{
			Dest: nsi.MakeSockAddr(netip.MustParseAddrPort("[::1]:0"), 0),
		}), 4, nsi.StatusNotSupported},
		{"echo-bad-out", nsi.IoctlICMPEcho, nsi.MarshalEchoRequest(&nsi.EchoRequest{
			Dest: nsi.MakeSockAddr(netip.MustParseAddrPort("127.0.0.1:0"), 0),
		}), 8, nsi.StatusInvalidParameter},
		{"listen-unknown-handle", nsi.IoctlICMPListen, nsi.MarshalListenRequest(nsi.ListenRequest{Handle: 7, TimeoutMS: 10, Bits: 64}), 1024, nsi.StatusInvalidHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := dev.Ioctl(ctx, tt.code, tt.in, tt.outSize)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if out != nil {
				t.Errorf("output %x returned with error", out)
			}
		})
	}
	if got := testutil.ToFloat64(dev.ioctls.WithLabelValues("unknown", "not supported")); got != 1 {
		t.Errorf("unknown ioctls counted = %v, want 1", got)
	}
}

func TestDeviceWithoutICMPOrWatcher(t *testing.T) {
	s, _ := newTestService(t)
	dev := NewDevice(s.Dispatcher(), nil, nil, t.Logf)
	ctx := context.Background()
	tests := []struct {
		name    string
		code    nsi.IoctlCode
		in      []byte
		outSize int
	}{
		{"change-notify", nsi.IoctlChangeNotify, nsi.MarshalTableName(nsi.TableName{Module: nsi.NDIS, Table: nsi.IfInfoTable}), 0},
		{"echo", nsi.IoctlICMPEcho, nsi.MarshalEchoRequest(&nsi.EchoRequest{
			Dest: nsi.MakeSockAddr(netip.MustParseAddrPort("127.0.0.1:0"), 0),
		}), 4},
		{"listen", nsi.IoctlICMPListen, nsi.MarshalListenRequest(nsi.ListenRequest{Handle: 1, TimeoutMS: 10, Bits: 64}), 1024},
		{"cancel", nsi.IoctlICMPCancel, nsi.MarshalHandle(1), 0},
		{"close", nsi.IoctlICMPClose, nsi.MarshalHandle(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dev.Ioctl(ctx, tt.code, tt.in, tt.outSize); !errors.Is(err, nsi.StatusNotSupported) {
				t.Errorf("err = %v, want not supported", err)
			}
		})
	}
	sizes := indexLUIDSizes(t, s)
	if _, err := dev.Ioctl(ctx, nsi.IoctlEnumerateAll, enumerateInput(sizes, 4), nsi.EnumerateOutputSize(sizes, 4)); err != nil {
		t.Errorf("enumerate: %v", err)
	}
}

func TestGetIoctls(t *testing.T) {
	s, _ := newTestService(t)
	dev := s.Device()
	ctx := context.Background()
	tbl, err := s.Dispatcher().Registry().Lookup(nsi.NDIS, nsi.IfInfoTable)
	if err != nil {
		t.Fatal(err)
	}
	sizes := tbl.Sizes()
	key := binary.LittleEndian.AppendUint64(nil, uint64(nsi.MakeLUID(nsi.IfTypeEthernetCSMACD, 2)))

	in := nsi.MarshalGetAll(&nsi.GetAllRequest{
		Module:  nsi.NDIS,
		Table:   nsi.IfInfoTable,
		Key:     key,
		RW:      nsi.ColumnBuf{Size: sizes[nsi.ColumnRW]},
		Dynamic: nsi.ColumnBuf{Size: sizes[nsi.ColumnDynamic]},
		Static:  nsi.ColumnBuf{Size: sizes[nsi.ColumnStatic]},
	})
	all, err := dev.Ioctl(ctx, nsi.IoctlGetAllParameters, in, sizes[nsi.ColumnRW]+sizes[nsi.ColumnDynamic]+sizes[nsi.ColumnStatic])
	if err != nil {
		t.Fatal(err)
	}
	var st nsi.IfInfoStatic
	if err := nsi.DecodeRecord(all[sizes[nsi.ColumnRW]+sizes[nsi.ColumnDynamic]:], &st); err != nil {
		t.Fatal(err)
	}
	if st.IfIndex != 2 {
		t.Errorf("IfIndex = %d, want 2", st.IfIndex)
	}

	off, size := nsi.FieldRange[nsi.IfInfoStatic]("IfIndex")
	in = nsi.MarshalGetParameter(&nsi.GetParameterRequest{
		Module: nsi.NDIS,
		Table:  nsi.IfInfoTable,
		Key:    key,
		Class:  nsi.ParamStatic,
		Offset: off,
		Data:   make([]byte, size),
	})
	got, err := dev.Ioctl(ctx, nsi.IoctlGetParameter, in, size)
	if err != nil {
		t.Fatal(err)
	}
	if v := binary.LittleEndian.Uint32(got); v != 2 {
		t.Errorf("IfIndex parameter = %d, want 2", v)
	}
	if _, err := dev.Ioctl(ctx, nsi.IoctlGetParameter, in, size+1); !errors.Is(err, nsi.StatusInvalidParameter) {
		t.Errorf("get parameter with wrong out size = %v", err)
	}
}

func changeNotify(ctx context.Context, dev *Device, table nsi.TableID) <-chan error {
	errc := make(chan error, 1)
	go func() {
		in := nsi.MarshalTableName(nsi.TableName{Module: nsi.NDIS, Table: table})
		_, err := dev.Ioctl(ctx, nsi.IoctlChangeNotify, in, 0)
		errc <- err
	}()
	return errc
}

func waitRegistrations(t *testing.T, w *Watcher, n int) {
	t.Helper()
	for deadline := time.Now().Add(5 * time.Second); w.Len() != n; {
		if time.Now().After(deadline) {
			t.Fatalf("%d registrations, want %d", w.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChangeNotify(t *testing.T) {
	s, ifs := newTestService(t)
	errc := changeNotify(context.Background(), s.Device(), nsi.IndexLUIDTable)
	waitRegistrations(t, s.watcher, 1)

	select {
	case err := <-errc:
		t.Fatalf("ChangeNotify returned %v before any change", err)
	case <-time.After(50 * time.Millisecond):
	}

	ifs.add(sysnet.Interface{
		Index: 3,
		Name:  "eth1",
		MTU:   1500,
		Flags: net.FlagUp,
		Type:  nsi.IfTypeEthernetCSMACD,
	})
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("ChangeNotify = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after adding an interface")
	}
	waitRegistrations(t, s.watcher, 0)
}

func TestChangeNotifyCancel(t *testing.T) {
	s, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := changeNotify(ctx, s.Device(), nsi.IfInfoTable)
	waitRegistrations(t, s.watcher, 1)
	cancel()
	if err := <-errc; !errors.Is(err, nsi.StatusCancelled) {
		t.Errorf("ChangeNotify = %v, want cancelled", err)
	}
	waitRegistrations(t, s.watcher, 0)
}

func TestChangeNotifyServiceClose(t *testing.T) {
	s, _ := newTestService(t)
	errc := changeNotify(context.Background(), s.Device(), nsi.IfInfoTable)
	waitRegistrations(t, s.watcher, 1)
	s.Close()
	if err := <-errc; !errors.Is(err, nsi.StatusCancelled) {
		t.Errorf("ChangeNotify = %v, want cancelled", err)
	}
}

func TestChangeNotifyBadTable(t *testing.T) {
	s, _ := newTestService(t)
	in := nsi.MarshalTableName(nsi.TableName{Module: nsi.IPv4, Table: nsi.CompartmentTable})
	if _, err := s.Device().Ioctl(context.Background(), nsi.IoctlChangeNotify, in, 0); !errors.Is(err, nsi.StatusInvalidParameter) {
		t.Errorf("ChangeNotify on a non-enumerable table = %v, want invalid parameter", err)
	}
	in = nsi.MarshalTableName(nsi.TableName{Module: nsi.NDIS, Table: 99})
	if _, err := s.Device().Ioctl(context.Background(), nsi.IoctlChangeNotify, in, 0); !errors.Is(err, nsi.StatusInvalidParameter) {
		t.Errorf("ChangeNotify on an unknown table = %v, want invalid parameter", err)
	}
}

func TestSnapshotIgnoresCounters(t *testing.T) {
	snap := func(dev string) []byte {
		src := sysnettest.New()
		proc := sysnettest.Proc()
		proc["net/dev"].Data = []byte(dev)
		src.Proc = proc
		s := New(t.Logf, Options{Source: src})
		defer s.Close()
		b, err := snapshot(s.Dispatcher(), nsi.TableName{Module: nsi.NDIS, Table: nsi.IfInfoTable})
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	const header = "Inter-|\n face |\n"
	a := snap(header + "  eth0: 100 1 0 0 0 0 0 0 100 1 0 0 0 0 0 0\n")
	b := snap(header + "  eth0: 999 9 0 0 0 0 0 0 999 9 0 0 0 0 0 0\n")
	if len(a) == 0 || !slices.Equal(a, b) {
		t.Error("snapshot changed with interface counters")
	}
}

func TestDeviceEchoLoopback(t *testing.T) {
	s, _ := newTestService(t)
	dev := s.Device()
	ctx := context.Background()
	in := nsi.MarshalEchoRequest(&nsi.EchoRequest{
		Dest: nsi.MakeSockAddr(netip.MustParseAddrPort("127.0.0.1:0"), 0),
		TTL:  64,
		Data: []byte("ping"),
	})
	out, err := dev.Ioctl(ctx, nsi.IoctlICMPEcho, in, 4)
	if err != nil {
		t.Skipf("no ICMP sockets available: %v", err)
	}
	h, err := nsi.UnmarshalHandle(out)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := dev.Ioctl(ctx, nsi.IoctlICMPListen, nsi.MarshalListenRequest(nsi.ListenRequest{Handle: h, TimeoutMS: 5000, Bits: 32}), 256)
	if err != nil {
		t.Fatal(err)
	}
	if st := binary.LittleEndian.Uint32(reply[4:]); st != 0 {
		t.Errorf("reply status = %d", st)
	}
	if _, err := dev.Ioctl(ctx, nsi.IoctlICMPClose, nsi.MarshalHandle(h), 0); err != nil {
		t.Errorf("close: %v", err)
	}
	if _, err := dev.Ioctl(ctx, nsi.IoctlICMPCancel, nsi.MarshalHandle(h), 0); !errors.Is(err, nsi.StatusInvalidHandle) {
		t.Errorf("cancel after close = %v, want invalid handle", err)
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestService(t)
	s.Device().Ioctl(context.Background(), nsi.IoctlEnumerateAll, enumerateInput(nsi.Sizes{}, 0), 4)
	mfs, err := s.Metrics().Gather()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"nsiproxy_ioctls_total":  false,
		"nsiproxy_icmp_sessions": false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
