// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsiproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/icmp"
	"nsiproxy.dev/types/logger"
)

// Device executes ioctls: each takes an input buffer and the size of the
// caller's output buffer, and returns the output bytes. Output is only
// returned with a nil error or nsi.StatusBufferOverflow.
type Device struct {
	disp    *nsi.Dispatcher
	icmp    *icmp.Engine
	watcher *Watcher
	logf    logger.Logf

	registry *prometheus.Registry
	ioctls   *prometheus.CounterVec
}

// NewDevice returns a Device serving tables from d, echo sessions from
// eng and change notifications from w. The ICMP and change-notify codes
// fail with nsi.StatusNotSupported when eng or w is nil.
func NewDevice(d *nsi.Dispatcher, eng *icmp.Engine, w *Watcher, logf logger.Logf) *Device {
	ioctls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nsiproxy",
		Name:      "ioctls_total",
		Help:      "Device ioctls by operation and result status.",
	}, []string{"op", "status"})
	registry := prometheus.NewRegistry()
	registry.MustRegister(ioctls)
	return &Device{
		disp:     d,
		icmp:     eng,
		watcher:  w,
		logf:     logger.WithPrefix(logger.OrDiscard(logf), "device: "),
		registry: registry,
		ioctls:   ioctls,
	}
}

// Describe is part of the implementation of prometheus.Collector.
func (d *Device) Describe(descCh chan<- *prometheus.Desc) {
	d.registry.Describe(descCh)
}

// Collect is part of the implementation of prometheus.Collector.
func (d *Device) Collect(metricCh chan<- prometheus.Metric) {
	d.registry.Collect(metricCh)
}

// Ioctl executes the control code with input in for a caller whose output
// buffer is outSize bytes. The blocking codes, IoctlChangeNotify and
// IoctlICMPListen, return nsi.StatusCancelled when ctx is done.
func (d *Device) Ioctl(ctx context.Context, code nsi.IoctlCode, in []byte, outSize int) (out []byte, err error) {
	op := code.String()
	defer func() {
		d.ioctls.WithLabelValues(op, nsi.StatusOf(err).String()).Inc()
	}()
	if outSize < 0 {
		return nil, nsi.StatusInvalidParameter
	}
	switch code {
	case nsi.IoctlEnumerateAll:
		return d.enumerateAll(in, outSize)
	case nsi.IoctlGetAllParameters:
		return d.getAllParameters(in, outSize)
	case nsi.IoctlGetParameter:
		return d.getParameter(in, outSize)
	case nsi.IoctlChangeNotify:
		return nil, d.changeNotify(ctx, in, outSize)
	case nsi.IoctlICMPEcho:
		return d.icmpEcho(in, outSize)
	case nsi.IoctlICMPListen:
		return d.icmpListen(ctx, in, outSize)
	case nsi.IoctlICMPCancel:
		return nil, d.icmpHandleOp(in, outSize, d.icmp.Cancel)
	case nsi.IoctlICMPClose:
		return nil, d.icmpHandleOp(in, outSize, d.icmp.Close)
	}
	op = "unknown"
	d.logf("unknown ioctl %v", code)
	return nil, nsi.StatusNotSupported
}

// checkSizes reports whether every column size a caller sent is either
// zero or the table's declared size.
func checkSizes(declared, sent nsi.Sizes) error {
	for c, sz := range sent {
		if sz != 0 && sz != declared[c] {
			return nsi.StatusInvalidParameter
		}
	}
	return nil
}

func (d *Device) enumerateAll(in []byte, outSize int) ([]byte, error) {
	req, err := nsi.UnmarshalEnumerate(in)
	if err != nil {
		return nil, err
	}
	t, err := d.disp.Registry().Lookup(req.Module, req.Table)
	if err != nil {
		return nil, err
	}
	var sizes nsi.Sizes
	for c, col := range req.Columns {
		sizes[c] = col.Size
	}
	if err := checkSizes(t.Sizes(), sizes); err != nil {
		return nil, err
	}
	want, err := nsi.CheckEnumerateOutputSize(sizes, req.Count)
	if err != nil {
		return nil, err
	}
	if outSize != want {
		return nil, nsi.StatusInvalidParameter
	}
	out := make([]byte, outSize)
	for c, data := range nsi.SplitEnumerateOutput(out, sizes, req.Count) {
		req.Columns[c].Data = data
	}
	err = d.disp.EnumerateAll(req)
	if err != nil && !errors.Is(err, nsi.StatusBufferOverflow) {
		return nil, err
	}
	binary.LittleEndian.PutUint32(out, uint32(req.Count))
	return out, err
}

func (d *Device) getAllParameters(in []byte, outSize int) ([]byte, error) {
	req, err := nsi.UnmarshalGetAll(in)
	if err != nil {
		return nil, err
	}
	t, err := d.disp.Registry().Lookup(req.Module, req.Table)
	if err != nil {
		return nil, err
	}
	rw, dyn, st := req.RW.Size, req.Dynamic.Size, req.Static.Size
	if err := checkSizes(t.Sizes(), nsi.Sizes{0, rw, dyn, st}); err != nil {
		return nil, err
	}
	if outSize != rw+dyn+st {
		return nil, nsi.StatusInvalidParameter
	}
	out := make([]byte, outSize)
	req.RW.Data = out[:rw:rw]
	req.Dynamic.Data = out[rw : rw+dyn : rw+dyn]
	req.Static.Data = out[rw+dyn:]
	if err := d.disp.GetAllParameters(req); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Device) getParameter(in []byte, outSize int) ([]byte, error) {
	req, err := nsi.UnmarshalGetParameter(in)
	if err != nil {
		return nil, err
	}
	if outSize != len(req.Data) {
		return nil, nsi.StatusInvalidParameter
	}
	if err := d.disp.GetParameter(req); err != nil {
		return nil, err
	}
	return req.Data, nil
}

func (d *Device) changeNotify(ctx context.Context, in []byte, outSize int) error {
	name, err := nsi.UnmarshalTableName(in)
	if err != nil {
		return err
	}
	if outSize != 0 {
		return nsi.StatusInvalidParameter
	}
	if d.watcher == nil {
		return nsi.StatusNotSupported
	}
	changed, unregister, err := d.watcher.Register(name)
	if err != nil {
		return err
	}
	defer unregister()
	select {
	case err := <-changed:
		if err != nil {
			return nsi.StatusCancelled
		}
		return nil
	case <-ctx.Done():
		return nsi.StatusCancelled
	}
}

func (d *Device) icmpEcho(in []byte, outSize int) ([]byte, error) {
	req, err := nsi.UnmarshalEchoRequest(in)
	if err != nil {
		return nil, err
	}
	if outSize != 4 {
		return nil, nsi.StatusInvalidParameter
	}
	if d.icmp == nil {
		return nil, nsi.StatusNotSupported
	}
	er, err := echoRequest(req)
	if err != nil {
		return nil, err
	}
	h, err := d.icmp.Send(er)
	if err != nil {
		return nil, err
	}
	return nsi.MarshalHandle(uint32(h)), nil
}

// echoRequest converts the wire form of an echo request.
func echoRequest(r *nsi.EchoRequest) (*icmp.EchoRequest, error) {
	if r.Dest.Family != nsi.AFInet {
		return nil, nsi.StatusNotSupported
	}
	er := &icmp.EchoRequest{
		Dest:         r.Dest.AddrPort().Addr(),
		TTL:          r.TTL,
		TOS:          r.TOS,
		DontFragment: r.Flags&nsi.EchoFlagDontFragment != 0,
		Data:         r.Data,
	}
	switch r.Source.Family {
	case 0:
	case nsi.AFInet:
		if a := r.Source.AddrPort().Addr(); !a.IsUnspecified() {
			er.Source = a
		}
	default:
		return nil, nsi.StatusNotSupported
	}
	return er, nil
}

func (d *Device) icmpListen(ctx context.Context, in []byte, outSize int) ([]byte, error) {
	req, err := nsi.UnmarshalListenRequest(in)
	if err != nil {
		return nil, err
	}
	if d.icmp == nil {
		return nil, nsi.StatusNotSupported
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	return d.icmp.Listen(ctx, icmp.Handle(req.Handle), timeout, int(req.Bits), outSize)
}

func (d *Device) icmpHandleOp(in []byte, outSize int, op func(icmp.Handle) error) error {
	h, err := nsi.UnmarshalHandle(in)
	if err != nil {
		return err
	}
	if outSize != 0 {
		return nsi.StatusInvalidParameter
	}
	if d.icmp == nil {
		return nsi.StatusNotSupported
	}
	return op(icmp.Handle(h))
}
