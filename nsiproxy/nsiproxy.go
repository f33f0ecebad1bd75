// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package nsiproxy assembles the NSI table providers and the ICMP echo
// engine behind a single ioctl-style Device, and serves that device over
// a unix socket.
package nsiproxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/icmp"
	"nsiproxy.dev/nsiproxy/ip"
	"nsiproxy.dev/nsiproxy/ndis"
	"nsiproxy.dev/nsiproxy/sysnet"
	"nsiproxy.dev/nsiproxy/tcp"
	"nsiproxy.dev/nsiproxy/udp"
	"nsiproxy.dev/types/logger"
)

// DefaultNotifyInterval is the change-notification poll interval used
// when Options.NotifyInterval is zero.
const DefaultNotifyInterval = 2 * time.Second

// Options configures a Service. The zero value serves the running
// system.
type Options struct {
	// Source is where providers read OS state. If nil, the running
	// system's /proc and /sys are used.
	Source *sysnet.Source

	// MaxICMPHandles is the number of echo sessions that may be open at
	// once. Zero means icmp.DefaultMaxHandles.
	MaxICMPHandles int

	// NotifyInterval is how often tables with change-notification
	// registrations are re-read. Zero means DefaultNotifyInterval.
	NotifyInterval time.Duration
}

// Service is a running NSI proxy: the provider registry, the ICMP engine,
// the change watcher and the Device fronting them.
type Service struct {
	logf     logger.Logf
	ifs      *ndis.Cache
	disp     *nsi.Dispatcher
	icmp     *icmp.Engine
	watcher  *Watcher
	device   *Device
	registry *prometheus.Registry
}

// New returns a Service configured by opts.
func New(logf logger.Logf, opts Options) *Service {
	logf = logger.OrDiscard(logf)
	src := opts.Source
	if src == nil {
		src = sysnet.New("", "")
	}
	interval := opts.NotifyInterval
	if interval <= 0 {
		interval = DefaultNotifyInterval
	}

	ifs := ndis.NewCache(src, logf)
	reg := nsi.NewRegistry(
		ifs.Module(),
		ip.New(nsi.AFInet, ifs, logf).Module(),
		ip.New(nsi.AFInet6, ifs, logf).Module(),
		tcp.New(src, logf).Module(),
		udp.New(src, logf).Module(),
	)
	disp := nsi.NewDispatcher(reg, logf)
	eng := icmp.NewEngine(logf, icmp.Options{MaxHandles: opts.MaxICMPHandles})
	w := NewWatcher(disp, interval, logf)

	s := &Service{
		logf:     logger.WithPrefix(logf, "nsiproxy: "),
		ifs:      ifs,
		disp:     disp,
		icmp:     eng,
		watcher:  w,
		device:   NewDevice(disp, eng, w, logf),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		s.device,
		s.icmp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.logf("starting with %d tables", len(reg.Tables()))
	return s
}

// Device returns the service's device.
func (s *Service) Device() *Device { return s.device }

// Dispatcher returns the service's table dispatcher.
func (s *Service) Dispatcher() *nsi.Dispatcher { return s.disp }

// Interfaces returns the interface cache shared by the providers.
func (s *Service) Interfaces() *ndis.Cache { return s.ifs }

// Metrics returns the registry holding the service's metrics.
func (s *Service) Metrics() *prometheus.Registry { return s.registry }

// Close stops change notification, failing any waiting ChangeNotify
// ioctls, and closes every ICMP session.
func (s *Service) Close() error {
	s.watcher.Close()
	s.icmp.CloseAll()
	s.logf("closed")
	return nil
}
