// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	"nsiproxy.dev/nsiclient"
	"nsiproxy.dev/nsiproxy/icmp"
)

var pingArgs struct {
	num      int
	ttl      int
	size     int
	timeout  time.Duration
	interval time.Duration
	noFrag   bool
}

var pingCmd = &ffcli.Command{
	Name:       "ping",
	ShortUsage: "nsictl ping [flags] <hostname-or-IP>",
	ShortHelp:  "Ping a host through the nsiproxyd ICMP engine",
	FlagSet: (func() *flag.FlagSet {
		fs := newFlagSet("ping")
		fs.IntVar(&pingArgs.num, "c", 4, "number of pings to send")
		fs.IntVar(&pingArgs.ttl, "ttl", 128, "time to live")
		fs.IntVar(&pingArgs.size, "size", 32, "payload size in bytes")
		fs.DurationVar(&pingArgs.timeout, "timeout", 4*time.Second, "timeout per ping")
		fs.DurationVar(&pingArgs.interval, "interval", time.Second, "time between pings")
		fs.BoolVar(&pingArgs.noFrag, "f", false, "set the don't-fragment flag")
		return fs
	})(),
	Exec: runPing,
}

// lookupIP4 is net.DefaultResolver.LookupNetIP for "ip4", replaced in tests.
var lookupIP4 = func(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
}

func resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, nil
	}
	ips, err := lookupIP4(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPv4 address for %q", host)
	}
	return ips[0].Unmap(), nil
}

func runPing(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: nsictl ping [flags] <hostname-or-IP>")
	}
	if pingArgs.ttl < 1 || pingArgs.ttl > 255 {
		return fmt.Errorf("bad --ttl %d", pingArgs.ttl)
	}
	if pingArgs.size < 0 || pingArgs.size > 65500 {
		return fmt.Errorf("bad --size %d", pingArgs.size)
	}
	dst, err := resolve(ctx, args[0])
	if err != nil {
		return err
	}
	cl := newClient()
	defer cl.Close()

	data := make([]byte, pingArgs.size)
	for i := range data {
		data[i] = 'a' + byte(i%23)
	}
	req := &nsiclient.EchoRequest{
		Dest:         dst,
		TTL:          uint8(pingArgs.ttl),
		DontFragment: pingArgs.noFrag,
		Data:         data,
	}
	fmt.Fprintf(Stdout, "Pinging %v with %d bytes of data:\n", dst, len(data))
	var sent, received int
	for i := range pingArgs.num {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pingArgs.interval):
			}
		}
		sent++
		r, err := cl.Ping(ctx, req, pingArgs.timeout)
		if err != nil {
			return err
		}
		if r.Status != icmp.IPSuccess {
			fmt.Fprintf(Stdout, "Reply from %v: %s.\n", r.Addr, icmp.StatusString(r.Status))
			continue
		}
		received++
		fmt.Fprintf(Stdout, "Reply from %v: bytes=%d time=%dms TTL=%d\n", r.Addr, len(r.Data), r.RTT, r.TTL)
	}
	fmt.Fprintf(Stdout, "\nPing statistics for %v:\n    Packets: Sent = %d, Received = %d, Lost = %d\n", dst, sent, received, sent-received)
	if received == 0 {
		return errors.New("no replies")
	}
	return nil
}
