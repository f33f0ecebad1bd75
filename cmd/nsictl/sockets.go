// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/mitchellh/go-ps"
	"github.com/peterbourgon/ff/v3/ffcli"
	"nsiproxy.dev/nsi"
)

var socketsArgs struct {
	listening bool
	tcp       bool
	udp       bool
}

var socketsCmd = &ffcli.Command{
	Name:       "sockets",
	ShortUsage: "nsictl sockets [--listening] [--tcp] [--udp]",
	ShortHelp:  "Show TCP connections and UDP endpoints with their owning processes",
	FlagSet: (func() *flag.FlagSet {
		fs := newFlagSet("sockets")
		fs.BoolVar(&socketsArgs.listening, "listening", false, "show only listening TCP sockets")
		fs.BoolVar(&socketsArgs.tcp, "tcp", false, "show only TCP sockets")
		fs.BoolVar(&socketsArgs.udp, "udp", false, "show only UDP sockets")
		return fs
	})(),
	Exec: runSockets,
}

var tcpStates = map[uint32]string{
	nsi.TCPStateClosed:    "CLOSED",
	nsi.TCPStateListen:    "LISTEN",
	nsi.TCPStateSynSent:   "SYN-SENT",
	nsi.TCPStateSynRcvd:   "SYN-RECV",
	nsi.TCPStateEstab:     "ESTAB",
	nsi.TCPStateFinWait1:  "FIN-WAIT-1",
	nsi.TCPStateFinWait2:  "FIN-WAIT-2",
	nsi.TCPStateCloseWait: "CLOSE-WAIT",
	nsi.TCPStateClosing:   "CLOSING",
	nsi.TCPStateLastAck:   "LAST-ACK",
	nsi.TCPStateTimeWait:  "TIME-WAIT",
	nsi.TCPStateDeleteTCB: "DELETE-TCB",
}

// processName is ps.FindProcess, replaced in tests.
var processName = func(pid int) string {
	p, err := ps.FindProcess(pid)
	if err != nil || p == nil {
		return ""
	}
	return p.Executable()
}

func owner(pid uint32) string {
	if pid == 0 {
		return "-"
	}
	if name := processName(int(pid)); name != "" {
		return fmt.Sprintf("%s(%d)", name, pid)
	}
	return fmt.Sprint(pid)
}

func runSockets(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return errors.New("unexpected arguments to 'nsictl sockets'")
	}
	showTCP := socketsArgs.tcp || !socketsArgs.udp
	showUDP := (socketsArgs.udp || !socketsArgs.tcp) && !socketsArgs.listening
	cl := newClient()
	defer cl.Close()

	w, flush := tableWriter()
	fmt.Fprintln(w, "PROTO\tLOCAL\tREMOTE\tSTATE\tPROCESS")
	if showTCP {
		table := nsi.TCPAllTable
		if socketsArgs.listening {
			table = nsi.TCPListenTable
		}
		rows, err := allRows[nsi.TCPConnKey, struct{}, nsi.TCPConnDynamic, nsi.TCPConnStatic](ctx, cl, nsi.TCP, table)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%v\t%v\t%s\t%s\n", proto("tcp", r.Key.Local), r.Key.Local.AddrPort(), r.Key.Remote.AddrPort(), tcpStates[r.Dynamic.State], owner(r.Static.PID))
		}
	}
	if showUDP {
		rows, err := allRows[nsi.UDPEndpointKey, struct{}, struct{}, nsi.UDPEndpointStatic](ctx, cl, nsi.UDP, nsi.UDPEndpointTable)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%v\t*\t-\t%s\n", proto("udp", r.Key.Local), r.Key.Local.AddrPort(), owner(r.Static.PID))
		}
	}
	return flush()
}

func proto(base string, local nsi.SockAddrInet) string {
	if local.Family == nsi.AFInet6 {
		return base + "6"
	}
	return base
}
