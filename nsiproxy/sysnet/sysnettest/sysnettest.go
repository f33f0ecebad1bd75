// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sysnettest provides a canned sysnet.Source for tests: a
// loopback interface and one Ethernet interface with matching procfs
// and sysfs content.
package sysnettest

import (
	"errors"
	"io/fs"
	"net"
	"net/netip"
	"testing/fstest"

	"github.com/mitchellh/go-ps"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/sysnet"
)

// Start times of the canned processes, in seconds after BootTime.
const (
	SSHDStart     = 15
	DropbearStart = 25
)

// BootTime is the btime of the canned /proc/stat.
const BootTime = 1700000000

// Interfaces returns the canned interfaces: lo (index 1) and eth0
// (index 2).
func Interfaces() []sysnet.Interface {
	return []sysnet.Interface{
		{
			Index: 1,
			Name:  "lo",
			MTU:   65536,
			Flags: net.FlagUp | net.FlagLoopback | net.FlagRunning,
			Type:  nsi.IfTypeSoftwareLoopback,
			Addrs: []netip.Prefix{
				netip.MustParsePrefix("127.0.0.1/8"),
				netip.MustParsePrefix("::1/128"),
			},
		},
		{
			Index:        2,
			Name:         "eth0",
			HardwareAddr: net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
			MTU:          1500,
			Flags:        net.FlagUp | net.FlagBroadcast | net.FlagMulticast | net.FlagRunning,
			Type:         nsi.IfTypeEthernetCSMACD,
			Addrs: []netip.Prefix{
				netip.MustParsePrefix("192.168.1.10/24"),
				netip.MustParsePrefix("fe80::5054:ff:fe12:3456/64"),
			},
		},
	}
}

// Proc returns the canned procfs tree.
func Proc() fstest.MapFS {
	return fstest.MapFS{
		"stat": file("cpu  1 2 3 4\nbtime 1700000000\nprocesses 42\n"),
		"net/snmp": file(`Ip: Forwarding DefaultTTL InReceives InHdrErrors InAddrErrors ForwDatagrams InUnknownProtos InDiscards InDelivers OutRequests OutDiscards OutNoRoutes ReasmTimeout ReasmReqds ReasmOKs ReasmFails FragOKs FragFails FragCreates
Ip: 2 64 1000 1 2 3 4 5 900 800 6 7 30 8 9 10 11 12 13
Icmp: InMsgs InErrors InCsumErrors InDestUnreachs InTimeExcds InParmProbs InSrcQuenchs InRedirects InEchos InEchoReps InTimestamps InTimestampReps InAddrMasks InAddrMaskReps OutMsgs OutErrors OutDestUnreachs OutTimeExcds OutParmProbs OutSrcQuenchs OutRedirects OutEchos OutEchoReps OutTimestamps OutTimestampReps OutAddrMasks OutAddrMaskReps
Icmp: 45 1 0 3 0 0 0 0 2 40 0 0 0 0 50 0 5 0 0 0 0 43 2 0 0 0 0
IcmpMsg: InType0 InType3 InType8 OutType0 OutType3 OutType8
IcmpMsg: 40 3 2 2 5 43
Tcp: RtoAlgorithm RtoMin RtoMax MaxConn ActiveOpens PassiveOpens AttemptFails EstabResets CurrEstab InSegs OutSegs RetransSegs InErrs OutRsts InCsumErrors
Tcp: 1 200 120000 -1 10 20 1 2 1 5000 4000 3 0 4 0
Udp: InDatagrams NoPorts InErrors OutDatagrams RcvbufErrors SndbufErrors InCsumErrors IgnoredMulti MemErrors
Udp: 300 4 1 280 0 0 0 0 0
`),
		"net/netstat": file(`TcpExt: SyncookiesSent SyncookiesRecv
TcpExt: 0 0
IpExt: InNoRoutes InTruncatedPkts InMcastPkts OutMcastPkts InBcastPkts OutBcastPkts InOctets OutOctets InMcastOctets OutMcastOctets InBcastOctets OutBcastOctets
IpExt: 1 2 30 31 40 41 123456 654321 3000 3100 4000 4100
`),
		"net/snmp6": file(`Ip6InReceives                   	500
Ip6InHdrErrors                  	1
Ip6InAddrErrors                 	2
Ip6OutForwDatagrams             	3
Ip6InDelivers                   	450
Ip6OutRequests                  	400
Ip6InOctets                     	60000
Ip6OutOctets                    	50000
Ip6InMcastPkts                  	20
Ip6OutMcastPkts                 	21
Icmp6InMsgs                     	12
Icmp6InErrors                   	1
Icmp6OutMsgs                    	14
Icmp6OutErrors                  	0
Icmp6InType128                  	2
Icmp6OutType129                 	2
Icmp6InType135                  	5
Icmp6OutType136                 	6
Udp6InDatagrams                 	10
Udp6NoPorts                     	1
Udp6InErrors                    	0
Udp6OutDatagrams                	9
`),
		"net/route": file(`Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
eth0	00000000	0101A8C0	0003	0	0	100	00000000	0	0	0
eth0	0001A8C0	00000000	0001	0	0	100	00FFFFFF	0	0	0
`),
		"net/ipv6_route": file(`fe800000000000000000000000000000 40 00000000000000000000000000000000 00 00000000000000000000000000000000 00000100 00000001 00000000 00000001     eth0
00000000000000000000000000000001 80 00000000000000000000000000000000 00 00000000000000000000000000000000 00000000 00000002 00000000 80200001       lo
ff000000000000000000000000000000 08 00000000000000000000000000000000 00 00000000000000000000000000000000 00000100 00000001 00000000 00000000     eth0
`),
		"net/arp": file(`IP address       HW type     Flags       HW address            Mask     Device
192.168.1.1      0x1         0x2         aa:bb:cc:dd:ee:01     *        eth0
192.168.1.20     0x1         0x0         00:00:00:00:00:00     *        eth0
192.168.1.30     0x1         0x6         aa:bb:cc:dd:ee:03     *        eth0
`),
		"net/tcp": file(`  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:0016 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1000 1 0000000000000000 100 0 0 10 0
   1: 0A01A8C0:0016 1401A8C0:C738 01 00000000:00000000 02:000A7E5C 00000000     0        0 1001 4 0000000000000000 20 4 30 10 -1
`),
		"net/tcp6": file(`  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000000000000000000000000000:0050 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1002 1 0000000000000000 100 0 0 10 0
`),
		"net/udp": file(`   sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode ref pointer drops
  100: 00000000:0044 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 2000 2 0000000000000000 0
`),
		"net/udp6": file(`  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode ref pointer drops
`),
		"net/dev": file(`Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:    8000      80    0    0    0     0          0         0     8000      80    0    0    0     0       0          0
  eth0: 1000000    2000    1    2    0     0          0        30   500000    1500    3    4    0     0       0          0
`),
		"sys/net/ipv4/conf/default/forwarding":           file("0\n"),
		"sys/net/ipv4/ip_default_ttl":                    file("64\n"),
		"sys/net/ipv6/conf/default/forwarding":           file("1\n"),
		"sys/net/ipv6/conf/default/hop_limit":            file("255\n"),
		"sys/net/ipv6/conf/eth0/dad_transmits":           file("2\n"),
		"sys/net/ipv4/conf/eth0/forwarding":              file("1\n"),
		"sys/net/ipv4/neigh/lo/base_reachable_time_ms":   file("30000\n"),
		"sys/net/ipv4/neigh/eth0/base_reachable_time_ms": file("30000\n"),
		"sys/net/ipv6/neigh/lo/base_reachable_time_ms":   file("30000\n"),
		"sys/net/ipv6/neigh/eth0/base_reachable_time_ms": file("45000\n"),
		"100/stat": file("100 (sshd) S 1 100 100 0 -1 4194560 1 0 0 0 0 0 0 0 20 0 1 0 1500 0 0\n"),
		"200/stat": file("200 (drop)bear) S 1 200 200 0 -1 4194560 1 0 0 0 0 0 0 0 20 0 1 0 2500 0 0\n"),
		"100/fd/3": link("socket:[1001]"),
		"100/fd/4": link("socket:[2000]"),
		"100/fd/5": link("/dev/null"),
		"200/fd/7": link("socket:[1000]"),
	}
}

// Sys returns the canned sysfs tree.
func Sys() fstest.MapFS {
	return fstest.MapFS{
		"class/net/lo/type":   file("772\n"),
		"class/net/eth0/type": file("1\n"),
	}
}

// Neighbours returns the canned IPv6 neighbour cache. The IPv4 cache is
// read from /proc/net/arp.
func Neighbours(family uint16) ([]sysnet.Neighbour, error) {
	if family != nsi.AFInet6 {
		return nil, nil
	}
	return []sysnet.Neighbour{
		{
			IfIndex:  2,
			Addr:     netip.MustParseAddr("fe80::1"),
			HWAddr:   net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01},
			State:    nsi.NeighbourReachable,
			IsRouter: true,
		},
		{
			IfIndex: 2,
			Addr:    netip.MustParseAddr("fe80::99"),
			State:   nsi.NeighbourIncomplete,
		},
	}, nil
}

// Process is a fake ps.Process.
type Process struct {
	PID  int
	Name string
}

func (p Process) Pid() int           { return p.PID }
func (p Process) PPid() int          { return 1 }
func (p Process) Executable() string { return p.Name }

// Processes returns the processes owning the canned /proc/<pid>/fd
// entries.
func Processes() ([]ps.Process, error) {
	return []ps.Process{
		Process{PID: 100, Name: "sshd"},
		Process{PID: 200, Name: "dropbear"},
		Process{PID: 300, Name: "gone"},
	}, nil
}

// New returns a Source backed entirely by canned data.
func New() *sysnet.Source {
	proc := Proc()
	return &sysnet.Source{
		Proc:       proc,
		Sys:        Sys(),
		Interfaces: func() ([]sysnet.Interface, error) { return Interfaces(), nil },
		Neighbours: Neighbours,
		DriverName: func(name string) (string, error) {
			if name == "eth0" {
				return "virtio_net", nil
			}
			return "", errors.New("operation not supported")
		},
		Owners: &sysnet.ProcOwners{Proc: proc, Processes: Processes},
	}
}

func file(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func link(target string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(target), Mode: fs.ModeSymlink}
}
