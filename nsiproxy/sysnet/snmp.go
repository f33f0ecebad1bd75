// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sysnet

import (
	"fmt"
	"io/fs"

	"go4.org/mem"
	"nsiproxy.dev/util/lineiter"
)

// Counters maps counter names to values within one protocol section.
type Counters map[string]uint64

// SNMP maps a section prefix such as "Ip" or "IcmpMsg" to its counters.
type SNMP map[string]Counters

// ParseSNMP parses the paired header/value line format of /proc/net/snmp
// and /proc/net/netstat:
//
//	Ip: Forwarding DefaultTTL InReceives ...
//	Ip: 1 64 12345 ...
//
// Sections whose value line does not follow its header are dropped.
func ParseSNMP(fsys fs.FS, name string) (SNMP, error) {
	ret := SNMP{}
	var header, values []mem.RO
	var headerLine []byte
	for line, err := range lineiter.FS(fsys, name) {
		if err != nil {
			return nil, err
		}
		if headerLine == nil {
			headerLine = append([]byte(nil), line...)
			continue
		}
		header = mem.AppendFields(header[:0], mem.B(headerLine))
		values = mem.AppendFields(values[:0], mem.B(line))
		if len(header) == 0 || len(values) == 0 || !header[0].Equal(values[0]) {
			// Out of step; treat this line as the next header.
			headerLine = append(headerLine[:0], line...)
			continue
		}
		headerLine = nil
		section := mem.TrimSuffix(header[0], mem.S(":")).StringCopy()
		c := Counters{}
		for i := 1; i < len(header) && i < len(values); i++ {
			v, err := mem.ParseInt(values[i], 10, 64)
			if err != nil {
				continue
			}
			// A few counters (Ip: Forwarding when negative) are signed.
			c[header[i].StringCopy()] = uint64(v)
		}
		ret[section] = c
	}
	return ret, nil
}

// ParseSNMP6 parses the name/value line format of /proc/net/snmp6:
//
//	Ip6InReceives 1234
func ParseSNMP6(fsys fs.FS, name string) (Counters, error) {
	ret := Counters{}
	var f []mem.RO
	for line, err := range lineiter.FS(fsys, name) {
		if err != nil {
			return nil, err
		}
		f = mem.AppendFields(f[:0], mem.B(line))
		if len(f) != 2 {
			continue
		}
		v, err := mem.ParseUint(f[1], 10, 64)
		if err != nil {
			continue
		}
		ret[f[0].StringCopy()] = v
	}
	return ret, nil
}

// SNMP reads /proc/net/snmp.
func (s *Source) SNMP() (SNMP, error) {
	p, err := s.proc()
	if err != nil {
		return nil, err
	}
	return ParseSNMP(p, "net/snmp")
}

// Netstat reads /proc/net/netstat, which carries the IpExt and TcpExt
// sections in the same format as /proc/net/snmp.
func (s *Source) Netstat() (SNMP, error) {
	p, err := s.proc()
	if err != nil {
		return nil, err
	}
	return ParseSNMP(p, "net/netstat")
}

// SNMP6 reads /proc/net/snmp6.
func (s *Source) SNMP6() (Counters, error) {
	p, err := s.proc()
	if err != nil {
		return nil, err
	}
	return ParseSNMP6(p, "net/snmp6")
}

// Section returns the named section of m, or an error if it is missing.
func (m SNMP) Section(name string) (Counters, error) {
	c, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("sysnet: no %q section", name)
	}
	return c, nil
}
