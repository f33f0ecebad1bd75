// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sysnet reads the operating system's network state: interfaces,
// addresses, routes, neighbours, sockets and protocol counters.
//
// Everything is read through a Source so that table providers can be
// exercised against canned procfs and sysfs trees.
package sysnet

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go4.org/mem"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/util/lineiter"
)

// Source is a set of OS network data sources. A nil field means the
// source is unavailable on this platform; readers then fail with
// nsi.StatusNotImplemented.
type Source struct {
	// Proc is the procfs root, as in os.DirFS("/proc").
	Proc fs.FS
	// Sys is the sysfs root, as in os.DirFS("/sys").
	Sys fs.FS

	// Interfaces lists the OS network interfaces.
	Interfaces func() ([]Interface, error)
	// Neighbours lists the neighbour cache of one address family
	// (nsi.AFInet or nsi.AFInet6).
	Neighbours func(family uint16) ([]Neighbour, error)
	// DriverName returns the driver bound to the named interface.
	DriverName func(ifName string) (string, error)
	// Owners attributes socket inodes to processes.
	Owners OwnerResolver
}

// Interface is an OS network interface and its addresses.
type Interface struct {
	Index        int
	Name         string
	HardwareAddr net.HardwareAddr
	MTU          int
	Flags        net.Flags
	Type         uint16 // IANA ifType (nsi.IfType*)
	Addrs        []netip.Prefix
}

// IsLoopback reports whether ifc is a loopback interface.
func (ifc *Interface) IsLoopback() bool { return ifc.Flags&net.FlagLoopback != 0 }

// IsUp reports whether ifc is administratively up.
func (ifc *Interface) IsUp() bool { return ifc.Flags&net.FlagUp != 0 }

// guessIfType infers an interface type from its flags and hardware address
// when the OS does not report one.
func guessIfType(ifc *Interface) uint16 {
	switch {
	case ifc.IsLoopback():
		return nsi.IfTypeSoftwareLoopback
	case len(ifc.HardwareAddr) == 6:
		return nsi.IfTypeEthernetCSMACD
	case ifc.Flags&net.FlagPointToPoint != 0:
		return nsi.IfTypeTunnel
	}
	return nsi.IfTypeOther
}

// Neighbour is one neighbour cache entry.
type Neighbour struct {
	IfIndex  int
	Addr     netip.Addr
	HWAddr   net.HardwareAddr
	State    uint32 // nsi.Neighbour* state
	IsRouter bool
}

var errUnavailable = fmt.Errorf("sysnet: source unavailable: %w", nsi.StatusNotImplemented)

func (s *Source) proc() (fs.FS, error) {
	if s == nil || s.Proc == nil {
		return nil, errUnavailable
	}
	return s.Proc, nil
}

// ListInterfaces calls s.Interfaces.
func (s *Source) ListInterfaces() ([]Interface, error) {
	if s == nil || s.Interfaces == nil {
		return nil, errUnavailable
	}
	return s.Interfaces()
}

// ListNeighbours calls s.Neighbours.
func (s *Source) ListNeighbours(family uint16) ([]Neighbour, error) {
	if s == nil || s.Neighbours == nil {
		return nil, errUnavailable
	}
	return s.Neighbours(family)
}

// ReadUint reads a file holding a single decimal integer, such as a
// sysctl under /proc/sys.
func ReadUint(fsys fs.FS, name string) (uint64, error) {
	if fsys == nil {
		return 0, errUnavailable
	}
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}

// SysctlUint reads the integer sysctl at path below /proc/sys.
func (s *Source) SysctlUint(path string) (uint64, error) {
	p, err := s.proc()
	if err != nil {
		return 0, err
	}
	return ReadUint(p, "sys/"+path)
}

// SysUint reads an integer attribute below /sys.
func (s *Source) SysUint(path string) (uint64, error) {
	if s == nil || s.Sys == nil {
		return 0, errUnavailable
	}
	return ReadUint(s.Sys, path)
}

// SysString reads a string attribute below /sys.
func (s *Source) SysString(path string) (string, error) {
	if s == nil || s.Sys == nil {
		return "", errUnavailable
	}
	b, err := fs.ReadFile(s.Sys, path)
	return strings.TrimSpace(string(b)), err
}

// BootTime returns the system boot time from the btime line of /proc/stat.
func (s *Source) BootTime() (time.Time, error) {
	p, err := s.proc()
	if err != nil {
		return time.Time{}, err
	}
	return bootTime(p)
}

func bootTime(proc fs.FS) (time.Time, error) {
	var f []mem.RO
	for line, err := range lineiter.FS(proc, "stat") {
		if err != nil {
			return time.Time{}, err
		}
		f = mem.AppendFields(f[:0], mem.B(line))
		if len(f) == 2 && f[0].EqualString("btime") {
			sec, err := mem.ParseInt(f[1], 10, 64)
			if err != nil {
				break
			}
			return time.Unix(sec, 0), nil
		}
	}
	return time.Time{}, errors.New("sysnet: no btime in stat")
}

// FileTime converts t to a Windows FILETIME: 100ns intervals since 1601.
func FileTime(t time.Time) uint64 {
	const epochDelta = 11644473600 // seconds from 1601 to 1970
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix()+epochDelta)*1e7 + uint64(t.Nanosecond()/100)
}
