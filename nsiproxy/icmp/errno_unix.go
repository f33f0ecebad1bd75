// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package icmp

import (
	"errors"

	"golang.org/x/sys/unix"
)

// errnoStatus maps a socket error to the reply status the kernel's
// report of it corresponds to.
func errnoStatus(err error) (uint32, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return 0, false
	}
	switch errno {
	case unix.ENETUNREACH, unix.ENETDOWN:
		return IPDestNetUnreachable, true
	case unix.EHOSTUNREACH, unix.EHOSTDOWN:
		return IPDestHostUnreachable, true
	case unix.ECONNREFUSED:
		return IPDestPortUnreachable, true
	case unix.EPROTO, unix.ENOPROTOOPT:
		return IPDestProtUnreachable, true
	case unix.EMSGSIZE:
		return IPPacketTooBig, true
	case unix.ENOBUFS, unix.ENOMEM:
		return IPNoResources, true
	case unix.EADDRNOTAVAIL, unix.EINVAL:
		return IPBadDestination, true
	}
	return IPGeneralFailure, true
}

// permissionDenied reports whether err is a refusal to open a socket
// type, as opposed to a failure to open any socket at all.
func permissionDenied(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPROTONOSUPPORT)
}
