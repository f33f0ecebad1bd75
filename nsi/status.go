// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsi

import (
	"context"
	"errors"
	"fmt"
)

// Status is an NTSTATUS-compatible result code.
//
// Status implements error so that every layer can return it directly and
// callers can classify results with errors.Is, the same way syscall.Errno
// is used.
type Status uint32

const (
	StatusSuccess               Status = 0x00000000
	StatusPending               Status = 0x00000103
	StatusBufferOverflow        Status = 0x80000005 // more entries
	StatusNotImplemented        Status = 0xC0000002
	StatusInvalidHandle         Status = 0xC0000008
	StatusInvalidParameter      Status = 0xC000000D
	StatusNoMemory              Status = 0xC0000017
	StatusBufferTooSmall        Status = 0xC0000023
	StatusInsufficientResources Status = 0xC000009A
	StatusNotSupported          Status = 0xC00000BB
	StatusCancelled             Status = 0xC0000120
	StatusNotFound              Status = 0xC0000225
)

var statusNames = map[Status]string{
	StatusSuccess:               "success",
	StatusPending:               "pending",
	StatusBufferOverflow:        "buffer overflow",
	StatusNotImplemented:        "not implemented",
	StatusInvalidHandle:         "invalid handle",
	StatusInvalidParameter:      "invalid parameter",
	StatusNoMemory:              "no memory",
	StatusBufferTooSmall:        "buffer too small",
	StatusInsufficientResources: "insufficient resources",
	StatusNotSupported:          "not supported",
	StatusCancelled:             "cancelled",
	StatusNotFound:              "not found",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status %#08x", uint32(s))
}

func (s Status) Error() string { return "nsi: " + s.String() }

// IsError reports whether s is in the NTSTATUS error severity class.
func (s Status) IsError() bool { return s>>30 == 3 }

// StatusOf maps err to the status reported on the wire.
//
// A nil error is StatusSuccess. Context cancellation maps to
// StatusCancelled. Errors from a missing or unreadable OS data source
// that are not already a Status map to StatusNotSupported.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StatusCancelled
	}
	return StatusNotSupported
}
