// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package icmp

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSendErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want uint32
	}{
		{unix.ENETUNREACH, IPDestNetUnreachable},
		{fmt.Errorf("write: %w", unix.EHOSTUNREACH), IPDestHostUnreachable},
		{unix.EMSGSIZE, IPPacketTooBig},
		{unix.EIO, IPGeneralFailure},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			e, _ := newTestEngine(t, Options{}, func(c *fakeConn) { c.sendErr = tt.err })
			h, err := e.Send(&EchoRequest{Dest: target})
			if err != nil {
				t.Fatalf("Send = %v; network errors belong in the reply", err)
			}
			r := listen(t, e, h, time.Second)
			if r.Status != tt.want {
				t.Errorf("status = %v, want %v", StatusString(r.Status), StatusString(tt.want))
			}
			if r.Addr != target {
				t.Errorf("addr = %v, want %v", r.Addr, target)
			}
		})
	}
}

func TestPermissionDenied(t *testing.T) {
	if !permissionDenied(fmt.Errorf("socket: %w", unix.EPERM)) {
		t.Error("EPERM not a permission error")
	}
	if permissionDenied(unix.EADDRNOTAVAIL) {
		t.Error("EADDRNOTAVAIL is a permission error")
	}
}
