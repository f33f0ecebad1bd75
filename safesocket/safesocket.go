// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package safesocket creates the Unix socket nsiproxyd serves its device
// on, and connects to it.
package safesocket

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

type closeable interface {
	CloseRead() error
	CloseWrite() error
}

// ConnCloseRead calls c's CloseRead method. c is expected to be a
// UnixConn as returned from this package.
func ConnCloseRead(c net.Conn) error {
	return c.(closeable).CloseRead()
}

// ConnCloseWrite calls c's CloseWrite method. c is expected to be a
// UnixConn as returned from this package.
func ConnCloseWrite(c net.Conn) error {
	return c.(closeable).CloseWrite()
}

var processStartTime = time.Now()
var daemonProcExists = func() bool { return false } // set by safesocket_ps.go

// isDaemon reports whether a process executable name is nsiproxyd,
// ignoring case and any ".exe" suffix.
func isDaemon(name string) bool {
	const nsiproxyd = "nsiproxyd"
	return len(name) >= len(nsiproxyd) && strings.EqualFold(name[:len(nsiproxyd)], nsiproxyd)
}

// daemonStillStarting reports whether nsiproxyd is probably still
// starting up. That is, it reports whether the caller should keep
// retrying to connect.
func daemonStillStarting() bool {
	d := time.Since(processStartTime)
	if d < 2*time.Second {
		// Assume "nsiproxyd & nsictl ..." for the first two seconds.
		return true
	}
	if d > 5*time.Second {
		return false
	}
	return daemonProcExists()
}

// ConnectContext connects to the socket at path, retrying while
// nsiproxyd looks to be starting up or until ctx is done.
func ConnectContext(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	for {
		c, err := d.DialContext(ctx, "unix", path)
		if err == nil || !daemonStillStarting() {
			return c, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Connect is ConnectContext with a background context.
func Connect(path string) (net.Conn, error) {
	return ConnectContext(context.Background(), path)
}

// Listen returns a listener on the Unix socket path. A stale socket file
// is replaced; a live one is an error.
func Listen(path string) (net.Listener, error) {
	// Unix sockets outlive their listener in the filesystem. Try
	// connecting first: if that works the socket is still live.
	c, err := net.Dial("unix", path)
	if err == nil {
		c.Close()
		return nil, fmt.Errorf("%v: address already in use", path)
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	os.Chmod(path, 0666)
	return ln, nil
}
