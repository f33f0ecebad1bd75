// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy"
	"nsiproxy.dev/safesocket"
)

// Transport issues device ioctls. It returns output only with a nil error
// or nsi.StatusBufferOverflow, as nsiproxy.Device does.
type Transport interface {
	Ioctl(ctx context.Context, code nsi.IoctlCode, in []byte, outSize int) ([]byte, error)
}

// Local returns a Transport calling d in-process.
func Local(d *nsiproxy.Device) Transport { return d }

// socketHost is the HTTP host of socket requests. It is never resolved.
const socketHost = "local-nsiproxyd.sock"

// DialSocket returns a Transport speaking to nsiproxyd on the Unix socket
// at path. Connections are made lazily, per request.
func DialSocket(path string) Transport {
	st := &socketTransport{path: path}
	st.hc = &http.Client{
		Transport: &http.Transport{
			DialContext: st.dial,
		},
	}
	return st
}

type socketTransport struct {
	path string
	hc   *http.Client
}

func (st *socketTransport) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if addr != socketHost+":80" {
		return nil, fmt.Errorf("unexpected URL address %q", addr)
	}
	return safesocket.ConnectContext(ctx, st.path)
}

func (st *socketTransport) Ioctl(ctx context.Context, code nsi.IoctlCode, in []byte, outSize int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", "http://"+socketHost+nsiproxy.IoctlPath(code), bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	req.Header.Set(nsiproxy.HeaderOutSize, strconv.Itoa(outSize))
	res, err := st.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%v: %w", code, nsi.StatusCancelled)
		}
		return nil, fmt.Errorf("connecting to nsiproxyd at %s: %w", st.path, err)
	}
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%v: %v: %s", code, res.Status, bytes.TrimSpace(out))
	}
	status, err := nsiproxy.ParseStatus(res.Header.Get(nsiproxy.HeaderStatus))
	if err != nil {
		return nil, err
	}
	switch status {
	case nsi.StatusSuccess:
		return out, nil
	case nsi.StatusBufferOverflow:
		return out, status
	}
	return nil, status
}

// Close closes idle connections to the daemon.
func (st *socketTransport) Close() error {
	st.hc.CloseIdleConnections()
	return nil
}
