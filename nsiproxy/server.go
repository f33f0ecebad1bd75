// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsiproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/peercred"
	"nsiproxy.dev/nsi"
	"nsiproxy.dev/types/logger"
)

// HTTP framing of ioctls. The request body is the ioctl input and the
// response body its output.
const (
	// HeaderOutSize carries the caller's output buffer size.
	HeaderOutSize = "Nsi-Out-Size"
	// HeaderStatus carries the ioctl's nsi.Status, in hex.
	HeaderStatus = "Nsi-Status"
)

// maxInput bounds an ioctl input.
const maxInput = 1 << 20

// IoctlPath returns the request path for code.
func IoctlPath(code nsi.IoctlCode) string {
	return "/ioctl/" + strconv.FormatUint(uint64(code), 10)
}

// FormatStatus formats st for HeaderStatus.
func FormatStatus(st nsi.Status) string { return fmt.Sprintf("0x%08x", uint32(st)) }

// ParseStatus parses a HeaderStatus value.
func ParseStatus(s string) (nsi.Status, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", HeaderStatus, s, err)
	}
	return nsi.Status(v), nil
}

// Handler returns an http.Handler serving d's ioctls at
// POST /ioctl/{code}.
func Handler(d *Device, logf logger.Logf) http.Handler {
	h := &handler{d: d, logf: logger.WithPrefix(logger.OrDiscard(logf), "server: ")}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ioctl/{code}", h.serveIoctl)
	return mux
}

type handler struct {
	d    *Device
	logf logger.Logf
}

func (h *handler) serveIoctl(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.ParseUint(r.PathValue("code"), 0, 32)
	if err != nil {
		http.Error(w, "bad ioctl code", http.StatusBadRequest)
		return
	}
	outSize, err := strconv.Atoi(r.Header.Get(HeaderOutSize))
	if err != nil || outSize < 0 {
		http.Error(w, "bad "+HeaderOutSize, http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	in, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInput))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if !nsi.IoctlCode(code).Known() {
		h.logf("unknown ioctl %v from %s", nsi.IoctlCode(code), peer(r.Context()))
	}
	out, err := h.d.Ioctl(r.Context(), nsi.IoctlCode(code), in, outSize)
	if r.Context().Err() != nil {
		// Client went away.
		return
	}
	w.Header().Set(HeaderStatus, FormatStatus(nsi.StatusOf(err)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	if _, err := w.Write(out); err != nil {
		h.logf("writing %v output to %s: %v", nsi.IoctlCode(code), peer(r.Context()), err)
	}
}

// Serve serves d's ioctls on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, d *Device, logf logger.Logf) error {
	srv := &http.Server{
		Handler:           Handler(d, logf),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ConnContext:       connContext,
		ErrorLog:          logger.StdLogger(logger.OrDiscard(logf)),
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

type peerKey struct{}

// connContext attaches the credentials of c's peer to ctx, when the
// platform can report them.
func connContext(ctx context.Context, c net.Conn) context.Context {
	creds, err := peercred.Get(c)
	if err != nil {
		return ctx
	}
	return context.WithValue(ctx, peerKey{}, creds)
}

// peer describes the client of a request for logs.
func peer(ctx context.Context) string {
	creds, _ := ctx.Value(peerKey{}).(*peercred.Creds)
	if creds == nil {
		return "unknown peer"
	}
	var parts []string
	if uid, ok := creds.UserID(); ok {
		parts = append(parts, "uid "+uid)
	}
	if pid, ok := creds.PID(); ok {
		parts = append(parts, "pid "+strconv.Itoa(pid))
	}
	if len(parts) == 0 {
		return "unknown peer"
	}
	return strings.Join(parts, " ")
}
