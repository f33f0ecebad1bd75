// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package safesocket

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestBasics(t *testing.T) {
	// Make the socket in a temp dir rather than the cwd
	// so that the test can be run from a mounted filesystem.
	sock := filepath.Join(t.TempDir(), "test")

	ln, err := Listen(sock)
	if err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 2)

	go func() {
		s, err := ln.Accept()
		if err != nil {
			errs <- err
			return
		}
		ln.Close()
		s.Write([]byte("hello"))

		b := make([]byte, 1024)
		n, err := s.Read(b)
		if err != nil {
			errs <- err
			return
		}
		t.Logf("server read %d bytes.", n)
		if string(b[:n]) != "world" {
			errs <- fmt.Errorf("got %#v, expected %#v", string(b[:n]), "world")
			return
		}
		s.Close()
		errs <- nil
	}()

	go func() {
		c, err := ConnectContext(context.Background(), sock)
		if err != nil {
			errs <- err
			return
		}
		c.Write([]byte("world"))
		b := make([]byte, 1024)
		n, err := c.Read(b)
		if err != nil {
			errs <- err
			return
		}
		if string(b[:n]) != "hello" {
			errs <- fmt.Errorf("got %#v, expected %#v", string(b[:n]), "hello")
		}
		c.Close()
		errs <- nil
	}()

	for range 2 {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}

func TestListenLiveSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "live")
	ln, err := Listen(sock)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if ln2, err := Listen(sock); err == nil {
		ln2.Close()
		t.Fatal("second Listen on a live socket succeeded")
	}
}

func TestListenStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stale")
	if err := os.WriteFile(sock, nil, 0600); err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(sock)
	if err != nil {
		t.Fatalf("Listen over a stale file: %v", err)
	}
	ln.Close()
}

func TestConnectContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c, err := ConnectContext(ctx, filepath.Join(t.TempDir(), "missing")); err == nil {
		c.Close()
		t.Fatal("connected to a missing socket")
	}
}

func TestIsDaemon(t *testing.T) {
	for name, want := range map[string]bool{
		"nsiproxyd":     true,
		"NSIPROXYD.EXE": true,
		"nsiproxy":      false,
		"nsictl":        false,
	} {
		if got := isDaemon(name); got != want {
			t.Errorf("isDaemon(%q) = %v, want %v", name, got, want)
		}
	}
}
