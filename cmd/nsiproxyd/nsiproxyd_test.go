// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiclient"
	"nsiproxy.dev/nsiproxy"
	"nsiproxy.dev/nsiproxy/sysnet/sysnettest"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		want    config
		wantErr string
	}{
		{
			name: "flags",
			args: []string{"--socket=/tmp/n.sock", "--icmp-handles=16", "--notify-interval=1s"},
			want: config{
				socket:         "/tmp/n.sock",
				procRoot:       "/proc",
				sysRoot:        "/sys",
				icmpHandles:    16,
				notifyInterval: time.Second,
			},
		},
		{
			name: "env",
			env:  map[string]string{"NSIPROXYD_SOCKET": "/tmp/e.sock", "NSIPROXYD_PROC_ROOT": "/host/proc", "NSIPROXYD_VERBOSE": "2"},
			want: config{
				socket:         "/tmp/e.sock",
				procRoot:       "/host/proc",
				sysRoot:        "/sys",
				icmpHandles:    256,
				notifyInterval: 2 * time.Second,
				verbose:        2,
			},
		},
		{
			name:    "too-many-handles",
			args:    []string{"--icmp-handles=100000"},
			wantErr: "--icmp-handles",
		},
		{
			name:    "bad-interval",
			args:    []string{"--notify-interval=0s"},
			wantErr: "--notify-interval",
		},
		{
			name:    "extra-args",
			args:    []string{"serve"},
			wantErr: "unexpected arguments",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := parseFlags(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if *got != tt.want {
				t.Errorf("config = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestDebugHandler(t *testing.T) {
	svc := nsiproxy.New(t.Logf, nsiproxy.Options{Source: sysnettest.New()})
	defer svc.Close()
	cl := nsiclient.Open(nsiclient.Local(svc.Device()), nsiclient.Options{Logf: t.Logf})
	if _, err := cl.AllocateAndGetTable(context.Background(), nsi.NDIS, nsi.IndexLUIDTable, nsi.SizesOf(uint32(0), nil, nil, nsi.IndexLUIDStatic{})); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(debugHandler(svc))
	defer ts.Close()
	res, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`nsiproxy_ioctls_total{op="enumerate_all",status="success"} 1`,
		"nsiproxy_icmp_sessions 0",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRun(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "run", "nsiproxyd.sock")
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- run(ctx, &config{
			socket:         sock,
			debug:          "127.0.0.1:0",
			procRoot:       t.TempDir(),
			sysRoot:        t.TempDir(),
			icmpHandles:    4,
			notifyInterval: time.Second,
		})
	}()

	cl := nsiclient.Open(nsiclient.DialSocket(sock), nsiclient.Options{Logf: t.Logf})
	defer cl.Close()
	// Interfaces come from the host; proc and sys are empty.
	p := &nsiclient.EnumerateParams{Module: nsi.NDIS, Table: nsi.IfInfoTable}
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := cl.EnumerateAll(ctx, p)
		if err == nil || !strings.Contains(err.Error(), "connecting") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
