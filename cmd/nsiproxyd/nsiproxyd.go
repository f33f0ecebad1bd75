// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The nsiproxyd program serves the NSI device (network tables and ICMP
// echo) to local clients over a Unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"nsiproxy.dev/nsiproxy"
	"nsiproxy.dev/nsiproxy/icmp"
	"nsiproxy.dev/nsiproxy/sysnet"
	"nsiproxy.dev/paths"
	"nsiproxy.dev/safesocket"
	"nsiproxy.dev/types/logger"
)

type config struct {
	socket         string
	debug          string
	procRoot       string
	sysRoot        string
	icmpHandles    int
	notifyInterval time.Duration
	verbose        int
}

func parseFlags(args []string) (*config, error) {
	var c config
	fs := flag.NewFlagSet("nsiproxyd", flag.ContinueOnError)
	fs.StringVar(&c.socket, "socket", paths.DefaultSocket(), "path of the Unix socket to serve the device on")
	fs.StringVar(&c.debug, "debug", "", "listen address ([ip]:port) of the metrics server, if any")
	fs.StringVar(&c.procRoot, "proc-root", "/proc", "procfs root")
	fs.StringVar(&c.sysRoot, "sys-root", "/sys", "sysfs root")
	fs.IntVar(&c.icmpHandles, "icmp-handles", icmp.DefaultMaxHandles, "maximum open ICMP echo handles")
	fs.DurationVar(&c.notifyInterval, "notify-interval", nsiproxy.DefaultNotifyInterval, "how often watched tables are polled for changes")
	fs.IntVar(&c.verbose, "verbose", 0, "log verbosity level; 0 is default, 1 or higher are increasingly verbose")
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("NSIPROXYD")); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}
	if c.icmpHandles < 1 || c.icmpHandles > icmp.MaxHandles {
		return nil, fmt.Errorf("--icmp-handles must be between 1 and %d", icmp.MaxHandles)
	}
	if c.notifyInterval <= 0 {
		return nil, errors.New("--notify-interval must be positive")
	}
	return &c, nil
}

func main() {
	c, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, c); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, c *config) error {
	logf := logger.Logf(log.Printf)
	if c.verbose == 0 {
		logf = logger.RateLimitedFn(logf, 5*time.Second, 5, 100)
	}

	svc := nsiproxy.New(logf, nsiproxy.Options{
		Source:         sysnet.New(c.procRoot, c.sysRoot),
		MaxICMPHandles: c.icmpHandles,
		NotifyInterval: c.notifyInterval,
	})
	defer svc.Close()

	var dln net.Listener
	if c.debug != "" {
		var err error
		if dln, err = net.Listen("tcp", c.debug); err != nil {
			return err
		}
		logf("metrics on http://%v/metrics", dln.Addr())
	}

	if err := paths.MkSocketDir(c.socket); err != nil {
		return err
	}
	ln, err := safesocket.Listen(c.socket)
	if err != nil {
		return fmt.Errorf("safesocket.Listen: %w", err)
	}
	defer os.Remove(c.socket)
	logf("serving on %s", c.socket)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return nsiproxy.Serve(ctx, ln, svc.Device(), logf)
	})
	if dln != nil {
		srv := &http.Server{
			Handler:           debugHandler(svc),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          logger.StdLogger(logger.WithPrefix(logf, "debug: ")),
		}
		g.Go(func() error {
			if err := srv.Serve(dln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	return g.Wait()
}

func debugHandler(svc *nsiproxy.Service) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(svc.Metrics(), promhttp.HandlerOpts{}))
	return mux
}
