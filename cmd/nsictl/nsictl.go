// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The nsictl program queries nsiproxyd: it dumps network tables, reads
// single parameters, pings and watches tables for changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"nsiproxy.dev/nsiclient"
	"nsiproxy.dev/paths"
)

// Stdout and Stderr are the command output streams.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

var rootArgs struct {
	socket string
}

// newClient returns the Client commands use.
var newClient = func() *nsiclient.Client {
	return nsiclient.Open(nsiclient.DialSocket(rootArgs.socket), nsiclient.Options{})
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(Stderr)
	return fs
}

// tableWriter returns a writer for tab-separated rows and a func to call
// when done. Terminal output is aligned into columns.
func tableWriter() (io.Writer, func() error) {
	if f, ok := Stdout.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		tw := tabwriter.NewWriter(f, 0, 2, 2, ' ', 0)
		return tw, tw.Flush
	}
	return Stdout, func() error { return nil }
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(Stderr, err)
		os.Exit(1)
	}
}

// Run runs the CLI. The args do not include the binary name.
func Run(ctx context.Context, args []string) error {
	rootfs := newFlagSet("nsictl")
	rootfs.StringVar(&rootArgs.socket, "socket", paths.DefaultSocket(), "path to nsiproxyd socket")

	rootCmd := &ffcli.Command{
		Name:       "nsictl",
		ShortUsage: "nsictl [flags] <subcommand> [command flags]",
		ShortHelp:  "Query the network tables and ICMP engine of nsiproxyd.",
		LongHelp: strings.TrimSpace(`
For help on subcommands, add --help after: "nsictl routes --help".
`),
		Subcommands: []*ffcli.Command{
			tablesCmd,
			interfacesCmd,
			addrsCmd,
			routesCmd,
			neighboursCmd,
			socketsCmd,
			statsCmd,
			paramCmd,
			pingCmd,
			watchCmd,
		},
		FlagSet: rootfs,
		Options: []ff.Option{ff.WithEnvVarPrefix("NSICTL")},
		Exec:    func(context.Context, []string) error { return flag.ErrHelp },
	}
	err := rootCmd.ParseAndRun(ctx, args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}
