// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	"nsiproxy.dev/nsi"
)

var watchCmd = &ffcli.Command{
	Name:       "watch",
	ShortUsage: "nsictl watch <table>",
	ShortHelp:  "Print a line each time a table changes",
	Exec:       runWatch,
}

// watchLimit stops runWatch after that many changes if non-zero.
var watchLimit int

func runWatch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: nsictl watch <table>")
	}
	ti, err := findTable(args[0])
	if err != nil {
		return err
	}
	cl := newClient()
	defer cl.Close()
	for n := 0; watchLimit == 0 || n < watchLimit; n++ {
		done := make(chan error, 1)
		reg, err := cl.RegisterChangeNotification(ctx, ti.module, ti.id, done)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			reg.Cancel()
			return nil
		case err := <-done:
			reg.Cancel()
			if errors.Is(err, nsi.StatusCancelled) && ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
		}
		fmt.Fprintf(Stdout, "%s %s changed\n", time.Now().Format(time.TimeOnly), ti.name)
	}
	return nil
}
