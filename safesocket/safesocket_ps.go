// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build (linux && !android) || (darwin && !ios) || freebsd

package safesocket

import (
	ps "github.com/mitchellh/go-ps"
)

func init() {
	daemonProcExists = func() bool {
		procs, err := ps.Processes()
		if err != nil {
			return false
		}
		for _, proc := range procs {
			if isDaemon(proc.Executable()) {
				return true
			}
		}
		return false
	}
}
