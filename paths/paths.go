// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package paths returns platform and user-specific default paths to
// nsiproxyd files.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// writable reports whether the process can create files in dir. It is
// replaced on Unix.
var writable = func(dir string) bool { return false }

// systemSocket is the socket path of a system-wide nsiproxyd.
const systemSocket = "/run/nsiproxyd/nsiproxyd.sock"

// DefaultSocket returns the path of the nsiproxyd socket: the system
// path when its directory (or /run) is writable or root owns the
// process, else a per-user runtime path.
func DefaultSocket() string {
	if os.Getuid() == 0 || writable(filepath.Dir(systemSocket)) || writable("/run") {
		return systemSocket
	}
	return filepath.Join(runtimeDir(), "nsiproxyd.sock")
}

func runtimeDir() string {
	if e := os.Getenv("XDG_RUNTIME_DIR"); e != "" {
		return e
	}
	return os.TempDir()
}

// MkSocketDir creates the directory of the socket at path, if missing.
func MkSocketDir(path string) error {
	dir := filepath.Dir(path)
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("expected %q to be a directory; is %v", dir, fi.Mode())
		}
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
