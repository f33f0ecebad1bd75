// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !unix

package icmp

import (
	"errors"
	"os"
)

func errnoStatus(err error) (uint32, bool) { return 0, false }

func permissionDenied(err error) bool { return errors.Is(err, os.ErrPermission) }
