// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sysnet

import (
	"bytes"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"
)

// Owner is the process holding a socket.
type Owner struct {
	PID     int
	Name    string    // executable name, if known
	Started time.Time // process start; zero if unknown
}

// OwnerResolver attributes socket inodes to their owning processes.
// Resolving other users' sockets may need privileges the caller lacks;
// unresolved inodes are absent from the result.
type OwnerResolver interface {
	Owners(inodes []uint64) (map[uint64]Owner, error)
}

// ProcOwners resolves socket owners by scanning /proc/<pid>/fd.
type ProcOwners struct {
	// Proc is the procfs root.
	Proc fs.FS
	// Processes lists candidate processes. If nil, ps.Processes is used.
	Processes func() ([]ps.Process, error)
}

// Owners implements OwnerResolver.
func (o *ProcOwners) Owners(inodes []uint64) (map[uint64]Owner, error) {
	ret := map[uint64]Owner{}
	if len(inodes) == 0 {
		return ret, nil
	}
	want := make(map[string]uint64, len(inodes))
	for _, ino := range inodes {
		want["socket:["+strconv.FormatUint(ino, 10)+"]"] = ino
	}

	list := o.Processes
	if list == nil {
		list = ps.Processes
	}
	procs, err := list()
	if err != nil {
		return nil, err
	}
	boot, _ := bootTime(o.Proc)

	for _, p := range procs {
		fdDir := strconv.Itoa(p.Pid()) + "/fd"
		fds, err := fs.ReadDir(o.Proc, fdDir)
		if err != nil {
			// Process exited, or it isn't ours to look at.
			continue
		}
		for _, fd := range fds {
			target, err := fs.ReadLink(o.Proc, fdDir+"/"+fd.Name())
			if err != nil || !strings.HasPrefix(target, "socket:[") {
				continue
			}
			if ino, ok := want[target]; ok {
				ret[ino] = Owner{
					PID:     p.Pid(),
					Name:    p.Executable(),
					Started: processStart(o.Proc, p.Pid(), boot),
				}
				delete(want, target)
				if len(want) == 0 {
					return ret, nil
				}
			}
		}
	}
	return ret, nil
}

// userHZ is the unit of the times in /proc/<pid>/stat.
const userHZ = 100

// processStart returns the start time of pid from field 22 of
// /proc/<pid>/stat, or the zero time if boot or the field is unknown.
func processStart(proc fs.FS, pid int, boot time.Time) time.Time {
	if boot.IsZero() {
		return time.Time{}
	}
	b, err := fs.ReadFile(proc, strconv.Itoa(pid)+"/stat")
	if err != nil {
		return time.Time{}
	}
	// The command name is parenthesized and may itself contain ')'.
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return time.Time{}
	}
	f := strings.Fields(string(b[i+1:]))
	const startField = 22 - 3 // fields after pid and comm
	if len(f) <= startField {
		return time.Time{}
	}
	ticks, err := strconv.ParseUint(f[startField], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return boot.Add(time.Duration(ticks) * time.Second / userHZ)
}

// SocketOwners returns the owners of socks, keyed by inode. It returns an
// empty map when s has no OwnerResolver.
func (s *Source) SocketOwners(socks []Socket) (map[uint64]Owner, error) {
	if s == nil || s.Owners == nil || len(socks) == 0 {
		return map[uint64]Owner{}, nil
	}
	inodes := make([]uint64, 0, len(socks))
	for _, sk := range socks {
		if sk.Inode != 0 {
			inodes = append(inodes, sk.Inode)
		}
	}
	return s.Owners.Owners(inodes)
}
