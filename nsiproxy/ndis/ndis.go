// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ndis implements the NDIS module: the interface cache shared by
// all providers, and the interface-info and index-to-LUID tables.
package ndis

import (
	"cmp"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/nsiproxy/sysnet"
	"nsiproxy.dev/types/logger"
)

// Entry is a cached interface.
type Entry struct {
	Index        uint32
	LUID         nsi.LUID
	GUID         nsi.GUID
	Name         string
	Description  string
	Type         uint16 // nsi.IfType*
	HardwareAddr net.HardwareAddr
	MTU          int
	Flags        net.Flags
	Addrs        []netip.Prefix
}

// IsLoopback reports whether e is a loopback interface.
func (e *Entry) IsLoopback() bool { return e.Type == nsi.IfTypeSoftwareLoopback }

// IsUp reports whether e is administratively up.
func (e *Entry) IsUp() bool { return e.Flags&net.FlagUp != 0 }

// IsRunning reports whether e is up with its link connected.
func (e *Entry) IsRunning() bool { return e.IsUp() && e.Flags&net.FlagRunning != 0 }

// HasFamily reports whether e has an address of the family.
func (e *Entry) HasFamily(family uint16) bool {
	for _, p := range e.Addrs {
		if familyOf(p.Addr()) == family {
			return true
		}
	}
	return false
}

func familyOf(a netip.Addr) uint16 {
	if a.Is4() {
		return nsi.AFInet
	}
	return nsi.AFInet6
}

// GUIDOf returns the interface GUID for an interface index. It is stable
// for the index only.
func GUIDOf(index uint32) nsi.GUID {
	g := nsi.GUID{Data1: index}
	copy(g.Data4[:], "NSIPROXY")
	return g
}

// Cache is the interface cache. Entries are refreshed in place from the
// OS, never replaced wholesale, so an interface keeps its entry for as
// long as it exists.
type Cache struct {
	src  *sysnet.Source
	logf logger.Logf
	// errf logs source read failures that repeat on every request.
	errf logger.Logf

	mu      sync.Mutex
	entries []*Entry // sorted by Index
}

// NewCache returns an empty interface cache over src.
func NewCache(src *sysnet.Source, logf logger.Logf) *Cache {
	logf = logger.WithPrefix(logger.OrDiscard(logf), "ndis: ")
	return &Cache{
		src:  src,
		logf: logf,
		errf: logger.LogOnChange(logf, time.Minute, time.Now),
	}
}

// Source returns the OS data source the cache reads from.
func (c *Cache) Source() *sysnet.Source { return c.src }

// Refresh re-reads the OS interface list.
func (c *Cache) Refresh() error {
	ifs, err := c.src.ListInterfaces()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked(ifs)
	return nil
}

func (c *Cache) refreshLocked(ifs []sysnet.Interface) {
	seen := make(map[uint32]bool, len(ifs))
	for _, ifc := range ifs {
		idx := uint32(ifc.Index)
		seen[idx] = true
		e := c.findLocked(idx)
		if e == nil {
			e = &Entry{
				Index: idx,
				GUID:  GUIDOf(idx),
			}
			c.entries = append(c.entries, e)
			c.logf("interface %q (index %d) added", ifc.Name, idx)
		}
		if e.Name != ifc.Name || e.Description == "" {
			e.Description = c.describe(ifc.Name)
		}
		e.Name = ifc.Name
		e.Type = ifc.Type
		e.LUID = nsi.MakeLUID(ifc.Type, idx)
		e.HardwareAddr = slices.Clone(ifc.HardwareAddr)
		e.MTU = ifc.MTU
		e.Flags = ifc.Flags
		e.Addrs = slices.Clone(ifc.Addrs)
	}
	c.entries = slices.DeleteFunc(c.entries, func(e *Entry) bool {
		if !seen[e.Index] {
			c.logf("interface %q (index %d) removed", e.Name, e.Index)
			return true
		}
		return false
	})
	slices.SortFunc(c.entries, func(a, b *Entry) int { return cmp.Compare(a.Index, b.Index) })
}

func (c *Cache) describe(name string) string {
	if c.src.DriverName != nil {
		if d, err := c.src.DriverName(name); err == nil && d != "" {
			return d
		}
	}
	return name
}

func (c *Cache) findLocked(index uint32) *Entry {
	for _, e := range c.entries {
		if e.Index == index {
			return e
		}
	}
	return nil
}

func clone(e *Entry) Entry {
	r := *e
	r.HardwareAddr = slices.Clone(e.HardwareAddr)
	r.Addrs = slices.Clone(e.Addrs)
	return r
}

// Interfaces refreshes the cache and returns a copy of every entry,
// ordered by index.
func (c *Cache) Interfaces() ([]Entry, error) {
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		ret[i] = clone(e)
	}
	return ret, nil
}

// lookup returns a copy of the first entry matching f, refreshing the
// cache once on a miss.
func (c *Cache) lookup(f func(*Entry) bool) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for attempt := range 2 {
		if i := slices.IndexFunc(c.entries, f); i >= 0 {
			return clone(c.entries[i]), nil
		}
		if attempt == 0 {
			ifs, err := c.src.ListInterfaces()
			if err != nil {
				return Entry{}, err
			}
			c.refreshLocked(ifs)
		}
	}
	return Entry{}, nsi.StatusNotFound
}

// ByLUID returns the entry for luid.
func (c *Cache) ByLUID(luid nsi.LUID) (Entry, error) {
	return c.lookup(func(e *Entry) bool { return e.LUID == luid })
}

// ByIndex returns the entry for an interface index.
func (c *Cache) ByIndex(index uint32) (Entry, error) {
	return c.lookup(func(e *Entry) bool { return e.Index == index })
}

// ByName returns the entry for an interface name.
func (c *Cache) ByName(name string) (Entry, error) {
	return c.lookup(func(e *Entry) bool { return e.Name == name })
}

// LUIDByName returns the LUID of the named interface.
func (c *Cache) LUIDByName(name string) (nsi.LUID, error) {
	e, err := c.ByName(name)
	return e.LUID, err
}

// NameByLUID returns the name of the interface with the given LUID.
func (c *Cache) NameByLUID(luid nsi.LUID) (string, error) {
	e, err := c.ByLUID(luid)
	return e.Name, err
}

// IndexByLUID returns the index of the interface with the given LUID.
func (c *Cache) IndexByLUID(luid nsi.LUID) (uint32, error) {
	e, err := c.ByLUID(luid)
	return e.Index, err
}

// LUIDByIndex returns the LUID of the interface with the given index.
func (c *Cache) LUIDByIndex(index uint32) (nsi.LUID, error) {
	e, err := c.ByIndex(index)
	return e.LUID, err
}
