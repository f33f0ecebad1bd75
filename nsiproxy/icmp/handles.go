// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package icmp

import "sync"

// Handle names an echo session. The zero Handle is never valid.
//
// The low 16 bits are the slot index plus one; the high 16 bits are the
// slot generation, bumped each time the slot is freed, so a handle to a
// closed session never resolves to a later one.
type Handle uint32

func makeHandle(idx int, gen uint16) Handle { return Handle(gen)<<16 | Handle(idx+1) }

func (h Handle) index() int  { return int(h&0xffff) - 1 }
func (h Handle) gen() uint16 { return uint16(h >> 16) }

// MaxHandles is the largest supported handle table capacity.
const MaxHandles = 0xffff

type slot struct {
	gen uint16
	s   *session // nil when free
}

// handleTable is a fixed-capacity map from handles to sessions.
type handleTable struct {
	mu    sync.Mutex
	slots []slot
	free  []int // free slot indices, most recently freed last
}

func newHandleTable(capacity int) *handleTable {
	t := &handleTable{
		slots: make([]slot, capacity),
		free:  make([]int, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		t.slots[i].gen = 1
		t.free = append(t.free, i)
	}
	return t
}

// alloc stores s in a free slot. It reports false if the table is full.
func (t *handleTable) alloc(s *session) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return 0, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.slots[idx].s = s
	return makeHandle(idx, t.slots[idx].gen), true
}

// lookupLocked returns the session for h, or nil if h is stale or was
// never issued.
func (t *handleTable) lookupLocked(h Handle) *session {
	idx := h.index()
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	sl := &t.slots[idx]
	if sl.s == nil || sl.gen != h.gen() {
		return nil
	}
	return sl.s
}

// acquire returns the session for h with a reference the caller must
// release.
func (t *handleTable) acquire(h Handle) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookupLocked(h)
	if s != nil {
		s.refs.Add(1)
	}
	return s
}

// remove frees h's slot and returns its session, whose table reference
// passes to the caller.
func (t *handleTable) remove(h Handle) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookupLocked(h)
	if s == nil {
		return nil
	}
	idx := h.index()
	t.slots[idx].s = nil
	t.slots[idx].gen++
	if t.slots[idx].gen == 0 {
		t.slots[idx].gen = 1
	}
	t.free = append(t.free, idx)
	return s
}

// handles returns every live handle.
func (t *handleTable) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ret []Handle
	for i, sl := range t.slots {
		if sl.s != nil {
			ret = append(ret, makeHandle(i, sl.gen))
		}
	}
	return ret
}

// len returns the number of live sessions.
func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}
