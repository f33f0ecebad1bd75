// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsiproxy

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"nsiproxy.dev/nsi"
	"nsiproxy.dev/types/logger"
)

// errWatcherClosed is delivered to registrations outstanding when the
// Watcher is closed.
var errWatcherClosed = errors.New("nsiproxy: watcher closed")

// Watcher detects table changes by polling. Each registration fires once,
// the first time the table's contents differ from what they were when it
// registered.
//
// A table's contents are its key, rw and static columns; the dynamic
// column carries counters and is ignored.
type Watcher struct {
	disp     *nsi.Dispatcher
	interval time.Duration
	logf     logger.Logf

	mu     sync.Mutex
	regs   map[*registration]bool
	closed bool
	done   chan struct{}
	exited chan struct{}
}

type registration struct {
	name nsi.TableName
	snap []byte
	c    chan error // receives nil when the table changed
}

// NewWatcher returns a Watcher polling d every interval. It must be
// closed with Close.
func NewWatcher(d *nsi.Dispatcher, interval time.Duration, logf logger.Logf) *Watcher {
	w := &Watcher{
		disp:     d,
		interval: interval,
		logf:     logger.WithPrefix(logger.OrDiscard(logf), "watcher: "),
		regs:     map[*registration]bool{},
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Register arranges for the returned channel to receive once the contents
// of name change; it receives a non-nil error if the Watcher is closed
// first. The returned func cancels the registration and must be called.
func (w *Watcher) Register(name nsi.TableName) (<-chan error, func(), error) {
	snap, err := snapshot(w.disp, name)
	if err != nil {
		return nil, nil, err
	}
	r := &registration{name: name, snap: snap, c: make(chan error, 1)}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, nil, errWatcherClosed
	}
	w.regs[r] = true
	return r.c, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.regs, r)
	}, nil
}

// Close stops polling and fails all outstanding registrations.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for r := range w.regs {
		r.c <- errWatcherClosed
		delete(w.regs, r)
	}
	w.mu.Unlock()
	close(w.done)
	<-w.exited
}

func (w *Watcher) run() {
	defer close(w.exited)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.poll()
		}
	}
}

// poll re-reads each table with registrations once, and fires the
// registrations whose snapshot differs.
func (w *Watcher) poll() {
	w.mu.Lock()
	byTable := map[nsi.TableName][]*registration{}
	for r := range w.regs {
		byTable[r.name] = append(byTable[r.name], r)
	}
	w.mu.Unlock()

	for name, regs := range byTable {
		snap, err := snapshot(w.disp, name)
		if err != nil {
			w.logf("reading %v/%d: %v", name.Module, name.Table, err)
			continue
		}
		w.mu.Lock()
		for _, r := range regs {
			if !w.regs[r] || bytes.Equal(r.snap, snap) {
				continue
			}
			delete(w.regs, r)
			r.c <- nil
		}
		w.mu.Unlock()
	}
}

// Len returns the number of outstanding registrations.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.regs)
}

// snapshot returns the key, rw and static columns of every row of name.
func snapshot(d *nsi.Dispatcher, name nsi.TableName) ([]byte, error) {
	t, err := d.Registry().Lookup(name.Module, name.Table)
	if err != nil {
		return nil, err
	}
	sizes := t.Sizes()
	for range 4 {
		n, err := d.Count(name.Module, name.Table, 0, 0)
		if err != nil {
			return nil, err
		}
		req := &nsi.EnumerateRequest{
			Module: name.Module,
			Table:  name.Table,
			Count:  n,
		}
		var out []byte
		for _, c := range []nsi.Column{nsi.ColumnKey, nsi.ColumnRW, nsi.ColumnStatic} {
			req.Columns[c] = nsi.ColumnBuf{Data: make([]byte, sizes[c]*n), Size: sizes[c]}
		}
		err = d.EnumerateAll(req)
		if errors.Is(err, nsi.StatusBufferOverflow) {
			// Grew between the count and the read.
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, c := range []nsi.Column{nsi.ColumnKey, nsi.ColumnRW, nsi.ColumnStatic} {
			out = append(out, req.Columns[c].Data[:sizes[c]*req.Count]...)
		}
		return out, nil
	}
	return nil, nsi.StatusBufferOverflow
}
