// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nsiclient

import (
	"context"
	"sync"

	"nsiproxy.dev/nsi"
)

// Notification is a pending change notification on one table.
type Notification struct {
	cancel context.CancelFunc
	stop   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// RegisterChangeNotification arms a one-shot notification on (mod, table).
// The table must be enumerable. When the table changes, nil is sent on
// done; if the daemon shuts down or ctx ends first, nsi.StatusCancelled
// is sent. Nothing is sent after Cancel returns.
func (c *Client) RegisterChangeNotification(ctx context.Context, mod nsi.ModuleID, table nsi.TableID, done chan<- error) (*Notification, error) {
	// Fail bad tables now rather than through done.
	if err := c.EnumerateAll(ctx, &EnumerateParams{Module: mod, Table: table}); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	n := &Notification{
		cancel: cancel,
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	in := nsi.MarshalTableName(nsi.TableName{Module: mod, Table: table})
	go func() {
		defer close(n.exited)
		_, err := c.t.Ioctl(ctx, nsi.IoctlChangeNotify, in, 0)
		select {
		case <-n.stop:
			return
		default:
		}
		select {
		case done <- err:
		case <-n.stop:
		}
	}()
	return n, nil
}

// Cancel disarms n and waits for its ioctl to return. It is safe to call
// more than once, and after the notification fired.
func (n *Notification) Cancel() {
	n.once.Do(func() {
		close(n.stop)
		n.cancel()
	})
	<-n.exited
}
