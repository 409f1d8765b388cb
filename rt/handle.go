// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rt

import (
	"context"
	"sync"
)

// A Handle tracks a set of outstanding asynchronous tasks. Every
// asynchronous dispatch made under a handle registers one task per
// invocation against it; Wait blocks until all registered tasks,
// including tasks that were registered recursively by other tasks
// under the same handle, have completed.
//
// The zero Handle is valid and tracks no tasks. After a Wait returns,
// the handle is re-armed: it may be reused to track a fresh set of
// tasks. Handles must not be copied after first use.
//
// Accounting always lives at the issuing locality. The in-process
// transport shares the issuer's Handle with executing tasks directly;
// a cross-process transport must provide a proxy that forwards Add
// and Done back to the issuer.
type Handle struct {
	mu          sync.Mutex
	outstanding int
	waitc       chan struct{}
}

// Add registers n additional outstanding tasks against the handle.
// It is called by dispatch on behalf of the issuer; user code needs
// it only to tie externally managed work into the handle's barrier.
func (h *Handle) Add(n int) {
	h.mu.Lock()
	h.outstanding += n
	if h.outstanding < 0 {
		h.mu.Unlock()
		panic("rt: negative handle count")
	}
	h.mu.Unlock()
}

// Done marks one outstanding task as complete, notifying waiters
// when the count reaches zero.
func (h *Handle) Done() {
	h.mu.Lock()
	h.outstanding--
	if h.outstanding < 0 {
		h.mu.Unlock()
		panic("rt: negative handle count")
	}
	if h.outstanding == 0 {
		h.broadcast()
	}
	h.mu.Unlock()
}

// Pending returns the number of tasks currently registered and not
// yet complete. It is advisory: the count may change immediately
// after it is read.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outstanding
}

// Wait blocks until every task registered against the handle has
// completed, or until the context is done, in which case the
// context's error is returned. A handle with no registered tasks
// returns immediately.
func (h *Handle) Wait(ctx context.Context) error {
	h.mu.Lock()
	for h.outstanding > 0 {
		if h.waitc == nil {
			h.waitc = make(chan struct{})
		}
		waitc := h.waitc
		h.mu.Unlock()
		select {
		case <-waitc:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.mu.Lock()
	}
	h.mu.Unlock()
	return nil
}

// broadcast notifies waiters. Must be called with the handle's
// lock held.
func (h *Handle) broadcast() {
	if h.waitc != nil {
		close(h.waitc)
		h.waitc = nil
	}
}
