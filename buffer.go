// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"context"
	"sync"

	"github.com/grailbio/bigmap/registry"
	"github.com/grailbio/bigmap/rt"
)

// DefaultBufferCap is the per-destination insert buffer capacity, in
// entries, used when Opts gives none.
const DefaultBufferCap = 1024

// An insertBuffer accumulates pending inserts bound for one
// destination locality. Entries sit in the buffer, not yet
// transmitted, until the buffer reaches the map's capacity threshold
// or an explicit flush; a full buffer is shipped as a single batch
// task. Each locality's Map handle owns its own buffers: buffering
// is client-side state, amortizing per-message dispatch overhead
// when insertion dominates the workload.
type insertBuffer struct {
	mu      sync.Mutex
	entries []Entry
}

// An Entry is one buffered (key, value) pair.
type Entry struct {
	Key, Value interface{}
}

type batchArgs struct {
	ID      registry.ID
	Entries []Entry
}

var batchInsertFunc = rt.RegisterAsyncFunc(taskInsertBatch)

// BufferedAsyncInsert routes key to its owning locality and appends
// (key, value) to that destination's pending buffer. If the append
// fills the buffer to the map's capacity threshold, the whole batch
// is dispatched as a single asynchronous task registered against h,
// and the buffer starts accumulating afresh. Until a flush, the
// entry is local state only: callers needing the full data set
// visible remotely must call WaitForBufferedInsert.
//
// Entries within one batch are applied in insertion order; across
// batches there is no ordering guarantee.
func (m *Map) BufferedAsyncInsert(h *rt.Handle, key, value interface{}) error {
	owner := m.Owner(key)
	if owner == m.run.Here() {
		// Locally owned keys need no batching; apply directly, off
		// the dispatch path entirely.
		hash := hashKey(key)
		m.shard.put(hash, key, value)
		return nil
	}
	buf := &m.bufs[owner]
	buf.mu.Lock()
	buf.entries = append(buf.entries, Entry{Key: key, Value: value})
	var batch []Entry
	if len(buf.entries) >= m.bufcap {
		batch = buf.entries
		buf.entries = nil
	}
	buf.mu.Unlock()
	if batch == nil {
		return nil
	}
	return m.flush(owner, batch, h)
}

// WaitForBufferedInsert forces a flush of every non-empty buffer
// held by this locality's handle to the map, regardless of capacity,
// and blocks until all batch tasks this handle has ever dispatched,
// including still-outstanding ones triggered by capacity, have
// completed at their destinations. It must be called before relying
// on the full data set being visible remotely, and before Destroy.
func (m *Map) WaitForBufferedInsert(ctx context.Context) error {
	for i := range m.bufs {
		buf := &m.bufs[i]
		buf.mu.Lock()
		batch := buf.entries
		buf.entries = nil
		buf.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		if err := m.flush(rt.Locality(i), batch, nil); err != nil {
			return err
		}
	}
	return m.drain.Wait(ctx)
}

// Flush ships batch to dst as one asynchronous task. The task is
// registered against the map's internal drain handle, which
// WaitForBufferedInsert joins, and additionally against h when the
// flush was triggered by capacity, so that the caller's own Wait
// also covers it.
func (m *Map) flush(dst rt.Locality, batch []Entry, h *rt.Handle) error {
	handles := []*rt.Handle{&m.drain}
	if h != nil {
		handles = []*rt.Handle{h, &m.drain}
	}
	return m.run.AsyncAt(dst, batchInsertFunc, batchArgs{ID: m.id, Entries: batch}, handles...)
}

func taskInsertBatch(run *rt.Runtime, _ *rt.Handle, arg interface{}, _ int) {
	a := arg.(batchArgs)
	m := mustGet(run, a.ID)
	for _, e := range a.Entries {
		m.shard.put(hashKey(e.Key), e.Key, e.Value)
	}
}
