// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"sync/atomic"

	"github.com/grailbio/bigmap/registry"
	"github.com/grailbio/bigmap/rt"
)

// User callbacks run at the locality that owns the data, which is in
// general not the locality that supplied the callback, so like the
// funcs in package rt they must be nameable across process
// boundaries: callbacks are registered package values, named by
// deterministic registration index.

var (
	entryFuncs  []func(h *rt.Handle, key interface{}, value *interface{})
	keyFuncs    []func(h *rt.Handle, key interface{})
	lookupFuncs []func(h *rt.Handle, key, value interface{}, found bool)
	// callbacksBusy is used to detect data races in registration.
	callbacksBusy int32
)

// An EntryFunc is a registered callback invoked with a mutable
// reference to a stored entry, under the owning bucket's lock. It is
// used by Apply, AsyncApply, and AsyncForEachEntry. The handle is
// the one the operation was dispatched under (nil for the
// synchronous Apply); the callback may register further tasks
// against it.
type EntryFunc struct {
	index int
}

// A KeyFunc is a registered callback invoked with a stored key. It
// is used by AsyncForEachKey.
type KeyFunc struct {
	index int
}

// A LookupFunc is a registered callback invoked with the result of
// an asynchronous lookup: the key, the value stored for it (nil if
// absent), and whether it was found. The callback runs at the
// owning locality.
type LookupFunc struct {
	index int
}

// RegisterEntryFunc registers an entry callback. Like
// rt.RegisterFunc, registration must happen identically on every
// locality, from package variable initialization.
func RegisterEntryFunc(fn func(h *rt.Handle, key interface{}, value *interface{})) EntryFunc {
	if atomic.AddInt32(&callbacksBusy, 1) != 1 {
		panic("bigmap.RegisterEntryFunc: data race")
	}
	f := EntryFunc{index: len(entryFuncs)}
	entryFuncs = append(entryFuncs, fn)
	if atomic.AddInt32(&callbacksBusy, -1) != 0 {
		panic("bigmap.RegisterEntryFunc: data race")
	}
	return f
}

// RegisterKeyFunc registers a key callback. See RegisterEntryFunc
// for registration requirements.
func RegisterKeyFunc(fn func(h *rt.Handle, key interface{})) KeyFunc {
	if atomic.AddInt32(&callbacksBusy, 1) != 1 {
		panic("bigmap.RegisterKeyFunc: data race")
	}
	f := KeyFunc{index: len(keyFuncs)}
	keyFuncs = append(keyFuncs, fn)
	if atomic.AddInt32(&callbacksBusy, -1) != 0 {
		panic("bigmap.RegisterKeyFunc: data race")
	}
	return f
}

// RegisterLookupFunc registers a lookup continuation. See
// RegisterEntryFunc for registration requirements.
func RegisterLookupFunc(fn func(h *rt.Handle, key, value interface{}, found bool)) LookupFunc {
	if atomic.AddInt32(&callbacksBusy, 1) != 1 {
		panic("bigmap.RegisterLookupFunc: data race")
	}
	f := LookupFunc{index: len(lookupFuncs)}
	lookupFuncs = append(lookupFuncs, fn)
	if atomic.AddInt32(&callbacksBusy, -1) != 0 {
		panic("bigmap.RegisterLookupFunc: data race")
	}
	return f
}

type (
	applyArgs struct {
		ID  registry.ID
		Key interface{}
		Fn  int
	}
	forEachArgs struct {
		ID registry.ID
		Fn int
	}
)

var (
	asyncInsertFunc  = rt.RegisterAsyncFunc(taskInsert)
	asyncEraseFunc   = rt.RegisterAsyncFunc(taskErase)
	asyncApplyFunc   = rt.RegisterAsyncFunc(taskApply)
	asyncLookupFunc  = rt.RegisterAsyncFunc(taskLookup)
	forEachEntryFunc = rt.RegisterAsyncFunc(taskForEachEntry)
	forEachKeyFunc   = rt.RegisterAsyncFunc(taskForEachKey)
)

// AsyncInsert stores (key, value) like Insert, but as a task
// registered against h: the call returns immediately, and the insert
// is visible after h has been waited on. Inserts dispatched under
// one handle to the same destination are delivered in submission
// order; there is no ordering guarantee across destinations.
func (m *Map) AsyncInsert(h *rt.Handle, key, value interface{}) error {
	return m.run.AsyncAt(m.Owner(key), asyncInsertFunc, kvArgs{ID: m.id, Key: key, Value: value}, h)
}

// AsyncErase removes the entry for key, if any, as a task registered
// against h. Erasing an absent key is a no-op.
func (m *Map) AsyncErase(h *rt.Handle, key interface{}) error {
	return m.run.AsyncAt(m.Owner(key), asyncEraseFunc, keyArgs{ID: m.id, Key: key}, h)
}

// AsyncApply schedules fn to run at key's owning locality with a
// mutable reference to the stored value, registered against h. An
// absent key is a strict no-op: fn does not run and no entry is
// inserted (the task still completes for handle accounting).
func (m *Map) AsyncApply(h *rt.Handle, key interface{}, fn EntryFunc) error {
	return m.run.AsyncAt(m.Owner(key), asyncApplyFunc, applyArgs{ID: m.id, Key: key, Fn: fn.index}, h)
}

// AsyncLookup schedules fn to run at key's owning locality with the
// lookup's result, registered against h.
func (m *Map) AsyncLookup(h *rt.Handle, key interface{}, fn LookupFunc) error {
	return m.run.AsyncAt(m.Owner(key), asyncLookupFunc, applyArgs{ID: m.id, Key: key, Fn: fn.index}, h)
}

// AsyncForEachEntry invokes fn once for every entry in the map, at
// the locality that owns the entry, with a mutable reference to its
// value. Iteration fans out one task per bucket per locality, all
// registered against h; per-locality order is unspecified and there
// is no relative-timing guarantee across localities.
func (m *Map) AsyncForEachEntry(h *rt.Handle, fn EntryFunc) error {
	return m.run.AsyncForEachOnAll(forEachEntryFunc, forEachArgs{ID: m.id, Fn: fn.index}, m.nbuckets, h)
}

// AsyncForEachKey invokes fn once for every key in the map, at the
// locality that owns it. See AsyncForEachEntry for fan-out and
// ordering.
func (m *Map) AsyncForEachKey(h *rt.Handle, fn KeyFunc) error {
	return m.run.AsyncForEachOnAll(forEachKeyFunc, forEachArgs{ID: m.id, Fn: fn.index}, m.nbuckets, h)
}

// The asynchronous serving side. Tasks have no error path back to
// the issuer: a map that has been destroyed while tasks were still
// in flight is a caller contract violation, reported loudly.

func mustGet(run *rt.Runtime, id registry.ID) *Map {
	m, err := GetPtr(run, id)
	if err != nil {
		panic("bigmap: task for " + id.String() + " at " + run.Here().String() + ": " + err.Error())
	}
	return m
}

func taskInsert(run *rt.Runtime, _ *rt.Handle, arg interface{}, _ int) {
	a := arg.(kvArgs)
	m := mustGet(run, a.ID)
	m.shard.put(hashKey(a.Key), a.Key, a.Value)
}

func taskErase(run *rt.Runtime, _ *rt.Handle, arg interface{}, _ int) {
	a := arg.(keyArgs)
	m := mustGet(run, a.ID)
	m.shard.delete(hashKey(a.Key), a.Key)
}

func taskApply(run *rt.Runtime, h *rt.Handle, arg interface{}, _ int) {
	a := arg.(applyArgs)
	m := mustGet(run, a.ID)
	m.shard.apply(hashKey(a.Key), a.Key, func(value *interface{}) {
		entryFuncs[a.Fn](h, a.Key, value)
	})
}

func taskLookup(run *rt.Runtime, h *rt.Handle, arg interface{}, _ int) {
	a := arg.(applyArgs)
	m := mustGet(run, a.ID)
	value, ok := m.shard.get(hashKey(a.Key), a.Key)
	lookupFuncs[a.Fn](h, a.Key, value, ok)
}

func taskForEachEntry(run *rt.Runtime, h *rt.Handle, arg interface{}, i int) {
	a := arg.(forEachArgs)
	m := mustGet(run, a.ID)
	m.shard.forEach(i, func(key interface{}, value *interface{}) {
		entryFuncs[a.Fn](h, key, value)
	})
}

func taskForEachKey(run *rt.Runtime, h *rt.Handle, arg interface{}, i int) {
	a := arg.(forEachArgs)
	m := mustGet(run, a.ID)
	m.shard.forEachKey(i, func(key interface{}) {
		keyFuncs[a.Fn](h, key)
	})
}
