// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigmap implements a distributed, partitioned hash map for
	large-scale parallel computation. A map's key space is spread over a
	fixed set of localities (execution-and-memory domains, see package
	github.com/grailbio/bigmap/rt); each locality exclusively owns a
	non-overlapping shard of every map, determined by a deterministic
	partition function fixed at creation. Mutation of an entry only ever
	happens at its owning locality: operations on remotely owned keys are
	routed through the dispatch layer, so no distributed locking is
	needed anywhere.

	Maps are created collectively: Create constructs one shard per
	locality, all registered under a single global ID. The ID, not a
	pointer, is how "the same" map is named everywhere; GetPtr resolves
	it to the calling locality's shard. Destroy removes the map
	everywhere, and must only be called after all handles and insert
	buffers touching the map have been drained.

	Operations come in a synchronous form (Insert, Lookup, Erase, Apply),
	which blocks for at most one round trip to the owning locality, and
	an asynchronous form (AsyncInsert, AsyncLookup, AsyncErase,
	AsyncApply, AsyncForEachEntry, AsyncForEachKey) registered against an
	rt.Handle and joined by Handle.Wait. For bulk loading,
	BufferedAsyncInsert batches remote inserts per destination and ships
	a whole batch as a single task; WaitForBufferedInsert force-flushes
	and joins every batch, and must be called before relying on the full
	data set being visible.

	Because operations cross locality boundaries as gob-encoded
	messages, keys and values must be gob-encodable, and their concrete
	types must be registered with encoding/gob on every locality when
	they are carried inside interface values. The common scalar types
	(integers, floats, strings, bools, byte slices) are registered by
	this package. Callbacks, too, must be nameable across localities:
	functions passed to the Apply, ForEach, and AsyncLookup variants are
	pre-registered package values (RegisterEntryFunc, RegisterKeyFunc,
	RegisterLookupFunc), mirroring the func registry in package rt.
*/
package bigmap
