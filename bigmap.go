// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmap/registry"
	"github.com/grailbio/bigmap/rt"
)

func init() {
	// Argument envelopes cross the transport inside interface values.
	gob.Register(makeArgs{})
	gob.Register(idArgs{})
	gob.Register(kvArgs{})
	gob.Register(keyArgs{})
	gob.Register(applyArgs{})
	gob.Register(forEachArgs{})
	gob.Register(batchArgs{})
	gob.Register(lookupReply{})
	// Common scalar key and value types. Applications using their own
	// key or value types must gob.Register them on every locality.
	gob.Register(int(0))
	gob.Register(int8(0))
	gob.Register(int16(0))
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(uint(0))
	gob.Register(uint8(0))
	gob.Register(uint16(0))
	gob.Register(uint32(0))
	gob.Register(uint64(0))
	gob.Register(float32(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]byte(nil))
}

// The per-shard bucket count used when Opts gives no size hint.
const defaultBuckets = 64

// Opts configures a map at creation. The zero value gives sane
// defaults. Opts must be identical on every locality; this holds by
// construction since Create propagates them collectively.
type Opts struct {
	// SizeHint estimates the total number of entries the map will
	// hold, across all localities. It sizes each shard's bucket
	// array; the partition function itself never depends on it.
	SizeHint int
	// BufferCap is the per-destination insert buffer capacity, in
	// entries, used by BufferedAsyncInsert. Zero selects
	// DefaultBufferCap.
	BufferCap int
}

func (o Opts) nbuckets(localities int) int {
	if o.SizeHint <= 0 {
		return defaultBuckets
	}
	// Aim for a handful of entries per bucket on each locality.
	n := o.SizeHint / localities / 8
	b := 16
	for b < n && b < 1<<20 {
		b <<= 1
	}
	return b
}

// A Map is one locality's handle to a distributed hash map. All
// localities resolving the same ID hold distinct Map instances
// backed by distinct local shards; the ID is the map's only global
// name. Methods are safe for concurrent use by tasks running on the
// locality's worker pool.
type Map struct {
	id       registry.ID
	run      *rt.Runtime
	nbuckets int
	bufcap   int
	shard    *shard
	bufs     []insertBuffer
	drain    rt.Handle
}

// Argument envelopes for the registered funcs below.
type (
	makeArgs struct {
		ID        registry.ID
		Buckets   int
		BufferCap int
	}
	idArgs struct {
		ID registry.ID
	}
	kvArgs struct {
		ID         registry.ID
		Key, Value interface{}
	}
	keyArgs struct {
		ID  registry.ID
		Key interface{}
	}
	lookupReply struct {
		Value interface{}
		Found bool
	}
)

var (
	makeFunc   = rt.RegisterFunc(makeMap)
	dropFunc   = rt.RegisterFunc(dropMap)
	insertFunc = rt.RegisterFunc(remoteInsert)
	lookupFunc = rt.RegisterFunc(remoteLookup)
	eraseFunc  = rt.RegisterFunc(remoteErase)
	sizeFunc   = rt.RegisterFunc(remoteSize)
	applyFunc  = rt.RegisterFunc(remoteApply)
)

// Create collectively constructs a new distributed map: every
// locality constructs its own shard and installs it in its registry
// under a single fresh ID, and no locality proceeds past
// installation until all have finished. The returned Map is the
// calling locality's handle.
//
// A failure during creation is fatal (errors.Fatal): the collective
// install is torn back down so the registry is not left partially
// populated, but the caller must treat the run as unrecoverable.
func Create(ctx context.Context, run *rt.Runtime, opts Opts) (*Map, error) {
	if opts.BufferCap <= 0 {
		opts.BufferCap = DefaultBufferCap
	}
	id := registry.NewID(run)
	args := makeArgs{ID: id, Buckets: opts.nbuckets(run.Size()), BufferCap: opts.BufferCap}
	if err := run.ExecuteOnAll(ctx, makeFunc, args); err != nil {
		// Tear down whatever was installed; the create has already
		// failed fatally, so a failure here is only logged.
		if derr := run.ExecuteOnAll(ctx, dropFunc, idArgs{ID: id}); derr != nil {
			log.Error.Printf("bigmap.Create %s: teardown after failed create: %v", id, derr)
		}
		return nil, err
	}
	return GetPtr(run, id)
}

// GetPtr resolves id to the calling locality's shard of the
// distributed map it names. It fails with errors.NotExist if no such
// map is registered at this locality.
func GetPtr(run *rt.Runtime, id registry.ID) (*Map, error) {
	obj, err := registry.Resolve(run, id)
	if err != nil {
		return nil, err
	}
	m, ok := obj.(*Map)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigmap.GetPtr %s: not a map", id))
	}
	return m, nil
}

// Destroy collectively removes the map named by id: the registry
// entry is removed at every locality and each shard's storage is
// released. The caller must first drain every handle and every
// insert buffer touching the map; destroying a map with tasks in
// flight is undefined.
func Destroy(ctx context.Context, run *rt.Runtime, id registry.ID) error {
	return run.ExecuteOnAll(ctx, dropFunc, idArgs{ID: id})
}

// ID returns the map's global identifier, valid on every locality.
func (m *Map) ID() registry.ID { return m.id }

// Owner returns the locality that is authoritative for key. It is a
// pure function of the key and the locality count: every locality
// computes the same owner for the same key, on every call.
func (m *Map) Owner(key interface{}) rt.Locality {
	return rt.Locality(hashKey(key) % uint64(m.run.Size()))
}

// Insert stores (key, value), overwriting any previous value for the
// key. If the calling locality owns the key the insert is applied
// directly; otherwise the call blocks for one round trip while the
// owning locality applies it. Either way the insert is visible to
// any subsequent operation on the same key from this caller.
func (m *Map) Insert(ctx context.Context, key, value interface{}) error {
	hash := hashKey(key)
	owner := rt.Locality(hash % uint64(m.run.Size()))
	if owner == m.run.Here() {
		m.shard.put(hash, key, value)
		return nil
	}
	_, err := m.run.Call(ctx, owner, insertFunc, kvArgs{ID: m.id, Key: key, Value: value})
	return err
}

// Lookup returns the value stored for key and whether the key was
// present. Remotely owned keys cost one blocking round trip.
func (m *Map) Lookup(ctx context.Context, key interface{}) (interface{}, bool, error) {
	hash := hashKey(key)
	owner := rt.Locality(hash % uint64(m.run.Size()))
	if owner == m.run.Here() {
		value, ok := m.shard.get(hash, key)
		return value, ok, nil
	}
	ret, err := m.run.Call(ctx, owner, lookupFunc, keyArgs{ID: m.id, Key: key})
	if err != nil {
		return nil, false, err
	}
	reply := ret.(lookupReply)
	return reply.Value, reply.Found, nil
}

// Erase removes the entry for key, if any. Erasing an absent key is
// a no-op, not an error.
func (m *Map) Erase(ctx context.Context, key interface{}) error {
	hash := hashKey(key)
	owner := rt.Locality(hash % uint64(m.run.Size()))
	if owner == m.run.Here() {
		m.shard.delete(hash, key)
		return nil
	}
	_, err := m.run.Call(ctx, owner, eraseFunc, keyArgs{ID: m.id, Key: key})
	return err
}

// Apply invokes fn at the owning locality with a mutable reference
// to the value stored for key, blocking until it has run, and
// reports whether the key was present. An absent key is a strict
// no-op: fn does not run and no entry is inserted.
func (m *Map) Apply(ctx context.Context, key interface{}, fn EntryFunc) (bool, error) {
	hash := hashKey(key)
	owner := rt.Locality(hash % uint64(m.run.Size()))
	if owner == m.run.Here() {
		return m.shard.apply(hash, key, func(value *interface{}) {
			entryFuncs[fn.index](nil, key, value)
		}), nil
	}
	ret, err := m.run.Call(ctx, owner, applyFunc, applyArgs{ID: m.id, Key: key, Fn: fn.index})
	if err != nil {
		return false, err
	}
	return ret.(bool), nil
}

// Size returns the total number of entries stored across all
// localities. It makes one round trip per remote locality and holds
// no global lock, so entries inserted concurrently may or may not be
// counted.
func (m *Map) Size(ctx context.Context) (int64, error) {
	var total int64
	for _, target := range m.run.All() {
		if target == m.run.Here() {
			total += int64(m.shard.len())
			continue
		}
		ret, err := m.run.Call(ctx, target, sizeFunc, idArgs{ID: m.id})
		if err != nil {
			return 0, err
		}
		total += ret.(int64)
	}
	return total, nil
}

// The synchronous serving side: these run at the owning locality
// under its worker pool.

func makeMap(_ context.Context, run *rt.Runtime, arg interface{}) (interface{}, error) {
	a := arg.(makeArgs)
	m := &Map{
		id:       a.ID,
		run:      run,
		nbuckets: a.Buckets,
		bufcap:   a.BufferCap,
		shard:    newShard(a.Buckets),
		bufs:     make([]insertBuffer, run.Size()),
	}
	return nil, registry.Install(run, a.ID, m)
}

func dropMap(_ context.Context, run *rt.Runtime, arg interface{}) (interface{}, error) {
	a := arg.(idArgs)
	_, err := registry.Remove(run, a.ID)
	return nil, err
}

func remoteInsert(_ context.Context, run *rt.Runtime, arg interface{}) (interface{}, error) {
	a := arg.(kvArgs)
	m, err := GetPtr(run, a.ID)
	if err != nil {
		return nil, err
	}
	m.shard.put(hashKey(a.Key), a.Key, a.Value)
	return nil, nil
}

func remoteLookup(_ context.Context, run *rt.Runtime, arg interface{}) (interface{}, error) {
	a := arg.(keyArgs)
	m, err := GetPtr(run, a.ID)
	if err != nil {
		return nil, err
	}
	value, ok := m.shard.get(hashKey(a.Key), a.Key)
	return lookupReply{Value: value, Found: ok}, nil
}

func remoteErase(_ context.Context, run *rt.Runtime, arg interface{}) (interface{}, error) {
	a := arg.(keyArgs)
	m, err := GetPtr(run, a.ID)
	if err != nil {
		return nil, err
	}
	m.shard.delete(hashKey(a.Key), a.Key)
	return nil, nil
}

func remoteSize(_ context.Context, run *rt.Runtime, arg interface{}) (interface{}, error) {
	a := arg.(idArgs)
	m, err := GetPtr(run, a.ID)
	if err != nil {
		return nil, err
	}
	return int64(m.shard.len()), nil
}

func remoteApply(_ context.Context, run *rt.Runtime, arg interface{}) (interface{}, error) {
	a := arg.(applyArgs)
	m, err := GetPtr(run, a.ID)
	if err != nil {
		return nil, err
	}
	found := m.shard.apply(hashKey(a.Key), a.Key, func(value *interface{}) {
		entryFuncs[a.Fn](nil, a.Key, value)
	})
	return found, nil
}
