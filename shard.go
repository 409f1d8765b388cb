// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import "sync"

// A shard is one locality's private partition of a map's key space:
// a fixed array of buckets, each guarded by its own mutex so that
// tasks running concurrently on the locality's worker pool contend
// only per bucket. The bucket count is fixed at creation and
// identical on every locality, since broadcast iteration fans out
// one task per bucket index.
//
// Only code executing at the owning locality ever touches a shard;
// cross-locality mutation is impossible by construction.
type shard struct {
	buckets []bucket
}

type bucket struct {
	mu      sync.Mutex
	entries map[interface{}]interface{}
}

func newShard(nbuckets int) *shard {
	s := &shard{buckets: make([]bucket, nbuckets)}
	for i := range s.buckets {
		s.buckets[i].entries = make(map[interface{}]interface{})
	}
	return s
}

// bucket selects the bucket for a key's hash. The low bits of the
// hash select the owning locality, so bucket selection uses the high
// bits to stay independent of it.
func (s *shard) bucket(hash uint64) *bucket {
	return &s.buckets[(hash>>32)%uint64(len(s.buckets))]
}

func (s *shard) put(hash uint64, key, value interface{}) {
	b := s.bucket(hash)
	b.mu.Lock()
	b.entries[key] = value
	b.mu.Unlock()
}

func (s *shard) get(hash uint64, key interface{}) (interface{}, bool) {
	b := s.bucket(hash)
	b.mu.Lock()
	value, ok := b.entries[key]
	b.mu.Unlock()
	return value, ok
}

func (s *shard) delete(hash uint64, key interface{}) bool {
	b := s.bucket(hash)
	b.mu.Lock()
	_, ok := b.entries[key]
	delete(b.entries, key)
	b.mu.Unlock()
	return ok
}

// apply invokes fn with a mutable reference to the stored value for
// key, holding the bucket's lock for the duration, and reports
// whether the key was present. The value is written back after fn
// returns, so mutations through the pointer stick.
func (s *shard) apply(hash uint64, key interface{}, fn func(value *interface{})) bool {
	b := s.bucket(hash)
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.entries[key]
	if !ok {
		return false
	}
	fn(&value)
	b.entries[key] = value
	return true
}

// forEach invokes fn with a mutable reference to each entry of
// bucket i, in unspecified order, holding the bucket's lock for the
// duration.
func (s *shard) forEach(i int, fn func(key interface{}, value *interface{})) {
	b := &s.buckets[i]
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, value := range b.entries {
		fn(key, &value)
		b.entries[key] = value
	}
}

// forEachKey invokes fn with each key of bucket i, in unspecified
// order, holding the bucket's lock for the duration.
func (s *shard) forEachKey(i int, fn func(key interface{})) {
	b := &s.buckets[i]
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.entries {
		fn(key)
	}
}

func (s *shard) len() int {
	var n int
	for i := range s.buckets {
		b := &s.buckets[i]
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}
