// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"bytes"
	"encoding/gob"
	"testing"
)

type pointKey struct {
	X, Y int
}

func init() {
	gob.Register(pointKey{})
}

func TestHashKeyDeterminism(t *testing.T) {
	keys := []interface{}{
		0, 1, -1, 1 << 40,
		int8(7), int16(7), int32(7), int64(7),
		uint(7), uint8(7), uint16(7), uint32(7), uint64(7),
		"", "x", "hello, world",
		[]byte("hello, world"),
		float32(3.25), float64(3.25),
		true, false,
		pointKey{1, 2},
	}
	for _, key := range keys {
		if got, want := hashKey(key), hashKey(key); got != want {
			t.Errorf("key %v: got %v, want %v", key, got, want)
		}
	}
}

// TestHashKeyWidth verifies that the same numeric value hashes
// identically regardless of the Go integer type carrying it, so a
// key inserted as int is found when looked up as int64.
func TestHashKeyWidth(t *testing.T) {
	base := hashKey(7)
	for _, key := range []interface{}{int8(7), int16(7), int32(7), int64(7), uint(7), uint8(7), uint64(7)} {
		if got, want := hashKey(key), base; got != want {
			t.Errorf("key %T(%v): got %v, want %v", key, key, got, want)
		}
	}
}

func TestHashKeyStringBytes(t *testing.T) {
	if got, want := hashKey("routing"), hashKey([]byte("routing")); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestHashKeyEncoded verifies the property message dispatch relies
// on: a key that has been through a gob round trip hashes the same
// as the original, so the receiving locality buckets it identically.
func TestHashKeyEncoded(t *testing.T) {
	keys := []interface{}{42, "forty-two", pointKey{4, 2}}
	for _, key := range keys {
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(&key); err != nil {
			t.Fatal(err)
		}
		var decoded interface{}
		if err := gob.NewDecoder(&b).Decode(&decoded); err != nil {
			t.Fatal(err)
		}
		if got, want := hashKey(decoded), hashKey(key); got != want {
			t.Errorf("key %v: got %v, want %v", key, got, want)
		}
	}
}

func TestHashKeyDistribution(t *testing.T) {
	const (
		N = 8
		K = 10000
	)
	counts := make([]int, N)
	for i := 0; i < K; i++ {
		counts[hashKey(i)%N]++
	}
	// No statistical rigor needed; just catch a collapsed hash.
	for i, c := range counts {
		if c < K/N/2 || c > K/N*2 {
			t.Errorf("bucket %d has %d of %d keys", i, c, K)
		}
	}
}

func TestHashKeyBucketBits(t *testing.T) {
	// Owner routing consumes the low word and bucket selection the
	// high word; both must carry entropy.
	const K = 10000
	low := make(map[uint32]bool)
	high := make(map[uint32]bool)
	for i := 0; i < K; i++ {
		h := hashKey(i)
		low[uint32(h)] = true
		high[uint32(h>>32)] = true
	}
	if len(low) < K*99/100 {
		t.Errorf("low word: %d distinct of %d", len(low), K)
	}
	if len(high) < K*99/100 {
		t.Errorf("high word: %d distinct of %d", len(high), K)
	}
}
