// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmap/rt"
)

var (
	testSum     int64
	testVisited int64

	sumEntry = RegisterEntryFunc(func(_ *rt.Handle, _ interface{}, value *interface{}) {
		atomic.AddInt64(&testSum, int64((*value).(int)))
	})

	doubleEntry = RegisterEntryFunc(func(_ *rt.Handle, _ interface{}, value *interface{}) {
		*value = (*value).(int) * 2
	})

	countKeys = RegisterKeyFunc(func(_ *rt.Handle, _ interface{}) {
		atomic.AddInt64(&testVisited, 1)
	})

	recordLookup = RegisterLookupFunc(func(_ *rt.Handle, _, value interface{}, found bool) {
		if found {
			atomic.AddInt64(&testSum, int64(value.(int)))
		} else {
			atomic.AddInt64(&testVisited, 1)
		}
	})
)

func testFabric(t *testing.T, n int) ([]*rt.Runtime, *Map, func()) {
	t.Helper()
	runs, shutdown := rt.Local(n, 4)
	m, err := Create(context.Background(), runs[0], Opts{})
	if err != nil {
		shutdown()
		t.Fatal(err)
	}
	return runs, m, func() {
		if err := Destroy(context.Background(), runs[0], m.ID()); err != nil {
			t.Error(err)
		}
		shutdown()
	}
}

func TestCreateGetPtrDestroy(t *testing.T) {
	const N = 3
	runs, shutdown := rt.Local(N, 2)
	defer shutdown()
	ctx := context.Background()
	m, err := Create(ctx, runs[0], Opts{SizeHint: 1000})
	if err != nil {
		t.Fatal(err)
	}
	// Every locality resolves the same id to a distinct, locally
	// resident shard handle.
	ptrs := make([]*Map, N)
	for i, run := range runs {
		ptrs[i], err = GetPtr(run, m.ID())
		if err != nil {
			t.Fatal(err)
		}
		if got, want := ptrs[i].ID(), m.ID(); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	for i := 1; i < N; i++ {
		if ptrs[i] == ptrs[0] {
			t.Errorf("localities %d and 0 share a shard instance", i)
		}
		if ptrs[i].shard == ptrs[0].shard {
			t.Errorf("localities %d and 0 share shard storage", i)
		}
	}
	if err := Destroy(ctx, runs[0], m.ID()); err != nil {
		t.Fatal(err)
	}
	for _, run := range runs {
		if _, err := GetPtr(run, m.ID()); !errors.Is(errors.NotExist, err) {
			t.Errorf("expected NotExist at %s, got %v", run.Here(), err)
		}
	}
}

func TestInsertLookup(t *testing.T) {
	runs, m, cleanup := testFabric(t, 4)
	defer cleanup()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := m.Insert(ctx, i, i*i); err != nil {
			t.Fatal(err)
		}
	}
	// Reads from every locality's handle observe the same entries.
	for _, run := range runs {
		ptr, err := GetPtr(run, m.ID())
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 100; i += 7 {
			value, ok, err := ptr.Lookup(ctx, i)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatalf("key %d not found from %s", i, run.Here())
			}
			if got, want := value.(int), i*i; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
	}
	if _, ok, err := m.Lookup(ctx, 1000); err != nil || ok {
		t.Errorf("expected absent key, got ok=%v err=%v", ok, err)
	}
}

func TestInsertOverwrite(t *testing.T) {
	_, m, cleanup := testFabric(t, 2)
	defer cleanup()
	ctx := context.Background()
	for _, v := range []int{1, 2, 3} {
		if err := m.Insert(ctx, 42, v); err != nil {
			t.Fatal(err)
		}
	}
	value, ok, err := m.Lookup(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if got, want := value.(int), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestRoutingDeterminism verifies that the owning locality for a key
// is a pure function of the key: identical on every call and on
// every locality's handle.
func TestRoutingDeterminism(t *testing.T) {
	runs, m, cleanup := testFabric(t, 4)
	defer cleanup()
	for i := 0; i < 1000; i++ {
		owner := m.Owner(i)
		if got, want := m.Owner(i), owner; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		for _, run := range runs {
			ptr, err := GetPtr(run, m.ID())
			if err != nil {
				t.Fatal(err)
			}
			if got, want := ptr.Owner(i), owner; got != want {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	}
}

// TestShardIsolation verifies that each locality stores exactly the
// keys it owns: mutating one locality's shard has no effect on
// another's local storage.
func TestShardIsolation(t *testing.T) {
	runs, m, cleanup := testFabric(t, 4)
	defer cleanup()
	ctx := context.Background()
	const K = 200
	owned := make(map[rt.Locality]int)
	for i := 0; i < K; i++ {
		owned[m.Owner(i)]++
		if err := m.Insert(ctx, i, i); err != nil {
			t.Fatal(err)
		}
	}
	var total int
	for _, run := range runs {
		ptr, err := GetPtr(run, m.ID())
		if err != nil {
			t.Fatal(err)
		}
		if got, want := ptr.shard.len(), owned[run.Here()]; got != want {
			t.Errorf("locality %s stores %d entries, want %d", run.Here(), got, want)
		}
		total += ptr.shard.len()
	}
	if got, want := total, K; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestAsyncInsertForEach is the end-to-end scenario: insert 100
// pairs (i, 2i) asynchronously under one handle, then sum values via
// broadcast iteration under a second handle.
func TestAsyncInsertForEach(t *testing.T) {
	_, m, cleanup := testFabric(t, 4)
	defer cleanup()
	ctx := context.Background()
	var h rt.Handle
	for i := 0; i < 100; i++ {
		if err := m.AsyncInsert(&h, i, i*2); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	atomic.StoreInt64(&testSum, 0)
	var h2 rt.Handle
	if err := m.AsyncForEachEntry(&h2, sumEntry); err != nil {
		t.Fatal(err)
	}
	if err := h2.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt64(&testSum), int64(9900); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestAsyncInsertOrder verifies last-writer-wins for repeated
// asynchronous inserts of one remote key under a single handle:
// the owning locality applies them in submission order.
func TestAsyncInsertOrder(t *testing.T) {
	_, m, cleanup := testFabric(t, 2)
	defer cleanup()
	ctx := context.Background()
	key := 0
	for m.Owner(key) == m.run.Here() {
		key++
	}
	for iter := 0; iter < 5; iter++ {
		var h rt.Handle
		for v := 0; v <= 50; v++ {
			if err := m.AsyncInsert(&h, key, v); err != nil {
				t.Fatal(err)
			}
		}
		if err := h.Wait(ctx); err != nil {
			t.Fatal(err)
		}
		value, ok, err := m.Lookup(ctx, key)
		if err != nil || !ok {
			t.Fatalf("iter %d: ok=%v err=%v", iter, ok, err)
		}
		if got, want := value.(int), 50; got != want {
			t.Errorf("iter %d: got %v, want %v", iter, got, want)
		}
	}
}

func TestAsyncForEachKey(t *testing.T) {
	_, m, cleanup := testFabric(t, 3)
	defer cleanup()
	ctx := context.Background()
	const K = 150
	var h rt.Handle
	for i := 0; i < K; i++ {
		if err := m.AsyncInsert(&h, i, i); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	atomic.StoreInt64(&testVisited, 0)
	var h2 rt.Handle
	if err := m.AsyncForEachKey(&h2, countKeys); err != nil {
		t.Fatal(err)
	}
	if err := h2.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt64(&testVisited), int64(K); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestApply(t *testing.T) {
	_, m, cleanup := testFabric(t, 4)
	defer cleanup()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := m.Insert(ctx, i, i); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		found, err := m.Apply(ctx, i, doubleEntry)
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatalf("key %d not found", i)
		}
	}
	for i := 0; i < 10; i++ {
		value, ok, err := m.Lookup(ctx, i)
		if err != nil || !ok {
			t.Fatalf("lookup %d: ok=%v err=%v", i, ok, err)
		}
		if got, want := value.(int), i*2; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	// Applying to an absent key is a strict no-op: the callback does
	// not run and no entry is inserted.
	found, err := m.Apply(ctx, 999, doubleEntry)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("apply to absent key reported found")
	}
	if _, ok, _ := m.Lookup(ctx, 999); ok {
		t.Error("apply to absent key inserted an entry")
	}
}

func TestAsyncApplyAbsent(t *testing.T) {
	_, m, cleanup := testFabric(t, 2)
	defer cleanup()
	ctx := context.Background()
	var h rt.Handle
	for i := 0; i < 20; i++ {
		if err := m.AsyncApply(&h, i, doubleEntry); err != nil {
			t.Fatal(err)
		}
	}
	// The tasks still complete for handle accounting even though
	// every key is absent.
	if err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := m.Size(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAsyncLookup(t *testing.T) {
	_, m, cleanup := testFabric(t, 4)
	defer cleanup()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := m.Insert(ctx, i, i); err != nil {
			t.Fatal(err)
		}
	}
	atomic.StoreInt64(&testSum, 0)
	atomic.StoreInt64(&testVisited, 0)
	var h rt.Handle
	for i := 0; i < 60; i++ {
		if err := m.AsyncLookup(&h, i, recordLookup); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt64(&testSum), int64(49*50/2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt64(&testVisited), int64(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEraseSize(t *testing.T) {
	_, m, cleanup := testFabric(t, 3)
	defer cleanup()
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		if err := m.Insert(ctx, i, i); err != nil {
			t.Fatal(err)
		}
	}
	n, err := m.Size(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, int64(30); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i := 0; i < 30; i += 2 {
		if err := m.Erase(ctx, i); err != nil {
			t.Fatal(err)
		}
	}
	// Erasing absent keys is a no-op.
	if err := m.Erase(ctx, 1000); err != nil {
		t.Fatal(err)
	}
	n, err = m.Size(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, int64(15); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStringKeys(t *testing.T) {
	_, m, cleanup := testFabric(t, 4)
	defer cleanup()
	ctx := context.Background()
	words := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for i, w := range words {
		if err := m.Insert(ctx, w, i); err != nil {
			t.Fatal(err)
		}
	}
	for i, w := range words {
		value, ok, err := m.Lookup(ctx, w)
		if err != nil || !ok {
			t.Fatalf("lookup %q: ok=%v err=%v", w, ok, err)
		}
		if got, want := value.(int), i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
