// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rt

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestHandleZero(t *testing.T) {
	var h Handle
	ctx := context.Background()
	if err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := h.Pending(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHandleWait(t *testing.T) {
	var h Handle
	const N = 100
	h.Add(N)
	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			h.Done()
		}()
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if got, want := h.Pending(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHandleReuse(t *testing.T) {
	var h Handle
	ctx := context.Background()
	for gen := 0; gen < 3; gen++ {
		h.Add(1)
		go h.Done()
		if err := h.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHandleWaitCancel(t *testing.T) {
	var h Handle
	h.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got, want := h.Wait(ctx), context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	h.Done()
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestHandleNested verifies that Wait does not return while a task
// registered by another task is still pending.
func TestHandleNested(t *testing.T) {
	var h Handle
	childDone := make(chan struct{})
	h.Add(1)
	go func() {
		// The child is registered before the parent completes, as the
		// runtime guarantees for tasks spawned by a running task.
		h.Add(1)
		h.Done()
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(childDone)
			h.Done()
		}()
	}()
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-childDone:
	default:
		t.Fatal("Wait returned before a transitively registered task completed")
	}
}
