// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rt implements the locality runtime underlying bigmap: a
// fixed directory of execution-and-memory domains ("localities"),
// and an asynchronous dispatch layer that submits tasks to them.
//
// A run comprises a fixed set of localities, numbered densely from
// zero; the set is identical on, and known to, every locality for
// the lifetime of the run. Each locality hosts one Runtime, which
// serves tasks submitted to it on a private worker pool and issues
// tasks to its peers through an injected Transport.
//
// Tasks cross locality boundaries as (func-index, gob-encoded
// argument) messages; see RegisterFunc and RegisterAsyncFunc.
// Completion of asynchronous tasks is tracked by Handles: counted
// completion barriers on which the issuer may block. Submission
// itself never blocks; only Handle.Wait, Call, and ExecuteOnAll do,
// and they block only the calling goroutine, never the target's
// workers. A destination executes the asynchronous dispatches of a
// single issuer in submission order; see Deliver. There is no
// cancellation: once dispatched, a task runs to completion.
package rt

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmap/stats"
)

// A Locality names one execution-and-memory domain participating in
// a run. Localities are dense integers in [0, Size); the numbering
// is identical on every locality.
type Locality uint32

// String returns a short name for the locality, e.g. "L3".
func (l Locality) String() string {
	return fmt.Sprintf("L%d", l)
}

// A Runtime is one locality's view of the run: its place in the
// locality directory and its port into the dispatch layer. Runtimes
// are created by a transport constructor such as Local.
type Runtime struct {
	here  Locality
	size  int
	trans Transport

	limiter *limiter.Limiter
	stats   *stats.Map

	// One task queue per issuing locality: tasks submitted by a single
	// issuer execute in submission order.
	taskqs []taskQueue

	statemu sync.Mutex
	state   map[string]interface{}
}

// New returns a runtime serving locality here out of size
// localities, issuing remote tasks through the provided transport.
// P limits the number of tasks the runtime executes concurrently;
// if p <= 0, GOMAXPROCS is used.
func New(here Locality, size, p int, trans Transport) *Runtime {
	must.True(size > 0, "rt.New: empty locality set")
	must.True(int(here) < size, "rt.New: locality out of range")
	if p <= 0 {
		p = runtime.GOMAXPROCS(0)
	}
	r := &Runtime{
		here:    here,
		size:    size,
		trans:   trans,
		limiter: limiter.New(),
		stats:   stats.NewMap(),
		taskqs:  make([]taskQueue, size),
		state:   make(map[string]interface{}),
	}
	r.limiter.Release(p)
	return r
}

// Here returns the locality served by this runtime. It is constant
// for the runtime's lifetime.
func (r *Runtime) Here() Locality { return r.here }

// Size returns the number of localities in the run.
func (r *Runtime) Size() int { return r.size }

// All returns the ordered set of localities in the run. The returned
// slice is identical on every locality.
func (r *Runtime) All() []Locality {
	all := make([]Locality, r.size)
	for i := range all {
		all[i] = Locality(i)
	}
	return all
}

// Stats returns the runtime's counter collection.
func (r *Runtime) Stats() *stats.Map { return r.stats }

// State returns the per-runtime value stored under key, creating it
// with mk on first use. Higher layers hang per-locality state (e.g.
// the object registry) off the runtime this way, so the state's
// lifetime is exactly the runtime's own.
func (r *Runtime) State(key string, mk func() interface{}) interface{} {
	r.statemu.Lock()
	defer r.statemu.Unlock()
	v, ok := r.state[key]
	if !ok {
		v = mk()
		r.state[key] = v
	}
	return v
}

// Call synchronously invokes fn(arg) at the target locality,
// returning its reply. The calling goroutine blocks until the reply
// arrives or the context is done; the task itself is not cancelled
// by context expiry.
func (r *Runtime) Call(ctx context.Context, target Locality, fn Func, arg interface{}) (interface{}, error) {
	must.True(int(target) < r.size, "rt.Call: invalid locality")
	p, err := encodeArg(arg)
	if err != nil {
		return nil, errors.E(errors.Invalid, "rt.Call: encode argument", err)
	}
	replyc := make(chan Reply, 1)
	msg := &Message{
		From:  r.here,
		To:    target,
		Func:  fn.index,
		Args:  p,
		Reply: replyc,
	}
	r.stats.Int("rt/calls").Add(1)
	if err := r.trans.Send(msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-replyc:
		if reply.Err != nil {
			return nil, reply.Err
		}
		return decodeArg(reply.Body)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteOnAll synchronously invokes fn(arg) on every locality,
// returning only once every locality has finished. It is used for
// collective, ordering-sensitive setup. Failure on any locality is
// fatal to the call: a non-nil return carries errors.Fatal, and the
// caller must treat the run as inconsistent.
func (r *Runtime) ExecuteOnAll(ctx context.Context, fn Func, arg interface{}) error {
	err := traverse.Each(r.size, func(i int) error {
		_, err := r.Call(ctx, Locality(i), fn, arg)
		return err
	})
	if err != nil {
		return errors.E(errors.Fatal, "rt.ExecuteOnAll", err)
	}
	return nil
}

// AsyncAt asynchronously invokes fn(handle, arg, 0) at the target
// locality, registering one task against each provided handle, and
// returns without waiting for it. It is shorthand for AsyncForEachAt
// with a count of one.
func (r *Runtime) AsyncAt(target Locality, fn AsyncFunc, arg interface{}, handles ...*Handle) error {
	return r.AsyncForEachAt(target, fn, arg, 1, handles...)
}

// AsyncForEachAt asynchronously invokes fn(handle, arg, i) for each
// i in [0, n), all executed at the target locality, registering n
// tasks against each provided handle before returning. The call
// never blocks on task execution. Invocations may run concurrently
// with each other at the target; no ordering among indices is
// guaranteed. Tasks executing at the target receive the first
// provided handle and may register further tasks against it.
func (r *Runtime) AsyncForEachAt(target Locality, fn AsyncFunc, arg interface{}, n int, handles ...*Handle) error {
	must.True(int(target) < r.size, "rt.AsyncForEachAt: invalid locality")
	if n <= 0 {
		return nil
	}
	p, err := encodeArg(arg)
	if err != nil {
		return errors.E(errors.Invalid, "rt.AsyncForEachAt: encode argument", err)
	}
	for _, h := range handles {
		h.Add(n)
	}
	msg := &Message{
		From:    r.here,
		To:      target,
		Func:    fn.index,
		Args:    p,
		N:       n,
		Handles: handles,
	}
	r.stats.Int("rt/tasks-dispatched").Add(int64(n))
	if err := r.trans.Send(msg); err != nil {
		// The tasks will never run; unwind their registration so that
		// waiters are not stranded.
		for _, h := range handles {
			for i := 0; i < n; i++ {
				h.Done()
			}
		}
		return err
	}
	return nil
}

// AsyncForEachOnAll asynchronously invokes fn(handle, arg, i) for
// each i in [0, n) at every locality, registering n*Size tasks
// against each provided handle before returning.
func (r *Runtime) AsyncForEachOnAll(fn AsyncFunc, arg interface{}, n int, handles ...*Handle) error {
	for _, target := range r.All() {
		if err := r.AsyncForEachAt(target, fn, arg, n, handles...); err != nil {
			return err
		}
	}
	return nil
}

// Deliver executes a message at this runtime. It is invoked by
// transports, which are responsible for delivering messages to a
// locality in the order they were submitted by each peer. Deliver
// schedules execution on the runtime's worker pool and returns
// without waiting for it.
//
// Asynchronous messages from a single issuer are executed in delivery
// order: one message's invocations finish before the next message
// from that issuer starts. Invocations within one message, and
// messages from distinct issuers, run concurrently.
func (r *Runtime) Deliver(msg *Message) {
	must.True(msg.To == r.here, "rt.Deliver: misrouted message")
	if msg.Reply != nil {
		go r.serveCall(msg)
		return
	}
	q := &r.taskqs[msg.From]
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	if !q.draining {
		q.draining = true
		go r.drainTasks(q)
	}
	q.mu.Unlock()
}

// A taskQueue holds one issuer's asynchronous messages pending
// execution at this runtime. At most one drainer runs per queue, so
// the issuer's messages are serialized.
type taskQueue struct {
	mu       sync.Mutex
	msgs     []*Message
	draining bool
}

func (r *Runtime) drainTasks(q *taskQueue) {
	for {
		q.mu.Lock()
		if len(q.msgs) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		msg := q.msgs[0]
		q.msgs = q.msgs[1:]
		q.mu.Unlock()
		r.serveTasks(msg)
	}
}

func (r *Runtime) serveCall(msg *Message) {
	ctx := backgroundcontext.Get()
	if err := r.limiter.Acquire(ctx, 1); err != nil {
		log.Panicf("rt: unexpected error: %v", err)
	}
	defer r.limiter.Release(1)
	r.stats.Int("rt/calls-served").Add(1)
	var reply Reply
	arg, err := decodeArg(msg.Args)
	if err != nil {
		reply.Err = errors.E(errors.Invalid, "rt: decode argument", err)
	} else {
		var ret interface{}
		ret, reply.Err = funcs[msg.Func](ctx, r, arg)
		if reply.Err == nil {
			reply.Body, reply.Err = encodeArg(ret)
		}
	}
	msg.Reply <- reply
}

// serveTasks runs one asynchronous message's invocations and returns
// only when all have completed, keeping messages from a single issuer
// in submission order.
func (r *Runtime) serveTasks(msg *Message) {
	ctx := backgroundcontext.Get()
	arg, err := decodeArg(msg.Args)
	if err != nil {
		// Async tasks have no error path back to the issuer; an
		// argument that does not decode is a programming error.
		log.Panicf("rt: decode argument: %v", err)
	}
	var h *Handle
	if len(msg.Handles) > 0 {
		h = msg.Handles[0]
	}
	var wg sync.WaitGroup
	for i := 0; i < msg.N; i++ {
		// Admission precedes spawning, so a large fan-out never
		// materializes more than the pool's worth of goroutines.
		if err := r.limiter.Acquire(ctx, 1); err != nil {
			log.Panicf("rt: unexpected error: %v", err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			asyncFuncs[msg.Func](r, h, arg, i)
			r.limiter.Release(1)
			r.stats.Int("rt/tasks-completed").Add(1)
			// The completion signal: tasks spawned by fn have already
			// been registered by the time fn returns, so the handle
			// count cannot reach zero while a descendant is pending.
			for _, h := range msg.Handles {
				h.Done()
			}
		}(i)
	}
	wg.Wait()
}
