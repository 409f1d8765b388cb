// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rt

import (
	"sync"

	"github.com/grailbio/base/errors"
)

// Local starts an in-process fabric of size localities, returning
// one runtime per locality. Every locality is served by its own
// worker pool of p tasks (GOMAXPROCS if p <= 0). The fabric
// satisfies the Transport contract: messages from one locality to
// another are delivered reliably and in submission order, and
// arguments make a real gob round trip even though no process
// boundary is crossed, so code developed against Local carries over
// to a distributed transport unchanged.
//
// The returned shutdown function stops the fabric's delivery
// goroutines. It must be called only when no tasks are outstanding:
// drain all handles and buffered inserts first.
func Local(size, p int) (runs []*Runtime, shutdown func()) {
	fabric := &localFabric{
		queues: make([]*queue, size),
	}
	fabric.runs = make([]*Runtime, size)
	for i := range fabric.runs {
		fabric.runs[i] = New(Locality(i), size, p, fabric)
		fabric.queues[i] = newQueue()
	}
	var wg sync.WaitGroup
	wg.Add(size)
	for i := range fabric.runs {
		go func(i int) {
			defer wg.Done()
			fabric.deliverLoop(fabric.queues[i], fabric.runs[i])
		}(i)
	}
	return fabric.runs, func() {
		for _, q := range fabric.queues {
			q.close()
		}
		wg.Wait()
	}
}

// A localFabric wires size in-process runtimes together. Each
// destination locality has one unbounded FIFO queue and one delivery
// goroutine, so messages from any single issuer are delivered in
// submission order.
type localFabric struct {
	runs   []*Runtime
	queues []*queue
}

// Send implements Transport.
func (f *localFabric) Send(msg *Message) error {
	if int(msg.To) >= len(f.queues) {
		return errors.E(errors.Invalid, "rt: no such locality")
	}
	if !f.queues[msg.To].push(msg) {
		return errors.E(errors.Unavailable, "rt: fabric is shut down")
	}
	return nil
}

func (f *localFabric) deliverLoop(q *queue, run *Runtime) {
	for {
		msg, ok := q.pop()
		if !ok {
			return
		}
		run.Deliver(msg)
	}
}

// A queue is an unbounded FIFO of messages. Submission must never
// block the issuer, so a channel's fixed capacity won't do.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   []*Message
	closed bool
}

func newQueue() *queue {
	q := new(queue)
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.msgs = append(q.msgs, msg)
	q.cond.Signal()
	return true
}

func (q *queue) pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.msgs) == 0 {
		return nil, false
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
