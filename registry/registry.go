// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package registry implements the global object registry: the
// per-locality table that resolves a process-wide-unique ID to that
// locality's locally-resident shard of a distributed object.
//
// An ID is a lookup key, never a pointer: each locality resolves it
// afresh against its own registry, so no reference ever aliases
// another locality's memory. Objects are installed collectively
// (each locality constructs and installs its own shard under one
// shared ID, typically via rt.ExecuteOnAll) and removed collectively
// by the same means; the orchestration lives with the object's
// package, e.g. bigmap.Create and bigmap.Destroy.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmap/rt"
)

// An ID names one distributed object. IDs are unique within a run:
// the high bits carry the creating locality, the low bits a
// per-creator sequence number, so concurrent creations on different
// localities cannot collide.
type ID uint64

// String returns a short name for the id, e.g. "obj-2.7".
func (id ID) String() string {
	return fmt.Sprintf("obj-%d.%d", uint64(id)>>32, uint64(id)&0xffffffff)
}

var nextSeq uint32

// NewID mints a fresh ID for an object about to be created by the
// locality served by run.
func NewID(run *rt.Runtime) ID {
	return ID(uint64(run.Here())<<32 | uint64(atomic.AddUint32(&nextSeq, 1)))
}

// Each locality owns exactly one registry table, created lazily the
// first time its runtime touches the registry. The table lives on the
// runtime itself, so it is released with its fabric.
type table struct {
	mu      sync.Mutex
	objects map[ID]interface{}
}

func tableOf(run *rt.Runtime) *table {
	return run.State("registry", func() interface{} {
		return &table{objects: make(map[ID]interface{})}
	}).(*table)
}

// Install registers obj as this locality's shard of the object named
// by id. It fails with errors.Exists if the id is already
// registered here.
func Install(run *rt.Runtime, id ID, obj interface{}) error {
	t := tableOf(run)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.objects[id]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("registry.Install %s at %s", id, run.Here()))
	}
	t.objects[id] = obj
	return nil
}

// Resolve returns this locality's shard of the object named by id,
// failing with errors.NotExist if no such object is registered here.
func Resolve(run *rt.Runtime, id ID) (interface{}, error) {
	t := tableOf(run)
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[id]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("registry.Resolve %s at %s", id, run.Here()))
	}
	return obj, nil
}

// Remove unregisters and returns this locality's shard of the object
// named by id, failing with errors.NotExist if no such object is
// registered here. The shard's storage is released once the caller
// drops the returned reference.
func Remove(run *rt.Runtime, id ID) (interface{}, error) {
	t := tableOf(run)
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[id]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("registry.Remove %s at %s", id, run.Here()))
	}
	delete(t.objects, id)
	return obj, nil
}
