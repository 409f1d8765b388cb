// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rt

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync/atomic"
)

// Task submissions cross locality boundaries as (func-index,
// argument-bytes) messages, so the funcs themselves must be nameable
// across process boundaries. Funcs are named by registration index:
// we rely on deterministic registration order, guaranteed by Go's
// package variable initialization for a single binary, which is
// sufficient since every locality runs the same binary. Arguments
// are gob-encoded; concrete types carried inside interface-typed
// arguments must be registered with encoding/gob by the caller.

var (
	funcs      []func(ctx context.Context, run *Runtime, arg interface{}) (interface{}, error)
	asyncFuncs []func(run *Runtime, h *Handle, arg interface{}, i int)
	// funcsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A Func names a registered synchronous function. Synchronous
// functions serve blocking calls (Call, ExecuteOnAll): they run at
// the destination locality and their reply is returned to the
// issuer.
type Func struct {
	index int
}

// An AsyncFunc names a registered asynchronous function.
// Asynchronous functions are dispatched fire-and-forget
// (AsyncAt, AsyncForEachAt, AsyncForEachOnAll); they receive the
// handle under which they were dispatched so that they may register
// further tasks against it.
type AsyncFunc struct {
	index int
}

// RegisterFunc registers a synchronous function, returning a token
// by which it may be invoked on any locality. Registration must
// happen identically on every locality, in practice from package
// variable initialization, before any Runtime is started.
func RegisterFunc(fn func(ctx context.Context, run *Runtime, arg interface{}) (interface{}, error)) Func {
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("rt.RegisterFunc: data race")
	}
	f := Func{index: len(funcs)}
	funcs = append(funcs, fn)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("rt.RegisterFunc: data race")
	}
	return f
}

// RegisterAsyncFunc registers an asynchronous function, returning a
// token by which it may be dispatched to any locality. See
// RegisterFunc for registration requirements.
func RegisterAsyncFunc(fn func(run *Runtime, h *Handle, arg interface{}, i int)) AsyncFunc {
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("rt.RegisterAsyncFunc: data race")
	}
	f := AsyncFunc{index: len(asyncFuncs)}
	asyncFuncs = append(asyncFuncs, fn)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("rt.RegisterAsyncFunc: data race")
	}
	return f
}

// encodeArg encodes an argument for transmission to another
// locality.
func encodeArg(arg interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&arg); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// decodeArg decodes an argument encoded by encodeArg.
func decodeArg(p []byte) (interface{}, error) {
	var arg interface{}
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&arg); err != nil {
		return nil, err
	}
	return arg, nil
}
