// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rt

// A Message is one task submission in flight between two localities:
// a registered func named by index, together with its gob-encoded
// argument. Synchronous calls carry a reply channel; asynchronous
// dispatches instead carry an invocation count and the handles under
// which the tasks were registered.
type Message struct {
	// From and To are the issuing and destination localities.
	From, To Locality
	// Func indexes the registered func table: funcs for synchronous
	// calls, asyncFuncs for asynchronous dispatches.
	Func int
	// Args is the gob-encoded argument.
	Args []byte

	// N is the number of invocations to run at the destination.
	// Asynchronous dispatches only.
	N int
	// Handles are the handles against which the invocations were
	// registered at submission time. The transport must arrange for
	// each handle's Done to take effect at the issuing locality once
	// per completed invocation; the in-process transport shares the
	// issuer's handles directly.
	Handles []*Handle

	// Reply, if non-nil, marks the message as a synchronous call;
	// exactly one Reply is sent once the invocation completes.
	Reply chan<- Reply
}

// A Reply carries a synchronous call's result back to its issuer.
type Reply struct {
	Body []byte
	Err  error
}

// A Transport moves messages between localities. Implementations
// must provide reliable delivery, ordered with respect to other
// messages sent by the same issuing locality to the same
// destination, and must deliver each message to the destination
// runtime via its Deliver method. Send must not block on the
// execution of previously sent messages.
//
// The runtime layers no retry or fault tolerance on top of the
// transport; an unreliable medium must provide its own underneath
// this contract.
type Transport interface {
	Send(msg *Message) error
}
