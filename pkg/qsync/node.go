// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qsync

import (
	"sync/atomic"

	"gvisor.dev/qsync/pkg/park"
)

// Node wait statuses. Non-negative values mean the node does not need
// signalling; only statusCancelled is positive.
const (
	// statusInitial is the status of a newly enqueued node.
	statusInitial int32 = 0

	// statusCancelled means the node's thread gave up waiting by interrupt,
	// timeout, context cancellation or a panicking hook. A cancelled node
	// never changes status again and its thread never blocks again.
	statusCancelled int32 = 1

	// statusSignal means the node's successor is (or will soon be) parked,
	// so the node's thread must unpark it when it releases or cancels.
	statusSignal int32 = -1

	// statusCondition means the node is on a condition wait list. It is set
	// to statusInitial on transfer to the sync queue.
	statusCondition int32 = -2

	// statusPropagate is set on the head by a shared release that found no
	// successor to signal, so that the release propagates to the next shared
	// acquire.
	statusPropagate int32 = -3
)

// node is one thread's entry in the sync queue or on a condition list.
//
// The queue is a variant of a CLH lock queue. A node is inserted by an atomic
// swap of the tail, after which its prev link is valid. The next link is set
// afterwards and is only a hint: a nil or cancelled next is resolved by
// scanning backwards from the tail.
type node struct {
	// shared is set for nodes waiting in shared mode. It is immutable.
	shared bool

	waitStatus atomic.Int32

	// thread is the waiting thread. It is cleared when the node becomes the
	// head or is cancelled.
	thread atomic.Pointer[park.Thread]

	prev atomic.Pointer[node]
	next atomic.Pointer[node]

	// nextWaiter links condition wait list nodes. It is protected by the
	// exclusive hold on the owning Sync.
	nextWaiter *node
}

func newNode(t *park.Thread, shared bool, status int32) *node {
	n := &node{shared: shared}
	n.thread.Store(t)
	n.waitStatus.Store(status)
	return n
}

func (n *node) String() string {
	if n.shared {
		return "shared"
	}
	return "exclusive"
}
