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
	"runtime"

	"gvisor.dev/qsync/pkg/log"
	"gvisor.dev/qsync/pkg/park"
)

// enq inserts n at the tail of the queue, initializing the queue if needed.
// It returns n's predecessor.
func (s *Sync) enq(n *node) *node {
	for {
		t := s.tail.Load()
		if t == nil {
			// Lazily install the sentinel head.
			if s.head.CompareAndSwap(nil, &node{}) {
				s.tail.Store(s.head.Load())
			}
			continue
		}
		n.prev.Store(t)
		if s.tail.CompareAndSwap(t, n) {
			t.next.Store(n)
			return t
		}
	}
}

// addWaiter creates and enqueues a node for t in the given mode.
func (s *Sync) addWaiter(t *park.Thread, shared bool) *node {
	n := newNode(t, shared, statusInitial)
	s.enq(n)
	enqueuedWaiters.Increment()
	return n
}

// setHead makes n the sentinel. It is only called by n's thread after a
// successful acquire.
func (s *Sync) setHead(n *node) {
	s.head.Store(n)
	n.thread.Store(nil)
	n.prev.Store(nil)
}

// unparkSuccessor wakes the first live node after n, if any.
func (s *Sync) unparkSuccessor(n *node) {
	// Clear the signal status in anticipation of signalling. It is fine if
	// this fails or the status is changed by the waiting thread.
	if ws := n.waitStatus.Load(); ws < 0 {
		n.waitStatus.CompareAndSwap(ws, statusInitial)
	}

	// The successor is normally n.next. If that is nil or cancelled, scan
	// backwards from the tail for the actual non-cancelled successor.
	succ := n.next.Load()
	if succ == nil || succ.waitStatus.Load() > 0 {
		succ = nil
		for p := s.tail.Load(); p != nil && p != n; p = p.prev.Load() {
			if p.waitStatus.Load() <= 0 {
				succ = p
			}
		}
	}
	if succ != nil {
		succ.thread.Load().Unpark()
	}
}

// doReleaseShared signals the head's successor and ensures propagation. In
// exclusive mode a release only signals the head when it needs it; here the
// head is set to statusPropagate when no signal is needed, so that a
// concurrent setHeadAndPropagate observes the release.
func (s *Sync) doReleaseShared() {
	for {
		h := s.head.Load()
		if h != nil && h != s.tail.Load() {
			ws := h.waitStatus.Load()
			if ws == statusSignal {
				if !h.waitStatus.CompareAndSwap(statusSignal, statusInitial) {
					continue
				}
				s.unparkSuccessor(h)
			} else if ws == statusInitial && !h.waitStatus.CompareAndSwap(statusInitial, statusPropagate) {
				continue
			}
		}
		// Loop if the head changed under us.
		if h == s.head.Load() {
			return
		}
	}
}

// setHeadAndPropagate makes n the head, and if propagate is positive or a
// release has been recorded on either the old or the new head, signals the
// next shared waiter.
func (s *Sync) setHeadAndPropagate(n *node, propagate int64) {
	h := s.head.Load()
	s.setHead(n)

	// The checks here may cause unnecessary wakeups, but only when multiple
	// acquires and releases race, and most waiters need a signal soon
	// anyway.
	if propagate > 0 || h == nil || h.waitStatus.Load() < 0 || s.headNeedsSignal() {
		if next := n.next.Load(); next == nil || next.shared {
			s.doReleaseShared()
		}
	}
}

func (s *Sync) headNeedsSignal() bool {
	h := s.head.Load()
	return h == nil || h.waitStatus.Load() < 0
}

// cancelAcquire cancels an ongoing acquire of n and unlinks it.
func (s *Sync) cancelAcquire(n *node) {
	if n == nil {
		return
	}
	th := n.thread.Load()
	n.thread.Store(nil)

	// Skip cancelled predecessors.
	pred := n.prev.Load()
	for pred.waitStatus.Load() > 0 {
		pred = pred.prev.Load()
		n.prev.Store(pred)
	}

	// predNext is the apparent node to unsplice. The CASes below fail if we
	// lost a race with another cancel or signal, in which case no further
	// action is necessary.
	predNext := pred.next.Load()

	// After this, other nodes skip past n, and before it, we are free of
	// interference from other threads.
	n.waitStatus.Store(statusCancelled)

	if n == s.tail.Load() && s.tail.CompareAndSwap(n, pred) {
		// n was the tail: remove it.
		pred.next.CompareAndSwap(predNext, nil)
	} else {
		// If the successor needs a signal, try to link pred to it so it
		// gets one. Otherwise wake it up so it can find its new
		// predecessor.
		ws := pred.waitStatus.Load()
		if pred != s.head.Load() &&
			(ws == statusSignal || (ws <= 0 && pred.waitStatus.CompareAndSwap(ws, statusSignal))) &&
			pred.thread.Load() != nil {
			if next := n.next.Load(); next != nil && next.waitStatus.Load() <= 0 {
				pred.next.CompareAndSwap(predNext, next)
			}
		} else {
			s.unparkSuccessor(n)
		}
		n.next.Store(n)
	}

	// A concurrent cancel of the predecessor may have left a cancelled tail
	// behind; drop it so that the queue does not appear contended.
	s.trimCancelledTail()

	cancelledWaiters.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("qsync: cancelled %v waiter for %v", n, th)
	}
}

// trimCancelledTail removes cancelled nodes from the end of the queue.
func (s *Sync) trimCancelledTail() {
	for {
		t := s.tail.Load()
		if t == nil || t == s.head.Load() || t.waitStatus.Load() != statusCancelled {
			return
		}
		p := t.prev.Load()
		if p == nil {
			return
		}
		if s.tail.CompareAndSwap(t, p) {
			p.next.CompareAndSwap(t, nil)
		}
	}
}

// shouldParkAfterFailedAcquire checks and updates the status of a node that
// failed to acquire. It returns true if the thread should park. This is the
// main signal control in all acquire loops. It requires that pred ==
// n.prev.
func (s *Sync) shouldParkAfterFailedAcquire(pred, n *node) bool {
	ws := pred.waitStatus.Load()
	if ws == statusSignal {
		// pred has already agreed to signal n on release.
		return true
	}
	if ws > 0 {
		// Predecessor was cancelled. Skip over predecessors and retry.
		for {
			pred = pred.prev.Load()
			n.prev.Store(pred)
			if pred.waitStatus.Load() <= 0 {
				break
			}
		}
		pred.next.Store(n)
	} else {
		// Indicate that we need a signal, but don't park yet. The caller
		// retries to make sure it cannot acquire before parking.
		pred.waitStatus.CompareAndSwap(ws, statusSignal)
	}
	return false
}

// isOnSyncQueue returns true if n, always one that was initially placed on a
// condition list, is now waiting to reacquire on the sync queue.
func (s *Sync) isOnSyncQueue(n *node) bool {
	if n.waitStatus.Load() == statusCondition || n.prev.Load() == nil {
		return false
	}
	// A successor means it is on the queue.
	if n.next.Load() != nil {
		return true
	}
	// n.prev can be non-nil while n is not yet on the queue, because the
	// tail CAS can fail. It is always near the tail, so this scan is short.
	return s.findNodeFromTail(n)
}

func (s *Sync) findNodeFromTail(n *node) bool {
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if p == n {
			return true
		}
	}
	return false
}

// transferForSignal moves n from a condition list to the sync queue. It
// returns false if n was cancelled before the signal.
func (s *Sync) transferForSignal(n *node) bool {
	if !n.waitStatus.CompareAndSwap(statusCondition, statusInitial) {
		return false
	}

	// Splice onto the queue and try to set the predecessor's status to
	// indicate that the thread is (probably) waiting. If pred is cancelled or
	// the status cannot be set, wake the thread to resynchronize; the
	// resulting wakeup is harmless.
	p := s.enq(n)
	if ws := p.waitStatus.Load(); ws > 0 || !p.waitStatus.CompareAndSwap(ws, statusSignal) {
		n.thread.Load().Unpark()
	}
	conditionTransfers.Increment()
	return true
}

// transferAfterCancelledWait moves n to the sync queue after its condition
// wait was cancelled. It returns true if the cancellation happened before n
// was signalled.
func (s *Sync) transferAfterCancelledWait(n *node) bool {
	if n.waitStatus.CompareAndSwap(statusCondition, statusInitial) {
		s.enq(n)
		return true
	}
	// We lost the race with a signal: the signaller is enqueueing n. A
	// cancellation during an incomplete transfer is rare and transient, so
	// just spin.
	for !s.isOnSyncQueue(n) {
		runtime.Gosched()
	}
	return false
}

// fullyRelease releases the whole state on behalf of a condition waiter and
// returns the state that was held. On failure n is cancelled.
func (s *Sync) fullyRelease(t *park.Thread, n *node) (saved int64, err error) {
	ok := false
	defer func() {
		if !ok {
			n.waitStatus.Store(statusCancelled)
		}
	}()
	saved = s.State()
	if !s.Release(t, saved) {
		return 0, ErrIllegalMonitorState
	}
	ok = true
	return saved, nil
}
