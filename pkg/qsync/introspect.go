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
	"fmt"

	"gvisor.dev/qsync/pkg/park"
)

// The methods in this file never block. They traverse the queue without
// locking, so results are snapshots that may be stale by the time they are
// returned. They are meant for monitoring and for fairness checks in hooks.

// live returns the thread waiting at n, or nil if n is the sentinel or has
// been cancelled.
func (n *node) live() *park.Thread {
	if n.waitStatus.Load() == statusCancelled {
		return nil
	}
	return n.thread.Load()
}

// forEachQueued calls fn for each live queued node, oldest first, until fn
// returns false.
func (s *Sync) forEachQueued(fn func(n *node, t *park.Thread) bool) {
	h := s.head.Load()
	if h == nil {
		return
	}
	// Walk back from the tail using the authoritative prev links, then
	// report in queue order.
	var nodes []*node
	for p := s.tail.Load(); p != nil && p != h; p = p.prev.Load() {
		nodes = append(nodes, p)
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		t := n.live()
		if t == nil {
			continue
		}
		if !fn(n, t) {
			return
		}
	}
}

// HasQueuedThreads returns true if any thread is waiting to acquire.
func (s *Sync) HasQueuedThreads() bool {
	found := false
	s.forEachQueued(func(*node, *park.Thread) bool {
		found = true
		return false
	})
	return found
}

// HasContended returns true if any thread has ever had to wait to acquire.
func (s *Sync) HasContended() bool {
	return s.head.Load() != nil
}

// FirstQueuedThread returns the longest-waiting thread, or nil if no thread
// is waiting.
func (s *Sync) FirstQueuedThread() *park.Thread {
	// Fast path: the successor of the head is usually the answer.
	if h := s.head.Load(); h != nil {
		if n := h.next.Load(); n != nil && n.prev.Load() == h {
			if t := n.live(); t != nil {
				return t
			}
		}
	}
	var first *park.Thread
	s.forEachQueued(func(_ *node, t *park.Thread) bool {
		first = t
		return false
	})
	return first
}

// IsQueued returns true if t is waiting to acquire. It panics if t is nil.
func (s *Sync) IsQueued(t *park.Thread) bool {
	if t == nil {
		panic("qsync: IsQueued called with nil thread")
	}
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if p.live() == t {
			return true
		}
	}
	return false
}

// HasQueuedPredecessors returns true if some thread other than t has been
// waiting longer than t. Fair synchronizers call it from their acquire hooks
// to refuse barging.
func (s *Sync) HasQueuedPredecessors(t *park.Thread) bool {
	first := s.FirstQueuedThread()
	return first != nil && first != t
}

// FirstQueuedIsExclusive returns true if the first queued thread appears to
// be waiting in exclusive mode. Read-preferring shared hooks use it to avoid
// starving a writer.
func (s *Sync) FirstQueuedIsExclusive() bool {
	h := s.head.Load()
	if h == nil {
		return false
	}
	n := h.next.Load()
	return n != nil && !n.shared && n.live() != nil
}

// QueueLength returns an estimate of the number of waiting threads.
func (s *Sync) QueueLength() int {
	n := 0
	s.forEachQueued(func(*node, *park.Thread) bool {
		n++
		return true
	})
	return n
}

func (s *Sync) queuedThreads(match func(*node) bool) []*park.Thread {
	var ts []*park.Thread
	s.forEachQueued(func(n *node, t *park.Thread) bool {
		if match(n) {
			ts = append(ts, t)
		}
		return true
	})
	return ts
}

// QueuedThreads returns the waiting threads, oldest first.
func (s *Sync) QueuedThreads() []*park.Thread {
	return s.queuedThreads(func(*node) bool { return true })
}

// ExclusiveQueuedThreads returns the threads waiting in exclusive mode,
// oldest first.
func (s *Sync) ExclusiveQueuedThreads() []*park.Thread {
	return s.queuedThreads(func(n *node) bool { return !n.shared })
}

// SharedQueuedThreads returns the threads waiting in shared mode, oldest
// first.
func (s *Sync) SharedQueuedThreads() []*park.Thread {
	return s.queuedThreads(func(n *node) bool { return n.shared })
}

// Owns returns true if c was created by s.
func (s *Sync) Owns(c *Condition) bool {
	return c != nil && c.sync == s
}

func (s *Sync) checkCondition(c *Condition) error {
	if c == nil {
		return ErrNilCondition
	}
	if c.sync != s {
		return ErrNotOwner
	}
	return nil
}

// HasWaiters returns true if any thread is waiting on c. t must hold s
// exclusively.
func (s *Sync) HasWaiters(t *park.Thread, c *Condition) (bool, error) {
	if err := s.checkCondition(c); err != nil {
		return false, err
	}
	return c.hasWaiters(t)
}

// WaitQueueLength returns an estimate of the number of threads waiting on
// c. t must hold s exclusively.
func (s *Sync) WaitQueueLength(t *park.Thread, c *Condition) (int, error) {
	if err := s.checkCondition(c); err != nil {
		return 0, err
	}
	return c.waitQueueLength(t)
}

// WaitingThreads returns the threads waiting on c, oldest first. t must hold
// s exclusively.
func (s *Sync) WaitingThreads(t *park.Thread, c *Condition) ([]*park.Thread, error) {
	if err := s.checkCondition(c); err != nil {
		return nil, err
	}
	return c.waitingThreads(t)
}

// String implements fmt.Stringer.
func (s *Sync) String() string {
	q := "empty"
	if s.HasQueuedThreads() {
		q = "nonempty"
	}
	return fmt.Sprintf("Sync{state=%d, queue=%s}", s.State(), q)
}
