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

// Package locks provides lock policies built on qsync: a reentrant lock, a
// counting semaphore and a count-down latch. Each can be fair, granting
// access in queue order, or non-fair, letting arriving threads barge ahead of
// queued ones.
package locks

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/qsync"
)

// reentrantHooks implements qsync.Hooks for ReentrantLock. The state is the
// hold count of the owner.
type reentrantHooks struct {
	qsync.UnimplementedHooks
	fair bool
}

// TryAcquire implements qsync.Hooks.TryAcquire.
func (h *reentrantHooks) TryAcquire(s *qsync.Sync, t *park.Thread, acquires int64) bool {
	c := s.State()
	if c == 0 {
		if h.fair && s.HasQueuedPredecessors(t) {
			return false
		}
		if s.CompareAndSetState(0, acquires) {
			s.SetExclusiveOwner(t)
			return true
		}
		return false
	}
	if s.ExclusiveOwner() != t {
		return false
	}
	next := c + acquires
	if next < 0 {
		panic("locks: maximum lock count exceeded")
	}
	s.SetState(next)
	return true
}

// TryRelease implements qsync.Hooks.TryRelease.
func (h *reentrantHooks) TryRelease(s *qsync.Sync, t *park.Thread, releases int64) bool {
	if s.ExclusiveOwner() != t {
		return false
	}
	c := s.State() - releases
	free := c == 0
	if free {
		s.SetExclusiveOwner(nil)
	}
	s.SetState(c)
	return free
}

// IsHeldExclusively implements qsync.Hooks.IsHeldExclusively.
func (h *reentrantHooks) IsHeldExclusively(s *qsync.Sync, t *park.Thread) bool {
	return s.ExclusiveOwner() == t
}

// ReentrantLock is a mutual exclusion lock that its owner may acquire
// repeatedly. It must be released as many times as it was acquired.
type ReentrantLock struct {
	s     qsync.Sync
	hooks reentrantHooks
}

// NewReentrantLock returns an unlocked ReentrantLock.
func NewReentrantLock(fair bool) *ReentrantLock {
	l := &ReentrantLock{hooks: reentrantHooks{fair: fair}}
	l.s.Init(&l.hooks)
	return l
}

// Lock acquires the lock, waiting if another thread holds it.
func (l *ReentrantLock) Lock(t *park.Thread) {
	l.s.Acquire(t, 1)
}

// LockInterruptibly acquires the lock unless t is interrupted.
func (l *ReentrantLock) LockInterruptibly(t *park.Thread) error {
	return l.s.AcquireInterruptibly(t, 1)
}

// LockContext acquires the lock unless t is interrupted or ctx is done.
func (l *ReentrantLock) LockContext(ctx context.Context, t *park.Thread) error {
	return l.s.AcquireContext(ctx, t, 1)
}

// TryLock acquires the lock if it is free or already held by t. It barges
// even on a fair lock.
func (l *ReentrantLock) TryLock(t *park.Thread) bool {
	c := l.s.State()
	if c == 0 {
		if l.s.CompareAndSetState(0, 1) {
			l.s.SetExclusiveOwner(t)
			return true
		}
		return false
	}
	if l.s.ExclusiveOwner() == t {
		l.s.SetState(c + 1)
		return true
	}
	return false
}

// TryLockTimeout acquires the lock, waiting at most d. It respects fairness.
func (l *ReentrantLock) TryLockTimeout(t *park.Thread, d time.Duration) (bool, error) {
	return l.s.TryAcquireNanos(t, 1, d)
}

// Unlock releases one hold of the lock. It returns qsync.ErrIllegalMonitorState
// if t does not hold the lock.
func (l *ReentrantLock) Unlock(t *park.Thread) error {
	if l.s.ExclusiveOwner() != t {
		return qsync.ErrIllegalMonitorState
	}
	l.s.Release(t, 1)
	return nil
}

// NewCondition returns a condition bound to l.
func (l *ReentrantLock) NewCondition() *qsync.Condition {
	return l.s.NewCondition()
}

// HoldCount returns the number of holds on l by t.
func (l *ReentrantLock) HoldCount(t *park.Thread) int64 {
	if l.s.ExclusiveOwner() != t {
		return 0
	}
	return l.s.State()
}

// IsHeldBy returns true if t holds l.
func (l *ReentrantLock) IsHeldBy(t *park.Thread) bool {
	return l.s.ExclusiveOwner() == t
}

// IsLocked returns true if any thread holds l.
func (l *ReentrantLock) IsLocked() bool {
	return l.s.State() != 0
}

// IsFair returns true if l grants the lock in queue order.
func (l *ReentrantLock) IsFair() bool {
	return l.hooks.fair
}

// Owner returns the thread holding l, or nil.
func (l *ReentrantLock) Owner() *park.Thread {
	if l.s.State() == 0 {
		return nil
	}
	return l.s.ExclusiveOwner()
}

// Sync returns the synchronizer backing l, for introspection.
func (l *ReentrantLock) Sync() *qsync.Sync {
	return &l.s
}

// String implements fmt.Stringer.
func (l *ReentrantLock) String() string {
	if o := l.Owner(); o != nil {
		return fmt.Sprintf("ReentrantLock[locked by %v]", o)
	}
	return "ReentrantLock[unlocked]"
}
