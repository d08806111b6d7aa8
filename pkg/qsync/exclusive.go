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
	"context"
	"time"

	"gvisor.dev/qsync/pkg/park"
)

// acquireQueued acquires in exclusive mode for a thread already on the
// queue. It is used by the exclusive acquire methods and by conditions to
// reacquire after a wait.
//
// acquired is false if the wait timed out or err is set. interrupted reports
// whether an interrupt was consumed by a non-interruptible wait; the caller
// must reassert it.
func (s *Sync) acquireQueued(t *park.Thread, n *node, arg int64, o waitOpts) (acquired, interrupted bool, err error) {
	failed := true
	defer func() {
		if !failed {
			return
		}
		s.cancelAcquire(n)
		if interrupted {
			t.Interrupt()
		}
		if r := recover(); r != nil {
			hookPanicLog.Warningf("qsync: exclusive acquire by %v failed, waiter removed: %v", t, r)
			panic(r)
		}
	}()

	for {
		p := n.prev.Load()
		if p == s.head.Load() && s.hooks.TryAcquire(s, t, arg) {
			s.setHead(n)
			p.next.Store(nil)
			failed = false
			return true, interrupted, nil
		}
		if o.timed && o.remaining() <= 0 {
			return false, interrupted, nil
		}
		if err := o.ctxErr(); err != nil {
			return false, interrupted, err
		}
		if !s.shouldParkAfterFailedAcquire(p, n) {
			continue
		}
		if o.timed && o.remaining() <= spinForTimeoutThreshold {
			continue
		}
		parks.Increment()
		o.park(t)
		if t.Interrupted() {
			if o.interruptible {
				return false, false, ErrInterrupted
			}
			interrupted = true
		}
	}
}

// Acquire acquires in exclusive mode, ignoring interrupts. It calls
// TryAcquire at least once, and otherwise queues, parking and retrying
// TryAcquire until it succeeds. An interrupt observed while waiting is
// reasserted on return.
func (s *Sync) Acquire(t *park.Thread, arg int64) {
	if s.hooks.TryAcquire(s, t, arg) {
		fastPathAcquires.Increment()
		return
	}
	if _, interrupted, _ := s.acquireQueued(t, s.addWaiter(t, false), arg, waitOpts{}); interrupted {
		t.Interrupt()
	}
}

// AcquireInterruptibly acquires in exclusive mode, aborting with
// ErrInterrupted if t is interrupted before or while waiting.
func (s *Sync) AcquireInterruptibly(t *park.Thread, arg int64) error {
	if t.Interrupted() {
		return ErrInterrupted
	}
	if s.hooks.TryAcquire(s, t, arg) {
		fastPathAcquires.Increment()
		return nil
	}
	_, _, err := s.acquireQueued(t, s.addWaiter(t, false), arg, waitOpts{interruptible: true})
	return err
}

// TryAcquireNanos attempts to acquire in exclusive mode, aborting with
// ErrInterrupted if interrupted and returning false if timeout elapses
// first.
func (s *Sync) TryAcquireNanos(t *park.Thread, arg int64, timeout time.Duration) (bool, error) {
	if t.Interrupted() {
		return false, ErrInterrupted
	}
	if s.hooks.TryAcquire(s, t, arg) {
		fastPathAcquires.Increment()
		return true, nil
	}
	if timeout <= 0 {
		return false, nil
	}
	o := waitOpts{
		interruptible: true,
		timed:         true,
		deadline:      time.Now().Add(timeout),
	}
	acquired, _, err := s.acquireQueued(t, s.addWaiter(t, false), arg, o)
	return acquired, err
}

// AcquireContext acquires in exclusive mode, aborting with ErrInterrupted if
// t is interrupted, or with ctx.Err() once ctx is done.
func (s *Sync) AcquireContext(ctx context.Context, t *park.Thread, arg int64) error {
	if t.Interrupted() {
		return ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.hooks.TryAcquire(s, t, arg) {
		fastPathAcquires.Increment()
		return nil
	}
	_, _, err := s.acquireQueued(t, s.addWaiter(t, false), arg, waitOpts{interruptible: true, ctx: ctx})
	return err
}

// TryAcquire is a single non-blocking attempt to acquire in exclusive mode.
// It never queues.
func (s *Sync) TryAcquire(t *park.Thread, arg int64) bool {
	return s.hooks.TryAcquire(s, t, arg)
}

// Release releases in exclusive mode, unblocking a waiting thread if
// TryRelease returns true. It returns the result of TryRelease.
func (s *Sync) Release(t *park.Thread, arg int64) bool {
	if !s.hooks.TryRelease(s, t, arg) {
		return false
	}
	if h := s.head.Load(); h != nil && h.waitStatus.Load() != statusInitial {
		s.unparkSuccessor(h)
	}
	return true
}
