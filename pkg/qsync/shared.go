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

// doAcquireShared is the shared-mode counterpart of acquireQueued. It
// enqueues a shared node for t itself.
func (s *Sync) doAcquireShared(t *park.Thread, arg int64, o waitOpts) (acquired, interrupted bool, err error) {
	n := s.addWaiter(t, true)
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
			hookPanicLog.Warningf("qsync: shared acquire by %v failed, waiter removed: %v", t, r)
			panic(r)
		}
	}()

	for {
		p := n.prev.Load()
		if p == s.head.Load() {
			if r := s.hooks.TryAcquireShared(s, t, arg); r >= 0 {
				s.setHeadAndPropagate(n, r)
				p.next.Store(nil)
				failed = false
				return true, interrupted, nil
			}
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

// AcquireShared acquires in shared mode, ignoring interrupts. An interrupt
// observed while waiting is reasserted on return.
func (s *Sync) AcquireShared(t *park.Thread, arg int64) {
	if s.hooks.TryAcquireShared(s, t, arg) >= 0 {
		fastPathAcquires.Increment()
		return
	}
	if _, interrupted, _ := s.doAcquireShared(t, arg, waitOpts{}); interrupted {
		t.Interrupt()
	}
}

// AcquireSharedInterruptibly acquires in shared mode, aborting with
// ErrInterrupted if t is interrupted before or while waiting.
func (s *Sync) AcquireSharedInterruptibly(t *park.Thread, arg int64) error {
	if t.Interrupted() {
		return ErrInterrupted
	}
	if s.hooks.TryAcquireShared(s, t, arg) >= 0 {
		fastPathAcquires.Increment()
		return nil
	}
	_, _, err := s.doAcquireShared(t, arg, waitOpts{interruptible: true})
	return err
}

// TryAcquireSharedNanos attempts to acquire in shared mode, aborting with
// ErrInterrupted if interrupted and returning false if timeout elapses
// first.
func (s *Sync) TryAcquireSharedNanos(t *park.Thread, arg int64, timeout time.Duration) (bool, error) {
	if t.Interrupted() {
		return false, ErrInterrupted
	}
	if s.hooks.TryAcquireShared(s, t, arg) >= 0 {
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
	acquired, _, err := s.doAcquireShared(t, arg, o)
	return acquired, err
}

// AcquireSharedContext acquires in shared mode, aborting with
// ErrInterrupted if t is interrupted, or with ctx.Err() once ctx is done.
func (s *Sync) AcquireSharedContext(ctx context.Context, t *park.Thread, arg int64) error {
	if t.Interrupted() {
		return ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.hooks.TryAcquireShared(s, t, arg) >= 0 {
		fastPathAcquires.Increment()
		return nil
	}
	_, _, err := s.doAcquireShared(t, arg, waitOpts{interruptible: true, ctx: ctx})
	return err
}

// TryAcquireShared is a single non-blocking attempt to acquire in shared
// mode. It returns the result of the TryAcquireShared hook.
func (s *Sync) TryAcquireShared(t *park.Thread, arg int64) int64 {
	return s.hooks.TryAcquireShared(s, t, arg)
}

// ReleaseShared releases in shared mode. If TryReleaseShared returns true,
// one or more waiting threads are unblocked, since a single release may
// satisfy several of them.
func (s *Sync) ReleaseShared(t *park.Thread, arg int64) bool {
	if !s.hooks.TryReleaseShared(s, t, arg) {
		return false
	}
	s.doReleaseShared()
	return true
}
