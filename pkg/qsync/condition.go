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

// Condition is a condition variable bound to an exclusive-mode Sync. All
// methods require that the calling thread holds the Sync exclusively, as
// reported by the IsHeldExclusively hook, and otherwise fail with
// ErrIllegalMonitorState.
//
// A waiting thread releases the Sync completely, passing the whole state to
// TryRelease, and reacquires with the same state value before returning, so
// reentrant hold counts survive the wait.
type Condition struct {
	// sync is the synchronizer that created the condition. It is immutable.
	sync *Sync

	// firstWaiter and lastWaiter delimit the wait list. They are protected
	// by the exclusive hold on sync.
	firstWaiter *node
	lastWaiter  *node
}

// NewCondition returns a new Condition bound to s.
func (s *Sync) NewCondition() *Condition {
	return &Condition{sync: s}
}

// Outcomes of an interrupt during a wait.
const (
	// interruptReassert means the interrupt arrived after the signal and is
	// reasserted on return.
	interruptReassert = 1

	// interruptAbort means the interrupt arrived before the signal and the
	// wait fails with ErrInterrupted.
	interruptAbort = -1
)

// addConditionWaiter appends a new waiter for t to the wait list.
func (c *Condition) addConditionWaiter(t *park.Thread) (*node, error) {
	if !c.sync.hooks.IsHeldExclusively(c.sync, t) {
		return nil, ErrIllegalMonitorState
	}
	last := c.lastWaiter
	if last != nil && last.waitStatus.Load() != statusCondition {
		c.unlinkCancelledWaiters()
		last = c.lastWaiter
	}
	n := newNode(t, false, statusCondition)
	if last == nil {
		c.firstWaiter = n
	} else {
		last.nextWaiter = n
	}
	c.lastWaiter = n
	return n, nil
}

// unlinkCancelledWaiters removes nodes that are no longer waiting on the
// condition from the wait list.
func (c *Condition) unlinkCancelledWaiters() {
	var trail *node
	for w := c.firstWaiter; w != nil; {
		next := w.nextWaiter
		if w.waitStatus.Load() != statusCondition {
			w.nextWaiter = nil
			if trail == nil {
				c.firstWaiter = next
			} else {
				trail.nextWaiter = next
			}
			if next == nil {
				c.lastWaiter = trail
			}
		} else {
			trail = w
		}
		w = next
	}
}

// doSignal transfers the first non-cancelled waiter, starting at first.
func (c *Condition) doSignal(first *node) {
	for first != nil {
		c.firstWaiter = first.nextWaiter
		if c.firstWaiter == nil {
			c.lastWaiter = nil
		}
		first.nextWaiter = nil
		if c.sync.transferForSignal(first) {
			return
		}
		first = c.firstWaiter
	}
}

// doSignalAll transfers all waiters, starting at first.
func (c *Condition) doSignalAll(first *node) {
	c.firstWaiter, c.lastWaiter = nil, nil
	for first != nil {
		next := first.nextWaiter
		first.nextWaiter = nil
		c.sync.transferForSignal(first)
		first = next
	}
}

// Signal moves the longest-waiting thread, if any, from the wait list to
// the sync queue. The thread returns from its wait once it reacquires.
func (c *Condition) Signal(t *park.Thread) error {
	if !c.sync.hooks.IsHeldExclusively(c.sync, t) {
		return ErrIllegalMonitorState
	}
	if first := c.firstWaiter; first != nil {
		c.doSignal(first)
	}
	return nil
}

// SignalAll moves all threads from the wait list to the sync queue.
func (c *Condition) SignalAll(t *park.Thread) error {
	if !c.sync.hooks.IsHeldExclusively(c.sync, t) {
		return ErrIllegalMonitorState
	}
	if first := c.firstWaiter; first != nil {
		c.doSignalAll(first)
	}
	return nil
}

// wait implements the Await variants. It returns timedOut if the wait ended
// because the deadline passed before a signal.
func (c *Condition) wait(t *park.Thread, o waitOpts) (timedOut bool, err error) {
	if o.interruptible && t.Interrupted() {
		return false, ErrInterrupted
	}
	if err := o.ctxErr(); err != nil {
		return false, err
	}
	n, err := c.addConditionWaiter(t)
	if err != nil {
		return false, err
	}
	saved, err := c.sync.fullyRelease(t, n)
	if err != nil {
		return false, err
	}
	conditionWaits.Increment()

	var (
		mode      int
		ctxErr    error
		cancelled bool
	)
	for !c.sync.isOnSyncQueue(n) {
		if o.timed && o.remaining() <= 0 {
			timedOut = c.sync.transferAfterCancelledWait(n)
			cancelled = timedOut
			break
		}
		if err := o.ctxErr(); err != nil {
			if c.sync.transferAfterCancelledWait(n) {
				ctxErr = err
				cancelled = true
			}
			break
		}
		if !o.timed || o.remaining() > spinForTimeoutThreshold {
			o.park(t)
		}
		if t.Interrupted() {
			if !o.interruptible {
				mode = interruptReassert
				continue
			}
			if c.sync.transferAfterCancelledWait(n) {
				mode = interruptAbort
				cancelled = true
			} else {
				mode = interruptReassert
			}
			break
		}
	}

	if _, interrupted, _ := c.sync.acquireQueued(t, n, saved, waitOpts{}); interrupted && mode != interruptAbort {
		mode = interruptReassert
	}
	if cancelled || n.nextWaiter != nil {
		c.unlinkCancelledWaiters()
	}
	switch mode {
	case interruptAbort:
		return timedOut, ErrInterrupted
	case interruptReassert:
		t.Interrupt()
	}
	return timedOut, ctxErr
}

// Await causes t to wait until it is signalled or interrupted. The Sync is
// released while waiting and reacquired before Await returns, in every case
// except ErrIllegalMonitorState.
//
// If t is interrupted before being signalled, Await returns ErrInterrupted.
// If the interrupt arrives after the signal, Await returns nil and the
// interrupt flag remains set.
func (c *Condition) Await(t *park.Thread) error {
	_, err := c.wait(t, waitOpts{interruptible: true})
	return err
}

// AwaitUninterruptibly causes t to wait until it is signalled. An interrupt
// observed while waiting is reasserted on return.
func (c *Condition) AwaitUninterruptibly(t *park.Thread) error {
	_, err := c.wait(t, waitOpts{})
	return err
}

// AwaitNanos causes t to wait until it is signalled, interrupted, or d
// elapses. It returns an estimate of the time left; a value <= 0 means the
// wait timed out.
func (c *Condition) AwaitNanos(t *park.Thread, d time.Duration) (time.Duration, error) {
	deadline := time.Now().Add(d)
	_, err := c.wait(t, waitOpts{interruptible: true, timed: true, deadline: deadline})
	return time.Until(deadline), err
}

// AwaitTimeout is like AwaitNanos but reports whether t was signalled
// before the timeout.
func (c *Condition) AwaitTimeout(t *park.Thread, d time.Duration) (bool, error) {
	return c.AwaitUntil(t, time.Now().Add(d))
}

// AwaitUntil causes t to wait until it is signalled, interrupted, or
// deadline passes. It returns false if the deadline passed first.
func (c *Condition) AwaitUntil(t *park.Thread, deadline time.Time) (bool, error) {
	timedOut, err := c.wait(t, waitOpts{interruptible: true, timed: true, deadline: deadline})
	return !timedOut, err
}

// AwaitContext causes t to wait until it is signalled, interrupted, or ctx
// is done, in which case it returns ctx.Err() after reacquiring.
func (c *Condition) AwaitContext(ctx context.Context, t *park.Thread) error {
	_, err := c.wait(t, waitOpts{interruptible: true, ctx: ctx})
	return err
}

func (c *Condition) checkHeld(t *park.Thread) error {
	if !c.sync.hooks.IsHeldExclusively(c.sync, t) {
		return ErrIllegalMonitorState
	}
	return nil
}

func (c *Condition) hasWaiters(t *park.Thread) (bool, error) {
	if err := c.checkHeld(t); err != nil {
		return false, err
	}
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.waitStatus.Load() == statusCondition {
			return true, nil
		}
	}
	return false, nil
}

func (c *Condition) waitQueueLength(t *park.Thread) (int, error) {
	if err := c.checkHeld(t); err != nil {
		return 0, err
	}
	n := 0
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.waitStatus.Load() == statusCondition {
			n++
		}
	}
	return n, nil
}

func (c *Condition) waitingThreads(t *park.Thread) ([]*park.Thread, error) {
	if err := c.checkHeld(t); err != nil {
		return nil, err
	}
	var ts []*park.Thread
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.waitStatus.Load() != statusCondition {
			continue
		}
		if th := w.thread.Load(); th != nil {
			ts = append(ts, th)
		}
	}
	return ts, nil
}
