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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/test/testutil"
)

// waitForWaiters polls until c has want waiters, acquiring s as main to
// inspect it.
func waitForWaiters(t *testing.T, s *Sync, c *Condition, main *park.Thread, want int) {
	t.Helper()
	if err := testutil.Poll(func() error {
		s.Acquire(main, 1)
		defer s.Release(main, 1)
		got, err := s.WaitQueueLength(main, c)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("WaitQueueLength() = %d, want %d", got, want)
		}
		return nil
	}, pollTimeout); err != nil {
		t.Fatal(err)
	}
}

func TestAwaitSignal(t *testing.T) {
	s := New(testMutex{})
	c := s.NewCondition()
	main := park.NewThread("main")

	th := testutil.Go("waiter", func(th *park.Thread) error {
		s.Acquire(th, 1)
		if err := c.Await(th); err != nil {
			return err
		}
		if s.ExclusiveOwner() != th {
			return fmt.Errorf("owner after Await = %v, want %v", s.ExclusiveOwner(), th)
		}
		s.Release(th, 1)
		return nil
	})
	waitForWaiters(t, s, c, main, 1)

	s.Acquire(main, 1)
	if ok, err := s.HasWaiters(main, c); !ok || err != nil {
		t.Errorf("HasWaiters() = %t, %v, want true, nil", ok, err)
	}
	if err := c.Signal(main); err != nil {
		t.Fatalf("Signal() = %v", err)
	}
	if ok, err := s.HasWaiters(main, c); ok || err != nil {
		t.Errorf("HasWaiters() after Signal = %t, %v, want false, nil", ok, err)
	}
	// The signalled thread waits for the mutex like any other.
	if !s.IsQueued(th.Thread) {
		t.Errorf("signalled thread is not on the sync queue")
	}
	s.Release(main, 1)
	join(t, th)
}

// TestAwaitRestoresHoldCount checks that Await releases a reentrant hold
// completely and restores it on return.
func TestAwaitRestoresHoldCount(t *testing.T) {
	const holds = 3
	s := New(testReentrant{})
	c := s.NewCondition()
	main := park.NewThread("main")

	th := testutil.Go("waiter", func(th *park.Thread) error {
		for i := 0; i < holds; i++ {
			s.Acquire(th, 1)
		}
		if err := c.Await(th); err != nil {
			return err
		}
		if got := s.State(); got != holds {
			return fmt.Errorf("hold count after Await = %d, want %d", got, holds)
		}
		if s.ExclusiveOwner() != th {
			return fmt.Errorf("owner after Await = %v, want %v", s.ExclusiveOwner(), th)
		}
		for i := 0; i < holds; i++ {
			s.Release(th, 1)
		}
		return nil
	})
	waitForWaiters(t, s, c, main, 1)

	s.Acquire(main, 1)
	if got := s.State(); got != 1 {
		t.Errorf("State() while waiter awaits = %d, want 1", got)
	}
	if err := c.Signal(main); err != nil {
		t.Fatalf("Signal() = %v", err)
	}
	s.Release(main, 1)
	join(t, th)
	if got := s.State(); got != 0 {
		t.Errorf("State() = %d, want 0", got)
	}
}

func TestConditionRequiresHold(t *testing.T) {
	s := New(testReentrant{})
	c := s.NewCondition()
	th := park.NewThread("t")
	if err := c.Await(th); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("Await() = %v, want %v", err, ErrIllegalMonitorState)
	}
	if _, err := c.AwaitNanos(th, time.Millisecond); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("AwaitNanos() = %v, want %v", err, ErrIllegalMonitorState)
	}
	if err := c.AwaitUninterruptibly(th); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("AwaitUninterruptibly() = %v, want %v", err, ErrIllegalMonitorState)
	}
	if err := c.Signal(th); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("Signal() = %v, want %v", err, ErrIllegalMonitorState)
	}
	if err := c.SignalAll(th); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("SignalAll() = %v, want %v", err, ErrIllegalMonitorState)
	}
	if _, err := s.HasWaiters(th, c); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("HasWaiters() = %v, want %v", err, ErrIllegalMonitorState)
	}
	if _, err := s.WaitQueueLength(th, c); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("WaitQueueLength() = %v, want %v", err, ErrIllegalMonitorState)
	}
	if _, err := s.WaitingThreads(th, c); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("WaitingThreads() = %v, want %v", err, ErrIllegalMonitorState)
	}

	// Held by another thread.
	other := park.NewThread("other")
	s.Acquire(other, 1)
	if err := c.Signal(th); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("Signal() by non-owner = %v, want %v", err, ErrIllegalMonitorState)
	}
	if got := s.State(); got != 1 {
		t.Errorf("State() = %d, want 1", got)
	}
}

func TestConditionOwnership(t *testing.T) {
	s := New(testMutex{})
	other := New(testMutex{})
	c := other.NewCondition()
	th := park.NewThread("t")
	s.Acquire(th, 1)

	if _, err := s.HasWaiters(th, nil); !errors.Is(err, ErrNilCondition) {
		t.Errorf("HasWaiters(nil) = %v, want %v", err, ErrNilCondition)
	}
	if _, err := s.WaitQueueLength(th, nil); !errors.Is(err, ErrNilCondition) {
		t.Errorf("WaitQueueLength(nil) = %v, want %v", err, ErrNilCondition)
	}
	if _, err := s.WaitingThreads(th, nil); !errors.Is(err, ErrNilCondition) {
		t.Errorf("WaitingThreads(nil) = %v, want %v", err, ErrNilCondition)
	}
	if _, err := s.HasWaiters(th, c); !errors.Is(err, ErrNotOwner) {
		t.Errorf("HasWaiters(foreign) = %v, want %v", err, ErrNotOwner)
	}
	if _, err := s.WaitQueueLength(th, c); !errors.Is(err, ErrNotOwner) {
		t.Errorf("WaitQueueLength(foreign) = %v, want %v", err, ErrNotOwner)
	}
	if _, err := s.WaitingThreads(th, c); !errors.Is(err, ErrNotOwner) {
		t.Errorf("WaitingThreads(foreign) = %v, want %v", err, ErrNotOwner)
	}
	if s.Owns(c) || !other.Owns(c) || s.Owns(nil) {
		t.Errorf("Owns() reports the wrong owner")
	}
}

func TestAwaitInterruptedBeforeSignal(t *testing.T) {
	s := New(testMutex{})
	c := s.NewCondition()
	main := park.NewThread("main")

	th := testutil.Go("waiter", func(th *park.Thread) error {
		s.Acquire(th, 1)
		defer s.Release(th, 1)
		err := c.Await(th)
		if s.ExclusiveOwner() != th {
			return fmt.Errorf("Await returned without the mutex: %v", err)
		}
		return err
	})
	waitForWaiters(t, s, c, main, 1)
	th.Interrupt()
	if err := th.Join(joinTimeout); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Await() = %v, want %v", err, ErrInterrupted)
	}
	if th.IsInterrupted() {
		t.Errorf("interrupt flag still set after ErrInterrupted")
	}

	s.Acquire(main, 1)
	defer s.Release(main, 1)
	if ok, err := s.HasWaiters(main, c); ok || err != nil {
		t.Errorf("HasWaiters() = %t, %v, want false, nil", ok, err)
	}
}

// TestAwaitInterruptedAfterSignal interrupts a waiter that has been signalled
// but cannot yet reacquire. The wait completes normally and the interrupt is
// reasserted.
func TestAwaitInterruptedAfterSignal(t *testing.T) {
	s := New(testMutex{})
	c := s.NewCondition()
	main := park.NewThread("main")

	interrupted := make(chan bool, 1)
	th := testutil.Go("waiter", func(th *park.Thread) error {
		s.Acquire(th, 1)
		defer s.Release(th, 1)
		err := c.Await(th)
		interrupted <- th.IsInterrupted()
		return err
	})
	waitForWaiters(t, s, c, main, 1)

	s.Acquire(main, 1)
	if err := c.Signal(main); err != nil {
		t.Fatalf("Signal() = %v", err)
	}
	th.Interrupt()
	s.Release(main, 1)
	if err := th.Join(joinTimeout); err != nil {
		t.Fatalf("Await() = %v, want nil", err)
	}
	if !<-interrupted {
		t.Errorf("interrupt was not reasserted")
	}
}

func TestAwaitUninterruptibly(t *testing.T) {
	s := New(testMutex{})
	c := s.NewCondition()
	main := park.NewThread("main")

	interrupted := make(chan bool, 1)
	th := testutil.Go("waiter", func(th *park.Thread) error {
		s.Acquire(th, 1)
		defer s.Release(th, 1)
		err := c.AwaitUninterruptibly(th)
		interrupted <- th.IsInterrupted()
		return err
	})
	waitForWaiters(t, s, c, main, 1)
	th.Interrupt()
	time.Sleep(10 * time.Millisecond)
	if !th.Alive() {
		t.Fatalf("AwaitUninterruptibly returned before a signal")
	}

	s.Acquire(main, 1)
	if err := c.Signal(main); err != nil {
		t.Fatalf("Signal() = %v", err)
	}
	s.Release(main, 1)
	join(t, th)
	if !<-interrupted {
		t.Errorf("interrupt was not reasserted")
	}
}

func TestAwaitTimeouts(t *testing.T) {
	s := New(testMutex{})
	c := s.NewCondition()
	th := park.NewThread("t")
	s.Acquire(th, 1)
	defer s.Release(th, 1)

	left, err := c.AwaitNanos(th, 10*time.Millisecond)
	if err != nil || left > 0 {
		t.Errorf("AwaitNanos() = %v, %v, want <= 0, nil", left, err)
	}
	if s.ExclusiveOwner() != th {
		t.Errorf("AwaitNanos returned without the mutex")
	}

	ok, err := c.AwaitTimeout(th, 10*time.Millisecond)
	if ok || err != nil {
		t.Errorf("AwaitTimeout() = %t, %v, want false, nil", ok, err)
	}

	ok, err = c.AwaitUntil(th, time.Now().Add(10*time.Millisecond))
	if ok || err != nil {
		t.Errorf("AwaitUntil() = %t, %v, want false, nil", ok, err)
	}

	// A deadline in the past still releases and reacquires.
	ok, err = c.AwaitUntil(th, time.Now().Add(-time.Second))
	if ok || err != nil {
		t.Errorf("AwaitUntil(past) = %t, %v, want false, nil", ok, err)
	}
	if ok, _ := s.HasWaiters(th, c); ok {
		t.Errorf("timed-out waiters left on the condition")
	}
}

func TestAwaitNanosSignalled(t *testing.T) {
	s := New(testMutex{})
	c := s.NewCondition()
	main := park.NewThread("main")

	th := testutil.Go("waiter", func(th *park.Thread) error {
		s.Acquire(th, 1)
		defer s.Release(th, 1)
		left, err := c.AwaitNanos(th, time.Minute)
		if err != nil {
			return err
		}
		if left <= 0 {
			return fmt.Errorf("AwaitNanos timed out with %v left", left)
		}
		return nil
	})
	waitForWaiters(t, s, c, main, 1)
	s.Acquire(main, 1)
	c.Signal(main)
	s.Release(main, 1)
	join(t, th)
}

func TestAwaitContext(t *testing.T) {
	s := New(testMutex{})
	c := s.NewCondition()
	main := park.NewThread("main")

	ctx, cancel := context.WithCancel(context.Background())
	th := testutil.Go("waiter", func(th *park.Thread) error {
		s.Acquire(th, 1)
		defer s.Release(th, 1)
		return c.AwaitContext(ctx, th)
	})
	waitForWaiters(t, s, c, main, 1)
	cancel()
	if err := th.Join(joinTimeout); !errors.Is(err, context.Canceled) {
		t.Fatalf("AwaitContext() = %v, want %v", err, context.Canceled)
	}
	waitForWaiters(t, s, c, main, 0)
}

func TestSignalAll(t *testing.T) {
	const waiters = 4
	s := New(testMutex{})
	c := s.NewCondition()
	main := park.NewThread("main")

	var ths []*testutil.Thread
	for i := 0; i < waiters; i++ {
		ths = append(ths, testutil.Go(fmt.Sprintf("w%d", i), func(th *park.Thread) error {
			s.Acquire(th, 1)
			defer s.Release(th, 1)
			return c.Await(th)
		}))
		// Queue the waiters in a known order.
		waitForWaiters(t, s, c, main, i+1)
	}

	s.Acquire(main, 1)
	ts, err := s.WaitingThreads(main, c)
	if err != nil {
		t.Fatalf("WaitingThreads() = %v", err)
	}
	if diff := cmp.Diff([]string{"w0", "w1", "w2", "w3"}, names(ts)); diff != "" {
		t.Errorf("WaitingThreads() mismatch (-want +got):\n%s", diff)
	}
	if err := c.SignalAll(main); err != nil {
		t.Fatalf("SignalAll() = %v", err)
	}
	if n, _ := s.WaitQueueLength(main, c); n != 0 {
		t.Errorf("WaitQueueLength() after SignalAll = %d, want 0", n)
	}
	if diff := cmp.Diff([]string{"w0", "w1", "w2", "w3"}, names(s.QueuedThreads())); diff != "" {
		t.Errorf("QueuedThreads() after SignalAll mismatch (-want +got):\n%s", diff)
	}
	s.Release(main, 1)
	join(t, ths...)
}

// TestSignalAllWithCancelledWaiters cancels some waiters before SignalAll and
// checks that every remaining waiter is transferred exactly once.
func TestSignalAllWithCancelledWaiters(t *testing.T) {
	const waiters = 6
	s := New(testMutex{})
	c := s.NewCondition()
	main := park.NewThread("main")

	var ths []*testutil.Thread
	for i := 0; i < waiters; i++ {
		ths = append(ths, testutil.Go(fmt.Sprintf("w%d", i), func(th *park.Thread) error {
			s.Acquire(th, 1)
			defer s.Release(th, 1)
			return c.Await(th)
		}))
	}
	waitForWaiters(t, s, c, main, waiters)

	for i := 0; i < waiters; i += 2 {
		ths[i].Interrupt()
	}
	for i := 0; i < waiters; i += 2 {
		if err := ths[i].Join(joinTimeout); !errors.Is(err, ErrInterrupted) {
			t.Errorf("%v: got %v, want %v", ths[i].Thread, err, ErrInterrupted)
		}
	}

	s.Acquire(main, 1)
	if n, _ := s.WaitQueueLength(main, c); n != waiters/2 {
		t.Errorf("WaitQueueLength() = %d, want %d", n, waiters/2)
	}
	if err := c.SignalAll(main); err != nil {
		t.Fatalf("SignalAll() = %v", err)
	}
	if got := s.QueueLength(); got != waiters/2 {
		t.Errorf("QueueLength() after SignalAll = %d, want %d", got, waiters/2)
	}
	s.Release(main, 1)
	for i := 1; i < waiters; i += 2 {
		if err := ths[i].Join(joinTimeout); err != nil {
			t.Errorf("%v: %v", ths[i].Thread, err)
		}
	}
	if s.HasQueuedThreads() {
		t.Errorf("HasQueuedThreads() = true after all waiters finished")
	}
}

// TestSignalAllRacesCancellation interrupts half of the waiters while
// SignalAll runs. Every waiter must leave Await exactly once, either
// transferred by the signal or cancelled by its interrupt, and the queue must
// end empty.
func TestSignalAllRacesCancellation(t *testing.T) {
	const waiters = 6
	for i := 0; i < 30; i++ {
		s := New(testMutex{})
		c := s.NewCondition()
		main := park.NewThread("main")

		var returns [waiters]atomic.Int32
		var ths []*testutil.Thread
		for w := 0; w < waiters; w++ {
			w := w // Per-iteration copy for pre-Go 1.22 loop semantics.
			ths = append(ths, testutil.Go(fmt.Sprintf("w%d", w), func(th *park.Thread) error {
				s.Acquire(th, 1)
				defer s.Release(th, 1)
				err := c.Await(th)
				returns[w].Add(1)
				// Drop an interrupt that arrived after the transfer.
				th.Interrupted()
				if err != nil && !errors.Is(err, ErrInterrupted) {
					return err
				}
				return nil
			}))
		}
		waitForWaiters(t, s, c, main, waiters)

		start := make(chan struct{})
		var interrupters sync.WaitGroup
		for w := 0; w < waiters; w += 2 {
			w := w // Per-iteration copy for pre-Go 1.22 loop semantics.
			interrupters.Add(1)
			go func() {
				defer interrupters.Done()
				<-start
				ths[w].Interrupt()
			}()
		}

		s.Acquire(main, 1)
		close(start)
		if err := c.SignalAll(main); err != nil {
			t.Fatalf("iteration %d: SignalAll() = %v", i, err)
		}
		if n, _ := s.WaitQueueLength(main, c); n != 0 {
			t.Errorf("iteration %d: WaitQueueLength() after SignalAll = %d, want 0", i, n)
		}
		s.Release(main, 1)
		interrupters.Wait()

		for w, th := range ths {
			if err := th.Join(joinTimeout); err != nil {
				t.Fatalf("iteration %d: %v: %v", i, th.Thread, err)
			}
			if n := returns[w].Load(); n != 1 {
				t.Errorf("iteration %d: %v returned from Await %d times, want 1", i, th.Thread, n)
			}
		}
		if s.HasQueuedThreads() {
			t.Errorf("iteration %d: HasQueuedThreads() = true after all waiters finished", i)
		}
		if !s.TryAcquire(main, 1) {
			t.Fatalf("iteration %d: TryAcquire failed after all waiters finished", i)
		}
	}
}

func TestSignalWithoutWaiters(t *testing.T) {
	s := New(testMutex{})
	c := s.NewCondition()
	th := park.NewThread("t")
	s.Acquire(th, 1)
	defer s.Release(th, 1)
	if err := c.Signal(th); err != nil {
		t.Errorf("Signal() = %v", err)
	}
	if err := c.SignalAll(th); err != nil {
		t.Errorf("SignalAll() = %v", err)
	}
	if s.HasQueuedThreads() {
		t.Errorf("HasQueuedThreads() = true")
	}
}
