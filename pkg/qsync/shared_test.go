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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/test/testutil"
)

func TestLatchReleasesAllWaiters(t *testing.T) {
	const waiters = 5
	s := New(testLatch{})
	var ths []*testutil.Thread
	for i := 0; i < waiters; i++ {
		ths = append(ths, testutil.Go(fmt.Sprintf("w%d", i), func(th *park.Thread) error {
			s.AcquireShared(th, 1)
			return nil
		}))
	}
	waitQueueLength(t, s, waiters)
	if got := len(s.SharedQueuedThreads()); got != waiters {
		t.Errorf("len(SharedQueuedThreads()) = %d, want %d", got, waiters)
	}
	if got := s.ExclusiveQueuedThreads(); len(got) != 0 {
		t.Errorf("ExclusiveQueuedThreads() = %v, want none", got)
	}

	if !s.ReleaseShared(park.NewThread("releaser"), 1) {
		t.Fatalf("ReleaseShared() = false, want true")
	}
	join(t, ths...)
	if s.HasQueuedThreads() {
		t.Errorf("HasQueuedThreads() = true after release")
	}

	// Once released, acquires take the fast path.
	if got := s.TryAcquireShared(park.NewThread("late"), 1); got < 0 {
		t.Errorf("TryAcquireShared() = %d after release, want >= 0", got)
	}
}

func TestAcquireSharedInterruptibly(t *testing.T) {
	s := New(testLatch{})
	th := testutil.Go("waiter", func(th *park.Thread) error {
		return s.AcquireSharedInterruptibly(th, 1)
	})
	waitQueued(t, s, th.Thread)
	th.Interrupt()
	if err := th.Join(joinTimeout); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("AcquireSharedInterruptibly = %v, want %v", err, ErrInterrupted)
	}
	if s.HasQueuedThreads() {
		t.Errorf("cancelled waiter still queued")
	}

	pre := park.NewThread("pre")
	pre.Interrupt()
	s.ReleaseShared(pre, 1)
	if err := s.AcquireSharedInterruptibly(pre, 1); !errors.Is(err, ErrInterrupted) {
		t.Errorf("AcquireSharedInterruptibly with interrupt pending = %v, want %v", err, ErrInterrupted)
	}
}

func TestAcquireSharedReassertsInterrupt(t *testing.T) {
	s := New(testLatch{})
	interrupted := make(chan bool, 1)
	th := testutil.Go("waiter", func(th *park.Thread) error {
		s.AcquireShared(th, 1)
		interrupted <- th.IsInterrupted()
		return nil
	})
	waitQueued(t, s, th.Thread)
	th.Interrupt()
	time.Sleep(10 * time.Millisecond)
	if !th.Alive() {
		t.Fatalf("AcquireShared returned before release")
	}
	s.ReleaseShared(park.NewThread("releaser"), 1)
	join(t, th)
	if !<-interrupted {
		t.Errorf("interrupt was not reasserted after AcquireShared")
	}
}

func TestTryAcquireSharedNanos(t *testing.T) {
	s := New(testLatch{})
	th := park.NewThread("waiter")
	ok, err := s.TryAcquireSharedNanos(th, 1, 20*time.Millisecond)
	if ok || err != nil {
		t.Errorf("TryAcquireSharedNanos on closed latch = %t, %v, want false, nil", ok, err)
	}
	if s.HasQueuedThreads() {
		t.Errorf("timed-out waiter still queued")
	}

	w := testutil.Go("waiter", func(th *park.Thread) error {
		ok, err := s.TryAcquireSharedNanos(th, 1, time.Minute)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("timed out")
		}
		return nil
	})
	waitQueued(t, s, w.Thread)
	s.ReleaseShared(th, 1)
	join(t, w)
}

func TestAcquireSharedContext(t *testing.T) {
	s := New(testLatch{})
	ctx, cancel := context.WithCancel(context.Background())
	th := testutil.Go("waiter", func(th *park.Thread) error {
		return s.AcquireSharedContext(ctx, th, 1)
	})
	waitQueued(t, s, th.Thread)
	cancel()
	if err := th.Join(joinTimeout); !errors.Is(err, context.Canceled) {
		t.Fatalf("AcquireSharedContext = %v, want %v", err, context.Canceled)
	}
	if s.HasQueuedThreads() {
		t.Errorf("cancelled waiter still queued")
	}
}

// TestSharedPropagationStopsAtExclusive checks that a shared release wakes
// the shared waiters ahead of an exclusive waiter, and that the exclusive
// waiter still gets the synchronizer afterwards.
func TestSharedPropagationStopsAtExclusive(t *testing.T) {
	s := New(testGate{})
	main := park.NewThread("main")
	s.Acquire(main, 1)

	shared := func(th *park.Thread) error {
		s.AcquireShared(th, 1)
		s.ReleaseShared(th, 1)
		return nil
	}
	r1 := testutil.Go("r1", shared)
	waitQueued(t, s, r1.Thread)
	r2 := testutil.Go("r2", shared)
	waitQueued(t, s, r2.Thread)
	w := testutil.Go("w", func(th *park.Thread) error {
		s.Acquire(th, 1)
		s.Release(th, 1)
		return nil
	})
	waitQueued(t, s, w.Thread)
	r3 := testutil.Go("r3", shared)
	waitQueued(t, s, r3.Thread)

	if diff := cmp.Diff([]string{"r1", "r2", "w", "r3"}, names(s.QueuedThreads())); diff != "" {
		t.Errorf("QueuedThreads() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"r1", "r2", "r3"}, names(s.SharedQueuedThreads())); diff != "" {
		t.Errorf("SharedQueuedThreads() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"w"}, names(s.ExclusiveQueuedThreads())); diff != "" {
		t.Errorf("ExclusiveQueuedThreads() mismatch (-want +got):\n%s", diff)
	}

	s.Release(main, 1)
	join(t, r1, r2, w, r3)
	if s.HasQueuedThreads() {
		t.Errorf("HasQueuedThreads() = true after all threads finished")
	}
}
