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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/test/testutil"
)

func TestIntrospectionEmpty(t *testing.T) {
	s := New(testMutex{})
	th := park.NewThread("t")
	if s.HasQueuedThreads() {
		t.Errorf("HasQueuedThreads() = true on a new Sync")
	}
	if s.HasContended() {
		t.Errorf("HasContended() = true on a new Sync")
	}
	if got := s.QueueLength(); got != 0 {
		t.Errorf("QueueLength() = %d, want 0", got)
	}
	if got := s.FirstQueuedThread(); got != nil {
		t.Errorf("FirstQueuedThread() = %v, want nil", got)
	}
	if got := s.QueuedThreads(); len(got) != 0 {
		t.Errorf("QueuedThreads() = %v, want none", got)
	}
	if s.IsQueued(th) {
		t.Errorf("IsQueued() = true on a new Sync")
	}
	if s.HasQueuedPredecessors(th) {
		t.Errorf("HasQueuedPredecessors() = true on a new Sync")
	}
	if s.FirstQueuedIsExclusive() {
		t.Errorf("FirstQueuedIsExclusive() = true on a new Sync")
	}
}

func TestIsQueuedNil(t *testing.T) {
	s := New(testMutex{})
	defer func() {
		if recover() == nil {
			t.Errorf("IsQueued(nil) did not panic")
		}
	}()
	s.IsQueued(nil)
}

// TestIsQueuedInterval checks that IsQueued holds exactly between enqueue
// and dequeue, for both acquisition and cancellation.
func TestIsQueuedInterval(t *testing.T) {
	s := New(testMutex{})
	main := park.NewThread("main")
	s.Acquire(main, 1)

	acquirer := testutil.Go("acquirer", func(th *park.Thread) error {
		s.Acquire(th, 1)
		if s.IsQueued(th) {
			t.Errorf("IsQueued() = true for the holder")
		}
		s.Release(th, 1)
		return nil
	})
	waitQueued(t, s, acquirer.Thread)
	canceller := testutil.Go("canceller", func(th *park.Thread) error {
		return s.AcquireInterruptibly(th, 1)
	})
	waitQueued(t, s, canceller.Thread)
	if s.IsQueued(main) {
		t.Errorf("IsQueued() = true for the holder")
	}
	if !s.HasQueuedPredecessors(canceller.Thread) {
		t.Errorf("HasQueuedPredecessors(canceller) = false behind acquirer")
	}
	if s.HasQueuedPredecessors(acquirer.Thread) {
		t.Errorf("HasQueuedPredecessors(acquirer) = true for the first waiter")
	}
	if !s.FirstQueuedIsExclusive() {
		t.Errorf("FirstQueuedIsExclusive() = false")
	}

	canceller.Interrupt()
	if err := canceller.Join(joinTimeout); err == nil {
		t.Fatalf("AcquireInterruptibly succeeded while held")
	}
	if s.IsQueued(canceller.Thread) {
		t.Errorf("IsQueued() = true after cancellation")
	}
	if !s.IsQueued(acquirer.Thread) {
		t.Errorf("IsQueued() = false for a waiting thread")
	}

	s.Release(main, 1)
	join(t, acquirer)
	if s.IsQueued(acquirer.Thread) {
		t.Errorf("IsQueued() = true after acquisition")
	}
}

func TestFirstQueuedIsExclusiveShared(t *testing.T) {
	s := New(testLatch{})
	th := testutil.Go("reader", func(th *park.Thread) error {
		s.AcquireShared(th, 1)
		return nil
	})
	waitQueued(t, s, th.Thread)
	if s.FirstQueuedIsExclusive() {
		t.Errorf("FirstQueuedIsExclusive() = true with a shared waiter first")
	}
	if diff := cmp.Diff([]string{"reader"}, names(s.SharedQueuedThreads())); diff != "" {
		t.Errorf("SharedQueuedThreads() mismatch (-want +got):\n%s", diff)
	}
	s.ReleaseShared(th.Thread, 1)
	join(t, th)
}

func TestString(t *testing.T) {
	s := New(testMutex{})
	th := park.NewThread("t")
	if got, want := s.String(), "Sync{state=0, queue=empty}"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	s.Acquire(th, 1)
	w := testutil.Go("waiter", func(th *park.Thread) error {
		s.Acquire(th, 1)
		s.Release(th, 1)
		return nil
	})
	waitQueued(t, s, w.Thread)
	if got := s.String(); !strings.Contains(got, "state=1") || !strings.Contains(got, "queue=nonempty") {
		t.Errorf("String() = %q, want state=1 and a nonempty queue", got)
	}
	s.Release(th, 1)
	join(t, w)
}
