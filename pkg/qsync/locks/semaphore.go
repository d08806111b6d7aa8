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

package locks

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/qsync"
)

// semaphoreHooks implements qsync.Hooks for Semaphore. The state is the
// number of available permits.
type semaphoreHooks struct {
	qsync.UnimplementedHooks
	fair bool
}

// TryAcquireShared implements qsync.Hooks.TryAcquireShared.
func (h *semaphoreHooks) TryAcquireShared(s *qsync.Sync, t *park.Thread, acquires int64) int64 {
	for {
		if h.fair && s.HasQueuedPredecessors(t) {
			return -1
		}
		avail := s.State()
		remaining := avail - acquires
		if remaining < 0 || s.CompareAndSetState(avail, remaining) {
			return remaining
		}
	}
}

// TryReleaseShared implements qsync.Hooks.TryReleaseShared.
func (h *semaphoreHooks) TryReleaseShared(s *qsync.Sync, _ *park.Thread, releases int64) bool {
	for {
		cur := s.State()
		next := cur + releases
		if next < cur {
			panic("locks: maximum permit count exceeded")
		}
		if s.CompareAndSetState(cur, next) {
			return true
		}
	}
}

// Semaphore is a counting semaphore. Acquiring takes permits, blocking until
// enough are available; releasing returns them and wakes waiters.
type Semaphore struct {
	s     qsync.Sync
	hooks semaphoreHooks
}

// NewSemaphore returns a Semaphore with the given number of permits, which
// may be negative.
func NewSemaphore(permits int64, fair bool) *Semaphore {
	sem := &Semaphore{hooks: semaphoreHooks{fair: fair}}
	sem.s.Init(&sem.hooks)
	sem.s.SetState(permits)
	return sem
}

func checkPermits(n int64) {
	if n < 0 {
		panic(fmt.Sprintf("locks: negative permit count %d", n))
	}
}

// Acquire takes one permit, waiting until one is available or t is
// interrupted.
func (sem *Semaphore) Acquire(t *park.Thread) error {
	return sem.s.AcquireSharedInterruptibly(t, 1)
}

// AcquireN takes n permits, waiting until they are available or t is
// interrupted.
func (sem *Semaphore) AcquireN(t *park.Thread, n int64) error {
	checkPermits(n)
	return sem.s.AcquireSharedInterruptibly(t, n)
}

// AcquireUninterruptibly takes n permits, waiting until they are available.
func (sem *Semaphore) AcquireUninterruptibly(t *park.Thread, n int64) {
	checkPermits(n)
	sem.s.AcquireShared(t, n)
}

// AcquireContext takes n permits, waiting until they are available, t is
// interrupted or ctx is done.
func (sem *Semaphore) AcquireContext(ctx context.Context, t *park.Thread, n int64) error {
	checkPermits(n)
	return sem.s.AcquireSharedContext(ctx, t, n)
}

// TryAcquire takes n permits if they are available now. It barges even on a
// fair semaphore.
func (sem *Semaphore) TryAcquire(n int64) bool {
	checkPermits(n)
	for {
		avail := sem.s.State()
		remaining := avail - n
		if remaining < 0 {
			return false
		}
		if sem.s.CompareAndSetState(avail, remaining) {
			return true
		}
	}
}

// TryAcquireTimeout takes n permits, waiting at most d for them.
func (sem *Semaphore) TryAcquireTimeout(t *park.Thread, n int64, d time.Duration) (bool, error) {
	checkPermits(n)
	return sem.s.TryAcquireSharedNanos(t, n, d)
}

// Release returns n permits. The releasing thread need not have acquired
// them.
func (sem *Semaphore) Release(t *park.Thread, n int64) {
	checkPermits(n)
	sem.s.ReleaseShared(t, n)
}

// AvailablePermits returns the number of permits currently available.
func (sem *Semaphore) AvailablePermits() int64 {
	return sem.s.State()
}

// DrainPermits takes all available permits and returns their number.
func (sem *Semaphore) DrainPermits() int64 {
	for {
		cur := sem.s.State()
		if cur == 0 || sem.s.CompareAndSetState(cur, 0) {
			return cur
		}
	}
}

// ReducePermits removes n permits without waiting. The count may go
// negative.
func (sem *Semaphore) ReducePermits(n int64) {
	checkPermits(n)
	for {
		cur := sem.s.State()
		next := cur - n
		if next > cur {
			panic("locks: permit count underflow")
		}
		if sem.s.CompareAndSetState(cur, next) {
			return
		}
	}
}

// IsFair returns true if sem grants permits in queue order.
func (sem *Semaphore) IsFair() bool {
	return sem.hooks.fair
}

// HasQueuedThreads returns true if any thread is waiting for permits.
func (sem *Semaphore) HasQueuedThreads() bool {
	return sem.s.HasQueuedThreads()
}

// QueueLength returns an estimate of the number of waiting threads.
func (sem *Semaphore) QueueLength() int {
	return sem.s.QueueLength()
}

// Sync returns the synchronizer backing sem, for introspection.
func (sem *Semaphore) Sync() *qsync.Sync {
	return &sem.s
}

// String implements fmt.Stringer.
func (sem *Semaphore) String() string {
	return fmt.Sprintf("Semaphore[permits=%d]", sem.s.State())
}
