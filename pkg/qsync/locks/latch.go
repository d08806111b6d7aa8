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

// latchHooks implements qsync.Hooks for CountDownLatch. The state is the
// remaining count.
type latchHooks struct {
	qsync.UnimplementedHooks
}

// TryAcquireShared implements qsync.Hooks.TryAcquireShared.
func (latchHooks) TryAcquireShared(s *qsync.Sync, _ *park.Thread, _ int64) int64 {
	if s.State() == 0 {
		return 1
	}
	return -1
}

// TryReleaseShared implements qsync.Hooks.TryReleaseShared. Only the count
// down that reaches zero releases waiters.
func (latchHooks) TryReleaseShared(s *qsync.Sync, _ *park.Thread, _ int64) bool {
	for {
		c := s.State()
		if c == 0 {
			return false
		}
		if s.CompareAndSetState(c, c-1) {
			return c == 1
		}
	}
}

// CountDownLatch lets threads wait until a count of events has happened. It
// cannot be reset.
type CountDownLatch struct {
	s qsync.Sync
}

// NewCountDownLatch returns a latch that opens after count calls to
// CountDown. It panics if count is negative.
func NewCountDownLatch(count int64) *CountDownLatch {
	if count < 0 {
		panic(fmt.Sprintf("locks: negative latch count %d", count))
	}
	l := &CountDownLatch{}
	l.s.Init(latchHooks{})
	l.s.SetState(count)
	return l
}

// Await waits until the count reaches zero or t is interrupted.
func (l *CountDownLatch) Await(t *park.Thread) error {
	return l.s.AcquireSharedInterruptibly(t, 1)
}

// AwaitTimeout waits at most d for the count to reach zero. It returns false
// if the timeout elapsed first.
func (l *CountDownLatch) AwaitTimeout(t *park.Thread, d time.Duration) (bool, error) {
	return l.s.TryAcquireSharedNanos(t, 1, d)
}

// AwaitContext waits until the count reaches zero, t is interrupted or ctx
// is done.
func (l *CountDownLatch) AwaitContext(ctx context.Context, t *park.Thread) error {
	return l.s.AcquireSharedContext(ctx, t, 1)
}

// CountDown decrements the count, releasing all waiters when it reaches
// zero. It does nothing once the count is zero.
func (l *CountDownLatch) CountDown(t *park.Thread) {
	l.s.ReleaseShared(t, 1)
}

// Count returns the current count.
func (l *CountDownLatch) Count() int64 {
	return l.s.State()
}

// Sync returns the synchronizer backing l, for introspection.
func (l *CountDownLatch) Sync() *qsync.Sync {
	return &l.s
}

// String implements fmt.Stringer.
func (l *CountDownLatch) String() string {
	return fmt.Sprintf("CountDownLatch[count=%d]", l.s.State())
}
