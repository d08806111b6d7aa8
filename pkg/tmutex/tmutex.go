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

// Package tmutex provides a non-reentrant mutex that implements an efficient
// TryLock function in addition to Lock and Unlock, on top of a queued
// synchronizer.
//
// Unlike sync.Mutex, waiters are queued in arrival order, waits can be
// interrupted or timed, and the mutex supports conditions.
//
// Like sync.Mutex, a Mutex is not tied to the thread that locked it. Condition
// operations therefore only check that the mutex is locked, not that the
// caller locked it: a thread that does not hold the mutex can Signal, and an
// Await from such a thread releases the mutex on behalf of its holder. Use
// locks.ReentrantLock where condition operations must fail with
// qsync.ErrIllegalMonitorState for every thread but the owner.
package tmutex

import (
	"time"

	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/qsync"
)

// Mutex state values.
const (
	unlocked = 0
	locked   = 1
)

// hooks implements qsync.Hooks for Mutex.
type hooks struct {
	qsync.UnimplementedHooks
}

// TryAcquire implements qsync.Hooks.TryAcquire.
func (hooks) TryAcquire(s *qsync.Sync, t *park.Thread, _ int64) bool {
	if s.CompareAndSetState(unlocked, locked) {
		s.SetExclusiveOwner(t)
		return true
	}
	return false
}

// TryRelease implements qsync.Hooks.TryRelease.
func (hooks) TryRelease(s *qsync.Sync, _ *park.Thread, _ int64) bool {
	if s.State() == unlocked {
		panic("tmutex: unlock of unlocked mutex")
	}
	s.SetExclusiveOwner(nil)
	s.SetState(unlocked)
	return true
}

// IsHeldExclusively implements qsync.Hooks.IsHeldExclusively. The mutex does
// not track its owner for this purpose: any thread may unlock it, and a
// restored mutex is held by nobody in particular.
func (hooks) IsHeldExclusively(s *qsync.Sync, _ *park.Thread) bool {
	return s.State() == locked
}

// Mutex is a mutual exclusion primitive that implements TryLock in addition
// to Lock and Unlock.
//
// The zero value is not usable; call Init first.
type Mutex struct {
	s qsync.Sync
}

// Init initializes the mutex.
func (m *Mutex) Init() {
	m.s.Init(hooks{})
}

// Lock acquires the mutex. If it is currently held by another thread, Lock
// will wait until it has a chance to acquire it. Interrupts are deferred
// until Lock returns.
func (m *Mutex) Lock(t *park.Thread) {
	m.s.Acquire(t, 1)
}

// LockInterruptibly is like Lock, but returns qsync.ErrInterrupted if t is
// interrupted before the mutex is acquired.
func (m *Mutex) LockInterruptibly(t *park.Thread) error {
	return m.s.AcquireInterruptibly(t, 1)
}

// TryLock attempts to acquire the mutex without blocking. If the mutex is
// currently held by another thread, it fails to acquire it and returns
// false.
func (m *Mutex) TryLock(t *park.Thread) bool {
	return m.s.TryAcquire(t, 1)
}

// TryLockTimeout attempts to acquire the mutex, waiting at most d.
func (m *Mutex) TryLockTimeout(t *park.Thread, d time.Duration) (bool, error) {
	return m.s.TryAcquireNanos(t, 1, d)
}

// Unlock releases the mutex. It panics if the mutex is not locked.
func (m *Mutex) Unlock(t *park.Thread) {
	m.s.Release(t, 1)
}

// IsLocked returns true if the mutex is held.
func (m *Mutex) IsLocked() bool {
	return m.s.State() == locked
}

// Owner returns the thread that last locked the mutex, or nil if it is
// unlocked or was restored from a saved state.
func (m *Mutex) Owner() *park.Thread {
	return m.s.ExclusiveOwner()
}

// NewCondition returns a condition bound to m.
func (m *Mutex) NewCondition() *qsync.Condition {
	return m.s.NewCondition()
}

// HasQueuedThreads returns true if any thread is waiting for the mutex.
func (m *Mutex) HasQueuedThreads() bool {
	return m.s.HasQueuedThreads()
}

// QueueLength returns an estimate of the number of threads waiting for the
// mutex.
func (m *Mutex) QueueLength() int {
	return m.s.QueueLength()
}

// Sync returns the synchronizer backing m, for introspection.
func (m *Mutex) Sync() *qsync.Sync {
	return &m.s
}

// MarshalBinary implements encoding.BinaryMarshaler. Only the locked state
// is saved.
func (m *Mutex) MarshalBinary() ([]byte, error) {
	return m.s.MarshalBinary()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The mutex must be
// initialized and have no waiters.
func (m *Mutex) UnmarshalBinary(data []byte) error {
	return m.s.UnmarshalBinary(data)
}
