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

// Package qsync provides a framework for blocking locks and related
// synchronizers (semaphores, latches, events) that rely on a FIFO wait queue.
//
// A Sync owns a single atomic int64 state and a lock-free queue of waiting
// threads. Concrete synchronizers give the state its meaning by implementing
// Hooks: TryAcquire and TryRelease for exclusive mode, TryAcquireShared and
// TryReleaseShared for shared mode. The Sync supplies everything else:
// queueing, parking, wakeup propagation, cancellation by interrupt, timeout
// or context, conditions, and introspection.
//
// Goroutines take part through a *park.Thread handle, which is both the
// parking primitive and the interrupt token. A thread that calls into a Sync
// must pass the same handle for its whole lifetime, since ownership checks
// compare handles.
//
// Acquisition is not strictly FIFO: a thread that finds the synchronizer
// available takes it without queueing, even if other threads are waiting.
// Fair synchronizers opt out of this by consulting HasQueuedPredecessors in
// their TryAcquire hook.
package qsync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"gvisor.dev/qsync/pkg/park"
)

var (
	// ErrInterrupted is returned by interruptible operations when the
	// calling thread is interrupted. The interrupt flag is cleared.
	ErrInterrupted = errors.New("qsync: interrupted")

	// ErrIllegalMonitorState is returned by condition operations invoked by
	// a thread that does not hold the synchronizer exclusively.
	ErrIllegalMonitorState = errors.New("qsync: synchronizer not held exclusively by caller")

	// ErrNotOwner is returned when a Condition is passed to a Sync that did
	// not create it.
	ErrNotOwner = errors.New("qsync: condition not owned by this synchronizer")

	// ErrNilCondition is returned when a nil Condition is passed.
	ErrNilCondition = errors.New("qsync: nil condition")

	// ErrUnsupported is the panic value of hooks that a synchronizer does
	// not implement.
	ErrUnsupported = errors.New("qsync: unsupported operation")
)

// spinForTimeoutThreshold is the remaining time below which timed waits spin
// rather than park.
const spinForTimeoutThreshold = time.Microsecond

// Hooks defines the semantics of a synchronizer's state. Each hook receives
// the Sync it belongs to and the calling thread. Hooks must be non-blocking
// and must access the state only through Sync.State, Sync.SetState and
// Sync.CompareAndSetState.
//
// Hooks may panic; the Sync removes the caller's queue node before the panic
// propagates.
type Hooks interface {
	// TryAcquire attempts to acquire in exclusive mode.
	TryAcquire(s *Sync, t *park.Thread, arg int64) bool

	// TryRelease attempts to release in exclusive mode. It returns true if
	// the synchronizer is now fully released, so that waiting threads may
	// attempt to acquire.
	TryRelease(s *Sync, t *park.Thread, arg int64) bool

	// TryAcquireShared attempts to acquire in shared mode. A negative value
	// means failure, zero means success with no further shared acquire
	// possible, and a positive value means success where subsequent shared
	// acquires might also succeed.
	TryAcquireShared(s *Sync, t *park.Thread, arg int64) int64

	// TryReleaseShared attempts to release in shared mode. It returns true
	// if a waiting acquire (shared or exclusive) may now succeed.
	TryReleaseShared(s *Sync, t *park.Thread, arg int64) bool

	// IsHeldExclusively returns true if t holds the synchronizer
	// exclusively. It is only used by conditions.
	IsHeldExclusively(s *Sync, t *park.Thread) bool
}

// UnimplementedHooks may be embedded in a Hooks implementation to supply the
// hooks a synchronizer does not use. Each method panics with ErrUnsupported.
type UnimplementedHooks struct{}

// TryAcquire implements Hooks.TryAcquire.
func (UnimplementedHooks) TryAcquire(*Sync, *park.Thread, int64) bool {
	panic(ErrUnsupported)
}

// TryRelease implements Hooks.TryRelease.
func (UnimplementedHooks) TryRelease(*Sync, *park.Thread, int64) bool {
	panic(ErrUnsupported)
}

// TryAcquireShared implements Hooks.TryAcquireShared.
func (UnimplementedHooks) TryAcquireShared(*Sync, *park.Thread, int64) int64 {
	panic(ErrUnsupported)
}

// TryReleaseShared implements Hooks.TryReleaseShared.
func (UnimplementedHooks) TryReleaseShared(*Sync, *park.Thread, int64) bool {
	panic(ErrUnsupported)
}

// IsHeldExclusively implements Hooks.IsHeldExclusively.
func (UnimplementedHooks) IsHeldExclusively(*Sync, *park.Thread) bool {
	panic(ErrUnsupported)
}

// Sync is the queued synchronizer. It must be initialized with Init (or
// created with New) before use, and must not be copied after first use.
type Sync struct {
	hooks Hooks

	// state is the synchronization state.
	state atomic.Int64

	// owner is the thread that currently holds exclusive access, as recorded
	// by the hooks. The Sync itself never reads it.
	owner atomic.Pointer[park.Thread]

	// head is the sentinel of the wait queue and tail its last node. Both are
	// nil until the first thread has to wait.
	head atomic.Pointer[node]
	tail atomic.Pointer[node]
}

// New returns a Sync whose semantics are defined by h.
func New(h Hooks) *Sync {
	s := &Sync{}
	s.Init(h)
	return s
}

// Init initializes s with hooks h and a zero state.
func (s *Sync) Init(h Hooks) {
	s.hooks = h
}

// State returns the current value of the synchronization state.
func (s *Sync) State() int64 {
	return s.state.Load()
}

// SetState sets the synchronization state.
func (s *Sync) SetState(v int64) {
	s.state.Store(v)
}

// CompareAndSetState atomically sets the state to update if it currently
// equals expect.
func (s *Sync) CompareAndSetState(expect, update int64) bool {
	return s.state.CompareAndSwap(expect, update)
}

// SetExclusiveOwner records t as the thread holding exclusive access. A nil
// t means no thread holds it.
func (s *Sync) SetExclusiveOwner(t *park.Thread) {
	s.owner.Store(t)
}

// ExclusiveOwner returns the thread last recorded by SetExclusiveOwner.
func (s *Sync) ExclusiveOwner() *park.Thread {
	return s.owner.Load()
}

// waitOpts describes how a waiter reacts to interrupts, timeouts and
// context cancellation while parked.
type waitOpts struct {
	interruptible bool
	timed         bool
	deadline      time.Time
	ctx           context.Context
}

func (o *waitOpts) remaining() time.Duration {
	return time.Until(o.deadline)
}

func (o *waitOpts) ctxErr() error {
	if o.ctx == nil {
		return nil
	}
	return o.ctx.Err()
}

func (o *waitOpts) park(t *park.Thread) {
	if o.timed {
		t.ParkContext(o.ctx, o.deadline)
		return
	}
	t.ParkContext(o.ctx, time.Time{})
}
