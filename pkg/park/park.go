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

// Package park provides the blocking primitive used by the queued
// synchronizers: a per-goroutine handle that can be parked and unparked, and
// that carries a cooperative interrupt flag.
//
// A Thread holds at most one unpark permit. Unpark makes the permit available
// and Park consumes it, so an Unpark that happens before a Park is not lost.
// Park may also return spuriously; callers must recheck their condition in a
// loop.
package park

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var lastID atomic.Uint64

// Thread is the handle through which a goroutine participates in blocking
// synchronization. A Thread must only be parked by the goroutine that owns
// it; Unpark and Interrupt may be called from any goroutine.
type Thread struct {
	id   uint64
	name string

	// permit holds the unpark permit.
	permit chan struct{}

	// mu protects the fields below.
	mu sync.Mutex

	// interrupted is the interrupt flag.
	interrupted bool

	// interruptC is closed when interrupted becomes true, and replaced when
	// the flag is cleared.
	interruptC chan struct{}
}

// NewThread returns a new Thread. The name is only used for display.
func NewThread(name string) *Thread {
	id := lastID.Add(1)
	if name == "" {
		name = fmt.Sprintf("thread-%d", id)
	}
	return &Thread{
		id:         id,
		name:       name,
		permit:     make(chan struct{}, 1),
		interruptC: make(chan struct{}),
	}
}

// ID returns a process-unique identifier for t.
func (t *Thread) ID() uint64 {
	return t.id
}

// Name returns the display name of t.
func (t *Thread) Name() string {
	return t.name
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%d)", t.name, t.id)
}

// Unpark makes the permit of t available. If t is parked it returns from
// Park. Unpark on a nil Thread is a no-op.
func (t *Thread) Unpark() {
	if t == nil {
		return
	}
	select {
	case t.permit <- struct{}{}:
	default:
	}
}

// Interrupt sets the interrupt flag of t, waking it if it is parked.
func (t *Thread) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.interrupted {
		t.interrupted = true
		close(t.interruptC)
	}
}

// IsInterrupted returns the interrupt flag of t without clearing it.
func (t *Thread) IsInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// Interrupted clears the interrupt flag of t and returns its previous value.
func (t *Thread) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.interrupted {
		return false
	}
	t.interrupted = false
	t.interruptC = make(chan struct{})
	return true
}

// interruptChan returns a channel that is closed once t is interrupted, or
// nil if t is already interrupted.
func (t *Thread) interruptChan() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interrupted {
		return nil
	}
	return t.interruptC
}

// Park blocks until the permit is available, t is interrupted, or a spurious
// wakeup occurs. It returns immediately if t is already interrupted.
func (t *Thread) Park() {
	t.park(nil, nil)
}

// ParkTimeout is like Park, but also returns after d has elapsed. It returns
// immediately if d is not positive.
func (t *Thread) ParkTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	t.park(nil, timer.C)
}

// ParkUntil is like Park, but also returns once deadline has passed.
func (t *Thread) ParkUntil(deadline time.Time) {
	t.ParkTimeout(time.Until(deadline))
}

// ParkContext is like Park, but also returns when ctx is done. A zero
// deadline means no timeout.
func (t *Thread) ParkContext(ctx context.Context, deadline time.Time) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	t.park(done, timeout)
}

func (t *Thread) park(done <-chan struct{}, timeout <-chan time.Time) {
	ic := t.interruptChan()
	if ic == nil {
		return
	}
	select {
	case <-t.permit:
	case <-ic:
	case <-done:
	case <-timeout:
	}
}
