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

// Package amutex provides the implementation of an abortable mutex. It allows
// the Lock() function to be canceled while it waits to acquire the mutex.
package amutex

import (
	"context"
	"errors"

	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/qsync"
	"gvisor.dev/qsync/pkg/tmutex"
)

// AbortableMutex is an abortable mutex. It allows Lock() to be aborted while it
// waits to acquire the mutex.
type AbortableMutex struct {
	m tmutex.Mutex
}

// Init initializes the abortable mutex.
func (m *AbortableMutex) Init() {
	m.m.Init()
}

// Lock attempts to acquire the mutex, returning true on success. If ctx is
// done or t is interrupted while Lock waits, the wait is aborted and false is
// returned instead. An interrupt that aborts the wait stays pending on t.
func (m *AbortableMutex) Lock(ctx context.Context, t *park.Thread) bool {
	err := m.m.Sync().AcquireContext(ctx, t, 1)
	if errors.Is(err, qsync.ErrInterrupted) {
		t.Interrupt()
	}
	return err == nil
}

// TryLock attempts to acquire the mutex without blocking.
func (m *AbortableMutex) TryLock(t *park.Thread) bool {
	return m.m.TryLock(t)
}

// Unlock releases the mutex.
func (m *AbortableMutex) Unlock(t *park.Thread) {
	m.m.Unlock(t)
}

// QueueLength returns an estimate of the number of threads waiting in Lock.
func (m *AbortableMutex) QueueLength() int {
	return m.m.QueueLength()
}

// Sync returns the synchronizer backing m.
func (m *AbortableMutex) Sync() *qsync.Sync {
	return m.m.Sync()
}
