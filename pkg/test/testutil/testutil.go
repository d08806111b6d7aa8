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

// Package testutil contains utility functions for synchronizer tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/qsync/pkg/park"
)

// PollInterval is the interval between Poll attempts. Synchronizer state
// changes within microseconds, so it is much shorter than a typical service
// poll.
const PollInterval = time.Millisecond

// TmpDir returns the absolute path to a writable directory that can be used as
// scratch by the test.
func TmpDir() string {
	if dir, ok := os.LookupEnv("TEST_TMPDIR"); ok {
		return dir
	}
	return "/tmp"
}

// WriteTmpFile writes text to a temporary file, closes the file, and returns
// the name of the file. A cleanup function is also returned.
func WriteTmpFile(pattern, text string) (string, func(), error) {
	file, err := os.CreateTemp(TmpDir(), pattern)
	if err != nil {
		return "", nil, err
	}
	defer file.Close()
	if _, err := file.Write([]byte(text)); err != nil {
		return "", nil, err
	}
	return file.Name(), func() { os.RemoveAll(file.Name()) }, nil
}

// Poll is a shorthand function to poll for something with given timeout.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(PollInterval), ctx)
	return backoff.Retry(cb, b)
}

// Thread is a goroutine running on behalf of a park.Thread.
type Thread struct {
	*park.Thread

	done chan struct{}
	err  error
}

// Go starts fn on a new goroutine with a fresh park.Thread called name.
func Go(name string, fn func(t *park.Thread) error) *Thread {
	th := &Thread{
		Thread: park.NewThread(name),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(th.done)
		th.err = fn(th.Thread)
	}()
	return th
}

// Done returns a channel that is closed when the goroutine returns.
func (th *Thread) Done() <-chan struct{} {
	return th.done
}

// Join waits up to timeout for the goroutine to return, and returns its
// error.
func (th *Thread) Join(timeout time.Duration) error {
	select {
	case <-th.done:
		return th.err
	case <-time.After(timeout):
		return fmt.Errorf("thread %v did not finish within %v", th.Thread, timeout)
	}
}

// Alive returns true if the goroutine has not returned.
func (th *Thread) Alive() bool {
	select {
	case <-th.done:
		return false
	default:
		return true
	}
}
