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

// Package cmd holds implementations of the qsyncctl commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/qsync/pkg/qsync"
	"gvisor.dev/qsync/qsyncctl/config"
)

// queuePollInterval is how often waitQueued checks the queue.
const queuePollInterval = time.Millisecond

// workloadContext returns a context that is cancelled after conf.Timeout, if
// one is set.
func workloadContext(ctx context.Context, conf *config.Config) (context.Context, context.CancelFunc) {
	if conf.Timeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, conf.Timeout)
}

// waitQueued waits until at least n threads are queued on s.
func waitQueued(ctx context.Context, s *qsync.Sync, n int) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(queuePollInterval), ctx)
	return backoff.Retry(func() error {
		if got := s.QueueLength(); got < n {
			return fmt.Errorf("%d threads queued, want %d", got, n)
		}
		return nil
	}, b)
}
