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
	"time"

	"gvisor.dev/qsync/pkg/log"
	"gvisor.dev/qsync/pkg/metric"
)

var (
	fastPathAcquires   = metric.MustCreateNewUint64Metric("qsync_fast_path_acquires_total", "Acquisitions that succeeded without queueing.")
	enqueuedWaiters    = metric.MustCreateNewUint64Metric("qsync_enqueued_waiters_total", "Threads that joined a sync queue.")
	parks              = metric.MustCreateNewUint64Metric("qsync_parks_total", "Times a queued thread parked.")
	cancelledWaiters   = metric.MustCreateNewUint64Metric("qsync_cancelled_waiters_total", "Queued acquires abandoned by interrupt, timeout, context or hook panic.")
	conditionWaits     = metric.MustCreateNewUint64Metric("qsync_condition_waits_total", "Condition waits started.")
	conditionTransfers = metric.MustCreateNewUint64Metric("qsync_condition_transfers_total", "Condition waiters moved to a sync queue by a signal.")
)

// hookPanicLog reports panicking hooks. Such a hook usually panics on every
// call, so reports are rate limited.
var hookPanicLog = log.BasicRateLimitedLogger(time.Minute)
