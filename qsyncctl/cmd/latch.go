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

package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/qsync/pkg/log"
	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/qsync/locks"
	"gvisor.dev/qsync/qsyncctl/cmd/util"
	"gvisor.dev/qsync/qsyncctl/config"
)

// Latch implements subcommands.Command for the "latch" command.
type Latch struct {
	count int64
}

// Name implements subcommands.Command.
func (*Latch) Name() string {
	return "latch"
}

// Synopsis implements subcommands.Command.
func (*Latch) Synopsis() string {
	return "releases queued waiters at once through a count down latch"
}

// Usage implements subcommands.Command.
func (*Latch) Usage() string {
	return `latch [flags] - queues --threads waiters on a latch, then counts it
down and verifies that every waiter is released. This is repeated
--iterations times.
`
}

// SetFlags implements subcommands.Command.
func (l *Latch) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&l.count, "count", 1, "initial latch count.")
}

// Execute implements subcommands.Command.Execute.
func (l *Latch) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if l.count <= 0 {
		util.Fatalf("count must be positive, got %d", l.count)
	}
	conf := args[0].(*config.Config)

	ctx, cancel := workloadContext(ctx, conf)
	defer cancel()
	rounds, err := runLatch(ctx, conf, l.count)
	if err != nil {
		util.Fatalf("latch failed: %v", err)
	}
	util.Infof("latch: %d rounds released %d waiters each", rounds, conf.Threads)
	return subcommands.ExitSuccess
}

// runLatch runs conf.Iterations rounds, each releasing conf.Threads waiters
// through a fresh latch of the given count. It returns the number of rounds
// completed.
func runLatch(ctx context.Context, conf *config.Config, count int64) (int, error) {
	waiters := make([]*park.Thread, conf.Threads)
	for i := range waiters {
		waiters[i] = park.NewThread(fmt.Sprintf("waiter-%d", i))
	}
	counter := park.NewThread("counter")

	for round := 0; round < conf.Iterations; round++ {
		latch := locks.NewCountDownLatch(count)
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range waiters {
			t := t // Per-iteration copy for pre-Go 1.22 loop semantics.
			g.Go(func() error {
				return latch.AwaitContext(gctx, t)
			})
		}
		if err := waitQueued(gctx, latch.Sync(), len(waiters)); err != nil {
			// Unblock the waiters before giving up.
			for latch.Count() > 0 {
				latch.CountDown(counter)
			}
			g.Wait()
			return round, fmt.Errorf("round %d: %w", round, err)
		}
		for i := int64(0); i < count; i++ {
			latch.CountDown(counter)
		}
		if err := g.Wait(); err != nil {
			return round, fmt.Errorf("round %d: %w", round, err)
		}
		if q := latch.Sync().QueueLength(); q != 0 {
			return round, fmt.Errorf("round %d: %d waiters still queued", round, q)
		}
		log.Debugf("Latch round %d done: %v", round, latch)
	}
	return conf.Iterations, nil
}
