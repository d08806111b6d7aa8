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
	"gvisor.dev/qsync/pkg/qsync"
	"gvisor.dev/qsync/pkg/qsync/locks"
	"gvisor.dev/qsync/qsyncctl/cmd/util"
	"gvisor.dev/qsync/qsyncctl/config"
)

// Condition implements subcommands.Command for the "condition" command.
type Condition struct {
	holds int64
}

// Name implements subcommands.Command.
func (*Condition) Name() string {
	return "condition"
}

// Synopsis implements subcommands.Command.
func (*Condition) Synopsis() string {
	return "passes a turn between threads through a condition"
}

// Usage implements subcommands.Command.
func (*Condition) Usage() string {
	return `condition [flags] - --threads players take turns in order, each
waiting on a condition of a reentrant lock until its turn comes. Every
player takes --iterations turns. Players wait while holding the lock
--holds times and check that all holds are restored after each wait.
`
}

// SetFlags implements subcommands.Command.
func (c *Condition) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.holds, "holds", 2, "number of times each player locks the lock before waiting.")
}

// Execute implements subcommands.Command.Execute.
func (c *Condition) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if c.holds <= 0 {
		util.Fatalf("holds must be positive, got %d", c.holds)
	}
	conf := args[0].(*config.Config)

	ctx, cancel := workloadContext(ctx, conf)
	defer cancel()
	turns, err := runCondition(ctx, conf, c.holds)
	if err != nil {
		util.Fatalf("condition failed: %v", err)
	}
	util.Infof("condition: %d turns taken by %d players", turns, conf.Threads)
	return subcommands.ExitSuccess
}

// runCondition runs the turn-taking workload and returns the total number of
// turns taken.
func runCondition(ctx context.Context, conf *config.Config, holds int64) (int, error) {
	l := locks.NewReentrantLock(conf.Fair)
	cond := l.NewCondition()
	// turn and taken are protected by l.
	var turn, taken int

	players := conf.Threads
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < players; p++ {
		p := p // Per-iteration copy for pre-Go 1.22 loop semantics.
		t := park.NewThread(fmt.Sprintf("player-%d", p))
		g.Go(func() error {
			for i := 0; i < conf.Iterations; i++ {
				if err := takeTurn(gctx, l, cond, t, p, players, holds, &turn, &taken); err != nil {
					return fmt.Errorf("%v turn %d: %w", t, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return taken, err
	}
	if want := players * conf.Iterations; taken != want {
		return taken, fmt.Errorf("%d turns taken, want %d", taken, want)
	}
	log.Infof("Condition done: %v", l)
	return taken, nil
}

// takeTurn waits for player me's turn and passes it on. l is held holds
// times throughout.
func takeTurn(ctx context.Context, l *locks.ReentrantLock, cond *qsync.Condition, t *park.Thread, me, players int, holds int64, turn, taken *int) (err error) {
	for i := int64(0); i < holds; i++ {
		if err := l.LockContext(ctx, t); err != nil {
			for ; i > 0; i-- {
				l.Unlock(t)
			}
			return err
		}
	}
	defer func() {
		for i := int64(0); i < holds; i++ {
			if uerr := l.Unlock(t); uerr != nil && err == nil {
				err = uerr
			}
		}
	}()

	for *turn != me {
		if err := cond.AwaitContext(ctx, t); err != nil {
			return err
		}
		if got := l.HoldCount(t); got != holds {
			return fmt.Errorf("hold count after wait is %d, want %d", got, holds)
		}
	}
	*turn = (me + 1) % players
	*taken++
	return cond.SignalAll(t)
}
