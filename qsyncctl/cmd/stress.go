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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/qsync/pkg/amutex"
	"gvisor.dev/qsync/pkg/log"
	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/qsync"
	"gvisor.dev/qsync/pkg/qsync/locks"
	"gvisor.dev/qsync/pkg/tmutex"
	"gvisor.dev/qsync/qsyncctl/cmd/util"
	"gvisor.dev/qsync/qsyncctl/config"
)

// interruptPollRate bounds how often the interrupter checks progress.
const interruptPollRate = rate.Limit(10000)

// interruptLog reports interrupted acquires without flooding the log.
var interruptLog = log.BasicRateLimitedLogger(time.Second)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	lock string
}

// Name implements subcommands.Command.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.
func (*Stress) Synopsis() string {
	return "contends on an exclusive lock and verifies mutual exclusion"
}

// Usage implements subcommands.Command.
func (*Stress) Usage() string {
	return `stress [flags] - runs --threads workers that each acquire and release
a lock --iterations times. With --interrupt-every, workers acquire
interruptibly and are interrupted at random.
`
}

// SetFlags implements subcommands.Command.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.lock, "lock", "mutex", "lock to use: mutex, reentrant or abortable.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, cancel := workloadContext(ctx, conf)
	defer cancel()
	res, err := runStress(ctx, conf, s.lock)
	if err != nil {
		util.Fatalf("stress failed: %v", err)
	}
	util.Infof("stress: %d acquisitions, %d interrupted acquires, %d interrupts sent", res.acquisitions, res.interrupted, res.interrupts)
	return subcommands.ExitSuccess
}

// stressLock is the lock under test.
type stressLock interface {
	lock(ctx context.Context, t *park.Thread, interruptible bool) error
	unlock(t *park.Thread) error
	sync() *qsync.Sync
}

type mutexLock struct {
	m tmutex.Mutex
}

func (l *mutexLock) lock(_ context.Context, t *park.Thread, interruptible bool) error {
	if interruptible {
		return l.m.LockInterruptibly(t)
	}
	l.m.Lock(t)
	return nil
}

func (l *mutexLock) unlock(t *park.Thread) error {
	l.m.Unlock(t)
	return nil
}

func (l *mutexLock) sync() *qsync.Sync {
	return l.m.Sync()
}

// reentrantLock takes the lock twice per acquisition and checks the hold
// count.
type reentrantLock struct {
	l *locks.ReentrantLock
}

func (r *reentrantLock) lock(_ context.Context, t *park.Thread, interruptible bool) error {
	if interruptible {
		if err := r.l.LockInterruptibly(t); err != nil {
			return err
		}
	} else {
		r.l.Lock(t)
	}
	r.l.Lock(t)
	if got := r.l.HoldCount(t); got != 2 {
		return fmt.Errorf("hold count after nested lock is %d, want 2", got)
	}
	return nil
}

func (r *reentrantLock) unlock(t *park.Thread) error {
	if err := r.l.Unlock(t); err != nil {
		return err
	}
	return r.l.Unlock(t)
}

func (r *reentrantLock) sync() *qsync.Sync {
	return r.l.Sync()
}

// abortableLock always acquires interruptibly, and gives up once the workload
// context is done.
type abortableLock struct {
	m amutex.AbortableMutex
}

func (a *abortableLock) lock(ctx context.Context, t *park.Thread, _ bool) error {
	if a.m.Lock(ctx, t) {
		return nil
	}
	if t.Interrupted() {
		return qsync.ErrInterrupted
	}
	return ctx.Err()
}

func (a *abortableLock) unlock(t *park.Thread) error {
	a.m.Unlock(t)
	return nil
}

func (a *abortableLock) sync() *qsync.Sync {
	return a.m.Sync()
}

func newStressLock(kind string, fair bool) (stressLock, error) {
	switch kind {
	case "mutex":
		l := &mutexLock{}
		l.m.Init()
		return l, nil
	case "reentrant":
		return &reentrantLock{l: locks.NewReentrantLock(fair)}, nil
	case "abortable":
		l := &abortableLock{}
		l.m.Init()
		return l, nil
	default:
		return nil, fmt.Errorf("invalid lock %q, must be 'mutex', 'reentrant' or 'abortable'", kind)
	}
}

type stressResult struct {
	acquisitions int64
	interrupted  int64
	interrupts   int64
}

// runStress runs the stress workload described by conf against a lock of the
// given kind.
func runStress(ctx context.Context, conf *config.Config, kind string) (stressResult, error) {
	l, err := newStressLock(kind, conf.Fair)
	if err != nil {
		return stressResult{}, err
	}
	interruptible := conf.InterruptEvery > 0

	var (
		res     stressResult
		acqs    atomic.Int64
		intr    atomic.Int64
		holders atomic.Int32
		// counter is protected by l.
		counter int64
	)

	threads := make([]*park.Thread, conf.Threads)
	for i := range threads {
		threads[i] = park.NewThread(fmt.Sprintf("stress-%d", i))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range threads {
		t := t // Per-iteration copy for pre-Go 1.22 loop semantics.
		g.Go(func() error {
			for i := 0; i < conf.Iterations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := l.lock(gctx, t, interruptible); err != nil {
					if errors.Is(err, qsync.ErrInterrupted) {
						intr.Add(1)
						interruptLog.Debugf("%v: acquire interrupted", t)
						continue
					}
					return err
				}
				if n := holders.Add(1); n != 1 {
					l.unlock(t)
					return fmt.Errorf("%d threads hold the lock", n)
				}
				counter++
				holders.Add(-1)
				if err := l.unlock(t); err != nil {
					return err
				}
				acqs.Add(1)
			}
			// Drop an interrupt that arrived after the last acquire.
			t.Interrupted()
			return nil
		})
	}

	stop := make(chan struct{})
	var interrupter errgroup.Group
	if interruptible {
		interrupter.Go(func() error {
			lim := rate.NewLimiter(interruptPollRate, 1)
			next := int64(conf.InterruptEvery)
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				if err := lim.Wait(gctx); err != nil {
					return nil
				}
				if acqs.Load() < next {
					continue
				}
				next += int64(conf.InterruptEvery)
				threads[rand.Intn(len(threads))].Interrupt()
				res.interrupts++
			}
		})
	}

	err = g.Wait()
	close(stop)
	interrupter.Wait()
	if err != nil {
		return res, err
	}

	res.acquisitions = acqs.Load()
	res.interrupted = intr.Load()
	if counter != res.acquisitions {
		return res, fmt.Errorf("counter is %d after %d acquisitions", counter, res.acquisitions)
	}
	if q := l.sync().QueueLength(); q != 0 {
		return res, fmt.Errorf("%d threads still queued", q)
	}
	log.Infof("Stress on %s done: %v", kind, l.sync())
	return res, nil
}
