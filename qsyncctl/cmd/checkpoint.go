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
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/qsync/pkg/park"
	"gvisor.dev/qsync/pkg/qsync"
	"gvisor.dev/qsync/pkg/qsync/locks"
	"gvisor.dev/qsync/pkg/state/statefile"
	"gvisor.dev/qsync/pkg/tmutex"
	"gvisor.dev/qsync/qsyncctl/cmd/util"
	"gvisor.dev/qsync/qsyncctl/config"
)

// Metadata keys written to state files.
const (
	kindKey = "kind"
	fairKey = "fair"
)

// synchronizer is a synchronizer that can be checkpointed.
type synchronizer struct {
	kind string
	sync *qsync.Sync
	desc fmt.Stringer
}

// newSynchronizer creates a synchronizer of the given kind. value is the
// initial lock state (0 or 1), permit count or latch count respectively.
func newSynchronizer(kind string, value int64, fair bool) (*synchronizer, error) {
	if value < 0 {
		return nil, fmt.Errorf("value must not be negative, got %d", value)
	}
	switch kind {
	case "mutex":
		if value > 1 {
			return nil, fmt.Errorf("mutex value must be 0 or 1, got %d", value)
		}
		m := &tmutex.Mutex{}
		m.Init()
		if value == 1 {
			m.Lock(park.NewThread("checkpoint"))
		}
		return &synchronizer{kind: kind, sync: m.Sync(), desc: m.Sync()}, nil
	case "semaphore":
		sem := locks.NewSemaphore(value, fair)
		return &synchronizer{kind: kind, sync: sem.Sync(), desc: sem}, nil
	case "latch":
		l := locks.NewCountDownLatch(value)
		return &synchronizer{kind: kind, sync: l.Sync(), desc: l}, nil
	default:
		return nil, fmt.Errorf("invalid kind %q, must be 'mutex', 'semaphore' or 'latch'", kind)
	}
}

// checkpoint saves the state of s to path.
func checkpoint(path string, key []byte, s *synchronizer, fair bool) error {
	data, err := s.sync.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.kind, err)
	}
	md := map[string]string{
		kindKey: s.kind,
		fairKey: strconv.FormatBool(fair),
	}
	return statefile.Save(path, key, md, data)
}

// Checkpoint implements subcommands.Command for the "checkpoint" command.
type Checkpoint struct {
	kind  string
	value int64
}

// Name implements subcommands.Command.Name.
func (*Checkpoint) Name() string {
	return "checkpoint"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Checkpoint) Synopsis() string {
	return "save the state of a synchronizer to a state file"
}

// Usage implements subcommands.Command.Usage.
func (*Checkpoint) Usage() string {
	return `checkpoint [flags] <path> - create a synchronizer and save its state.
Queued threads and the owner are not saved.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Checkpoint) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "mutex", "synchronizer kind: mutex, semaphore or latch.")
	f.Int64Var(&c.value, "value", 0, "initial state: 1 for a locked mutex, the permits of a semaphore or the count of a latch.")
}

// Execute implements subcommands.Command.Execute.
func (c *Checkpoint) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := newSynchronizer(c.kind, c.value, conf.Fair)
	if err != nil {
		util.Fatalf("%v", err)
	}
	if err := checkpoint(f.Arg(0), []byte(conf.StateKey), s, conf.Fair); err != nil {
		util.Fatalf("checkpoint failed: %v", err)
	}
	util.Infof("checkpoint: saved %v to %q", s.desc, f.Arg(0))
	return subcommands.ExitSuccess
}
