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
	"gvisor.dev/qsync/pkg/log"
	"gvisor.dev/qsync/pkg/state/statefile"
	"gvisor.dev/qsync/qsyncctl/cmd/util"
	"gvisor.dev/qsync/qsyncctl/config"
)

// restore loads the synchronizer saved at path.
func restore(path string, key []byte) (*synchronizer, error) {
	data, md, err := statefile.Load(path, key)
	if err != nil {
		return nil, err
	}
	if err := statefile.RequireMetadata(md, kindKey, fairKey); err != nil {
		return nil, err
	}
	fair, err := strconv.ParseBool(md[fairKey])
	if err != nil {
		return nil, fmt.Errorf("invalid %q metadata: %w", fairKey, err)
	}
	s, err := newSynchronizer(md[kindKey], 0, fair)
	if err != nil {
		return nil, err
	}
	if err := s.sync.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	log.Debugf("Restored %s saved at %s", s.kind, md[statefile.TimestampKey])
	return s, nil
}

// Restore implements subcommands.Command for the "restore" command.
type Restore struct{}

// Name implements subcommands.Command.Name.
func (*Restore) Name() string {
	return "restore"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Restore) Synopsis() string {
	return "restore a synchronizer from a state file"
}

// Usage implements subcommands.Command.Usage.
func (*Restore) Usage() string {
	return `restore [flags] <path> - restore a synchronizer saved by checkpoint and
print it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Restore) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Restore) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := restore(f.Arg(0), []byte(conf.StateKey))
	if err != nil {
		util.Fatalf("restore failed: %v", err)
	}
	util.Infof("restore: %s %v", s.kind, s.desc)
	return subcommands.ExitSuccess
}
