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
	"io"
	"os"
	"sort"

	"github.com/google/subcommands"
	"gvisor.dev/qsync/pkg/qsync"
	"gvisor.dev/qsync/pkg/state/statefile"
	"gvisor.dev/qsync/qsyncctl/cmd/util"
	"gvisor.dev/qsync/qsyncctl/config"
)

// Statefile implements subcommands.Command for the "state" command.
type Statefile struct {
	list   bool
	get    string
	output string
}

// Name implements subcommands.Command.
func (*Statefile) Name() string {
	return "state"
}

// Synopsis implements subcommands.Command.
func (*Statefile) Synopsis() string {
	return "shows information about a statefile"
}

// Usage implements subcommands.Command.
func (*Statefile) Usage() string {
	return `state [flags] <statefile> - without flags, verifies the file with
--state-key and prints the saved synchronizer state.
`
}

// SetFlags implements subcommands.Command.
func (s *Statefile) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.list, "list", false, "lists the metadata in the statefile.")
	f.StringVar(&s.get, "get", "", "extracts the given metadata key.")
	f.StringVar(&s.output, "output", "", "target to write the result.")
}

// Execute implements subcommands.Command.Execute.
func (s *Statefile) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	// Check arguments.
	if s.list && s.get != "" {
		util.Fatalf("error: can't specify -list and -get simultaneously.")
	}
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	// Setup output.
	var output io.Writer = os.Stdout // Default.
	if s.output != "" {
		f, err := os.OpenFile(s.output, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
		if err != nil {
			util.Fatalf("error opening output: %v", err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				util.Fatalf("error flushing output: %v", err)
			}
		}()
		output = f
	}

	input, err := os.Open(f.Arg(0))
	if err != nil {
		util.Fatalf("error opening input: %v", err)
	}
	defer input.Close()

	if err := s.print(output, input, []byte(conf.StateKey)); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Statefile) print(output io.Writer, input io.Reader, key []byte) error {
	// Dump the state?
	if !s.list && s.get == "" {
		r, md, err := statefile.NewReader(input, key)
		if err != nil {
			return fmt.Errorf("error parsing statefile: %w", err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		var st qsync.Sync
		if err := st.UnmarshalBinary(data); err != nil {
			return err
		}
		fmt.Fprintf(output, "%s state=%d\n", md[kindKey], st.State())
		return nil
	}

	// Load just the metadata.
	metadata, err := statefile.MetadataUnsafe(input)
	if err != nil {
		return fmt.Errorf("error reading metadata: %w", err)
	}

	// Is it a single key?
	if s.get != "" {
		val, ok := metadata[s.get]
		if !ok {
			return fmt.Errorf("metadata key %s: not found", s.get)
		}
		fmt.Fprintf(output, "%s\n", val)
		return nil
	}

	// List all keys.
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(output, "%s\n", key)
	}
	return nil
}
