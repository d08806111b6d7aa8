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
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/qsync/pkg/metric"
	"gvisor.dev/qsync/qsyncctl/cmd/util"
	"gvisor.dev/qsync/qsyncctl/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	workload bool
	output   string
}

// Name implements subcommands.Command.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.
func (*Metrics) Synopsis() string {
	return "print synchronizer metrics in Prometheus text format"
}

// Usage implements subcommands.Command.
func (*Metrics) Usage() string {
	return `metrics [flags] - runs a short workload, then prints the metrics it
produced.
`
}

// SetFlags implements subcommands.Command.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.workload, "workload", true, "run the stress, latch and condition workloads before printing.")
	f.StringVar(&m.output, "output", "", "target to write the metrics to, default is stdout.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if m.workload {
		ctx, cancel := workloadContext(ctx, conf)
		defer cancel()
		if err := runAll(ctx, conf); err != nil {
			util.Fatalf("workload failed: %v", err)
		}
	}

	var output io.Writer = os.Stdout
	if m.output != "" {
		f, err := os.OpenFile(m.output, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
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
	if err := metric.WriteText(output); err != nil {
		util.Fatalf("error writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// runAll runs each workload once with conf.
func runAll(ctx context.Context, conf *config.Config) error {
	if _, err := runStress(ctx, conf, "mutex"); err != nil {
		return err
	}
	if _, err := runLatch(ctx, conf, 1); err != nil {
		return err
	}
	_, err := runCondition(ctx, conf, 1)
	return err
}
