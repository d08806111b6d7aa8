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

// Package config provides basic infrastructure to set configuration settings
// for qsyncctl. Configuration is set via command line flags and, optionally,
// a TOML or YAML file named by --config. Flags set explicitly on the command line take
// precedence over the file, which takes precedence over flag defaults.
package config

import (
	"fmt"
	"reflect"
	"time"

	"gvisor.dev/qsync/pkg/log"
)

// Config holds configuration that is shared by all qsyncctl commands.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// DebugLog is the path to log debug information to, if not empty. If it
	// ends with "/", a file is created inside the directory with a default
	// name.
	DebugLog string `flag:"debug-log" toml:"debug_log" yaml:"debug_log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug_log_format" yaml:"debug_log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// Threads is the number of worker threads used by workload commands.
	Threads int `flag:"threads" toml:"threads" yaml:"threads"`

	// Iterations is the number of operations each worker performs.
	Iterations int `flag:"iterations" toml:"iterations" yaml:"iterations"`

	// Fair selects fair synchronizers, which never let arriving threads
	// barge ahead of queued ones.
	Fair bool `flag:"fair" toml:"fair" yaml:"fair"`

	// InterruptEvery makes stress workers use interruptible acquires and has
	// an interrupter hit a random worker every InterruptEvery acquisitions.
	// Zero disables interrupts.
	InterruptEvery int `flag:"interrupt-every" toml:"interrupt_every" yaml:"interrupt_every"`

	// Timeout bounds the duration of a workload command. Zero means no
	// bound.
	Timeout time.Duration `flag:"timeout" toml:"timeout" yaml:"timeout"`

	// StateKey is the integrity key for state files.
	StateKey string `flag:"state-key" toml:"state_key" yaml:"state_key"`
}

func (c *Config) validate() error {
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", c.Threads)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.InterruptEvery < 0 {
		return fmt.Errorf("interrupt-every must not be negative, got %d", c.InterruptEvery)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Timeout)
	}
	for _, f := range []string{c.LogFormat, c.DebugLogFormat} {
		if _, err := log.ParseFormat(f, nil); err != nil {
			return err
		}
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		if name == "state-key" {
			log.Infof("\t%s: <redacted>", name)
			continue
		}
		log.Infof("\t%s: %v", name, obj.Field(i).Interface())
	}
}
