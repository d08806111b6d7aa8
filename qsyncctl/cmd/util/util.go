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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/qsync/pkg/log"
)

// errorLogger is where error messages are written to. These messages are
// consumed by the caller of qsyncctl and must be in a machine-readable format.
// Failed writes are counted by the writer and reported with the next message
// that gets through.
var errorLogger *log.Writer

// SetErrorLogger sets where error messages are written to. nil disables them.
func SetErrorLogger(w io.Writer) {
	if w == nil {
		errorLogger = nil
		return
	}
	errorLogger = &log.Writer{Next: w}
}

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Printf(format+"\n", args...)
}

// jsonError is the error format written to the error logger.
type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Fatalf logs an error message to the log, stderr, and the error logger,
// then exits with status 128.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	if err := writeError(msg); err != nil {
		log.Warningf("Failed to write to the error log: %v", err)
	}
	os.Exit(128)
}

func writeError(msg string) error {
	if errorLogger == nil {
		return nil
	}
	b, err := json.Marshal(jsonError{Msg: msg, Level: "error", Time: time.Now()})
	if err != nil {
		return err
	}
	_, err = errorLogger.Write(b)
	return err
}
