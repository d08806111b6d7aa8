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

package log

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// levelNames are the JSON names of the levels, indexed by level.
var levelNames = [...]string{Warning: "warning", Info: "info", Debug: "debug"}

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Msg    string    `json:"msg"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
	Tid    int       `json:"tid"`
	Caller string    `json:"caller,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return strconv.AppendQuote(nil, levelNames[l]), nil
}

// UnmarshalJSON implements json.Unmarshaler. It accepts level names and
// their integer values.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if n, err := strconv.ParseUint(s, 10, 32); err == nil && n < uint64(len(levelNames)) {
		*l = Level(n)
		return nil
	}
	for i, name := range levelNames {
		if s == strconv.Quote(name) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", s)
}

// JSONEmitter logs messages in json format, one object per line. Like
// GoogleEmitter, each line records the OS thread and the call site.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Msg:   fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
		Tid:   unix.Gettid(),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		j.Caller = file[strings.LastIndexByte(file, '/')+1:] + ":" + strconv.Itoa(line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		// Only an out-of-range level gets here.
		b = fmt.Appendf(nil, `{"msg":%q,"level":"invalid"}`, j.Msg)
	}
	e.Writer.Write(b)
}
