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

package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	SetErrorLogger(&buf)
	defer SetErrorLogger(nil)

	if err := writeError("lock lost"); err != nil {
		t.Fatalf("writeError failed: %v", err)
	}
	var got jsonError
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("error output %q is not JSON: %v", buf.String(), err)
	}
	if got.Msg != "lock lost" || got.Level != "error" {
		t.Errorf("got %+v, want msg %q and level %q", got, "lock lost", "error")
	}
	if got.Time.IsZero() {
		t.Errorf("error has no timestamp")
	}
}

// failingWriter fails until ok is set.
type failingWriter struct {
	ok  bool
	buf bytes.Buffer
}

func (w *failingWriter) Write(b []byte) (int, error) {
	if !w.ok {
		return 0, errors.New("disk full")
	}
	return w.buf.Write(b)
}

func TestWriteErrorReportsDroppedMessages(t *testing.T) {
	w := &failingWriter{}
	SetErrorLogger(w)
	defer SetErrorLogger(nil)

	if err := writeError("first"); err == nil {
		t.Fatalf("writeError to a failing writer succeeded")
	}
	w.ok = true
	if err := writeError("second"); err != nil {
		t.Fatalf("writeError failed: %v", err)
	}
	out := w.buf.String()
	if !strings.Contains(out, `"msg":"second"`) {
		t.Errorf("output %q is missing the second message", out)
	}
	if !strings.Contains(out, "Dropped 1 log messages") {
		t.Errorf("output %q does not report the dropped message", out)
	}
}

func TestWriteErrorNoLogger(t *testing.T) {
	SetErrorLogger(nil)
	if err := writeError("ignored"); err != nil {
		t.Errorf("writeError without a logger = %v, want nil", err)
	}
}
