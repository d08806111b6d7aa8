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

package statefile

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var key = []byte("0123456789abcdef0123456789abcdef")

func writeFile(t *testing.T, md map[string]string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key, md)
	if err != nil {
		t.Fatalf("NewWriter() = %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		md   map[string]string
		data []byte
	}{
		{name: "empty"},
		{name: "metadata only", md: map[string]string{"kind": "mutex"}},
		{name: "data", md: map[string]string{"kind": "semaphore", "fair": "true"}, data: []byte{0x08, 0x03}},
		{name: "large data", data: bytes.Repeat([]byte("state"), 100000)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := writeFile(t, tc.md, tc.data)
			r, md, err := NewReader(bytes.NewReader(b), key)
			if err != nil {
				t.Fatalf("NewReader() = %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() = %v", err)
			}
			if diff := cmp.Diff(tc.data, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("data mismatch (-want +got):\n%s", diff)
			}
			if _, ok := md[TimestampKey]; !ok {
				t.Errorf("metadata has no %s", TimestampKey)
			}
			delete(md, TimestampKey)
			if diff := cmp.Diff(tc.md, md, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("metadata mismatch (-want +got):\n%s", diff)
			}
			// The caller's map is left untouched.
			if _, ok := tc.md[TimestampKey]; ok {
				t.Errorf("NewWriter left %s in the caller's metadata", TimestampKey)
			}
		})
	}
}

func TestInvalidMetadataKey(t *testing.T) {
	if _, err := NewWriter(io.Discard, key, map[string]string{"_internal": "x"}); !errors.Is(err, ErrMetadataInvalid) {
		t.Errorf("NewWriter() = %v, want %v", err, ErrMetadataInvalid)
	}
}

func TestBadMagic(t *testing.T) {
	b := writeFile(t, nil, []byte("data"))
	b[0] ^= 0xff
	if _, _, err := NewReader(bytes.NewReader(b), key); !errors.Is(err, ErrBadMagic) {
		t.Errorf("NewReader() = %v, want %v", err, ErrBadMagic)
	}
}

func TestWrongKey(t *testing.T) {
	b := writeFile(t, map[string]string{"kind": "mutex"}, []byte("data"))
	if _, _, err := NewReader(bytes.NewReader(b), []byte("wrong")); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("NewReader() = %v, want %v", err, ErrHashMismatch)
	}
	// The metadata can still be read without a key.
	md, err := MetadataUnsafe(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("MetadataUnsafe() = %v", err)
	}
	if md["kind"] != "mutex" {
		t.Errorf("MetadataUnsafe() = %v, want kind=mutex", md)
	}
}

func TestCorruptData(t *testing.T) {
	b := writeFile(t, nil, []byte("data"))
	b[len(b)-33] ^= 0x01
	if _, _, err := NewReader(bytes.NewReader(b), key); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("NewReader() = %v, want %v", err, ErrHashMismatch)
	}
}

func TestTruncated(t *testing.T) {
	b := writeFile(t, nil, nil)
	if _, _, err := NewReader(bytes.NewReader(b[:len(b)-1]), key); err == nil {
		t.Errorf("NewReader() accepted a truncated file")
	}
	if _, _, err := NewReader(bytes.NewReader(b[:4]), key); err == nil {
		t.Errorf("NewReader() accepted a truncated header")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutex.state")
	data := []byte{0x08, 0x01}
	if err := Save(path, key, map[string]string{"kind": "mutex"}, data); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	got, md, err := Load(path, key)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if err := RequireMetadata(md, "kind", TimestampKey); err != nil {
		t.Errorf("RequireMetadata() = %v", err)
	}
	if err := RequireMetadata(md, "fair"); !errors.Is(err, ErrMetadataMissing) {
		t.Errorf("RequireMetadata(fair) = %v, want %v", err, ErrMetadataMissing)
	}

	// Overwrite in place.
	if err := Save(path, key, nil, []byte{0x08, 0x00}); err != nil {
		t.Fatalf("second Save() = %v", err)
	}
	if got, _, err := Load(path, key); err != nil || !bytes.Equal(got, []byte{0x08, 0x00}) {
		t.Errorf("Load() after overwrite = %v, %v", got, err)
	}
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Errorf("lock file missing: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing"), key); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() = %v, want %v", err, os.ErrNotExist)
	}
}
