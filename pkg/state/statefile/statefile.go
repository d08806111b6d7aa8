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

// Package statefile defines the state file data stream used to checkpoint
// synchronizer state.
//
// The file format is defined as follows.
//
// /------------------------------------------------------\
// |                   header (8-bytes)                   |
// +------------------------------------------------------+
// |              metadata length (8-bytes)               |
// +------------------------------------------------------+
// |                       metadata                       |
// +------------------------------------------------------+
// |                 metadata HMAC (32-bytes)             |
// +------------------------------------------------------+
// |                         data                         |
// +------------------------------------------------------+
// |                   file HMAC (32-bytes)               |
// \------------------------------------------------------/
//
// First, it includes a 8-byte magic header which is the following
// sequence of bytes [0x71, 0x53, 0x79, 0x6e, 0x63, 0x53, 0x46, 0x31]
//
// This header is followed by an 8-byte length N (big endian), and an
// ASCII-encoded JSON map that is exactly N bytes long.
//
// This map includes only strings for keys and strings for values. Keys in the
// map that begin with "_" are for internal use only. They may be read, but may
// not be provided by the user.
//
// The metadata is followed by an HMAC-SHA256 of everything before it, so that
// metadata can be trusted without reading the data. The data runs to the end
// of the file, less a final HMAC-SHA256 of everything before it.
package statefile

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gvisor.dev/qsync/pkg/log"
)

// maxMetadataSize is the size limit of metadata section.
const maxMetadataSize = 16 * 1024 * 1024

// magicHeader is the byte sequence beginning each file.
var magicHeader = []byte("qSyncSF1")

// ErrBadMagic is returned if the header does not match.
var ErrBadMagic = errors.New("bad magic header")

// ErrMetadataMissing is returned if the state file is missing mandatory metadata.
var ErrMetadataMissing = errors.New("missing metadata")

// ErrInvalidMetadataLength is returned if the metadata length is too large.
var ErrInvalidMetadataLength = fmt.Errorf("metadata length invalid, maximum size is %d", maxMetadataSize)

// ErrMetadataInvalid is returned if passed metadata is invalid.
var ErrMetadataInvalid = errors.New("metadata invalid, can't start with _")

// ErrHashMismatch is returned if an HMAC does not match the file contents.
var ErrHashMismatch = errors.New("hash mismatch")

// TimestampKey is the internal metadata key holding the save time.
const TimestampKey = "_timestamp"

func writeMetadataLen(w io.Writer, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	_, err := w.Write(buf[:])
	return err
}

// writer writes the data section and appends the file HMAC on Close.
type writer struct {
	w io.Writer
	h hash.Hash
}

// Write implements io.Writer.Write.
func (w *writer) Write(p []byte) (int, error) {
	return io.MultiWriter(w.w, w.h).Write(p)
}

// Close implements io.Closer.Close. It does not close the underlying writer.
func (w *writer) Close() error {
	_, err := w.w.Write(w.h.Sum(nil))
	return err
}

// NewWriter returns a state data writer for a statefile.
//
// Note that the returned WriteCloser must be closed.
func NewWriter(w io.Writer, key []byte, metadata map[string]string) (io.WriteCloser, error) {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	for k := range metadata {
		if strings.HasPrefix(k, "_") {
			return nil, ErrMetadataInvalid
		}
	}

	// Create our HMAC function.
	h := hmac.New(sha256.New, key)
	mw := io.MultiWriter(w, h)

	// First, write the header.
	if _, err := mw.Write(magicHeader); err != nil {
		return nil, err
	}

	// Generate a timestamp, for convenience only.
	metadata[TimestampKey] = time.Now().UTC().String()
	defer delete(metadata, TimestampKey)

	// Write the metadata.
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	if len(b) > maxMetadataSize {
		return nil, ErrInvalidMetadataLength
	}

	// Metadata length.
	if err := writeMetadataLen(mw, uint64(len(b))); err != nil {
		return nil, err
	}
	// Metadata bytes; io.MultiWriter will return a short write error if
	// any of the writers returns < n.
	if _, err := mw.Write(b); err != nil {
		return nil, err
	}
	// Write the current hash. It is also hashed, so the file HMAC covers it.
	if _, err := mw.Write(h.Sum(nil)); err != nil {
		return nil, err
	}
	return &writer{w: w, h: h}, nil
}

// MetadataUnsafe reads out the metadata from a state file without verifying any
// HMAC. This function shouldn't be called for untrusted input files.
func MetadataUnsafe(r io.Reader) (map[string]string, error) {
	return metadata(r, nil)
}

func readMetadataLen(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// metadata validates the magic header and reads out the metadata from a state
// data stream. If h is not nil, the metadata HMAC is verified.
func metadata(r io.Reader, h hash.Hash) (map[string]string, error) {
	if h != nil {
		r = io.TeeReader(r, h)
	}

	// Read and validate magic header.
	b := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	if !bytes.Equal(b, magicHeader) {
		return nil, ErrBadMagic
	}

	metadataLen, err := readMetadataLen(r)
	if err != nil {
		return nil, err
	}
	if metadataLen > maxMetadataSize {
		return nil, ErrInvalidMetadataLength
	}
	b = make([]byte, int(metadataLen))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	if h != nil {
		// Check the hash prior to decoding.
		cur := h.Sum(nil)
		buf := make([]byte, len(cur))
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if !hmac.Equal(cur, buf) {
			return nil, ErrHashMismatch
		}
	}

	// Decode the metadata.
	metadata := make(map[string]string)
	if err := json.Unmarshal(b, &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// NewReader returns a reader for the data of a statefile, and its metadata.
// The whole file is verified before NewReader returns, so the data must fit
// in memory.
func NewReader(r io.Reader, key []byte) (io.Reader, map[string]string, error) {
	// Read the metadata with the hash.
	h := hmac.New(sha256.New, key)
	metadata, err := metadata(r, h)
	if err != nil {
		return nil, nil, err
	}

	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < h.Size() {
		return nil, nil, io.ErrUnexpectedEOF
	}
	data, sum := rest[:len(rest)-h.Size()], rest[len(rest)-h.Size():]
	h.Write(data)
	if !hmac.Equal(h.Sum(nil), sum) {
		return nil, nil, ErrHashMismatch
	}
	return bytes.NewReader(data), metadata, nil
}

// lock takes a file lock next to path. It is held while the state file is
// written or read so that concurrent checkpoints do not interleave.
func lock(path string) (func() error, error) {
	f := path + ".lock"
	l := flock.NewFlock(f)
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("error acquiring lock on state file lock %q: %w", f, err)
	}
	return l.Unlock, nil
}

// Save atomically writes a state file at path containing data.
func Save(path string, key []byte, md map[string]string, data []byte) error {
	unlock, err := lock(path)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w, err := NewWriter(tmp, key, md)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file data: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file HMAC: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	log.Debugf("Saved state file %q (%d bytes of data)", path, len(data))
	return nil
}

// Load reads and verifies the state file at path.
func Load(path string, key []byte) ([]byte, map[string]string, error) {
	unlock, err := lock(path)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r, md, err := NewReader(f, key)
	if err != nil {
		return nil, nil, fmt.Errorf("reading state file %q: %w", path, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	log.Debugf("Loaded state file %q (%d bytes of data)", path, len(data))
	return data, md, nil
}

// RequireMetadata returns ErrMetadataMissing if any of keys is absent from
// md.
func RequireMetadata(md map[string]string, keys ...string) error {
	for _, k := range keys {
		if _, ok := md[k]; !ok {
			return fmt.Errorf("%w: %q", ErrMetadataMissing, k)
		}
	}
	return nil
}
