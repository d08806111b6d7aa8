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

package qsync

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// MarshalBinary implements encoding.BinaryMarshaler. Only the state is
// encoded; queued threads, condition waiters and the exclusive owner are
// transient.
func (s *Sync) MarshalBinary() ([]byte, error) {
	return proto.Marshal(wrapperspb.Int64(s.State()))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. It restores the
// state and leaves s with an empty queue and no owner. s must have no
// waiters.
func (s *Sync) UnmarshalBinary(data []byte) error {
	var v wrapperspb.Int64Value
	if err := proto.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("qsync: decoding state: %w", err)
	}
	s.head.Store(nil)
	s.tail.Store(nil)
	s.owner.Store(nil)
	s.SetState(v.GetValue())
	return nil
}
