// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package persistence

import (
	"context"
	"fmt"
	"io"

	"mcs/internal/kernel/accounting"
)

// IdemShim adapts an IdempotentPersister to accounting.Persister.
//
// Commit ids are derived from the context name and the total the commit
// brings it to. A batch that the worker retries after a failure therefore
// reuses its ids, and an adapter that already applied part of it skips
// those entries.
type IdemShim struct {
	impl IdempotentPersister
}

func NewIdemShim(impl IdempotentPersister) *IdemShim { return &IdemShim{impl: impl} }

func (s *IdemShim) CommitBatch(commits []accounting.Commit) error {
	if len(commits) == 0 {
		return nil
	}
	entries := make([]CommitEntry, len(commits))
	for i, c := range commits {
		entries[i] = CommitEntry{
			Key:      c.Key,
			Ticks:    uint64(c.Ticks),
			Total:    uint64(c.Total),
			CommitID: CommitID(c.Key, uint64(c.Total)),
		}
	}
	return s.impl.CommitBatch(context.Background(), entries)
}

func (s *IdemShim) PrintFinalMetrics() {}

// Close closes the underlying adapter when it holds resources.
func (s *IdemShim) Close() error {
	if c, ok := s.impl.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CommitID is the idempotency key of the commit that brings key to total.
func CommitID(key string, total uint64) string {
	return fmt.Sprintf("%s@%d", key, total)
}
