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

// Package persistence provides idempotent ledger adapters for Redis, Kafka
// and SQL databases.
//
// Every entry carries a commit id and the context's durable total after the
// commit. Applying the same id twice is a no-op, and a total at or below the
// one already stored is stale and skipped, so retries and reordering never
// double-charge a scheduling context.
package persistence

import "context"

// CommitEntry is the adapter-facing shape of one ledger commit.
//
//   - Key: scheduling context name.
//   - Ticks: ticks charged since the previous commit of Key.
//   - Total: Key's cumulative charge including this commit. It only grows
//     and serves as the fencing token.
//   - CommitID: idempotency key, stable across retries of the same commit.
type CommitEntry struct {
	Key      string
	Ticks    uint64
	Total    uint64
	CommitID string
}

// IdempotentPersister applies ledger entries so that a retried entry has no
// further effect.
type IdempotentPersister interface {
	CommitBatch(ctx context.Context, entries []CommitEntry) error
}

var errNoCommitID = errorString("CommitEntry.CommitID must be set")

type errorString string

func (e errorString) Error() string { return string(e) }
