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
	"time"

	"mcs/internal/kernel/accounting"
)

// BuildPersister constructs the ledger persister for adapter.
//
//   - "" or "mock": prints batches to standard output.
//   - "redis": a real client when opts.RedisAddr is set, else a dry run.
//   - "kafka": a dry-run producer on opts.KafkaTopic.
//   - "sqlite": a database at opts.SQLitePath (default in memory).
func BuildPersister(adapter string, opts AdapterOptions) (accounting.Persister, error) {
	switch adapter {
	case "", "mock":
		return accounting.NewMockPersister(nil), nil
	case "redis":
		ttl := opts.RedisMarkerTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		var evaler RedisEvaler
		if opts.RedisAddr != "" {
			evaler = NewRedisClient(opts.RedisAddr)
		} else {
			evaler = DryRunEvaler{Log: opts.logger()}
		}
		return NewIdemShim(NewRedisPersister(evaler, ttl)), nil
	case "kafka":
		topic := opts.KafkaTopic
		if topic == "" {
			topic = "mcs-ledger"
		}
		return NewIdemShim(NewKafkaPersister(DryRunProducer{Log: opts.logger()}, topic)), nil
	case "sqlite":
		path := opts.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		p, err := OpenSQLite(context.Background(), path)
		if err != nil {
			return nil, err
		}
		return NewIdemShim(p), nil
	default:
		return nil, fmt.Errorf("unknown persistence adapter: %s", adapter)
	}
}
