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
	"time"
)

// RedisEvaler is the part of a Redis client the adapter needs.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisPersister applies commits with one Lua script per entry:
//  1. SETNX commit:<key>:<commit_id>; an existing marker means already applied.
//  2. If the stored total is at or above the entry's, the entry is stale.
//  3. Otherwise HINCRBY ledger:<key> ticks and record the new total.
//  4. EXPIRE the marker so markers do not pile up.
type RedisPersister struct {
	client    RedisEvaler
	markerTTL time.Duration
}

// NewRedisPersister returns a persister. markerTTL should comfortably exceed
// the longest retry window; 0 means 24h.
func NewRedisPersister(client RedisEvaler, markerTTL time.Duration) *RedisPersister {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisPersister{client: client, markerTTL: markerTTL}
}

// redisLuaScript returns 1 when applied and 0 when the entry was a duplicate
// or stale.
const redisLuaScript = `
local ledgerKey = KEYS[1]
local markerKey = KEYS[2]
local ticks = tonumber(ARGV[1])
local total = tonumber(ARGV[2])
local ttlSeconds = tonumber(ARGV[3])
if redis.call('SETNX', markerKey, 1) == 0 then
  return 0
end
if ttlSeconds and ttlSeconds > 0 then
  redis.call('EXPIRE', markerKey, ttlSeconds)
end
local stored = tonumber(redis.call('HGET', ledgerKey, 'total') or '0')
if total <= stored then
  return 0
end
redis.call('HINCRBY', ledgerKey, 'ticks', ticks)
redis.call('HSET', ledgerKey, 'total', total)
return 1
`

func RedisLedgerKey(key string) string { return fmt.Sprintf("ledger:%s", key) }
func RedisCommitMarkerKey(key, commitID string) string {
	return fmt.Sprintf("commit:%s:%s", key, commitID)
}

func (r *RedisPersister) CommitBatch(ctx context.Context, entries []CommitEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.CommitID == "" {
			return errNoCommitID
		}
		keys := []string{RedisLedgerKey(e.Key), RedisCommitMarkerKey(e.Key, e.CommitID)}
		args := []interface{}{e.Ticks, e.Total, int(r.markerTTL.Seconds())}
		if _, err := r.client.Eval(ctx, redisLuaScript, keys, args...); err != nil {
			return fmt.Errorf("redis eval key=%s commit=%s: %w", e.Key, e.CommitID, err)
		}
	}
	return nil
}

// Close closes the client when it holds a connection pool.
func (r *RedisPersister) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
