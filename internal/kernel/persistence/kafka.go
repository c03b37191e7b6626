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

	"github.com/sugawarayuuta/sonnet"
)

// KafkaProducer is the part of a Kafka client the adapter needs. Producers
// should run with idempotence enabled and acks=all.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaPersister publishes commits as messages keyed by commit id. It does
// not materialise the ledger: consumers drop ids they have seen and totals
// at or below the last one applied for the key.
type KafkaPersister struct {
	producer       KafkaProducer
	topic          string
	defaultTimeout time.Duration
}

func NewKafkaPersister(p KafkaProducer, topic string) *KafkaPersister {
	return &KafkaPersister{producer: p, topic: topic, defaultTimeout: 10 * time.Second}
}

// CommitMessage is the JSON payload of one message.
type CommitMessage struct {
	Key      string `json:"sc"`
	Ticks    uint64 `json:"ticks"`
	Total    uint64 `json:"total"`
	CommitID string `json:"commit_id"`
	TsUnixMs int64  `json:"ts_unix_ms"`
}

func (k *KafkaPersister) CommitBatch(ctx context.Context, entries []CommitEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && k.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	nowMs := time.Now().UnixMilli()
	for _, e := range entries {
		if e.CommitID == "" {
			return errNoCommitID
		}
		b, err := sonnet.Marshal(CommitMessage{
			Key:      e.Key,
			Ticks:    e.Ticks,
			Total:    e.Total,
			CommitID: e.CommitID,
			TsUnixMs: nowMs,
		})
		if err != nil {
			return fmt.Errorf("marshal kafka message: %w", err)
		}
		headers := map[string]string{"content-type": "application/json"}
		if err := k.producer.Produce(ctx, k.topic, []byte(e.CommitID), b, headers); err != nil {
			return fmt.Errorf("kafka produce key=%s commit=%s: %w", e.Key, e.CommitID, err)
		}
	}
	return nil
}
