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

package sinks

import (
	"bufio"
	"os"
	"sync"

	"github.com/sugawarayuuta/sonnet"

	"mcs/internal/kernel/core"
)

// Checkpoint is one kernel state capture.
type Checkpoint struct {
	Seq      uint64        `json:"seq"`
	Label    string        `json:"label,omitempty"`
	Snapshot core.Snapshot `json:"snapshot"`
}

// SnapshotFileSink appends checkpoints to a JSONL log. Each Append is
// flushed so a crashed run keeps every checkpoint written so far.
type SnapshotFileSink struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	seq uint64
}

func NewSnapshotFileSink(path string) (*SnapshotFileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &SnapshotFileSink{f: f, w: bufio.NewWriterSize(f, 1<<16)}, nil
}

// Append writes snap under the next sequence number and returns it.
func (s *SnapshotFileSink) Append(label string, snap core.Snapshot) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	b, err := sonnet.Marshal(Checkpoint{Seq: s.seq, Label: label, Snapshot: snap})
	if err != nil {
		return 0, err
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return 0, err
	}
	return s.seq, s.w.Flush()
}

func (s *SnapshotFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// ReadAllCheckpoints reads a checkpoint log in order.
func ReadAllCheckpoints(path string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := scanLines(path, func(line []byte) {
		var c Checkpoint
		if sonnet.Unmarshal(line, &c) == nil {
			out = append(out, c)
		}
	})
	return out, err
}
