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

// Package sinks writes kernel trace events and state checkpoints to JSONL
// files for audit and replay.
package sinks

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"mcs/internal/kernel/core"
)

const flushEvery = 100 * time.Millisecond

// TraceFileSink appends trace events to a JSONL log. It is a core.Tracer,
// so Trace runs under the kernel lock and only buffers.
type TraceFileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	err  error

	lastFlush time.Time
}

func NewTraceFileSink(path string) (*TraceFileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &TraceFileSink{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path, lastFlush: time.Now()}, nil
}

func (s *TraceFileSink) Trace(e core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(&e)
	s.maybeFlush()
}

func (s *TraceFileSink) AppendAll(events []core.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range events {
		s.write(&events[i])
	}
	s.maybeFlush()
}

// write encodes one line. The first error sticks and is reported by Flush
// and Close.
func (s *TraceFileSink) write(e *core.Event) {
	if s.err != nil {
		return
	}
	b, err := sonnet.Marshal(e)
	if err == nil {
		_, err = s.w.Write(append(b, '\n'))
	}
	s.err = err
}

func (s *TraceFileSink) maybeFlush() {
	if time.Since(s.lastFlush) > flushEvery {
		if err := s.w.Flush(); err != nil && s.err == nil {
			s.err = err
		}
		s.lastFlush = time.Now()
	}
}

func (s *TraceFileSink) Path() string { return s.path }

func (s *TraceFileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	if s.err != nil {
		return s.err
	}
	return s.w.Flush()
}

func (s *TraceFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ferr := s.w.Flush()
	cerr := s.f.Close()
	switch {
	case s.err != nil:
		return s.err
	case ferr != nil:
		return ferr
	}
	return cerr
}

// ReadAllTrace reads a trace log for replay. Lines that do not decode are
// skipped.
func ReadAllTrace(path string) ([]core.Event, error) {
	var out []core.Event
	err := scanLines(path, func(line []byte) {
		var e core.Event
		if sonnet.Unmarshal(line, &e) == nil {
			out = append(out, e)
		}
	})
	return out, err
}

func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		fn(scanner.Bytes())
	}
	return scanner.Err()
}
