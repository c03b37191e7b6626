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

// Package accounting keeps a durable ledger of the CPU time charged to each
// scheduling context. The kernel only holds a running total per context; a
// background worker turns the growth of those totals into batched commits
// for a Persister.
package accounting

import (
	"sync"
	"sync/atomic"
	"time"

	"mcs"
)

// UsageSource reports the total ticks charged so far to each scheduling
// context by name. *core.Kernel implements it.
type UsageSource interface {
	Usage() map[string]mcs.Ticks
}

// tracked is the ledger state of one scheduling context.
//
// armed implements a high/low watermark: a context commits as soon as its
// pending ticks reach the commit threshold, then must fall back to the low
// watermark before the threshold applies again. Only the worker touches it.
type tracked struct {
	mu sync.Mutex
	// raw is the last total read from the kernel. A total that goes down
	// means the context was deleted and recreated under the same name, and
	// base absorbs the old incarnation so observed stays monotonic.
	raw       mcs.Ticks
	base      mcs.Ticks
	committed mcs.Ticks
	gone      bool

	// lastChanged is UnixNano of the last refresh that saw growth.
	lastChanged int64
	armed       atomic.Bool
}

func (e *tracked) observed() mcs.Ticks { return e.base + e.raw }

// State returns the total ticks seen and the part already committed.
func (e *tracked) State() (observed, committed mcs.Ticks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observed(), e.committed
}

// Pending is the observed growth not yet committed.
func (e *tracked) Pending() mcs.Ticks {
	obs, com := e.State()
	return obs - com
}

// Gone reports whether the context disappeared from the kernel.
func (e *tracked) Gone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gone
}

// markCommitted records that the ledger now holds everything up to total.
func (e *tracked) markCommitted(total mcs.Ticks) {
	e.mu.Lock()
	if total > e.committed {
		e.committed = total
	}
	e.mu.Unlock()
}

// Store tracks every scheduling context its source reports.
type Store struct {
	src     UsageSource
	entries sync.Map // name -> *tracked
	now     func() time.Time
}

func NewStore(src UsageSource) *Store {
	return &Store{src: src, now: time.Now}
}

// Refresh reads the current totals from the source. Contexts the source no
// longer reports are marked gone; they stay until the worker evicts them.
func (s *Store) Refresh() {
	usage := s.src.Usage()
	now := s.now().UnixNano()
	for name, total := range usage {
		e := s.getOrCreate(name, now)
		e.mu.Lock()
		switch {
		case total < e.raw:
			e.base += e.raw
			e.raw = total
			e.lastChanged = now
		case total > e.raw:
			e.raw = total
			e.lastChanged = now
		}
		e.gone = false
		e.mu.Unlock()
	}
	s.entries.Range(func(key, value any) bool {
		if _, ok := usage[key.(string)]; !ok {
			e := value.(*tracked)
			e.mu.Lock()
			e.gone = true
			e.mu.Unlock()
		}
		return true
	})
}

// getOrCreate avoids allocating when the name is already tracked.
func (s *Store) getOrCreate(name string, now int64) *tracked {
	if v, ok := s.entries.Load(name); ok {
		return v.(*tracked)
	}
	e := &tracked{lastChanged: now}
	e.armed.Store(true)
	if v, loaded := s.entries.LoadOrStore(name, e); loaded {
		return v.(*tracked)
	}
	return e
}

// Get returns the ledger state of name.
func (s *Store) Get(name string) (observed, committed mcs.Ticks, ok bool) {
	v, ok := s.entries.Load(name)
	if !ok {
		return 0, 0, false
	}
	observed, committed = v.(*tracked).State()
	return observed, committed, true
}

// forEach calls f for every tracked context.
func (s *Store) forEach(f func(name string, e *tracked)) {
	s.entries.Range(func(key, value any) bool {
		f(key.(string), value.(*tracked))
		return true
	})
}

// Len returns the number of tracked contexts.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Delete stops tracking name.
func (s *Store) Delete(name string) { s.entries.Delete(name) }
