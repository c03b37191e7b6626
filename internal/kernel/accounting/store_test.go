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

package accounting

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcs"
)

type fakeSource struct {
	mu    sync.Mutex
	usage map[string]mcs.Ticks
}

func newFakeSource() *fakeSource { return &fakeSource{usage: make(map[string]mcs.Ticks)} }

func (f *fakeSource) Usage() map[string]mcs.Ticks {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]mcs.Ticks, len(f.usage))
	for k, v := range f.usage {
		out[k] = v
	}
	return out
}

func (f *fakeSource) set(name string, total mcs.Ticks) {
	f.mu.Lock()
	f.usage[name] = total
	f.mu.Unlock()
}

func (f *fakeSource) drop(name string) {
	f.mu.Lock()
	delete(f.usage, name)
	f.mu.Unlock()
}

// manualNow is a settable clock for Store.now.
type manualNow struct{ t atomic.Int64 }

func newManualNow() *manualNow {
	m := &manualNow{}
	m.t.Store(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return m
}

func (m *manualNow) now() time.Time { return time.Unix(0, m.t.Load()) }
func (m *manualNow) advance(d time.Duration) { m.t.Add(int64(d)) }

func newTestStore() (*Store, *fakeSource, *manualNow) {
	src := newFakeSource()
	clk := newManualNow()
	s := NewStore(src)
	s.now = clk.now
	return s, src, clk
}

func entry(t *testing.T, s *Store, name string) *tracked {
	t.Helper()
	v, ok := s.entries.Load(name)
	if !ok {
		t.Fatalf("%s is not tracked", name)
	}
	return v.(*tracked)
}

func expectState(t *testing.T, s *Store, name string, observed, committed mcs.Ticks) {
	t.Helper()
	obs, com, ok := s.Get(name)
	if !ok || obs != observed || com != committed {
		t.Fatalf("%s = (%d, %d, %v), want (%d, %d)", name, obs, com, ok, observed, committed)
	}
}

// recordingPersister keeps every batch and fails while failing is set.
type recordingPersister struct {
	mu      sync.Mutex
	failing atomic.Bool
	batches [][]Commit
}

func (p *recordingPersister) CommitBatch(commits []Commit) error {
	if p.failing.Load() {
		return errors.New("forced persister error")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]Commit(nil), commits...))
	return nil
}

func (p *recordingPersister) PrintFinalMetrics() {}

func (p *recordingPersister) all() [][]Commit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]Commit(nil), p.batches...)
}

func TestStore_Refresh(t *testing.T) {
	s, src, _ := newTestStore()

	t.Run("TracksGrowth", func(t *testing.T) {
		src.set("a", 10)
		s.Refresh()
		expectState(t, s, "a", 10, 0)
		src.set("a", 25)
		s.Refresh()
		expectState(t, s, "a", 25, 0)
		if !entry(t, s, "a").armed.Load() {
			t.Errorf("new entry is not armed")
		}
	})

	t.Run("RecreatedContextStaysMonotonic", func(t *testing.T) {
		src.set("a", 4)
		s.Refresh()
		expectState(t, s, "a", 29, 0)
		src.set("a", 6)
		s.Refresh()
		expectState(t, s, "a", 31, 0)
	})

	t.Run("GoneAndBack", func(t *testing.T) {
		src.drop("a")
		s.Refresh()
		if !entry(t, s, "a").Gone() {
			t.Fatalf("dropped context not marked gone")
		}
		expectState(t, s, "a", 31, 0)
		src.set("a", 6)
		s.Refresh()
		if entry(t, s, "a").Gone() {
			t.Errorf("reappeared context still gone")
		}
	})

	t.Run("Len", func(t *testing.T) {
		src.set("b", 1)
		s.Refresh()
		if s.Len() != 2 {
			t.Errorf("Len = %d, want 2", s.Len())
		}
		s.Delete("b")
		if _, _, ok := s.Get("b"); ok {
			t.Errorf("deleted entry still tracked")
		}
	})

	t.Run("VisitsEveryEntry", func(t *testing.T) {
		src.drop("b")
		src.set("c", 3)
		s.Refresh()
		seen := make(map[string]mcs.Ticks)
		s.forEach(func(name string, e *tracked) {
			obs, _ := e.State()
			seen[name] = obs
		})
		if _, ok := seen["a"]; !ok || len(seen) != 2 || seen["c"] != 3 {
			t.Errorf("visited %v, want a and c=3", seen)
		}
	})
}
