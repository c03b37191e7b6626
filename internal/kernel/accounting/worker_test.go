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
	"testing"
	"time"

	"mcs"
)

func TestWorker_ThresholdAndHysteresis(t *testing.T) {
	s, src, _ := newTestStore()
	p := &recordingPersister{}
	w := NewWorker(s, p, 10, 2, time.Hour, 0, time.Hour, time.Hour)

	src.set("sc", 12)
	w.runCommitCycle()
	batches := p.all()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("batches = %v, want one commit", batches)
	}
	if c := batches[0][0]; c != (Commit{Key: "sc", Ticks: 12, Total: 12}) {
		t.Fatalf("commit = %+v", c)
	}
	expectState(t, s, "sc", 12, 12)
	if entry(t, s, "sc").armed.Load() {
		t.Fatalf("entry still armed after a threshold commit")
	}

	// Still disarmed: pending 15 is over the threshold but not committed.
	src.set("sc", 27)
	w.runCommitCycle()
	if n := len(p.all()); n != 1 {
		t.Fatalf("disarmed entry committed, batches = %d", n)
	}

	// Below a threshold, a low watermark over the pending ticks re-arms it.
	w2 := NewWorker(s, p, 100, 20, time.Hour, 0, time.Hour, time.Hour)
	w2.runCommitCycle()
	if !entry(t, s, "sc").armed.Load() {
		t.Fatalf("entry not re-armed at the low watermark")
	}
}

func TestWorker_NoHysteresis(t *testing.T) {
	s, src, _ := newTestStore()
	p := &recordingPersister{}
	w := NewWorker(s, p, 5, 0, time.Hour, 0, time.Hour, time.Hour)
	for total := mcs.Ticks(5); total <= 15; total += 5 {
		src.set("sc", total)
		w.runCommitCycle()
	}
	if n := len(p.all()); n != 3 {
		t.Fatalf("batches = %d, want 3", n)
	}
	expectState(t, s, "sc", 15, 15)
}

func TestWorker_MaxAgeCommit(t *testing.T) {
	s, src, clk := newTestStore()
	p := &recordingPersister{}
	w := NewWorker(s, p, 1000, 0, time.Hour, 50*time.Millisecond, time.Hour, time.Hour)

	src.set("quiet", 3)
	w.runCommitCycle()
	if n := len(p.all()); n != 0 {
		t.Fatalf("fresh remainder committed")
	}
	clk.advance(time.Second)
	w.runCommitCycle()
	batches := p.all()
	if len(batches) != 1 || batches[0][0] != (Commit{Key: "quiet", Ticks: 3, Total: 3}) {
		t.Fatalf("batches = %v, want one max-age commit of 3", batches)
	}
}

func TestWorker_PersisterErrorKeepsPending(t *testing.T) {
	resetForTests()
	s, src, _ := newTestStore()
	p := &recordingPersister{}
	p.failing.Store(true)
	w := NewWorker(s, p, 3, 1, time.Hour, 0, time.Hour, time.Hour)

	src.set("err", 5)
	w.runCommitCycle()
	expectState(t, s, "err", 5, 0)
	if !entry(t, s, "err").armed.Load() {
		t.Errorf("entry disarmed by a failed batch")
	}
	if err := w.Flush(); err == nil {
		t.Errorf("Flush with a failing persister returned nil")
	}
	if got := GetTotals().LedgerErrors; got != 2 {
		t.Errorf("ledger errors = %d, want 2", got)
	}
}

func TestWorker_RecoversAfterFailedBatch(t *testing.T) {
	s, src, _ := newTestStore()
	p := &recordingPersister{}
	p.failing.Store(true)
	w := NewWorker(s, p, 10, 2, time.Hour, 0, time.Hour, time.Hour)

	src.set("sc", 50)
	w.runCommitCycle()
	expectState(t, s, "sc", 50, 0)

	// Usage keeps growing, so the pending ticks never fall back to the low
	// watermark; the next cycle must still commit them.
	p.failing.Store(false)
	src.set("sc", 200)
	w.runCommitCycle()
	batches := p.all()
	if len(batches) != 1 || batches[0][0] != (Commit{Key: "sc", Ticks: 200, Total: 200}) {
		t.Fatalf("batches = %v, want one commit of 200", batches)
	}
	expectState(t, s, "sc", 200, 200)
	if entry(t, s, "sc").armed.Load() {
		t.Errorf("entry still armed after a stored threshold commit")
	}
}

func TestWorker_FinalFlush(t *testing.T) {
	s, src, _ := newTestStore()
	p := &recordingPersister{}
	w := NewWorker(s, p, 1000, 0, time.Hour, 0, time.Hour, time.Hour)

	src.set("a", 2)
	src.set("b", 3)
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	batches := p.all()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("batches = %v, want one batch of two", batches)
	}
	expectState(t, s, "a", 2, 2)
	expectState(t, s, "b", 3, 3)

	// Nothing pending: no empty batch.
	if err := w.Flush(); err != nil || len(p.all()) != 1 {
		t.Fatalf("second flush err=%v batches=%d", err, len(p.all()))
	}
}

func TestWorker_Eviction(t *testing.T) {
	t.Run("GoneContextCommittedThenEvicted", func(t *testing.T) {
		s, src, clk := newTestStore()
		p := &recordingPersister{}
		w := NewWorker(s, p, 1000, 0, time.Hour, 0, time.Minute, time.Hour)
		src.set("old", 4)
		s.Refresh()
		src.drop("old")
		s.Refresh()
		clk.advance(2 * time.Minute)
		w.runEvictionCycle()
		if _, _, ok := s.Get("old"); ok {
			t.Fatalf("gone context not evicted")
		}
		batches := p.all()
		if len(batches) != 1 || batches[0][0] != (Commit{Key: "old", Ticks: 4, Total: 4}) {
			t.Fatalf("batches = %v, want the remainder committed", batches)
		}
	})

	t.Run("LiveContextKept", func(t *testing.T) {
		s, src, clk := newTestStore()
		w := NewWorker(s, &recordingPersister{}, 1000, 0, time.Hour, 0, time.Minute, time.Hour)
		src.set("live", 4)
		s.Refresh()
		clk.advance(time.Hour)
		w.runEvictionCycle()
		if _, _, ok := s.Get("live"); !ok {
			t.Fatalf("live context evicted")
		}
	})

	t.Run("ErrorKeepsKey", func(t *testing.T) {
		s, src, clk := newTestStore()
		p := &recordingPersister{}
		p.failing.Store(true)
		w := NewWorker(s, p, 1000, 0, time.Hour, 0, time.Minute, time.Hour)
		src.set("stale", 4)
		s.Refresh()
		src.drop("stale")
		s.Refresh()
		clk.advance(time.Hour)
		w.runEvictionCycle()
		if _, _, ok := s.Get("stale"); !ok {
			t.Fatalf("key evicted although its final commit failed")
		}
	})
}

func TestWorker_StartStop(t *testing.T) {
	s, src, _ := newTestStore()
	p := &recordingPersister{}
	w := NewWorker(s, p, 1000, 0, time.Millisecond, 0, time.Hour, time.Millisecond)
	src.set("sc", 7)
	w.Start()
	time.Sleep(5 * time.Millisecond)
	w.Stop()
	w.Stop()
	expectState(t, s, "sc", 7, 7)
}
