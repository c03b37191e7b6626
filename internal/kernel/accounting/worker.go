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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcs"
)

// Worker commits ledger growth in the background and forgets contexts that
// were deleted from the kernel.
type Worker struct {
	store              *Store
	persister          Persister
	log                *zap.Logger
	commitThreshold    mcs.Ticks
	lowCommitThreshold mcs.Ticks
	commitInterval     time.Duration
	commitMaxAge       time.Duration
	evictionAge        time.Duration
	evictionInterval   time.Duration
	stopChan           chan struct{}
	wg                 sync.WaitGroup
	stopped            uint32
}

// NewWorker configures a worker.
//
// commitThreshold is the high watermark: a context whose pending ticks reach
// it is committed. lowCommitThreshold re-arms a context once its pending
// ticks drop to it; 0 disables the hysteresis. commitMaxAge commits any
// remainder that has not grown for that long; 0 disables it. A context that
// is gone from the kernel is evicted evictionAge after its last growth.
func NewWorker(store *Store, persister Persister, commitThreshold, lowCommitThreshold mcs.Ticks, commitInterval, commitMaxAge, evictionAge, evictionInterval time.Duration) *Worker {
	return &Worker{
		store:              store,
		persister:          persister,
		log:                zap.NewNop(),
		commitThreshold:    commitThreshold,
		lowCommitThreshold: lowCommitThreshold,
		commitInterval:     commitInterval,
		commitMaxAge:       commitMaxAge,
		evictionAge:        evictionAge,
		evictionInterval:   evictionInterval,
		stopChan:           make(chan struct{}),
	}
}

// SetLogger replaces the default no-op logger. Call before Start.
func (w *Worker) SetLogger(l *zap.Logger) { w.log = l.Named("ledger") }

// Start launches the commit and eviction loops.
func (w *Worker) Start() {
	w.log.Info("starting ledger worker",
		zap.Uint64("commit-threshold", uint64(w.commitThreshold)),
		zap.Duration("commit-interval", w.commitInterval))
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.commitLoop()
	}()
	go func() {
		defer w.wg.Done()
		w.evictionLoop()
	}()
}

// Stop ends both loops after a final flush. It is safe to call twice.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	w.log.Info("stopping ledger worker")
	close(w.stopChan)
	w.wg.Wait()
}

func (w *Worker) commitLoop() {
	ticker := time.NewTicker(w.commitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runCommitCycle()
		case <-w.stopChan:
			_ = w.runFinalFlush()
			return
		}
	}
}

type pendingCommit struct {
	entry *tracked
	total mcs.Ticks
	// disarm is applied only once the batch is stored.
	disarm bool
}

// runCommitCycle refreshes the store and persists every context that
// crossed the threshold or aged out, as one batch.
func (w *Worker) runCommitCycle() {
	w.store.Refresh()

	var commits []Commit
	var applied []pendingCommit
	now := w.store.now()
	w.store.forEach(func(name string, e *tracked) {
		obs, com := e.State()
		pending := obs - com

		byThreshold := pending > 0 && pending >= w.commitThreshold
		e.mu.Lock()
		last := e.lastChanged
		e.mu.Unlock()
		byMaxAge := w.commitMaxAge > 0 && pending > 0 && now.Sub(time.Unix(0, last)) >= w.commitMaxAge

		commit := false
		if byThreshold {
			if w.lowCommitThreshold <= 0 || e.armed.Load() {
				commit = true
			}
		} else if w.lowCommitThreshold > 0 && !e.armed.Load() && pending <= w.lowCommitThreshold {
			e.armed.Store(true)
		}
		if byMaxAge {
			commit = true
		}
		if commit {
			commits = append(commits, Commit{Key: name, Ticks: pending, Total: obs})
			applied = append(applied, pendingCommit{entry: e, total: obs, disarm: byThreshold})
		}
	})
	_ = w.persist(commits, applied, "commit")
}

// runFinalFlush commits every remainder regardless of thresholds.
func (w *Worker) runFinalFlush() error {
	w.store.Refresh()

	var commits []Commit
	var applied []pendingCommit
	w.store.forEach(func(name string, e *tracked) {
		obs, com := e.State()
		if obs > com {
			commits = append(commits, Commit{Key: name, Ticks: obs - com, Total: obs})
			applied = append(applied, pendingCommit{entry: e, total: obs})
		}
	})
	return w.persist(commits, applied, "final flush")
}

func (w *Worker) persist(commits []Commit, applied []pendingCommit, what string) error {
	if len(commits) == 0 {
		return nil
	}
	if err := w.persister.CommitBatch(commits); err != nil {
		RecordLedgerError()
		w.log.Error("ledger batch failed",
			zap.String("cycle", what),
			zap.Int("commits", len(commits)),
			zap.Error(err))
		return fmt.Errorf("%s of %d commits: %w", what, len(commits), err)
	}
	for _, a := range applied {
		a.entry.markCommitted(a.total)
		if a.disarm {
			a.entry.armed.Store(false)
		}
	}
	RecordLedgerBatch(len(commits))
	w.log.Debug("ledger batch committed", zap.String("cycle", what), zap.Int("commits", len(commits)))
	return nil
}

func (w *Worker) evictionLoop() {
	ticker := time.NewTicker(w.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runEvictionCycle()
		case <-w.stopChan:
			return
		}
	}
}

// runEvictionCycle forgets contexts that are gone from the kernel and have
// not grown for evictionAge, committing their remainder first. Live
// contexts are never evicted: their totals would be counted again.
func (w *Worker) runEvictionCycle() {
	now := w.store.now()
	var evict []string
	w.store.forEach(func(name string, e *tracked) {
		e.mu.Lock()
		stale := e.gone && now.Sub(time.Unix(0, e.lastChanged)) > w.evictionAge
		e.mu.Unlock()
		if stale {
			evict = append(evict, name)
		}
	})
	if len(evict) == 0 {
		return
	}

	w.log.Info("evicting deleted scheduling contexts", zap.Int("count", len(evict)))
	for _, name := range evict {
		v, ok := w.store.entries.Load(name)
		if !ok {
			continue
		}
		e := v.(*tracked)
		if !e.Gone() {
			continue
		}
		if obs, com := e.State(); obs > com {
			c := Commit{Key: name, Ticks: obs - com, Total: obs}
			if err := w.persist([]Commit{c}, []pendingCommit{{entry: e, total: obs}}, "eviction"); err != nil {
				continue
			}
		}
		w.store.Delete(name)
	}
}

// Flush commits every remainder now. It is meant for tests and for the
// simulator's end-of-run report.
func (w *Worker) Flush() error { return w.runFinalFlush() }
