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

	"mcs"
	"mcs/internal/kernel/core"
)

// Process-wide counters behind the final report. They are fed from kernel
// trace events through Recorder and from the worker.
var (
	entries         atomic.Int64
	fastpathCommits atomic.Int64
	fastpathBails   atomic.Int64
	charges         atomic.Int64
	chargedTicks    atomic.Uint64
	ledgerWrites    atomic.Int64
	ledgerBatches   atomic.Int64
	ledgerErrors    atomic.Int64

	thresholdsMu sync.RWMutex
	thresholds   = make(map[string]string)
)

// Recorder is a core.Tracer that counts the events the report needs.
type Recorder struct{}

func (Recorder) Trace(e core.Event) {
	switch e.Kind {
	case core.EventSyscall:
		entries.Add(1)
	case core.EventFastpath:
		fastpathCommits.Add(1)
	case core.EventBail:
		fastpathBails.Add(1)
	case core.EventCharge:
		RecordCharge(e.Ticks)
	}
}

// RecordCharge counts one budget charge of ticks.
func RecordCharge(ticks mcs.Ticks) {
	charges.Add(1)
	chargedTicks.Add(uint64(ticks))
}

// RecordLedgerBatch counts a successful batch of n commits.
func RecordLedgerBatch(n int) {
	if n > 0 {
		ledgerWrites.Add(int64(n))
		ledgerBatches.Add(1)
	}
}

// RecordLedgerError counts a failed batch.
func RecordLedgerError() { ledgerErrors.Add(1) }

// SetThreshold records a configuration knob for the final report.
func SetThreshold(name string, value string) {
	thresholdsMu.Lock()
	thresholds[name] = value
	thresholdsMu.Unlock()
}

func SetThresholdInt64(name string, v int64) { SetThreshold(name, fmt.Sprintf("%d", v)) }
func SetThresholdTicks(name string, v mcs.Ticks) { SetThreshold(name, fmt.Sprintf("%d ticks", v)) }
func SetThresholdDuration(name string, d time.Duration) { SetThreshold(name, d.String()) }
func SetThresholdFloat64(name string, f float64) { SetThreshold(name, fmt.Sprintf("%g", f)) }
func SetThresholdBool(name string, b bool) { SetThreshold(name, fmt.Sprintf("%t", b)) }

// Totals is a snapshot of the process counters.
type Totals struct {
	Entries         int64
	FastpathCommits int64
	FastpathBails   int64
	Charges         int64
	ChargedTicks    mcs.Ticks
	LedgerWrites    int64
	LedgerBatches   int64
	LedgerErrors    int64
}

func GetTotals() Totals {
	return Totals{
		Entries:         entries.Load(),
		FastpathCommits: fastpathCommits.Load(),
		FastpathBails:   fastpathBails.Load(),
		Charges:         charges.Load(),
		ChargedTicks:    mcs.Ticks(chargedTicks.Load()),
		LedgerWrites:    ledgerWrites.Load(),
		LedgerBatches:   ledgerBatches.Load(),
		LedgerErrors:    ledgerErrors.Load(),
	}
}

func getThresholdSnapshot() map[string]string {
	thresholdsMu.RLock()
	defer thresholdsMu.RUnlock()
	out := make(map[string]string, len(thresholds))
	for k, v := range thresholds {
		out[k] = v
	}
	return out
}

// resetForTests zeroes the counters and clears the thresholds.
func resetForTests() {
	for _, c := range []*atomic.Int64{&entries, &fastpathCommits, &fastpathBails, &charges, &ledgerWrites, &ledgerBatches, &ledgerErrors} {
		c.Store(0)
	}
	chargedTicks.Store(0)
	thresholdsMu.Lock()
	defer thresholdsMu.Unlock()
	for k := range thresholds {
		delete(thresholds, k)
	}
}
