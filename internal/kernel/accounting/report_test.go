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
	"bytes"
	"strings"
	"testing"
	"time"

	"mcs/internal/kernel/core"
)

func TestReport(t *testing.T) {
	resetForTests()
	var r Recorder
	r.Trace(core.Event{Kind: core.EventSyscall})
	r.Trace(core.Event{Kind: core.EventFastpath})
	r.Trace(core.Event{Kind: core.EventFastpath})
	r.Trace(core.Event{Kind: core.EventFastpath})
	r.Trace(core.Event{Kind: core.EventBail})
	for i := 0; i < 4; i++ {
		r.Trace(core.Event{Kind: core.EventCharge, Ticks: 10})
	}
	RecordLedgerBatch(1)
	RecordLedgerBatch(0)
	SetThresholdTicks("commit_threshold", 50)
	SetThresholdDuration("commit_interval", 100*time.Millisecond)
	SetThresholdBool("fastpath", true)

	tot := GetTotals()
	if tot.Entries != 1 || tot.FastpathCommits != 3 || tot.Charges != 4 || tot.ChargedTicks != 40 || tot.LedgerBatches != 1 {
		t.Fatalf("totals = %+v", tot)
	}

	var buf bytes.Buffer
	if ColorEnabled(&buf) {
		t.Fatalf("a buffer is not a terminal")
	}
	WriteReport(&buf, false)
	out := buf.String()
	for _, want := range []string{"Fastpath hit rate", "75.0%", "Write reduction", "commit_threshold", "50 ticks", "100ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("report lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("colour codes in an uncoloured report")
	}
}

func TestMockPersister(t *testing.T) {
	var buf bytes.Buffer
	p := NewMockPersister(&buf)
	if err := p.CommitBatch(nil); err != nil || buf.Len() != 0 {
		t.Fatalf("empty batch wrote %q, err %v", buf.String(), err)
	}
	if err := p.CommitBatch([]Commit{{Key: "client-sc", Ticks: 12, Total: 40}}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "client-sc") || !strings.Contains(buf.String(), "TOTAL: 40") {
		t.Errorf("output %q", buf.String())
	}
}

// TestLedger_Kernel drives a real kernel and checks that charged time flows
// into the ledger.
func TestLedger_Kernel(t *testing.T) {
	resetForTests()
	clock := core.NewManualClock(0)
	k := core.NewKernel(core.Options{Clocks: []core.Clock{clock}, Tracer: Recorder{}})
	th, err := k.NewThread("worker", 10, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	sc, err := k.NewSchedContext("worker-sc", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.ConfigureSC(sc, 50, 100, 2); err != nil {
		t.Fatal(err)
	}
	if err := k.BindSC(sc, th); err != nil {
		t.Fatal(err)
	}
	if err := k.Resume(th); err != nil {
		t.Fatal(err)
	}

	clock.Advance(60)
	if err := k.HandleTimer(0); err != nil {
		t.Fatal(err)
	}

	s := NewStore(k)
	p := &recordingPersister{}
	w := NewWorker(s, p, 10, 0, time.Hour, 0, time.Hour, time.Hour)
	w.runCommitCycle()
	batches := p.all()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("batches = %v", batches)
	}
	if c := batches[0][0]; c.Key != "worker-sc" || c.Ticks != 60 || c.Total != 60 {
		t.Errorf("commit = %+v, want 60 ticks for worker-sc", c)
	}
	if tot := GetTotals(); tot.Charges == 0 || tot.ChargedTicks != 60 || tot.Entries == 0 {
		t.Errorf("totals = %+v", tot)
	}
}
