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
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"mcs"
)

// Commit is one ledger update: Ticks newly charged to the context Key,
// bringing its durable total to Total. Total only grows, so adapters can
// use it to fence out stale or repeated commits.
type Commit struct {
	Key   string
	Ticks mcs.Ticks
	Total mcs.Ticks
}

// Persister is any durable home for ledger commits.
type Persister interface {
	CommitBatch(commits []Commit) error
	// PrintFinalMetrics prints the end-of-run summary. It is called once,
	// after the worker stopped.
	PrintFinalMetrics()
}

// NewMockPersister returns a persister that prints every batch to out.
// A nil out means standard output.
func NewMockPersister(out io.Writer) Persister {
	if out == nil {
		out = os.Stdout
	}
	return &mockPersister{out: out}
}

type mockPersister struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *mockPersister) CommitBatch(commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%s] Persisting ledger batch of %d commits...\n", time.Now().Format(time.RFC3339), len(commits))
	for _, c := range commits {
		fmt.Fprintf(p.out, "  - SC: %-20s TICKS: %-8d TOTAL: %d\n", c.Key, c.Ticks, c.Total)
	}
	return nil
}

func (p *mockPersister) PrintFinalMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	WriteReport(p.out, ColorEnabled(p.out))
}

// ColorEnabled reports whether w is a terminal and NO_COLOR is unset.
func ColorEnabled(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// WriteReport prints the process counters and configured thresholds.
func WriteReport(w io.Writer, color bool) {
	t := GetTotals()
	th := getThresholdSnapshot()
	keys := make([]string, 0, len(th))
	for k := range th {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	yellow, reset := "", ""
	if color {
		yellow, reset = "\x1b[33m", "\x1b[0m"
	}

	hit := "n/a"
	if n := t.FastpathCommits + t.FastpathBails; n > 0 {
		hit = fmt.Sprintf("%.1f%%", 100*float64(t.FastpathCommits)/float64(n))
	}
	reduction := "n/a"
	if t.Charges > 0 {
		wr := 1 - float64(t.LedgerWrites)/float64(t.Charges)
		if wr < 0 {
			wr = 0
		}
		reduction = fmt.Sprintf("%.1f%%", wr*100)
	}

	sep := strings.Repeat("-", 60)
	fmt.Fprintf(w, "%s[%s] Final scheduling metrics\n", yellow, time.Now().Format(time.RFC3339))
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-20s %12s\n", "Metric", "Value")
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-20s %12d\n", "Kernel entries", t.Entries)
	fmt.Fprintf(w, "%-20s %12d\n", "Fastpath commits", t.FastpathCommits)
	fmt.Fprintf(w, "%-20s %12d\n", "Fastpath bails", t.FastpathBails)
	fmt.Fprintf(w, "%-20s %12s\n", "Fastpath hit rate", hit)
	fmt.Fprintf(w, "%-20s %12d\n", "Budget charges", t.Charges)
	fmt.Fprintf(w, "%-20s %12d\n", "Charged ticks", t.ChargedTicks)
	fmt.Fprintf(w, "%-20s %12d\n", "Ledger writes", t.LedgerWrites)
	fmt.Fprintf(w, "%-20s %12d\n", "Ledger batches", t.LedgerBatches)
	fmt.Fprintf(w, "%-20s %12d\n", "Ledger errors", t.LedgerErrors)
	fmt.Fprintf(w, "%-20s %12s\n", "Write reduction", reduction)
	fmt.Fprintln(w, sep)

	if len(keys) > 0 {
		fmt.Fprintln(w, "Configured thresholds")
		fmt.Fprintln(w, sep)
		fmt.Fprintf(w, "%-30s %24s\n", "Name", "Value")
		fmt.Fprintln(w, sep)
		for _, k := range keys {
			fmt.Fprintf(w, "%-30s %24s\n", k, th[k])
		}
		fmt.Fprintln(w, sep)
	}
	fmt.Fprint(w, reset)
}
