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

package telemetry

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mcs"
)

type point struct {
	ts      time.Time
	commits int64
	misses  int64
	usage   map[string]mcs.Ticks
}

var (
	fastpathCommits atomic.Int64
	fastpathMisses  atomic.Int64

	exporterMu   sync.Mutex
	exporterStop chan struct{}
	exporterDone chan struct{}
	currCfg      atomic.Value // Config

	windowPoints []point
	windowMu     sync.Mutex

	out           io.Writer = os.Stdout
	livePrinted   atomic.Bool
	liveMode      atomic.Bool
	ansiSupported atomic.Bool
	colorOn       atomic.Bool
	prevSimpleLen atomic.Int64
)

func startOrUpdateExporter(cfg Config) {
	exporterMu.Lock()
	defer exporterMu.Unlock()

	currCfg.Store(cfg)

	lm := os.Getenv("MCS_TELEMETRY_LIVE")
	liveMode.Store(lm != "0" && !strings.EqualFold(lm, "false"))
	colorOn.Store(os.Getenv("NO_COLOR") == "")
	ansiSupported.Store(detectANSISupport())

	if exporterStop != nil {
		close(exporterStop)
		<-exporterDone
		exporterStop, exporterDone = nil, nil
	}
	windowMu.Lock()
	windowPoints = nil
	windowMu.Unlock()
	if !cfg.Enabled || cfg.LogInterval <= 0 || cfg.Source == nil {
		return
	}
	exporterStop = make(chan struct{})
	exporterDone = make(chan struct{})
	go exporterLoop(cfg.LogInterval, exporterStop, exporterDone)
}

func exporterLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publishSnapshot()
		case <-stop:
			return
		}
	}
}

type busyRow struct {
	sc    string
	ticks mcs.Ticks
	share float64
}

// publishSnapshot samples the source, updates the windowed gauges and
// renders the summary.
func publishSnapshot() {
	cfg, _ := currCfg.Load().(Config)
	if cfg.Source == nil {
		return
	}
	observeReleaseQueues(cfg.Source.ReleaseQueueLengths())

	now := time.Now()
	pt := point{
		ts:      now,
		commits: fastpathCommits.Load(),
		misses:  fastpathMisses.Load(),
		usage:   cfg.Source.Usage(),
	}
	contextsTracked.Set(float64(len(pt.usage)))

	windowMu.Lock()
	windowPoints = append(windowPoints, pt)
	winStart := now.Add(-cfg.Window)
	idx := 0
	for idx < len(windowPoints)-1 && windowPoints[idx].ts.Before(winStart) {
		idx++
	}
	windowPoints = windowPoints[idx:]
	old := windowPoints[0]
	windowMu.Unlock()

	dCommits := pt.commits - old.commits
	dMisses := pt.misses - old.misses
	hit := 0.0
	if dCommits+dMisses > 0 {
		hit = float64(dCommits) / float64(dCommits+dMisses)
	}
	fastpathHitRatio.Set(hit)

	rows := busiest(old.usage, pt.usage, cfg.TopN)

	hitTxt := fmt.Sprintf("%.3f", hit)
	if colorOn.Load() {
		hitTxt = colorHit(hit, hitTxt)
	}
	summary := fmt.Sprintf("mcs summary: fastpath_hit=%s commits=%d bails=%d contexts=%d window=%s",
		hitTxt, dCommits, dMisses, len(pt.usage), cfg.Window)
	topLine := "busiest sc: (none yet)"
	if len(rows) > 0 {
		parts := make([]string, len(rows))
		for i, r := range rows {
			parts[i] = fmt.Sprintf("%s=%d (%.0f%%)", r.sc, r.ticks, r.share*100)
		}
		topLine = "busiest sc: " + strings.Join(parts, " ")
	}

	if liveMode.Load() {
		if ansiSupported.Load() {
			renderLive(summary, topLine)
		} else {
			renderSimple(summary, topLine)
		}
		return
	}
	fmt.Fprintf(out, "[%s] %s\n", now.Format(time.RFC3339), summary)
	fmt.Fprintf(out, "  - %s\n", topLine)
}

// busiest ranks contexts by ticks consumed between two usage samples.
// Contexts missing from prev count from zero.
func busiest(prev, cur map[string]mcs.Ticks, n int) []busyRow {
	var total mcs.Ticks
	rows := make([]busyRow, 0, len(cur))
	for sc, c := range cur {
		p := prev[sc]
		if c <= p {
			continue
		}
		rows = append(rows, busyRow{sc: sc, ticks: c - p})
		total += c - p
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ticks == rows[j].ticks {
			return rows[i].sc < rows[j].sc
		}
		return rows[i].ticks > rows[j].ticks
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	for i := range rows {
		rows[i].share = float64(rows[i].ticks) / float64(total)
	}
	return rows
}

// ---- live rendering ----

const (
	ansiClearLine  = "\x1b[2K"
	ansiPrevLines2 = "\x1b[2F"
	ansiReset      = "\x1b[0m"
	ansiBold       = "\x1b[1m"
	ansiRed        = "\x1b[31m"
	ansiGreen      = "\x1b[32m"
	ansiYellow     = "\x1b[33m"
)

func renderLive(summary, top string) {
	if !livePrinted.Load() {
		fmt.Fprintf(out, "%s\n%s\n", summary, top)
		livePrinted.Store(true)
		return
	}
	fmt.Fprint(out, ansiPrevLines2)
	fmt.Fprintf(out, "%s%s\n", ansiClearLine, summary)
	fmt.Fprintf(out, "%s%s\n", ansiClearLine, top)
}

// renderSimple overwrites one line with a carriage return, for consoles
// without cursor movement.
func renderSimple(summary, top string) {
	line := summary
	if top != "" && !strings.HasSuffix(top, "(none yet)") {
		line = line + " | " + top
	}
	visLen := printableLen(line)
	prev := prevSimpleLen.Load()
	if !livePrinted.Load() {
		fmt.Fprint(out, line)
		livePrinted.Store(true)
		prevSimpleLen.Store(int64(visLen))
		return
	}
	pad := int(prev) - visLen
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(out, "\r%s%s", line, strings.Repeat(" ", pad))
	prevSimpleLen.Store(int64(visLen))
}

// printableLen returns the visible length of s with ANSI escapes removed.
func printableLen(s string) int {
	if !strings.Contains(s, "\x1b") {
		return len(s)
	}
	n := 0
	inEsc, csi := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inEsc {
			if !csi && c == '[' {
				csi = true
				continue
			}
			if c >= 0x40 && c <= 0x7E {
				inEsc, csi = false, false
			}
			continue
		}
		if c == 0x1b {
			inEsc = true
			continue
		}
		n++
	}
	return n
}

func detectANSISupport() bool {
	if lm := os.Getenv("MCS_TELEMETRY_LIVE"); lm == "0" || strings.EqualFold(lm, "false") {
		return false
	}
	// JetBrains consoles render colors but not cursor movement.
	if os.Getenv("GOLAND_IDE") != "" || os.Getenv("IDEA_INITIAL_DIRECTORY") != "" {
		return false
	}
	term := strings.ToLower(os.Getenv("TERM"))
	if runtime.GOOS == "windows" {
		if os.Getenv("WT_SESSION") != "" || strings.EqualFold(os.Getenv("ConEmuANSI"), "ON") {
			return true
		}
		return strings.Contains(term, "xterm") || strings.Contains(term, "ansi")
	}
	if term == "" {
		return false
	}
	return strings.Contains(term, "xterm") || strings.Contains(term, "screen") || strings.Contains(term, "tmux") || strings.Contains(term, "ansi")
}

func colorHit(val float64, txt string) string {
	if !colorOn.Load() {
		return txt
	}
	switch {
	case val >= 0.90:
		return ansiBold + ansiGreen + txt + ansiReset
	case val >= 0.50:
		return ansiYellow + txt + ansiReset
	default:
		return ansiRed + txt + ansiReset
	}
}
