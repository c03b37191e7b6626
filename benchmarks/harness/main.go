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

// Command harness measures IPC round trips (a call and the server's
// reply-and-wait) on a multi-core kernel. Each core runs its own client and
// passive server, and one goroutine per core drives it, so all workers
// contend for the big kernel lock.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mcs/internal/kernel/core"
	"mcs/internal/kernel/fastpath"
)

type variantType string

const (
	variantFast variantType = "fastpath"
	variantSlow variantType = "slowpath"
)

const (
	epSlot    core.CPtr = 1
	replySlot core.CPtr = 2
)

// newKernel builds one client/server pair per core with the client running.
func newKernel(cores int) (*core.Kernel, error) {
	k := core.NewKernel(core.Options{Cores: cores})
	for i := 0; i < cores; i++ {
		if err := setupCore(k, i); err != nil {
			return nil, fmt.Errorf("core %d: %w", i, err)
		}
	}
	return k, nil
}

func setupCore(k *core.Kernel, i int) error {
	server, err := k.NewThread(fmt.Sprintf("server-%d", i), 20, 0, i)
	if err != nil {
		return err
	}
	client, err := k.NewThread(fmt.Sprintf("client-%d", i), 10, 0, i)
	if err != nil {
		return err
	}
	ep, err := k.NewEndpoint(fmt.Sprintf("ep-%d", i))
	if err != nil {
		return err
	}
	reply, err := k.NewReply(fmt.Sprintf("reply-%d", i))
	if err != nil {
		return err
	}
	for _, c := range []struct {
		t    *core.TCB
		slot core.CPtr
		cap  core.Cap
	}{
		{server, epSlot, core.EndpointCap(ep, core.RightsAll, 0)},
		{server, replySlot, core.ReplyCap(reply, core.RightsAll)},
		{client, epSlot, core.EndpointCap(ep, core.RightsAll, uint64(i+1))},
	} {
		if err := k.InsertCap(c.t, c.slot, c.cap); err != nil {
			return err
		}
	}

	serverSC, err := runOn(k, server, fmt.Sprintf("server-sc-%d", i))
	if err != nil {
		return err
	}
	if err := k.Recv(i, epSlot, replySlot); err != nil {
		return err
	}
	if err := k.UnbindSC(serverSC); err != nil {
		return err
	}
	_, err = runOn(k, client, fmt.Sprintf("client-sc-%d", i))
	return err
}

// runOn binds a fresh context to t and resumes it.
func runOn(k *core.Kernel, t *core.TCB, name string) (*core.SchedContext, error) {
	sc, err := k.NewSchedContext(name, 0)
	if err != nil {
		return nil, err
	}
	if err := k.ConfigureSC(sc, 300, 1000, 4); err != nil {
		return nil, err
	}
	if err := k.BindSC(sc, t); err != nil {
		return nil, err
	}
	return sc, k.Resume(t)
}

type ipc interface {
	Call(core int, cptr core.CPtr, info core.MessageInfo) error
	ReplyRecv(core int, epCPtr, replyCPtr core.CPtr, info core.MessageInfo) error
}

type kernelIPC struct{ k *core.Kernel }

func (s kernelIPC) Call(c int, cptr core.CPtr, info core.MessageInfo) error {
	return s.k.Call(c, cptr, info)
}

func (s kernelIPC) ReplyRecv(c int, ep, reply core.CPtr, info core.MessageInfo) error {
	return s.k.ReplyRecv(c, ep, reply, info)
}

func main() {
	var (
		variantStr    = flag.String("variant", "fastpath", "fastpath|slowpath")
		opCount       = flag.Int("ops", 200_000, "total round trips across all cores")
		cores         = flag.Int("cores", 4, "simulated cores, one driving goroutine each")
		msgLen        = flag.Int("msg_len", 2, "message registers per message")
		seed          = flag.Uint64("seed", 1, "PRNG seed for latency sampling")
		pprofOn       = flag.Bool("pprof", false, "enable pprof on localhost:6060")
		sampleEvery   = flag.Int("sample_every", 1, "record latency every N round trips (1=all)")
		maxLatSamples = flag.Int("max_latency_samples", 200000, "cap on stored latency samples; 0 disables latency recording")
		duration      = flag.Duration("duration", 0, "run for this duration instead of a fixed -ops (0 to disable)")
	)
	flag.Parse()

	if *pprofOn {
		go func() { _ = http.ListenAndServe("localhost:6060", nil) }()
	}

	v := variantType(strings.ToLower(*variantStr))
	if v != variantFast && v != variantSlow {
		fmt.Println("-variant must be one of: fastpath|slowpath")
		os.Exit(2)
	}
	if *cores <= 0 {
		fmt.Println("-cores must be positive")
		os.Exit(2)
	}

	k, err := newKernel(*cores)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	var path ipc = kernelIPC{k}
	var engine *fastpath.Engine
	if v == variantFast {
		engine = fastpath.New(k)
		path = engine
	}
	info := core.MessageInfo{Label: 1, Length: *msgLen}

	perCore := *opCount / *cores
	durationMode := *duration > 0
	start := time.Now()
	deadline := start.Add(*duration)
	recordLatency := *maxLatSamples != 0
	capPerCore := 0
	if recordLatency && *maxLatSamples > 0 {
		capPerCore = max(1, *maxLatSamples / *cores)
	}
	sample := max(1, *sampleEvery)

	var (
		wg       sync.WaitGroup
		opsDone  atomic.Int64
		failures atomic.Int64
		errMu    sync.Mutex
		firstErr error
	)
	latSlices := make([][]time.Duration, *cores)
	wg.Add(*cores)
	for c := 0; c < *cores; c++ {
		go func(id int) {
			defer wg.Done()
			rnd := rand.New(rand.NewPCG(*seed, uint64(id)+1))
			var loc []time.Duration
			seen := 0
			for i := 0; ; i++ {
				if durationMode {
					if time.Now().After(deadline) {
						break
					}
				} else if i >= perCore {
					break
				}
				t0 := time.Now()
				err := path.Call(id, epSlot, info)
				if err == nil {
					err = path.ReplyRecv(id, epSlot, replySlot, info)
				}
				if err != nil {
					failures.Add(1)
					errMu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("core %d round %d: %w", id, i, err)
					}
					errMu.Unlock()
					return
				}
				if recordLatency && i%sample == 0 {
					d := time.Since(t0)
					seen++
					switch {
					case capPerCore == 0 || len(loc) < capPerCore:
						loc = append(loc, d)
					default:
						if j := rnd.IntN(seen); j < capPerCore {
							loc[j] = d
						}
					}
				}
				opsDone.Add(1)
			}
			latSlices[id] = loc
		}(c)
	}
	wg.Wait()
	runDur := time.Since(start)

	if failures.Load() > 0 {
		fmt.Fprintf(os.Stderr, "%d cores stopped on error: %v\n", failures.Load(), firstErr)
		os.Exit(1)
	}
	if err := k.CheckInvariants(); err != nil {
		fmt.Fprintf(os.Stderr, "invariants: %v\n", err)
		os.Exit(1)
	}

	var latencies []time.Duration
	for i, ls := range latSlices {
		latencies = append(latencies, ls...)
		latSlices[i] = nil
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50, p95, p99 := quantile(latencies, 50), quantile(latencies, 95), quantile(latencies, 99)
	hist := buildLatencyHistogram(latencies)
	latencies = nil
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	actualOps := opsDone.Load()
	fmt.Printf("Variant: %s  Ops: %d  Cores: %d  MsgLen: %d\n", v, actualOps, *cores, *msgLen)
	fmt.Printf("Duration: %s  Ops/sec: %s\n", runDur.Round(time.Millisecond), humanRate(float64(actualOps)/runDur.Seconds()))
	fmt.Printf("Latency p50: %sµs  p95: %sµs  p99: %sµs\n", formatMicros(p50), formatMicros(p95), formatMicros(p99))
	fmt.Println("Latency histogram (non-zero buckets):")
	for _, b := range hist {
		fmt.Printf("  %s: %d\n", b.label, b.count)
	}
	var commits, bails uint64
	if engine != nil {
		st := engine.Stats()
		for _, c := range st.Commits {
			commits += c
		}
		for _, m := range st.Bails {
			for _, c := range m {
				bails += c
			}
		}
		fmt.Printf("Fastpath: commits=%s bails=%s\n", humanInt(int64(commits)), humanInt(int64(bails)))
	}
	fmt.Printf("Memory: Alloc=%s  TotalAlloc=%s  Sys=%s  NumGC=%d\n",
		humanBytes(ms.Alloc), humanBytes(ms.TotalAlloc), humanBytes(ms.Sys), ms.NumGC)

	// One line for scripts.
	fmt.Printf("Summary: variant=%s ops=%d duration_ns=%d cores=%d msg_len=%d p50_ns=%d p95_ns=%d p99_ns=%d commits=%d bails=%d\n",
		v, actualOps, runDur.Nanoseconds(), *cores, *msgLen, int64(p50), int64(p95), int64(p99), commits, bails)
}

// ---- Helpers ----

type histBucket struct {
	label  string
	lo, hi time.Duration
	count  int64
}

func buildLatencyHistogram(durations []time.Duration) []histBucket {
	b := []histBucket{
		{"<100ns", 0, 100 * time.Nanosecond, 0},
		{"100–200ns", 100 * time.Nanosecond, 200 * time.Nanosecond, 0},
		{"200–500ns", 200 * time.Nanosecond, 500 * time.Nanosecond, 0},
		{"0.5–1µs", 500 * time.Nanosecond, 1 * time.Microsecond, 0},
		{"1–2µs", 1 * time.Microsecond, 2 * time.Microsecond, 0},
		{"2–5µs", 2 * time.Microsecond, 5 * time.Microsecond, 0},
		{"5–10µs", 5 * time.Microsecond, 10 * time.Microsecond, 0},
		{"10–50µs", 10 * time.Microsecond, 50 * time.Microsecond, 0},
		{"50–100µs", 50 * time.Microsecond, 100 * time.Microsecond, 0},
		{"0.1–1ms", 100 * time.Microsecond, 1 * time.Millisecond, 0},
		{">=1ms", 1 * time.Millisecond, time.Duration(1<<63 - 1), 0},
	}
	for _, d := range durations {
		for i := range b {
			if d >= b[i].lo && d < b[i].hi {
				b[i].count++
				break
			}
		}
	}
	out := make([]histBucket, 0, len(b))
	for _, x := range b {
		if x.count > 0 {
			out = append(out, x)
		}
	}
	return out
}

// quantile expects sorted input.
func quantile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[(len(sorted)-1)*p/100]
}

// formatMicros uses more decimals below one microsecond so small values do
// not print as zero.
func formatMicros(d time.Duration) string {
	us := float64(d) / 1e3
	if us < 1 {
		return fmt.Sprintf("%.3f", us)
	}
	if us < 100 {
		return fmt.Sprintf("%.1f", us)
	}
	return fmt.Sprintf("%.0f", us)
}

func humanInt(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := ""
	if strings.HasPrefix(s, "-") {
		neg = "-"
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i != 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return neg + string(out)
}

func humanRate(x float64) string {
	if x >= 1_000_000 {
		return fmt.Sprintf("%.1fM", x/1_000_000)
	}
	if x >= 1_000 {
		return fmt.Sprintf("%.1fk", x/1_000)
	}
	return fmt.Sprintf("%.0f", x)
}

func humanBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	d := float64(b)
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for d >= unit && i < len(units)-1 {
		d /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", d, units[i])
}
