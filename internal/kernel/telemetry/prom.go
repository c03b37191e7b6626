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

// Package telemetry exports kernel activity to Prometheus and prints a
// periodic live summary of which scheduling contexts use the most budget.
package telemetry

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcs"
	"mcs/internal/kernel/accounting"
	"mcs/internal/kernel/core"
)

// Config controls the telemetry module.
//
// Notes:
//   - MetricsAddr, when non-empty, starts a dedicated HTTP server that serves
//     /metrics. Leave it empty when Handler is mounted elsewhere.
//   - LogInterval == 0 disables the exporter loop.
//   - Window is the span the hit ratio and busiest contexts are computed
//     over; 0 means one minute.
type Config struct {
	Enabled     bool
	MetricsAddr string
	LogInterval time.Duration
	Window      time.Duration
	TopN        int
	Source      Source
}

// Source is what the exporter samples each interval. *core.Kernel
// implements it.
type Source interface {
	accounting.UsageSource
	ReleaseQueueLengths() []int
}

var (
	modEnabled atomic.Bool

	// Label sets are bounded: operation and bail names, event kinds and core
	// ids come from fixed enumerations.
	kernelEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_kernel_entries_total",
		Help: "Kernel entries handled on the slow path, by operation",
	}, []string{"op"})
	fastpathTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_fastpath_total",
		Help: "Fastpath attempts by operation and outcome (commit or bail)",
	}, []string{"op", "outcome"})
	fastpathBails = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_fastpath_bails_total",
		Help: "Fastpath attempts that deferred to the slow path, by reason",
	}, []string{"reason"})
	schedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_sched_events_total",
		Help: "Scheduler events: switch, postpone, awaken, donate, return, irq",
	}, []string{"event"})
	chargedTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_charged_ticks_total",
		Help: "Budget ticks charged through refill queues",
	})
	refillQueueSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcs_refill_queue_size",
		Help:    "Refill queue length after each charge",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32},
	})
	releaseQueue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcs_release_queue_length",
		Help: "Threads waiting for a refill, per core",
	}, []string{"core"})
	fastpathHitRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_fastpath_hit_ratio",
		Help: "Fraction of fastpath attempts that committed over the window",
	})
	contextsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_sched_contexts_tracked",
		Help: "Scheduling contexts seen by the exporter",
	})
	ledgerWrites = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "mcs_ledger_writes_total",
		Help: "Ledger commits persisted",
	}, func() float64 { return float64(accounting.GetTotals().LedgerWrites) })
	ledgerErrors = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "mcs_ledger_errors_total",
		Help: "Ledger batches that failed to persist",
	}, func() float64 { return float64(accounting.GetTotals().LedgerErrors) })
)

func init() {
	prometheus.MustRegister(kernelEntries, fastpathTotal, fastpathBails, schedEvents,
		chargedTicks, refillQueueSize, releaseQueue, fastpathHitRatio, contextsTracked,
		ledgerWrites, ledgerErrors)
}

// Enable configures the module. Later calls replace the configuration.
func Enable(cfg Config) {
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	modEnabled.Store(cfg.Enabled)
	startOrUpdateExporter(cfg)
	if cfg.Enabled && cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether the module is active.
func Enabled() bool { return modEnabled.Load() }

// Handler serves the registered metrics.
func Handler() http.Handler { return promhttp.Handler() }

// Tracer is a core.Tracer feeding the Prometheus metrics. It does nothing
// while the module is disabled.
type Tracer struct{}

func (Tracer) Trace(e core.Event) {
	if !modEnabled.Load() {
		return
	}
	switch e.Kind {
	case core.EventSyscall:
		kernelEntries.WithLabelValues(e.Op).Inc()
	case core.EventFastpath:
		fastpathTotal.WithLabelValues(e.Op, "commit").Inc()
		fastpathCommits.Add(1)
	case core.EventBail:
		fastpathTotal.WithLabelValues(e.Op, "bail").Inc()
		fastpathBails.WithLabelValues(e.Reason).Inc()
		fastpathMisses.Add(1)
	case core.EventCharge:
		ObserveCharge(e.Ticks, e.Size)
	case core.EventSwitch, core.EventPostpone, core.EventAwaken,
		core.EventDonate, core.EventReturn, core.EventIRQ:
		schedEvents.WithLabelValues(e.Kind.String()).Inc()
	}
}

// ObserveCharge records one budget charge and the refill queue length it
// left behind.
func ObserveCharge(ticks mcs.Ticks, size int) {
	if !modEnabled.Load() {
		return
	}
	chargedTicks.Add(float64(ticks))
	if size > 0 {
		refillQueueSize.Observe(float64(size))
	}
}

// observeReleaseQueues sets the per-core release queue gauges.
func observeReleaseQueues(lengths []int) {
	for i, n := range lengths {
		releaseQueue.WithLabelValues(strconv.Itoa(i)).Set(float64(n))
	}
}

func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
