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

// Command mcs-sim runs kernel scenarios (txtar archives of setup and script
// commands) against the simulated mixed-criticality kernel.
//
// Each scenario gets its own kernel. While it runs, a ledger worker commits
// the budget each scheduling context consumed to the chosen persistence
// adapter, events can be streamed to a JSONL trace, and checkpoint commands
// append kernel snapshots to a JSONL file.
//
// With -compare every scenario is run twice, once through the IPC fastpath
// and once on the general path only, and the final states must match.
//
// With -api_addr the last scenario's kernel stays up after its script and
// accepts further commands over HTTP until the process is interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcs"
	"mcs/internal/kernel/accounting"
	"mcs/internal/kernel/api"
	"mcs/internal/kernel/core"
	"mcs/internal/kernel/persistence"
	"mcs/internal/kernel/scenario"
	"mcs/internal/kernel/telemetry"
	"mcs/internal/sinks"
)

type config struct {
	scenarioPath string
	compare      bool
	jsonOut      bool
	logLevel     string
	devLog       bool

	adapter        string
	redisAddr      string
	redisMarkerTTL time.Duration
	kafkaTopic     string
	sqlitePath     string

	commitThreshold    int64
	commitLowWatermark int64
	commitInterval     time.Duration
	commitMaxAge       time.Duration
	evictionAge        time.Duration
	evictionInterval   time.Duration

	telemetry   bool
	metricsAddr string
	logInterval time.Duration
	topN        int

	apiAddr       string
	traceOut      string
	checkpointOut string
}

func parseFlags() config {
	var c config
	flag.StringVar(&c.scenarioPath, "scenario", "", "Scenario archive (.txtar) or directory of archives to run")
	flag.BoolVar(&c.compare, "compare", false, "Run each scenario with and without the fastpath and require identical final state")
	flag.BoolVar(&c.jsonOut, "json", false, "Print each scenario result as one JSON line on stdout")
	flag.StringVar(&c.logLevel, "log_level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&c.devLog, "dev_log", false, "Human-readable development logging instead of JSON")

	flag.StringVar(&c.adapter, "persistence_adapter", "mock", "Ledger persistence: mock, redis, kafka or sqlite")
	flag.StringVar(&c.redisAddr, "redis_addr", "", "Redis address for the redis adapter; empty logs the scripts instead")
	flag.DurationVar(&c.redisMarkerTTL, "redis_marker_ttl", 24*time.Hour, "Lifetime of Redis commit markers")
	flag.StringVar(&c.kafkaTopic, "kafka_topic", "mcs-ledger", "Topic for the kafka adapter")
	flag.StringVar(&c.sqlitePath, "sqlite_path", ":memory:", "Database file for the sqlite adapter")

	flag.Int64Var(&c.commitThreshold, "commit_threshold", 100, "Pending ticks that trigger a ledger commit")
	flag.Int64Var(&c.commitLowWatermark, "commit_low_watermark", 0, "Pending ticks a context must fall back to before it commits again; 0 disables")
	flag.DurationVar(&c.commitInterval, "commit_interval", 50*time.Millisecond, "How often the ledger worker looks for commits")
	flag.DurationVar(&c.commitMaxAge, "commit_max_age", 0, "Commit remainders that stopped growing this long ago; 0 disables")
	flag.DurationVar(&c.evictionAge, "eviction_age", time.Minute, "Forget deleted contexts this long after their last growth")
	flag.DurationVar(&c.evictionInterval, "eviction_interval", 10*time.Second, "How often to look for deleted contexts")

	flag.BoolVar(&c.telemetry, "telemetry", false, "Enable Prometheus counters and the live summary")
	flag.StringVar(&c.metricsAddr, "metrics_addr", "", "If non-empty, expose /metrics on this address")
	flag.DurationVar(&c.logInterval, "telemetry_log_interval", 0, "Live summary period; 0 disables")
	flag.IntVar(&c.topN, "telemetry_top_n", 5, "Busiest scheduling contexts shown in the live summary")

	flag.StringVar(&c.apiAddr, "api_addr", "", "If non-empty, keep the last scenario running behind an HTTP API on this address")
	flag.StringVar(&c.traceOut, "trace_out", "", "Append kernel events to this JSONL file")
	flag.StringVar(&c.checkpointOut, "checkpoint_out", "", "Append checkpoint snapshots to this JSONL file")
	flag.Parse()
	return c
}

func (c config) recordThresholds() {
	accounting.SetThreshold("persistence_adapter", c.adapter)
	accounting.SetThresholdTicks("commit_threshold", mcs.Ticks(c.commitThreshold))
	accounting.SetThresholdTicks("commit_low_watermark", mcs.Ticks(c.commitLowWatermark))
	accounting.SetThresholdDuration("commit_interval", c.commitInterval)
	accounting.SetThresholdDuration("commit_max_age", c.commitMaxAge)
	accounting.SetThresholdDuration("eviction_age", c.evictionAge)
	accounting.SetThresholdDuration("eviction_interval", c.evictionInterval)
	accounting.SetThresholdBool("compare", c.compare)
	accounting.SetThresholdBool("telemetry", c.telemetry)
	accounting.SetThresholdInt64("telemetry_top_n", int64(c.topN))
}

func newLogger(c config) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.logLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.devLog {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func loadScenarios(path string) ([]*scenario.Scenario, error) {
	if path == "" {
		return nil, errors.New("-scenario is required")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		all, err := scenario.LoadDir(path)
		if err == nil && len(all) == 0 {
			err = fmt.Errorf("no .txtar scenarios in %s", path)
		}
		return all, err
	}
	s, err := scenario.Load(path)
	if err != nil {
		return nil, err
	}
	return []*scenario.Scenario{s}, nil
}

// prefixedUsage namespaces one kernel's usage by scenario so that ledgers of
// several scenarios in one run do not collide.
type prefixedUsage struct {
	prefix string
	k      *core.Kernel
}

func (p prefixedUsage) Usage() map[string]mcs.Ticks {
	in := p.k.Usage()
	out := make(map[string]mcs.Ticks, len(in))
	for name, t := range in {
		out[p.prefix+name] = t
	}
	return out
}

func (p prefixedUsage) ReleaseQueueLengths() []int { return p.k.ReleaseQueueLengths() }

type sim struct {
	cfg         config
	log         *zap.Logger
	persister   accounting.Persister
	tracer      core.Tracer
	checkpoints scenario.Checkpointer
	metricsUp   bool
}

func (s *sim) options() scenario.Options {
	opts := scenario.Options{Logger: s.log, Tracer: s.tracer}
	if s.checkpoints != nil {
		opts.Checkpoints = s.checkpoints
	}
	return opts
}

// watch attaches telemetry and a ledger worker to r's kernel. The returned
// function stops the worker after a final flush.
func (s *sim) watch(name string, r *scenario.Runner) func() {
	src := prefixedUsage{prefix: name + "/", k: r.Kernel()}
	tcfg := telemetry.Config{
		Enabled:     s.cfg.telemetry,
		LogInterval: s.cfg.logInterval,
		TopN:        s.cfg.topN,
		Source:      src,
	}
	if !s.metricsUp {
		tcfg.MetricsAddr = s.cfg.metricsAddr
		s.metricsUp = true
	}
	telemetry.Enable(tcfg)

	w := accounting.NewWorker(accounting.NewStore(src), s.persister,
		mcs.Ticks(s.cfg.commitThreshold),
		mcs.Ticks(s.cfg.commitLowWatermark),
		s.cfg.commitInterval,
		s.cfg.commitMaxAge,
		s.cfg.evictionAge,
		s.cfg.evictionInterval,
	)
	w.SetLogger(s.log.With(zap.String("scenario", name)))
	w.Start()
	return w.Stop
}

func (s *sim) report(res scenario.Result) error {
	if s.cfg.jsonOut {
		b, err := sonnet.Marshal(res)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(os.Stdout, "%s\n", b)
		return err
	}
	mode := "slow path"
	if res.Fastpath {
		mode = "fastpath"
	}
	fmt.Printf("PASS %-24s steps=%-4d %s commits=%d bails=%d\n",
		res.Name, res.Steps, mode, res.Commits, res.Bails)
	return nil
}

// run executes one scenario. The runner is returned so the last one can be
// served over HTTP.
func (s *sim) run(ctx context.Context, sc *scenario.Scenario) (*scenario.Runner, error) {
	if s.cfg.compare {
		fast, _, err := scenario.Compare(ctx, sc, s.options())
		if err != nil {
			return nil, err
		}
		return nil, s.report(fast)
	}
	r := scenario.NewRunner(sc, s.options())
	stop := s.watch(sc.Name, r)
	res, err := r.Run(ctx)
	stop()
	if err != nil {
		return r, err
	}
	return r, s.report(res)
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "mcs-sim: %v\n", err)
		os.Exit(1)
	}
}

func realMain() error {
	cfg := parseFlags()
	cfg.recordThresholds()

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	all, err := loadScenarios(cfg.scenarioPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	persister, err := persistence.BuildPersister(cfg.adapter, persistence.AdapterOptions{
		RedisAddr:      cfg.redisAddr,
		RedisMarkerTTL: cfg.redisMarkerTTL,
		KafkaTopic:     cfg.kafkaTopic,
		SQLitePath:     cfg.sqlitePath,
		Log:            log.Named("ledger"),
	})
	if err != nil {
		return err
	}
	if c, ok := persister.(interface{ Close() error }); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn("closing persister", zap.Error(err))
			}
		}()
	}

	s := &sim{cfg: cfg, log: log, persister: persister}
	tracers := core.MultiTracer{accounting.Recorder{}, telemetry.Tracer{}}
	if cfg.traceOut != "" {
		ts, err := sinks.NewTraceFileSink(cfg.traceOut)
		if err != nil {
			return err
		}
		defer ts.Close()
		tracers = append(tracers, ts)
	}
	s.tracer = tracers
	if cfg.checkpointOut != "" {
		cs, err := sinks.NewSnapshotFileSink(cfg.checkpointOut)
		if err != nil {
			return err
		}
		defer cs.Close()
		s.checkpoints = cs
	}

	var last *scenario.Runner
	failed := 0
	for _, sc := range all {
		r, err := s.run(ctx, sc)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", sc.Name, err)
			continue
		}
		last = r
	}

	if cfg.apiAddr != "" && last != nil {
		if err := s.serve(ctx, last); err != nil {
			return err
		}
	}

	persister.PrintFinalMetrics()
	if cfg.adapter != "mock" && cfg.adapter != "" {
		accounting.WriteReport(os.Stdout, accounting.ColorEnabled(os.Stdout))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(all))
	}
	return nil
}

// serve keeps r's kernel behind the HTTP API until ctx is done.
func (s *sim) serve(ctx context.Context, r *scenario.Runner) error {
	stop := s.watch(r.Result().Name, r)
	defer stop()

	srv := api.NewServer(r, s.log).HTTPServer(s.cfg.apiAddr)
	errc := make(chan error, 1)
	go func() {
		fmt.Printf("Simulation API server listening on %s\n", s.cfg.apiAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", s.cfg.apiAddr, err)
		}
		return nil
	case <-ctx.Done():
	}
	fmt.Println("\nShutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
