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

// Command http-loadgen drives a running mcs-sim API. In step mode every
// request posts one command script to /step (by default a full call and
// reply round trip); in read mode it fetches /snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeStep modeType = "step"
	modeRead modeType = "read"
)

const defaultScript = "call client 1\nreplyrecv server 1 2"

type config struct {
	base   string
	mode   modeType
	script string
	n      int
	conc   int
}

type result struct {
	sent    int64
	ok      int64
	failed  int64
	errors  int64
	elapsed time.Duration
}

// run splits cfg.n requests over cfg.conc workers.
func run(ctx context.Context, client *http.Client, cfg config) result {
	url := strings.TrimRight(cfg.base, "/")
	if cfg.mode == modeRead {
		url += "/snapshot"
	} else {
		url += "/step"
	}

	var res result
	worker := func(count int) {
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return
			}
			var req *http.Request
			if cfg.mode == modeRead {
				req, _ = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			} else {
				req, _ = http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(cfg.script))
				req.Header.Set("Content-Type", "text/plain")
			}
			atomic.AddInt64(&res.sent, 1)
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&res.errors, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				atomic.AddInt64(&res.ok, 1)
			} else {
				atomic.AddInt64(&res.failed, 1)
			}
		}
	}

	start := time.Now()
	per := cfg.n / cfg.conc
	rem := cfg.n - per*cfg.conc
	var wg sync.WaitGroup
	wg.Add(cfg.conc)
	for w := 0; w < cfg.conc; w++ {
		count := per
		if w == cfg.conc-1 {
			count += rem
		}
		go func(n int) {
			defer wg.Done()
			worker(n)
		}(count)
	}
	wg.Wait()
	res.elapsed = time.Since(start)
	if res.elapsed <= 0 {
		res.elapsed = time.Millisecond
	}
	return res
}

func main() {
	var (
		base       = flag.String("base", "http://127.0.0.1:8080", "Base URL of the mcs-sim API")
		modeS      = flag.String("mode", string(modeStep), "Mode: step|read")
		script     = flag.String("script", defaultScript, "Command script posted per request in step mode (\\n separates lines)")
		N          = flag.Int("n", 5000, "Total requests to send")
		conc       = flag.Int("c", 8, "Number of concurrent workers")
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeStep && m != modeRead {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want step|read)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res := run(ctx, client, config{
		base:   *base,
		mode:   m,
		script: strings.ReplaceAll(*script, `\n`, "\n"),
		n:      *N,
		conc:   *conc,
	})
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s ok=%d failed=%d errors=%d\n",
		m, res.sent, *conc, runtime.GOMAXPROCS(0), res.elapsed.Truncate(time.Millisecond),
		float64(res.sent)/res.elapsed.Seconds(), res.ok, res.failed, res.errors)
	if res.ok == 0 {
		os.Exit(1)
	}
}
