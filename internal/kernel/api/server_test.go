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

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sugawarayuuta/sonnet"

	"mcs"
	"mcs/internal/kernel/core"
	"mcs/internal/kernel/scenario"
)

const archive = `-- config --
cores=1
fastpath=true
-- setup --
thread worker prio=10
sc worker-sc budget=50 period=100
bind worker-sc worker
`

func newTestServer(t *testing.T) (*httptest.Server, *scenario.Runner) {
	t.Helper()
	s, err := scenario.Parse("api", []byte(archive))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := scenario.NewRunner(s, scenario.Options{})
	for _, cmd := range s.Setup {
		if err := r.Step(cmd); err != nil {
			t.Fatalf("setup %q: %v", cmd.Text, err)
		}
	}
	mux := http.NewServeMux()
	NewServer(r, nil).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, r
}

func post(t *testing.T, ts *httptest.Server, body string) (int, StepResponse) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+"/step", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out StepResponse
	b, _ := io.ReadAll(resp.Body)
	if resp.Header.Get("Content-Type") == "application/json" {
		if err := sonnet.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode %q: %v", b, err)
		}
	}
	return resp.StatusCode, out
}

func get(t *testing.T, ts *httptest.Server, path string, v any) int {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if v != nil {
		if err := sonnet.Unmarshal(b, v); err != nil {
			t.Fatalf("decode %s %q: %v", path, b, err)
		}
	}
	return resp.StatusCode
}

func TestStep_RunsCommands(t *testing.T) {
	ts, r := newTestServer(t)

	code, out := post(t, ts, "resume worker\nexpect current worker\n")
	if code != http.StatusOK {
		t.Fatalf("status = %d (%s)", code, out.Error)
	}
	if out.Steps != 2 {
		t.Fatalf("steps = %d, want 2", out.Steps)
	}
	if cur := r.Kernel().Node(0).CurThread(); cur.Name != "worker" {
		t.Fatalf("current = %s", cur.Name)
	}
}

func TestStep_Statuses(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		code  int
		steps int
	}{
		{"unknown verb", "frobnicate worker", http.StatusBadRequest, 0},
		{"failed expectation", "expect current worker", http.StatusConflict, 0},
		{"stops at first failure", "resume worker\nexpect idle\nadvance 5", http.StatusConflict, 1},
		{"unknown object", "resume nobody", http.StatusUnprocessableEntity, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := post(t, ts, tt.body)
			if code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", code, tt.code, out.Error)
			}
			if out.Steps != tt.steps {
				t.Fatalf("steps = %d, want %d", out.Steps, tt.steps)
			}
			if out.Error == "" {
				t.Fatalf("missing error")
			}
		})
	}
}

func TestStep_RejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/step")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /step = %d", resp.StatusCode)
	}

	code, _ := post(t, ts, "# only a comment\n")
	if code != http.StatusBadRequest {
		t.Fatalf("empty script = %d", code)
	}

	code, out := post(t, ts, "resume worker\nadvance =5\n")
	if code != http.StatusBadRequest {
		t.Fatalf("malformed script = %d", code)
	}
	if !strings.Contains(out.Error, "line 2: empty key") || out.Steps != 0 {
		t.Fatalf("malformed script response = %+v", out)
	}
}

func TestSnapshotAndUsage(t *testing.T) {
	ts, _ := newTestServer(t)
	if code, out := post(t, ts, "resume worker\nadvance 20\nyield worker"); code != http.StatusOK {
		t.Fatalf("step = %d (%s)", code, out.Error)
	}

	var snap core.Snapshot
	if code := get(t, ts, "/snapshot", &snap); code != http.StatusOK {
		t.Fatalf("snapshot = %d", code)
	}
	if len(snap.Nodes) != 1 {
		t.Fatalf("nodes = %+v", snap.Nodes)
	}
	found := false
	for _, th := range snap.Threads {
		if th.Name == "worker" && th.SC == "worker-sc" {
			found = true
		}
	}
	if !found {
		t.Fatalf("worker missing from %+v", snap.Threads)
	}

	var usage map[string]mcs.Ticks
	if code := get(t, ts, "/usage", &usage); code != http.StatusOK {
		t.Fatalf("usage = %d", code)
	}
	if usage["worker-sc"] == 0 {
		t.Fatalf("usage = %v, want worker-sc charged", usage)
	}
}

func TestStats(t *testing.T) {
	ts, _ := newTestServer(t)
	// Cap 9 is empty: the fastpath bails and the slow path reports the error.
	if code, out := post(t, ts, "resume worker\nsignal worker 9\nexpect error"); code != http.StatusOK {
		t.Fatalf("step = %d (%s)", code, out.Error)
	}

	var st StatsResponse
	if code := get(t, ts, "/stats", &st); code != http.StatusOK {
		t.Fatalf("stats = %d", code)
	}
	if !st.Fastpath {
		t.Fatalf("fastpath disabled in stats")
	}
	if st.Steps != 3+3 {
		t.Fatalf("steps = %d, want 6", st.Steps)
	}
	if st.Bails["signal"] == nil {
		t.Fatalf("bails = %v, want a signal bail", st.Bails)
	}
}

func TestCheckAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/check")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(b) != "OK" {
		t.Fatalf("check = %d %q", resp.StatusCode, b)
	}

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestHTTPServerTimeouts(t *testing.T) {
	srv := NewServer(nil, nil).HTTPServer(":0")
	if srv.ReadTimeout == 0 || srv.WriteTimeout == 0 || srv.IdleTimeout == 0 {
		t.Fatalf("timeouts not set: %+v", srv)
	}
	if srv.Handler == nil {
		t.Fatalf("no handler")
	}
}
