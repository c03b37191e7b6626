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

// Package api exposes a running simulation over HTTP: it accepts scenario
// commands, and serves kernel snapshots, usage, fastpath statistics and
// Prometheus metrics.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"mcs/internal/kernel/accounting"
	"mcs/internal/kernel/core"
	"mcs/internal/kernel/scenario"
	"mcs/internal/kernel/telemetry"
)

const maxStepBody = 1 << 20

// Server handles HTTP requests against one scenario runner. Steps are
// serialised; reads go through the kernel's own lock.
type Server struct {
	mu     sync.Mutex
	runner *scenario.Runner
	log    *zap.Logger
}

func NewServer(runner *scenario.Runner, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{runner: runner, log: log.Named("api")}
}

// RegisterRoutes sets up the HTTP routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/step", s.handleStep)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/usage", s.handleUsage)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/check", s.handleCheck)
	mux.Handle("/metrics", telemetry.Handler())
}

// StepResponse reports how many commands of a /step request ran.
type StepResponse struct {
	Steps int    `json:"steps"`
	Error string `json:"error,omitempty"`
}

// handleStep runs the command lines in the request body in order and stops
// at the first failure.
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStepBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	cmds, err := scenario.ParseScript(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, StepResponse{Error: err.Error()})
		return
	}
	if len(cmds) == 0 {
		http.Error(w, "no commands", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var resp StepResponse
	for _, cmd := range cmds {
		if err := s.runner.Step(cmd); err != nil {
			resp.Error = err.Error()
			s.log.Info("step failed", zap.String("cmd", cmd.Text), zap.Error(err))
			writeJSON(w, stepStatus(err), resp)
			return
		}
		resp.Steps++
	}
	writeJSON(w, http.StatusOK, resp)
}

func stepStatus(err error) int {
	var ie *core.InvariantError
	switch {
	case errors.Is(err, scenario.ErrSyntax):
		return http.StatusBadRequest
	case errors.As(err, &ie):
		return http.StatusInternalServerError
	case errors.Is(err, scenario.ErrExpect), errors.Is(err, scenario.ErrNotCurrent):
		return http.StatusConflict
	}
	return http.StatusUnprocessableEntity
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Kernel().Snapshot())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Kernel().Usage())
}

// StatsResponse combines fastpath and ledger counters.
type StatsResponse struct {
	Steps    int                          `json:"steps"`
	Commits  map[string]uint64            `json:"fastpath_commits"`
	Bails    map[string]map[string]uint64 `json:"fastpath_bails"`
	Totals   accounting.Totals            `json:"totals"`
	Fastpath bool                         `json:"fastpath"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res := s.runner.Result()
	s.mu.Unlock()
	out := StatsResponse{
		Steps:    res.Steps,
		Commits:  map[string]uint64{},
		Bails:    map[string]map[string]uint64{},
		Totals:   accounting.GetTotals(),
		Fastpath: res.Fastpath,
	}
	if fp := s.runner.Fastpath(); fp != nil {
		st := fp.Stats()
		for op, c := range st.Commits {
			out.Commits[op.String()] = c
		}
		for op, m := range st.Bails {
			inner := make(map[string]uint64, len(m))
			for b, c := range m {
				inner[b.String()] = c
			}
			out.Bails[op.String()] = inner
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Kernel().CheckInvariants(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "OK")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, "encode: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// HTTPServer returns an *http.Server for addr with the routes registered,
// for callers that manage shutdown themselves.
func (s *Server) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// ListenAndServe serves on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	fmt.Printf("Simulation API server listening on %s\n", addr)
	return s.HTTPServer(addr).ListenAndServe()
}
