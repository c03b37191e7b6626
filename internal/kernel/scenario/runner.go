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

package scenario

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"mcs"
	"mcs/internal/kernel/core"
	"mcs/internal/kernel/fastpath"
)

// Checkpointer stores labelled kernel snapshots. *sinks.SnapshotFileSink
// implements it.
type Checkpointer interface {
	Append(label string, snap core.Snapshot) (uint64, error)
}

// Options are the runtime hooks of a run.
type Options struct {
	Logger      *zap.Logger
	Tracer      core.Tracer
	Checkpoints Checkpointer
}

// Result summarises a completed run.
type Result struct {
	Name     string               `json:"name"`
	Steps    int                  `json:"steps"`
	Fastpath bool                 `json:"fastpath"`
	Commits  uint64               `json:"fastpath_commits"`
	Bails    uint64               `json:"fastpath_bails"`
	Usage    map[string]mcs.Ticks `json:"usage"`
	Final    core.Snapshot        `json:"final"`
}

// Runner executes one scenario against its own kernel.
type Runner struct {
	s      *Scenario
	k      *core.Kernel
	fp     *fastpath.Engine
	clocks []*core.ManualClock
	log    *zap.Logger
	cp     Checkpointer

	steps   int
	lastErr error
}

// NewRunner builds the kernel described by s.Config.
func NewRunner(s *Scenario, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cores := s.Config.Cores
	if cores <= 0 {
		cores = 1
	}
	clocks := make([]*core.ManualClock, cores)
	kc := make([]core.Clock, cores)
	for i := range clocks {
		clocks[i] = core.NewManualClock(0)
		kc[i] = clocks[i]
	}
	k := core.NewKernel(core.Options{
		Cores:      cores,
		Domains:    s.Config.Domains,
		KernelWCET: s.Config.KernelWCET,
		MaxIRQ:     s.Config.MaxIRQ,
		Clocks:     kc,
		Logger:     opts.Logger,
		Tracer:     opts.Tracer,
	})
	r := &Runner{
		s:      s,
		k:      k,
		clocks: clocks,
		log:    opts.Logger.Named("scenario").With(zap.String("scenario", s.Name)),
		cp:     opts.Checkpoints,
	}
	if s.Config.Fastpath {
		r.fp = fastpath.New(k)
	}
	return r
}

func (r *Runner) Kernel() *core.Kernel { return r.k }

// Fastpath returns the fastpath engine, or nil when the scenario runs on
// the slow path only.
func (r *Runner) Fastpath() *fastpath.Engine { return r.fp }

// Run executes setup and script. It stops at the first failing command or
// when ctx is done.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	for _, sec := range [][]Command{r.s.Setup, r.s.Script} {
		for _, cmd := range sec {
			if err := ctx.Err(); err != nil {
				return r.Result(), err
			}
			if err := r.Step(cmd); err != nil {
				return r.Result(), fmt.Errorf("%s: %w", r.s.Name, err)
			}
		}
	}
	r.log.Info("scenario finished", zap.Int("steps", r.steps))
	return r.Result(), nil
}

// Result captures the current state.
func (r *Runner) Result() Result {
	res := Result{
		Name:     r.s.Name,
		Steps:    r.steps,
		Fastpath: r.fp != nil,
		Usage:    r.k.Usage(),
		Final:    r.k.Snapshot(),
	}
	if r.fp != nil {
		res.Commits, res.Bails = totals(r.fp.Stats())
	}
	return res
}

func totals(st fastpath.Stats) (commits, bails uint64) {
	for _, c := range st.Commits {
		commits += c
	}
	for _, m := range st.Bails {
		for _, c := range m {
			bails += c
		}
	}
	return commits, bails
}

// Compare runs s on the fastpath and on the slow path only, and reports
// ErrDiverged when the final states differ.
func Compare(ctx context.Context, s *Scenario, opts Options) (fast, slow Result, err error) {
	fs, ss := *s, *s
	fs.Config.Fastpath = true
	ss.Config.Fastpath = false
	fast, err = NewRunner(&fs, opts).Run(ctx)
	if err != nil {
		return fast, slow, fmt.Errorf("fastpath run: %w", err)
	}
	slow, err = NewRunner(&ss, opts).Run(ctx)
	if err != nil {
		return fast, slow, fmt.Errorf("slow path run: %w", err)
	}
	if !reflect.DeepEqual(fast.Final, slow.Final) {
		fb, _ := sonnet.Marshal(fast.Final)
		sb, _ := sonnet.Marshal(slow.Final)
		return fast, slow, fmt.Errorf("%s: %w\nfast: %s\nslow: %s", s.Name, ErrDiverged, fb, sb)
	}
	return fast, slow, nil
}

// Step executes one command. A kernel invariant failure is returned as an
// error wrapping the *core.InvariantError.
func (r *Runner) Step(cmd Command) (err error) {
	h, ok := handlers[cmd.Verb]
	if !ok {
		return fmt.Errorf("%s: unknown command %q: %w", cmd, cmd.Verb, ErrSyntax)
	}
	r.steps++
	defer func() {
		if p := recover(); p != nil {
			ie, ok := p.(*core.InvariantError)
			if !ok {
				panic(p)
			}
			err = fmt.Errorf("%s: %w", cmd, ie)
		}
	}()
	return h(r, cmd)
}

// ---- lookups ----

func (r *Runner) thread(cmd Command, i int) (*core.TCB, error) {
	name, err := cmd.arg(i)
	if err != nil {
		return nil, err
	}
	t, err := r.k.Thread(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return t, nil
}

func (r *Runner) schedContext(cmd Command, i int) (*core.SchedContext, error) {
	name, err := cmd.arg(i)
	if err != nil {
		return nil, err
	}
	sc, err := r.k.SchedContext(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return sc, nil
}

// actor returns the thread named by argument 0 and its core, after making
// sure it is the thread running there.
func (r *Runner) actor(cmd Command) (*core.TCB, int, error) {
	t, err := r.thread(cmd, 0)
	if err != nil {
		return nil, 0, err
	}
	c := t.Affinity()
	r.k.Lock()
	cur := r.k.Node(c).CurThread()
	r.k.Unlock()
	if cur != t {
		return nil, 0, fmt.Errorf("%s: %s on core %d (current %s): %w", cmd, t.Name, c, cur.Name, ErrNotCurrent)
	}
	return t, c, nil
}

// message loads the mrs= list (comma separated) into t's registers and
// returns the MessageInfo described by len= and label=.
func (r *Runner) message(cmd Command, t *core.TCB) (core.MessageInfo, error) {
	label, err := cmd.uintKV("label", 0)
	if err != nil {
		return core.MessageInfo{}, err
	}
	var values []uint64
	if s, ok := cmd.KV["mrs"]; ok && s != "" {
		for _, f := range strings.Split(s, ",") {
			v, err := parseUint(cmd, f)
			if err != nil {
				return core.MessageInfo{}, err
			}
			values = append(values, v)
		}
	}
	r.k.Lock()
	info := t.SetMessage(label, values...)
	r.k.Unlock()
	length, err := cmd.intKV("len", info.Length)
	if err != nil {
		return core.MessageInfo{}, err
	}
	info.Length = length
	return info, nil
}

// syscall records the outcome of a kernel entry for a later expect ok or
// expect error.
func (r *Runner) syscall(cmd Command, err error) error {
	r.lastErr = err
	if err != nil {
		r.log.Debug("syscall failed", zap.String("cmd", cmd.Text), zap.Error(err))
	}
	return nil
}
