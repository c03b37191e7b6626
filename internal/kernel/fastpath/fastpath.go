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

// Package fastpath implements the short paths for call, reply-recv, signal
// and interrupt delivery. Each operation first runs a side-effect-free check
// that either yields a plan or a Bail reason. A bail hands the unchanged
// kernel state to the general path in package core; a plan is committed
// with operations that cannot fail.
package fastpath

import (
	"sync/atomic"

	"go.uber.org/zap"

	"mcs/internal/kernel/core"
)

// MaxLength is the longest message, in registers, the fastpath carries.
const MaxLength = 4

// Op names a fastpath operation.
type Op uint8

const (
	OpCall Op = iota
	OpReplyRecv
	OpSignal
	OpIRQ
	numOps
)

var opNames = [...]string{
	OpCall:      "call",
	OpReplyRecv: "reply-recv",
	OpSignal:    "signal",
	OpIRQ:       "irq",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Bail says why a fastpath deferred to the general path.
type Bail uint8

const (
	BailNone Bail = iota
	BailIdle
	BailSchedulerAction
	BailMessage
	BailFault
	BailBudget
	BailReleaseDue
	BailLookup
	BailCapType
	BailRights
	BailEndpointState
	BailNotificationActive
	BailNoReply
	BailReplyState
	BailCallStack
	BailDestHasSC
	BailDestFault
	BailVSpace
	BailPriority
	BailDomain
	BailAffinity
	BailNotSchedulable
	BailIRQ
	numBails
)

var bailNames = [...]string{
	BailNone:               "none",
	BailIdle:               "idle",
	BailSchedulerAction:    "scheduler-action",
	BailMessage:            "message",
	BailFault:              "fault",
	BailBudget:             "budget",
	BailReleaseDue:         "release-due",
	BailLookup:             "lookup",
	BailCapType:            "cap-type",
	BailRights:             "rights",
	BailEndpointState:      "endpoint-state",
	BailNotificationActive: "notification-active",
	BailNoReply:            "no-reply",
	BailReplyState:         "reply-state",
	BailCallStack:          "call-stack",
	BailDestHasSC:          "dest-has-sc",
	BailDestFault:          "dest-fault",
	BailVSpace:             "vspace",
	BailPriority:           "priority",
	BailDomain:             "domain",
	BailAffinity:           "affinity",
	BailNotSchedulable:     "not-schedulable",
	BailIRQ:                "irq",
}

func (b Bail) String() string {
	if int(b) < len(bailNames) {
		return bailNames[b]
	}
	return "unknown"
}

// Bails lists every bail reason except BailNone.
func Bails() []Bail {
	out := make([]Bail, 0, numBails-1)
	for b := BailNone + 1; b < numBails; b++ {
		out = append(out, b)
	}
	return out
}

// Stats counts commits and bails per operation.
type Stats struct {
	Commits map[Op]uint64
	Bails   map[Op]map[Bail]uint64
}

// Engine runs fastpaths against one kernel.
type Engine struct {
	k   *core.Kernel
	log *zap.Logger

	commits [numOps]atomic.Uint64
	bails   [numOps][numBails]atomic.Uint64
}

func New(k *core.Kernel) *Engine {
	return &Engine{k: k, log: k.Logger().Named("fastpath")}
}

// Kernel returns the kernel the engine drives.
func (e *Engine) Kernel() *core.Kernel { return e.k }

// Stats returns a copy of the commit and bail counters.
func (e *Engine) Stats() Stats {
	s := Stats{Commits: make(map[Op]uint64), Bails: make(map[Op]map[Bail]uint64)}
	for op := Op(0); op < numOps; op++ {
		if c := e.commits[op].Load(); c > 0 {
			s.Commits[op] = c
		}
		for b := Bail(0); b < numBails; b++ {
			if c := e.bails[op][b].Load(); c > 0 {
				if s.Bails[op] == nil {
					s.Bails[op] = make(map[Bail]uint64)
				}
				s.Bails[op][b] = c
			}
		}
	}
	return s
}

func (e *Engine) bail(n *core.Node, op Op, b Bail) {
	e.bails[op][b].Add(1)
	e.log.Debug("bail",
		zap.Stringer("op", op),
		zap.Stringer("reason", b),
		zap.String("thread", n.CurThread().Name))
	e.k.Trace(core.Event{Kind: core.EventBail, Core: n.Core(), Time: n.Time(), Thread: n.CurThread().Name, Op: op.String(), Reason: b.String()})
}

func (e *Engine) committed(n *core.Node, op Op) {
	e.commits[op].Add(1)
	e.k.Trace(core.Event{Kind: core.EventFastpath, Core: n.Core(), Time: n.Time(), Thread: n.CurThread().Name, Op: op.String()})
}

// checkCaller covers what every thread-initiated fastpath needs of the
// current thread and core.
func (e *Engine) checkCaller(n *core.Node, info core.MessageInfo) Bail {
	if n.IsIdle() {
		return BailIdle
	}
	if n.Action().Kind != core.ResumeCurrent {
		return BailSchedulerAction
	}
	if info.ExtraCaps != 0 || info.Length > MaxLength || info.Length < 0 {
		return BailMessage
	}
	cur := n.CurThread()
	if cur.Fault().Type != core.FaultNull {
		return BailFault
	}
	if b := checkBudget(n); b != BailNone {
		return b
	}
	return BailNone
}

// checkBudget holds when the kernel entry will not charge the current
// context and no thread is due for release.
func checkBudget(n *core.Node) Bail {
	if !n.CurSCIsIdle() {
		sc := n.CurSC()
		if !sc.Active() || !sc.Sufficient(n.Consumed()) || !sc.Ready(n.Time()) {
			return BailBudget
		}
	}
	if n.ReleaseDue() {
		return BailReleaseDue
	}
	return BailNone
}

// checkDest covers the address space and placement of a thread about to
// run on n.
func (e *Engine) checkDest(n *core.Node, dest *core.TCB) Bail {
	v := e.k.Validator()
	if !v.IsValidRoot(dest.VSpace()) || !v.HasValidASID(dest.VSpace()) {
		return BailVSpace
	}
	if dest.Domain() != n.Domain() {
		return BailDomain
	}
	if dest.Affinity() != n.Core() {
		return BailAffinity
	}
	return BailNone
}

func (e *Engine) validCore(core int) bool {
	return core >= 0 && core < e.k.Cores()
}
