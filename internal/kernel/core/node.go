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

package core

import (
	"math/bits"
	"strconv"

	"mcs"
)

type ActionKind uint8

const (
	ResumeCurrent ActionKind = iota
	ChooseNew
	SwitchTo
)

// Action is the scheduler's pending decision for a core.
type Action struct {
	Kind   ActionKind
	Target *TCB // SwitchTo only
}

func (a Action) String() string {
	switch a.Kind {
	case ChooseNew:
		return "choose-new"
	case SwitchTo:
		return "switch-to:" + a.Target.Name
	}
	return "resume-current"
}

type readyQueues struct {
	queues [NumPriorities]Queue
	bitmap [NumPriorities / 64]uint64
}

func (r *readyQueues) init() {
	for i := range r.queues {
		r.queues[i] = newQueue(readyQueue)
	}
}

func (r *readyQueues) mark(prio uint8) {
	r.bitmap[prio/64] |= 1 << (prio % 64)
}

func (r *readyQueues) unmarkIfEmpty(prio uint8) {
	if r.queues[prio].Empty() {
		r.bitmap[prio/64] &^= 1 << (prio % 64)
	}
}

func (r *readyQueues) empty() bool {
	for _, w := range r.bitmap {
		if w != 0 {
			return false
		}
	}
	return true
}

// highest returns the highest priority with a ready thread.
func (r *readyQueues) highest() (uint8, bool) {
	for i := len(r.bitmap) - 1; i >= 0; i-- {
		if w := r.bitmap[i]; w != 0 {
			return uint8(i*64 + 63 - bits.LeadingZeros64(w)), true
		}
	}
	return 0, false
}

// Node is the per-core scheduler state.
type Node struct {
	k     *Kernel
	core  int
	clock Clock

	curThread *TCB
	curSC     *SchedContext
	idle      *TCB
	idleSC    *SchedContext

	curTime   mcs.Ticks
	consumed  mcs.Ticks
	reprogram bool
	deadline  mcs.Ticks
	action    Action
	curDomain int

	ready   []readyQueues // indexed by domain
	release Queue
}

func newNode(k *Kernel, core int, clock Clock, domains int) *Node {
	n := &Node{
		k:       k,
		core:    core,
		clock:   clock,
		ready:   make([]readyQueues, domains),
		release: newQueue(releaseQueue),
	}
	for i := range n.ready {
		n.ready[i].init()
	}
	n.idleSC = &SchedContext{Name: idleName(core), core: core}
	n.idle = &TCB{
		Name:     idleName(core),
		affinity: core,
		state:    ThreadState{Type: ThreadIdle},
		sc:       n.idleSC,
		cspace:   NewCSpace(),
	}
	n.idleSC.tcb = n.idle
	n.curThread = n.idle
	n.curSC = n.idleSC
	n.curTime = clock.Now()
	n.deadline = NoDeadline
	return n
}

func idleName(core int) string {
	return "idle/" + strconv.Itoa(core)
}

func (n *Node) Core() int { return n.core }
func (n *Node) CurThread() *TCB { return n.curThread }
func (n *Node) CurSC() *SchedContext { return n.curSC }
func (n *Node) Idle() *TCB { return n.idle }
func (n *Node) Time() mcs.Ticks { return n.curTime }
func (n *Node) Consumed() mcs.Ticks { return n.consumed }
func (n *Node) Domain() int { return n.curDomain }
func (n *Node) Action() Action { return n.action }
func (n *Node) Clock() Clock { return n.clock }
func (n *Node) Deadline() mcs.Ticks { return n.deadline }
func (n *Node) ReleaseQueue() []*TCB { return n.release.Threads() }
func (n *Node) IsIdle() bool { return n.curThread == n.idle }
func (n *Node) CurSCIsIdle() bool { return n.curSC == n.idleSC }

// IsHighestPrio reports whether prio is at least the highest ready priority
// in the current domain.
func (n *Node) IsHighestPrio(prio uint8) bool {
	h, ok := n.ready[n.curDomain].highest()
	return !ok || prio >= h
}

// ReadyQueue returns the threads queued at prio in domain dom.
func (n *Node) ReadyQueue(dom int, prio uint8) []*TCB {
	return n.ready[dom].queues[prio].Threads()
}

// ReleaseDue reports whether the head of the release queue can be released
// at the current time.
func (n *Node) ReleaseDue() bool {
	h := n.release.Head()
	return h != nil && h.sc.Ready(n.curTime)
}

// SetDomain changes the domain the core schedules from.
func (n *Node) SetDomain(dom int) {
	if dom < 0 || dom >= len(n.ready) {
		return
	}
	n.curDomain = dom
	n.rescheduleRequired()
}

// updateTimestamp accounts the time since the last kernel entry.
func (n *Node) updateTimestamp() {
	prev := n.curTime
	n.curTime = n.clock.Now()
	if n.curTime > prev {
		n.consumed += n.curTime - prev
	} else {
		n.curTime = prev
	}
}
