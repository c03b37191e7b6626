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
	"go.uber.org/zap"

	"mcs"
)

// ---- ready queues ----

func (k *Kernel) schedEnqueue(t *TCB) {
	if t.inReady || !t.Schedulable() {
		return
	}
	rq := &k.nodes[t.affinity].ready[t.domain]
	rq.queues[t.prio].Prepend(t)
	rq.mark(t.prio)
	t.inReady = true
}

func (k *Kernel) schedAppend(t *TCB) {
	if t.inReady || !t.Schedulable() {
		return
	}
	rq := &k.nodes[t.affinity].ready[t.domain]
	rq.queues[t.prio].Append(t)
	rq.mark(t.prio)
	t.inReady = true
}

func (k *Kernel) schedDequeue(t *TCB) {
	if !t.inReady {
		return
	}
	rq := &k.nodes[t.affinity].ready[t.domain]
	rq.queues[t.prio].Remove(t)
	rq.unmarkIfEmpty(t.prio)
	t.inReady = false
}

// SchedEnqueue puts a schedulable thread at the head of its ready queue.
// The caller must hold the kernel lock.
func (k *Kernel) SchedEnqueue(t *TCB) { k.schedEnqueue(t) }

// SchedAppend puts a schedulable thread at the tail of its ready queue.
// The caller must hold the kernel lock.
func (k *Kernel) SchedAppend(t *TCB) { k.schedAppend(t) }

// ---- release queue ----

// releaseEnqueue keeps the queue ordered by head refill time. Threads with
// equal times stay in arrival order.
func (k *Kernel) releaseEnqueue(t *TCB) {
	n := k.nodes[t.affinity]
	at := t.sc.Head().Time
	var before *TCB
	for c := n.release.Head(); c != nil; c = n.release.Next(c) {
		if c.sc.Head().Time > at {
			before = c
			break
		}
	}
	if before == n.release.Head() {
		n.reprogram = true
	}
	n.release.InsertBefore(t, before)
	t.inRelease = true
}

func (k *Kernel) releaseRemove(t *TCB) {
	if !t.inRelease {
		return
	}
	n := k.nodes[t.affinity]
	if n.release.Head() == t {
		n.reprogram = true
	}
	n.release.Remove(t)
	t.inRelease = false
}

// releaseResort moves sc's thread to its new place after a charge changed
// the head refill while the thread waits for release.
func (k *Kernel) releaseResort(sc *SchedContext) {
	if t := sc.tcb; t != nil && t.inRelease {
		k.releaseRemove(t)
		k.releaseEnqueue(t)
	}
}

// postpone parks sc's thread until its head refill is ready.
func (k *Kernel) postpone(sc *SchedContext) {
	t := sc.tcb
	k.schedDequeue(t)
	k.releaseRemove(t)
	k.releaseEnqueue(t)
	n := k.nodes[t.affinity]
	n.reprogram = true
	k.log.Debug("postpone",
		zap.String("thread", t.Name),
		zap.String("sc", sc.Name),
		zap.Uint64("release-time", uint64(sc.Head().Time)))
	k.trace(Event{Kind: EventPostpone, Core: n.core, Time: n.curTime, Thread: t.Name, SC: sc.Name, Ticks: sc.Head().Time})
}

// ---- scheduler actions ----

func (n *Node) rescheduleRequired() {
	if n.action.Kind == SwitchTo && n.action.Target.Schedulable() {
		n.k.schedEnqueue(n.action.Target)
	}
	n.action = Action{Kind: ChooseNew}
}

// scheduleTCB makes sure a current thread that can no longer run is
// replaced on the next schedule.
func (k *Kernel) scheduleTCB(t *TCB) {
	n := k.nodes[t.affinity]
	if t == n.curThread && n.action.Kind == ResumeCurrent && !t.Schedulable() {
		n.rescheduleRequired()
	}
}

func (k *Kernel) setThreadState(t *TCB, st ThreadState) {
	t.state = st
	k.scheduleTCB(t)
}

// SetThreadState changes t's state. The caller must hold the kernel lock.
func (k *Kernel) SetThreadState(t *TCB, st ThreadState) { k.setThreadState(t, st) }

// possibleSwitchTo makes a newly runnable thread eligible. A thread whose
// scheduling context is not ready and sufficient goes to the release queue
// instead.
func (k *Kernel) possibleSwitchTo(n *Node, t *TCB) {
	if !t.runnable() || t.sc == nil || !t.sc.Active() || t.inRelease {
		return
	}
	tn := k.nodes[t.affinity]
	if !t.readyAndSufficient(tn.curTime) {
		k.postpone(t.sc)
		return
	}
	switch {
	case tn != n:
		k.schedEnqueue(t)
		if tn.IsIdle() || t.prio > tn.curThread.prio {
			tn.rescheduleRequired()
		}
	case n.curDomain != t.domain:
		k.schedEnqueue(t)
	case n.action.Kind != ResumeCurrent:
		n.rescheduleRequired()
		k.schedEnqueue(t)
	default:
		n.action = Action{Kind: SwitchTo, Target: t}
	}
}

// awaken releases every thread whose refill has come due.
func (n *Node) awaken() {
	var due []*TCB
	for n.ReleaseDue() {
		t := n.release.PopHead()
		t.inRelease = false
		due = append(due, t)
	}
	for _, t := range due {
		n.reprogram = true
		n.k.trace(Event{Kind: EventAwaken, Core: n.core, Time: n.curTime, Thread: t.Name, SC: t.sc.Name})
		n.k.possibleSwitchTo(n, t)
	}
}

// schedule picks the thread to run when leaving the kernel.
func (n *Node) schedule() {
	n.awaken()
	if n.action.Kind != ResumeCurrent {
		cur := n.curThread
		wasRunnable := cur.Schedulable()
		if wasRunnable {
			n.k.schedEnqueue(cur)
		}
		if cand := n.action.Target; n.action.Kind == SwitchTo && cand.Schedulable() {
			fastfail := n.IsIdle() || cand.prio < cur.prio
			switch {
			case fastfail && !n.IsHighestPrio(cand.prio):
				n.k.schedEnqueue(cand)
				n.chooseThread()
			case wasRunnable && cand.prio == cur.prio:
				n.k.schedAppend(cand)
				n.chooseThread()
			default:
				n.switchToThread(cand)
			}
		} else {
			n.chooseThread()
		}
	}
	n.finishSchedule()
}

func (n *Node) finishSchedule() {
	n.action = Action{}
	n.switchSchedContext()
	if n.reprogram {
		n.setNextInterrupt()
		n.reprogram = false
	}
}

func (n *Node) chooseThread() {
	rq := &n.ready[n.curDomain]
	if prio, ok := rq.highest(); ok {
		n.switchToThread(rq.queues[prio].Head())
		return
	}
	n.switchToThread(n.idle)
}

func (n *Node) switchToThread(t *TCB) {
	n.k.schedDequeue(t)
	if t != n.curThread {
		n.k.trace(Event{Kind: EventSwitch, Core: n.core, Time: n.curTime, Thread: t.Name, SC: t.sc.name()})
	}
	n.curThread = t
}

func (n *Node) switchSchedContext() {
	next := n.curThread.sc
	if next == nil {
		n.k.fail("current thread has no scheduling context", zap.String("thread", n.curThread.Name))
	}
	if next != n.curSC {
		n.reprogram = true
		next.UnblockCheck(n.curTime)
	}
	if n.reprogram {
		n.commitTime()
	}
	n.curSC = next
}

// commitTime charges the time consumed since the last commit to the
// current scheduling context without ending its timeslice.
func (n *Node) commitTime() {
	sc := n.curSC
	if sc != n.idleSC && sc.Active() && n.consumed > 0 {
		if !sc.Sufficient(n.consumed) {
			n.k.fail("commit with insufficient budget",
				zap.String("sc", sc.Name),
				zap.Uint64("consumed", uint64(n.consumed)),
				zap.Uint64("head", uint64(sc.Head().Amount)))
		}
		sc.SplitCheck(n.consumed)
		n.k.releaseResort(sc)
		n.k.trace(Event{Kind: EventCharge, Core: n.core, Time: n.curTime, SC: sc.Name, Ticks: n.consumed, Size: sc.Size()})
	}
	sc.AddConsumed(n.consumed)
	n.consumed = 0
}

func (n *Node) setNextInterrupt() {
	next := NoDeadline
	if sc := n.curThread.sc; sc != nil && sc != n.idleSC && sc.Active() {
		next = n.curTime + sc.Head().Amount
	}
	if h := n.release.Head(); h != nil && h.sc.Head().Time < next {
		next = h.sc.Head().Time
	}
	n.deadline = next
	n.clock.SetDeadline(next)
}

func (n *Node) activateThread() {
	switch n.curThread.state.Type {
	case ThreadRunning, ThreadIdle:
	case ThreadRestart:
		n.curThread.state = ThreadState{Type: ThreadRunning}
	default:
		n.k.fail("current thread is not runnable",
			zap.String("thread", n.curThread.Name),
			zap.Stringer("state", n.curThread.state.Type))
	}
}

// ---- budget ----

// checkBudget returns false, after charging, when the current scheduling
// context cannot cover another kernel exit.
func (n *Node) checkBudget() bool {
	sc := n.curSC
	if sc == n.idleSC || !sc.Active() {
		return true
	}
	capacity := sc.Capacity(n.consumed)
	if capacity >= sc.MinBudget() {
		return true
	}
	usage := n.consumed
	if capacity > 0 {
		usage = sc.Head().Amount
	}
	n.chargeBudget(usage)
	return false
}

func (n *Node) checkBudgetRestart() bool {
	if n.checkBudget() {
		return true
	}
	if cur := n.curThread; cur.runnable() {
		n.k.setThreadState(cur, ThreadState{Type: ThreadRestart})
	}
	return false
}

// chargeBudget charges usage to the current scheduling context through the
// refill queue and ends the current thread's timeslice.
func (n *Node) chargeBudget(usage mcs.Ticks) {
	sc := n.curSC
	if sc != n.idleSC && sc.Active() {
		sc.BudgetCheck(usage, 0)
		sc.AddConsumed(usage)
		n.k.releaseResort(sc)
		n.k.trace(Event{Kind: EventCharge, Core: n.core, Time: n.curTime, SC: sc.Name, Ticks: usage, Size: sc.Size()})
	}
	n.consumed = 0
	if cur := n.curThread; cur.Schedulable() && cur.sc == sc {
		n.endTimeslice()
		n.rescheduleRequired()
		n.reprogram = true
	}
}

// endTimeslice round-robins the current thread if its next refill is
// already usable and parks it otherwise.
func (n *Node) endTimeslice() {
	sc := n.curSC
	if sc.Ready(n.curTime) && sc.Sufficient(0) {
		n.k.schedAppend(sc.tcb)
		return
	}
	n.k.postpone(sc)
}

// SwitchToThreadFast hands the core directly to t. The caller must hold
// the kernel lock and have established that schedule would pick t.
func (n *Node) SwitchToThreadFast(t *TCB) {
	n.switchToThread(t)
	n.finishSchedule()
	n.activateThread()
}

// ResumeCurrentFast leaves the kernel without a scheduling decision.
func (n *Node) ResumeCurrentFast() {
	n.finishSchedule()
	n.activateThread()
}
