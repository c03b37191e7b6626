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

package fastpath

import "mcs/internal/kernel/core"

type placement uint8

const (
	placeNone    placement = iota // dest stays off the ready queues
	placeSwitch                   // dest becomes current
	placePreempt                  // dest becomes current, the old thread is queued
	placeAppend                   // dest queued behind equal-priority threads
	placePrepend                  // dest queued at the head of its priority
)

type signalPlan struct {
	nt    *core.Notification
	dest  *core.TCB
	bound bool
	badge uint64
	place placement
}

// signalDest returns the thread a signal on nt would wake, and whether it is
// the bound thread waiting in Recv.
func signalDest(nt *core.Notification) (*core.TCB, bool) {
	switch nt.State() {
	case core.NotificationWaiting:
		return nt.Head(), false
	case core.NotificationIdle:
		if t := nt.Bound(); t != nil && t.State().Type == core.ThreadBlockedOnReceive {
			return t, true
		}
	}
	return nil, false
}

// planWake decides where a woken thread goes. Only outcomes that leave the
// current thread in place, or a switch from idle or to a strictly higher
// priority when preempt is allowed, are taken.
func (e *Engine) planWake(n *core.Node, dest *core.TCB, preempt bool) (placement, Bail) {
	// dest is still blocked, so check what Schedulable will see once it runs.
	sc := dest.SC()
	if sc == nil || !sc.Active() || dest.InReleaseQueue() {
		return placeNone, BailNone
	}
	if !sc.Ready(n.Time()) || !sc.Sufficient(0) {
		return placeNone, BailNotSchedulable
	}
	if b := e.checkDest(n, dest); b != BailNone {
		return placeNone, b
	}
	cur := n.CurThread()
	switch {
	case n.IsIdle():
		if !preempt || !n.IsHighestPrio(dest.Prio()) {
			return placeNone, BailPriority
		}
		return placeSwitch, BailNone
	case dest.Prio() > cur.Prio():
		if !preempt {
			return placeNone, BailPriority
		}
		return placePreempt, BailNone
	case !n.IsHighestPrio(cur.Prio()):
		return placeNone, BailPriority
	case dest.Prio() == cur.Prio():
		return placeAppend, BailNone
	}
	return placePrepend, BailNone
}

func (e *Engine) planSignal(n *core.Node, nt *core.Notification, badge uint64, preempt bool) (signalPlan, Bail) {
	p := signalPlan{nt: nt, badge: badge}
	p.dest, p.bound = signalDest(nt)
	if p.dest == nil {
		return p, BailNone
	}
	place, b := e.planWake(n, p.dest, preempt)
	if b != BailNone {
		return signalPlan{}, b
	}
	p.place = place
	return p, BailNone
}

// commitSignal delivers the badge and leaves the kernel.
func (e *Engine) commitSignal(n *core.Node, p signalPlan) {
	dest := p.dest
	if dest == nil {
		e.k.SetActive(p.nt, p.badge)
		n.ResumeCurrentFast()
		return
	}
	if p.bound {
		e.k.CancelIPC(dest)
	} else {
		e.k.DequeueWaiter(dest)
	}
	e.k.SetThreadState(dest, core.ThreadState{Type: core.ThreadRunning})
	e.k.SetBadge(dest, p.badge)

	switch p.place {
	case placeSwitch:
		n.SwitchToThreadFast(dest)
	case placePreempt:
		e.k.SchedEnqueue(n.CurThread())
		n.SwitchToThreadFast(dest)
	case placeAppend:
		e.k.SchedAppend(dest)
		n.ResumeCurrentFast()
	case placePrepend:
		e.k.SchedEnqueue(dest)
		n.ResumeCurrentFast()
	default:
		n.ResumeCurrentFast()
	}
}

// Signal sends the badge of the notification cap at cptr. A woken thread
// that would preempt the signaller is left to the general path.
func (e *Engine) Signal(coreID int, cptr core.CPtr) error {
	if !e.validCore(coreID) {
		return e.k.Signal(coreID, cptr)
	}
	e.k.Lock()
	defer e.k.Unlock()
	n := e.k.Enter(coreID)
	p, b := e.checkSignal(n, cptr)
	if b != BailNone {
		e.bail(n, OpSignal, b)
		return e.k.SlowSignal(n, cptr)
	}
	e.committed(n, OpSignal)
	e.commitSignal(n, p)
	return nil
}

func (e *Engine) checkSignal(n *core.Node, cptr core.CPtr) (signalPlan, Bail) {
	if b := e.checkCaller(n, core.MessageInfo{}); b != BailNone {
		return signalPlan{}, b
	}
	c, err := e.k.Lookup(n.CurThread(), cptr)
	if err != nil {
		return signalPlan{}, BailLookup
	}
	if c.Type != core.CapNotification {
		return signalPlan{}, BailCapType
	}
	if !c.Rights.Has(core.RightSend) {
		return signalPlan{}, BailRights
	}
	return e.planSignal(n, c.Notification, c.Badge, false)
}

// IRQ delivers interrupt irq to its notification. The line is masked until
// acknowledged, as on the general path.
func (e *Engine) IRQ(coreID, irq int) error {
	if !e.validCore(coreID) {
		return e.k.HandleIRQ(coreID, irq)
	}
	e.k.Lock()
	defer e.k.Unlock()
	n := e.k.Enter(coreID)
	p, b := e.checkIRQ(n, irq)
	if b != BailNone {
		e.bail(n, OpIRQ, b)
		e.k.SlowIRQ(n, irq)
		return nil
	}
	e.k.CountIRQ(irq)
	e.k.MaskIRQ(irq, true)
	e.committed(n, OpIRQ)
	e.commitSignal(n, p)
	return nil
}

func (e *Engine) checkIRQ(n *core.Node, irq int) (signalPlan, Bail) {
	if n.Action().Kind != core.ResumeCurrent {
		return signalPlan{}, BailSchedulerAction
	}
	if b := checkBudget(n); b != BailNone {
		return signalPlan{}, b
	}
	line, ok := e.k.IRQ(irq)
	if !ok || line.Masked || line.State != core.IRQSignal {
		return signalPlan{}, BailIRQ
	}
	c := line.Cap
	if c.Type != core.CapNotification || !c.Rights.Has(core.RightSend) {
		return signalPlan{}, BailIRQ
	}
	return e.planSignal(n, c.Notification, c.Badge, true)
}
