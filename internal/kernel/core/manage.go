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
	"fmt"

	"go.uber.org/zap"

	"mcs"
)

// manage runs fn as a kernel entry on core that is not a system call of
// the current thread. Exhausted budget is charged before fn runs.
func (k *Kernel) manage(core int, fn func(n *Node) error) error {
	if _, err := k.node(core); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	n := k.Enter(core)
	n.checkBudget()
	err := fn(n)
	n.schedule()
	n.activateThread()
	return err
}

// ---- creation ----

// NewThread creates an Inactive thread with its own capability and
// address spaces. It has no scheduling context until one is bound.
func (k *Kernel) NewThread(name string, prio uint8, domain, affinity int) (*TCB, error) {
	if domain < 0 || domain >= k.opts.Domains {
		return nil, fmt.Errorf("thread %q domain %d: %w", name, domain, ErrInvalidArgument)
	}
	if _, err := k.node(affinity); err != nil {
		return nil, fmt.Errorf("thread %q: %w", name, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextASID++
	t := &TCB{
		Name:     name,
		prio:     prio,
		domain:   domain,
		affinity: affinity,
		state:    ThreadState{Type: ThreadInactive},
		cspace:   NewCSpace(),
		vspace:   VSpace{Valid: true, ASID: k.nextASID, ASIDValid: true},
	}
	if err := k.register(name, t); err != nil {
		return nil, err
	}
	k.threads = append(k.threads, t)
	return t, nil
}

func (k *Kernel) NewEndpoint(name string) (*Endpoint, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ep := &Endpoint{Name: name, queue: newQueue(waitQueue)}
	if err := k.register(name, ep); err != nil {
		return nil, err
	}
	k.endpoints = append(k.endpoints, ep)
	return ep, nil
}

func (k *Kernel) NewNotification(name string) (*Notification, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	nt := &Notification{Name: name, queue: newQueue(waitQueue)}
	if err := k.register(name, nt); err != nil {
		return nil, err
	}
	k.notifications = append(k.notifications, nt)
	return nt, nil
}

func (k *Kernel) NewReply(name string) (*Reply, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := &Reply{Name: name}
	if err := k.register(name, r); err != nil {
		return nil, err
	}
	k.replies = append(k.replies, r)
	return r, nil
}

// NewSchedContext creates an inactive scheduling context whose refill
// storage is 1<<sizeBits bytes. Zero selects the kernel default.
func (k *Kernel) NewSchedContext(name string, sizeBits uint) (*SchedContext, error) {
	if sizeBits == 0 {
		sizeBits = k.opts.SCSizeBits
	}
	sc := &SchedContext{Name: name}
	if err := sc.Init(sizeBits, k.opts.KernelWCET); err != nil {
		return nil, fmt.Errorf("sched context %q: %w", name, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.register(name, sc); err != nil {
		return nil, err
	}
	k.scs = append(k.scs, sc)
	return sc, nil
}

// InsertCap stores c in t's capability space at cptr.
func (k *Kernel) InsertCap(t *TCB, cptr CPtr, c Cap) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return t.cspace.Insert(cptr, c)
}

// ---- scheduling contexts ----

// ConfigureSC gives sc a budget per period split over at most maxRefills
// refills. A context in use by a runnable thread keeps its current head
// refill; any other context starts over with the whole budget available
// now.
func (k *Kernel) ConfigureSC(sc *SchedContext, budget, period mcs.Ticks, maxRefills int) error {
	if err := sc.Validate(budget, period, maxRefills); err != nil {
		return fmt.Errorf("configure %q: %w: %w", sc.Name, ErrInvalidArgument, err)
	}
	return k.manage(sc.core, func(n *Node) error {
		t := sc.tcb
		if t != nil {
			k.releaseRemove(t)
			k.schedDequeue(t)
			if sc == n.curSC {
				n.commitTime()
				n.reprogram = true
			}
		}
		if sc.Active() && t != nil && t.runnable() {
			sc.Update(n.curTime, period, budget, maxRefills)
		} else {
			sc.Deactivate()
			sc.New(n.curTime, maxRefills, budget, period)
		}
		k.log.Debug("configure sched context",
			zap.String("sc", sc.Name),
			zap.Uint64("budget", uint64(budget)),
			zap.Uint64("period", uint64(period)),
			zap.Int("max-refills", maxRefills))
		if t == nil {
			return nil
		}
		k.resumeSC(sc)
		if t.Schedulable() && t != n.curThread {
			k.possibleSwitchTo(n, t)
		}
		if t == n.curThread {
			n.rescheduleRequired()
		}
		return nil
	})
}

// resumeSC parks sc's thread if the context cannot run yet.
func (k *Kernel) resumeSC(sc *SchedContext) {
	t := sc.tcb
	if t == nil || !t.Schedulable() {
		return
	}
	if !t.readyAndSufficient(k.nodes[t.affinity].curTime) {
		k.postpone(sc)
	}
}

// BindSC gives t the scheduling context sc.
func (k *Kernel) BindSC(sc *SchedContext, t *TCB) error {
	return k.manage(t.affinity, func(n *Node) error {
		if sc.tcb != nil {
			return fmt.Errorf("sched context %q bound to %q: %w", sc.Name, sc.tcb.Name, ErrAlreadyBound)
		}
		if t.sc != nil {
			return fmt.Errorf("thread %q has %q: %w", t.Name, t.sc.Name, ErrAlreadyBound)
		}
		sc.tcb = t
		t.sc = sc
		sc.core = t.affinity
		k.resumeSC(sc)
		if t.Schedulable() {
			k.schedEnqueue(t)
			n.rescheduleRequired()
		}
		return nil
	})
}

// UnbindSC takes sc away from its thread, which stops being schedulable.
func (k *Kernel) UnbindSC(sc *SchedContext) error {
	return k.manage(sc.core, func(n *Node) error {
		if sc.tcb == nil {
			return fmt.Errorf("sched context %q: %w", sc.Name, ErrNotBound)
		}
		k.unbindSC(sc)
		return nil
	})
}

func (k *Kernel) unbindSC(sc *SchedContext) {
	t := sc.tcb
	if t == nil {
		return
	}
	n := k.nodes[t.affinity]
	k.schedDequeue(t)
	k.releaseRemove(t)
	if t == n.curThread || (n.action.Kind == SwitchTo && n.action.Target == t) {
		n.rescheduleRequired()
	}
	t.sc = nil
	sc.tcb = nil
}

// DeleteSC unbinds sc from its thread, cuts it off from its call stack and
// removes it.
func (k *Kernel) DeleteSC(sc *SchedContext) error {
	return k.manage(sc.core, func(n *Node) error {
		k.unbindSC(sc)
		if r := sc.reply; r != nil {
			r.next = CallStackLink{}
			sc.reply = nil
		}
		sc.Deactivate()
		delete(k.names, sc.Name)
		k.scs = removeObj(k.scs, sc)
		return nil
	})
}

// ---- notifications ----

// BindNotification lets t receive signals on nt while waiting on an
// endpoint.
func (k *Kernel) BindNotification(t *TCB, nt *Notification) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.boundNtfn != nil || nt.bound != nil {
		return fmt.Errorf("bind %q to %q: %w", nt.Name, t.Name, ErrAlreadyBound)
	}
	t.boundNtfn = nt
	nt.bound = t
	return nil
}

func (k *Kernel) UnbindNotification(t *TCB) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	nt := t.boundNtfn
	if nt == nil {
		return fmt.Errorf("thread %q: %w", t.Name, ErrNotBound)
	}
	nt.bound = nil
	t.boundNtfn = nil
	return nil
}

// ---- thread control ----

func isStopped(t *TCB) bool {
	switch t.state.Type {
	case ThreadInactive, ThreadBlockedOnReceive, ThreadBlockedOnSend,
		ThreadBlockedOnNotification, ThreadBlockedOnReply:
		return true
	}
	return false
}

// Resume restarts a stopped thread, abandoning any IPC it was blocked in.
func (k *Kernel) Resume(t *TCB) error {
	return k.manage(t.affinity, func(n *Node) error {
		if !isStopped(t) {
			return nil
		}
		k.cancelIPC(t)
		k.setThreadState(t, ThreadState{Type: ThreadRestart})
		if sc := t.sc; sc != nil && sc != n.curSC {
			sc.UnblockCheck(n.curTime)
		}
		if sc := t.sc; sc != nil && sc.Active() {
			k.resumeSC(sc)
			if t.Schedulable() {
				k.possibleSwitchTo(n, t)
			}
		}
		return nil
	})
}

// Suspend stops t, abandoning any IPC it was blocked in.
func (k *Kernel) Suspend(t *TCB) error {
	return k.manage(t.affinity, func(n *Node) error {
		k.suspend(t)
		return nil
	})
}

func (k *Kernel) suspend(t *TCB) {
	k.cancelIPC(t)
	k.setThreadState(t, ThreadState{Type: ThreadInactive})
	k.schedDequeue(t)
	k.releaseRemove(t)
}

// SetPriority moves t to prio, re-queueing it if it is ready.
func (k *Kernel) SetPriority(t *TCB, prio uint8) error {
	return k.manage(t.affinity, func(n *Node) error {
		k.schedDequeue(t)
		t.prio = prio
		if t.Schedulable() {
			if t == n.curThread {
				n.rescheduleRequired()
			} else {
				k.possibleSwitchTo(n, t)
			}
		}
		return nil
	})
}

// DeleteThread suspends t, releases its scheduling context and
// notification, and removes it.
func (k *Kernel) DeleteThread(t *TCB) error {
	return k.manage(t.affinity, func(n *Node) error {
		k.suspend(t)
		if sc := t.sc; sc != nil {
			k.unbindSC(sc)
		}
		if nt := t.boundNtfn; nt != nil {
			nt.bound = nil
			t.boundNtfn = nil
		}
		if t == n.curThread {
			n.rescheduleRequired()
		}
		delete(k.names, t.Name)
		k.threads = removeObj(k.threads, t)
		return nil
	})
}

// DeleteReply detaches reply from any call it records and removes it.
func (k *Kernel) DeleteReply(r *Reply) error {
	core := 0
	if t := r.tcb; t != nil {
		core = t.affinity
	}
	return k.manage(core, func(n *Node) error {
		k.Clear(r)
		k.revokeCaps(r)
		delete(k.names, r.Name)
		k.replies = removeObj(k.replies, r)
		return nil
	})
}

// cancelAll restarts every thread waiting on q.
func (k *Kernel) cancelAll(n *Node, q *Queue) {
	for t := q.PopHead(); t != nil; t = q.PopHead() {
		if t.state.Type == ThreadBlockedOnReceive && t.state.Reply != nil {
			k.Unlink(t.state.Reply, t)
		}
		k.setThreadState(t, ThreadState{Type: ThreadRestart})
		if t.sc != nil && t.sc.Active() {
			k.resumeSC(t.sc)
			k.possibleSwitchTo(n, t)
		}
	}
}

// DeleteEndpoint restarts everything queued on ep and removes it.
func (k *Kernel) DeleteEndpoint(ep *Endpoint) error {
	return k.manage(0, func(n *Node) error {
		k.cancelAll(n, &ep.queue)
		ep.state = EndpointIdle
		k.revokeCaps(ep)
		delete(k.names, ep.Name)
		k.endpoints = removeObj(k.endpoints, ep)
		return nil
	})
}

// DeleteNotification restarts every waiter, unbinds nt and removes it.
func (k *Kernel) DeleteNotification(nt *Notification) error {
	return k.manage(0, func(n *Node) error {
		k.cancelAll(n, &nt.queue)
		nt.state = NotificationIdle
		if t := nt.bound; t != nil {
			t.boundNtfn = nil
			nt.bound = nil
		}
		k.revokeCaps(nt)
		delete(k.names, nt.Name)
		k.notifications = removeObj(k.notifications, nt)
		return nil
	})
}
