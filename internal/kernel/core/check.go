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
	"errors"
	"fmt"
)

// CheckInvariants walks every object and reports structural
// inconsistencies. It is meant for tests and the simulator.
func (k *Kernel) CheckInvariants() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for _, n := range k.nodes {
		for dom := range n.ready {
			rq := &n.ready[dom]
			for prio := range rq.queues {
				q := &rq.queues[prio]
				if err := q.Check(); err != nil {
					add("core %d ready %d/%d: %w", n.core, dom, prio, err)
				}
				marked := rq.bitmap[prio/64]&(1<<(prio%64)) != 0
				if marked == q.Empty() {
					add("core %d ready %d/%d: bitmap %v with %d threads", n.core, dom, prio, marked, q.Len())
				}
				for _, t := range q.Threads() {
					if !t.inReady || !t.Schedulable() || int(t.prio) != prio || t.domain != dom || t.affinity != n.core {
						add("thread %q misplaced in core %d ready %d/%d", t.Name, n.core, dom, prio)
					}
				}
			}
		}
		if err := n.release.Check(); err != nil {
			add("core %d release: %w", n.core, err)
		}
		var prev *TCB
		for _, t := range n.release.Threads() {
			if !t.inRelease || t.sc == nil {
				add("thread %q misplaced in core %d release queue", t.Name, n.core)
				continue
			}
			if prev != nil && prev.sc.Head().Time > t.sc.Head().Time {
				add("core %d release queue out of order at %q", n.core, t.Name)
			}
			prev = t
		}
	}

	for _, t := range k.threads {
		if t.sc != nil && t.sc.tcb != t {
			add("thread %q holds %q which points at %q", t.Name, t.sc.Name, t.sc.tcb.name())
		}
		if t.inReady && t.inRelease {
			add("thread %q in both ready and release queues", t.Name)
		}
		if r := t.state.Reply; r != nil && r.tcb != t {
			add("thread %q waits on reply %q linked to %q", t.Name, r.Name, r.tcb.name())
		}
		if t.state.Type == ThreadBlockedOnReply && t.state.Reply == nil {
			add("thread %q blocked on reply without one", t.Name)
		}
	}

	for _, sc := range k.scs {
		if err := k.CheckCallStack(sc); err != nil {
			errs = append(errs, err)
		}
		if sc.tcb != nil && sc.tcb.sc != sc {
			add("sched context %q points at %q which holds %q", sc.Name, sc.tcb.Name, sc.tcb.sc.name())
		}
		if sc.Active() {
			if !sc.Ordered() {
				add("sched context %q refills out of order: %v", sc.Name, sc.Refills())
			}
			if sc.Sum() != sc.Budget() {
				add("sched context %q refills sum to %d, budget %d", sc.Name, sc.Sum(), sc.Budget())
			}
		}
	}

	for _, r := range k.replies {
		if t := r.tcb; t != nil && t.state.Reply != r {
			add("reply %q links %q which waits on %q", r.Name, t.Name, t.state.Reply.name())
		}
		if err := checkReplyChain(r, len(k.replies)); err != nil {
			add("reply %q: %w", r.Name, err)
		}
	}

	for _, ep := range k.endpoints {
		if err := ep.queue.Check(); err != nil {
			add("endpoint %q: %w", ep.Name, err)
		}
		if (ep.state == EndpointIdle) != ep.queue.Empty() {
			add("endpoint %q is %s with %d waiters", ep.Name, ep.state, ep.queue.Len())
		}
	}
	for _, nt := range k.notifications {
		if err := nt.queue.Check(); err != nil {
			add("notification %q: %w", nt.Name, err)
		}
		if (nt.state == NotificationWaiting) == nt.queue.Empty() {
			add("notification %q is %s with %d waiters", nt.Name, nt.state, nt.queue.Len())
		}
	}
	return errors.Join(errs...)
}
