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
)

type LinkKind uint8

const (
	LinkNone LinkKind = iota
	LinkReply
	LinkSCHead
)

// CallStackLink points at the neighbouring entry of a call stack: another
// reply, or the scheduling context when the reply is the top of the stack.
type CallStackLink struct {
	Kind  LinkKind
	Reply *Reply
	SC    *SchedContext
}

func replyLink(r *Reply) CallStackLink {
	if r == nil {
		return CallStackLink{}
	}
	return CallStackLink{Kind: LinkReply, Reply: r}
}

func scHeadLink(sc *SchedContext) CallStackLink {
	return CallStackLink{Kind: LinkSCHead, SC: sc}
}

func (l CallStackLink) String() string {
	switch l.Kind {
	case LinkReply:
		return "reply:" + l.Reply.Name
	case LinkSCHead:
		return "sc:" + l.SC.Name
	}
	return ""
}

// Reply is a reply object. While a call is outstanding it links the blocked
// caller; while a server waits in Recv it links the server.
type Reply struct {
	Name string
	tcb  *TCB
	// prev is the older call on the same scheduling context.
	prev CallStackLink
	// next is the newer call, or the scheduling context for the top entry.
	next CallStackLink
}

func (r *Reply) TCB() *TCB { return r.tcb }
func (r *Reply) Prev() CallStackLink { return r.prev }
func (r *Reply) Next() CallStackLink { return r.next }

func (r *Reply) name() string {
	if r == nil {
		return ""
	}
	return r.Name
}

// Unlink detaches the thread linked to r and leaves it Inactive.
func (k *Kernel) Unlink(r *Reply, t *TCB) {
	if r.tcb != t {
		k.fail("reply unlinked from wrong thread",
			zap.String("reply", r.Name),
			zap.String("thread", t.name()),
			zap.String("linked", r.tcb.name()))
	}
	t.state.Reply = nil
	r.tcb = nil
	k.setThreadState(t, ThreadState{Type: ThreadInactive})
}

// Push records that caller is waiting on reply for callee. When canDonate
// holds and callee has no scheduling context, the caller's context is
// pushed onto its call stack and donated to callee.
func (k *Kernel) Push(caller, callee *TCB, reply *Reply, canDonate bool) {
	if reply.tcb != nil {
		k.fail("push onto a reply that is in use",
			zap.String("reply", reply.Name), zap.String("linked", reply.tcb.Name))
	}
	if reply.prev.Kind != LinkNone || reply.next.Kind != LinkNone {
		k.fail("push onto a reply still on a call stack", zap.String("reply", reply.Name))
	}
	if caller.state.Reply != nil {
		k.fail("caller already waiting on a reply",
			zap.String("thread", caller.Name), zap.String("reply", caller.state.Reply.Name))
	}
	if callee.sc != nil {
		canDonate = false
	}

	// The callee may still be linked to this reply from its Recv.
	if callee.state.Reply == reply {
		callee.state.Reply = nil
	}

	reply.tcb = caller
	k.setThreadState(caller, ThreadState{Type: ThreadBlockedOnReply, Reply: reply})

	sc := caller.sc
	if sc == nil || !canDonate {
		return
	}
	old := sc.reply
	if old != nil && (old.next.Kind != LinkSCHead || old.next.SC != sc) {
		k.fail("call stack top does not point at its context",
			zap.String("sc", sc.Name), zap.String("reply", old.Name))
	}
	reply.prev = replyLink(old)
	if old != nil {
		old.next = replyLink(reply)
	}
	reply.next = scHeadLink(sc)
	sc.reply = reply
	k.Donate(sc, callee)
}

// Pop completes the call recorded on reply. If reply is the top of a call
// stack, its scheduling context goes back to the caller.
func (k *Kernel) Pop(reply *Reply) {
	caller := reply.tcb
	if caller == nil || caller.state.Type != ThreadBlockedOnReply {
		k.fail("pop of a reply without a blocked caller", zap.String("reply", reply.Name))
	}
	k.Unlink(reply, caller)

	if reply.next.Kind == LinkNone {
		return
	}
	if reply.next.Kind != LinkSCHead {
		k.fail("pop of a reply that is not the top of its call stack", zap.String("reply", reply.Name))
	}
	sc := reply.next.SC
	k.Donate(sc, caller)
	k.trace(Event{Kind: EventReturn, Core: sc.core, Thread: caller.Name, SC: sc.Name})

	sc.reply = reply.prev.Reply
	if p := reply.prev.Reply; p != nil {
		p.next = reply.next
	}
	reply.prev = CallStackLink{}
	reply.next = CallStackLink{}
}

// Remove takes reply out of its call stack, wherever it is. A reply in the
// middle hands its caller to the newer entry so the context still unwinds
// to the original caller.
func (k *Kernel) Remove(reply *Reply) {
	if reply.tcb == nil || reply.tcb.state.Type != ThreadBlockedOnReply {
		k.fail("remove of a reply without a blocked caller", zap.String("reply", reply.Name))
	}
	switch reply.next.Kind {
	case LinkSCHead:
		k.Pop(reply)
		return
	case LinkReply:
		newer := reply.next.Reply
		newer.prev = reply.prev
		if newer.tcb != nil {
			k.Unlink(newer, newer.tcb)
		}
		t := reply.tcb
		newer.tcb = t
		reply.tcb = nil
		t.state.Reply = newer
	default:
		k.Unlink(reply, reply.tcb)
	}
	if p := reply.prev.Reply; p != nil {
		p.next = reply.next
	}
	reply.prev = CallStackLink{}
	reply.next = CallStackLink{}
}

// spliceOut unlinks a middle entry and its caller, joining its neighbours.
func (k *Kernel) spliceOut(reply *Reply) {
	if n := reply.next.Reply; n != nil {
		n.prev = reply.prev
	}
	if p := reply.prev.Reply; p != nil {
		p.next = reply.next
	}
	reply.prev = CallStackLink{}
	reply.next = CallStackLink{}
	k.Unlink(reply, reply.tcb)
}

// RemoveTCB drops a thread blocked on a reply from its call stack, for
// example because it is being deleted.
func (k *Kernel) RemoveTCB(t *TCB) {
	if t.state.Type != ThreadBlockedOnReply || t.state.Reply == nil {
		k.fail("remove of a thread that is not waiting on a reply", zap.String("thread", t.Name))
	}
	reply := t.state.Reply
	if reply.next.Kind == LinkSCHead {
		k.Pop(reply)
		return
	}
	k.spliceOut(reply)
}

// Clear detaches whatever thread reply is linked to.
func (k *Kernel) Clear(reply *Reply) {
	t := reply.tcb
	if t == nil {
		return
	}
	switch t.state.Type {
	case ThreadBlockedOnReply:
		k.Remove(reply)
	case ThreadBlockedOnReceive:
		// Unlinking alone would leave an Inactive thread on the endpoint.
		k.cancelIPC(t)
	default:
		k.fail("reply linked to a thread in an unexpected state",
			zap.String("reply", reply.Name),
			zap.String("thread", t.Name),
			zap.Stringer("state", t.state.Type))
	}
}

// Donate moves sc to thread to, which must not already have one.
func (k *Kernel) Donate(sc *SchedContext, to *TCB) {
	if to.sc != nil {
		k.fail("donation to a thread that already has a scheduling context",
			zap.String("sc", sc.Name),
			zap.String("thread", to.Name),
			zap.String("held", to.sc.Name))
	}
	if from := sc.tcb; from != nil {
		k.schedDequeue(from)
		k.releaseRemove(from)
		from.sc = nil
		n := k.nodes[from.affinity]
		if from == n.curThread || (n.action.Kind == SwitchTo && n.action.Target == from) {
			n.rescheduleRequired()
		}
	}
	sc.tcb = to
	to.sc = sc
	sc.core = to.affinity
	k.trace(Event{Kind: EventDonate, Core: sc.core, Thread: to.Name, SC: sc.Name})
}

// CheckCallStack walks sc's call stack from the top and verifies that it
// is a proper doubly linked list ending at the bottom.
func (k *Kernel) CheckCallStack(sc *SchedContext) error {
	top := sc.reply
	if top == nil {
		return nil
	}
	if top.next.Kind != LinkSCHead || top.next.SC != sc {
		return fmt.Errorf("top reply %q does not point back at %q", top.Name, sc.Name)
	}
	seen := make(map[*Reply]bool)
	for r := top; r != nil; r = r.prev.Reply {
		if seen[r] {
			return fmt.Errorf("call stack of %q loops at %q", sc.Name, r.Name)
		}
		seen[r] = true
		if r.prev.Kind == LinkSCHead {
			return fmt.Errorf("reply %q has a head-tagged prev link", r.Name)
		}
		if p := r.prev.Reply; p != nil && (p.next.Kind != LinkReply || p.next.Reply != r) {
			return fmt.Errorf("reply %q prev %q does not link forward to it", r.Name, p.Name)
		}
	}
	return nil
}

// checkReplyChain follows next links from r and fails on a loop.
func checkReplyChain(r *Reply, limit int) error {
	for steps := 0; r != nil; steps++ {
		if steps > limit {
			return fmt.Errorf("next links from reply loop")
		}
		switch r.next.Kind {
		case LinkSCHead, LinkNone:
			return nil
		}
		r = r.next.Reply
	}
	return nil
}
