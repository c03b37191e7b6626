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

type callPlan struct {
	cur, dest *core.TCB
	reply     *core.Reply
	badge     uint64
	info      core.MessageInfo
}

// Call sends info on the endpoint at cptr and waits for the reply. The
// fastpath covers a passive server already waiting in Recv: the caller's
// context is donated and the server runs immediately.
func (e *Engine) Call(coreID int, cptr core.CPtr, info core.MessageInfo) error {
	if !e.validCore(coreID) {
		return e.k.Call(coreID, cptr, info)
	}
	e.k.Lock()
	defer e.k.Unlock()
	n := e.k.Enter(coreID)
	p, b := e.checkCall(n, cptr, info)
	if b != BailNone {
		e.bail(n, OpCall, b)
		return e.k.SlowCall(n, cptr, info)
	}
	e.commitCall(n, p)
	return nil
}

func (e *Engine) checkCall(n *core.Node, cptr core.CPtr, info core.MessageInfo) (callPlan, Bail) {
	if b := e.checkCaller(n, info); b != BailNone {
		return callPlan{}, b
	}
	cur := n.CurThread()
	c, err := e.k.Lookup(cur, cptr)
	if err != nil {
		return callPlan{}, BailLookup
	}
	if c.Type != core.CapEndpoint {
		return callPlan{}, BailCapType
	}
	if !c.Rights.Has(core.RightSend) || !(c.Rights.Has(core.RightGrant) || c.Rights.Has(core.RightGrantReply)) {
		return callPlan{}, BailRights
	}
	ep := c.Endpoint
	if ep.State() != core.EndpointRecv {
		return callPlan{}, BailEndpointState
	}
	dest := ep.Head()
	if dest.SC() != nil {
		return callPlan{}, BailDestHasSC
	}
	reply := dest.State().Reply
	if reply == nil {
		return callPlan{}, BailNoReply
	}
	if b := e.checkDest(n, dest); b != BailNone {
		return callPlan{}, b
	}
	if !n.IsHighestPrio(dest.Prio()) {
		return callPlan{}, BailPriority
	}
	return callPlan{cur: cur, dest: dest, reply: reply, badge: c.Badge, info: info}, BailNone
}

func (e *Engine) commitCall(n *core.Node, p callPlan) {
	e.k.DequeueWaiter(p.dest)
	e.k.TransferMessage(p.cur, p.dest, p.info, p.badge)
	e.k.Unlink(p.reply, p.dest)
	e.k.Push(p.cur, p.dest, p.reply, true)
	e.k.SetThreadState(p.dest, core.ThreadState{Type: core.ThreadRunning})
	e.committed(n, OpCall)
	n.SwitchToThreadFast(p.dest)
}

type replyRecvPlan struct {
	cur, caller *core.TCB
	ep          *core.Endpoint
	reply       *core.Reply
	info        core.MessageInfo
}

// ReplyRecv answers the call on replyCPtr and waits on epCPtr again. The
// fastpath covers a reply at the top of the current context's call stack
// whose caller can run at once.
func (e *Engine) ReplyRecv(coreID int, epCPtr, replyCPtr core.CPtr, info core.MessageInfo) error {
	if !e.validCore(coreID) {
		return e.k.ReplyRecv(coreID, epCPtr, replyCPtr, info)
	}
	e.k.Lock()
	defer e.k.Unlock()
	n := e.k.Enter(coreID)
	p, b := e.checkReplyRecv(n, epCPtr, replyCPtr, info)
	if b != BailNone {
		e.bail(n, OpReplyRecv, b)
		return e.k.SlowReplyRecv(n, epCPtr, replyCPtr, info)
	}
	e.commitReplyRecv(n, p)
	return nil
}

func (e *Engine) checkReplyRecv(n *core.Node, epCPtr, replyCPtr core.CPtr, info core.MessageInfo) (replyRecvPlan, Bail) {
	if b := e.checkCaller(n, info); b != BailNone {
		return replyRecvPlan{}, b
	}
	cur := n.CurThread()
	c, err := e.k.Lookup(cur, epCPtr)
	if err != nil {
		return replyRecvPlan{}, BailLookup
	}
	if c.Type != core.CapEndpoint {
		return replyRecvPlan{}, BailCapType
	}
	if !c.Rights.Has(core.RightRecv) {
		return replyRecvPlan{}, BailRights
	}
	ep := c.Endpoint
	if nt := cur.BoundNotification(); nt != nil && nt.State() == core.NotificationActive {
		return replyRecvPlan{}, BailNotificationActive
	}
	if ep.State() == core.EndpointSend {
		return replyRecvPlan{}, BailEndpointState
	}

	rc, err := e.k.Lookup(cur, replyCPtr)
	if err != nil {
		return replyRecvPlan{}, BailLookup
	}
	if rc.Type != core.CapReply {
		return replyRecvPlan{}, BailCapType
	}
	reply := rc.Reply
	caller := reply.TCB()
	if caller == nil || caller.State().Type != core.ThreadBlockedOnReply {
		return replyRecvPlan{}, BailReplyState
	}
	if next := reply.Next(); next.Kind != core.LinkSCHead || next.SC != cur.SC() || next.SC != n.CurSC() {
		return replyRecvPlan{}, BailCallStack
	}
	if caller.SC() != nil {
		return replyRecvPlan{}, BailDestHasSC
	}
	if caller.Fault().Type != core.FaultNull {
		return replyRecvPlan{}, BailDestFault
	}
	if b := e.checkDest(n, caller); b != BailNone {
		return replyRecvPlan{}, b
	}
	if !n.IsHighestPrio(caller.Prio()) {
		return replyRecvPlan{}, BailPriority
	}
	return replyRecvPlan{cur: cur, caller: caller, ep: ep, reply: reply, info: info}, BailNone
}

func (e *Engine) commitReplyRecv(n *core.Node, p replyRecvPlan) {
	e.k.Pop(p.reply)
	e.k.TransferMessage(p.cur, p.caller, p.info, 0)
	e.k.SetThreadState(p.caller, core.ThreadState{Type: core.ThreadRunning})
	e.k.EnqueueReceiver(p.ep, p.cur, p.reply)
	e.committed(n, OpReplyRecv)
	n.SwitchToThreadFast(p.caller)
}
