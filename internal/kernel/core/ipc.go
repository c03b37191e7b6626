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

import "go.uber.org/zap"

type EndpointState uint8

const (
	EndpointIdle EndpointState = iota
	EndpointSend
	EndpointRecv
)

func (s EndpointState) String() string {
	switch s {
	case EndpointSend:
		return "send"
	case EndpointRecv:
		return "recv"
	}
	return "idle"
}

// Endpoint is a synchronous rendezvous point. Its queue holds either
// senders or receivers, never both.
type Endpoint struct {
	Name  string
	state EndpointState
	queue Queue
}

func (ep *Endpoint) State() EndpointState { return ep.state }
func (ep *Endpoint) Head() *TCB { return ep.queue.Head() }
func (ep *Endpoint) Waiters() []*TCB { return ep.queue.Threads() }

func (ep *Endpoint) dequeue(t *TCB) {
	ep.queue.Remove(t)
	if ep.queue.Empty() {
		ep.state = EndpointIdle
	}
}

// DequeueWaiter takes a blocked thread off the endpoint or notification
// queue it is waiting on. The caller must hold the lock.
func (k *Kernel) DequeueWaiter(t *TCB) {
	switch t.state.Type {
	case ThreadBlockedOnReceive, ThreadBlockedOnSend:
		t.state.Endpoint.dequeue(t)
	case ThreadBlockedOnNotification:
		t.state.Notification.dequeue(t)
	}
}

// EnqueueReceiver blocks t on ep waiting for a message, with reply ready
// to take the next call. The caller must hold the lock.
func (k *Kernel) EnqueueReceiver(ep *Endpoint, t *TCB, reply *Reply) {
	k.setThreadState(t, ThreadState{Type: ThreadBlockedOnReceive, Endpoint: ep, Reply: reply})
	if reply != nil {
		reply.tcb = t
	}
	ep.queue.Append(t)
	ep.state = EndpointRecv
}

// TransferMessage delivers sender's message (or its pending fault) to
// receiver. The caller must hold the lock.
func (k *Kernel) TransferMessage(sender, receiver *TCB, info MessageInfo, badge uint64) {
	if sender.fault.Type != FaultNull {
		receiver.mrs[0] = sender.fault.Data[0]
		receiver.mrs[1] = sender.fault.Data[1]
		receiver.msgInfo = MessageInfo{Label: uint64(sender.fault.Type), Length: 2}
		receiver.badgeReg = badge
		return
	}
	length := info.Length
	if length > MaxMessageRegisters {
		length = MaxMessageRegisters
	}
	if length < 0 {
		length = 0
	}
	k.opts.Transfer.CopyMRs(length, sender, receiver)
	receiver.msgInfo = MessageInfo{Label: info.Label, Length: length}
	receiver.badgeReg = badge
}

// sendIPC delivers a message on ep, blocking the sender when no receiver is
// waiting.
func (k *Kernel) sendIPC(n *Node, blocking, call bool, badge uint64, canGrant, canGrantReply, canDonate bool, t *TCB, ep *Endpoint, info MessageInfo) {
	switch ep.state {
	case EndpointIdle, EndpointSend:
		if !blocking {
			return
		}
		t.msgInfo = info
		k.setThreadState(t, ThreadState{
			Type:          ThreadBlockedOnSend,
			Endpoint:      ep,
			Badge:         badge,
			CanGrant:      canGrant,
			CanGrantReply: canGrantReply,
			IsCall:        call,
		})
		ep.queue.Append(t)
		ep.state = EndpointSend

	case EndpointRecv:
		dest := ep.queue.Head()
		ep.dequeue(dest)
		k.TransferMessage(t, dest, info, badge)

		reply := dest.state.Reply
		if reply != nil {
			k.Unlink(reply, dest)
		}
		if call || t.fault.Type != FaultNull {
			if reply != nil && (canGrant || canGrantReply) {
				k.Push(t, dest, reply, canDonate)
			} else {
				k.setThreadState(t, ThreadState{Type: ThreadInactive})
			}
		} else if canDonate && dest.sc == nil && t.sc != nil {
			k.Donate(t.sc, dest)
		}
		k.setThreadState(dest, ThreadState{Type: ThreadRunning})
		k.possibleSwitchTo(n, dest)
	}
}

// receiveIPC takes a message from ep, or from t's bound notification if it
// is active, blocking when nothing is there.
func (k *Kernel) receiveIPC(n *Node, t *TCB, ep *Endpoint, blocking bool, reply *Reply) {
	if reply != nil && reply.tcb != nil && reply.tcb != t {
		k.log.Warn("reply object already has an outstanding call",
			zap.String("reply", reply.Name), zap.String("thread", reply.tcb.Name))
		k.cancelIPC(reply.tcb)
	}
	if ntfn := t.boundNtfn; ntfn != nil && ntfn.state == NotificationActive {
		k.completeSignal(ntfn, t)
		return
	}

	switch ep.state {
	case EndpointIdle, EndpointRecv:
		if !blocking {
			t.badgeReg = 0
			return
		}
		k.EnqueueReceiver(ep, t, reply)

	case EndpointSend:
		sender := ep.queue.Head()
		ep.dequeue(sender)
		st := sender.state
		k.TransferMessage(sender, t, sender.msgInfo, st.Badge)
		if st.IsCall || sender.fault.Type != FaultNull {
			if (st.CanGrant || st.CanGrantReply) && reply != nil {
				k.Push(sender, t, reply, sender.sc != nil)
			} else {
				k.setThreadState(sender, ThreadState{Type: ThreadInactive})
			}
			return
		}
		k.setThreadState(sender, ThreadState{Type: ThreadRunning})
		k.possibleSwitchTo(n, sender)
	}
}

// doReplyTransfer answers the call recorded on reply.
func (k *Kernel) doReplyTransfer(n *Node, sender *TCB, reply *Reply, info MessageInfo) {
	receiver := reply.tcb
	if receiver == nil || receiver.state.Type != ThreadBlockedOnReply {
		return
	}
	if reply.next.Kind == LinkReply {
		// Answered out of order: the caller leaves the stack and the newer
		// calls keep the context.
		k.spliceOut(reply)
	} else {
		k.Remove(reply)
	}

	faulted := receiver.fault.Type != FaultNull
	if !faulted {
		k.TransferMessage(sender, receiver, info, 0)
		k.setThreadState(receiver, ThreadState{Type: ThreadRunning})
	} else {
		// Label 0 tells the faulted thread to retry the faulting operation.
		receiver.fault = Fault{}
		receiver.msgInfo = MessageInfo{Label: info.Label}
		if info.Label == 0 {
			k.setThreadState(receiver, ThreadState{Type: ThreadRestart})
		} else {
			k.setThreadState(receiver, ThreadState{Type: ThreadInactive})
		}
	}

	if receiver.sc != nil && receiver.runnable() {
		k.possibleSwitchTo(n, receiver)
	}
}

// cancelIPC aborts whatever operation t is blocked in and leaves it
// Inactive.
func (k *Kernel) cancelIPC(t *TCB) {
	switch t.state.Type {
	case ThreadBlockedOnReceive:
		ep := t.state.Endpoint
		if r := t.state.Reply; r != nil {
			k.Unlink(r, t)
		}
		ep.dequeue(t)
		k.setThreadState(t, ThreadState{Type: ThreadInactive})
	case ThreadBlockedOnSend:
		t.state.Endpoint.dequeue(t)
		k.setThreadState(t, ThreadState{Type: ThreadInactive})
	case ThreadBlockedOnNotification:
		t.state.Notification.dequeue(t)
		k.setThreadState(t, ThreadState{Type: ThreadInactive})
	case ThreadBlockedOnReply:
		t.fault = Fault{}
		k.RemoveTCB(t)
	}
}

// CancelIPC is cancelIPC for callers holding the lock.
func (k *Kernel) CancelIPC(t *TCB) { k.cancelIPC(t) }
