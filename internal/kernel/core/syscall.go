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

	"go.uber.org/zap"
)

// entry runs body as one kernel entry on core.
func (k *Kernel) entry(core int, op string, body func(n *Node) error) error {
	if _, err := k.node(core); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	n := k.Enter(core)
	k.trace(Event{Kind: EventSyscall, Core: core, Time: n.curTime, Thread: n.curThread.Name, Op: op})
	return body(n)
}

// slow runs a system call of the current thread after the entry
// timestamp was taken. If the thread's budget is exhausted the call is not
// performed and the thread is left to restart it.
func (k *Kernel) slow(n *Node, op string, fn func(cur *TCB) error) error {
	if !n.checkBudgetRestart() {
		n.schedule()
		n.activateThread()
		return ErrRestarted
	}
	cur := n.curThread
	var err error
	if n.IsIdle() {
		err = fmt.Errorf("%s on idle core %d: %w", op, n.core, ErrIllegalOperation)
	} else {
		err = fn(cur)
	}
	if err != nil {
		cur.lastErr = err
		k.log.Debug("syscall failed",
			zap.String("op", op),
			zap.String("thread", cur.Name),
			zap.Error(err))
	}
	n.schedule()
	n.activateThread()
	return err
}

func (k *Kernel) lookupCap(t *TCB, op string, cptr CPtr, want CapType, rights Rights) (Cap, error) {
	c, err := k.Lookup(t, cptr)
	if err != nil {
		if !errors.Is(err, ErrLookupFailed) {
			err = fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		return Cap{}, syscallErr(op, cptr, err)
	}
	if want != CapNull && c.Type != want {
		return Cap{}, syscallErr(op, cptr, fmt.Errorf("%w: have %s, want %s", ErrInvalidCapability, c.Type, want))
	}
	if !c.Rights.Has(rights) {
		return Cap{}, syscallErr(op, cptr, fmt.Errorf("%w: have %s, want %s", ErrMissingRight, c.Rights, rights))
	}
	return c, nil
}

// invoke performs a send-type invocation on whatever cptr refers to.
func (k *Kernel) invoke(n *Node, cur *TCB, op string, cptr CPtr, info MessageInfo, call bool) error {
	c, err := k.lookupCap(cur, op, cptr, CapNull, 0)
	if err != nil {
		return err
	}
	switch c.Type {
	case CapEndpoint:
		if !c.Rights.Has(RightSend) {
			return syscallErr(op, cptr, ErrMissingRight)
		}
		k.sendIPC(n, true, call, c.Badge, c.Rights.Has(RightGrant), c.Rights.Has(RightGrantReply), call, cur, c.Endpoint, info)
	case CapNotification:
		if !c.Rights.Has(RightSend) {
			return syscallErr(op, cptr, ErrMissingRight)
		}
		k.sendSignal(n, c.Notification, c.Badge)
	case CapReply:
		k.doReplyTransfer(n, cur, c.Reply, info)
	default:
		return syscallErr(op, cptr, ErrInvalidCapability)
	}
	return nil
}

func (k *Kernel) recv(n *Node, cur *TCB, op string, epCPtr, replyCPtr CPtr) error {
	c, err := k.lookupCap(cur, op, epCPtr, CapNull, RightRecv)
	if err != nil {
		return err
	}
	switch c.Type {
	case CapEndpoint:
		var reply *Reply
		if replyCPtr != 0 {
			rc, err := k.lookupCap(cur, op, replyCPtr, CapReply, 0)
			if err != nil {
				return err
			}
			reply = rc.Reply
		}
		k.receiveIPC(n, cur, c.Endpoint, true, reply)
	case CapNotification:
		if b := c.Notification.bound; b != nil && b != cur {
			return syscallErr(op, epCPtr, fmt.Errorf("%w: notification bound to %s", ErrIllegalOperation, b.Name))
		}
		k.receiveSignal(cur, c.Notification, true)
	default:
		return syscallErr(op, epCPtr, ErrInvalidCapability)
	}
	return nil
}

// ---- slow paths (caller holds the lock and has called Enter) ----

// SlowCall sends info on cptr and waits for the reply, donating the
// caller's scheduling context to a passive receiver.
func (k *Kernel) SlowCall(n *Node, cptr CPtr, info MessageInfo) error {
	return k.slow(n, "call", func(cur *TCB) error {
		return k.invoke(n, cur, "call", cptr, info, true)
	})
}

// SlowSend sends info on cptr, blocking until a receiver takes it.
func (k *Kernel) SlowSend(n *Node, cptr CPtr, info MessageInfo) error {
	return k.slow(n, "send", func(cur *TCB) error {
		return k.invoke(n, cur, "send", cptr, info, false)
	})
}

// SlowRecv waits on an endpoint or notification.
func (k *Kernel) SlowRecv(n *Node, epCPtr, replyCPtr CPtr) error {
	return k.slow(n, "recv", func(cur *TCB) error {
		return k.recv(n, cur, "recv", epCPtr, replyCPtr)
	})
}

// SlowReplyRecv answers the call recorded on replyCPtr, then waits on
// epCPtr with the same reply object.
func (k *Kernel) SlowReplyRecv(n *Node, epCPtr, replyCPtr CPtr, info MessageInfo) error {
	return k.slow(n, "reply-recv", func(cur *TCB) error {
		var replyErr error
		if rc, err := k.lookupCap(cur, "reply-recv", replyCPtr, CapReply, 0); err == nil {
			k.doReplyTransfer(n, cur, rc.Reply, info)
		} else {
			replyErr = err
		}
		if err := k.recv(n, cur, "reply-recv", epCPtr, replyCPtr); err != nil {
			return err
		}
		return replyErr
	})
}

// SlowSignal signals the notification at cptr.
func (k *Kernel) SlowSignal(n *Node, cptr CPtr) error {
	return k.slow(n, "signal", func(cur *TCB) error {
		c, err := k.lookupCap(cur, "signal", cptr, CapNotification, RightSend)
		if err != nil {
			return err
		}
		k.sendSignal(n, c.Notification, c.Badge)
		return nil
	})
}

// SlowWait blocks on the notification at cptr until it is signalled.
func (k *Kernel) SlowWait(n *Node, cptr CPtr) error {
	return k.slow(n, "wait", func(cur *TCB) error {
		c, err := k.lookupCap(cur, "wait", cptr, CapNotification, RightRecv)
		if err != nil {
			return err
		}
		k.receiveSignal(cur, c.Notification, true)
		return nil
	})
}

// SlowYield gives up the rest of the current refill.
func (k *Kernel) SlowYield(n *Node) error {
	return k.slow(n, "yield", func(cur *TCB) error {
		n.chargeBudget(n.curSC.Head().Amount)
		return nil
	})
}

// SlowIRQ delivers irq and reschedules. An interrupt is not a call of the
// current thread, so exhausted budget is charged without a restart.
func (k *Kernel) SlowIRQ(n *Node, irq int) {
	n.checkBudget()
	k.handleInterrupt(n, irq)
	k.trace(Event{Kind: EventIRQ, Core: n.core, Time: n.curTime, Thread: n.curThread.Name, Size: irq})
	n.schedule()
	n.activateThread()
}

// SlowFault delivers a fault of the current thread to the endpoint at
// handler as if the thread had called it.
func (k *Kernel) SlowFault(n *Node, f Fault, handler CPtr) error {
	return k.slow(n, "fault", func(cur *TCB) error {
		cur.fault = f
		c, err := k.lookupCap(cur, "fault", handler, CapEndpoint, RightSend)
		if err != nil {
			k.log.Warn("fault with no valid handler",
				zap.String("thread", cur.Name),
				zap.Stringer("fault", f.Type))
			k.setThreadState(cur, ThreadState{Type: ThreadInactive})
			return err
		}
		k.sendIPC(n, true, false, c.Badge, c.Rights.Has(RightGrant), c.Rights.Has(RightGrantReply), true, cur, c.Endpoint, MessageInfo{})
		return nil
	})
}

// ---- full entries ----

func (k *Kernel) Call(core int, cptr CPtr, info MessageInfo) error {
	return k.entry(core, "call", func(n *Node) error { return k.SlowCall(n, cptr, info) })
}

func (k *Kernel) Send(core int, cptr CPtr, info MessageInfo) error {
	return k.entry(core, "send", func(n *Node) error { return k.SlowSend(n, cptr, info) })
}

func (k *Kernel) Recv(core int, epCPtr, replyCPtr CPtr) error {
	return k.entry(core, "recv", func(n *Node) error { return k.SlowRecv(n, epCPtr, replyCPtr) })
}

func (k *Kernel) ReplyRecv(core int, epCPtr, replyCPtr CPtr, info MessageInfo) error {
	return k.entry(core, "reply-recv", func(n *Node) error {
		return k.SlowReplyRecv(n, epCPtr, replyCPtr, info)
	})
}

func (k *Kernel) Signal(core int, cptr CPtr) error {
	return k.entry(core, "signal", func(n *Node) error { return k.SlowSignal(n, cptr) })
}

func (k *Kernel) Wait(core int, cptr CPtr) error {
	return k.entry(core, "wait", func(n *Node) error { return k.SlowWait(n, cptr) })
}

func (k *Kernel) Yield(core int) error {
	return k.entry(core, "yield", func(n *Node) error { return k.SlowYield(n) })
}

// RaiseFault makes the current thread on core fault and sends the fault to
// the endpoint at handler.
func (k *Kernel) RaiseFault(core int, f Fault, handler CPtr) error {
	return k.entry(core, "fault", func(n *Node) error { return k.SlowFault(n, f, handler) })
}

func (k *Kernel) HandleIRQ(core int, irq int) error {
	return k.entry(core, "irq", func(n *Node) error {
		k.SlowIRQ(n, irq)
		return nil
	})
}

// HandleTimer is the timer interrupt: it charges the current context and
// reprograms the next deadline.
func (k *Kernel) HandleTimer(core int) error {
	return k.entry(core, "timer", func(n *Node) error {
		n.checkBudget()
		n.reprogram = true
		n.schedule()
		n.activateThread()
		return nil
	})
}
