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

type NotificationState uint8

const (
	NotificationIdle NotificationState = iota
	NotificationWaiting
	NotificationActive
)

func (s NotificationState) String() string {
	switch s {
	case NotificationWaiting:
		return "waiting"
	case NotificationActive:
		return "active"
	}
	return "idle"
}

// Notification is an asynchronous signal word with a queue of waiters and
// an optional bound thread.
type Notification struct {
	Name  string
	state NotificationState
	queue Queue
	badge uint64
	bound *TCB
}

func (nt *Notification) State() NotificationState { return nt.state }
func (nt *Notification) Head() *TCB { return nt.queue.Head() }
func (nt *Notification) Waiters() []*TCB { return nt.queue.Threads() }
func (nt *Notification) Bound() *TCB { return nt.bound }
func (nt *Notification) Pending() uint64 { return nt.badge }

func (nt *Notification) dequeue(t *TCB) {
	nt.queue.Remove(t)
	if nt.queue.Empty() {
		nt.state = NotificationIdle
	}
}

// SetActive records badge as pending. An already active notification
// accumulates badges. The caller must hold the lock.
func (k *Kernel) SetActive(nt *Notification, badge uint64) {
	if nt.state == NotificationActive {
		nt.badge |= badge
		return
	}
	nt.state = NotificationActive
	nt.badge = badge
}

// SetBadge writes t's badge register. The caller must hold the lock.
func (k *Kernel) SetBadge(t *TCB, badge uint64) { t.badgeReg = badge }

// sendSignal delivers badge to the first waiter, to a bound thread that is
// waiting in Recv, or leaves it pending.
func (k *Kernel) sendSignal(n *Node, nt *Notification, badge uint64) {
	switch nt.state {
	case NotificationIdle:
		t := nt.bound
		if t == nil || t.state.Type != ThreadBlockedOnReceive {
			k.SetActive(nt, badge)
			return
		}
		k.cancelIPC(t)
		k.setThreadState(t, ThreadState{Type: ThreadRunning})
		t.badgeReg = badge
		if t.Schedulable() {
			k.possibleSwitchTo(n, t)
		}

	case NotificationWaiting:
		t := nt.queue.Head()
		nt.dequeue(t)
		k.setThreadState(t, ThreadState{Type: ThreadRunning})
		t.badgeReg = badge
		if t.Schedulable() {
			k.possibleSwitchTo(n, t)
		}

	case NotificationActive:
		k.SetActive(nt, badge)
	}
}

// receiveSignal waits on nt, or collects the pending badge.
func (k *Kernel) receiveSignal(t *TCB, nt *Notification, blocking bool) {
	switch nt.state {
	case NotificationIdle, NotificationWaiting:
		if !blocking {
			t.badgeReg = 0
			return
		}
		k.setThreadState(t, ThreadState{Type: ThreadBlockedOnNotification, Notification: nt})
		nt.queue.Append(t)
		nt.state = NotificationWaiting
	case NotificationActive:
		k.completeSignal(nt, t)
	}
}

func (k *Kernel) completeSignal(nt *Notification, t *TCB) {
	t.badgeReg = nt.badge
	nt.badge = 0
	nt.state = NotificationIdle
}
