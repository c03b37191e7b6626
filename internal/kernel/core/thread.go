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

import "mcs"

const (
	// MaxMessageRegisters is the size of a thread's message buffer.
	MaxMessageRegisters = 64
	// NumPriorities is the number of distinct thread priorities.
	NumPriorities = 256
)

type ThreadStateType uint8

const (
	ThreadInactive ThreadStateType = iota
	ThreadRunning
	ThreadRestart
	ThreadBlockedOnReceive
	ThreadBlockedOnSend
	ThreadBlockedOnReply
	ThreadBlockedOnNotification
	ThreadIdle
)

var threadStateNames = [...]string{
	ThreadInactive:              "inactive",
	ThreadRunning:               "running",
	ThreadRestart:               "restart",
	ThreadBlockedOnReceive:      "blocked-on-receive",
	ThreadBlockedOnSend:         "blocked-on-send",
	ThreadBlockedOnReply:        "blocked-on-reply",
	ThreadBlockedOnNotification: "blocked-on-notification",
	ThreadIdle:                  "idle",
}

func (s ThreadStateType) String() string {
	if int(s) < len(threadStateNames) {
		return threadStateNames[s]
	}
	return "invalid"
}

// ThreadState is a thread's scheduling state together with whatever it is
// blocked on.
type ThreadState struct {
	Type         ThreadStateType
	Endpoint     *Endpoint     // BlockedOnReceive, BlockedOnSend
	Notification *Notification // BlockedOnNotification
	// Reply is the receive reply for BlockedOnReceive and the pending call's
	// reply for BlockedOnReply.
	Reply *Reply

	// Send parameters, valid for BlockedOnSend.
	Badge         uint64
	CanGrant      bool
	CanGrantReply bool
	IsCall        bool
}

type FaultType uint8

const (
	FaultNull FaultType = iota
	FaultCap
	FaultUnknownSyscall
	FaultUserException
	FaultTimeout
)

func (f FaultType) String() string {
	switch f {
	case FaultCap:
		return "cap"
	case FaultUnknownSyscall:
		return "unknown-syscall"
	case FaultUserException:
		return "user-exception"
	case FaultTimeout:
		return "timeout"
	}
	return "null"
}

// Fault is a pending fault that will be delivered as a message on the
// thread's next send.
type Fault struct {
	Type FaultType
	Data [2]uint64
}

// MessageInfo describes the message a thread is sending.
type MessageInfo struct {
	Label     uint64
	Length    int
	ExtraCaps int
}

// TCB is a thread control block.
type TCB struct {
	Name string

	prio     uint8
	domain   int
	affinity int

	state     ThreadState
	sc        *SchedContext
	boundNtfn *Notification
	fault     Fault

	cspace *CSpace
	vspace VSpace

	mrs      [MaxMessageRegisters]uint64
	badgeReg uint64
	msgInfo  MessageInfo
	lastErr  error

	links     [numQueueKinds]link
	inReady   bool
	inRelease bool
}

func (t *TCB) Prio() uint8 { return t.prio }
func (t *TCB) Domain() int { return t.domain }
func (t *TCB) Affinity() int { return t.affinity }
func (t *TCB) State() ThreadState { return t.state }
func (t *TCB) SC() *SchedContext { return t.sc }
func (t *TCB) BoundNotification() *Notification { return t.boundNtfn }
func (t *TCB) Fault() Fault { return t.fault }
func (t *TCB) CSpace() *CSpace { return t.cspace }
func (t *TCB) VSpace() VSpace { return t.vspace }
func (t *TCB) MsgInfo() MessageInfo { return t.msgInfo }
func (t *TCB) Badge() uint64 { return t.badgeReg }
func (t *TCB) LastError() error { return t.lastErr }
func (t *TCB) InReadyQueue() bool { return t.inReady }
func (t *TCB) InReleaseQueue() bool { return t.inRelease }

func (t *TCB) SetVSpace(vs VSpace) { t.vspace = vs }

// MR returns message register i.
func (t *TCB) MR(i int) uint64 { return t.mrs[i] }

// SetMR writes message register i.
func (t *TCB) SetMR(i int, v uint64) { t.mrs[i] = v }

// SetMessage loads values into the first message registers and returns the
// matching MessageInfo.
func (t *TCB) SetMessage(label uint64, values ...uint64) MessageInfo {
	n := copy(t.mrs[:], values)
	return MessageInfo{Label: label, Length: n}
}

func (t *TCB) runnable() bool {
	return t.state.Type == ThreadRunning || t.state.Type == ThreadRestart
}

// Runnable reports whether the thread is Running or Restart.
func (t *TCB) Runnable() bool { return t.runnable() }

// Schedulable reports whether the thread may sit in a ready queue: it is
// runnable and holds an active scheduling context that is not waiting for
// a refill.
func (t *TCB) Schedulable() bool {
	return t.runnable() && t.sc != nil && t.sc.Active() && !t.inRelease
}

// readyAndSufficient reports whether the thread's scheduling context can run
// at now.
func (t *TCB) readyAndSufficient(now mcs.Ticks) bool {
	return t.sc != nil && t.sc.Ready(now) && t.sc.Sufficient(0)
}

func (t *TCB) name() string {
	if t == nil {
		return ""
	}
	return t.Name
}
