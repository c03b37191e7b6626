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

// Package mcs implements the refill queue of a sporadic-server scheduling
// context: a fixed-capacity ring of (amount, time) refills whose amounts always
// add up to the configured budget. A scheduling context may consume at most
// its budget within any window of one period.
//
// The queue lives in storage sized when the context is created. Operations on
// an initialised context never fail; violating their preconditions is a
// programming error and panics with a *ContractError.
package mcs

import (
	"errors"
	"fmt"
)

// Ticks is a monotonic timer count.
type Ticks uint64

const (
	// HeaderBytes is the part of a scheduling context's storage reserved for
	// its own fields.
	HeaderBytes = 64
	// RefillBytes is the storage cost of one refill record.
	RefillBytes = 16
	// MinRefills is the smallest usable refill queue.
	MinRefills = 2
	// MaxSizeBits bounds the storage a single scheduling context may claim.
	MaxSizeBits = 16
)

var (
	ErrStorageTooSmall     = errors.New("mcs: storage cannot hold two refills")
	ErrStorageTooLarge     = errors.New("mcs: storage size exceeds limit")
	ErrBudgetExceedsPeriod = errors.New("mcs: budget exceeds period")
	ErrBudgetTooSmall      = errors.New("mcs: budget below minimum budget")
	ErrRefillCount         = errors.New("mcs: refill count out of range")
	ErrZeroWCET            = errors.New("mcs: kernel wcet must be positive")
)

// Refill is a chunk of budget that becomes usable at Time.
type Refill struct {
	Amount Ticks `json:"amount"`
	Time   Ticks `json:"time"`
}

// ContractError reports a call that violated an operation's precondition.
type ContractError struct {
	Op  string
	Msg string
}

func (e *ContractError) Error() string {
	return "mcs: " + e.Op + ": " + e.Msg
}

func contract(op, format string, args ...any) {
	panic(&ContractError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// AbsoluteMax returns how many refills fit in 1<<sizeBits bytes of storage.
func AbsoluteMax(sizeBits uint) int {
	if sizeBits > MaxSizeBits {
		return 0
	}
	size := 1 << sizeBits
	if size <= HeaderBytes {
		return 0
	}
	return (size - HeaderBytes) / RefillBytes
}

// ---- ring primitives ----

func (sc *SchedContext) next(i int) int {
	if i == sc.max-1 {
		return 0
	}
	return i + 1
}

// Size returns the number of live refills.
func (sc *SchedContext) Size() int {
	if sc.max == 0 {
		return 0
	}
	if sc.head <= sc.tail {
		return sc.tail - sc.head + 1
	}
	return sc.tail + 1 + sc.max - sc.head
}

// Full reports whether every slot up to the active maximum is in use.
func (sc *SchedContext) Full() bool {
	return sc.max > 0 && sc.Size() == sc.max
}

// Single reports whether the queue holds exactly one refill.
func (sc *SchedContext) Single() bool {
	return sc.head == sc.tail
}

// Head returns the earliest refill. It is the zero Refill on an inactive context.
func (sc *SchedContext) Head() Refill {
	if sc.max == 0 {
		return Refill{}
	}
	return sc.refills[sc.head]
}

// Tail returns the latest refill.
func (sc *SchedContext) Tail() Refill {
	if sc.max == 0 {
		return Refill{}
	}
	return sc.refills[sc.tail]
}

// Refills copies the live refills from head to tail.
func (sc *SchedContext) Refills() []Refill {
	n := sc.Size()
	out := make([]Refill, 0, n)
	for i, idx := 0, sc.head; i < n; i, idx = i+1, sc.next(idx) {
		out = append(out, sc.refills[idx])
	}
	return out
}

// Sum adds up all live refill amounts.
func (sc *SchedContext) Sum() Ticks {
	var sum Ticks
	for _, r := range sc.Refills() {
		sum += r.Amount
	}
	return sum
}

// Ordered reports whether refill times never decrease from head to tail.
func (sc *SchedContext) Ordered() bool {
	rs := sc.Refills()
	for i := 1; i < len(rs); i++ {
		if rs[i].Time < rs[i-1].Time {
			return false
		}
	}
	return true
}

func (sc *SchedContext) popHead() Refill {
	if sc.Single() {
		contract("pop", "cannot remove the last refill")
	}
	r := sc.refills[sc.head]
	sc.refills[sc.head] = Refill{}
	sc.head = sc.next(sc.head)
	return r
}

func (sc *SchedContext) addTail(r Refill) {
	if sc.Full() {
		contract("add", "refill queue full (%d)", sc.max)
	}
	sc.tail = sc.next(sc.tail)
	sc.refills[sc.tail] = r
}

// mergeOldest folds the head into the following refill. The merged refill
// keeps the later time so no budget becomes available earlier than before.
func (sc *SchedContext) mergeOldest() {
	old := sc.popHead()
	sc.refills[sc.head].Amount += old.Amount
}

// scheduleUsed queues a consumed amount for reuse.
func (sc *SchedContext) scheduleUsed(r Refill) {
	tail := &sc.refills[sc.tail]
	switch {
	case r.Amount < sc.MinBudget() && !sc.Single():
		// Too small to be worth a slot of its own: delay it onto the tail.
		tail.Amount += r.Amount
		tail.Time = maxTicks(tail.Time, r.Time)
	case r.Time <= tail.Time:
		tail.Amount += r.Amount
	default:
		if sc.Full() {
			sc.mergeOldest()
		}
		sc.addTail(r)
	}
}

func maxTicks(a, b Ticks) Ticks {
	if a > b {
		return a
	}
	return b
}

func addSat(a, b Ticks) Ticks {
	if s := a + b; s >= a {
		return s
	}
	return ^Ticks(0)
}
