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

package mcs

import "fmt"

// SchedContext is a sporadic server: a budget that may be consumed at most
// once per period, tracked as a ring of refills.
//
// The zero value is an inactive context with no storage; call Init or use
// NewSchedContext before configuring it.
type SchedContext struct {
	period   Ticks
	budget   Ticks
	wcet     Ticks
	consumed Ticks

	refills []Refill
	head    int
	tail    int
	max     int // active maximum; 0 means not configured
}

// NewSchedContext allocates a context backed by 1<<sizeBits bytes of storage.
// wcet is the platform's worst-case kernel execution time and must be
// positive.
func NewSchedContext(sizeBits uint, wcet Ticks) (*SchedContext, error) {
	sc := &SchedContext{}
	if err := sc.Init(sizeBits, wcet); err != nil {
		return nil, err
	}
	return sc, nil
}

// Init sizes the refill storage in place and leaves the context inactive.
func (sc *SchedContext) Init(sizeBits uint, wcet Ticks) error {
	if sizeBits > MaxSizeBits {
		return fmt.Errorf("size bits %d: %w", sizeBits, ErrStorageTooLarge)
	}
	// A zero wcet gives a zero minimum budget, so a split could leave an
	// empty refill behind.
	if wcet == 0 {
		return ErrZeroWCET
	}
	abs := AbsoluteMax(sizeBits)
	if abs < MinRefills {
		return fmt.Errorf("size bits %d holds %d refills: %w", sizeBits, abs, ErrStorageTooSmall)
	}
	*sc = SchedContext{wcet: wcet, refills: make([]Refill, abs)}
	return nil
}

func (sc *SchedContext) Active() bool { return sc.max > 0 }
func (sc *SchedContext) MaxRefills() int { return sc.max }
func (sc *SchedContext) AbsoluteMax() int { return len(sc.refills) }
func (sc *SchedContext) Budget() Ticks { return sc.budget }
func (sc *SchedContext) Period() Ticks { return sc.period }
func (sc *SchedContext) WCET() Ticks { return sc.wcet }
func (sc *SchedContext) Consumed() Ticks { return sc.consumed }
func (sc *SchedContext) MinBudget() Ticks { return 2 * sc.wcet }
func (sc *SchedContext) AddConsumed(t Ticks) { sc.consumed += t }

// Capacity is what remains of the head refill after usage, saturating at 0.
func (sc *SchedContext) Capacity(usage Ticks) Ticks {
	h := sc.Head()
	if usage > h.Amount {
		return 0
	}
	return h.Amount - usage
}

// Sufficient reports whether the head can still cover a kernel entry and exit.
func (sc *SchedContext) Sufficient(usage Ticks) bool {
	return sc.Capacity(usage) >= sc.MinBudget()
}

// Ready reports whether the head refill is usable at now, allowing for one
// kernel WCET of slack.
func (sc *SchedContext) Ready(now Ticks) bool {
	return sc.Head().Time <= addSat(now, sc.wcet)
}

// Validate checks parameters for Configure without touching the context.
func (sc *SchedContext) Validate(budget, period Ticks, maxRefills int) error {
	if budget > period {
		return fmt.Errorf("budget %d, period %d: %w", budget, period, ErrBudgetExceedsPeriod)
	}
	if budget < sc.MinBudget() || budget == 0 {
		return fmt.Errorf("budget %d, minimum %d: %w", budget, sc.MinBudget(), ErrBudgetTooSmall)
	}
	if maxRefills < MinRefills || maxRefills > sc.AbsoluteMax() {
		return fmt.Errorf("refills %d, allowed %d..%d: %w", maxRefills, MinRefills, sc.AbsoluteMax(), ErrRefillCount)
	}
	return nil
}

// Configure validates the parameters, then starts a fresh queue on an inactive
// context or reshapes the queue of an active one.
func (sc *SchedContext) Configure(now, budget, period Ticks, maxRefills int) error {
	if err := sc.Validate(budget, period, maxRefills); err != nil {
		return err
	}
	if sc.Active() {
		sc.Update(now, period, budget, maxRefills)
	} else {
		sc.New(now, maxRefills, budget, period)
	}
	return nil
}

// Deactivate drops every refill. The storage stays allocated.
func (sc *SchedContext) Deactivate() {
	clear(sc.refills)
	sc.head, sc.tail, sc.max = 0, 0, 0
	sc.budget, sc.period = 0, 0
}

func (sc *SchedContext) capMax(op string, maxRefills int) int {
	if maxRefills > len(sc.refills) {
		maxRefills = len(sc.refills)
	}
	if maxRefills < MinRefills {
		contract(op, "max refills %d below %d", maxRefills, MinRefills)
	}
	return maxRefills
}

// New starts a queue holding the whole budget, available at now.
func (sc *SchedContext) New(now Ticks, maxRefills int, budget, period Ticks) {
	if len(sc.refills) == 0 {
		contract("new", "context has no storage")
	}
	sc.max = sc.capMax("new", maxRefills)
	clear(sc.refills)
	sc.period, sc.budget = period, budget
	sc.head, sc.tail = 0, 0
	sc.refills[0] = Refill{Amount: budget, Time: now}
}

// Update reshapes an active queue to new parameters. Only the head survives;
// it is re-dated to now if ready and trimmed or topped up so the refills add
// up to the new budget.
func (sc *SchedContext) Update(now, period, budget Ticks, maxRefills int) {
	if !sc.Active() {
		contract("update", "context not active")
	}
	maxRefills = sc.capMax("update", maxRefills)
	h := sc.refills[sc.head]
	clear(sc.refills)
	sc.refills[0] = h
	sc.head, sc.tail = 0, 0
	sc.max = maxRefills
	sc.period = period

	if sc.Ready(now) {
		sc.refills[0].Time = now
	}
	if h.Amount >= budget {
		sc.refills[0].Amount = budget
	} else {
		sc.addTail(Refill{Amount: budget - h.Amount, Time: sc.refills[0].Time + period})
	}
	sc.budget = budget
}

// BudgetCheck charges used ticks after the head ran out (capacity 0). Whole
// refills are pushed one period into the future; an overrun past the head
// delays the head itself. The head is then merged forward until it holds at
// least the minimum budget and the queue has room for a split.
func (sc *SchedContext) BudgetCheck(used, capacity Ticks) {
	if !sc.Active() {
		contract("budget check", "context not active")
	}
	if capacity == 0 {
		for sc.refills[sc.head].Amount <= used {
			used -= sc.refills[sc.head].Amount
			if sc.Single() {
				sc.refills[sc.head].Time += sc.period
			} else {
				old := sc.popHead()
				old.Time += sc.period
				sc.scheduleUsed(old)
			}
		}
		if used > 0 {
			h := &sc.refills[sc.head]
			h.Time += used
			h.Amount -= used
			// A delayed head may now overlap later refills; fold those in at
			// the head's later time.
			for !sc.Single() && sc.refills[sc.next(sc.head)].Time < sc.refills[sc.head].Time {
				old := sc.popHead()
				sc.refills[sc.head].Amount += old.Amount
				sc.refills[sc.head].Time = old.Time
			}
			sc.scheduleUsed(Refill{Amount: used, Time: sc.refills[sc.head].Time + sc.period})
		}
	}

	for !sc.Single() && (sc.refills[sc.head].Amount < sc.MinBudget() || sc.Full()) {
		sc.mergeOldest()
	}
}

// SplitCheck charges used ticks out of the head when a context is switched
// away from before its head ran out.
func (sc *SchedContext) SplitCheck(used Ticks) {
	if !sc.Active() {
		contract("split check", "context not active")
	}
	h := sc.refills[sc.head]
	if used == 0 || used > h.Amount {
		contract("split check", "usage %d outside (0, %d]", used, h.Amount)
	}
	remnant := h.Amount - used
	r := Refill{Amount: used, Time: h.Time + sc.period}

	if sc.Full() || remnant < sc.MinBudget() {
		if sc.Single() {
			r.Amount += remnant
			sc.refills[sc.head] = r
			return
		}
		sc.popHead()
		sc.refills[sc.head].Amount += remnant
		sc.scheduleUsed(r)
		return
	}
	sc.refills[sc.head].Amount = remnant
	sc.scheduleUsed(r)
}

// UnblockCheck runs when a context starts running again after being idle. A
// ready head becomes available from now and absorbs any refill that would come
// due before it is used up.
func (sc *SchedContext) UnblockCheck(now Ticks) {
	if !sc.Active() || !sc.Ready(now) {
		return
	}
	sc.refills[sc.head].Time = now
	for !sc.Single() {
		h := sc.refills[sc.head]
		if sc.refills[sc.next(sc.head)].Time > h.Time+h.Amount {
			break
		}
		sc.popHead()
		sc.refills[sc.head].Time = h.Time
		sc.refills[sc.head].Amount += h.Amount
	}
}

func (sc *SchedContext) String() string {
	return fmt.Sprintf("sc{budget=%d period=%d refills=%v}", sc.budget, sc.period, sc.Refills())
}
