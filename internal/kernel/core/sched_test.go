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
	"reflect"
	"testing"

	"mcs"
)

func expectRefills(t *testing.T, sc *SchedContext, want ...mcs.Refill) {
	t.Helper()
	if got := sc.Refills(); !reflect.DeepEqual(got, want) {
		t.Fatalf("%s refills = %v, want %v", sc.Name, got, want)
	}
}

func TestScheduler_StartAndPreempt(t *testing.T) {
	k, _ := newTestKernel(t, 1)
	low := mustThread(t, k, "low", 5)
	high := mustThread(t, k, "high", 9)
	lowSC := mustSC(t, k, "low-sc", 50, 100, 2)
	highSC := mustSC(t, k, "high-sc", 50, 100, 2)

	start(t, k, low, lowSC)
	expectCurrent(t, k, 0, low)
	expectState(t, low, ThreadRunning)

	start(t, k, high, highSC)
	expectCurrent(t, k, 0, high)
	if !low.InReadyQueue() {
		t.Errorf("preempted thread left the ready queue")
	}
	if got := k.Node(0).ReadyQueue(0, 5); len(got) != 1 || got[0] != low {
		t.Errorf("ready queue at 5 = %v", names(got))
	}
	checkKernel(t, k)
}

func TestScheduler_EqualPriorityKeepsCurrent(t *testing.T) {
	k, _ := newTestKernel(t, 1)
	a := mustThread(t, k, "a", 5)
	b := mustThread(t, k, "b", 5)
	start(t, k, a, mustSC(t, k, "a-sc", 50, 100, 2))
	start(t, k, b, mustSC(t, k, "b-sc", 50, 100, 2))

	expectCurrent(t, k, 0, a)
	if !b.InReadyQueue() {
		t.Errorf("b not queued behind a")
	}
	checkKernel(t, k)
}

func TestScheduler_BudgetExhaustion(t *testing.T) {
	k, clocks := newTestKernel(t, 1)
	th := mustThread(t, k, "worker", 5)
	sc := mustSC(t, k, "worker-sc", 100, 1000, 2)
	start(t, k, th, sc)

	if got := clocks[0].Deadline(); got != 100 {
		t.Fatalf("deadline after start = %d, want 100", got)
	}

	clocks[0].Set(100)
	mustOK(t, k.HandleTimer(0))
	expectCurrent(t, k, 0, k.Node(0).Idle())
	if !th.InReleaseQueue() {
		t.Fatalf("exhausted thread not in the release queue")
	}
	expectRefills(t, sc, mcs.Refill{Amount: 100, Time: 1000})
	if got := clocks[0].Deadline(); got != 1000 {
		t.Errorf("deadline while parked = %d, want 1000", got)
	}
	checkKernel(t, k)

	// One kernel WCET before the refill it is already released.
	clocks[0].Set(998)
	mustOK(t, k.HandleTimer(0))
	expectCurrent(t, k, 0, th)
	if th.InReleaseQueue() {
		t.Errorf("released thread still in the release queue")
	}
	expectRefills(t, sc, mcs.Refill{Amount: 100, Time: 998})
	if got := clocks[0].Deadline(); got != 1098 {
		t.Errorf("deadline after release = %d, want 1098", got)
	}
	checkKernel(t, k)
}

func TestScheduler_PartialUseIsSplit(t *testing.T) {
	k, clocks := newTestKernel(t, 1)
	a := mustThread(t, k, "a", 5)
	b := mustThread(t, k, "b", 9)
	aSC := mustSC(t, k, "a-sc", 100, 1000, 4)
	start(t, k, a, aSC)

	clocks[0].Set(30)
	start(t, k, b, mustSC(t, k, "b-sc", 100, 1000, 4))
	expectCurrent(t, k, 0, b)
	expectRefills(t, aSC,
		mcs.Refill{Amount: 70, Time: 0},
		mcs.Refill{Amount: 30, Time: 1000})
	if got := aSC.Consumed(); got != 30 {
		t.Errorf("consumed = %d, want 30", got)
	}
	checkKernel(t, k)
}

func TestScheduler_Yield(t *testing.T) {
	k, clocks := newTestKernel(t, 1)
	a := mustThread(t, k, "a", 5)
	b := mustThread(t, k, "b", 5)
	aSC := mustSC(t, k, "a-sc", 50, 100, 2)
	start(t, k, a, aSC)
	start(t, k, b, mustSC(t, k, "b-sc", 50, 100, 2))
	expectCurrent(t, k, 0, a)

	mustOK(t, k.Yield(0))
	expectCurrent(t, k, 0, b)
	if !a.InReleaseQueue() {
		t.Errorf("yielding thread not parked")
	}
	expectRefills(t, aSC, mcs.Refill{Amount: 50, Time: 100})
	if got := clocks[0].Deadline(); got != 50 {
		t.Errorf("deadline = %d, want 50", got)
	}
	checkKernel(t, k)
}

func TestScheduler_RestartOnExhaustedEntry(t *testing.T) {
	k, clocks := newTestKernel(t, 1)
	th := mustThread(t, k, "worker", 5)
	nt := mustNotification(t, k, "ntfn")
	mustCap(t, k, th, 1, NotificationCap(nt, RightsAll, 1))
	sc := mustSC(t, k, "worker-sc", 10, 100, 2)
	start(t, k, th, sc)

	// 2 ticks left is below the minimum budget of 4.
	clocks[0].Set(8)
	err := k.Signal(0, 1)
	if !errors.Is(err, ErrRestarted) {
		t.Fatalf("Signal error = %v, want ErrRestarted", err)
	}
	expectState(t, th, ThreadRestart)
	if nt.State() != NotificationIdle {
		t.Errorf("restarted call was performed")
	}
	expectRefills(t, sc, mcs.Refill{Amount: 10, Time: 100})
	expectCurrent(t, k, 0, k.Node(0).Idle())

	clocks[0].Set(100)
	mustOK(t, k.HandleTimer(0))
	expectCurrent(t, k, 0, th)
	expectState(t, th, ThreadRunning)
	checkKernel(t, k)
}

func TestScheduler_ConfigureRunning(t *testing.T) {
	k, clocks := newTestKernel(t, 1)
	th := mustThread(t, k, "worker", 5)
	sc := mustSC(t, k, "worker-sc", 100, 1000, 2)
	start(t, k, th, sc)

	clocks[0].Set(30)
	mustOK(t, k.ConfigureSC(sc, 50, 500, 2))
	expectCurrent(t, k, 0, th)
	expectRefills(t, sc, mcs.Refill{Amount: 50, Time: 30})
	if sc.Period() != 500 || sc.Budget() != 50 {
		t.Errorf("parameters = %d/%d, want 50/500", sc.Budget(), sc.Period())
	}
	if got := clocks[0].Deadline(); got != 80 {
		t.Errorf("deadline = %d, want 80", got)
	}
	checkKernel(t, k)
}

func TestScheduler_SuspendAndDelete(t *testing.T) {
	k, _ := newTestKernel(t, 1)
	a := mustThread(t, k, "a", 5)
	b := mustThread(t, k, "b", 3)
	aSC := mustSC(t, k, "a-sc", 50, 100, 2)
	start(t, k, a, aSC)
	start(t, k, b, mustSC(t, k, "b-sc", 50, 100, 2))
	expectCurrent(t, k, 0, a)

	mustOK(t, k.Suspend(a))
	expectState(t, a, ThreadInactive)
	expectCurrent(t, k, 0, b)

	mustOK(t, k.Resume(a))
	expectCurrent(t, k, 0, a)

	mustOK(t, k.DeleteThread(a))
	expectCurrent(t, k, 0, b)
	if aSC.Thread() != nil {
		t.Errorf("deleted thread still bound to %s", aSC.Name)
	}
	if _, err := k.Thread("a"); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("deleted thread still registered: %v", err)
	}
	checkKernel(t, k)
}

func TestScheduler_SetPriority(t *testing.T) {
	k, _ := newTestKernel(t, 1)
	a := mustThread(t, k, "a", 5)
	b := mustThread(t, k, "b", 3)
	start(t, k, a, mustSC(t, k, "a-sc", 50, 100, 2))
	start(t, k, b, mustSC(t, k, "b-sc", 50, 100, 2))

	mustOK(t, k.SetPriority(b, 7))
	expectCurrent(t, k, 0, b)
	mustOK(t, k.SetPriority(b, 1))
	expectCurrent(t, k, 0, a)
	checkKernel(t, k)
}

func TestScheduler_ReleaseQueueOrder(t *testing.T) {
	k, _ := newTestKernel(t, 1)
	var scs []*SchedContext
	for i, period := range []mcs.Ticks{300, 100, 200} {
		th := mustThread(t, k, string(rune('a'+i)), 5)
		sc := mustSC(t, k, th.Name+"-sc", 10, period, 2)
		start(t, k, th, sc)
		scs = append(scs, sc)
	}
	// Each thread yields in turn and is parked until its next period.
	for range scs {
		mustOK(t, k.Yield(0))
	}
	got := names(k.Node(0).ReleaseQueue())
	want := []string{"b", "c", "a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("release queue = %v, want %v", got, want)
	}
	checkKernel(t, k)
}

func TestScheduler_CommitKeepsReleaseQueueOrdered(t *testing.T) {
	k, clocks := newTestKernel(t, 1)
	a := mustThread(t, k, "a", 5)
	aSC := mustSC(t, k, "a-sc", 30, 100, 3)
	start(t, k, a, aSC)
	b := mustThread(t, k, "b", 4)
	bSC := mustSC(t, k, "b-sc", 20, 50, 2)
	start(t, k, b, bSC)
	expectCurrent(t, k, 0, a)

	k.Lock()
	// b is out of budget until 50.
	bSC.BudgetCheck(20, 0)
	k.postpone(bSC)
	// a runs on a full queue whose head is not due before 20.
	aSC.SplitCheck(5)
	aSC.UnblockCheck(20)
	aSC.SplitCheck(5)
	expectRefills(t, aSC, mcs.Refill{Amount: 20, Time: 20}, mcs.Refill{Amount: 5, Time: 100}, mcs.Refill{Amount: 5, Time: 120})
	n := k.Node(0)
	n.consumed = 10
	k.postpone(aSC)
	// Leaving a commits its 10 ticks, which folds the head into the refill
	// at 100.
	n.rescheduleRequired()
	n.schedule()
	n.activateThread()
	k.Unlock()

	expectCurrent(t, k, 0, k.Node(0).Idle())
	expectRefills(t, aSC, mcs.Refill{Amount: 15, Time: 100}, mcs.Refill{Amount: 15, Time: 120})
	if got, want := names(k.Node(0).ReleaseQueue()), []string{"b", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("release queue = %v, want %v", got, want)
	}
	checkKernel(t, k)

	clocks[0].Set(50)
	mustOK(t, k.HandleTimer(0))
	expectCurrent(t, k, 0, b)
	checkKernel(t, k)
}
