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
	"testing"

	"mcs"
)

func newTestKernel(t *testing.T, cores int) (*Kernel, []*ManualClock) {
	t.Helper()
	clocks := make([]*ManualClock, cores)
	opts := Options{Cores: cores}
	for i := range clocks {
		clocks[i] = NewManualClock(0)
		opts.Clocks = append(opts.Clocks, clocks[i])
	}
	return NewKernel(opts), clocks
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustSC(t *testing.T, k *Kernel, name string, budget, period mcs.Ticks, refills int) *SchedContext {
	t.Helper()
	sc, err := k.NewSchedContext(name, 0)
	mustOK(t, err)
	mustOK(t, k.ConfigureSC(sc, budget, period, refills))
	return sc
}

func mustThreadOn(t *testing.T, k *Kernel, name string, prio uint8, core int) *TCB {
	t.Helper()
	th, err := k.NewThread(name, prio, 0, core)
	mustOK(t, err)
	return th
}

func mustThread(t *testing.T, k *Kernel, name string, prio uint8) *TCB {
	t.Helper()
	return mustThreadOn(t, k, name, prio, 0)
}

func mustEndpoint(t *testing.T, k *Kernel, name string) *Endpoint {
	t.Helper()
	ep, err := k.NewEndpoint(name)
	mustOK(t, err)
	return ep
}

func mustReply(t *testing.T, k *Kernel, name string) *Reply {
	t.Helper()
	r, err := k.NewReply(name)
	mustOK(t, err)
	return r
}

func mustNotification(t *testing.T, k *Kernel, name string) *Notification {
	t.Helper()
	nt, err := k.NewNotification(name)
	mustOK(t, err)
	return nt
}

func mustCap(t *testing.T, k *Kernel, th *TCB, cptr CPtr, c Cap) {
	t.Helper()
	mustOK(t, k.InsertCap(th, cptr, c))
}

// start binds sc to th and resumes it.
func start(t *testing.T, k *Kernel, th *TCB, sc *SchedContext) {
	t.Helper()
	mustOK(t, k.BindSC(sc, th))
	mustOK(t, k.Resume(th))
}

// passiveServer starts th on sc, lets it block in Recv and then takes the
// context away so it only runs on donated time.
func passiveServer(t *testing.T, k *Kernel, th *TCB, sc *SchedContext, epCPtr, replyCPtr CPtr) {
	t.Helper()
	start(t, k, th, sc)
	expectCurrent(t, k, th.affinity, th)
	mustOK(t, k.Recv(th.affinity, epCPtr, replyCPtr))
	mustOK(t, k.UnbindSC(sc))
	if st := th.State(); st.Type != ThreadBlockedOnReceive {
		t.Fatalf("server %s state = %s, want blocked-on-receive", th.Name, st.Type)
	}
}

func expectCurrent(t *testing.T, k *Kernel, core int, want *TCB) {
	t.Helper()
	if got := k.Node(core).CurThread(); got != want {
		t.Fatalf("core %d current = %s, want %s", core, got.Name, want.Name)
	}
}

func expectState(t *testing.T, th *TCB, want ThreadStateType) {
	t.Helper()
	if got := th.State().Type; got != want {
		t.Fatalf("%s state = %s, want %s", th.Name, got, want)
	}
}

func checkKernel(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func expectInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		var ie *InvariantError
		err, _ := r.(error)
		if !errors.As(err, &ie) {
			t.Fatalf("recovered %v, want *InvariantError", r)
		}
	}()
	fn()
}

func TestKernel_Objects(t *testing.T) {
	k, _ := newTestKernel(t, 1)

	t.Run("Registry", func(t *testing.T) {
		th := mustThread(t, k, "worker", 3)
		got, err := k.Thread("worker")
		mustOK(t, err)
		if got != th {
			t.Errorf("Thread(worker) = %p, want %p", got, th)
		}
		if _, err := k.NewEndpoint("worker"); !errors.Is(err, ErrDuplicateName) {
			t.Errorf("duplicate name error = %v, want ErrDuplicateName", err)
		}
		if _, err := k.Endpoint("worker"); !errors.Is(err, ErrUnknownObject) {
			t.Errorf("Endpoint(worker) error = %v, want ErrUnknownObject", err)
		}
	})

	t.Run("InvalidPlacement", func(t *testing.T) {
		if _, err := k.NewThread("far", 1, 0, 3); !errors.Is(err, ErrInvalidCore) {
			t.Errorf("affinity 3 error = %v, want ErrInvalidCore", err)
		}
		if _, err := k.NewThread("elsewhere", 1, 2, 0); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("domain 2 error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("DistinctASIDs", func(t *testing.T) {
		a := mustThread(t, k, "a", 1)
		b := mustThread(t, k, "b", 1)
		if a.VSpace().ASID == b.VSpace().ASID || !a.VSpace().ASIDValid {
			t.Errorf("vspaces %+v and %+v", a.VSpace(), b.VSpace())
		}
	})

	t.Run("ConfigureRejectsBadParameters", func(t *testing.T) {
		sc, err := k.NewSchedContext("bad", 0)
		mustOK(t, err)
		if err := k.ConfigureSC(sc, 200, 100, 2); !errors.Is(err, mcs.ErrBudgetExceedsPeriod) {
			t.Errorf("budget > period error = %v", err)
		}
		if err := k.ConfigureSC(sc, 3, 100, 2); !errors.Is(err, mcs.ErrBudgetTooSmall) {
			t.Errorf("tiny budget error = %v", err)
		}
		if sc.Active() {
			t.Errorf("rejected configuration activated the context")
		}
	})

	t.Run("BindTwice", func(t *testing.T) {
		th := mustThread(t, k, "bound", 1)
		sc := mustSC(t, k, "bound-sc", 10, 100, 2)
		other := mustSC(t, k, "other-sc", 10, 100, 2)
		mustOK(t, k.BindSC(sc, th))
		if err := k.BindSC(other, th); !errors.Is(err, ErrAlreadyBound) {
			t.Errorf("second bind error = %v, want ErrAlreadyBound", err)
		}
		if err := k.UnbindSC(other); !errors.Is(err, ErrNotBound) {
			t.Errorf("unbind of free context error = %v, want ErrNotBound", err)
		}
	})

	checkKernel(t, k)
}
