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

// EventKind classifies trace events.
type EventKind uint8

const (
	EventSwitch   EventKind = iota // a different thread became current
	EventPostpone                  // a thread was parked in the release queue
	EventAwaken                    // a thread left the release queue
	EventCharge                    // budget was charged through the refill queue
	EventDonate                    // a scheduling context moved to another thread
	EventReturn                    // a donated scheduling context came back on reply
	EventFastpath                  // a fastpath committed
	EventBail                      // a fastpath deferred to the slow path
	EventIRQ
	EventSyscall
)

var eventNames = [...]string{
	EventSwitch:   "switch",
	EventPostpone: "postpone",
	EventAwaken:   "awaken",
	EventCharge:   "charge",
	EventDonate:   "donate",
	EventReturn:   "return",
	EventFastpath: "fastpath",
	EventBail:     "bail",
	EventIRQ:      "irq",
	EventSyscall:  "syscall",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is one observable scheduling or IPC step.
type Event struct {
	Kind   EventKind `json:"kind"`
	Core   int       `json:"core"`
	Time   mcs.Ticks `json:"time"`
	Thread string    `json:"thread,omitempty"`
	SC     string    `json:"sc,omitempty"`
	Op     string    `json:"op,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Ticks  mcs.Ticks `json:"ticks,omitempty"`
	Size   int       `json:"size,omitempty"`
}

// Tracer receives events while the kernel lock is held. Implementations
// must not call back into the kernel.
type Tracer interface {
	Trace(Event)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(Event)

func (f TracerFunc) Trace(e Event) { f(e) }

// MultiTracer fans events out to several tracers.
type MultiTracer []Tracer

func (m MultiTracer) Trace(e Event) {
	for _, t := range m {
		t.Trace(e)
	}
}

type nopTracer struct{}

func (nopTracer) Trace(Event) {}
