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

// Package benchmarks measures the refill queue, the IPC fastpath against the
// general path, and the ledger store.
package benchmarks

import (
	"fmt"
	"path/filepath"
	"testing"

	"mcs/internal/kernel/core"
	"mcs/internal/kernel/fastpath"
	"mcs/internal/kernel/scenario"
)

// Capability slots installed by the call_reply scenario.
const (
	epSlot    core.CPtr = 1
	replySlot core.CPtr = 2
)

var callReply = filepath.Join("..", "internal", "kernel", "scenario", "testdata", "call_reply.txtar")

// pingPong is a client calling a passive server on one core, set up by the
// call_reply scenario's setup section.
type pingPong struct {
	r  *scenario.Runner
	k  *core.Kernel
	fp *fastpath.Engine
}

func newPingPong(tb testing.TB) *pingPong {
	tb.Helper()
	s, err := scenario.Load(callReply)
	if err != nil {
		tb.Fatalf("load: %v", err)
	}
	r := scenario.NewRunner(s, scenario.Options{})
	for _, cmd := range s.Setup {
		if err := r.Step(cmd); err != nil {
			tb.Fatalf("setup: %v", err)
		}
	}
	return &pingPong{r: r, k: r.Kernel(), fp: r.Fastpath()}
}

// clock advances core 0 by d ticks.
func (p *pingPong) advance(tb testing.TB, d uint64) {
	tb.Helper()
	cmds, err := scenario.ParseScript([]byte(fmt.Sprintf("advance %d", d)))
	if err != nil {
		tb.Fatal(err)
	}
	if err := p.r.Step(cmds[0]); err != nil {
		tb.Fatal(err)
	}
}

// roundTrip is one call and the server's reply-and-wait.
func (p *pingPong) roundTrip(fast bool) error {
	info := core.MessageInfo{Label: 1, Length: 2}
	if fast {
		if err := p.fp.Call(0, epSlot, info); err != nil {
			return err
		}
		return p.fp.ReplyRecv(0, epSlot, replySlot, info)
	}
	if err := p.k.Call(0, epSlot, info); err != nil {
		return err
	}
	return p.k.ReplyRecv(0, epSlot, replySlot, info)
}
