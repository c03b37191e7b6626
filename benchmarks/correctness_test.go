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

package benchmarks

import (
	"reflect"
	"testing"

	"github.com/sugawarayuuta/sonnet"

	"mcs/internal/kernel/fastpath"
)

// TestRoundTrips_FastpathMatchesSlowPath drives the same ping-pong with time
// passing through both paths. The rounds stay inside the client's budget.
func TestRoundTrips_FastpathMatchesSlowPath(t *testing.T) {
	fast, slow := newPingPong(t), newPingPong(t)
	for i := 0; i < 40; i++ {
		d := uint64(1 + i%7)
		fast.advance(t, d)
		slow.advance(t, d)
		if cur := fast.k.Node(0).CurThread(); cur.Name != "client" {
			t.Fatalf("round %d: current = %s, want client", i, cur.Name)
		}
		errFast := fast.roundTrip(true)
		errSlow := slow.roundTrip(false)
		if (errFast == nil) != (errSlow == nil) {
			t.Fatalf("round %d: fastpath error %v, slow path error %v", i, errFast, errSlow)
		}
		a, b := fast.k.Snapshot(), slow.k.Snapshot()
		if !reflect.DeepEqual(a, b) {
			ja, _ := sonnet.Marshal(a)
			jb, _ := sonnet.Marshal(b)
			t.Fatalf("round %d: states differ\nfastpath: %s\nslow:     %s", i, ja, jb)
		}
		if err := fast.k.CheckInvariants(); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	st := fast.fp.Stats()
	if st.Commits[fastpath.OpCall] == 0 {
		t.Fatalf("fastpath never committed a call: %+v", st)
	}
}
