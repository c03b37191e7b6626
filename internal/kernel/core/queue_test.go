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
	"reflect"
	"testing"
)

func TestQueue(t *testing.T) {
	mk := func(names ...string) []*TCB {
		out := make([]*TCB, len(names))
		for i, n := range names {
			out[i] = &TCB{Name: n}
		}
		return out
	}

	testCases := []struct {
		name string
		ops  func(q *Queue, ts []*TCB)
		want []string
	}{
		{"Append", func(q *Queue, ts []*TCB) {
			q.Append(ts[0])
			q.Append(ts[1])
			q.Append(ts[2])
		}, []string{"a", "b", "c"}},
		{"Prepend", func(q *Queue, ts []*TCB) {
			q.Prepend(ts[0])
			q.Prepend(ts[1])
		}, []string{"b", "a"}},
		{"InsertBefore", func(q *Queue, ts []*TCB) {
			q.Append(ts[0])
			q.Append(ts[2])
			q.InsertBefore(ts[1], ts[2])
			q.InsertBefore(ts[3], ts[0])
		}, []string{"d", "a", "b", "c"}},
		{"RemoveMiddleAndEnds", func(q *Queue, ts []*TCB) {
			for _, t := range ts {
				q.Append(t)
			}
			q.Remove(ts[1])
			q.Remove(ts[0])
			q.Remove(ts[3])
		}, []string{"c"}},
		{"PopHead", func(q *Queue, ts []*TCB) {
			q.Append(ts[0])
			q.Append(ts[1])
			q.PopHead()
		}, []string{"b"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q := newQueue(waitQueue)
			ts := mk("a", "b", "c", "d")
			tc.ops(&q, ts)
			if got := names(q.Threads()); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("queue = %v, want %v", got, tc.want)
			}
			if q.Len() != len(tc.want) {
				t.Errorf("Len() = %d, want %d", q.Len(), len(tc.want))
			}
			if err := q.Check(); err != nil {
				t.Errorf("Check() = %v", err)
			}
		})
	}

	t.Run("IndependentKinds", func(t *testing.T) {
		th := &TCB{Name: "x"}
		wq, rq := newQueue(waitQueue), newQueue(readyQueue)
		wq.Append(th)
		rq.Append(th)
		wq.Remove(th)
		if !rq.Contains(th) || wq.Contains(th) {
			t.Errorf("queues of different kinds share links")
		}
	})
}

func TestReadyBitmap(t *testing.T) {
	var rq readyQueues
	rq.init()
	if _, ok := rq.highest(); ok || !rq.empty() {
		t.Fatalf("fresh ready queues not empty")
	}
	for _, p := range []uint8{3, 64, 200, 255} {
		rq.mark(p)
	}
	if h, _ := rq.highest(); h != 255 {
		t.Errorf("highest = %d, want 255", h)
	}
	rq.unmarkIfEmpty(255)
	rq.unmarkIfEmpty(200)
	if h, _ := rq.highest(); h != 64 {
		t.Errorf("highest = %d, want 64", h)
	}
}
