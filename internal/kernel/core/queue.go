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

import "fmt"

type queueKind uint8

const (
	waitQueue    queueKind = iota // endpoint and notification queues
	readyQueue                    // per-priority ready queues
	releaseQueue                  // threads waiting for a refill
	numQueueKinds
)

type link struct {
	prev, next *TCB
	queued     bool
}

// Queue is a doubly linked FIFO of threads threaded through the threads
// themselves. A thread can be on one queue of each kind at a time.
type Queue struct {
	head, tail *TCB
	n          int
	kind       queueKind
}

func newQueue(kind queueKind) Queue { return Queue{kind: kind} }

func (q *Queue) Head() *TCB { return q.head }
func (q *Queue) Tail() *TCB { return q.tail }
func (q *Queue) Len() int { return q.n }
func (q *Queue) Empty() bool { return q.head == nil }

func (q *Queue) l(t *TCB) *link { return &t.links[q.kind] }

func (q *Queue) Append(t *TCB) {
	l := q.l(t)
	l.prev, l.next, l.queued = q.tail, nil, true
	if q.tail != nil {
		q.l(q.tail).next = t
	} else {
		q.head = t
	}
	q.tail = t
	q.n++
}

func (q *Queue) Prepend(t *TCB) {
	l := q.l(t)
	l.prev, l.next, l.queued = nil, q.head, true
	if q.head != nil {
		q.l(q.head).prev = t
	} else {
		q.tail = t
	}
	q.head = t
	q.n++
}

// InsertBefore places t in front of before, which must be on q.
func (q *Queue) InsertBefore(t, before *TCB) {
	if before == nil {
		q.Append(t)
		return
	}
	bl := q.l(before)
	if bl.prev == nil {
		q.Prepend(t)
		return
	}
	l := q.l(t)
	l.prev, l.next, l.queued = bl.prev, before, true
	q.l(bl.prev).next = t
	bl.prev = t
	q.n++
}

func (q *Queue) Remove(t *TCB) {
	l := q.l(t)
	if l.prev != nil {
		q.l(l.prev).next = l.next
	} else {
		q.head = l.next
	}
	if l.next != nil {
		q.l(l.next).prev = l.prev
	} else {
		q.tail = l.prev
	}
	*l = link{}
	q.n--
}

func (q *Queue) PopHead() *TCB {
	t := q.head
	if t != nil {
		q.Remove(t)
	}
	return t
}

// Next returns the thread after t on q.
func (q *Queue) Next(t *TCB) *TCB { return q.l(t).next }

func (q *Queue) Threads() []*TCB {
	out := make([]*TCB, 0, q.n)
	for t := q.head; t != nil; t = q.l(t).next {
		out = append(out, t)
	}
	return out
}

func (q *Queue) Contains(t *TCB) bool {
	for c := q.head; c != nil; c = q.l(c).next {
		if c == t {
			return true
		}
	}
	return false
}

// Check verifies prev/next symmetry, membership flags and the length.
func (q *Queue) Check() error {
	if (q.head == nil) != (q.tail == nil) {
		return fmt.Errorf("queue head %q tail %q disagree", q.head.name(), q.tail.name())
	}
	var prev *TCB
	n := 0
	for t := q.head; t != nil; t = q.l(t).next {
		l := q.l(t)
		if !l.queued {
			return fmt.Errorf("thread %q on queue without queued flag", t.Name)
		}
		if l.prev != prev {
			return fmt.Errorf("thread %q prev %q, want %q", t.Name, l.prev.name(), prev.name())
		}
		prev = t
		if n++; n > q.n {
			return fmt.Errorf("queue longer than recorded length %d", q.n)
		}
	}
	if prev != q.tail {
		return fmt.Errorf("queue tail %q, walk ended at %q", q.tail.name(), prev.name())
	}
	if n != q.n {
		return fmt.Errorf("queue length %d, recorded %d", n, q.n)
	}
	return nil
}

func names(ts []*TCB) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}
