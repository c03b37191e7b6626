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
	"sort"

	"mcs"
)

// Snapshot is a pointer-free copy of the whole kernel state. Objects refer
// to each other by name so two kernels built the same way compare equal
// with reflect.DeepEqual.
type Snapshot struct {
	Nodes         []NodeSnapshot         `json:"nodes"`
	Threads       []ThreadSnapshot       `json:"threads"`
	Endpoints     []EndpointSnapshot     `json:"endpoints"`
	Notifications []NotificationSnapshot `json:"notifications"`
	Replies       []ReplySnapshot        `json:"replies"`
	SchedContexts []SCSnapshot           `json:"sched_contexts"`
	IRQs          []IRQSnapshot          `json:"irqs,omitempty"`
}

type ReadyQueueSnapshot struct {
	Domain  int      `json:"domain"`
	Prio    uint8    `json:"prio"`
	Threads []string `json:"threads"`
}

type NodeSnapshot struct {
	Core     int                  `json:"core"`
	Time     mcs.Ticks            `json:"time"`
	Consumed mcs.Ticks            `json:"consumed"`
	Current  string               `json:"current"`
	CurSC    string               `json:"cur_sc"`
	Domain   int                  `json:"domain"`
	Action   string               `json:"action"`
	Deadline mcs.Ticks            `json:"deadline"`
	Ready    []ReadyQueueSnapshot `json:"ready,omitempty"`
	Release  []string             `json:"release,omitempty"`
}

type ThreadSnapshot struct {
	Name         string      `json:"name"`
	Prio         uint8       `json:"prio"`
	Domain       int         `json:"domain"`
	Affinity     int         `json:"affinity"`
	State        string      `json:"state"`
	BlockedOn    string      `json:"blocked_on,omitempty"`
	Reply        string      `json:"reply,omitempty"`
	IsCall       bool        `json:"is_call,omitempty"`
	SC           string      `json:"sc,omitempty"`
	Notification string      `json:"notification,omitempty"`
	Fault        string      `json:"fault,omitempty"`
	Badge        uint64      `json:"badge,omitempty"`
	MsgInfo      MessageInfo `json:"msg_info"`
	MRs          []uint64    `json:"mrs,omitempty"`
	InReady      bool        `json:"in_ready,omitempty"`
	InRelease    bool        `json:"in_release,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
}

type EndpointSnapshot struct {
	Name  string   `json:"name"`
	State string   `json:"state"`
	Queue []string `json:"queue,omitempty"`
}

type NotificationSnapshot struct {
	Name    string   `json:"name"`
	State   string   `json:"state"`
	Pending uint64   `json:"pending,omitempty"`
	Bound   string   `json:"bound,omitempty"`
	Queue   []string `json:"queue,omitempty"`
}

type ReplySnapshot struct {
	Name string `json:"name"`
	TCB  string `json:"tcb,omitempty"`
	Prev string `json:"prev,omitempty"`
	Next string `json:"next,omitempty"`
}

type SCSnapshot struct {
	Name       string       `json:"name"`
	Thread     string       `json:"thread,omitempty"`
	Reply      string       `json:"reply,omitempty"`
	Core       int          `json:"core"`
	Budget     mcs.Ticks    `json:"budget"`
	Period     mcs.Ticks    `json:"period"`
	MaxRefills int          `json:"max_refills"`
	Consumed   mcs.Ticks    `json:"consumed"`
	Refills    []mcs.Refill `json:"refills,omitempty"`
}

type IRQSnapshot struct {
	IRQ     int    `json:"irq"`
	State   string `json:"state"`
	Handler string `json:"handler,omitempty"`
	Masked  bool   `json:"masked,omitempty"`
	Count   uint64 `json:"count,omitempty"`
}

// Snapshot copies the kernel state under the lock.
func (k *Kernel) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.snapshot()
}

// SnapshotLocked is Snapshot for callers that hold the lock.
func (k *Kernel) SnapshotLocked() Snapshot { return k.snapshot() }

// Usage returns the ticks charged so far to every scheduling context, by
// name.
func (k *Kernel) Usage() map[string]mcs.Ticks {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]mcs.Ticks, len(k.scs))
	for _, sc := range k.scs {
		out[sc.Name] = sc.Consumed()
	}
	return out
}

// ReleaseQueueLengths returns the number of threads waiting for a refill on
// each core.
func (k *Kernel) ReleaseQueueLengths() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]int, len(k.nodes))
	for i, n := range k.nodes {
		out[i] = n.release.Len()
	}
	return out
}

func (k *Kernel) snapshot() Snapshot {
	var s Snapshot
	for _, n := range k.nodes {
		ns := NodeSnapshot{
			Core:     n.core,
			Time:     n.curTime,
			Consumed: n.consumed,
			Current:  n.curThread.Name,
			CurSC:    n.curSC.Name,
			Domain:   n.curDomain,
			Action:   n.action.String(),
			Deadline: n.deadline,
			Release:  names(n.release.Threads()),
		}
		for dom := range n.ready {
			for prio := NumPriorities - 1; prio >= 0; prio-- {
				if q := &n.ready[dom].queues[prio]; !q.Empty() {
					ns.Ready = append(ns.Ready, ReadyQueueSnapshot{Domain: dom, Prio: uint8(prio), Threads: names(q.Threads())})
				}
			}
		}
		s.Nodes = append(s.Nodes, ns)
	}
	for _, t := range k.threads {
		s.Threads = append(s.Threads, threadSnapshot(t))
	}
	for _, ep := range k.endpoints {
		s.Endpoints = append(s.Endpoints, EndpointSnapshot{Name: ep.Name, State: ep.state.String(), Queue: names(ep.queue.Threads())})
	}
	for _, nt := range k.notifications {
		s.Notifications = append(s.Notifications, NotificationSnapshot{
			Name:    nt.Name,
			State:   nt.state.String(),
			Pending: nt.badge,
			Bound:   nt.bound.name(),
			Queue:   names(nt.queue.Threads()),
		})
	}
	for _, r := range k.replies {
		s.Replies = append(s.Replies, ReplySnapshot{Name: r.Name, TCB: r.tcb.name(), Prev: r.prev.String(), Next: r.next.String()})
	}
	for _, sc := range k.scs {
		s.SchedContexts = append(s.SchedContexts, SCSnapshot{
			Name:       sc.Name,
			Thread:     sc.tcb.name(),
			Reply:      sc.reply.name(),
			Core:       sc.core,
			Budget:     sc.Budget(),
			Period:     sc.Period(),
			MaxRefills: sc.MaxRefills(),
			Consumed:   sc.Consumed(),
			Refills:    sc.Refills(),
		})
	}
	for i, irq := range k.irqs {
		if irq.state == IRQInactive && !irq.masked && irq.count == 0 {
			continue
		}
		is := IRQSnapshot{IRQ: i, State: irq.state.String(), Masked: irq.masked, Count: irq.count}
		if irq.cap.Type == CapNotification {
			is.Handler = irq.cap.Notification.Name
		}
		s.IRQs = append(s.IRQs, is)
	}

	sort.Slice(s.Threads, func(i, j int) bool { return s.Threads[i].Name < s.Threads[j].Name })
	sort.Slice(s.Endpoints, func(i, j int) bool { return s.Endpoints[i].Name < s.Endpoints[j].Name })
	sort.Slice(s.Notifications, func(i, j int) bool { return s.Notifications[i].Name < s.Notifications[j].Name })
	sort.Slice(s.Replies, func(i, j int) bool { return s.Replies[i].Name < s.Replies[j].Name })
	sort.Slice(s.SchedContexts, func(i, j int) bool { return s.SchedContexts[i].Name < s.SchedContexts[j].Name })
	return s
}

func threadSnapshot(t *TCB) ThreadSnapshot {
	ts := ThreadSnapshot{
		Name:      t.Name,
		Prio:      t.prio,
		Domain:    t.domain,
		Affinity:  t.affinity,
		State:     t.state.Type.String(),
		Reply:     t.state.Reply.name(),
		IsCall:    t.state.IsCall,
		SC:        t.sc.name(),
		Badge:     t.badgeReg,
		MsgInfo:   t.msgInfo,
		InReady:   t.inReady,
		InRelease: t.inRelease,
	}
	switch {
	case t.state.Endpoint != nil:
		ts.BlockedOn = t.state.Endpoint.Name
	case t.state.Notification != nil:
		ts.BlockedOn = t.state.Notification.Name
	}
	if t.boundNtfn != nil {
		ts.Notification = t.boundNtfn.Name
	}
	if t.fault.Type != FaultNull {
		ts.Fault = t.fault.Type.String()
	}
	last := len(t.mrs)
	for last > 0 && t.mrs[last-1] == 0 {
		last--
	}
	if last > 0 {
		ts.MRs = append([]uint64(nil), t.mrs[:last]...)
	}
	if t.lastErr != nil {
		ts.LastError = t.lastErr.Error()
	}
	return ts
}
