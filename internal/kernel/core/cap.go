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

// CPtr names a slot in a thread's capability space. Zero is the null slot.
type CPtr uint64

type CapType uint8

const (
	CapNull CapType = iota
	CapEndpoint
	CapNotification
	CapReply
)

func (c CapType) String() string {
	switch c {
	case CapEndpoint:
		return "endpoint"
	case CapNotification:
		return "notification"
	case CapReply:
		return "reply"
	default:
		return "null"
	}
}

// Rights is a bit set of capability access rights.
type Rights uint8

const (
	RightSend Rights = 1 << iota
	RightRecv
	RightGrant
	RightGrantReply

	RightsAll = RightSend | RightRecv | RightGrant | RightGrantReply
)

func (r Rights) Has(want Rights) bool { return r&want == want }

func (r Rights) String() string {
	b := []byte("----")
	for i, c := range "srgG" {
		if r&(1<<i) != 0 {
			b[i] = byte(c)
		}
	}
	return string(b)
}

// Cap is an unforgeable reference to a kernel object.
type Cap struct {
	Type         CapType
	Rights       Rights
	Badge        uint64
	Endpoint     *Endpoint
	Notification *Notification
	Reply        *Reply
}

func EndpointCap(ep *Endpoint, rights Rights, badge uint64) Cap {
	return Cap{Type: CapEndpoint, Rights: rights, Badge: badge, Endpoint: ep}
}

func NotificationCap(n *Notification, rights Rights, badge uint64) Cap {
	return Cap{Type: CapNotification, Rights: rights, Badge: badge, Notification: n}
}

// ReplyCap refers to a reply object. Only RightGrant is meaningful on it.
func ReplyCap(r *Reply, rights Rights) Cap {
	return Cap{Type: CapReply, Rights: rights, Reply: r}
}

func (c Cap) object() any {
	switch c.Type {
	case CapEndpoint:
		return c.Endpoint
	case CapNotification:
		return c.Notification
	case CapReply:
		return c.Reply
	}
	return nil
}

func (c Cap) String() string {
	switch c.Type {
	case CapEndpoint:
		return fmt.Sprintf("endpoint(%s %s badge=%d)", c.Endpoint.Name, c.Rights, c.Badge)
	case CapNotification:
		return fmt.Sprintf("notification(%s %s badge=%d)", c.Notification.Name, c.Rights, c.Badge)
	case CapReply:
		return fmt.Sprintf("reply(%s %s)", c.Reply.Name, c.Rights)
	}
	return "null"
}

// CSpace maps slots to capabilities.
type CSpace struct {
	slots map[CPtr]Cap
}

func NewCSpace() *CSpace {
	return &CSpace{slots: make(map[CPtr]Cap)}
}

// Insert stores c at cptr, replacing whatever was there.
func (cs *CSpace) Insert(cptr CPtr, c Cap) error {
	if cptr == 0 {
		return fmt.Errorf("insert at slot 0: %w", ErrInvalidArgument)
	}
	cs.slots[cptr] = c
	return nil
}

func (cs *CSpace) Delete(cptr CPtr) { delete(cs.slots, cptr) }

// Lookup returns the capability at cptr.
func (cs *CSpace) Lookup(cptr CPtr) (Cap, bool) {
	c, ok := cs.slots[cptr]
	return c, ok && c.Type != CapNull
}

func (cs *CSpace) Len() int { return len(cs.slots) }

// revoke drops every capability that refers to obj.
func (cs *CSpace) revoke(obj any) {
	for p, c := range cs.slots {
		if c.object() == obj {
			delete(cs.slots, p)
		}
	}
}

// VSpace describes a thread's address-space root as far as IPC cares.
type VSpace struct {
	Valid     bool
	ASID      uint16
	ASIDValid bool
}

// Resolver turns a slot reference into a capability.
type Resolver interface {
	Resolve(cs *CSpace, cptr CPtr) (Cap, error)
}

// Validator checks a destination's address space before a direct switch.
type Validator interface {
	IsValidRoot(vs VSpace) bool
	HasValidASID(vs VSpace) bool
}

// Transfer copies message registers between threads. It must not touch
// scheduling state.
type Transfer interface {
	CopyMRs(length int, from, to *TCB)
}

type mapResolver struct{}

func (mapResolver) Resolve(cs *CSpace, cptr CPtr) (Cap, error) {
	if cs == nil {
		return Cap{}, ErrLookupFailed
	}
	c, ok := cs.Lookup(cptr)
	if !ok {
		return Cap{}, ErrLookupFailed
	}
	return c, nil
}

type vspaceValidator struct{}

func (vspaceValidator) IsValidRoot(vs VSpace) bool { return vs.Valid }
func (vspaceValidator) HasValidASID(vs VSpace) bool { return vs.ASIDValid }

type registerTransfer struct{}

func (registerTransfer) CopyMRs(length int, from, to *TCB) {
	copy(to.mrs[:length], from.mrs[:length])
}
