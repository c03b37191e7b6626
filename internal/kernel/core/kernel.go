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

// Package core models the kernel objects of a mixed-criticality
// microkernel (threads, endpoints, notifications, reply objects and
// scheduling contexts) together with the sporadic-server scheduler and the
// general implementation of every system call.
//
// All mutation happens under one big kernel lock. Exported methods that
// take a *Node document whether they expect the caller to hold it.
package core

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mcs"
)

const (
	defaultKernelWCET mcs.Ticks = 2
	defaultMaxIRQ               = 63
	defaultSCSizeBits           = 8
)

// Options configures a Kernel. The zero value is a usable single-core,
// single-domain kernel with manual clocks.
type Options struct {
	Cores      int
	Domains    int
	KernelWCET mcs.Ticks
	// SCSizeBits sizes the storage of scheduling contexts created without an
	// explicit size.
	SCSizeBits uint
	MaxIRQ     int
	// Clocks supplies one clock per core. Missing entries get a ManualClock.
	Clocks    []Clock
	Resolver  Resolver
	Validator Validator
	Transfer  Transfer
	Logger    *zap.Logger
	Tracer    Tracer
}

func (o *Options) defaults() {
	if o.Cores <= 0 {
		o.Cores = 1
	}
	if o.Domains <= 0 {
		o.Domains = 1
	}
	if o.KernelWCET == 0 {
		o.KernelWCET = defaultKernelWCET
	}
	if o.SCSizeBits == 0 {
		o.SCSizeBits = defaultSCSizeBits
	}
	if o.MaxIRQ <= 0 {
		o.MaxIRQ = defaultMaxIRQ
	}
	for len(o.Clocks) < o.Cores {
		o.Clocks = append(o.Clocks, NewManualClock(0))
	}
	if o.Resolver == nil {
		o.Resolver = mapResolver{}
	}
	if o.Validator == nil {
		o.Validator = vspaceValidator{}
	}
	if o.Transfer == nil {
		o.Transfer = registerTransfer{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = nopTracer{}
	}
}

// Kernel holds every object and the per-core scheduler state.
type Kernel struct {
	mu     sync.Mutex
	opts   Options
	log    *zap.Logger
	tracer Tracer
	nodes  []*Node
	irqs   []irqSlot

	names         map[string]any
	threads       []*TCB
	endpoints     []*Endpoint
	notifications []*Notification
	replies       []*Reply
	scs           []*SchedContext
	nextASID      uint16
}

func NewKernel(opts Options) *Kernel {
	opts.defaults()
	k := &Kernel{
		opts:   opts,
		log:    opts.Logger,
		tracer: opts.Tracer,
		irqs:   make([]irqSlot, opts.MaxIRQ+1),
		names:  make(map[string]any),
	}
	for i := 0; i < opts.Cores; i++ {
		k.nodes = append(k.nodes, newNode(k, i, opts.Clocks[i], opts.Domains))
	}
	return k
}

// Lock takes the big kernel lock.
func (k *Kernel) Lock() { k.mu.Lock() }

// Unlock releases the big kernel lock.
func (k *Kernel) Unlock() { k.mu.Unlock() }

func (k *Kernel) Cores() int { return len(k.nodes) }
func (k *Kernel) KernelWCET() mcs.Ticks { return k.opts.KernelWCET }
func (k *Kernel) Logger() *zap.Logger { return k.log }
func (k *Kernel) Validator() Validator { return k.opts.Validator }
func (k *Kernel) MaxIRQ() int { return k.opts.MaxIRQ }

// Node returns the scheduler state of core i.
func (k *Kernel) Node(i int) *Node {
	if i < 0 || i >= len(k.nodes) {
		return nil
	}
	return k.nodes[i]
}

func (k *Kernel) node(core int) (*Node, error) {
	if core < 0 || core >= len(k.nodes) {
		return nil, fmt.Errorf("core %d: %w", core, ErrInvalidCore)
	}
	return k.nodes[core], nil
}

// Enter starts a kernel entry on core: the time since the last entry is
// added to the core's consumed counter. The caller must hold the lock.
func (k *Kernel) Enter(core int) *Node {
	n := k.nodes[core]
	n.updateTimestamp()
	return n
}

// Lookup resolves cptr in t's capability space.
func (k *Kernel) Lookup(t *TCB, cptr CPtr) (Cap, error) {
	return k.opts.Resolver.Resolve(t.cspace, cptr)
}

// Trace forwards an event to the configured tracer. The caller must hold
// the lock.
func (k *Kernel) Trace(e Event) { k.trace(e) }

func (k *Kernel) trace(e Event) { k.tracer.Trace(e) }

// fail logs and panics with an *InvariantError.
func (k *Kernel) fail(msg string, fields ...zap.Field) {
	k.log.Error(msg, fields...)
	panic(&InvariantError{Msg: msg})
}

// ---- registry ----

func (k *Kernel) register(name string, obj any) error {
	if name == "" {
		return fmt.Errorf("empty object name: %w", ErrInvalidArgument)
	}
	if _, ok := k.names[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrDuplicateName)
	}
	k.names[name] = obj
	return nil
}

func lookupName[T any](k *Kernel, name string) (T, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	obj, ok := k.names[name].(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%q: %w", name, ErrUnknownObject)
	}
	return obj, nil
}

func (k *Kernel) Thread(name string) (*TCB, error) { return lookupName[*TCB](k, name) }
func (k *Kernel) Endpoint(name string) (*Endpoint, error) {
	return lookupName[*Endpoint](k, name)
}
func (k *Kernel) Notification(name string) (*Notification, error) {
	return lookupName[*Notification](k, name)
}
func (k *Kernel) Reply(name string) (*Reply, error) { return lookupName[*Reply](k, name) }
func (k *Kernel) SchedContext(name string) (*SchedContext, error) {
	return lookupName[*SchedContext](k, name)
}

// SchedContexts returns every registered scheduling context.
func (k *Kernel) SchedContexts() []*SchedContext {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*SchedContext(nil), k.scs...)
}

func removeObj[T comparable](s []T, v T) []T {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// revokeCaps drops capabilities to obj from every thread.
func (k *Kernel) revokeCaps(obj any) {
	for _, t := range k.threads {
		t.cspace.revoke(obj)
	}
	for i := range k.irqs {
		if k.irqs[i].cap.object() == obj {
			k.irqs[i] = irqSlot{}
		}
	}
}
