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
	"fmt"

	"go.uber.org/zap"
)

type IRQState uint8

const (
	IRQInactive IRQState = iota
	IRQSignal
	IRQTimer
	IRQReserved
)

func (s IRQState) String() string {
	switch s {
	case IRQSignal:
		return "signal"
	case IRQTimer:
		return "timer"
	case IRQReserved:
		return "reserved"
	}
	return "inactive"
}

type irqSlot struct {
	state  IRQState
	cap    Cap
	masked bool
	count  uint64
}

// IRQ describes one interrupt line.
type IRQ struct {
	State  IRQState
	Cap    Cap
	Masked bool
	Count  uint64
}

// IRQ returns line irq. The caller must hold the lock.
func (k *Kernel) IRQ(irq int) (IRQ, bool) {
	if irq < 0 || irq >= len(k.irqs) {
		return IRQ{}, false
	}
	s := k.irqs[irq]
	return IRQ{State: s.state, Cap: s.cap, Masked: s.masked, Count: s.count}, true
}

// MaskIRQ masks or unmasks a line. The caller must hold the lock.
func (k *Kernel) MaskIRQ(irq int, masked bool) {
	if irq >= 0 && irq < len(k.irqs) {
		k.irqs[irq].masked = masked
	}
}

// CountIRQ records a delivery on irq. The caller must hold the lock.
func (k *Kernel) CountIRQ(irq int) {
	if irq >= 0 && irq < len(k.irqs) {
		k.irqs[irq].count++
	}
}

// SetIRQHandler routes irq to the notification behind c.
func (k *Kernel) SetIRQHandler(irq int, c Cap) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if irq < 0 || irq >= len(k.irqs) {
		return fmt.Errorf("irq %d: %w", irq, ErrInvalidArgument)
	}
	if c.Type != CapNotification {
		return fmt.Errorf("irq %d handler %s: %w", irq, c.Type, ErrInvalidCapability)
	}
	k.irqs[irq] = irqSlot{state: IRQSignal, cap: c}
	return nil
}

// SetIRQState marks a line as the timer, reserved or inactive.
func (k *Kernel) SetIRQState(irq int, st IRQState) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if irq < 0 || irq >= len(k.irqs) {
		return fmt.Errorf("irq %d: %w", irq, ErrInvalidArgument)
	}
	k.irqs[irq] = irqSlot{state: st}
	return nil
}

// AckIRQ unmasks a line after its handler has dealt with it.
func (k *Kernel) AckIRQ(irq int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if irq < 0 || irq >= len(k.irqs) {
		return fmt.Errorf("irq %d: %w", irq, ErrInvalidArgument)
	}
	k.irqs[irq].masked = false
	return nil
}

// handleInterrupt delivers irq. Every line is masked once delivered until
// its handler acknowledges it.
func (k *Kernel) handleInterrupt(n *Node, irq int) {
	if irq < 0 || irq >= len(k.irqs) {
		k.log.Warn("spurious interrupt", zap.Int("irq", irq))
		return
	}
	slot := &k.irqs[irq]
	if slot.masked {
		k.log.Debug("masked interrupt", zap.Int("irq", irq))
		return
	}
	switch slot.state {
	case IRQSignal:
		c := slot.cap
		if c.Type == CapNotification && c.Rights.Has(RightSend) {
			slot.count++
			k.sendSignal(n, c.Notification, c.Badge)
		} else {
			k.log.Warn("undelivered interrupt", zap.Int("irq", irq))
		}
		slot.masked = true
	case IRQTimer:
		n.reprogram = true
	case IRQReserved:
		k.log.Debug("reserved interrupt", zap.Int("irq", irq))
	default:
		k.log.Warn("interrupt on inactive line", zap.Int("irq", irq))
		slot.masked = true
	}
}
