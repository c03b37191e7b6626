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
	"sync"
	"time"

	"mcs"
)

// NoDeadline is programmed when nothing needs a timer interrupt.
const NoDeadline = ^mcs.Ticks(0)

// Clock is a per-core monotonic timer.
type Clock interface {
	Now() mcs.Ticks
	SetDeadline(mcs.Ticks)
}

// ManualClock only moves when told to. It is what tests and the scenario
// runner use.
type ManualClock struct {
	mu       sync.Mutex
	now      mcs.Ticks
	deadline mcs.Ticks
}

func NewManualClock(start mcs.Ticks) *ManualClock {
	return &ManualClock{now: start, deadline: NoDeadline}
}

func (c *ManualClock) Now() mcs.Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) SetDeadline(t mcs.Ticks) {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
}

// Deadline returns the last programmed deadline.
func (c *ManualClock) Deadline() mcs.Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Advance moves time forward by d ticks.
func (c *ManualClock) Advance(d mcs.Ticks) mcs.Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

// Set moves time to t. Going backwards is ignored.
func (c *ManualClock) Set(t mcs.Ticks) {
	c.mu.Lock()
	if t > c.now {
		c.now = t
	}
	c.mu.Unlock()
}

// WallClock counts ticks of a fixed duration since it was created.
type WallClock struct {
	start    time.Time
	tick     time.Duration
	mu       sync.Mutex
	deadline mcs.Ticks
}

func NewWallClock(tick time.Duration) *WallClock {
	if tick <= 0 {
		tick = time.Microsecond
	}
	return &WallClock{start: time.Now(), tick: tick, deadline: NoDeadline}
}

func (c *WallClock) Now() mcs.Ticks {
	return mcs.Ticks(time.Since(c.start) / c.tick)
}

func (c *WallClock) SetDeadline(t mcs.Ticks) {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
}

func (c *WallClock) Deadline() mcs.Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Until returns how long until the programmed deadline, or false when there
// is none.
func (c *WallClock) Until() (time.Duration, bool) {
	d := c.Deadline()
	if d == NoDeadline {
		return 0, false
	}
	now := c.Now()
	if d <= now {
		return 0, true
	}
	return time.Duration(d-now) * c.tick, true
}
