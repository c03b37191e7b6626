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

// SchedContext is a scheduling context as the kernel sees it: a refill queue
// plus the thread it is bound to and the top of its call stack.
type SchedContext struct {
	mcs.SchedContext

	Name  string
	tcb   *TCB
	reply *Reply
	core  int
}

// Thread returns the thread currently running on this context.
func (sc *SchedContext) Thread() *TCB { return sc.tcb }

// Reply returns the most recent call made on this context, if any.
func (sc *SchedContext) Reply() *Reply { return sc.reply }

func (sc *SchedContext) Core() int { return sc.core }

func (sc *SchedContext) name() string {
	if sc == nil {
		return ""
	}
	return sc.Name
}
