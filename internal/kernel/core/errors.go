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
	"errors"
	"fmt"
)

var (
	ErrLookupFailed      = errors.New("capability lookup failed")
	ErrInvalidCapability = errors.New("invalid capability")
	ErrMissingRight      = errors.New("capability lacks required right")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrIllegalOperation  = errors.New("illegal operation")

	// ErrRestarted is returned when the caller's budget ran out on entry.
	// The thread is left in the Restart state and has to issue the call
	// again once it is scheduled.
	ErrRestarted = errors.New("budget exhausted on entry, call restarted")

	ErrDuplicateName = errors.New("object name already in use")
	ErrUnknownObject = errors.New("unknown object")
	ErrAlreadyBound  = errors.New("already bound")
	ErrNotBound      = errors.New("not bound")
	ErrInvalidCore   = errors.New("core out of range")
)

// SyscallError is what a failed system call reports back to its thread.
type SyscallError struct {
	Op   string
	CPtr CPtr
	Err  error
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("%s cptr=%d: %v", e.Op, e.CPtr, e.Err)
}

func (e *SyscallError) Unwrap() error { return e.Err }

func syscallErr(op string, cptr CPtr, err error) *SyscallError {
	return &SyscallError{Op: op, CPtr: cptr, Err: err}
}

// InvariantError is raised (as a panic) when kernel state is found in a
// shape that no sequence of valid operations can produce.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "kernel invariant violated: " + e.Msg }
