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

package scenario

import (
	"fmt"
	"strconv"
	"strings"

	"mcs"
	"mcs/internal/kernel/core"
)

// cmdExpect checks one property of the kernel state:
//
//	expect ok                        last system call succeeded
//	expect error <text>              last system call failed mentioning text
//	expect current <thread> [core=C]
//	expect idle [core=C]
//	expect state <thread> <state>
//	expect sc <thread> <sc|none>
//	expect badge <thread> <n>
//	expect label <thread> <n>
//	expect mr <thread> <i> <v>
//	expect ready <thread> | expect released <thread>
//	expect consumed <sc> <ticks>
//	expect refills <sc> <time>:<amount>...
//	expect stack <sc> <reply>...     call stack from the top down
//	expect pending <notification> <badge>
//	expect fastpath commits=N bails=N
func (r *Runner) cmdExpect(cmd Command) error {
	what, err := cmd.arg(0)
	if err != nil {
		return err
	}
	sub := cmd
	sub.Args = cmd.Args[1:]

	var got, want string
	switch what {
	case "ok":
		if r.lastErr != nil {
			got, want = r.lastErr.Error(), "no error"
		}
	case "error":
		text := strings.Join(sub.Args, " ")
		if r.lastErr == nil || !strings.Contains(r.lastErr.Error(), text) {
			got, want = fmt.Sprint(r.lastErr), "error containing "+strconv.Quote(text)
		}
	case "current", "idle":
		c, err := cmd.intKV("core", 0)
		if err != nil {
			return err
		}
		n := r.k.Node(c)
		if n == nil {
			return fmt.Errorf("%s: core %d: %w", cmd, c, core.ErrInvalidCore)
		}
		r.k.Lock()
		got = n.CurThread().Name
		r.k.Unlock()
		if what == "idle" {
			want = n.Idle().Name
		} else if want, err = sub.arg(0); err != nil {
			return err
		}
	case "state", "sc", "badge", "label", "mr", "ready", "released":
		t, err := r.thread(sub, 0)
		if err != nil {
			return err
		}
		r.k.Lock()
		got, want, err = expectThread(sub, what, t)
		r.k.Unlock()
		if err != nil {
			return err
		}
	case "consumed", "refills", "stack":
		sc, err := r.schedContext(sub, 0)
		if err != nil {
			return err
		}
		r.k.Lock()
		got, want = expectSC(sub, what, sc)
		r.k.Unlock()
	case "pending":
		name, err := sub.arg(0)
		if err != nil {
			return err
		}
		nt, err := r.k.Notification(name)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		if want, err = sub.arg(1); err != nil {
			return err
		}
		r.k.Lock()
		got = strconv.FormatUint(nt.Pending(), 10)
		r.k.Unlock()
	case "fastpath":
		if r.fp == nil {
			return nil
		}
		commits, bails := totals(r.fp.Stats())
		got = fmt.Sprintf("commits=%d bails=%d", commits, bails)
		want = fmt.Sprintf("commits=%s bails=%s", cmd.KV["commits"], cmd.KV["bails"])
	default:
		return fmt.Errorf("%s: unknown expectation %q: %w", cmd, what, ErrSyntax)
	}
	return r.mismatch(cmd, got, want)
}

func (r *Runner) mismatch(cmd Command, got, want string) error {
	if got == want {
		return nil
	}
	return fmt.Errorf("%s: got %s, want %s: %w", cmd, got, want, ErrExpect)
}

func expectThread(cmd Command, what string, t *core.TCB) (got, want string, err error) {
	want = strings.Join(cmd.Args[1:], " ")
	switch what {
	case "state":
		got = t.State().Type.String()
	case "sc":
		got = "none"
		if sc := t.SC(); sc != nil {
			got = sc.Name
		}
	case "badge":
		got = strconv.FormatUint(t.Badge(), 10)
	case "label":
		got = strconv.FormatUint(t.MsgInfo().Label, 10)
	case "mr":
		i, err := cmd.intArg(1)
		if err != nil || i >= core.MaxMessageRegisters {
			return "", "", fmt.Errorf("%s: register index: %w", cmd, ErrSyntax)
		}
		got = strconv.FormatUint(t.MR(i), 10)
		want, err = cmd.arg(2)
		if err != nil {
			return "", "", err
		}
	case "ready":
		got, want = strconv.FormatBool(t.InReadyQueue()), "true"
	case "released":
		got, want = strconv.FormatBool(t.InReleaseQueue()), "true"
	}
	return got, want, nil
}

func expectSC(cmd Command, what string, sc *core.SchedContext) (got, want string) {
	want = strings.Join(cmd.Args[1:], " ")
	switch what {
	case "consumed":
		got = strconv.FormatUint(uint64(sc.Consumed()), 10)
	case "refills":
		got = formatRefills(sc.Refills())
	case "stack":
		var names []string
		for rp := sc.Reply(); rp != nil; rp = rp.Prev().Reply {
			names = append(names, rp.Name)
		}
		got = strings.Join(names, " ")
	}
	return got, want
}

func formatRefills(rs []mcs.Refill) string {
	parts := make([]string, len(rs))
	for i, rf := range rs {
		parts[i] = fmt.Sprintf("%d:%d", rf.Time, rf.Amount)
	}
	return strings.Join(parts, " ")
}
