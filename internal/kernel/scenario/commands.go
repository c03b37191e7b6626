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
	"strings"

	"mcs"
	"mcs/internal/kernel/core"
)

type handler func(r *Runner, cmd Command) error

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		// objects
		"thread":       (*Runner).cmdThread,
		"sc":           (*Runner).cmdSC,
		"endpoint":     (*Runner).cmdEndpoint,
		"notification": (*Runner).cmdNotification,
		"reply":        (*Runner).cmdReply,
		"cap":          (*Runner).cmdCap,
		"bind":         (*Runner).cmdBind,
		"unbind":       (*Runner).cmdUnbind,
		"bindntfn":     (*Runner).cmdBindNtfn,
		"unbindntfn":   (*Runner).cmdUnbindNtfn,
		"irqhandler":   (*Runner).cmdIRQHandler,
		"irqstate":     (*Runner).cmdIRQState,
		"configure":    (*Runner).cmdConfigure,
		"resume":       (*Runner).cmdResume,
		"suspend":      (*Runner).cmdSuspend,
		"prio":         (*Runner).cmdPrio,
		"delete":       (*Runner).cmdDelete,
		"vspace":       (*Runner).cmdVSpace,
		// time
		"advance": (*Runner).cmdAdvance,
		"timer":   (*Runner).cmdTimer,
		// system calls
		"call":      (*Runner).cmdCall,
		"send":      (*Runner).cmdSend,
		"recv":      (*Runner).cmdRecv,
		"replyrecv": (*Runner).cmdReplyRecv,
		"signal":    (*Runner).cmdSignal,
		"wait":      (*Runner).cmdWait,
		"yield":     (*Runner).cmdYield,
		"fault":     (*Runner).cmdFault,
		"irq":       (*Runner).cmdIRQ,
		"ack":       (*Runner).cmdAck,
		// checks
		"check":      (*Runner).cmdCheck,
		"checkpoint": (*Runner).cmdCheckpoint,
		"expect":     (*Runner).cmdExpect,
	}
}

// ---- objects ----

// thread <name> prio=N [domain=D] [core=C]
func (r *Runner) cmdThread(cmd Command) error {
	name, err := cmd.arg(0)
	if err != nil {
		return err
	}
	prio, err := cmd.uintKV("prio", 0)
	if err != nil {
		return err
	}
	if prio >= core.NumPriorities {
		return fmt.Errorf("%s: prio %d out of range: %w", cmd, prio, ErrSyntax)
	}
	dom, err := cmd.intKV("domain", 0)
	if err != nil {
		return err
	}
	c, err := cmd.intKV("core", 0)
	if err != nil {
		return err
	}
	_, err = r.k.NewThread(name, uint8(prio), dom, c)
	return err
}

// sc <name> budget=B period=P [refills=N] [bits=S]
func (r *Runner) cmdSC(cmd Command) error {
	name, err := cmd.arg(0)
	if err != nil {
		return err
	}
	bits, err := cmd.uintKV("bits", 0)
	if err != nil {
		return err
	}
	sc, err := r.k.NewSchedContext(name, uint(bits))
	if err != nil {
		return err
	}
	if _, ok := cmd.KV["budget"]; !ok {
		return nil
	}
	return r.configure(cmd, sc)
}

// configure <sc> budget=B period=P [refills=N]
func (r *Runner) cmdConfigure(cmd Command) error {
	sc, err := r.schedContext(cmd, 0)
	if err != nil {
		return err
	}
	return r.configure(cmd, sc)
}

func (r *Runner) configure(cmd Command, sc *core.SchedContext) error {
	budget, err := cmd.uintKV("budget", 0)
	if err != nil {
		return err
	}
	period, err := cmd.uintKV("period", budget)
	if err != nil {
		return err
	}
	refills, err := cmd.intKV("refills", mcs.MinRefills)
	if err != nil {
		return err
	}
	return r.k.ConfigureSC(sc, mcs.Ticks(budget), mcs.Ticks(period), refills)
}

func (r *Runner) cmdEndpoint(cmd Command) error {
	name, err := cmd.arg(0)
	if err != nil {
		return err
	}
	_, err = r.k.NewEndpoint(name)
	return err
}

func (r *Runner) cmdNotification(cmd Command) error {
	name, err := cmd.arg(0)
	if err != nil {
		return err
	}
	_, err = r.k.NewNotification(name)
	return err
}

func (r *Runner) cmdReply(cmd Command) error {
	name, err := cmd.arg(0)
	if err != nil {
		return err
	}
	_, err = r.k.NewReply(name)
	return err
}

// cap <thread> <slot> <object> [rights=srgG] [badge=N]
func (r *Runner) cmdCap(cmd Command) error {
	t, err := r.thread(cmd, 0)
	if err != nil {
		return err
	}
	slot, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	obj, err := cmd.arg(2)
	if err != nil {
		return err
	}
	rights := core.RightsAll
	if s, ok := cmd.KV["rights"]; ok {
		if rights, err = parseRights(cmd, s); err != nil {
			return err
		}
	}
	badge, err := cmd.uintKV("badge", 0)
	if err != nil {
		return err
	}
	var c core.Cap
	if ep, err := r.k.Endpoint(obj); err == nil {
		c = core.EndpointCap(ep, rights, badge)
	} else if nt, err := r.k.Notification(obj); err == nil {
		c = core.NotificationCap(nt, rights, badge)
	} else if rp, err := r.k.Reply(obj); err == nil {
		c = core.ReplyCap(rp, rights)
	} else {
		return fmt.Errorf("%s: %q: %w", cmd, obj, core.ErrUnknownObject)
	}
	return r.k.InsertCap(t, core.CPtr(slot), c)
}

// parseRights reads the letters s (send), r (recv), g (grant) and G
// (grant-reply). "-" means none.
func parseRights(cmd Command, s string) (core.Rights, error) {
	var rights core.Rights
	for _, c := range s {
		switch c {
		case 's':
			rights |= core.RightSend
		case 'r':
			rights |= core.RightRecv
		case 'g':
			rights |= core.RightGrant
		case 'G':
			rights |= core.RightGrantReply
		case '-':
		default:
			return 0, fmt.Errorf("%s: rights %q: %w", cmd, s, ErrSyntax)
		}
	}
	return rights, nil
}

// bind <sc> <thread>
func (r *Runner) cmdBind(cmd Command) error {
	sc, err := r.schedContext(cmd, 0)
	if err != nil {
		return err
	}
	t, err := r.thread(cmd, 1)
	if err != nil {
		return err
	}
	return r.k.BindSC(sc, t)
}

// unbind <sc>
func (r *Runner) cmdUnbind(cmd Command) error {
	sc, err := r.schedContext(cmd, 0)
	if err != nil {
		return err
	}
	return r.k.UnbindSC(sc)
}

// bindntfn <thread> <notification>
func (r *Runner) cmdBindNtfn(cmd Command) error {
	t, err := r.thread(cmd, 0)
	if err != nil {
		return err
	}
	name, err := cmd.arg(1)
	if err != nil {
		return err
	}
	nt, err := r.k.Notification(name)
	if err != nil {
		return err
	}
	return r.k.BindNotification(t, nt)
}

func (r *Runner) cmdUnbindNtfn(cmd Command) error {
	t, err := r.thread(cmd, 0)
	if err != nil {
		return err
	}
	return r.k.UnbindNotification(t)
}

// irqhandler <irq> <notification> [badge=N]
func (r *Runner) cmdIRQHandler(cmd Command) error {
	irq, err := cmd.intArg(0)
	if err != nil {
		return err
	}
	name, err := cmd.arg(1)
	if err != nil {
		return err
	}
	nt, err := r.k.Notification(name)
	if err != nil {
		return err
	}
	badge, err := cmd.uintKV("badge", 0)
	if err != nil {
		return err
	}
	return r.k.SetIRQHandler(irq, core.NotificationCap(nt, core.RightSend, badge))
}

// irqstate <irq> inactive|timer|reserved
func (r *Runner) cmdIRQState(cmd Command) error {
	irq, err := cmd.intArg(0)
	if err != nil {
		return err
	}
	s, err := cmd.arg(1)
	if err != nil {
		return err
	}
	var st core.IRQState
	switch s {
	case "inactive":
		st = core.IRQInactive
	case "timer":
		st = core.IRQTimer
	case "reserved":
		st = core.IRQReserved
	default:
		return fmt.Errorf("%s: irq state %q: %w", cmd, s, ErrSyntax)
	}
	return r.k.SetIRQState(irq, st)
}

func (r *Runner) cmdResume(cmd Command) error {
	t, err := r.thread(cmd, 0)
	if err != nil {
		return err
	}
	return r.k.Resume(t)
}

func (r *Runner) cmdSuspend(cmd Command) error {
	t, err := r.thread(cmd, 0)
	if err != nil {
		return err
	}
	return r.k.Suspend(t)
}

// prio <thread> <prio>
func (r *Runner) cmdPrio(cmd Command) error {
	t, err := r.thread(cmd, 0)
	if err != nil {
		return err
	}
	p, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	if p >= core.NumPriorities {
		return fmt.Errorf("%s: prio %d out of range: %w", cmd, p, ErrSyntax)
	}
	return r.k.SetPriority(t, uint8(p))
}

// delete <object>
func (r *Runner) cmdDelete(cmd Command) error {
	name, err := cmd.arg(0)
	if err != nil {
		return err
	}
	if t, err := r.k.Thread(name); err == nil {
		return r.k.DeleteThread(t)
	}
	if sc, err := r.k.SchedContext(name); err == nil {
		return r.k.DeleteSC(sc)
	}
	if rp, err := r.k.Reply(name); err == nil {
		return r.k.DeleteReply(rp)
	}
	if ep, err := r.k.Endpoint(name); err == nil {
		return r.k.DeleteEndpoint(ep)
	}
	if nt, err := r.k.Notification(name); err == nil {
		return r.k.DeleteNotification(nt)
	}
	return fmt.Errorf("%s: %q: %w", cmd, name, core.ErrUnknownObject)
}

// vspace <thread> [valid=bool] [asid=bool]
func (r *Runner) cmdVSpace(cmd Command) error {
	t, err := r.thread(cmd, 0)
	if err != nil {
		return err
	}
	r.k.Lock()
	defer r.k.Unlock()
	vs := t.VSpace()
	vs.Valid = cmd.KV["valid"] != "false"
	vs.ASIDValid = cmd.KV["asid"] != "false"
	t.SetVSpace(vs)
	return nil
}

// ---- time ----

// advance <ticks> [core=C]; without core every clock moves.
func (r *Runner) cmdAdvance(cmd Command) error {
	d, err := cmd.uintArg(0)
	if err != nil {
		return err
	}
	if s, ok := cmd.KV["core"]; ok {
		c, err := parseUint(cmd, s)
		if err != nil || int(c) >= len(r.clocks) {
			return fmt.Errorf("%s: core %s: %w", cmd, s, core.ErrInvalidCore)
		}
		r.clocks[c].Advance(mcs.Ticks(d))
		return nil
	}
	for _, c := range r.clocks {
		c.Advance(mcs.Ticks(d))
	}
	return nil
}

// timer [core=C]
func (r *Runner) cmdTimer(cmd Command) error {
	c, err := cmd.intKV("core", 0)
	if err != nil {
		return err
	}
	return r.syscall(cmd, r.k.HandleTimer(c))
}

// ---- system calls ----

// call <thread> <cptr> [len=N] [label=L] [mrs=a,b]
func (r *Runner) cmdCall(cmd Command) error {
	t, c, err := r.actor(cmd)
	if err != nil {
		return err
	}
	cptr, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	info, err := r.message(cmd, t)
	if err != nil {
		return err
	}
	if r.fp != nil {
		return r.syscall(cmd, r.fp.Call(c, core.CPtr(cptr), info))
	}
	return r.syscall(cmd, r.k.Call(c, core.CPtr(cptr), info))
}

func (r *Runner) cmdSend(cmd Command) error {
	t, c, err := r.actor(cmd)
	if err != nil {
		return err
	}
	cptr, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	info, err := r.message(cmd, t)
	if err != nil {
		return err
	}
	return r.syscall(cmd, r.k.Send(c, core.CPtr(cptr), info))
}

// recv <thread> <ep cptr> [reply cptr]
func (r *Runner) cmdRecv(cmd Command) error {
	_, c, err := r.actor(cmd)
	if err != nil {
		return err
	}
	ep, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	var reply uint64
	if len(cmd.Args) > 2 {
		if reply, err = cmd.uintArg(2); err != nil {
			return err
		}
	}
	return r.syscall(cmd, r.k.Recv(c, core.CPtr(ep), core.CPtr(reply)))
}

// replyrecv <thread> <ep cptr> <reply cptr> [len=N] [label=L] [mrs=a,b]
func (r *Runner) cmdReplyRecv(cmd Command) error {
	t, c, err := r.actor(cmd)
	if err != nil {
		return err
	}
	ep, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	reply, err := cmd.uintArg(2)
	if err != nil {
		return err
	}
	info, err := r.message(cmd, t)
	if err != nil {
		return err
	}
	if r.fp != nil {
		return r.syscall(cmd, r.fp.ReplyRecv(c, core.CPtr(ep), core.CPtr(reply), info))
	}
	return r.syscall(cmd, r.k.ReplyRecv(c, core.CPtr(ep), core.CPtr(reply), info))
}

func (r *Runner) cmdSignal(cmd Command) error {
	_, c, err := r.actor(cmd)
	if err != nil {
		return err
	}
	cptr, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	if r.fp != nil {
		return r.syscall(cmd, r.fp.Signal(c, core.CPtr(cptr)))
	}
	return r.syscall(cmd, r.k.Signal(c, core.CPtr(cptr)))
}

func (r *Runner) cmdWait(cmd Command) error {
	_, c, err := r.actor(cmd)
	if err != nil {
		return err
	}
	cptr, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	return r.syscall(cmd, r.k.Wait(c, core.CPtr(cptr)))
}

func (r *Runner) cmdYield(cmd Command) error {
	_, c, err := r.actor(cmd)
	if err != nil {
		return err
	}
	return r.syscall(cmd, r.k.Yield(c))
}

// fault <thread> <handler cptr> [type=cap|unknown-syscall|user-exception|timeout] [data=a,b]
func (r *Runner) cmdFault(cmd Command) error {
	_, c, err := r.actor(cmd)
	if err != nil {
		return err
	}
	handler, err := cmd.uintArg(1)
	if err != nil {
		return err
	}
	f := core.Fault{Type: core.FaultUserException}
	if s, ok := cmd.KV["type"]; ok {
		if f.Type, err = parseFault(cmd, s); err != nil {
			return err
		}
	}
	if s, ok := cmd.KV["data"]; ok {
		for i, p := range strings.SplitN(s, ",", 2) {
			if f.Data[i], err = parseUint(cmd, p); err != nil {
				return err
			}
		}
	}
	return r.syscall(cmd, r.k.RaiseFault(c, f, core.CPtr(handler)))
}

func parseFault(cmd Command, s string) (core.FaultType, error) {
	for ft := core.FaultCap; ft <= core.FaultTimeout; ft++ {
		if ft.String() == s {
			return ft, nil
		}
	}
	return 0, fmt.Errorf("%s: fault type %q: %w", cmd, s, ErrSyntax)
}

// irq <irq> [core=C]
func (r *Runner) cmdIRQ(cmd Command) error {
	irq, err := cmd.intArg(0)
	if err != nil {
		return err
	}
	c, err := cmd.intKV("core", 0)
	if err != nil {
		return err
	}
	if r.fp != nil {
		return r.syscall(cmd, r.fp.IRQ(c, irq))
	}
	return r.syscall(cmd, r.k.HandleIRQ(c, irq))
}

func (r *Runner) cmdAck(cmd Command) error {
	irq, err := cmd.intArg(0)
	if err != nil {
		return err
	}
	return r.k.AckIRQ(irq)
}

// ---- checks ----

func (r *Runner) cmdCheck(cmd Command) error {
	if err := r.k.CheckInvariants(); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

// checkpoint <label>
func (r *Runner) cmdCheckpoint(cmd Command) error {
	if r.cp == nil {
		return nil
	}
	label, _ := cmd.arg(0)
	_, err := r.cp.Append(r.s.Name+"/"+label, r.k.Snapshot())
	return err
}
