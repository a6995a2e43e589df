// Package trap implements C11, the trap plumbing of spec.md §4.11:
// the usertrap/kerneltrap dispatch points, timer-driven preemption,
// and COW page-fault resolution on load/store faults.
//
// Real usertrap/kerneltrap are entered by hardware trapping into a
// fixed vector; this rewrite has no such vector (package proc's
// goroutine-per-process model is the entire "hart"), so Dispatch here
// plays the role usertrap's ecall branch plays: a process's entry
// closure calls it directly to make a system call, the same way a
// user binary's `ecall` instruction would raise scause==8. Built
// fresh, informed by original_source/riscv-os5/kernel/trap/trap.c for
// the exact sequencing (advance epc, enable interrupts, dispatch,
// kill-check, usertrapret).
package trap

import (
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/proc"
	"github.com/Jiadong-W/riscv-os/vm"
)

// Syscaller is the interface package syscall's dispatch table
// satisfies, kept here (rather than importing package syscall
// directly) so that trap depends only on this one method; syscall
// resolves COW faults on argument pointers through package vm itself.
type Syscaller interface {
	Dispatch(p *proc.Proc, num int, args [6]uint64) (int64, error)
}

// Trap bundles the process table and timer state Dispatch and
// TimerTick need.
type Trap struct {
	Procs *proc.Table
	Calls Syscaller
}

// New returns a Trap bound to procs/calls.
func New(procs *proc.Table, calls Syscaller) *Trap {
	return &Trap{Procs: procs, Calls: calls}
}

// Dispatch plays usertrap's ecall branch: run the numbered system call
// with args taken from where a0..a5 would be, then, if the process was
// killed during the call (by another process via kill), exit it with
// status -1 instead of returning to user code. The exit system call
// itself never returns here: sysExit panics with ExitSignal.
func (t *Trap) Dispatch(slot int, num int, args [6]uint64) int64 {
	p := t.Procs.Get(slot)
	ret, err := t.Calls.Dispatch(p, num, args)
	if err != nil {
		ret = -1
	}
	if p.Killed {
		t.Procs.Exit(slot, -1)
		panic(proc.ExitSignal{})
	}
	if t.Procs.ConsumeYieldRequest(slot) {
		t.Procs.Yield()
	}
	return ret
}

// TimerTick plays the timer IRQ handler: bump the shared tick count
// and, if a process is currently running, request that it yield once
// control returns to it — callers invoke this from whatever drives
// wall-clock time in the host (a ticker goroutine in cmd/kernel).
func (t *Trap) TimerTick() {
	t.Procs.Tick()
	t.Procs.RequestYield()
}

// PageFault plays the load/store-page-fault branch of usertrap: if
// faultva is a COW page, resolve it and let the process resume;
// otherwise kill the process, matching spec.md's "failure kills the
// process."
func (t *Trap) PageFault(slot int, faultva uint64) bool {
	p := t.Procs.Get(slot)
	if err := vm.CowResolve(p.AS, faultva); err != nil {
		p.Killed = true
		return false
	}
	return true
}

// InstructionFault plays the instruction-page-fault branch: always
// fatal to the process, never to the kernel (scause==12 in spec.md's
// usertrap).
func (t *Trap) InstructionFault(slot int) {
	t.Procs.Get(slot).Killed = true
}

var _ lock.Waiter_i = (*proc.Table)(nil)
