// Package proc implements C9, the process table and scheduler of
// spec.md §4.9, built fresh (the teacher's own proc/ directory is
// empty — biscuit's process table lives behind the patched runtime's
// goroutine scheduler itself, not in ordinary Go source). The state
// machine (alloc_process/userinit/fork_process/exit_process/
// wait_process, sleep/wakeup, round-robin scheduling) is grounded on
// original_source/riscv-os5/kernel/proc/proc.c.
//
// Per SPEC_FULL.md's execution-model resolution, a process is a
// goroutine and a "context switch" is a cooperative handoff of a
// single run token: the scheduler goroutine blocks sending a process
// its token and blocks again receiving it back, so at most one
// process-level goroutine ever executes kernel code at a time,
// mirroring the real kernel's single-hart invariant without needing a
// patched runtime to enforce it.
package proc

import (
	"github.com/Jiadong-W/riscv-os/accnt"
	"github.com/Jiadong-W/riscv-os/file"
	"github.com/Jiadong-W/riscv-os/fs"
	"github.com/Jiadong-W/riscv-os/limits"
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/vm"
	"github.com/Jiadong-W/riscv-os/wal"
)

// ExitSignal unwinds a process's entry call stack once it has called
// Exit. A process's code never returns normally from an exit system
// call the way it would from any other call (exit_process "schedules
// away without returning", per spec.md §4.9); since there is no trap
// frame to discard here, the syscall layer panics this sentinel and
// spawn's goroutine wrapper recovers exactly this value, discarding
// the rest of the process's call stack without disturbing the
// scheduler goroutine, which runs independently.
type ExitSignal struct{}

// State is a process's scheduling state.
type State int

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

// Proc is one process table slot. Arena-slot indices (ParentSlot)
// stand in for the teacher's raw *Proc_t parent pointers, per
// SPEC_FULL.md's "cyclic structures addressed by index, not pointer"
// design note — Go's GC would happily keep a pointer cycle alive, but
// indices make the zombie/reparent bookkeeping exactly as inspectable
// as the original's pid-indexed table.
type Proc struct {
	Slot       int
	Pid        int
	State      State
	ParentSlot int // -1 if none (init, or not yet assigned)
	Name       string
	Priority   int

	Sz    uint64
	AS    vm.AddressSpace
	Files [limits.NOFILE]*file.File
	Cwd   *fs.Inode

	Chan     interface{}
	Killed   bool
	Xstate   int
	Acc      accnt.Accnt_t
	yieldReq bool

	resumeCh chan struct{}
	entry    func(p *Proc)
}

// Table is the process table plus its scheduler. One instance exists
// per kernel.
type Table struct {
	mu       lock.Spinlock_t
	waitLock lock.Spinlock_t
	procs    []*Proc
	nextPid  int
	running  int // slot of the currently RUNNING process, -1 if none
	initSlot int // slot reparented children are attached to

	fsys  *fs.FS
	log   *wal.Log
	files *file.Table

	tick  lock.Spinlock_t
	ticks int64

	yielded chan int // running goroutine -> scheduler: "I stopped, my slot is X"
}

// NewTable builds an NPROC-slot table. fsys/log are used by Exit to
// iput a departing process's cwd inside a transaction; files is the
// global open-file table used to close a departing process's
// descriptors.
func NewTable(nproc int, fsys *fs.FS, log *wal.Log, files *file.Table) *Table {
	t := &Table{
		procs:    make([]*Proc, nproc),
		fsys:     fsys,
		log:      log,
		files:    files,
		yielded:  make(chan int),
		running:  -1,
		initSlot: -1,
	}
	for i := range t.procs {
		t.procs[i] = &Proc{Slot: i, State: Unused, ParentSlot: -1, resumeCh: make(chan struct{})}
	}
	return t
}

// Bind attaches the filesystem, log and open-file table Exit needs to
// reap a departing process's resources. cmd/kernel's boot sequence
// calls this once, after fsys/log/files exist — which themselves need
// a lock.Waiter_i (this Table, already constructed) before they can be
// built, hence the two-step construction instead of passing them to
// NewTable directly.
func (t *Table) Bind(fsys *fs.FS, log *wal.Log, files *file.Table) {
	t.fsys = fsys
	t.log = log
	t.files = files
}

// Sleep implements lock.Waiter_i: it parks the calling process on
// chanAddr, releasing guard first and reacquiring it before returning,
// exactly as spec.md's sleep(chan, lk) describes. It must be called
// from inside a process goroutine (the one identified by CurrentSlot).
func (t *Table) Sleep(chanAddr interface{}, guard *lock.Spinlock_t) {
	slot := t.mustCurrent()
	p := t.procs[slot]

	t.mu.Acquire()
	p.Chan = chanAddr
	p.State = Sleeping
	t.mu.Release()

	guard.Release()
	t.parkAndReschedule(slot)
	guard.Acquire()

	t.mu.Acquire()
	p.Chan = nil
	t.mu.Release()
}

// Wakeup implements lock.Waiter_i: every process sleeping on chanAddr
// becomes Runnable.
func (t *Table) Wakeup(chanAddr interface{}) {
	t.mu.Acquire()
	defer t.mu.Release()
	for _, p := range t.procs {
		if p.State == Sleeping && p.Chan == chanAddr {
			p.State = Runnable
		}
	}
}

// Kill marks pid killed and, if it is sleeping, makes it runnable so
// it observes the kill on its next chance to run.
func (t *Table) Kill(pid int) bool {
	t.mu.Acquire()
	defer t.mu.Release()
	for _, p := range t.procs {
		if p.State != Unused && p.Pid == pid {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
			return true
		}
	}
	return false
}

// Ticks reports the current tick count, bumped by the timer IRQ path
// in package trap.
func (t *Table) Ticks() int64 {
	t.tick.Acquire()
	defer t.tick.Release()
	return t.ticks
}

// Tick bumps the tick counter by one.
func (t *Table) Tick() {
	t.tick.Acquire()
	t.ticks++
	t.tick.Release()
}

// RequestYield marks the currently RUNNING process (if any) as owing a
// yield the next time it checks, standing in for "the timer IRQ
// handler ... triggers a yield on return from trap" since there is no
// real trap return point to hook here.
func (t *Table) RequestYield() {
	t.mu.Acquire()
	defer t.mu.Release()
	if t.running >= 0 {
		t.procs[t.running].yieldReq = true
	}
}

// ConsumeYieldRequest reports and clears whether slot owes a yield.
func (t *Table) ConsumeYieldRequest(slot int) bool {
	t.mu.Acquire()
	defer t.mu.Release()
	p := t.procs[slot]
	req := p.yieldReq
	p.yieldReq = false
	return req
}

// GetPriority reports slot's scheduling priority, for the
// getpriority system call.
func (t *Table) GetPriority(slot int) int {
	t.mu.Acquire()
	defer t.mu.Release()
	return t.procs[slot].Priority
}
