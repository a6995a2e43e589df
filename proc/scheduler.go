package proc

import (
	"fmt"

	"github.com/Jiadong-W/riscv-os/file"
	"github.com/Jiadong-W/riscv-os/mem"
	"github.com/Jiadong-W/riscv-os/riscv"
	"github.com/Jiadong-W/riscv-os/vm"
)

// allocProcess finds an UNUSED slot, assigns the next monotonic pid
// (wrapping, skipping in-use values), and gives it a fresh page table.
// It does not start the process's goroutine; callers (UserInit, Fork)
// finish initialization and set State=Runnable themselves.
func (t *Table) allocProcess(alloc *mem.Allocator) (*Proc, error) {
	t.mu.Acquire()
	defer t.mu.Release()
	var p *Proc
	for _, cand := range t.procs {
		if cand.State == Unused {
			p = cand
			break
		}
	}
	if p == nil {
		return nil, fmt.Errorf("proc: process table full")
	}
	root, ok := riscv.NewPageTable(alloc)
	if !ok {
		return nil, fmt.Errorf("proc: out of memory for page table")
	}
	pid := t.nextPid
	for {
		pid++
		if pid <= 0 {
			pid = 1
		}
		inUse := false
		for _, q := range t.procs {
			if q.State != Unused && q.Pid == pid {
				inUse = true
				break
			}
		}
		if !inUse {
			break
		}
	}
	t.nextPid = pid
	*p = Proc{
		Slot:       p.Slot,
		Pid:        pid,
		State:      Used,
		ParentSlot: -1,
		Priority:   0,
		AS:         vm.AddressSpace{Alloc: alloc, Root: root},
		resumeCh:   make(chan struct{}),
	}
	return p, nil
}

// UserInit builds the first process: a fresh address space with init
// mapped at user page 0, three console file descriptors (stdin
// read-only; stdout/stderr write-only, all on consoleMajor), and entry
// as the code it runs once scheduled. It becomes the reparent target
// for every future orphan.
func (t *Table) UserInit(alloc *mem.Allocator, init []byte, consoleMajor int16, entry func(p *Proc)) (*Proc, error) {
	p, err := t.allocProcess(alloc)
	if err != nil {
		return nil, err
	}
	if err := vm.UvmFirst(p.AS, init); err != nil {
		return nil, err
	}
	p.Sz = riscv.PGSIZE
	p.Name = "init"
	p.entry = entry

	stdin := t.files.Alloc()
	stdin.Kind, stdin.Major, stdin.Readable = file.KindDevice, consoleMajor, true
	stdout := t.files.Alloc()
	stdout.Kind, stdout.Major, stdout.Writable = file.KindDevice, consoleMajor, true
	stderr := t.files.Alloc()
	stderr.Kind, stderr.Major, stderr.Writable = file.KindDevice, consoleMajor, true
	p.Files[0], p.Files[1], p.Files[2] = stdin, stdout, stderr

	t.mu.Acquire()
	t.initSlot = p.Slot
	p.State = Runnable
	t.mu.Release()

	t.spawn(p)
	return p, nil
}

// Fork deep-clones callerSlot's address space (COW) and file
// references into a freshly allocated process. Real xv6-style fork
// resumes the child from the exact instruction after the syscall,
// which this rewrite cannot reproduce without a real trap frame to
// duplicate (SPEC_FULL.md's execution-model note: there is no patched
// runtime to snapshot a goroutine's stack); instead the caller
// supplies childEntry, the continuation the child runs in place of
// "returning from fork with a0=0" — the same role a duplicated trap
// frame would play on real hardware.
func (t *Table) Fork(callerSlot int, childEntry func(p *Proc)) (int, error) {
	parent := t.procs[callerSlot]
	child, err := t.allocProcess(parent.AS.Alloc)
	if err != nil {
		return -1, err
	}
	if err := vm.UvmCopy(parent.AS, child.AS, parent.Sz); err != nil {
		riscv.DestroyPageTable(child.AS.Alloc, child.AS.Root, parent.Sz)
		t.mu.Acquire()
		child.State = Unused
		t.mu.Release()
		return -1, err
	}
	child.Sz = parent.Sz
	child.Name = parent.Name
	child.Priority = parent.Priority
	for i, f := range parent.Files {
		if f != nil {
			child.Files[i] = t.files.Dup(f)
		}
	}
	if parent.Cwd != nil {
		child.Cwd = t.fsys.Idup(parent.Cwd)
	}
	child.entry = childEntry

	t.mu.Acquire()
	child.ParentSlot = callerSlot
	child.State = Runnable
	t.mu.Release()

	t.spawn(child)
	return child.Pid, nil
}

// ForkSame forks callerSlot with the child running the same entry
// closure as its parent. Real fork_process resumes the child from the
// trap return right after the fork syscall, with a0 patched to 0; this
// rewrite has no trap frame to patch, so the child instead restarts its
// parent's whole entry closure, the closest available stand-in per
// Fork's doc comment. sys_fork is the only caller — a process that
// really needs its child to continue past the fork point rather than
// restart it must use Fork directly with its own childEntry.
func (t *Table) ForkSame(callerSlot int) (int, error) {
	parent := t.procs[callerSlot]
	return t.Fork(callerSlot, parent.entry)
}

// spawn launches p's goroutine; it parks immediately waiting for the
// scheduler's first handoff. If p's code calls Exit itself (via the
// exit system call) it unwinds by panicking ExitSignal, which this
// wrapper swallows; any other panic propagates as a genuine crash.
func (t *Table) spawn(p *Proc) {
	go func() {
		<-p.resumeCh
		func() {
			defer func() {
				if r := recover(); r != nil {
					if _, ok := r.(ExitSignal); ok {
						return
					}
					panic(r)
				}
			}()
			if p.entry != nil {
				p.entry(p)
			}
			t.Exit(p.Slot, 0)
		}()
	}()
}

// mustCurrent returns the slot of the process calling it; it panics if
// called outside a scheduled process's goroutine.
func (t *Table) mustCurrent() int {
	t.mu.Acquire()
	defer t.mu.Release()
	if t.running < 0 {
		panic("proc: no current process")
	}
	return t.running
}

// CurrentSlot is the exported form of mustCurrent, for the trap and
// syscall layers to identify which process is executing.
func (t *Table) CurrentSlot() int { return t.mustCurrent() }

func (t *Table) Get(slot int) *Proc { return t.procs[slot] }

// parkAndReschedule hands the run token back to the scheduler and
// blocks until the scheduler hands it back.
func (t *Table) parkAndReschedule(slot int) {
	t.yielded <- slot
	<-t.procs[slot].resumeCh
}

// Yield voluntarily gives up the run token: state becomes Runnable and
// control returns to the scheduler.
func (t *Table) Yield() {
	slot := t.mustCurrent()
	t.mu.Acquire()
	t.procs[slot].State = Runnable
	t.mu.Release()
	t.parkAndReschedule(slot)
}

// Exit closes every open descriptor, releases cwd, reparents children
// to init, wakes the parent, marks the process a zombie, and hands the
// run token back to the scheduler. It then returns to its caller, which
// must not run any more of the process's code (sysExit and
// trap.Dispatch panic with ExitSignal right after it).
func (t *Table) Exit(slot int, status int) {
	p := t.procs[slot]

	for i, f := range p.Files {
		if f != nil {
			t.files.Close(f)
			p.Files[i] = nil
		}
	}
	if p.Cwd != nil {
		t.log.Begin()
		t.fsys.Iput(p.Cwd)
		t.log.End()
		p.Cwd = nil
	}

	t.waitLock.Acquire()
	for _, c := range t.procs {
		if c.ParentSlot == slot {
			c.ParentSlot = t.initSlot
			if t.initSlot >= 0 {
				t.Wakeup(t.procs[t.initSlot])
			}
		}
	}
	t.mu.Acquire()
	p.State = Zombie
	p.Xstate = status
	parentSlot := p.ParentSlot
	t.mu.Release()
	if parentSlot >= 0 {
		t.Wakeup(t.procs[parentSlot])
	}
	t.waitLock.Release()

	t.yielded <- slot
}

// Wait blocks parentSlot until one of its children becomes a zombie,
// then reaps it and returns its pid and exit status.
func (t *Table) Wait(parentSlot int) (pid int, status int, err error) {
	parent := t.procs[parentSlot]
	t.waitLock.Acquire()
	for {
		hasChild := false
		for _, c := range t.procs {
			if c.ParentSlot != parentSlot {
				continue
			}
			hasChild = true
			if c.State == Zombie {
				pid, status = c.Pid, c.Xstate
				root, alloc, sz := c.AS.Root, c.AS.Alloc, c.Sz
				*c = Proc{Slot: c.Slot, State: Unused, ParentSlot: -1, resumeCh: make(chan struct{})}
				t.waitLock.Release()
				riscv.DestroyPageTable(alloc, root, sz)
				return pid, status, nil
			}
		}
		if !hasChild {
			t.waitLock.Release()
			return -1, 0, fmt.Errorf("proc: no children")
		}
		if parent.Killed {
			t.waitLock.Release()
			return -1, 0, fmt.Errorf("proc: killed while waiting")
		}
		t.Sleep(parent, &t.waitLock)
	}
}

// Run is the scheduler loop: scan for a Runnable process starting from
// a rotating index, hand it the run token, and wait for it to give
// control back. It never returns.
func (t *Table) Run() {
	start := 0
	for {
		t.mu.Acquire()
		n := len(t.procs)
		found := -1
		for i := 0; i < n; i++ {
			s := (start + i) % n
			if t.procs[s].State == Runnable {
				found = s
				break
			}
		}
		if found < 0 {
			t.mu.Release()
			continue // stands in for enabling interrupts + wfi + retry
		}
		p := t.procs[found]
		p.State = Running
		t.running = found
		start = (found + 1) % n
		t.mu.Release()

		p.resumeCh <- struct{}{}
		<-t.yielded

		t.mu.Acquire()
		t.running = -1
		t.mu.Release()
	}
}
