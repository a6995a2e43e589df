// Package sem implements C15, the counting semaphore of spec.md
// §4.15: a non-negative integer value guarded by a spinlock, with
// Wait sleeping while the value is zero and Signal waking every
// sleeper. Grounded on original_source/riscv-os5/kernel/proc/sem.c
// (sem_wait/sem_signal) — there is no teacher or pack semaphore type
// to adapt, since the teacher's own synchronisation is built on the
// patched runtime's channel/goroutine primitives instead.
package sem

import "github.com/Jiadong-W/riscv-os/lock"

// Sem is one counting semaphore.
type Sem struct {
	mu     lock.Spinlock_t
	waiter lock.Waiter_i
	value  int
}

// New returns a semaphore with the given initial value, using waiter
// as its sleep/wakeup engine (the process table, in practice).
func New(initial int, waiter lock.Waiter_i) *Sem {
	if initial < 0 {
		panic("sem: negative initial value")
	}
	return &Sem{waiter: waiter, value: initial}
}

// Wait blocks while the semaphore's value is zero, then decrements it.
func (s *Sem) Wait() {
	s.mu.Acquire()
	for s.value == 0 {
		s.waiter.Sleep(s, &s.mu)
	}
	s.value--
	s.mu.Release()
}

// Signal increments the semaphore's value and wakes every waiter.
func (s *Sem) Signal() {
	s.mu.Acquire()
	s.value++
	s.waiter.Wakeup(s)
	s.mu.Release()
}

// Value reports the current value, for diagnostics.
func (s *Sem) Value() int {
	s.mu.Acquire()
	defer s.mu.Release()
	return s.value
}
