// Package accnt accumulates per-process CPU-time accounting, adapted
// from the teacher's accnt package (same field names, same Add/Finish
// shape), used by proc and surfaced through the getpriority/klog paths.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates user and system nanoseconds consumed by a process.
// The embedded mutex lets Fetch take a consistent snapshot.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds of user time.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds of system time.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Finish adds the time elapsed since the supplied start (nanoseconds
// since the epoch) to the system-time counter.
func (a *Accnt_t) Finish(since int64) {
	a.Systadd(time.Now().UnixNano() - since)
}

// Add merges n's counters into a's, taking a's lock.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.Unlock()
}

// Totals returns a consistent (userns, sysns) snapshot.
func (a *Accnt_t) Totals() (int64, int64) {
	a.Lock()
	defer a.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}
