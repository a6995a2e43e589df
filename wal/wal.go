// Package wal implements C6, the write-ahead redo log of spec.md §4.6:
// multi-writer group commit over a fixed LOG_SIZE run of log-area
// blocks, with absorption (the same block logged twice in one
// transaction is recorded once) and boot-time recovery.
//
// There is no teacher code for this at all (grep across the pack turns
// up nothing log-shaped outside the distillation's own original_source
// C sources), so this package is grounded directly on
// original_source/riscv-os5/kernel/fs/log.c's begin_op/end_op/commit
// state machine, re-expressed in the teacher's lock/sleep vocabulary
// (lock.Spinlock_t, lock.Waiter_i) instead of xv6's raw acquire/sleep
// calls on a global cpu struct.
package wal

import (
	"encoding/binary"

	"github.com/Jiadong-W/riscv-os/bcache"
	"github.com/Jiadong-W/riscv-os/lock"
)

const maxLogSize = 30

// header is the on-disk (and in-memory) log header: n logged blocks
// and their home block numbers, little-endian on disk per spec.md §6.
type header struct {
	n      int32
	blocks [maxLogSize]int32
}

// Log is one write-ahead log instance bound to a disk's log area
// [logStart, logStart+size).
type Log struct {
	mu          lock.Spinlock_t
	waiter      lock.Waiter_i
	cache       *bcache.Cache
	dev         int
	logStart    int
	size        int
	maxOpBlocks int

	hdr         header
	outstanding int
	committing  bool

	// CrashStage injects the two failure points spec.md's test suite
	// exercises: 1 returns between steps (2) and (3) of commit (header
	// on disk, install not yet run); 2 returns between (1) and (2) (log
	// body written, header not yet written).
	CrashStage int
}

// New attaches a log to cache's disk at [logStart, logStart+size),
// sized for at most maxOpBlocks per transaction.
func New(cache *bcache.Cache, dev, logStart, size, maxOpBlocks int, waiter lock.Waiter_i) *Log {
	if size > maxLogSize {
		panic("wal: log area larger than LOG_SIZE")
	}
	return &Log{cache: cache, dev: dev, logStart: logStart, size: size, maxOpBlocks: maxOpBlocks, waiter: waiter}
}

func (l *Log) readHeader() header {
	b := l.cache.Bread(l.dev, l.logStart)
	defer l.cache.Brelse(b)
	var h header
	d := b.Data()
	h.n = int32(binary.LittleEndian.Uint32(d[0:4]))
	for i := 0; i < maxLogSize; i++ {
		h.blocks[i] = int32(binary.LittleEndian.Uint32(d[4+i*4 : 8+i*4]))
	}
	return h
}

func (l *Log) writeHeader(h header) {
	b := l.cache.Bread(l.dev, l.logStart)
	defer l.cache.Brelse(b)
	d := b.Data()
	binary.LittleEndian.PutUint32(d[0:4], uint32(h.n))
	for i := 0; i < maxLogSize; i++ {
		binary.LittleEndian.PutUint32(d[4+i*4:8+i*4], uint32(h.blocks[i]))
	}
	l.cache.Bwrite(b)
}

// Recover replays the log at boot: if the header shows n>0, it installs
// those blocks (the commit point had already been reached when the
// system went down) and clears the header. Per spec.md, this runs
// unconditionally and is idempotent on an already-clean log.
func (l *Log) Recover() {
	h := l.readHeader()
	if h.n > 0 {
		l.install(h)
	}
	l.writeHeader(header{})
	l.hdr = header{}
}

// ClearCache invalidates every unheld buffer backing this log's disk,
// the sys_clear_cache hook spec.md's crash-injection tests use to force
// a subsequent read to come from disk rather than a buffer that
// happens to still hold memory from before a staged crash.
func (l *Log) ClearCache() {
	l.cache.Invalidate()
}

func (l *Log) install(h header) {
	for i := 0; i < int(h.n); i++ {
		logBlk := l.cache.Bread(l.dev, l.logStart+1+i)
		dstBlk := l.cache.Bread(l.dev, int(h.blocks[i]))
		copy(dstBlk.Data(), logBlk.Data())
		l.cache.Bwrite(dstBlk)
		l.cache.Brelse(dstBlk)
		l.cache.Brelse(logBlk)
	}
}

// Begin starts a nested transaction, blocking while a commit is in
// progress or while admitting one more writer's worth of blocks would
// overrun LOG_SIZE.
func (l *Log) Begin() {
	l.mu.Acquire()
	for {
		if l.committing {
			l.waiter.Sleep(l, &l.mu)
			continue
		}
		if int(l.hdr.n)+(l.outstanding+1)*l.maxOpBlocks > l.size {
			l.waiter.Sleep(l, &l.mu)
			continue
		}
		l.outstanding++
		l.mu.Release()
		return
	}
}

// Write records that b must be part of the current transaction's redo
// set (absorbing a duplicate entry for the same block), pinning it
// against eviction until commit.
func (l *Log) Write(b bcache.Buf) {
	l.mu.Acquire()
	defer l.mu.Release()
	for i := 0; i < int(l.hdr.n); i++ {
		if int(l.hdr.blocks[i]) == b.Blockno() {
			return // absorbed
		}
	}
	if int(l.hdr.n) >= l.size {
		panic("wal: log overflow")
	}
	l.hdr.blocks[l.hdr.n] = int32(b.Blockno())
	l.hdr.n++
	l.cache.Bpin(b)
}

// End ends a transaction. The last outstanding writer to end performs
// the group commit for every block logged since the log was last
// empty.
func (l *Log) End() {
	l.mu.Acquire()
	l.outstanding--
	doCommit := false
	if l.committing {
		panic("wal: committing while outstanding > 0")
	}
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		l.waiter.Wakeup(l)
	}
	h := l.hdr
	l.mu.Release()

	if doCommit {
		l.commit(h)
		l.mu.Acquire()
		l.committing = false
		l.hdr = header{}
		l.waiter.Wakeup(l)
		l.mu.Release()
	}
}

func (l *Log) commit(h header) int {
	if h.n == 0 {
		return 0
	}
	// Unpin the logged blocks on every return, including the staged
	// crash returns, so ClearCache can drop their in-memory copies.
	defer func() {
		for i := 0; i < int(h.n); i++ {
			b := l.cache.Bread(l.dev, int(h.blocks[i]))
			l.cache.Bunpin(b)
			l.cache.Brelse(b)
		}
	}()
	// Step 1: copy each logged block into its log-body slot.
	for i := 0; i < int(h.n); i++ {
		from := l.cache.Bread(l.dev, int(h.blocks[i]))
		to := l.cache.Bread(l.dev, l.logStart+1+i)
		copy(to.Data(), from.Data())
		l.cache.Bwrite(to)
		l.cache.Brelse(to)
		l.cache.Brelse(from)
	}
	if l.CrashStage == 2 {
		return 2
	}

	// Step 2: write the header — the commit point.
	l.writeHeader(h)
	if l.CrashStage == 1 {
		return 1
	}

	// Step 3: install — copy log body back to home blocks.
	l.install(h)

	// Step 4: clear the header (the deferred loop above unpins).
	l.writeHeader(header{})
	return 0
}
