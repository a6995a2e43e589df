package wal_test

import (
	"sync"
	"testing"

	"github.com/Jiadong-W/riscv-os/bcache"
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/virtio"
	"github.com/Jiadong-W/riscv-os/wal"
)

// memImage is a []byte-backed ReaderWriterAtCloser, the same role
// fs/concurrent_test.go's stands in for a real disk image file.
type memImage struct {
	mu   sync.Mutex
	data []byte
}

func (m *memImage) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memImage) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *memImage) Close() error { return nil }

// soloWaiter stands in for proc.Table's Waiter_i in tests that never
// actually contend: Begin/End here run one transaction at a time, so
// Sleep should never be called, but a real implementation (not a
// panic stub) keeps the test honest if that assumption ever breaks.
type soloWaiter struct{}

func (soloWaiter) Sleep(chanAddr interface{}, guard *lock.Spinlock_t) {
	guard.Release()
	guard.Acquire()
}

func (soloWaiter) Wakeup(chanAddr interface{}) {}

const (
	testNBlocks  = 64
	testLogStart = 2
	testLogSize  = 10
	testHomeA    = 40
	testHomeB    = 41
	testHomeC    = 42
)

func newTestLog(t *testing.T, maxOpBlocks int) (*wal.Log, *bcache.Cache) {
	t.Helper()
	img := &memImage{data: make([]byte, testNBlocks*virtio.BlockSize)}
	disk, err := virtio.Open(img, testNBlocks)
	if err != nil {
		t.Fatalf("virtio.Open: %v", err)
	}
	cache := bcache.New(disk, 16, soloWaiter{})
	log := wal.New(cache, 0, testLogStart, testLogSize, maxOpBlocks, soloWaiter{})
	log.Recover()
	return log, cache
}

func writeBlock(cache *bcache.Cache, log *wal.Log, blockno int, b byte) {
	buf := cache.Bread(0, blockno)
	d := buf.Data()
	for i := range d {
		d[i] = b
	}
	log.Write(buf)
	cache.Brelse(buf)
}

func readBlock(cache *bcache.Cache, blockno int) byte {
	buf := cache.Bread(0, blockno)
	b := buf.Data()[0]
	cache.Brelse(buf)
	return b
}

// TestLogAbsorption is spec.md invariant 5: writing the same block k
// times within one transaction consumes exactly one log slot for it.
// If absorption didn't happen, the fourth Write below would overflow a
// one-slot log and panic; it doesn't, because all four calls name the
// same block.
func TestLogAbsorption(t *testing.T) {
	_, cache := newTestLog(t, 1)
	log := wal.New(cache, 0, testLogStart, 1, 1, soloWaiter{}) // a one-slot log
	log.Begin()
	for i := 0; i < 4; i++ {
		writeBlock(cache, log, testHomeA, byte('A'+i))
	}
	log.End()

	if got := readBlock(cache, testHomeA); got != 'D' {
		t.Fatalf("home block = %q, want 'D' (last absorbed write)", got)
	}
}

// TestCrashAtCommitPoint is spec.md S2: a crash staged between the
// header hitting disk and the install step still yields the
// transaction's data after recovery, since the header alone is the
// commit point.
func TestCrashAtCommitPoint(t *testing.T) {
	log, cache := newTestLog(t, 4)
	log.CrashStage = 1

	log.Begin()
	writeBlock(cache, log, testHomeA, 'J')
	log.End()

	log.CrashStage = 0
	log.ClearCache()
	log.Recover()

	if got := readBlock(cache, testHomeA); got != 'J' {
		t.Fatalf("after recovery, home block = %q, want 'J'", got)
	}
}

// TestCrashBeforeCommit is spec.md S3: a crash staged before the
// header is written leaves no trace of the transaction after
// recovery.
func TestCrashBeforeCommit(t *testing.T) {
	log, cache := newTestLog(t, 4)

	// Establish a known "before" value the transaction will try (and
	// fail) to overwrite.
	preBuf := cache.Bread(0, testHomeB)
	for i := range preBuf.Data() {
		preBuf.Data()[i] = 'Z'
	}
	cache.Bwrite(preBuf)
	cache.Brelse(preBuf)

	log.CrashStage = 2
	log.Begin()
	writeBlock(cache, log, testHomeB, 'J')
	log.End()

	log.CrashStage = 0
	log.ClearCache()
	log.Recover()

	if got := readBlock(cache, testHomeB); got != 'Z' {
		t.Fatalf("after recovery, home block = %q, want 'Z' (transaction never committed)", got)
	}
}

// TestLogAtomicityAllOrNone is spec.md invariant 4, exercised over a
// multi-block transaction: a crash staged after the commit point
// (header on disk) must install every block the transaction touched,
// not just some of them.
func TestLogAtomicityAllOrNone(t *testing.T) {
	log, cache := newTestLog(t, 4)
	log.CrashStage = 1

	log.Begin()
	writeBlock(cache, log, testHomeA, 'X')
	writeBlock(cache, log, testHomeB, 'Y')
	writeBlock(cache, log, testHomeC, 'Z')
	log.End()

	log.CrashStage = 0
	log.ClearCache()
	log.Recover()

	got := []byte{readBlock(cache, testHomeA), readBlock(cache, testHomeB), readBlock(cache, testHomeC)}
	want := []byte{'X', 'Y', 'Z'}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("block %d = %q, want %q: transaction only partially installed", i, got[i], want[i])
		}
	}
}
