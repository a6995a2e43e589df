package fs_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/Jiadong-W/riscv-os/bcache"
	rfs "github.com/Jiadong-W/riscv-os/fs"
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/ustr"
	"github.com/Jiadong-W/riscv-os/virtio"
	"github.com/Jiadong-W/riscv-os/wal"
)

// memImage is a []byte-backed ReaderWriterAtCloser standing in for the
// disk image file cmd/kernel would open for real, so these tests never
// touch the filesystem.
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

// condWaiter is a real sync.Cond-backed lock.Waiter_i, standing in for
// proc.Table in tests that drive bcache/wal/fs with genuine concurrent
// goroutines rather than proc.Table's single-run-token scheduler — the
// thing S4 ("4 child processes... concurrently") actually needs to
// exercise is wal's multi-writer group commit and bcache's real
// locking, not the scheduler's turn-taking, so plain goroutines plus a
// condition variable are the right level to test at.
type condWaiter struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newCondWaiter() *condWaiter {
	w := &condWaiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *condWaiter) Sleep(chanAddr interface{}, guard *lock.Spinlock_t) {
	w.mu.Lock()
	guard.Release()
	w.cond.Wait()
	w.mu.Unlock()
	guard.Acquire()
}

func (w *condWaiter) Wakeup(chanAddr interface{}) {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

const (
	testNBlocks  = 2048
	testNBuf     = 64
	testLogBlks  = 30
	testNInodes  = 200
	testLogStart = 2
)

// formatTestFS lays out a fresh, empty filesystem entirely in memory,
// the same block layout cmd/mkfs writes to a real image, and returns
// it ready for concurrent use.
func formatTestFS(t *testing.T) *rfs.FS {
	t.Helper()
	img := &memImage{data: make([]byte, testNBlocks*virtio.BlockSize)}
	disk, err := virtio.Open(img, testNBlocks)
	if err != nil {
		t.Fatalf("virtio.Open: %v", err)
	}
	waiter := newCondWaiter()
	cache := bcache.New(disk, testNBuf, waiter)

	ipb := int(rfs.BlockSize / rfs.DinodeSize)
	ninodeblks := (testNInodes + ipb - 1) / ipb
	inodeStart := testLogStart + testLogBlks
	bmapStart := inodeStart + ninodeblks
	firstData := bmapStart + 1

	sb := rfs.Superblock{
		Magic:      rfs.SuperblockMagic,
		Size:       testNBlocks,
		NBlocks:    uint32(testNBlocks - firstData),
		NInodes:    testNInodes,
		NLog:       testLogBlks,
		LogStart:   testLogStart,
		InodeStart: uint32(inodeStart),
		BmapStart:  uint32(bmapStart),
	}
	rfs.WriteSuperblock(cache, 0, sb)

	bm := cache.Bread(0, bmapStart)
	d := bm.Data()
	for bn := 0; bn < firstData; bn++ {
		d[bn/8] |= 1 << uint(bn%8)
	}
	cache.Bwrite(bm)
	cache.Brelse(bm)

	log := wal.New(cache, 0, testLogStart, testLogBlks, rfs.MaxOpBlocks, waiter)
	log.Recover()

	fsys, err := rfs.StartFS(cache, log, 0, waiter)
	if err != nil {
		t.Fatalf("StartFS: %v", err)
	}

	log.Begin()
	root, err := fsys.Ialloc(rfs.TypeDir)
	if err != nil {
		t.Fatalf("Ialloc root: %v", err)
	}
	if root.Inum != rfs.RootInode {
		t.Fatalf("root inode = %d, want %d", root.Inum, rfs.RootInode)
	}
	fsys.Ilock(root)
	root.Nlink = 2
	fsys.Iupdate(root)
	if err := fsys.Dirlink(root, ustr.MkUstrDot(), uint16(root.Inum)); err != nil {
		t.Fatalf("dirlink .: %v", err)
	}
	if err := fsys.Dirlink(root, ustr.DotDot, uint16(root.Inum)); err != nil {
		t.Fatalf("dirlink ..: %v", err)
	}
	fsys.Iunlock(root)
	fsys.Iput(root)
	log.End()

	return fsys
}

// TestConcurrentWriters is spec.md S4: 4 concurrent writers each
// create/write/unlink their own file 50 times; every iteration must
// succeed and no file must remain afterward.
func TestConcurrentWriters(t *testing.T) {
	fsys := formatTestFS(t)

	const workers = 4
	const iterations = 50

	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			name := ustr.MkUstrSlice([]byte(fmt.Sprintf("/worker%d.txt", w)))
			payload := []byte(fmt.Sprintf("hello from worker %d\n", w))
			for i := 0; i < iterations; i++ {
				fsys.Log.Begin()
				ip, err := fsys.Create(name, nil, rfs.TypeFile, 0, 0)
				fsys.Log.End()
				if err != nil {
					return fmt.Errorf("worker %d iter %d: create: %w", w, i, err)
				}

				fsys.Log.Begin()
				n, werr := fsys.Writei(ip, payload, 0, len(payload))
				fsys.Log.End()
				fsys.Iunlock(ip)
				fsys.Iput(ip)
				if werr != nil {
					return fmt.Errorf("worker %d iter %d: write: %w", w, i, werr)
				}
				if n != len(payload) {
					return fmt.Errorf("worker %d iter %d: wrote %d bytes, want %d", w, i, n, len(payload))
				}

				fsys.Log.Begin()
				uerr := fsys.Unlink(name, nil)
				fsys.Log.End()
				if uerr != nil {
					return fmt.Errorf("worker %d iter %d: unlink: %w", w, i, uerr)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for w := 0; w < workers; w++ {
		name := ustr.MkUstrSlice([]byte(fmt.Sprintf("/worker%d.txt", w)))
		if _, err := fsys.Open(name, nil); err == nil {
			t.Fatalf("worker%d.txt still exists after all unlinks", w)
		}
	}
}
