// Package bcache implements C5, the LRU hash-indexed buffer cache of
// spec.md §4.5: a fixed pool of NBUF sleeplocked block buffers, found
// by a hash-bucket array sized to a prime at or above NBUF, evicted
// least-recently-used first. One spinlock guards the hash table, the
// LRU list and every refcnt; each buffer's own sleeplock guards its
// data while in use.
//
// Grounded on the teacher's fs/blk.go (Bdev_block_t for the
// lock-around-data-plus-refcount shape, BlkList_t for "keep a linked
// list of block buffers and evict the tail") generalized from the
// teacher's single global list with no hash index to the explicit
// hash-bucket-plus-LRU-list structure spec.md calls for.
//
// Open question resolution (spec.md, Open Questions): when no buffer
// has refcnt==0 to repurpose, bread sleeps until one is released
// rather than panicking — a transient burst of in-flight buffers is
// recoverable, unlike the bitmap allocator's frame exhaustion, which is
// a structural fault.
package bcache

import (
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/virtio"
)

const sentinel = -1

type buf struct {
	dev      int
	blockno  int
	valid    bool
	refcnt   int
	hashNext int
	lruPrev  int
	lruNext  int
	sleep    *lock.Sleeplock_t
	data     []byte
}

// Buf is the handle callers use to read and write one cached block.
// It is a thin view over the cache's internal slot; callers obtain one
// from Bread and must Brelse it when done.
type Buf struct {
	c    *Cache
	slot int
}

func (b Buf) Dev() int      { return b.c.bufs[b.slot].dev }
func (b Buf) Blockno() int  { return b.c.bufs[b.slot].blockno }
func (b Buf) Data() []byte  { return b.c.bufs[b.slot].data }

// Cache is the buffer-cache pool for one disk.
type Cache struct {
	mu      lock.Spinlock_t
	bufs    []buf
	buckets []int // index into bufs, or sentinel
	lruHead int    // most-recently-used
	lruTail int    // least-recently-used
	disk    *virtio.Disk
	waiter  lock.Waiter_i
}

func primeAtLeast(n int) int {
	isPrime := func(x int) bool {
		if x < 2 {
			return false
		}
		for d := 2; d*d <= x; d++ {
			if x%d == 0 {
				return false
			}
		}
		return true
	}
	for x := n; ; x++ {
		if isPrime(x) {
			return x
		}
	}
}

// New builds a cache of nbuf buffers (spec.md requires nbuf >= 32)
// fronting disk, waking sleepers through waiter.
func New(disk *virtio.Disk, nbuf int, waiter lock.Waiter_i) *Cache {
	if nbuf < 32 {
		panic("bcache: NBUF must be >= 32")
	}
	c := &Cache{
		bufs:    make([]buf, nbuf),
		buckets: make([]int, primeAtLeast(nbuf)),
		disk:    disk,
		waiter:  waiter,
	}
	for i := range c.buckets {
		c.buckets[i] = sentinel
	}
	for i := range c.bufs {
		c.bufs[i].sleep = lock.MkSleeplock("buf", waiter)
		c.bufs[i].data = make([]byte, virtio.BlockSize)
		c.bufs[i].lruPrev = sentinel
		c.bufs[i].lruNext = sentinel
	}
	c.lruHead, c.lruTail = sentinel, sentinel
	for i := range c.bufs {
		c.lruPushHead(i)
	}
	return c
}

func (c *Cache) hash(dev, blockno int) int {
	h := uint64(dev)*1099511628211 ^ uint64(blockno)
	return int(h % uint64(len(c.buckets)))
}

func (c *Cache) lruUnlink(i int) {
	b := &c.bufs[i]
	if b.lruPrev != sentinel {
		c.bufs[b.lruPrev].lruNext = b.lruNext
	} else {
		c.lruHead = b.lruNext
	}
	if b.lruNext != sentinel {
		c.bufs[b.lruNext].lruPrev = b.lruPrev
	} else {
		c.lruTail = b.lruPrev
	}
	b.lruPrev, b.lruNext = sentinel, sentinel
}

func (c *Cache) lruPushHead(i int) {
	b := &c.bufs[i]
	b.lruPrev = sentinel
	b.lruNext = c.lruHead
	if c.lruHead != sentinel {
		c.bufs[c.lruHead].lruPrev = i
	}
	c.lruHead = i
	if c.lruTail == sentinel {
		c.lruTail = i
	}
}

func (c *Cache) hashRemove(i int) {
	b := &c.bufs[i]
	h := c.hash(b.dev, b.blockno)
	if c.buckets[h] == i {
		c.buckets[h] = b.hashNext
		return
	}
	for j := c.buckets[h]; j != sentinel; j = c.bufs[j].hashNext {
		if c.bufs[j].hashNext == i {
			c.bufs[j].hashNext = b.hashNext
			return
		}
	}
}

func (c *Cache) hashInsert(i, dev, blockno int) {
	h := c.hash(dev, blockno)
	c.bufs[i].hashNext = c.buckets[h]
	c.buckets[h] = i
}

// Bread returns the buffer for (dev, blockno), reading it from disk on
// a cache miss. It blocks (never panics) if every buffer is currently
// held.
func (c *Cache) Bread(dev, blockno int) Buf {
	c.mu.Acquire()
	h := c.hash(dev, blockno)
	for i := c.buckets[h]; i != sentinel; i = c.bufs[i].hashNext {
		if c.bufs[i].dev == dev && c.bufs[i].blockno == blockno {
			c.bufs[i].refcnt++
			c.mu.Release()
			c.bufs[i].sleep.Acquiresleep(0)
			if !c.bufs[i].valid {
				c.disk.Rw(blockno, c.bufs[i].data, false)
				c.bufs[i].valid = true
			}
			return Buf{c: c, slot: i}
		}
	}

	for {
		slot := sentinel
		for i := c.lruTail; i != sentinel; i = c.bufs[i].lruPrev {
			if c.bufs[i].refcnt == 0 {
				slot = i
				break
			}
		}
		if slot != sentinel {
			b := &c.bufs[slot]
			c.hashRemove(slot)
			b.dev = dev
			b.blockno = blockno
			b.valid = false
			b.refcnt = 1
			c.lruUnlink(slot)
			c.lruPushHead(slot)
			c.hashInsert(slot, dev, blockno)
			c.mu.Release()

			b.sleep.Acquiresleep(0)
			if !b.valid {
				c.disk.Rw(blockno, b.data, false)
				b.valid = true
			}
			return Buf{c: c, slot: slot}
		}
		c.waiter.Sleep(c, &c.mu)
	}
}

// Bwrite writes a held buffer to disk immediately, bypassing the log.
// The log layer, fs.WriteSuperblock, cmd/mkfs and the tests call it
// directly; file-system updates that must survive a crash go through
// wal.Log.Write instead.
func (c *Cache) Bwrite(b Buf) {
	if !b.c.bufs[b.slot].sleep.Holding() {
		panic("bwrite: buffer not locked")
	}
	bf := &c.bufs[b.slot]
	c.disk.Rw(bf.blockno, bf.data, true)
}

// Brelse releases a held buffer, moving it to the head of the LRU list
// once its refcount drops to zero, and waking any bread waiting for a
// free slot.
func (c *Cache) Brelse(b Buf) {
	bf := &c.bufs[b.slot]
	bf.sleep.Releasesleep()

	c.mu.Acquire()
	bf.refcnt--
	if bf.refcnt == 0 {
		c.lruUnlink(b.slot)
		c.lruPushHead(b.slot)
		c.waiter.Wakeup(c)
	}
	c.mu.Release()
}

// Invalidate marks every unheld buffer as not-valid, forcing the next
// Bread of each to re-fetch from disk. This is the crash-test harness's
// hook (spec.md §8's "simulate a reboot without actually restarting the
// process"): after a staged crash, the test clears the cache so
// Log.Recover's replay is observed from disk instead of from buffers
// that happen to still hold the pre-crash image in memory.
func (c *Cache) Invalidate() {
	c.mu.Acquire()
	defer c.mu.Release()
	for i := range c.bufs {
		if c.bufs[i].refcnt == 0 {
			c.bufs[i].valid = false
		}
	}
}

// Bpin holds a buffer against eviction even after it is released,
// without taking its sleeplock (used by the log to keep staged blocks
// resident across a transaction).
func (c *Cache) Bpin(b Buf) {
	c.mu.Acquire()
	c.bufs[b.slot].refcnt++
	c.mu.Release()
}

// Bunpin undoes a Bpin.
func (c *Cache) Bunpin(b Buf) {
	c.mu.Acquire()
	c.bufs[b.slot].refcnt--
	c.mu.Release()
	c.waiter.Wakeup(c)
}
