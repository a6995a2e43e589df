package fs

import (
	"encoding/binary"

	"github.com/Jiadong-W/riscv-os/lock"
)

// Inode is the in-memory copy of a dinode plus the bookkeeping
// spec.md §3 requires: dev/inum identity, a reference count, a valid
// flag (cleared until the first ilock loads it from disk), and a
// sleeplock guarding mutation of size/addrs/nlink.
type Inode struct {
	Dev, Inum int
	refcnt    int
	valid     bool
	sleep     *lock.Sleeplock_t

	Type         int16
	Major, Minor int16
	Nlink        int16
	Size         uint32
	Addrs        [NDirect + 2]uint32
}

const nInodeCacheSlots = 128

type inodeCache struct {
	mu    lock.Spinlock_t
	slots []*Inode
}

func newInodeCache() *inodeCache {
	return &inodeCache{slots: make([]*Inode, nInodeCacheSlots)}
}

// Iget finds the in-memory inode for (dev, inum), allocating a slot
// (unvalidated, refcnt=1) if this is the first reference.
func (f *FS) Iget(dev, inum int) *Inode {
	c := f.icache
	c.mu.Acquire()
	defer c.mu.Release()
	var empty *Inode
	for _, ip := range c.slots {
		if ip == nil {
			continue
		}
		if ip.refcnt > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.refcnt++
			return ip
		}
	}
	for i, ip := range c.slots {
		if ip == nil {
			nip := &Inode{Dev: dev, Inum: inum, refcnt: 1, sleep: lock.MkSleeplock("inode", f.waiter)}
			c.slots[i] = nip
			return nip
		}
		if ip.refcnt == 0 && empty == nil {
			empty = ip
		}
	}
	if empty != nil {
		empty.Dev, empty.Inum, empty.refcnt, empty.valid = dev, inum, 1, false
		return empty
	}
	panic("fs: inode cache exhausted")
}

func dinodeOffset(sb Superblock, inum int) (blk int, off int) {
	ipb := int(sb.IPB())
	blk = int(sb.InodeStart) + inum/ipb
	off = (inum % ipb) * DinodeSize
	return
}

func decodeDinode(d []byte) (typ, major, minor, nlink int16, size uint32, addrs [NDirect + 2]uint32) {
	typ = int16(binary.LittleEndian.Uint16(d[0:2]))
	major = int16(binary.LittleEndian.Uint16(d[2:4]))
	minor = int16(binary.LittleEndian.Uint16(d[4:6]))
	nlink = int16(binary.LittleEndian.Uint16(d[6:8]))
	size = binary.LittleEndian.Uint32(d[8:12])
	for i := 0; i < NDirect+2; i++ {
		addrs[i] = binary.LittleEndian.Uint32(d[12+i*4 : 16+i*4])
	}
	return
}

func encodeDinode(d []byte, typ, major, minor, nlink int16, size uint32, addrs [NDirect + 2]uint32) {
	binary.LittleEndian.PutUint16(d[0:2], uint16(typ))
	binary.LittleEndian.PutUint16(d[2:4], uint16(major))
	binary.LittleEndian.PutUint16(d[4:6], uint16(minor))
	binary.LittleEndian.PutUint16(d[6:8], uint16(nlink))
	binary.LittleEndian.PutUint32(d[8:12], size)
	for i := 0; i < NDirect+2; i++ {
		binary.LittleEndian.PutUint32(d[12+i*4:16+i*4], addrs[i])
	}
}

// Ilock loads ip's contents from disk on first use and asserts it is
// not a free inode.
func (f *FS) Ilock(ip *Inode) {
	ip.sleep.Acquiresleep(0)
	if !ip.valid {
		blk, off := dinodeOffset(f.SB, ip.Inum)
		b := f.Cache.Bread(f.Dev, blk)
		typ, major, minor, nlink, size, addrs := decodeDinode(b.Data()[off : off+DinodeSize])
		f.Cache.Brelse(b)
		ip.Type, ip.Major, ip.Minor, ip.Nlink, ip.Size, ip.Addrs = typ, major, minor, nlink, size, addrs
		ip.valid = true
		if ip.Type == TypeFree {
			panic("fs: ilock on free inode")
		}
	}
}

// Iunlock releases the inode's sleeplock without touching refcnt.
func (f *FS) Iunlock(ip *Inode) {
	ip.sleep.Releasesleep()
}

// Iupdate writes ip's in-memory fields back to its disk slot, through
// the log so it survives a crash.
func (f *FS) Iupdate(ip *Inode) {
	blk, off := dinodeOffset(f.SB, ip.Inum)
	b := f.Cache.Bread(f.Dev, blk)
	encodeDinode(b.Data()[off:off+DinodeSize], ip.Type, ip.Major, ip.Minor, ip.Nlink, ip.Size, ip.Addrs)
	f.Log.Write(b)
	f.Cache.Brelse(b)
}

// Ialloc scans on-disk inodes for a free slot, stamps it with typ
// through the log, and returns the corresponding in-memory inode with
// Nlink==0 — the caller is responsible for setting Nlink and calling
// Iupdate once it has finished initializing the new inode.
func (f *FS) Ialloc(typ int16) (*Inode, error) {
	ipb := int(f.SB.IPB())
	for inum := 1; inum < int(f.SB.NInodes); inum++ {
		blk := int(f.SB.InodeStart) + inum/ipb
		off := (inum % ipb) * DinodeSize
		b := f.Cache.Bread(f.Dev, blk)
		d := b.Data()[off : off+DinodeSize]
		t, _, _, _, _, _ := decodeDinode(d)
		if t == TypeFree {
			var addrs [NDirect + 2]uint32
			encodeDinode(d, typ, 0, 0, 0, 0, addrs)
			f.Log.Write(b)
			f.Cache.Brelse(b)
			return f.Iget(f.Dev, inum), nil
		}
		f.Cache.Brelse(b)
	}
	return nil, fsError("fs: no free inodes")
}

// Iput drops a reference. If this was the last reference, the inode
// was validated, and its link count has reached zero, the inode's
// content is truncated and the slot freed on disk. The caller must
// already be inside a transaction for this to be durable, matching
// spec.md's "fileclose calls iput inside end_transaction."
func (f *FS) Iput(ip *Inode) {
	ip.sleep.Acquiresleep(0)
	if ip.valid && ip.Nlink == 0 && ip.refcnt == 1 {
		f.itrunc(ip)
		ip.Type = TypeFree
		f.Iupdate(ip)
		ip.valid = false
	}
	ip.sleep.Releasesleep()

	c := f.icache
	c.mu.Acquire()
	ip.refcnt--
	c.mu.Release()
}

// Idup bumps ip's refcount without locking it, for fork/dup-style
// sharing of an already-open inode.
func (f *FS) Idup(ip *Inode) *Inode {
	c := f.icache
	c.mu.Acquire()
	ip.refcnt++
	c.mu.Release()
	return ip
}
