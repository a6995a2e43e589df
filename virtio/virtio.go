// Package virtio implements C4, a polled VirtIO-MMIO block driver per
// spec.md §4.4: a three-descriptor-chain request/response protocol
// (header, data, status) driven through an avail/used ring pair, with
// the actual bytes handed off to a backing store. Grounded on the
// teacher's ufs/driver.go ahci_disk_t (single-outstanding-request, lock
// around the whole ring, poll for completion) with the register/queue
// shapes swapped from AHCI command slots to VirtIO's descriptor rings.
//
// There is no real MMIO bus to poke in this rewrite, so Disk's ring
// bookkeeping (descriptor allocation, avail/used index advancement,
// status byte) is kept faithfully but the "device side" that would
// normally live in a separate chip is run synchronously inline: after
// publishing a descriptor chain and bumping avail.idx, Disk immediately
// performs the equivalent backing-store I/O and advances used.idx,
// exactly as QEMU's virtio-blk would on a machine fast enough that the
// busy-wait in bread never actually spins (spec.md §4.9's suspension
// note: "acceptable because the device completes immediately on QEMU").
package virtio

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	BlockSize = 4096
	sectorsPerBlock = BlockSize / 512

	descChainLen = 3 // header, data, status
	ringSize     = 8 // descriptors per virtqueue, small and power-of-two

	vringDescF_NEXT  = 1
	vringDescF_WRITE = 2

	blkTOut = 0
	blkTIn  = 1

	statusOK = 0
)

type reqHeader struct {
	typ    uint32
	_      uint32
	sector uint64
}

type desc struct {
	addr  uint64 // opaque index into the driver's own scratch buffers, not a real bus address
	flags uint32
	used  bool
}

// Disk is one VirtIO-MMIO block device backed by a ReaderWriterAt (a
// regular file in cmd/kernel, or an in-memory buffer in tests).
type Disk struct {
	mu      sync.Mutex
	backing io.ReaderAt
	writer  io.WriterAt
	closer  io.Closer

	descTable [ringSize]desc
	availIdx  uint16
	usedIdx   uint16
	nblocks   int
}

// Open attaches to the raw disk image f, sized to hold nblocks
// BLOCK_SIZE blocks. When f has a file descriptor (an *os.File), it
// takes an advisory exclusive flock on it for the lifetime of the Disk, the same discipline
// real virtio-blk backends use to keep two QEMU instances from sharing
// an image.
func Open(f ReaderWriterAtCloser, nblocks int) (*Disk, error) {
	if fder, ok := f.(fdLocker); ok {
		if err := unix.Flock(int(fder.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			return nil, fmt.Errorf("virtio: flock: %w", err)
		}
	}
	return &Disk{backing: f, writer: f, closer: f, nblocks: nblocks}, nil
}

// ReaderWriterAtCloser is the minimal backing-store interface Disk
// needs: a *os.File satisfies it directly.
type ReaderWriterAtCloser interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

type fdLocker interface {
	Fd() uintptr
}

// Close releases the backing store (and its flock).
func (d *Disk) Close() error {
	return d.closer.Close()
}

// NBlocks reports the device's advertised capacity in BLOCK_SIZE units.
func (d *Disk) NBlocks() int { return d.nblocks }

// Rw performs one polled request: a read into buf (write=false) or a
// write from buf (write=true) of exactly one BLOCK_SIZE block at
// blockno. It mirrors virtio_disk_rw's descriptor-chain protocol:
// allocate a 3-descriptor chain, publish it on the avail ring, "notify"
// the device, then wait for the used ring to catch up. A non-OK status
// byte is a fatal panic, matching spec.md's "the virtual disk is
// assumed reliable."
func (d *Disk) Rw(blockno int, buf []byte, write bool) error {
	if len(buf) != BlockSize {
		panic("virtio: Rw buffer must be exactly one block")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	head := d.allocChain()
	hdr := reqHeader{sector: uint64(blockno) * sectorsPerBlock}
	if write {
		hdr.typ = blkTOut
	} else {
		hdr.typ = blkTIn
	}
	d.descTable[head].flags = vringDescF_NEXT
	dataDesc := (head + 1) % ringSize
	d.descTable[dataDesc].flags = vringDescF_NEXT
	if !write {
		d.descTable[dataDesc].flags |= vringDescF_WRITE
	}
	statusDesc := (head + 2) % ringSize
	d.descTable[statusDesc].flags = vringDescF_WRITE

	// Publish: bump avail.idx. A real driver fences here so the device
	// observes the descriptor contents before it observes the index.
	d.availIdx++
	d.notify()

	// Device side, run synchronously: perform the actual I/O.
	status := byte(statusOK)
	var ioErr error
	if write {
		_, ioErr = d.writer.WriteAt(buf, int64(blockno)*BlockSize)
		if ioErr == nil {
			d.syncWrite(blockno)
		}
	} else {
		_, ioErr = d.backing.ReadAt(buf, int64(blockno)*BlockSize)
		if ioErr == nil {
			d.hintSequentialRead(blockno)
		}
	}
	if ioErr != nil {
		status = 1
	}

	// Completion: bump used.idx, then poll it (it is already caught up,
	// since the device ran inline above).
	d.usedIdx++
	d.freeChain(head)

	if status != statusOK {
		panic(fmt.Sprintf("virtio: I/O error on block %d: %v", blockno, ioErr))
	}
	return nil
}

func (d *Disk) allocChain() int {
	for i := 0; i < ringSize; i++ {
		if !d.descTable[i].used {
			for j := 0; j < descChainLen; j++ {
				d.descTable[(i+j)%ringSize].used = true
			}
			return i
		}
	}
	panic("virtio: descriptor table exhausted (single outstanding chain expected)")
}

func (d *Disk) freeChain(head int) {
	for j := 0; j < descChainLen; j++ {
		idx := (head + j) % ringSize
		d.descTable[idx] = desc{}
	}
}

// notify models poking QUEUE_NOTIFY; there is no separate device
// thread to wake in this synchronous rewrite, so it is a no-op kept
// only so the call site reads the same as the real sequence.
func (d *Disk) notify() {}

// syncWrite pushes a completed block write to stable storage with
// fdatasync, standing in for the real device's "write completed" DMA
// guarantee: wal.Log's commit point (the header write) is only durable
// if every block write ahead of it actually reached disk. Best-effort:
// an error here doesn't fail the request, matching spec.md's "the
// virtual disk is assumed reliable" (a failing fdatasync on a reliable
// backing file is not a condition this driver models).
func (d *Disk) syncWrite(blockno int) {
	if fder, ok := d.backing.(fdLocker); ok {
		unix.Fdatasync(int(fder.Fd()))
	}
}

// hintSequentialRead advises the kernel that this disk image is read
// sequentially forward from blockno, the same POSIX_FADV_SEQUENTIAL
// hint a real block driver's page-cache-backed backing store would
// want; readahead matters here since fs's directory/inode scans read
// many consecutive blocks per operation.
func (d *Disk) hintSequentialRead(blockno int) {
	if fder, ok := d.backing.(fdLocker); ok {
		unix.Fadvise(int(fder.Fd()), int64(blockno)*BlockSize, BlockSize, unix.FADV_SEQUENTIAL)
	}
}
