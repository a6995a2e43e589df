// Package file implements C8, the global open-file table of
// spec.md §4.8: a fixed NFILE array of reference-counted entries each
// naming either a device or an inode, plus the read/write dispatch and
// transaction-chunking rules that sit above the inode layer.
//
// Grounded on the teacher's fd package (fd.Fd_t's Fops/Perms pairing,
// Copyfd/Close_panic naming) with the teacher's fdops.Fdops_i interface
// indirection collapsed into the explicit Kind-tagged struct
// spec.md's "File_t sum type" calls for — fdops itself was referenced
// throughout the teacher's surviving sources but its definition was not
// present anywhere in the retrieved pack, so there was nothing to
// generalize from directly; Fd_t's fields are the grounding instead.
//
// Pipes are not implemented: spec.md's own Non-goals exclude pipes/IPC,
// and the teacher's own pipe implementation (fd/pipe.go-equivalent) was
// likewise absent from the pack, so there is no teacher pattern to
// adapt for it. The Kind enum still has a Pipe value next to
// Inode/Device, per the design notes' resolution of this point, but no
// code path ever produces a Pipe-kind File, and Read/Write return an
// "unsupported kind" error for one.
package file

import (
	"fmt"

	"github.com/Jiadong-W/riscv-os/fs"
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/wal"
)

// Kind tags what a File actually refers to.
type Kind int

const (
	KindNone Kind = iota
	KindPipe
	KindInode
	KindDevice
)

// Device is the narrow interface a character device must satisfy to
// back a File of KindDevice (the console is the only one spec.md
// requires).
type Device interface {
	Read(dst []byte) (int, error)
	Write(src []byte) (int, error)
}

// File is one entry in the global open-file table.
type File struct {
	Kind               Kind
	Ref                int
	Readable, Writable bool
	Ip                 *fs.Inode
	Off                uint32
	Major              int16
}

// Table is the fixed-size global open-file table, one per kernel.
type Table struct {
	mu      lock.Spinlock_t
	files   []File
	devices map[int16]Device
	fsys    *fs.FS
	log     *wal.Log
}

// NewTable allocates an NFILE-entry table bound to fsys/log for INODE
// dispatch.
func NewTable(nfile int, fsys *fs.FS, log *wal.Log) *Table {
	return &Table{files: make([]File, nfile), devices: make(map[int16]Device), fsys: fsys, log: log}
}

// RegisterDevice attaches dev as the backing implementation for major.
func (t *Table) RegisterDevice(major int16, dev Device) {
	t.mu.Acquire()
	t.devices[major] = dev
	t.mu.Release()
}

// Alloc returns a fresh File with Ref==1, or nil if the table is full.
func (t *Table) Alloc() *File {
	t.mu.Acquire()
	defer t.mu.Release()
	for i := range t.files {
		if t.files[i].Ref == 0 {
			t.files[i] = File{Ref: 1}
			return &t.files[i]
		}
	}
	return nil
}

// Dup increments f's reference count.
func (t *Table) Dup(f *File) *File {
	t.mu.Acquire()
	defer t.mu.Release()
	if f.Ref < 1 {
		panic("file: dup of closed file")
	}
	f.Ref++
	return f
}

// Close decrements f's reference count, releasing its backing inode
// (through the log) once the count reaches zero.
func (t *Table) Close(f *File) {
	t.mu.Acquire()
	if f.Ref < 1 {
		t.mu.Release()
		panic("file: close of closed file")
	}
	f.Ref--
	if f.Ref > 0 {
		t.mu.Release()
		return
	}
	kind, ip := f.Kind, f.Ip
	*f = File{}
	t.mu.Release()

	if kind == KindInode {
		t.log.Begin()
		t.fsys.Iput(ip)
		t.log.End()
	}
}

// maxWriteChunk is the largest INODE write that fits inside one
// transaction: (MAX_OP_BLOCKS - 1 head block - 1 tail block - 2 log
// header/superblock slack) / 2, halved because both the data block
// and its indirect-pointer block may need logging, per
// spec.md §4.8.
func maxWriteChunk() int {
	return ((fs.MaxOpBlocks - 1 - 1 - 2) / 2) * fs.BlockSize
}

// Read dispatches on f's kind: DEVICE delegates to the registered
// device; INODE locks the inode, reads at the current offset, advances
// it, and unlocks.
func (t *Table) Read(f *File, dst []byte) (int, error) {
	if !f.Readable {
		return 0, fmt.Errorf("file: not open for reading")
	}
	switch f.Kind {
	case KindDevice:
		dev, ok := t.devices[f.Major]
		if !ok {
			return 0, fmt.Errorf("file: no device registered for major %d", f.Major)
		}
		return dev.Read(dst)
	case KindInode:
		t.fsys.Ilock(f.Ip)
		n, err := t.fsys.Readi(f.Ip, dst, f.Off, len(dst))
		f.Off += uint32(n)
		t.fsys.Iunlock(f.Ip)
		return n, err
	default:
		return 0, fmt.Errorf("file: unsupported kind %d", f.Kind)
	}
}

// Write dispatches on f's kind; INODE writes are chunked so that each
// chunk fits in one transaction, each wrapped in its own begin/end,
// and a short chunk write is reported as an error rather than silently
// returning a partial count.
func (t *Table) Write(f *File, src []byte) (int, error) {
	if !f.Writable {
		return 0, fmt.Errorf("file: not open for writing")
	}
	switch f.Kind {
	case KindDevice:
		dev, ok := t.devices[f.Major]
		if !ok {
			return 0, fmt.Errorf("file: no device registered for major %d", f.Major)
		}
		return dev.Write(src)
	case KindInode:
		max := maxWriteChunk()
		total := 0
		for total < len(src) {
			n := len(src) - total
			if n > max {
				n = max
			}
			t.log.Begin()
			t.fsys.Ilock(f.Ip)
			wrote, err := t.fsys.Writei(f.Ip, src[total:total+n], f.Off, n)
			f.Off += uint32(wrote)
			t.fsys.Iunlock(f.Ip)
			t.log.End()
			total += wrote
			if err != nil || wrote != n {
				return total, fmt.Errorf("file: short write")
			}
		}
		return total, nil
	default:
		return 0, fmt.Errorf("file: unsupported kind %d", f.Kind)
	}
}

