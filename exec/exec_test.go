package exec_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/Jiadong-W/riscv-os/bcache"
	"github.com/Jiadong-W/riscv-os/exec"
	rfs "github.com/Jiadong-W/riscv-os/fs"
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/mem"
	"github.com/Jiadong-W/riscv-os/riscv"
	"github.com/Jiadong-W/riscv-os/ustr"
	"github.com/Jiadong-W/riscv-os/virtio"
	"github.com/Jiadong-W/riscv-os/vm"
	"github.com/Jiadong-W/riscv-os/wal"
)

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

type soloWaiter struct{}

func (soloWaiter) Sleep(chanAddr interface{}, guard *lock.Spinlock_t) {
	guard.Release()
	guard.Acquire()
}

func (soloWaiter) Wakeup(chanAddr interface{}) {}

const (
	testNBlocks  = 2048
	testNInodes  = 200
	testLogBlks  = 30
	testLogStart = 2
)

func formatTestFS(t *testing.T) (*rfs.FS, *wal.Log) {
	t.Helper()
	img := &memImage{data: make([]byte, testNBlocks*virtio.BlockSize)}
	disk, err := virtio.Open(img, testNBlocks)
	if err != nil {
		t.Fatalf("virtio.Open: %v", err)
	}
	cache := bcache.New(disk, 64, soloWaiter{})

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

	log := wal.New(cache, 0, testLogStart, testLogBlks, rfs.MaxOpBlocks, soloWaiter{})
	log.Recover()

	fsys, err := rfs.StartFS(cache, log, 0, soloWaiter{})
	if err != nil {
		t.Fatalf("StartFS: %v", err)
	}

	log.Begin()
	root, err := fsys.Ialloc(rfs.TypeDir)
	if err != nil {
		t.Fatalf("Ialloc root: %v", err)
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

	return fsys, log
}

// buildMinimalELF64 encodes the smallest ELF64 image debug/elf.NewFile
// will accept: a header, one PT_LOAD program header covering text at
// virtual address 0, and text itself. Entry is the start of text.
func buildMinimalELF64(text []byte) []byte {
	const ehsize = 64
	const phentsize = 56
	phoff := uint64(ehsize)
	dataOff := ehsize + phentsize

	buf := make([]byte, dataOff+len(text))

	// e_ident
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	// remaining e_ident bytes (OSABI, ABIVERSION, padding) stay zero.

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)                 // e_type = ET_EXEC
	le.PutUint16(buf[18:], 243)                // e_machine = EM_RISCV
	le.PutUint32(buf[20:], 1)                 // e_version
	le.PutUint64(buf[24:], 0)                 // e_entry (start of text, VA 0)
	le.PutUint64(buf[32:], phoff)              // e_phoff
	le.PutUint64(buf[40:], 0)                 // e_shoff
	le.PutUint32(buf[48:], 0)                 // e_flags
	le.PutUint16(buf[52:], ehsize)             // e_ehsize
	le.PutUint16(buf[54:], phentsize)          // e_phentsize
	le.PutUint16(buf[56:], 1)                  // e_phnum
	le.PutUint16(buf[58:], 0)                  // e_shentsize
	le.PutUint16(buf[60:], 0)                  // e_shnum
	le.PutUint16(buf[62:], 0)                  // e_shstrndx

	ph := buf[phoff:]
	le.PutUint32(ph[0:], 1)                 // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)                 // p_flags = PF_R|PF_X
	le.PutUint64(ph[8:], uint64(dataOff))    // p_offset
	le.PutUint64(ph[16:], 0)                // p_vaddr
	le.PutUint64(ph[24:], 0)                // p_paddr
	le.PutUint64(ph[32:], uint64(len(text))) // p_filesz
	le.PutUint64(ph[40:], uint64(len(text))) // p_memsz
	le.PutUint64(ph[48:], riscv.PGSIZE)      // p_align

	copy(buf[dataOff:], text)
	return buf
}

// TestExecABI is spec.md S6: exec("/hello", ["hello", "world", NULL])
// leaves argc==2, a1 pointing at a NULL-terminated 3-word vector whose
// first two entries read back as "hello" and "world", and the old
// page table (stood in for here by a throwaway address space built
// the same way UserInit builds one) fully freed.
func TestExecABI(t *testing.T) {
	fsys, log := formatTestFS(t)
	alloc := mem.NewAllocator(256, mem.Pa_t(0x80000000))

	elfImage := buildMinimalELF64([]byte{0x13, 0x00, 0x00, 0x00}) // addi x0,x0,0 (nop)

	log.Begin()
	ip, err := fsys.Create(ustr.MkUstrSlice([]byte("/hello")), nil, rfs.TypeFile, 0, 0)
	if err != nil {
		t.Fatalf("create /hello: %v", err)
	}
	if _, err := fsys.Writei(ip, elfImage, 0, len(elfImage)); err != nil {
		t.Fatalf("write /hello: %v", err)
	}
	fsys.Iunlock(ip)
	fsys.Iput(ip)
	log.End()

	argv := [][]byte{[]byte("hello"), []byte("world")}
	res, err := exec.Exec(fsys, log, alloc, ustr.MkUstrSlice([]byte("/hello")), nil, argv)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Argc != 2 {
		t.Fatalf("argc = %d, want 2", res.Argc)
	}

	var ptrs [3]uint64
	var raw [24]byte
	if err := vm.Copyin(res.AS, raw[:], res.ArgvPtr, len(raw)); err != nil {
		t.Fatalf("copyin argv pointer array: %v", err)
	}
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	if ptrs[2] != 0 {
		t.Fatalf("argv[2] = %#x, want NULL terminator", ptrs[2])
	}

	for i, want := range []string{"hello", "world"} {
		got := make([]byte, len(want)+1)
		if err := vm.Copyin(res.AS, got, ptrs[i], len(got)); err != nil {
			t.Fatalf("copyin argv[%d]: %v", i, err)
		}
		if string(got[:len(want)]) != want || got[len(want)] != 0 {
			t.Fatalf("argv[%d] = %q, want %q NUL-terminated", i, got, want)
		}
	}

	// The old address space (here, a fresh one built the same way
	// UserInit builds the very first one) must be fully freed.
	freeBefore, _ := alloc.Stats()
	oldRoot, ok := riscv.NewPageTable(alloc)
	if !ok {
		t.Fatalf("out of memory for a throwaway old page table")
	}
	oldAS := vm.AddressSpace{Alloc: alloc, Root: oldRoot}
	if err := vm.UvmFirst(oldAS, []byte("old image")); err != nil {
		t.Fatalf("uvmfirst: %v", err)
	}
	riscv.DestroyPageTable(alloc, oldRoot, riscv.PGSIZE)
	if freeAfter, _ := alloc.Stats(); freeAfter != freeBefore {
		t.Fatalf("free frame count = %d after teardown, want %d (old page table not fully freed)", freeAfter, freeBefore)
	}
}
