package vm_test

import (
	"testing"

	"github.com/Jiadong-W/riscv-os/mem"
	"github.com/Jiadong-W/riscv-os/riscv"
	"github.com/Jiadong-W/riscv-os/vm"
)

const testNFrames = 64

func newTestAS(t *testing.T, alloc *mem.Allocator) vm.AddressSpace {
	t.Helper()
	root, ok := riscv.NewPageTable(alloc)
	if !ok {
		t.Fatalf("out of memory allocating a root page table")
	}
	return vm.AddressSpace{Alloc: alloc, Root: root}
}

func fillPages(t *testing.T, as vm.AddressSpace, sz uint64, b byte) {
	t.Helper()
	buf := make([]byte, sz)
	for i := range buf {
		buf[i] = b
	}
	if err := vm.Copyout(as, 0, buf); err != nil {
		t.Fatalf("copyout: %v", err)
	}
}

func readPages(t *testing.T, as vm.AddressSpace, sz uint64) []byte {
	t.Helper()
	buf := make([]byte, sz)
	if err := vm.Copyin(as, buf, 0, len(buf)); err != nil {
		t.Fatalf("copyin: %v", err)
	}
	return buf
}

// TestCOWForkIsolation is spec.md S5 and the first half of invariant
// 2: after a fork-style UvmCopy, the child can overwrite its view of
// shared pages without disturbing the parent's, and the parent can
// still write its own pages afterward without faulting.
func TestCOWForkIsolation(t *testing.T) {
	alloc := mem.NewAllocator(testNFrames, mem.Pa_t(0x80000000))
	parent := newTestAS(t, alloc)

	const sz = 4 * riscv.PGSIZE
	if _, err := vm.UvmAlloc(parent, 0, sz, riscv.PTE_R|riscv.PTE_W); err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}
	fillPages(t, parent, sz, 'A')

	child := newTestAS(t, alloc)
	if err := vm.UvmCopy(parent, child, sz); err != nil {
		t.Fatalf("uvmcopy: %v", err)
	}

	// Child overwrites the first byte of each page with a distinct
	// value, which must resolve the COW fault (copy-on-write) rather
	// than mutate the shared frame in place.
	for page := 0; page < 4; page++ {
		va := uint64(page * riscv.PGSIZE)
		if err := vm.Copyout(child, va, []byte{byte('0' + page)}); err != nil {
			t.Fatalf("child copyout page %d: %v", page, err)
		}
	}

	parentView := readPages(t, parent, sz)
	for i, b := range parentView {
		if b != 'A' {
			t.Fatalf("parent byte %d = %q after child wrote its copy, want 'A'", i, b)
		}
	}

	childView := readPages(t, child, sz)
	for page := 0; page < 4; page++ {
		if got := childView[page*riscv.PGSIZE]; got != byte('0'+page) {
			t.Fatalf("child page %d first byte = %q, want %q", page, got, byte('0'+page))
		}
		for off := 1; off < riscv.PGSIZE; off++ {
			if got := childView[page*riscv.PGSIZE+off]; got != 'A' {
				t.Fatalf("child page %d byte %d = %q, want 'A' (untouched)", page, off, got)
				break
			}
		}
	}

	// The parent's own pages must still be writable without a real
	// page fault ever reaching the caller as an error.
	if err := vm.Copyout(parent, 0, []byte{'P'}); err != nil {
		t.Fatalf("parent copyout after fork: %v", err)
	}
}

// TestCOWSharedPageFreedOnce is the second half of invariant 2: when
// neither fork sibling ever writes a shared page, tearing down both
// address spaces must free that page's physical frame exactly once —
// no double free panic, and the allocator's free count returns to
// what it was before the fork.
func TestCOWSharedPageFreedOnce(t *testing.T) {
	alloc := mem.NewAllocator(testNFrames, mem.Pa_t(0x80000000))
	freeBefore, _ := alloc.Stats()

	parent := newTestAS(t, alloc)
	const sz = riscv.PGSIZE
	if _, err := vm.UvmAlloc(parent, 0, sz, riscv.PTE_R|riscv.PTE_W); err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}
	fillPages(t, parent, sz, 'A')

	child := newTestAS(t, alloc)
	if err := vm.UvmCopy(parent, child, sz); err != nil {
		t.Fatalf("uvmcopy: %v", err)
	}

	va := uint64(0)
	pte := riscv.WalkLookup(alloc, parent.Root, va)
	if !pte.Valid() {
		t.Fatalf("parent page unmapped after uvmcopy")
	}
	pa := riscv.PTE2PA(pte.Load())
	if rc := alloc.PageRefcount(pa); rc != 2 {
		t.Fatalf("shared frame refcount = %d, want 2", rc)
	}

	riscv.DestroyPageTable(alloc, child.Root, sz)
	riscv.DestroyPageTable(alloc, parent.Root, sz)

	freeAfter, _ := alloc.Stats()
	if freeAfter != freeBefore {
		t.Fatalf("free frame count = %d after teardown, want %d (shared frame leaked or double-freed)", freeAfter, freeBefore)
	}
}
