package mem_test

import (
	"testing"

	"github.com/Jiadong-W/riscv-os/mem"
)

// TestFrameConservation is spec.md invariant 1: across any sequence of
// alloc_page/free_page, free + allocated always equals the total
// frame count.
func TestFrameConservation(t *testing.T) {
	const total = 32
	a := mem.NewAllocator(total, mem.Pa_t(0x80000000))

	var allocated []mem.Pa_t
	for i := 0; i < total; i++ {
		pa, ok := a.AllocPage()
		if !ok {
			t.Fatalf("alloc_page %d: unexpectedly out of memory", i)
		}
		allocated = append(allocated, pa)
	}
	if _, ok := a.AllocPage(); ok {
		t.Fatalf("alloc_page succeeded with no frames left")
	}
	if free, tot := a.Stats(); free != 0 || tot != total {
		t.Fatalf("stats = (%d, %d), want (0, %d)", free, tot, total)
	}

	for i, pa := range allocated {
		a.FreePage(pa)
		free, tot := a.Stats()
		if free != i+1 || tot != total {
			t.Fatalf("after freeing %d frames: stats = (%d, %d), want (%d, %d)", i+1, free, tot, i+1, total)
		}
	}
}

// TestDoubleFreePanics is spec.md invariant 1's other clause: freeing
// an already-free frame is a structural consistency violation, not a
// recoverable error.
func TestDoubleFreePanics(t *testing.T) {
	a := mem.NewAllocator(4, mem.Pa_t(0x80000000))
	pa, ok := a.AllocPage()
	if !ok {
		t.Fatalf("alloc_page: out of memory")
	}
	a.FreePage(pa)

	defer func() {
		if recover() == nil {
			t.Fatalf("double free did not panic")
		}
	}()
	a.FreePage(pa)
}

// TestFreeUnalignedPanics: freeing an address the allocator does not
// own (here, one not frame-aligned) panics rather than corrupting
// bookkeeping.
func TestFreeUnalignedPanics(t *testing.T) {
	a := mem.NewAllocator(4, mem.Pa_t(0x80000000))
	pa, ok := a.AllocPage()
	if !ok {
		t.Fatalf("alloc_page: out of memory")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("freeing an unaligned address did not panic")
		}
	}()
	a.FreePage(pa + 1)
}
