// Package riscv implements C2, the Sv39 page-table engine of spec.md
// §4.2: three levels of 512-entry page tables, each entry a 64-bit word
// encoding a physical page number plus permission/state flags.
//
// The teacher's own page-table code (mem/dmap.go, vm/as.go) targets x86-64
// four-level paging through a patched Go runtime's recursive mapping
// trick (VREC/VDIRECT slots written directly into the hardware's active
// page tables) — a technique that only exists because the teacher forked
// cmd/compile and the runtime itself. That is out of reach for an
// ordinary Go module. This package keeps the teacher's vocabulary (PTE
// flag names, walk/map/unmap entry points, "decrement refcount instead
// of unconditionally freeing" COW discipline) but backs page-table pages
// with physical frames from mem.Allocator addressed the same way any
// other kernel data structure is: little-endian byte slices, read and
// written with encoding/binary rather than unsafe recursive self-maps.
package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/Jiadong-W/riscv-os/mem"
)

// PTE flag bits. COW occupies one of the two RSW (reserved-for-software)
// bit positions the Sv39 spec sets aside, per spec.md §3.
const (
	PTE_V   uint64 = 1 << 0
	PTE_R   uint64 = 1 << 1
	PTE_W   uint64 = 1 << 2
	PTE_X   uint64 = 1 << 3
	PTE_U   uint64 = 1 << 4
	PTE_G   uint64 = 1 << 5
	PTE_A   uint64 = 1 << 6
	PTE_D   uint64 = 1 << 7
	PTE_COW uint64 = 1 << 8

	pteFlagMask = (1 << 10) - 1
)

const (
	PGSHIFT = 12
	PGSIZE  = 1 << PGSHIFT
	PXMASK  = 0x1ff

	// MAXVA is one bit short of the full Sv39 range, as in xv6, so that
	// the sign-extension rules for the top VPN bit never come up.
	MAXVA = 1 << (9 + 9 + 9 + 12 - 1)

	TRAMPOLINE = MAXVA - PGSIZE
	TRAPFRAME  = TRAMPOLINE - PGSIZE
)

// KSTACK returns the virtual address of the base (lowest address) of
// the i'th kernel stack page in the kernel page table, leaving a guard
// page below each one.
func KSTACK(i int) uint64 {
	return uint64(TRAMPOLINE - (i+1)*2*PGSIZE)
}

// PX extracts the 9-bit page-table index for the given level (0, 1, or 2)
// out of a virtual address.
func PX(level int, va uint64) uint64 {
	return (va >> uint(PGSHIFT+9*level)) & PXMASK
}

// PA2PTE packs a page-aligned physical address into the PPN field of a
// PTE (flags must be OR'd in separately).
func PA2PTE(pa mem.Pa_t) uint64 {
	return (uint64(pa) >> PGSHIFT) << 10
}

// PTE2PA extracts the physical address from a PTE, ignoring its flags.
func PTE2PA(pte uint64) mem.Pa_t {
	return mem.Pa_t((pte >> 10) << PGSHIFT)
}

// PTEFlags extracts just the low ten flag bits of a PTE.
func PTEFlags(pte uint64) uint64 {
	return pte & pteFlagMask
}

// entries reads the 512 little-endian PTEs of the page-table page at pa.
func entries(alloc *mem.Allocator, pa mem.Pa_t) []byte {
	return alloc.Bytes(pa)
}

func getPTE(b []byte, idx uint64) uint64 {
	return binary.LittleEndian.Uint64(b[idx*8:])
}

func setPTE(b []byte, idx uint64, v uint64) {
	binary.LittleEndian.PutUint64(b[idx*8:], v)
}

// PTERef names one slot in one page-table page: enough to read, write,
// or take the address of (conceptually) a single PTE without exposing
// unsafe pointers to callers.
type PTERef struct {
	bytes []byte
	idx   uint64
}

func (r PTERef) Load() uint64   { return getPTE(r.bytes, r.idx) }
func (r PTERef) Store(v uint64) { setPTE(r.bytes, r.idx, v) }
func (r PTERef) Valid() bool    { return r.bytes != nil }

// WalkLookup returns the leaf PTE for va in the page table rooted at
// root, or an invalid PTERef if no mapping exists. It never allocates.
func WalkLookup(alloc *mem.Allocator, root mem.Pa_t, va uint64) PTERef {
	return walk(alloc, root, va, false)
}

// WalkCreate is WalkLookup but allocates any missing intermediate page
// tables along the way. It returns an invalid PTERef on OOM.
func WalkCreate(alloc *mem.Allocator, root mem.Pa_t, va uint64) PTERef {
	return walk(alloc, root, va, true)
}

func walk(alloc *mem.Allocator, root mem.Pa_t, va uint64, create bool) PTERef {
	if va >= MAXVA {
		panic("walk: va out of range")
	}
	pa := root
	for level := 2; level > 0; level-- {
		b := entries(alloc, pa)
		idx := PX(level, va)
		pte := getPTE(b, idx)
		if pte&PTE_V != 0 {
			pa = PTE2PA(pte)
			continue
		}
		if !create {
			return PTERef{}
		}
		np, ok := alloc.AllocPage()
		if !ok {
			return PTERef{}
		}
		setPTE(b, idx, PA2PTE(np)|PTE_V)
		pa = np
	}
	b := entries(alloc, pa)
	return PTERef{bytes: b, idx: PX(0, va)}
}

// NewPageTable allocates a fresh, zeroed top-level page-table page.
func NewPageTable(alloc *mem.Allocator) (mem.Pa_t, bool) {
	return alloc.AllocPage()
}

// MapPage installs a single page mapping. It panics if a valid PTE
// already occupies that slot (spec.md: "refuses to remap an existing
// V-set PTE (fatal)") and returns false on OOM while creating
// intermediate tables.
func MapPage(alloc *mem.Allocator, root mem.Pa_t, va uint64, pa mem.Pa_t, perm uint64) bool {
	pte := WalkCreate(alloc, root, va)
	if !pte.Valid() {
		return false
	}
	if pte.Load()&PTE_V != 0 {
		panic(fmt.Sprintf("map_page: remap of va %#x", va))
	}
	pte.Store(PA2PTE(pa) | perm | PTE_V)
	return true
}

// MapRegion maps npages consecutive pages starting at va to pa with
// perm. va and pa must be page-aligned; it panics otherwise, matching
// spec.md's "strict about alignment."
func MapRegion(alloc *mem.Allocator, root mem.Pa_t, va uint64, pa mem.Pa_t, npages int, perm uint64) bool {
	if va%PGSIZE != 0 || uint64(pa)%PGSIZE != 0 {
		panic("map_region: misaligned")
	}
	for i := 0; i < npages; i++ {
		if !MapPage(alloc, root, va+uint64(i*PGSIZE), pa+mem.Pa_t(i*PGSIZE), perm) {
			return false
		}
	}
	return true
}

// Unmap clears npages PTEs starting at va. When free is true, each
// mapped page's physical frame has its refcount decremented (not
// unconditionally freed — it may still be COW-shared), per spec.md
// §4.2.
func Unmap(alloc *mem.Allocator, root mem.Pa_t, va uint64, npages int, free bool) {
	if va%PGSIZE != 0 {
		panic("unmap: misaligned va")
	}
	for i := 0; i < npages; i++ {
		cur := va + uint64(i*PGSIZE)
		pte := WalkLookup(alloc, root, cur)
		if !pte.Valid() {
			continue
		}
		v := pte.Load()
		if v&PTE_V == 0 {
			continue
		}
		if v&pteFlagMask == PTE_V {
			panic("unmap: mapping is not a leaf")
		}
		if free {
			alloc.FreePage(PTE2PA(v))
		}
		pte.Store(0)
	}
}

// DestroyPageTable is uvmfree: it unmaps and frees the user region
// [0, sz) the way Unmap would, then recursively frees every
// intermediate page-table page of the three-level tree itself, per
// spec.md §4.2. sz is the address space's high-water mark (Proc.Sz or
// exec's partially built Sz on a failure path) — callers must pass the
// size that was actually live in root, not MAXVA, since nothing above
// sz is ever mapped. This rewrite never maps TRAMPOLINE/TRAPFRAME into
// a user page table (there is no real trap vector to return through),
// so there is nothing above sz for DestroyPageTable to account for.
func DestroyPageTable(alloc *mem.Allocator, root mem.Pa_t, sz uint64) {
	if sz > 0 {
		npages := int((sz + PGSIZE - 1) / PGSIZE)
		Unmap(alloc, root, 0, npages, true)
	}
	destroy(alloc, root, 2)
	alloc.FreePage(root)
}

func destroy(alloc *mem.Allocator, pa mem.Pa_t, level int) {
	b := entries(alloc, pa)
	for idx := uint64(0); idx < 512; idx++ {
		pte := getPTE(b, idx)
		if pte&PTE_V == 0 {
			continue
		}
		if pte&(PTE_R|PTE_W|PTE_X) != 0 {
			panic("destroy_pagetable: leaf PTE still installed")
		}
		if level == 0 {
			panic("destroy_pagetable: leaf level holds non-leaf entry")
		}
		child := PTE2PA(pte)
		destroy(alloc, child, level-1)
		alloc.FreePage(child)
	}
}
