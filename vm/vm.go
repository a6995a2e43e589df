// Package vm implements C3, the user address-space operations of
// spec.md §4.3: growing/shrinking a process's mapped region, COW-aware
// address-space duplication on fork, and the copyin/copyout/cow_resolve
// triangle that every other subsystem which touches user memory goes
// through.
//
// Grounded on the teacher's vm/as.go (Vm_t.Sys_pgfault for the COW
// state machine, Userdmap8_inner for the page-at-a-time copy loop,
// Page_insert for share-by-refcount semantics) with the teacher's
// recursive-mapping/direct-map machinery replaced by explicit
// riscv.Walk* calls against a mem.Allocator, per package riscv's notes.
package vm

import (
	"fmt"

	"github.com/Jiadong-W/riscv-os/mem"
	"github.com/Jiadong-W/riscv-os/riscv"
)

// AddressSpace bundles an allocator and the physical address of the
// root page-table page: everything the ops in this package need to
// touch a process's mapped region.
type AddressSpace struct {
	Alloc *mem.Allocator
	Root  mem.Pa_t
}

func pgroundup(sz uint64) uint64 {
	return (sz + riscv.PGSIZE - 1) &^ (riscv.PGSIZE - 1)
}

func pgrounddown(sz uint64) uint64 {
	return sz &^ (riscv.PGSIZE - 1)
}

// UvmFirst maps the single page of data at user virtual address 0,
// copying init[] into it, with U+R+W+X permission. init must fit in
// one page.
func UvmFirst(as AddressSpace, init []byte) error {
	if len(init) > riscv.PGSIZE {
		return fmt.Errorf("uvmfirst: init binary larger than one page")
	}
	pa, ok := as.Alloc.AllocPage()
	if !ok {
		return fmt.Errorf("uvmfirst: out of memory")
	}
	if !riscv.MapPage(as.Alloc, as.Root, 0, pa, riscv.PTE_R|riscv.PTE_W|riscv.PTE_X|riscv.PTE_U) {
		as.Alloc.FreePage(pa)
		return fmt.Errorf("uvmfirst: map failed")
	}
	copy(as.Alloc.Bytes(pa), init)
	return nil
}

// UvmAlloc grows the mapped region from oldSz to newSz, allocating
// zeroed frames and mapping them with perm plus U. On partial failure it rolls
// back (via UvmDealloc) to oldSz and returns the failure.
func UvmAlloc(as AddressSpace, oldSz, newSz uint64, perm uint64) (uint64, error) {
	if newSz <= oldSz {
		return oldSz, nil
	}
	oldSzUp := pgroundup(oldSz)
	for va := oldSzUp; va < newSz; va += riscv.PGSIZE {
		pa, ok := as.Alloc.AllocPage()
		if !ok {
			UvmDealloc(as, va, oldSz)
			return oldSz, fmt.Errorf("uvmalloc: out of memory")
		}
		if !riscv.MapPage(as.Alloc, as.Root, va, pa, perm|riscv.PTE_U) {
			as.Alloc.FreePage(pa)
			UvmDealloc(as, va, oldSz)
			return oldSz, fmt.Errorf("uvmalloc: map failed")
		}
	}
	return newSz, nil
}

// UvmDealloc shrinks the mapped region from oldSz to newSz, freeing
// the pages no longer covered.
func UvmDealloc(as AddressSpace, oldSz, newSz uint64) uint64 {
	if newSz >= oldSz {
		return oldSz
	}
	if pgroundup(newSz) < pgroundup(oldSz) {
		npages := int((pgroundup(oldSz) - pgroundup(newSz)) / riscv.PGSIZE)
		riscv.Unmap(as.Alloc, as.Root, pgroundup(newSz), npages, true)
	}
	return newSz
}

// UvmCopy deep-clones the mapped region [0, sz) of old into new's page
// table, COW-style: every U+W page becomes shared (refcount bumped,
// COW set and W cleared on both sides); read-only pages are shared
// unchanged. On partial failure everything mapped so far in new is
// torn down and the parent's COW marks are undone back to exclusive
// ownership, per spec.md §4.3.
func UvmCopy(old, new AddressSpace, sz uint64) error {
	var mapped []uint64
	rollback := func() {
		for _, va := range mapped {
			riscv.Unmap(new.Alloc, new.Root, va, 1, true)
		}
		for _, va := range mapped {
			pte := riscv.WalkLookup(old.Alloc, old.Root, va)
			if !pte.Valid() {
				continue
			}
			v := pte.Load()
			if v&riscv.PTE_COW == 0 {
				continue
			}
			if old.Alloc.PageRefcount(riscv.PTE2PA(v)) == 1 {
				pte.Store((v &^ riscv.PTE_COW) | riscv.PTE_W)
			}
		}
	}

	for va := uint64(0); va < sz; va += riscv.PGSIZE {
		pte := riscv.WalkLookup(old.Alloc, old.Root, va)
		if !pte.Valid() || pte.Load()&riscv.PTE_V == 0 {
			continue
		}
		v := pte.Load()
		pa := riscv.PTE2PA(v)
		perm := riscv.PTEFlags(v)
		if perm&riscv.PTE_W != 0 {
			perm = (perm &^ riscv.PTE_W) | riscv.PTE_COW
			pte.Store(riscv.PA2PTE(pa) | perm)
		}
		old.Alloc.PageIncref(pa)
		if !riscv.MapPage(new.Alloc, new.Root, va, pa, perm) {
			old.Alloc.FreePage(pa)
			rollback()
			return fmt.Errorf("uvmcopy: map failed at %#x", va)
		}
		mapped = append(mapped, va)
	}
	return nil
}

// CowResolve is the single place both the store-page-fault trap path
// and Copyout funnel through, per spec.md §4.3's "keep this logic in
// one place." If the PTE at faultva is V+U+COW, it allocates a fresh
// frame, copies the shared page's contents into it, retargets the PTE
// to the new frame with COW cleared and W set, and drops the
// original's refcount by one. It is a no-op (success) if the page is
// already exclusively writable, and fails if the page is not COW at
// all — callers treat that as a genuine protection fault.
func CowResolve(as AddressSpace, faultva uint64) error {
	va := pgrounddown(faultva)
	pte := riscv.WalkLookup(as.Alloc, as.Root, va)
	if !pte.Valid() {
		return fmt.Errorf("cow_resolve: unmapped va %#x", va)
	}
	v := pte.Load()
	if v&(riscv.PTE_V|riscv.PTE_U) != riscv.PTE_V|riscv.PTE_U {
		return fmt.Errorf("cow_resolve: not V+U at %#x", va)
	}
	if v&riscv.PTE_W != 0 {
		return nil // already writable, nothing to do
	}
	if v&riscv.PTE_COW == 0 {
		return fmt.Errorf("cow_resolve: not a COW page at %#x", va)
	}
	oldPa := riscv.PTE2PA(v)
	if as.Alloc.PageRefcount(oldPa) == 1 {
		// Sole owner: just flip the bits, no copy needed.
		pte.Store((v &^ riscv.PTE_COW) | riscv.PTE_W)
		return nil
	}
	newPa, ok := as.Alloc.AllocPage()
	if !ok {
		return fmt.Errorf("cow_resolve: out of memory")
	}
	copy(as.Alloc.Bytes(newPa), as.Alloc.Bytes(oldPa))
	perm := (riscv.PTEFlags(v) &^ riscv.PTE_COW) | riscv.PTE_W
	pte.Store(riscv.PA2PTE(newPa) | perm)
	as.Alloc.FreePage(oldPa)
	return nil
}

// Copyin copies len bytes from the process's user_va into dst,
// page-at-a-time, validating V+U on each page it crosses.
func Copyin(as AddressSpace, dst []byte, userVa uint64, n int) error {
	got := 0
	for got < n {
		va0 := pgrounddown(userVa)
		pte := riscv.WalkLookup(as.Alloc, as.Root, va0)
		if !pte.Valid() {
			return fmt.Errorf("copyin: unmapped va %#x", va0)
		}
		v := pte.Load()
		if v&(riscv.PTE_V|riscv.PTE_U) != riscv.PTE_V|riscv.PTE_U {
			return fmt.Errorf("copyin: not V+U at %#x", va0)
		}
		pa := riscv.PTE2PA(v)
		off := int(userVa - va0)
		n2 := riscv.PGSIZE - off
		if n2 > n-got {
			n2 = n - got
		}
		copy(dst[got:got+n2], as.Alloc.Bytes(pa)[off:off+n2])
		got += n2
		userVa = va0 + riscv.PGSIZE
	}
	return nil
}

// Copyout copies len bytes from src into the process's user_va,
// page-at-a-time, resolving COW via CowResolve before writing to each
// page and re-checking W afterward.
func Copyout(as AddressSpace, userVa uint64, src []byte) error {
	n := len(src)
	put := 0
	for put < n {
		va0 := pgrounddown(userVa)
		if err := CowResolve(as, va0); err != nil {
			return fmt.Errorf("copyout: %w", err)
		}
		pte := riscv.WalkLookup(as.Alloc, as.Root, va0)
		if !pte.Valid() {
			return fmt.Errorf("copyout: unmapped va %#x", va0)
		}
		v := pte.Load()
		if v&(riscv.PTE_V|riscv.PTE_U|riscv.PTE_W) != riscv.PTE_V|riscv.PTE_U|riscv.PTE_W {
			return fmt.Errorf("copyout: not writable at %#x", va0)
		}
		pa := riscv.PTE2PA(v)
		off := int(userVa - va0)
		n2 := riscv.PGSIZE - off
		if n2 > n-put {
			n2 = n - put
		}
		copy(as.Alloc.Bytes(pa)[off:off+n2], src[put:put+n2])
		put += n2
		userVa = va0 + riscv.PGSIZE
	}
	return nil
}

// CopyinStr copies a NUL-terminated string from user_va into dst,
// stopping at the first NUL or failing if it does not appear within
// len(dst) bytes, mirroring spec.md's argstr semantics.
func CopyinStr(as AddressSpace, dst []byte, userVa uint64) (int, error) {
	got := 0
	max := len(dst)
	for got < max {
		va0 := pgrounddown(userVa)
		pte := riscv.WalkLookup(as.Alloc, as.Root, va0)
		if !pte.Valid() {
			return 0, fmt.Errorf("copyinstr: unmapped va %#x", va0)
		}
		v := pte.Load()
		if v&(riscv.PTE_V|riscv.PTE_U) != riscv.PTE_V|riscv.PTE_U {
			return 0, fmt.Errorf("copyinstr: not V+U at %#x", va0)
		}
		pa := riscv.PTE2PA(v)
		off := int(userVa - va0)
		page := as.Alloc.Bytes(pa)
		for off < riscv.PGSIZE && got < max {
			b := page[off]
			dst[got] = b
			got++
			off++
			if b == 0 {
				return got, nil
			}
		}
		userVa = va0 + riscv.PGSIZE
	}
	return 0, fmt.Errorf("copyinstr: string too long")
}
