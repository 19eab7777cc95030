// Package pagetable implements the per-address-space page table of
// spec §4.2: a two-range array (code/data low, stack high) tracking
// each user virtual page's residence state, guarded by one sleeping
// mutex per address space.
package pagetable

import (
	"sync"

	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/swap"
)

// PageSize matches the rest of the subsystem's page granularity.
const PageSize = 4096

// Status is the residence state of one virtual page (spec §3).
type Status int

const (
	Empty Status = iota
	SwappedOut
	Valid
)

// Entry is one page-table slot.
type Entry struct {
	Status     Status
	Paddr      uintptr // valid only when Status == Valid
	Perm       defs.Perm
	SwapOffset swap.Offset // valid only when Status == SwappedOut
}

// Table is the two-range page table for a single address space. range1
// is code/data, range2 is the stack, per spec §3 and §4.2.
type Table struct {
	mu sync.Mutex

	base1 uintptr
	n1    int
	base2 uintptr
	n2    int

	entries []Entry

	swapStore *swap.Store
}

// Init allocates n1+n2 entries, all Empty, per spec §4.2.
func Init(base1 uintptr, n1 int, base2 uintptr, n2 int, swapStore *swap.Store) *Table {
	return &Table{
		base1:     base1,
		n1:        n1,
		base2:     base2,
		n2:        n2,
		entries:   make([]Entry, n1+n2),
		swapStore: swapStore,
	}
}

// Lock and Unlock expose the table's sleeping mutex directly, the way
// spec §4.2 and §5 require: "operations are serialized by one sleeping
// lock per address space". The fault handler takes it once to read the
// entry and again to install the new mapping, and does not hold it
// while a frame is allocated and filled.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// index computes the flat entry index for vaddr, dispatching by range
// per spec §4.2. vaddr must already be page-aligned; it panics on an
// out-of-range address, per spec §4.2: "Out-of-range vaddr is a
// contract violation."
func (t *Table) index(vaddr uintptr) int {
	if vaddr >= t.base2 && vaddr < t.base2+uintptr(t.n2)*PageSize {
		return int((vaddr-t.base2)/PageSize) + t.n1
	}
	if vaddr >= t.base1 && vaddr < t.base1+uintptr(t.n1)*PageSize {
		return int((vaddr - t.base1) / PageSize)
	}
	panic("pagetable: vaddr out of range")
}

// Get returns a copy of the entry for vaddr. Caller must hold the lock.
func (t *Table) Get(vaddr uintptr) Entry {
	return t.entries[t.index(vaddr)]
}

// Add transitions an Empty or SwappedOut entry to Valid with the given
// physical address and permissions, per spec §4.2.
func (t *Table) Add(vaddr uintptr, paddr uintptr, perm defs.Perm) {
	e := &t.entries[t.index(vaddr)]
	if e.Status != Empty && e.Status != SwappedOut {
		panic("pagetable: Add on an entry that is already Valid")
	}
	e.Status = Valid
	e.Paddr = paddr
	e.Perm = perm
	e.SwapOffset = 0
}

// SwapIn performs the SwappedOut -> Valid transition (spec §4.2),
// clearing the swap offset. Unlike Add, it panics on an Empty entry.
func (t *Table) SwapIn(vaddr uintptr, paddr uintptr, perm defs.Perm) {
	e := &t.entries[t.index(vaddr)]
	if e.Status != SwappedOut {
		panic("pagetable: SwapIn on an entry that was not SwappedOut")
	}
	e.Status = Valid
	e.Paddr = paddr
	e.Perm = perm
	e.SwapOffset = 0
}

// SwapOut transitions a Valid entry to SwappedOut, preserving Perm,
// recording the swap offset, and discarding Paddr (spec §4.2).
func (t *Table) SwapOut(vaddr uintptr, off swap.Offset) {
	e := &t.entries[t.index(vaddr)]
	if e.Status != Valid {
		panic("pagetable: SwapOut on an entry that was not Valid")
	}
	e.Status = SwappedOut
	e.Paddr = 0
	e.SwapOffset = off
}

// Copy deep-copies the entry vector, for a future fork() that is not
// otherwise exercised in this module's scope (spec §4.2).
func (t *Table) Copy() *Table {
	cp := &Table{
		base1:     t.base1,
		n1:        t.n1,
		base2:     t.base2,
		n2:        t.n2,
		entries:   make([]Entry, len(t.entries)),
		swapStore: t.swapStore,
	}
	copy(cp.entries, t.entries)
	return cp
}

// Destroy releases any swap slots still held by SwappedOut entries
// (spec §9: "always free" is authoritative for the on-exit policy),
// then drops the entry vector.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Status == SwappedOut {
			t.swapStore.Free(t.entries[i].SwapOffset)
		}
	}
	t.entries = nil
}

// ForEachValid calls fn for every entry currently Valid, passing the
// virtual address and physical address it maps. Used by address-space
// teardown to return frames to the core-map (spec §7, §9: "destroy(as)
// walk[s] the page table and release[s] every Valid frame before
// freeing the page-table structure").
func (t *Table) ForEachValid(fn func(vaddr uintptr, paddr uintptr)) {
	for i, e := range t.entries {
		if e.Status != Valid {
			continue
		}
		var vaddr uintptr
		if i < t.n1 {
			vaddr = t.base1 + uintptr(i)*PageSize
		} else {
			vaddr = t.base2 + uintptr(i-t.n1)*PageSize
		}
		fn(vaddr, e.Paddr)
	}
}
