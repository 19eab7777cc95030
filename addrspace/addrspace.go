// Package addrspace glues a process's segment table, page table, and
// open ELF file handle together, exposing the six exec-time operations
// of spec §6: Create, DefineRegion, PrepareLoad, CompleteLoad,
// DefineStack, and Destroy. It plays the role biscuit's vm.Vm_t plays
// for x86 address spaces, but tracks residence state (Empty /
// SwappedOut / Valid) instead of walking a hardware page table.
package addrspace

import (
	"fmt"
	"os"
	"sort"

	"github.com/ed0sh/PoliTo-OS161-Project/coremap"
	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/pagetable"
	"github.com/ed0sh/PoliTo-OS161-Project/segment"
	"github.com/ed0sh/PoliTo-OS161-Project/swap"
)

// AddressSpace is one process's virtual memory state.
type AddressSpace struct {
	file *os.File
	ELF  *segment.Loader

	Segments *segment.Table
	PT       *pagetable.Table

	base1, n1 uintptr // computed by PrepareLoad; n1 is a page count
	prepared  bool    // set by PrepareLoad
	userStack uintptr
	stackPages int

	swapStore *swap.Store
	destroyed bool
}

// Create opens the named executable and stores the handle for the
// lifetime of the process, per spec §6: "opens the ELF file, stores the
// handle."
func Create(progname string, userStack uintptr, stackPages int, swapStore *swap.Store) (*AddressSpace, error) {
	f, err := os.Open(progname)
	if err != nil {
		return nil, fmt.Errorf("addrspace: open %s: %w", progname, err)
	}
	return &AddressSpace{
		file:       f,
		ELF:        segment.NewLoader(f),
		Segments:   &segment.Table{},
		userStack:  userStack,
		stackPages: stackPages,
		swapStore:  swapStore,
	}, nil
}

// DefineRegion appends one PT_LOAD-derived segment (spec §6).
func (as *AddressSpace) DefineRegion(vaddr uintptr, memsize int, perm defs.Perm, filesize int, fileoffset int64) error {
	if as.prepared {
		return fmt.Errorf("addrspace: DefineRegion called after PrepareLoad")
	}
	if as.PT != nil {
		return fmt.Errorf("addrspace: DefineRegion called after DefineStack")
	}
	as.Segments.Define(vaddr, memsize, perm, filesize, fileoffset)
	return nil
}

// PrepareLoad computes the page-aligned base and total page count of
// every region defined so far (spec §6: "computes total page count and
// allocates the two-range page table" — the allocation itself is
// deferred to DefineStack, because the two-range page table needs the
// stack range's extent, which is known only there). After PrepareLoad,
// DefineRegion returns an error.
func (as *AddressSpace) PrepareLoad() error {
	segs := as.Segments.Segments()
	if len(segs) == 0 {
		return fmt.Errorf("addrspace: PrepareLoad with no regions defined")
	}
	sorted := append([]*segment.Segment(nil), segs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	as.base1 = sorted[0].Base
	end := as.base1
	for _, s := range sorted {
		segEnd := s.Base + uintptr(s.PageCount)*segment.PageSize
		if segEnd > end {
			end = segEnd
		}
	}
	as.n1 = (end - as.base1) / segment.PageSize
	as.prepared = true
	return nil
}

// CompleteLoad is a no-op placeholder, per spec §6.
func (as *AddressSpace) CompleteLoad() error {
	return nil
}

// DefineStack appends the stack segment and allocates the two-range
// page table now that both ranges are known, returning USERSTACK as
// the initial stack pointer (spec §6).
func (as *AddressSpace) DefineStack() (uintptr, error) {
	if as.PT != nil {
		return 0, fmt.Errorf("addrspace: DefineStack called twice")
	}
	as.Segments.DefineStack(as.userStack, as.stackPages)
	base2 := as.userStack - uintptr(as.stackPages)*segment.PageSize
	as.PT = pagetable.Init(as.base1, int(as.n1), base2, as.stackPages, as.swapStore)
	return as.userStack, nil
}

// Destroy releases every Valid frame back to the core-map, releases
// any swapped-out slots, and closes the ELF file handle (spec §6, §7,
// §9: "destroy(as) walk[s] the page table and release[s] every Valid
// frame before freeing the page-table structure").
func (as *AddressSpace) Destroy(cm *coremap.Map) error {
	if as.destroyed {
		return fmt.Errorf("addrspace: Destroy called twice")
	}
	as.destroyed = true

	as.PT.Lock()
	var valid []struct {
		vaddr, paddr uintptr
	}
	as.PT.ForEachValid(func(vaddr, paddr uintptr) {
		valid = append(valid, struct{ vaddr, paddr uintptr }{vaddr, paddr})
	})
	as.PT.Unlock()

	for _, v := range valid {
		cm.FreeUser(coremap.FrameIndexOf(v.paddr))
	}

	as.PT.Destroy()
	return as.file.Close()
}
