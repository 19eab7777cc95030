// Package fault implements the fault handler and TLB reload sequence of
// spec §4.5: the one function every user-mode memory access ultimately
// funnels through. It holds no state of its own — everything it touches
// belongs to the faulting address space or to the shared core-map, swap
// store, and TLB loader it is constructed with.
package fault

import (
	"fmt"

	"github.com/ed0sh/PoliTo-OS161-Project/addrspace"
	"github.com/ed0sh/PoliTo-OS161-Project/coremap"
	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/pagetable"
	"github.com/ed0sh/PoliTo-OS161-Project/segment"
	"github.com/ed0sh/PoliTo-OS161-Project/stats"
	"github.com/ed0sh/PoliTo-OS161-Project/swap"
	"github.com/ed0sh/PoliTo-OS161-Project/tlb"
)

// PageSize matches the rest of the subsystem.
const PageSize = 4096

// Handler wires the core-map, swap store, TLB loader and stats counters
// a fault needs; every address space it is called with must have been
// built against the same core-map and swap store.
type Handler struct {
	CM    *coremap.Map
	TLB   *tlb.Loader
	Swap  *swap.Store
	Stats *stats.Counters

	// UserStackTop is USERSTACK, needed to tell a stack page apart from
	// an ELF-backed one (segment.Segment.IsStack).
	UserStackTop uintptr
}

// Fault runs the full sequence of spec §4.5 for one faulting access:
// reject a write to a read-only page or an unrecognized fault kind,
// locate the segment, bring the page to Valid by whichever of the three
// residence-state paths applies, then load the TLB and return.
//
// A zero return value means the access may be retried; any other value
// is the errno the caller should report (and, for EFAULT, the signal
// that the faulting thread should be killed — policy the caller, not
// this package, carries out).
func (h *Handler) Fault(as *addrspace.AddressSpace, kind defs.FaultKind, faultVaddr uintptr) defs.Errno {
	switch kind {
	case defs.FaultRead, defs.FaultWrite:
	case defs.FaultReadOnly:
		return defs.EFAULT
	default:
		return defs.EINVAL
	}
	if as == nil {
		return defs.EFAULT
	}

	vaddr := faultVaddr &^ (PageSize - 1)
	seg, ok := as.Segments.Lookup(vaddr)
	if !ok {
		return defs.EFAULT
	}
	if kind == defs.FaultWrite && !seg.Perm.Writable() {
		return defs.EFAULT
	}

	as.PT.Lock()
	entry := as.PT.Get(vaddr)
	as.PT.Unlock()

	var paddr uintptr
	switch entry.Status {
	case pagetable.Empty:
		paddr = h.installFresh(as, seg, vaddr)
	case pagetable.SwappedOut:
		paddr = h.installFromSwap(as, seg, vaddr, entry.SwapOffset)
	case pagetable.Valid:
		paddr = entry.Paddr
		h.Stats.IncTLBReloads()
	default:
		panic(fmt.Sprintf("fault: unknown page table status %d", entry.Status))
	}

	if paddr%PageSize != 0 {
		panic("fault: installed paddr is not page-aligned")
	}
	h.TLB.Load(vaddr, paddr, seg.Perm)
	h.Stats.IncTLBFaults()
	return 0
}

// installFresh handles the Empty case: allocate a frame (may evict),
// then fill it — zero for a stack page, ELF-backed otherwise — and
// record it Valid. The page-table lock is dropped across AllocUser,
// since eviction may need to acquire some other address space's page
// table lock to write back its victim (spec §4.5: "drop the lock").
func (h *Handler) installFresh(as *addrspace.AddressSpace, seg *segment.Segment, vaddr uintptr) uintptr {
	idx := h.CM.AllocUser(coremap.Owner{AS: as, Vaddr: vaddr})
	frame := h.CM.FrameBytes(idx)

	if seg.IsStack(h.UserStackTop) {
		for i := range frame {
			frame[i] = 0
		}
		h.Stats.IncPageFaultsZeroed()
	} else {
		if err := as.ELF.LoadPage(seg, vaddr, frame); err != nil {
			panic(err)
		}
		h.Stats.IncPageFaultsELF()
		h.Stats.IncPageFaultsDisk()
	}

	as.PT.Lock()
	as.PT.Add(vaddr, coremap.PaddrOf(idx), seg.Perm)
	as.PT.Unlock()
	return coremap.PaddrOf(idx)
}

// installFromSwap handles the SwappedOut case: allocate a frame (may
// evict), read the page back in, and record it Valid.
func (h *Handler) installFromSwap(as *addrspace.AddressSpace, seg *segment.Segment, vaddr uintptr, off swap.Offset) uintptr {
	idx := h.CM.AllocUser(coremap.Owner{AS: as, Vaddr: vaddr})
	frame := h.CM.FrameBytes(idx)

	h.Swap.In(frame, off)

	as.PT.Lock()
	as.PT.SwapIn(vaddr, coremap.PaddrOf(idx), seg.Perm)
	as.PT.Unlock()
	h.Stats.IncPageFaultsDisk()
	return coremap.PaddrOf(idx)
}
