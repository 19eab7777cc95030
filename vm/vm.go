// Package vm is the top-level facade spec §6 describes: bootstrap,
// shutdown, the per-switch TLB flush, and the fault entry point a
// trap handler would call. It owns the one core-map, swap store, and
// TLB loader shared by every address space in the running system, and
// wires the core-map's eviction hook back into whichever address
// space owned the victim.
package vm

import (
	"fmt"

	"github.com/ed0sh/PoliTo-OS161-Project/addrspace"
	"github.com/ed0sh/PoliTo-OS161-Project/coremap"
	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/fault"
	"github.com/ed0sh/PoliTo-OS161-Project/stats"
	"github.com/ed0sh/PoliTo-OS161-Project/swap"
	"github.com/ed0sh/PoliTo-OS161-Project/tlb"
)

// Config holds the sizing knobs spec §6 calls out: total frame count,
// TLB size, swap file location, and the user stack layout every
// address space is built with.
type Config struct {
	NumFrames  int
	NumTLB     int
	SwapPath   string
	SwapBytes  int64
	UserStack  uintptr
	StackPages int
}

// DefaultConfig mirrors the numbers OS/161-derived teaching kernels
// ship with: a 64-entry software TLB and an 8-page (32KB) user stack.
func DefaultConfig(swapPath string, numFrames int) Config {
	return Config{
		NumFrames:  numFrames,
		NumTLB:     64,
		SwapPath:   swapPath,
		SwapBytes:  int64(numFrames) * coremap.PageSize,
		UserStack:  0x80000000,
		StackPages: 8,
	}
}

// arena is the raw physical-memory backing store: a flat byte buffer
// sliced into PageSize frames, plus a bump allocator over the frames
// the core-map's first-fit scan hasn't already reclaimed. It plays the
// role biscuit's mem.Phys_init bump allocator plays beneath Physmem_t.
type arena struct {
	bytes []byte
	next  int
}

func newArena(numFrames int) *arena {
	return &arena{bytes: make([]byte, numFrames*coremap.PageSize)}
}

func (a *arena) frame(idx int) []byte {
	return a.bytes[idx*coremap.PageSize : (idx+1)*coremap.PageSize]
}

// AllocFrames implements coremap.RawAllocator with a simple bump
// allocator: physical memory in this module is never returned to the
// raw pool, only recycled by the core-map itself once a frame has been
// tagged Freed.
func (a *arena) AllocFrames(n int) ([]int, bool) {
	total := len(a.bytes) / coremap.PageSize
	if a.next+n > total {
		return nil, false
	}
	idxs := make([]int, n)
	for i := 0; i < n; i++ {
		idxs[i] = a.next + i
	}
	a.next += n
	return idxs, true
}

// VM is the bootstrapped subsystem: one core-map, one swap store, one
// TLB loader, shared by every address space created against it.
type VM struct {
	cfg   Config
	CM    *coremap.Map
	Swap  *swap.Store
	TLB   *tlb.Loader
	Stats *stats.Counters
	arena *arena
	fault *fault.Handler
}

// Bootstrap wires the whole subsystem per spec §6: recreate the swap
// file, size the core-map to cfg.NumFrames, and build the TLB loader,
// installing the core-map's eviction hook so a victim's owning address
// space gets its page table entry rewritten to SwappedOut before the
// frame is handed to its new owner.
func Bootstrap(cfg Config) (*VM, error) {
	st := stats.New()

	sw, err := swap.Open(cfg.SwapPath, cfg.SwapBytes, st)
	if err != nil {
		return nil, fmt.Errorf("vm: bootstrap swap: %w", err)
	}

	ar := newArena(cfg.NumFrames)
	cm := coremap.New(cfg.NumFrames, ar, sw, ar.frame)
	cm.SetEvictHook(func(owner coremap.Owner, off swap.Offset) {
		victim, ok := owner.AS.(*addrspace.AddressSpace)
		if !ok || victim == nil {
			panic("vm: evicted frame has no owning address space")
		}
		victim.PT.Lock()
		victim.PT.SwapOut(owner.Vaddr, off)
		victim.PT.Unlock()
	})

	tl := tlb.New(cfg.NumTLB, st)

	v := &VM{
		cfg:   cfg,
		CM:    cm,
		Swap:  sw,
		TLB:   tl,
		Stats: st,
		arena: ar,
	}
	v.fault = &fault.Handler{
		CM:           cm,
		TLB:          tl,
		Swap:         sw,
		Stats:        st,
		UserStackTop: cfg.UserStack,
	}
	return v, nil
}

// Shutdown closes the swap file and reports any stats cross-counter
// violation found, per spec §4.7's "a mismatch logs a warning; it is
// not fatal" and §6's bootstrap/shutdown bracket.
func (v *VM) Shutdown() []string {
	violations := v.Stats.CheckConsistency()
	if err := v.Swap.Close(); err != nil {
		violations = append(violations, fmt.Sprintf("swap: close: %v", err))
	}
	return violations
}

// Activate flushes the whole TLB on an address-space switch, per spec
// §4.6: a newly scheduled address space must not observe stale
// translations left behind by the previous one.
func (v *VM) Activate(as *addrspace.AddressSpace) {
	v.TLB.InvalidateAll()
}

// Fault is the trap-handler entry point: page-align, classify, and
// service one faulting access against as.
func (v *VM) Fault(as *addrspace.AddressSpace, kind defs.FaultKind, faultVaddr uintptr) defs.Errno {
	return v.fault.Fault(as, kind, faultVaddr)
}

// NewAddressSpace is a convenience wrapper over addrspace.Create that
// threads this VM's swap store through, so callers don't need to reach
// into VM internals to build one.
func (v *VM) NewAddressSpace(progname string) (*addrspace.AddressSpace, error) {
	return addrspace.Create(progname, v.cfg.UserStack, v.cfg.StackPages, v.Swap)
}
