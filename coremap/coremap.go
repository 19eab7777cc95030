// Package coremap implements the process-wide physical frame registry
// of spec §4.1: kernel/user frame allocation, a first-fit contiguous-run
// allocator for kernel frames, and the FIFO victim queue that drives
// user-page eviction. Frames are addressed by index into a flat slice,
// never by pointer, per spec §9's "linked FIFO in an array" note — the
// same discipline biscuit's mem.Physmem_t uses for its own free lists
// (Physpg_t.nexti is an index into Pgs, with a ^uint32(0) sentinel; here
// the sentinel is len(frames), per spec §9).
package coremap

import (
	"sync"

	"github.com/ed0sh/PoliTo-OS161-Project/swap"
)

// Tag is the per-frame ownership state.
type Tag int

const (
	Untracked Tag = iota // never allocated
	Freed                // was allocated, now free for reuse
	Kernel
	User
)

// Owner identifies the address space + virtual page a User frame backs.
// It is a lookup key, not an owning reference (spec §3: "weak reference").
type Owner struct {
	AS    interface{} // opaque address-space identity (compared by ==)
	Vaddr uintptr
}

// Frame is one core-map entry: one per physical page of RAM.
type Frame struct {
	Tag Tag
	// Run length in frames, valid only at the first frame of a
	// multi-frame allocation (spec §3).
	RunLen int

	// User-only fields.
	Owner    Owner
	prevUser int32 // FIFO link, index into frames; sentinel = len(frames)
	nextUser int32
}

// RawAllocator is the external collaborator that hands out fresh,
// never-before-used physical frames (spec §1 treats kernel allocation
// for control structures as out of scope; this is the raw frame source
// beneath the core-map, analogous to biscuit's own bump allocator in
// mem.Phys_init).
type RawAllocator interface {
	// AllocFrames returns n never-before-used frame indices, or false
	// if the raw pool is exhausted.
	AllocFrames(n int) ([]int, bool)
}

// Map is the core-map: a process-wide singleton (per VM instance in
// this module, to keep tests hermetic) bounded by VM bootstrap/shutdown.
type Map struct {
	mu     sync.Mutex // guards frames[].Tag/RunLen/Owner and the raw allocator
	qmu    sync.Mutex // guards the FIFO head/tail only — acquired after mu
	frames []Frame
	raw    RawAllocator

	fifoHead int32 // sentinel == len(frames): empty queue
	fifoTail int32

	swapStore   *swap.Store
	frameBuf    func(idx int) []byte // maps a frame index to its backing bytes
	evictHookFn func(owner Owner, off swap.Offset)
}

// New constructs a core-map over nframes physical frames, all
// Untracked, with the FIFO empty. frameBuf must return a PageSize-byte
// slice view of frame idx's contents, used during eviction to copy the
// victim's bytes out to swap and by FrameBytes.
func New(nframes int, raw RawAllocator, swapStore *swap.Store, frameBuf func(idx int) []byte) *Map {
	m := &Map{
		frames:   make([]Frame, nframes),
		raw:      raw,
		swapStore: swapStore,
		frameBuf: frameBuf,
	}
	m.fifoHead = int32(nframes)
	m.fifoTail = int32(nframes)
	return m
}

func (m *Map) sentinel() int32 { return int32(len(m.frames)) }

// NumFrames returns the total frame count the core-map was built with.
func (m *Map) NumFrames() int { return len(m.frames) }

// Frame returns a copy of the frame's metadata, for tests and invariant
// checks. It holds the core-map mutex while copying.
func (m *Map) Frame(idx int) Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[idx]
}

// FrameBytes returns the backing byte slice for frame idx, for callers
// that install page contents directly (the fault handler's zero-fill
// and ELF-load paths, and swap-in).
func (m *Map) FrameBytes(idx int) []byte {
	return m.frameBuf(idx)
}

// PageSize duplicates the subsystem-wide page granularity so external
// packages can convert between frame indices and physical addresses
// without importing pagetable (avoiding an import cycle).
const PageSize = 4096

// PaddrOf converts a frame index to the page-aligned physical address
// external callers (the fault handler, page table) address frames by.
func PaddrOf(idx int) uintptr { return uintptr(idx) * PageSize }

// FrameIndexOf is the inverse of PaddrOf.
func FrameIndexOf(paddr uintptr) int { return int(paddr / PageSize) }

// --- kernel allocation -----------------------------------------------

// AllocKernel finds n contiguous Freed frames by a first-fit scan from
// index 0; failing that, it asks the raw allocator for n fresh frames.
// Untracked frames are never matched directly, for the same reason
// claimFreedOrFresh doesn't match them: raw's bump cursor is the only
// authority on which frames have never been handed out. Returns the
// first frame index, or false if both fail (spec §4.1).
func (m *Map) AllocKernel(n int) (int, bool) {
	if n <= 0 {
		panic("coremap: AllocKernel requires n > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if start, ok := m.firstFitLocked(n); ok {
		m.frames[start].Tag = Kernel
		m.frames[start].RunLen = n
		for i := 1; i < n; i++ {
			m.frames[start+i].Tag = Kernel
			m.frames[start+i].RunLen = 0
		}
		return start, true
	}

	idxs, ok := m.raw.AllocFrames(n)
	if !ok {
		return 0, false
	}
	first := idxs[0]
	for i, idx := range idxs {
		if i > 0 && idx != idxs[i-1]+1 {
			panic("coremap: raw allocator returned a non-contiguous run")
		}
		m.frames[idx].Tag = Kernel
		m.frames[idx].RunLen = 0
	}
	m.frames[first].RunLen = n
	return first, true
}

func (m *Map) firstFitLocked(n int) (int, bool) {
	run := 0
	for i := 0; i < len(m.frames); i++ {
		if m.frames[i].Tag == Freed {
			run++
			if run == n {
				return i - n + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// FreeKernel releases the n-frame run starting at paddr, recovering n
// from the first frame's stored run length (spec §4.1).
func (m *Map) FreeKernel(paddr int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &m.frames[paddr]
	if f.Tag != Kernel || f.RunLen == 0 {
		panic("coremap: FreeKernel on a non-head kernel frame")
	}
	n := f.RunLen
	for i := 0; i < n; i++ {
		m.frames[paddr+i].Tag = Freed
		m.frames[paddr+i].RunLen = 0
		m.frames[paddr+i].Owner = Owner{}
	}
}

// --- user allocation and eviction --------------------------------------

// AllocUser returns a single frame for the given owner, never failing:
// it tries a Freed frame, then a fresh frame, then evicts (spec §4.1).
func (m *Map) AllocUser(owner Owner) int {
	if idx, ok := m.claimFreedOrFresh(owner); ok {
		m.pushTail(idx)
		return idx
	}
	return m.evictAndInstall(owner)
}

// claimFreedOrFresh reserves a single frame for owner: first a Freed
// frame, claimed atomically with the scan so two concurrent faulters
// can never claim the same one; failing that, one never-before-used
// frame from the raw allocator (an Untracked frame has never been
// handed out by raw, so it must be requested through raw, not matched
// by the metadata scan — the scan only recycles what the core-map
// itself has already freed).
func (m *Map) claimFreedOrFresh(owner Owner) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.frames {
		if m.frames[i].Tag == Freed {
			m.frames[i].Tag = User
			m.frames[i].RunLen = 1
			m.frames[i].Owner = owner
			return i, true
		}
	}

	idxs, ok := m.raw.AllocFrames(1)
	if !ok {
		return 0, false
	}
	idx := idxs[0]
	m.frames[idx].Tag = User
	m.frames[idx].RunLen = 1
	m.frames[idx].Owner = owner
	return idx, true
}

// evictAndInstall chooses the FIFO head as victim, unlinks it immediately (so a
// second, concurrent eviction can never pick the same frame), writes
// its contents to swap, updates the victim's page table, and only then
// rewrites the core-map entry to the new owner and relinks it at the
// FIFO tail — the exact write-swap / swap-out-victim-pte /
// rewrite-core-map-owner order spec §4.1 describes. The core-map/FIFO
// locks are released before the swap write and the page-table callback,
// per spec §5's non-suspension discipline for the core-map and FIFO
// mutexes.
func (m *Map) evictAndInstall(newOwner Owner) int {
	idx, victimOwner := m.selectAndUnlinkVictim()

	page := m.frameBuf(idx)
	off := m.swapStore.Out(page)
	m.onEvicted(victimOwner, off)

	m.finalizeEviction(idx, newOwner)
	return idx
}

// onEvicted calls the hook vm.Bootstrap installs via SetEvictHook, so the
// core-map never needs to import the pagetable package directly (which
// would invert the lock order described in spec §5 — the page table
// lock must be acquired before the core-map, never the reverse).
func (m *Map) onEvicted(owner Owner, off swap.Offset) {
	if m.evictHookFn == nil {
		panic("coremap: evict triggered before SetEvictHook was called")
	}
	m.evictHookFn(owner, off)
}

// selectAndUnlinkVictim reads the FIFO head's (index, owner), unlinks it
// from the queue so no concurrent evictor can select it again, and
// releases both locks before returning. The frame stays tagged User —
// it is simply detached from the FIFO for the duration of the I/O.
func (m *Map) selectAndUnlinkVictim() (int, Owner) {
	m.mu.Lock()
	m.qmu.Lock()
	if m.fifoHead == m.sentinel() {
		m.qmu.Unlock()
		m.mu.Unlock()
		panic("coremap: evict called with an empty FIFO")
	}
	idx := int(m.fifoHead)
	owner := m.frames[idx].Owner
	m.unlinkLocked(int32(idx))
	m.qmu.Unlock()
	m.mu.Unlock()
	return idx, owner
}

// finalizeEviction rewrites the (already-unlinked) frame's owner and
// relinks it at the FIFO tail, reacquiring both locks per spec §5.
func (m *Map) finalizeEviction(idx int, newOwner Owner) {
	m.mu.Lock()
	m.qmu.Lock()
	m.frames[idx].Owner = newOwner
	m.linkTailLocked(int32(idx))
	m.qmu.Unlock()
	m.mu.Unlock()
}

func (m *Map) pushTail(idx int) {
	m.mu.Lock()
	m.qmu.Lock()
	m.linkTailLocked(int32(idx))
	m.qmu.Unlock()
	m.mu.Unlock()
}

// linkTailLocked appends frame idx to the FIFO tail. Caller holds
// mu and qmu.
func (m *Map) linkTailLocked(idx int32) {
	sent := m.sentinel()
	m.frames[idx].prevUser = m.fifoTail
	m.frames[idx].nextUser = sent
	if m.fifoTail == sent {
		m.fifoHead = idx
	} else {
		m.frames[m.fifoTail].nextUser = idx
	}
	m.fifoTail = idx
}

// unlinkLocked removes frame idx from the FIFO, patching both
// neighbors and the head/tail as needed. Caller holds mu and qmu.
func (m *Map) unlinkLocked(idx int32) {
	sent := m.sentinel()
	f := &m.frames[idx]
	if f.prevUser != sent {
		m.frames[f.prevUser].nextUser = f.nextUser
	} else {
		m.fifoHead = f.nextUser
	}
	if f.nextUser != sent {
		m.frames[f.nextUser].prevUser = f.prevUser
	} else {
		m.fifoTail = f.prevUser
	}
	f.prevUser = sent
	f.nextUser = sent
}

// FreeUser unlinks paddr from the FIFO and marks it Freed (spec §4.1).
func (m *Map) FreeUser(paddr int) {
	m.mu.Lock()
	m.qmu.Lock()
	if m.frames[paddr].Tag != User {
		m.qmu.Unlock()
		m.mu.Unlock()
		panic("coremap: FreeUser on a non-user frame")
	}
	m.unlinkLocked(int32(paddr))
	m.frames[paddr].Tag = Freed
	m.frames[paddr].RunLen = 0
	m.frames[paddr].Owner = Owner{}
	m.qmu.Unlock()
	m.mu.Unlock()
}

// SetEvictHook installs the callback invoked with (victimOwner,
// swapOffset) immediately after a victim's contents have been written
// to swap but before the core-map entry is rewritten to its new owner.
// vm.Bootstrap calls this once with a closure that calls the victim's
// page table's SwapOut.
func (m *Map) SetEvictHook(fn func(owner Owner, off swap.Offset)) {
	m.evictHookFn = fn
}

// FIFOOrder returns the current victim-to-newest ordering of user frame
// indices, for tests asserting the invariant in spec §8.
func (m *Map) FIFOOrder() []int {
	m.mu.Lock()
	m.qmu.Lock()
	defer m.qmu.Unlock()
	defer m.mu.Unlock()
	var order []int
	sent := m.sentinel()
	for i := m.fifoHead; i != sent; i = m.frames[i].nextUser {
		order = append(order, int(i))
	}
	return order
}
