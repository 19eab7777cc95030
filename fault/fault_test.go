package fault_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ed0sh/PoliTo-OS161-Project/addrspace"
	"github.com/ed0sh/PoliTo-OS161-Project/coremap"
	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/fault"
	"github.com/ed0sh/PoliTo-OS161-Project/pagetable"
	"github.com/ed0sh/PoliTo-OS161-Project/stats"
	"github.com/ed0sh/PoliTo-OS161-Project/swap"
	"github.com/ed0sh/PoliTo-OS161-Project/tlb"
)

type bumpAllocator struct{ next, total int }

func (a *bumpAllocator) AllocFrames(n int) ([]int, bool) {
	if a.next+n > a.total {
		return nil, false
	}
	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = a.next + i
	}
	a.next += n
	return idxs, true
}

const userStack = uintptr(0x80000000)

type harness struct {
	h    *fault.Handler
	cm   *coremap.Map
	sw   *swap.Store
	tl   *tlb.Loader
	st   *stats.Counters
	as   *addrspace.AddressSpace
	hook func(coremap.Owner, swap.Offset)
}

func newHarness(t *testing.T, nframes int, progBytes []byte) *harness {
	t.Helper()
	st := stats.New()
	swapSlots := nframes * 8 // swap capacity must exceed RAM, or repeated eviction exhausts it
	sw, err := swap.Open(filepath.Join(t.TempDir(), "swap.img"), int64(swapSlots)*swap.PageSize, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sw.Close() })

	raw := &bumpAllocator{total: nframes}
	backing := make([][]byte, nframes)
	for i := range backing {
		backing[i] = make([]byte, swap.PageSize)
	}
	cm := coremap.New(nframes, raw, sw, func(i int) []byte { return backing[i] })

	h := &harness{cm: cm, sw: sw, st: st}
	cm.SetEvictHook(func(owner coremap.Owner, off swap.Offset) {
		victim := owner.AS.(*addrspace.AddressSpace)
		victim.PT.Lock()
		victim.PT.SwapOut(owner.Vaddr, off)
		victim.PT.Unlock()
	})

	tl := tlb.New(8, st)
	h.tl = tl
	h.h = &fault.Handler{CM: cm, TLB: tl, Swap: sw, Stats: st, UserStackTop: userStack}

	prog := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(prog, progBytes, 0o644))
	as, err := addrspace.Create(prog, userStack, 4, sw)
	require.NoError(t, err)
	require.NoError(t, as.DefineRegion(0x400000, len(progBytes), defs.PermR|defs.PermX, len(progBytes), 0))
	require.NoError(t, as.PrepareLoad())
	require.NoError(t, as.CompleteLoad())
	_, err = as.DefineStack()
	require.NoError(t, err)
	h.as = as
	return h
}

func TestZeroFillStackFault(t *testing.T) {
	h := newHarness(t, 4, make([]byte, 4096))
	errno := h.h.Fault(h.as, defs.FaultWrite, userStack-8)
	require.Equal(t, defs.Errno(0), errno)

	assert.EqualValues(t, 1, h.st.Snapshot().PageFaultsZeroed)
	assert.EqualValues(t, 1, h.st.Snapshot().TLBFaults)

	entry := h.as.PT.Get((userStack - 8) &^ 0xFFF)
	assert.Equal(t, pagetable.Valid, entry.Status)
}

func TestFirstELFFault(t *testing.T) {
	prog := make([]byte, 4096)
	prog[0] = 0xAA
	h := newHarness(t, 4, prog)

	errno := h.h.Fault(h.as, defs.FaultRead, 0x400000)
	require.Equal(t, defs.Errno(0), errno)
	assert.EqualValues(t, 1, h.st.Snapshot().PageFaultsELF)
	assert.EqualValues(t, 1, h.st.Snapshot().PageFaultsDisk)

	entry := h.as.PT.Get(0x400000)
	require.Equal(t, pagetable.Valid, entry.Status)
	frame := h.cm.FrameBytes(coremap.FrameIndexOf(entry.Paddr))
	assert.Equal(t, byte(0xAA), frame[0])
}

func TestRefaultOfResidentPageIsTLBReloadOnly(t *testing.T) {
	h := newHarness(t, 4, make([]byte, 4096))
	require.Equal(t, defs.Errno(0), h.h.Fault(h.as, defs.FaultRead, 0x400000))
	require.Equal(t, defs.Errno(0), h.h.Fault(h.as, defs.FaultRead, 0x400000))

	assert.EqualValues(t, 1, h.st.Snapshot().TLBReloads)
	assert.EqualValues(t, 2, h.st.Snapshot().TLBFaults)
}

func TestBadAddressReturnsEFAULT(t *testing.T) {
	h := newHarness(t, 4, make([]byte, 4096))
	errno := h.h.Fault(h.as, defs.FaultRead, 0x1)
	assert.Equal(t, defs.EFAULT, errno)
}

func TestWriteToReadOnlyPageIsRejected(t *testing.T) {
	h := newHarness(t, 4, make([]byte, 4096))
	errno := h.h.Fault(h.as, defs.FaultWrite, 0x400000)
	assert.Equal(t, defs.EFAULT, errno)
}

func TestUnknownFaultKindReturnsEINVAL(t *testing.T) {
	h := newHarness(t, 4, make([]byte, 4096))
	errno := h.h.Fault(h.as, defs.FaultKind(99), 0x400000)
	assert.Equal(t, defs.EINVAL, errno)
}

func TestEvictionSwapsOutVictimThenFaultBringsItBack(t *testing.T) {
	h := newHarness(t, 1, make([]byte, 4096))
	// Touch the stack page: the sole frame is now occupied.
	require.Equal(t, defs.Errno(0), h.h.Fault(h.as, defs.FaultWrite, userStack-8))

	// Touching the code page evicts the stack page to swap.
	require.Equal(t, defs.Errno(0), h.h.Fault(h.as, defs.FaultRead, 0x400000))
	stackEntry := h.as.PT.Get((userStack - 8) &^ 0xFFF)
	assert.Equal(t, pagetable.SwappedOut, stackEntry.Status)

	// Re-faulting the stack page evicts the code page and reads the
	// stack page back in from swap.
	require.Equal(t, defs.Errno(0), h.h.Fault(h.as, defs.FaultWrite, userStack-8))
	stackEntry = h.as.PT.Get((userStack - 8) &^ 0xFFF)
	assert.Equal(t, pagetable.Valid, stackEntry.Status)
	assert.EqualValues(t, 1, h.st.Snapshot().PageFaultsSwapfile)
}
