package addrspace_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ed0sh/PoliTo-OS161-Project/addrspace"
	"github.com/ed0sh/PoliTo-OS161-Project/coremap"
	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/pagetable"
	"github.com/ed0sh/PoliTo-OS161-Project/stats"
	"github.com/ed0sh/PoliTo-OS161-Project/swap"
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

func scratchExecutable(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newSwap(t *testing.T, slots int) *swap.Store {
	t.Helper()
	st := stats.New()
	s, err := swap.Open(filepath.Join(t.TempDir(), "swap.img"), int64(slots)*swap.PageSize, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateDefineLoadStackSequence(t *testing.T) {
	sw := newSwap(t, 8)
	prog := scratchExecutable(t, 4096)
	const userStack = uintptr(0x80000000)

	as, err := addrspace.Create(prog, userStack, 4, sw)
	require.NoError(t, err)

	require.NoError(t, as.DefineRegion(0x400000, 4096, defs.PermR|defs.PermX, 4096, 0))
	require.NoError(t, as.PrepareLoad())
	require.NoError(t, as.CompleteLoad())

	sp, err := as.DefineStack()
	require.NoError(t, err)
	assert.Equal(t, userStack, sp)
	require.NotNil(t, as.PT)

	entry := as.PT.Get(0x400000)
	assert.Equal(t, pagetable.Empty, entry.Status)
}

func TestDefineRegionAfterPrepareLoadErrors(t *testing.T) {
	sw := newSwap(t, 8)
	prog := scratchExecutable(t, 4096)
	as, err := addrspace.Create(prog, 0x80000000, 4, sw)
	require.NoError(t, err)

	require.NoError(t, as.DefineRegion(0x400000, 4096, defs.PermR, 4096, 0))
	require.NoError(t, as.PrepareLoad())
	_, err = as.DefineStack()
	require.NoError(t, err)

	err = as.DefineRegion(0x500000, 4096, defs.PermR, 4096, 0)
	assert.Error(t, err)
}

func TestDestroyReturnsValidFramesToCoreMap(t *testing.T) {
	sw := newSwap(t, 8)
	prog := scratchExecutable(t, 4096)
	const userStack = uintptr(0x80000000)
	as, err := addrspace.Create(prog, userStack, 4, sw)
	require.NoError(t, err)
	require.NoError(t, as.DefineRegion(0x400000, 4096, defs.PermR|defs.PermX, 4096, 0))
	require.NoError(t, as.PrepareLoad())
	_, err = as.DefineStack()
	require.NoError(t, err)

	raw := &bumpAllocator{total: 8}
	backing := make([][]byte, 8)
	for i := range backing {
		backing[i] = make([]byte, swap.PageSize)
	}
	cm := coremap.New(8, raw, sw, func(i int) []byte { return backing[i] })

	paddr := coremap.PaddrOf(cm.AllocUser(coremap.Owner{AS: as, Vaddr: 0x400000}))
	as.PT.Add(0x400000, paddr, defs.PermR|defs.PermX)

	require.NoError(t, as.Destroy(cm))

	idx := coremap.FrameIndexOf(paddr)
	assert.Equal(t, coremap.Freed, cm.Frame(idx).Tag)
}
