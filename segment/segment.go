// Package segment implements the per-address-space segment table and
// the ELF partial-page loader of spec §4.4. Segments are built during
// exec from the ELF program headers (an external collaborator per
// spec §1); this package only needs a ReaderAt over the executable to
// materialize one page at a time.
package segment

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/vmutil"
)

// PageSize matches swap.PageSize; duplicated here (rather than
// imported) to keep segment free of a dependency on swap, mirroring
// how biscuit's mem package owns PGSIZE independently of every
// consumer.
const PageSize = 4096

// Segment describes one ELF PT_LOAD region, or the stack, per spec §3.
type Segment struct {
	Perm       defs.Perm
	Base       uintptr // page-aligned base
	IntraOff   uintptr // bytes between Base and the true ELF vaddr
	FileOffset int64
	FileSize   int   // bytes of valid file data
	MemSize    int   // bytes of in-memory size (>= FileSize)
	PageCount  int
}

// Contains reports whether the page-aligned vaddr falls within this
// segment's mapped page range.
func (s *Segment) Contains(vaddr uintptr) bool {
	end := s.Base + uintptr(s.PageCount)*PageSize
	return vaddr >= s.Base && vaddr < end
}

// IsStack reports whether this segment is the stack segment, using the
// same positional test as spec §4.5: "the stack is identified by
// segment.base == USERSTACK - segment.mem_size".
func (s *Segment) IsStack(userStack uintptr) bool {
	return s.Base == userStack-uintptr(s.MemSize)
}

// Table is the ordered, append-only list of segments for one address
// space, per spec §3 ("Segments are immutable once defined").
type Table struct {
	segs []*Segment
}

// Define appends a new segment built from the given ELF PT_LOAD
// parameters, computing the page-aligned base and intra-page offset
// per spec §4.4.
func (t *Table) Define(vaddr uintptr, memsz int, perm defs.Perm, filesz int, fileoff int64) *Segment {
	base := vmutil.Rounddown(vaddr, uintptr(PageSize))
	intra := vaddr - base
	alignedMemsz := int(intra) + memsz
	pages := (alignedMemsz + PageSize - 1) / PageSize
	seg := &Segment{
		Perm:       perm,
		Base:       base,
		IntraOff:   intra,
		FileOffset: fileoff,
		FileSize:   filesz,
		MemSize:    memsz,
		PageCount:  pages,
	}
	t.segs = append(t.segs, seg)
	return seg
}

// DefineStack appends the final stack segment, per spec §4.4: base =
// USERSTACK - stackPages*PageSize, R/W, no file contribution.
func (t *Table) DefineStack(userStack uintptr, stackPages int) *Segment {
	size := stackPages * PageSize
	seg := &Segment{
		Perm:      defs.PermR | defs.PermW,
		Base:      userStack - uintptr(size),
		MemSize:   size,
		PageCount: stackPages,
	}
	t.segs = append(t.segs, seg)
	return seg
}

// Lookup performs the linear search over the segment list mandated by
// spec §4.5 ("Locate the segment via linear search").
func (t *Table) Lookup(vaddr uintptr) (*Segment, bool) {
	for _, s := range t.segs {
		if s.Contains(vaddr) {
			return s, true
		}
	}
	return nil, false
}

// Segments returns the full ordered segment list, for iteration when
// the address space computes its page-table extent, or for inspection.
func (t *Table) Segments() []*Segment {
	return t.segs
}

// Loader materializes ELF-backed pages into physical frames.
type Loader struct {
	file io.ReaderAt
}

// NewLoader wraps a ReaderAt over the executable. The ELF file handle
// lives on the address space and stays open for the process's entire
// lifetime per spec §4.5, so partial reads remain possible at any
// point after exec.
func NewLoader(file io.ReaderAt) *Loader {
	return &Loader{file: file}
}

// LoadPage zeroes frame entirely, then copies in the segment's
// contribution to the faulting page, exactly per spec §4.4's page-0 /
// page-k split.
func (l *Loader) LoadPage(seg *Segment, vaddr uintptr, frame []byte) error {
	if len(frame) != PageSize {
		panic("segment: LoadPage requires exactly one page")
	}
	for i := range frame {
		frame[i] = 0
	}

	pageIdx := int((vaddr - seg.Base) / PageSize)
	if pageIdx < 0 || pageIdx >= seg.PageCount {
		panic("segment: vaddr outside segment")
	}

	var n int
	var srcOff int64
	var dstOff int
	if pageIdx == 0 {
		n = vmutil.Min(int(PageSize)-int(seg.IntraOff), seg.FileSize)
		srcOff = seg.FileOffset
		dstOff = int(seg.IntraOff)
	} else {
		skew := pageIdx*PageSize - int(seg.IntraOff)
		n = vmutil.Min(PageSize, seg.FileSize-skew)
		srcOff = seg.FileOffset + int64(skew)
		dstOff = 0
	}
	if n <= 0 {
		// Entirely zero-fill tail page; the initial wipe already
		// handled this.
		return nil
	}
	if _, err := l.file.ReadAt(frame[dstOff:dstOff+n], srcOff); err != nil {
		return fmt.Errorf("segment: reading page %d of segment at %#x: %w", pageIdx, seg.Base, err)
	}
	return nil
}

// DefineRegionFunc matches addrspace.AddressSpace.DefineRegion, so
// BuildFromELF can drive the canonical exec-time call sequence instead
// of mutating a Table directly.
type DefineRegionFunc func(vaddr uintptr, memsize int, perm defs.Perm, filesize int, fileoffset int64) error

// BuildFromELF discovers PT_LOAD segments from a real ELF executable
// and calls define once per segment, in program-header order. It is
// not part of the in-scope fault-handling contract — spec.md treats
// ELF header parsing as an external collaborator — but is provided so
// the demo harness in cmd/vmdemo has something concrete to call instead
// of hand-parsing program headers itself.
func BuildFromELF(f *elf.File, define DefineRegionFunc) error {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		perm := defs.Perm(0)
		if prog.Flags&elf.PF_R != 0 {
			perm |= defs.PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= defs.PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= defs.PermX
		}
		if err := define(uintptr(prog.Vaddr), int(prog.Memsz), perm, int(prog.Filesz), int64(prog.Off)); err != nil {
			return fmt.Errorf("segment: defining region at %#x: %w", prog.Vaddr, err)
		}
	}
	return nil
}
