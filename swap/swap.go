// Package swap implements the bitmap-managed swap file described in
// spec §4.3: a fixed-size pool of page-sized slots, with a
// write-on-evict / read-on-fault protocol. I/O goes through
// golang.org/x/sys/unix's positioned Pread/Pwrite, the same way
// SeleniaProject-Orizon's zero-copy file helpers
// (internal/runtime/asyncio/zerocopy_unix_file.go) reach past the
// standard library for direct, offset-addressed access to a file
// descriptor instead of seek+read/write.
package swap

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ed0sh/PoliTo-OS161-Project/stats"
)

// PageSize is the page/slot granularity used by the whole VM subsystem.
const PageSize = 4096

// Offset identifies a slot by its byte offset into the swap file.
type Offset int64

// Store is the swap file plus its allocation bitmap. All methods are
// safe for concurrent use; the bitmap and the underlying file are
// mutated only under mu, which may be held across synchronous I/O per
// spec §4.3 (callers never hold the core-map or FIFO locks while
// calling into Store — see spec §5; pagetable.Table.Destroy calls Free
// with its own page-table lock held).
type Store struct {
	mu    sync.Mutex
	file  *os.File
	bits  []uint64 // one bit per slot; bit set <=> slot holds a valid page
	slots int

	st *stats.Counters
}

// Open creates (or truncates, per spec §6: "recreated or truncated at
// bootstrap") the backing file at path, sized to hold exactly
// sizeBytes/PageSize slots, and returns a ready Store.
func Open(path string, sizeBytes int64, st *stats.Counters) (*Store, error) {
	if sizeBytes <= 0 || sizeBytes%PageSize != 0 {
		return nil, fmt.Errorf("swap: size %d is not a positive multiple of the page size", sizeBytes)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("swap: open %s: %w", path, err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("swap: truncate %s: %w", path, err)
	}
	slots := int(sizeBytes / PageSize)
	return &Store{
		file:  f,
		bits:  make([]uint64, (slots+63)/64),
		slots: slots,
		st:    st,
	}, nil
}

// Close releases the underlying file descriptor.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *Store) bitSet(i int) bool {
	return s.bits[i/64]&(1<<uint(i%64)) != 0
}

func (s *Store) bitMark(i int) {
	s.bits[i/64] |= 1 << uint(i%64)
}

func (s *Store) bitClear(i int) {
	s.bits[i/64] &^= 1 << uint(i%64)
}

// firstClear performs the first-clear allocator scan for a free slot.
func (s *Store) firstClear() (int, bool) {
	for i := 0; i < s.slots; i++ {
		if !s.bitSet(i) {
			return i, true
		}
	}
	return 0, false
}

// Out writes one page's worth of bytes from page into a freshly
// allocated slot and returns its offset. A full swap file is fatal, per
// spec §7: "Swap file full -> panic (no graceful degradation)".
func (s *Store) Out(page []byte) Offset {
	if len(page) != PageSize {
		panic("swap: Out requires exactly one page")
	}
	s.mu.Lock()
	idx, ok := s.firstClear()
	if !ok {
		s.mu.Unlock()
		panic("swap: backing store exhausted")
	}
	s.bitMark(idx)
	off := Offset(idx) * PageSize
	n, err := unix.Pwrite(int(s.file.Fd()), page, int64(off))
	s.mu.Unlock()
	if err != nil {
		panic(fmt.Sprintf("swap: write at offset %d: %v", off, err))
	}
	if n != PageSize {
		panic(fmt.Sprintf("swap: short write at offset %d: %d bytes", off, n))
	}
	s.st.IncSwapfileWrites()
	return off
}

// In reads the page at off into dst and clears the slot's bit. Reading
// a slot whose bit is clear is a contract violation (spec §7).
func (s *Store) In(dst []byte, off Offset) {
	if len(dst) != PageSize {
		panic("swap: In requires exactly one page")
	}
	idx := int(off) / PageSize
	s.mu.Lock()
	if idx < 0 || idx >= s.slots || !s.bitSet(idx) {
		s.mu.Unlock()
		panic("swap: In on an unallocated slot")
	}
	n, err := unix.Pread(int(s.file.Fd()), dst, int64(off))
	if err != nil {
		s.mu.Unlock()
		panic(fmt.Sprintf("swap: read at offset %d: %v", off, err))
	}
	if n != PageSize {
		s.mu.Unlock()
		panic(fmt.Sprintf("swap: short read at offset %d: %d bytes", off, n))
	}
	s.bitClear(idx)
	s.mu.Unlock()
	s.st.IncPageFaultsSwapfile()
}

// Free releases a slot without touching the file, for use by
// destroy-time cleanup of a process's still-swapped pages (spec §7).
// Freeing an already-clear slot is a contract violation.
func (s *Store) Free(off Offset) {
	idx := int(off) / PageSize
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= s.slots || !s.bitSet(idx) {
		panic("swap: Free on an unallocated slot")
	}
	s.bitClear(idx)
}

// SlotAllocated reports whether the slot backing off is currently
// marked allocated. It exists for the testable invariant in spec §8
// ("swap_offset/PAGE_SIZE bit in the swap bitmap is set").
func (s *Store) SlotAllocated(off Offset) bool {
	idx := int(off) / PageSize
	s.mu.Lock()
	defer s.mu.Unlock()
	return idx >= 0 && idx < s.slots && s.bitSet(idx)
}
