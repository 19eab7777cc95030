// Package tlb implements the software-managed TLB replacement policy of
// spec §4.6: probe-on-hit reuse, first-invalid-slot-wins on miss, and a
// process-wide round-robin cursor once every slot is valid.
package tlb

import (
	"sync"

	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/stats"
	"github.com/ed0sh/PoliTo-OS161-Project/vmutil"
)

// PageSize matches the rest of the subsystem.
const PageSize = 4096

// Low-word bits, named the way biscuit names its PTE_* bits.
const (
	bitValid = 1 << 0
	bitDirty = 1 << 1
)

// Entry is one hardware TLB slot: a (virtual page, physical frame +
// permission) translation.
type Entry struct {
	EntryHi  uintptr // virtual page number, shifted
	EntryLo  uintptr // physical frame number | flag bits
	valid    bool
}

// Loader is the per-CPU TLB plus the process-wide round-robin cursor.
// In this single-CPU-assumption module (spec §5: "single-CPU assumption;
// a multi-CPU extension would require cross-CPU invalidation") one
// Loader models the one hardware TLB in the system.
type Loader struct {
	// mu stands in for "interrupts disabled on the current CPU": a
	// critical section that must never itself suspend, matching the
	// non-suspension discipline spec §5 requires of the real interrupt
	// disable/enable pair.
	mu      sync.Mutex
	entries []Entry
	rr      int // round-robin cursor, advances mod len(entries)

	st *stats.Counters
}

// New builds a Loader with numTLB entries, all invalid.
func New(numTLB int, st *stats.Counters) *Loader {
	return &Loader{
		entries: make([]Entry, numTLB),
		st:      st,
	}
}

func pageOf(vaddr uintptr) uintptr {
	return vmutil.Rounddown(vaddr, uintptr(PageSize))
}

// probe returns the slot index holding entryHi, if any.
func (l *Loader) probe(entryHi uintptr) (int, bool) {
	for i := range l.entries {
		if l.entries[i].valid && l.entries[i].EntryHi == entryHi {
			return i, true
		}
	}
	return -1, false
}

// Load writes one TLB entry for (vaddr, paddr, perm), following spec
// §4.6's victim-selection order: probe hit, else first invalid slot,
// else round-robin.
func (l *Loader) Load(vaddr uintptr, paddr uintptr, perm defs.Perm) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hi := pageOf(vaddr)
	var victim int
	if i, ok := l.probe(hi); ok {
		victim = i
	} else if i, ok := l.firstInvalid(); ok {
		victim = i
		l.st.IncTLBFaultsWithFree()
	} else {
		victim = l.rr
		l.rr = (l.rr + 1) % len(l.entries)
		l.st.IncTLBFaultsWithReplace()
	}

	lo := pageOf(paddr) | bitValid
	if perm.Writable() {
		lo |= bitDirty
	}
	l.entries[victim] = Entry{EntryHi: hi, EntryLo: lo, valid: true}
}

func (l *Loader) firstInvalid() (int, bool) {
	for i := range l.entries {
		if !l.entries[i].valid {
			return i, true
		}
	}
	return -1, false
}

// InvalidateAll writes the invalid sentinel into every slot, used on
// address-space switch (spec §4.6).
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.rr = 0
	l.st.IncTLBInvalidations()
}

// InvalidateEntry probes for vaddr and, if present, invalidates only
// that slot (spec §4.6).
func (l *Loader) InvalidateEntry(vaddr uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.probe(pageOf(vaddr)); ok {
		l.entries[i] = Entry{}
	}
}

// Lookup reports whether vaddr currently has a valid TLB translation,
// for tests exercising the "TLB-only fault" scenario in spec §8.
func (l *Loader) Lookup(vaddr uintptr) (paddr uintptr, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.probe(pageOf(vaddr))
	if !ok {
		return 0, false
	}
	return l.entries[i].EntryLo &^ (bitValid | bitDirty), true
}
