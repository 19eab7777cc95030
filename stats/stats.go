// Package stats holds the monotone counters described in spec §4.7: ten
// named events plus a shutdown-time consistency check. It generalizes
// biscuit's stats.Counter_t, whose Inc() only fired behind a compile-time
// `const Stats = false` switch, into counters that are always live.
package stats

import "sync/atomic"

// Counters is the process-wide (or per-VM-instance) set of monotone
// event counters.
type Counters struct {
	tlbFaults            int64
	tlbFaultsWithFree    int64
	tlbFaultsWithReplace int64
	tlbInvalidations     int64
	tlbReloads           int64
	pageFaultsZeroed     int64
	pageFaultsDisk       int64
	pageFaultsELF        int64
	pageFaultsSwapfile   int64
	swapfileWrites       int64
}

// New returns a freshly zeroed counter set.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) IncTLBFaults()           { atomic.AddInt64(&c.tlbFaults, 1) }
func (c *Counters) IncTLBFaultsWithFree()    { atomic.AddInt64(&c.tlbFaultsWithFree, 1) }
func (c *Counters) IncTLBFaultsWithReplace() { atomic.AddInt64(&c.tlbFaultsWithReplace, 1) }
func (c *Counters) IncTLBInvalidations()     { atomic.AddInt64(&c.tlbInvalidations, 1) }
func (c *Counters) IncTLBReloads()           { atomic.AddInt64(&c.tlbReloads, 1) }
func (c *Counters) IncPageFaultsZeroed()     { atomic.AddInt64(&c.pageFaultsZeroed, 1) }
func (c *Counters) IncPageFaultsDisk()       { atomic.AddInt64(&c.pageFaultsDisk, 1) }
func (c *Counters) IncPageFaultsELF()        { atomic.AddInt64(&c.pageFaultsELF, 1) }
func (c *Counters) IncPageFaultsSwapfile()   { atomic.AddInt64(&c.pageFaultsSwapfile, 1) }
func (c *Counters) IncSwapfileWrites()       { atomic.AddInt64(&c.swapfileWrites, 1) }

// Snapshot is a read-only copy of every counter, suitable for printing
// or asserting against in tests.
type Snapshot struct {
	TLBFaults            int64
	TLBFaultsWithFree    int64
	TLBFaultsWithReplace int64
	TLBInvalidations     int64
	TLBReloads           int64
	PageFaultsZeroed     int64
	PageFaultsDisk       int64
	PageFaultsELF        int64
	PageFaultsSwapfile   int64
	SwapfileWrites       int64
}

// Snapshot reads every counter atomically (but not as a single atomic
// transaction across counters, which the spec does not require).
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TLBFaults:            atomic.LoadInt64(&c.tlbFaults),
		TLBFaultsWithFree:    atomic.LoadInt64(&c.tlbFaultsWithFree),
		TLBFaultsWithReplace: atomic.LoadInt64(&c.tlbFaultsWithReplace),
		TLBInvalidations:     atomic.LoadInt64(&c.tlbInvalidations),
		TLBReloads:           atomic.LoadInt64(&c.tlbReloads),
		PageFaultsZeroed:     atomic.LoadInt64(&c.pageFaultsZeroed),
		PageFaultsDisk:       atomic.LoadInt64(&c.pageFaultsDisk),
		PageFaultsELF:        atomic.LoadInt64(&c.pageFaultsELF),
		PageFaultsSwapfile:   atomic.LoadInt64(&c.pageFaultsSwapfile),
		SwapfileWrites:       atomic.LoadInt64(&c.swapfileWrites),
	}
}

// CheckConsistency evaluates the three cross-counter invariants from
// spec §4.7 and §8, returning one message per violated invariant. A
// mismatch is a warning, not a fatal condition, per spec §4.7.
func (c *Counters) CheckConsistency() []string {
	s := c.Snapshot()
	var problems []string

	if s.TLBFaults != s.TLBFaultsWithFree+s.TLBFaultsWithReplace {
		problems = append(problems, "tlb_faults != tlb_faults_with_free + tlb_faults_with_replace")
	}
	if s.TLBFaults != s.TLBReloads+s.PageFaultsDisk+s.PageFaultsZeroed {
		problems = append(problems, "tlb_faults != tlb_reloads + page_faults_disk + page_faults_zeroed")
	}
	if s.PageFaultsDisk != s.PageFaultsELF+s.PageFaultsSwapfile {
		problems = append(problems, "page_faults_disk != page_faults_elf + page_faults_swapfile")
	}
	return problems
}
