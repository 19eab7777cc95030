package stats_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ed0sh/PoliTo-OS161-Project/stats"
)

func TestSnapshotStartsZero(t *testing.T) {
	c := stats.New()
	snap := c.Snapshot()
	assert.Zero(t, snap.TLBFaults)
	assert.Empty(t, c.CheckConsistency())
}

func TestConsistentCounters(t *testing.T) {
	c := stats.New()

	// One zero-filled fault: a TLB fault-with-free, a TLB reload-path
	// miss that is actually a fresh page, zero-filled.
	c.IncTLBFaults()
	c.IncTLBFaultsWithFree()
	c.IncPageFaultsZeroed()

	// One ELF-backed fault: TLB fault, disk fault, ELF fault.
	c.IncTLBFaults()
	c.IncTLBFaultsWithFree()
	c.IncPageFaultsDisk()
	c.IncPageFaultsELF()

	// One swap-in fault: TLB fault, disk fault, swapfile fault.
	c.IncTLBFaults()
	c.IncTLBFaultsWithReplace()
	c.IncPageFaultsDisk()
	c.IncPageFaultsSwapfile()

	// One TLB-only reload: TLB fault, reload.
	c.IncTLBFaults()
	c.IncTLBFaultsWithFree()
	c.IncTLBReloads()

	assert.Empty(t, c.CheckConsistency())
}

func TestInconsistentCounterIsReportedNotFatal(t *testing.T) {
	c := stats.New()
	c.IncTLBFaults()
	// No corresponding fault-with-free/replace, reload, or page fault.

	problems := c.CheckConsistency()
	assert.NotEmpty(t, problems)
}
