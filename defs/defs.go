// Package defs holds the error and permission vocabulary shared by every
// layer of the virtual memory subsystem, the way biscuit's defs package
// anchors its kernel packages.
package defs

// Errno is the error code returned across the trap-handler boundary.
// Zero means success; the named values are positive and are returned
// as-is, without negation.
type Errno int

const (
	// EINVAL is returned for a fault of unknown type.
	EINVAL Errno = 1
	// EFAULT is returned when a virtual address has no backing segment,
	// or a write targets a read-only segment.
	EFAULT Errno = 2
	// ENOMEM names a kernel frame allocation that cannot be satisfied.
	// No function in this module returns it: coremap.Map.AllocKernel
	// reports that case with a false result.
	ENOMEM Errno = 3
)

func (e Errno) String() string {
	switch e {
	case 0:
		return "ok"
	case EINVAL:
		return "EINVAL"
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	default:
		return "errno(unknown)"
	}
}

// Perm is a page permission mask: read/write/execute bits.
type Perm uint8

const (
	PermR Perm = 1 << 0
	PermW Perm = 1 << 1
	PermX Perm = 1 << 2
)

// Readable reports whether the mask grants read access.
func (p Perm) Readable() bool { return p&PermR != 0 }

// Writable reports whether the mask grants write access.
func (p Perm) Writable() bool { return p&PermW != 0 }

// Executable reports whether the mask grants execute access.
func (p Perm) Executable() bool { return p&PermX != 0 }

// FaultKind enumerates the TLB miss exception types the fault handler
// distinguishes, per the "dispatch faults" responsibility of the fault
// handler in spec §4.5.
type FaultKind int

const (
	// FaultRead is a TLB miss on a load.
	FaultRead FaultKind = iota
	// FaultWrite is a TLB miss on a store. The fault handler rejects it
	// with EFAULT when the page's segment is not writable.
	FaultWrite
	// FaultReadOnly is a store to a page whose segment forbids writes.
	// It is always fatal; see spec §4.5.
	FaultReadOnly
)
