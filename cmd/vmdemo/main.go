// Command vmdemo bootstraps the virtual memory subsystem against a
// scratch swap file and an on-disk ELF binary, drives one process
// through four of the scenarios spec §8 describes (stack zero-fill,
// first ELF load, re-fault of a resident page, bad address; eviction
// and swap-in are not exercised), and prints the stats snapshot and
// any consistency violations at shutdown.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"os"

	"github.com/ed0sh/PoliTo-OS161-Project/defs"
	"github.com/ed0sh/PoliTo-OS161-Project/segment"
	"github.com/ed0sh/PoliTo-OS161-Project/vm"
)

func main() {
	var (
		binPath  = flag.String("bin", "", "path to an ELF executable to load")
		swapPath = flag.String("swap", "vmdemo.swap", "path to the scratch swap file")
		frames   = flag.Int("frames", 64, "number of physical frames to simulate")
	)
	flag.Parse()

	if *binPath == "" {
		fmt.Fprintln(os.Stderr, "usage: vmdemo -bin <elf executable>")
		os.Exit(2)
	}

	if err := run(*binPath, *swapPath, *frames); err != nil {
		fmt.Fprintln(os.Stderr, "vmdemo:", err)
		os.Exit(1)
	}
}

func run(binPath, swapPath string, frames int) error {
	cfg := vm.DefaultConfig(swapPath, frames)
	defer os.Remove(swapPath)

	v, err := vm.Bootstrap(cfg)
	if err != nil {
		return err
	}

	as, err := v.NewAddressSpace(binPath)
	if err != nil {
		return fmt.Errorf("new address space: %w", err)
	}

	f, err := elf.Open(binPath)
	if err != nil {
		return fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()

	if err := segment.BuildFromELF(f, as.DefineRegion); err != nil {
		return fmt.Errorf("build segments: %w", err)
	}
	if err := as.PrepareLoad(); err != nil {
		return fmt.Errorf("prepare load: %w", err)
	}
	if err := as.CompleteLoad(); err != nil {
		return fmt.Errorf("complete load: %w", err)
	}
	stackTop, err := as.DefineStack()
	if err != nil {
		return fmt.Errorf("define stack: %w", err)
	}
	v.Activate(as)

	fmt.Printf("entry stack pointer: %#x\n", stackTop)

	// Scenario: zero-fill first touch of the stack.
	if errno := v.Fault(as, defs.FaultWrite, stackTop-8); errno != 0 {
		return fmt.Errorf("stack fault: %s", errno)
	}

	// Scenario: first ELF-backed fault against the entry point.
	if errno := v.Fault(as, defs.FaultRead, uintptr(f.Entry)); errno != 0 {
		return fmt.Errorf("entry fault: %s", errno)
	}

	// Scenario: re-fault the same page — now a TLB reload, not a page
	// fault at all in terms of residence state.
	if errno := v.Fault(as, defs.FaultRead, uintptr(f.Entry)); errno != 0 {
		return fmt.Errorf("entry re-fault: %s", errno)
	}

	// Scenario: fault an address with no backing segment.
	if errno := v.Fault(as, defs.FaultRead, 0x1); errno != defs.EFAULT {
		return fmt.Errorf("expected EFAULT for a bad address, got %s", errno)
	}

	if err := as.Destroy(v.CM); err != nil {
		return fmt.Errorf("destroy address space: %w", err)
	}

	snap := v.Stats.Snapshot()
	fmt.Printf("%+v\n", snap)
	for _, problem := range v.Shutdown() {
		fmt.Fprintln(os.Stderr, "consistency warning:", problem)
	}
	return nil
}
