// Package firmware sequences secondary-CPU bring-up: building the
// per-CPU startup record a secondary core's entry trampoline consumes,
// then invoking the platform firmware call that actually starts it
// (PSCI CPU_ON on ARM64, SBI HSM hart_start on RISC-V) per spec.md §6's
// ABI tables and §4.6's "SMP bringup" paragraph.
//
// Grounded on iansmith-feelings/src/lib/loader/loader.go's
// KernelProcStartupInfo: "build a startup-info struct describing where
// this core's page tables, stack, and entry point live, then hand it
// to the thing that actually jumps there." There the struct describes
// a user-level TinyGo process booting under the single boot CPU; here
// it describes a kernel-level secondary CPU booting into its own idle
// thread, but the shape — a plain data record the caller populates,
// independent of the mechanism that consumes it — carries over
// directly.
package firmware

import (
	"sync/atomic"

	"kestrel/src/archcap"
	"kestrel/src/kerr"
)

// StartupInfo is everything a secondary CPU's entry trampoline needs
// before it can run portable Go: the page-table root it should enable
// translation with, the per-CPU scratch pointer to install, and the
// idle-thread entry point to jump to once translation and per-CPU
// storage are live. Per DESIGN.md's secondary-CPU-MMU-activation
// decision, TablesRoot must already cover PerCPUScratch before this
// record is handed to CPUOn/HartStart — ordering that responsibility
// is the boot path's, not firmware's.
type StartupInfo struct {
	CPUIndex      int
	TablesRoot    uintptr
	PerCPUScratch uintptr
	EntryPoint    uintptr
	ContextID     uint64
}

// EntryFunc is the ISA-specific assembly trampoline a secondary CPU
// begins executing at: install the page-table root, enable
// translation, set the per-CPU pointer, then call into the portable
// idle-thread entry. It is supplied by the boot path (built the same
// bodyless-Go/Plan9-assembly way as archcap's own primitives) and
// never called by this package directly — firmware only computes the
// address firmware hands the secondary core, since the firmware call
// itself is what transfers control.
type EntryFunc func(info *StartupInfo)

// Bringup drives the whole secondary-CPU sequence for one CPU: it
// records info in a table the trampoline (running on the target core,
// with no stack of its own yet) can find via ContextID, then issues
// the architecture's firmware call.
type Bringup struct {
	arch archcap.Arch

	// cpuOn performs the ISA-specific firmware call: PSCI CPU_ON on
	// ARM64 (target MPIDR, entry, context id) or SBI hart_start on
	// RISC-V (hart id, entry, opaque). Supplied by the boot path;
	// tests supply a fake that records or fails the call.
	cpuOn func(targetID, entryAddr, contextID uint64) error

	entries atomic.Pointer[[]StartupInfo]
}

// NewBringup creates a Bringup that issues firmware calls via cpuOn.
func NewBringup(arch archcap.Arch, cpuOn func(targetID, entryAddr, contextID uint64) error) *Bringup {
	b := &Bringup{arch: arch, cpuOn: cpuOn}
	empty := make([]StartupInfo, 0)
	b.entries.Store(&empty)
	return b
}

// Start brings up one secondary CPU: targetID is the ISA-specific
// hardware identifier (MPIDR affinity value on ARM64, hart id on
// RISC-V), entryAddr is the physical address of the ISA's secondary
// entry trampoline, and info describes what that trampoline should do
// once it is running. Start sets info.ContextID to targetID and passes
// it as the firmware call's opaque context-id argument, letting the
// trampoline recover its own StartupInfo through Lookup without any
// other communication channel.
func (b *Bringup) Start(targetID uint64, entryAddr uintptr, info StartupInfo) error {
	info.ContextID = targetID
	for {
		old := b.entries.Load()
		next := append(append([]StartupInfo{}, (*old)...), info)
		if b.entries.CompareAndSwap(old, &next) {
			break
		}
	}
	if err := b.cpuOn(targetID, uint64(entryAddr), info.ContextID); err != nil {
		return err
	}
	return nil
}

// Lookup returns the StartupInfo registered for contextID, for the
// secondary entry trampoline (running portable Go, after its own
// assembly prologue has installed a temporary stack) to recover its
// bring-up parameters.
func (b *Bringup) Lookup(contextID uint64) (StartupInfo, bool) {
	entries := *b.entries.Load()
	for _, e := range entries {
		if e.ContextID == contextID {
			return e, true
		}
	}
	return StartupInfo{}, false
}

// CPUOnARM64 adapts archcap/arm64's PSCI CPU_ON to the cpuOn shape
// NewBringup expects.
func CPUOnARM64(arch archcap.Arch) func(targetID, entryAddr, contextID uint64) error {
	return func(targetMPIDR, entryAddr, contextID uint64) error {
		res := arch.FirmwareCall(archcap.FirmwareCall{
			FunctionID: 0xC4000003,
			Arg0:       targetMPIDR,
			Arg1:       entryAddr,
			Arg2:       contextID,
		})
		if res.Error != 0 {
			return kerr.New(kerr.Fatal, "firmware", "PSCI CPU_ON failed")
		}
		return nil
	}
}

// HartStartRISCV adapts archcap/riscv64's SBI HSM hart_start to the
// cpuOn shape NewBringup expects.
func HartStartRISCV(arch archcap.Arch) func(targetID, entryAddr, contextID uint64) error {
	return func(hartID, entryAddr, opaque uint64) error {
		res := arch.FirmwareCall(archcap.FirmwareCall{
			FunctionID: 0, // hart_start
			Arg0:       hartID,
			Arg1:       entryAddr,
			Arg2:       opaque,
		})
		if res.Error != 0 {
			return kerr.New(kerr.Fatal, "firmware", "SBI hart_start failed")
		}
		return nil
	}
}
