// Package archcap is the fixed capability interface every supported
// ISA must implement: CPU-local storage, interrupt masking, I-cache
// maintenance, the firmware-call bridge, and relocation/PLT handling
// for the module loader. Everything above this layer (mm, klock, proc,
// module) is written against Arch and never imports archcap/arm64 or
// archcap/riscv64 directly except at the boot entry point that selects
// one.
//
// Grounded on spec.md §9's "abstract behind an arch capability module"
// guidance; the bodyless-function-implemented-in-assembly shape for
// the truly CPU-local primitives follows
// iansmith-feelings/src/lib/loader/loader.go's
// enableMMUTables/jumpToKernelProc declarations (Go signature, no
// body, linked against hand-written assembly).
package archcap

import (
	"kestrel/src/kerr"
	"kestrel/src/mm"
)

// IRQState is an opaque snapshot of whether interrupts were enabled
// before a DisableIRQ call, to be handed back to RestoreIRQ.
type IRQState uint64

// FirmwareCall is the argument/return shape shared by PSCI and SBI
// calls: up to three arguments in, an error code and a value out.
type FirmwareCall struct {
	FunctionID uint64
	Arg0       uint64
	Arg1       uint64
	Arg2       uint64
}

// FirmwareResult is the outcome of a FirmwareCall.
type FirmwareResult struct {
	Error int64
	Value uint64
}

// Arch is the capability set an ISA backend supplies to the rest of
// the kernel.
type Arch interface {
	// Name identifies the backend, e.g. "arm64" or "riscv64".
	Name() string

	// PerCPUPointer returns the value most recently installed by
	// SetPerCPUPointer on the calling CPU.
	PerCPUPointer() uintptr
	// SetPerCPUPointer installs p as this CPU's per-CPU data pointer.
	SetPerCPUPointer(p uintptr)

	// DisableIRQ masks interrupts on the calling CPU and returns the
	// prior state.
	DisableIRQ() IRQState
	// RestoreIRQ restores a state captured by DisableIRQ.
	RestoreIRQ(s IRQState)

	// FlushICacheRange ensures instructions written into
	// [addr, addr+size) are visible to the instruction fetch stream.
	FlushICacheRange(addr uintptr, size uintptr)

	// HaltLoop parks the calling CPU forever in a low-power wait state.
	// boot.Run installs this via klog.SetHaltFunc as the function
	// klog.Fatalf calls after logging; it never returns.
	HaltLoop()

	// FirmwareCall invokes the platform's secure monitor / SBI
	// implementation (PSCI on ARM64, SBI HSM on RISC-V).
	FirmwareCall(call FirmwareCall) FirmwareResult

	// Relocator returns the ISA's relocation applier and PLT stub
	// writer.
	Relocator() Relocator

	// PageMapper returns the ISA's page-table-entry encoder, consumed
	// by package mmu to build identity mappings. The
	// walk (which table, which index, when to allocate a child table)
	// is portable and lives in mmu; only the bit-level entry encoding
	// is ISA-specific.
	PageMapper() PageMapper
}

// MemType selects the cacheability/shareability attributes an entry
// is encoded with, mirroring spec.md §4.4's MAIR/PMA-style memory
// type table (device, non-cacheable, normal).
type MemType int

const (
	MemDevice  MemType = iota
	MemNoCache
	MemNormal
)

// PageMapper encodes page-table entries for one ISA's two-level,
// 4KiB-page-table/2MiB-block translation scheme: a 512-entry root
// table where each entry either is invalid or points at a 512-entry
// block table, each of whose entries maps one 2MiB-aligned physical
// block. Both RootBits and BlockBits are 9 (512 entries, matching a
// 4KiB table page of 8-byte entries), so one mm frame holds exactly
// one table.
type PageMapper interface {
	// TableEntry encodes an entry pointing at a child table physically
	// based at next.
	TableEntry(next mm.Frame) uint64
	// TableEntryFrame recovers the child table's frame from an entry
	// produced by TableEntry, undoing whatever bit packing that ISA's
	// descriptor format uses (ARM64 packs the address in the high
	// bits with flags below bit 12; RISC-V's Sv39 PTE packs a PPN
	// starting at bit 10). Package mmu calls this when walking back
	// into an already-populated table entry.
	TableEntryFrame(entry uint64) mm.Frame
	// BlockEntry encodes a leaf entry mapping the 2MiB block physically
	// based at phys, with the given memory type.
	BlockEntry(phys uintptr, memType MemType) uint64
	// InvalidEntry encodes a never-valid entry, for unused slots.
	InvalidEntry() uint64
	// BlockSize is the size in bytes of one leaf mapping (2MiB).
	BlockSize() uintptr
	// Enable switches the calling CPU's translation on using root
	// as the top-level table's frame.
	Enable(root mm.Frame) error
}

// Relocator applies ELF relocations for one ISA and manages the
// per-module PLT trampoline table when a call target falls outside
// the ISA's direct-branch range.
type Relocator interface {
	// Apply patches the instruction or data word at p (already
	// positioned at the relocation's offset within the loaded image)
	// given the relocation type, symbol value S, addend A, and the
	// relocation site's own virtual address P. plt is consulted (and
	// grown) if the target is out of direct-branch range.
	Apply(p []byte, relType uint32, s, a, addr uint64, plt *PLT) error

	// StubSize is the fixed size in bytes of one PLT trampoline entry.
	StubSize() int

	// WriteStub encodes one trampoline entry into buf (which must be
	// at least StubSize() bytes): the ISA-specific fixed instruction
	// sequence followed by the 8-byte absolute target.
	WriteStub(buf []byte, target uint64) error
}

// PLT is a per-module procedure-linkage-table region: a fixed-capacity
// array of fixed-size trampoline stubs, deduplicated by target
// address so two relocations with the same S+A produce one stub.
//
// Grounded on spec.md §4.8's "associative mapping from target_address
// -> plt_stub_address guarantees at-most-one trampoline per target".
type PLT struct {
	Base     uintptr
	EntrySize int
	Capacity int

	used    int
	byTarget map[uint64]uintptr

	// Write receives the stub's base address and the target it must
	// jump to; it is supplied by the loader and actually pokes bytes
	// into the module's mapped PLT page (or, in tests, a backing
	// buffer).
	Write func(stubAddr uintptr, target uint64) error
}

// NewPLT creates a PLT occupying [base, base+capacity*entrySize).
func NewPLT(base uintptr, entrySize, capacity int, write func(stubAddr uintptr, target uint64) error) *PLT {
	return &PLT{
		Base:      base,
		EntrySize: entrySize,
		Capacity:  capacity,
		byTarget:  make(map[uint64]uintptr),
		Write:     write,
	}
}

// StubFor returns the trampoline address for target, writing a new
// stub only the first time target is requested.
func (p *PLT) StubFor(target uint64) (uintptr, error) {
	if addr, ok := p.byTarget[target]; ok {
		return addr, nil
	}
	if p.used >= p.Capacity {
		return 0, kerr.New(kerr.Capacity, "archcap", "PLT entry budget exceeded")
	}
	addr := p.Base + uintptr(p.used*p.EntrySize)
	if err := p.Write(addr, target); err != nil {
		return 0, err
	}
	p.byTarget[target] = addr
	p.used++
	return addr, nil
}

// Entries returns the number of distinct stubs written so far.
func (p *PLT) Entries() int { return p.used }
