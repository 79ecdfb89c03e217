//go:build arm64

// Package arm64 is the AArch64 archcap.Arch backend: CPU-local
// storage via TPIDR_EL1, DAIF-based IRQ masking, cache maintenance via
// the IC/DC instructions, PSCI CPU_ON, and the ARM64 relocation/PLT
// subset spec.md §4.8 names.
//
// The CPU-local primitives are declared here with no body and defined
// in arm64.s, in the same "Go signature, assembly body" shape as
// iansmith-feelings/src/lib/loader/loader.go's enableMMUTables family
// (there implemented via the TinyGo `//export` convention; here via
// ordinary Plan 9 assembly, since this module targets the standard Go
// toolchain rather than TinyGo).
package arm64

import (
	"debug/elf"
	"encoding/binary"

	"kestrel/src/archcap"
	"kestrel/src/drivers"
	"kestrel/src/kerr"
)

// disableIRQ, restoreIRQ, flushICacheRange, readPerCPU, and
// writePerCPU are implemented in arm64.s: DAIFSet #2 for IRQ masking
// and a write of the saved DAIF value to restore it, MRS/MSR TPIDR_EL1
// for per-CPU storage, and a DC CVAU/IC
// IVAU loop with DSB/ISB for cache maintenance.

//go:noescape
func disableIRQ() uint64

//go:noescape
func restoreIRQ(state uint64)

//go:noescape
func flushICacheRange(addr, size uintptr)

//go:noescape
func haltLoop()

//go:noescape
func readPerCPU() uintptr

//go:noescape
func writePerCPU(p uintptr)

//go:noescape
func smcCall(fn, a0, a1, a2 uint64) (errCode int64, value uint64)

//go:noescape
func timerFrequency() uint64

//go:noescape
func timerGetCtl() uint32

//go:noescape
func timerSetCtl(ctl uint32)

//go:noescape
func timerSetTval(tval uint32)

//go:noescape
func timerGetCounter() uint64

// Arch is the AArch64 implementation of archcap.Arch.
type Arch struct{}

// New returns the AArch64 backend.
func New() Arch { return Arch{} }

func (Arch) Name() string { return "arm64" }

func (Arch) PerCPUPointer() uintptr    { return readPerCPU() }
func (Arch) SetPerCPUPointer(p uintptr) { writePerCPU(p) }

func (Arch) DisableIRQ() archcap.IRQState {
	return archcap.IRQState(disableIRQ())
}

func (Arch) RestoreIRQ(s archcap.IRQState) {
	restoreIRQ(uint64(s))
}

func (Arch) FlushICacheRange(addr uintptr, size uintptr) {
	flushICacheRange(addr, size)
}

// HaltLoop parks the calling core in WFI forever.
func (Arch) HaltLoop() { haltLoop() }

// psciCPUOn is the PSCI CPU_ON function identifier (spec.md §6).
const psciCPUOn = 0xC4000003

func (Arch) FirmwareCall(call archcap.FirmwareCall) archcap.FirmwareResult {
	errCode, value := smcCall(call.FunctionID, call.Arg0, call.Arg1, call.Arg2)
	return archcap.FirmwareResult{Error: errCode, Value: value}
}

// CPUOn brings up a secondary core via PSCI CPU_ON.
func CPUOn(a Arch, targetMPIDR, entryAddr, contextID uint64) error {
	res := a.FirmwareCall(archcap.FirmwareCall{
		FunctionID: psciCPUOn,
		Arg0:       targetMPIDR,
		Arg1:       entryAddr,
		Arg2:       contextID,
	})
	if res.Error != 0 {
		return kerr.New(kerr.Fatal, "archcap/arm64", "PSCI CPU_ON failed")
	}
	return nil
}

func (Arch) Relocator() archcap.Relocator { return relocator{} }

type relocator struct{}

// callRange is the +-2^25 word range (2^27 bytes) a CALL26/JUMP26
// immediate can directly reach.
const callRange = 1 << 28

func (relocator) StubSize() int { return 16 }

// Apply implements spec.md §4.8's ARM64 subset: R_AARCH64_ABS64,
// R_AARCH64_CALL26/JUMP26 (routed through the PLT when out of range),
// R_AARCH64_ADR_PREL_PG_HI21, and R_AARCH64_ADD_ABS_LO12_NC.
func (relocator) Apply(p []byte, relType uint32, s, a, addr uint64, plt *archcap.PLT) error {
	switch elf.R_AARCH64(relType) {
	case elf.R_AARCH64_ABS64:
		if len(p) < 8 {
			return kerr.New(kerr.InvalidInput, "archcap/arm64", "ABS64 relocation site too short")
		}
		binary.LittleEndian.PutUint64(p, s+a)
		return nil

	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		if len(p) < 4 {
			return kerr.New(kerr.InvalidInput, "archcap/arm64", "CALL26 relocation site too short")
		}
		target := s + a
		disp := int64(target) - int64(addr)
		if disp > callRange/2 || disp < -callRange/2 {
			stub, err := plt.StubFor(target)
			if err != nil {
				return err
			}
			disp = int64(stub) - int64(addr)
		}
		orig := binary.LittleEndian.Uint32(p)
		imm26 := uint32((disp >> 2)) & 0x03FFFFFF
		binary.LittleEndian.PutUint32(p, (orig&0xFC000000)|imm26)
		return nil

	case elf.R_AARCH64_ADR_PREL_PG_HI21:
		if len(p) < 4 {
			return kerr.New(kerr.InvalidInput, "archcap/arm64", "ADRP relocation site too short")
		}
		pageTarget := (s + a) &^ 0xFFF
		pageSite := addr &^ 0xFFF
		delta := int64(pageTarget-pageSite) >> 12
		immlo := uint32(delta) & 0x3
		immhi := uint32(delta>>2) & 0x7FFFF
		orig := binary.LittleEndian.Uint32(p)
		orig &^= (0x3 << 29) | (0x7FFFF << 5)
		orig |= immlo << 29
		orig |= immhi << 5
		binary.LittleEndian.PutUint32(p, orig)
		return nil

	case elf.R_AARCH64_ADD_ABS_LO12_NC:
		if len(p) < 4 {
			return kerr.New(kerr.InvalidInput, "archcap/arm64", "ADD_ABS_LO12_NC relocation site too short")
		}
		lo12 := uint32((s + a) & 0xFFF)
		orig := binary.LittleEndian.Uint32(p)
		orig &^= 0xFFF << 10
		orig |= lo12 << 10
		binary.LittleEndian.PutUint32(p, orig)
		return nil

	default:
		return kerr.New(kerr.Unsupported, "archcap/arm64", "unsupported relocation type")
	}
}

// WriteStub encodes the fixed 16-byte ARM64 trampoline: LDR X16, #8
// (load the target quad that follows), BR X16, then the 8-byte
// absolute target.
func (relocator) WriteStub(buf []byte, target uint64) error {
	if len(buf) < 16 {
		return kerr.New(kerr.InvalidInput, "archcap/arm64", "PLT stub buffer too short")
	}
	binary.LittleEndian.PutUint32(buf[0:4], 0x58000050) // ldr x16, #8
	binary.LittleEndian.PutUint32(buf[4:8], 0xD61F0200) // br x16
	binary.LittleEndian.PutUint64(buf[8:16], target)
	return nil
}

// NewTimer returns the architected generic timer as a drivers.Timer,
// wired against this package's system-register accessors.
func NewTimer() *drivers.ARMGenericTimer {
	return drivers.NewARMGenericTimer(timerFrequency, timerGetCtl, timerSetCtl, timerSetTval, timerGetCounter)
}
