//go:build riscv64

// Package riscv64 is the RV64 archcap.Arch backend: CPU-local storage
// via the tp register, sstatus.SIE-based IRQ masking, fence.i for
// I-cache maintenance, SBI HSM hart_start, and the RISC-V
// relocation/PLT subset spec.md §4.8 names.
package riscv64

import (
	"debug/elf"
	"encoding/binary"

	"kestrel/src/archcap"
	"kestrel/src/kerr"
)

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
func sbiCall(ext, fn, a0, a1, a2 uint64) (errCode int64, value uint64)

// Arch is the RV64 implementation of archcap.Arch.
type Arch struct{}

// New returns the RV64 backend.
func New() Arch { return Arch{} }

func (Arch) Name() string { return "riscv64" }

func (Arch) PerCPUPointer() uintptr     { return readPerCPU() }
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

// HaltLoop parks the calling hart in WFI forever.
func (Arch) HaltLoop() { haltLoop() }

// sbiHSMExtension and hartStartFunc identify the SBI HSM hart_start
// call (spec.md §6).
const (
	sbiHSMExtension = 0x48534D
	hartStartFunc   = 0
)

func (Arch) FirmwareCall(call archcap.FirmwareCall) archcap.FirmwareResult {
	errCode, value := sbiCall(sbiHSMExtension, call.FunctionID, call.Arg0, call.Arg1, call.Arg2)
	return archcap.FirmwareResult{Error: errCode, Value: value}
}

// HartStart brings up a secondary hart via SBI HSM hart_start.
func HartStart(a Arch, hartID, startAddr, opaque uint64) error {
	res := a.FirmwareCall(archcap.FirmwareCall{
		FunctionID: hartStartFunc,
		Arg0:       hartID,
		Arg1:       startAddr,
		Arg2:       opaque,
	})
	if res.Error != 0 {
		return kerr.New(kerr.Fatal, "archcap/riscv64", "SBI hart_start failed")
	}
	return nil
}

func (Arch) Relocator() archcap.Relocator {
	return &relocator{pendingHi: make(map[uint64]int64)}
}

// relocator carries the state of one relocation pass; module.Loader's
// Load calls Arch.Relocator() once per module, so pendingHi never
// outlives the pass it belongs to.
type relocator struct {
	// pendingHi remembers, per relocation site, the full pc-relative
	// displacement computed for a PCREL_HI20 so a paired PCREL_LO12_I
	// at a different offset can recover its low 12 bits. Keyed by the address of the
	// HI20 relocation, as ELF requires the LO12 relocation's symbol
	// to point back at the HI20 site.
	pendingHi map[uint64]int64
}

// callRange is the +-2^31 byte range a CALL/CALL_PLT auipc+jalr pair
// can directly reach.
const callRange = int64(1) << 32

// StubSize is 24 bytes: RISC-V has no single instruction that both
// loads a pc-relative value and jumps to it, so the trampoline needs
// three real instructions (auipc, ld, jr) plus a padding nop ahead of
// the 8-byte target quad, per spec.md §4.8's literal RISC-V encoding.
func (*relocator) StubSize() int { return 24 }

// Apply implements spec.md §4.8's RISC-V subset: R_RISCV_64,
// R_RISCV_CALL/CALL_PLT, and the R_RISCV_PCREL_HI20/LO12_I pair.
func (rel *relocator) Apply(p []byte, relType uint32, s, a, addr uint64, plt *archcap.PLT) error {
	switch elf.R_RISCV(relType) {
	case elf.R_RISCV_64:
		if len(p) < 8 {
			return kerr.New(kerr.InvalidInput, "archcap/riscv64", "R_RISCV_64 site too short")
		}
		binary.LittleEndian.PutUint64(p, s+a)
		return nil

	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		if len(p) < 8 {
			return kerr.New(kerr.InvalidInput, "archcap/riscv64", "CALL relocation site too short")
		}
		target := s + a
		disp := int64(target) - int64(addr)
		if disp >= callRange/2 || disp < -callRange/2 {
			stub, err := plt.StubFor(target)
			if err != nil {
				return err
			}
			disp = int64(stub) - int64(addr)
		}
		writeAuipcJalr(p, disp)
		return nil

	case elf.R_RISCV_PCREL_HI20:
		if len(p) < 4 {
			return kerr.New(kerr.InvalidInput, "archcap/riscv64", "PCREL_HI20 site too short")
		}
		disp := int64(s+a) - int64(addr)
		hi20, _ := splitHiLo(disp)
		rel.pendingHi[addr] = disp
		orig := binary.LittleEndian.Uint32(p)
		orig &^= 0xFFFFF << 12
		orig |= uint32(hi20&0xFFFFF) << 12
		binary.LittleEndian.PutUint32(p, orig)
		return nil

	case elf.R_RISCV_PCREL_LO12_I:
		if len(p) < 4 {
			return kerr.New(kerr.InvalidInput, "archcap/riscv64", "PCREL_LO12_I site too short")
		}
		// s here is the address of the paired HI20 relocation, per
		// the ELF psABI's "symbol value is the HI20 site" convention.
		disp, ok := rel.pendingHi[s]
		if !ok {
			return kerr.New(kerr.InvalidInput, "archcap/riscv64", "PCREL_LO12_I with no matching HI20")
		}
		_, lo12 := splitHiLo(disp)
		orig := binary.LittleEndian.Uint32(p)
		orig &^= 0xFFF << 20
		orig |= uint32(lo12&0xFFF) << 20
		binary.LittleEndian.PutUint32(p, orig)
		return nil

	default:
		return kerr.New(kerr.Unsupported, "archcap/riscv64", "unsupported relocation type")
	}
}

// splitHiLo splits a 32-bit signed displacement into the auipc hi20
// and the sign-adjusted lo12, since RISC-V's addi/jalr immediates are
// sign-extended: hi20 must compensate when lo12's top bit is set.
func splitHiLo(disp int64) (hi20, lo12 int64) {
	lo12 = disp & 0xFFF
	if lo12 >= 0x800 {
		lo12 -= 0x1000
	}
	hi20 = (disp - lo12) >> 12
	return hi20, lo12
}

// writeAuipcJalr patches a fixed auipc+jalr pair at p (p[0:4] is
// auipc, p[4:8] is jalr) with the hi20/lo12 split of disp.
func writeAuipcJalr(p []byte, disp int64) {
	hi20, lo12 := splitHiLo(disp)

	auipc := binary.LittleEndian.Uint32(p[0:4])
	auipc &^= 0xFFFFF << 12
	auipc |= uint32(hi20&0xFFFFF) << 12
	binary.LittleEndian.PutUint32(p[0:4], auipc)

	jalr := binary.LittleEndian.Uint32(p[4:8])
	jalr &^= 0xFFF << 20
	jalr |= uint32(lo12&0xFFF) << 20
	binary.LittleEndian.PutUint32(p[4:8], jalr)
}

// WriteStub encodes the fixed 24-byte RISC-V trampoline: auipc
// t3,0; ld t3,16(t3); jr t3; nop; then the 8-byte absolute target at
// offset 16, right after the four instructions.
func (*relocator) WriteStub(buf []byte, target uint64) error {
	if len(buf) < 24 {
		return kerr.New(kerr.InvalidInput, "archcap/riscv64", "PLT stub buffer too short")
	}
	binary.LittleEndian.PutUint32(buf[0:4], 0x00000E17)   // auipc t3, 0
	binary.LittleEndian.PutUint32(buf[4:8], 0x010E3E03)   // ld t3, 16(t3)
	binary.LittleEndian.PutUint32(buf[8:12], 0x000E0067)  // jr t3
	binary.LittleEndian.PutUint32(buf[12:16], 0x00000013) // nop
	binary.LittleEndian.PutUint64(buf[16:24], target)
	return nil
}
