package drivers

import (
	"unsafe"

	"kestrel/src/mmio"
)

// Timer is the per-CPU periodic tick source spec.md §6 requires of the
// timer driver: arm the next interrupt and report the counter's rate.
// ARMGenericTimer and CLINTTimer are the two concrete implementations.
type Timer interface {
	FrequencyHz() uint64
	ArmNextTick()
	Now() uint64
}

// tickIntervalMs matches original_source's TIMER_TICK_MS on both
// arches: a 10ms scheduling quantum.
const tickIntervalMs = 10

// ARMGenericTimer drives the AArch64 architected generic timer's EL1
// physical timer via system-register access, grounded on
// original_source's aarch64/timer.rs. The actual MRS/MSR instructions
// live in archcap/arm64 (they are not memory-mapped); this type calls
// through the small register-access surface archcap/arm64 exports so
// package drivers stays portable and importable by host-side tools.
type ARMGenericTimer struct {
	freqHz  func() uint64
	getCtl  func() uint32
	setCtl  func(uint32)
	setTval func(uint32)
	getCnt  func() uint64
}

// NewARMGenericTimer builds an ARMGenericTimer around the register
// accessors archcap/arm64 supplies at boot. Tests supply fakes.
func NewARMGenericTimer(freqHz func() uint64, getCtl func() uint32, setCtl func(uint32), setTval func(uint32), getCnt func() uint64) *ARMGenericTimer {
	t := &ARMGenericTimer{freqHz: freqHz, getCtl: getCtl, setCtl: setCtl, setTval: setTval, getCnt: getCnt}
	t.setCtl(0) // disable while arming
	t.ArmNextTick()
	ctl := t.getCtl()
	ctl |= 1 // ENABLE
	ctl &^= 2 // IMASK clear
	t.setCtl(ctl)
	return t
}

// FrequencyHz reports the timer's counting rate from CNTFRQ_EL0.
func (t *ARMGenericTimer) FrequencyHz() uint64 { return t.freqHz() }

// ArmNextTick sets the down-counter for tickIntervalMs from now.
func (t *ARMGenericTimer) ArmNextTick() {
	ticks := (t.freqHz() * tickIntervalMs) / 1000
	t.setTval(uint32(ticks))
}

// Now returns the current physical counter value.
func (t *ARMGenericTimer) Now() uint64 { return t.getCnt() }

// CLINTTimer drives the CLINT register window this kernel touches: mtime
// (shared) and mtimecmp (one 64-bit slot per hart), offsets per
// original_source's riscv64/timer.rs (mtime at +0xBFF8, mtimecmp at
// +0x4000 + hartid*8) and riscv64/plic.rs's MSIP-per-hart convention
// (+0 + hartid*4) for IPI.
type CLINTTimer struct {
	base    uintptr
	hart    int
	freqHz  uint64
}

const (
	clintMSIPOff     = 0x0000
	clintMTimeCmpOff = 0x4000
	clintMTimeOff    = 0xBFF8
)

// NewCLINTTimer returns a CLINTTimer for the given hart, arming its
// first tick immediately.
func NewCLINTTimer(base uintptr, hart int, freqHz uint64) *CLINTTimer {
	t := &CLINTTimer{base: base, hart: hart, freqHz: freqHz}
	t.ArmNextTick()
	return t
}

func (t *CLINTTimer) mtime() *mmio.Reg64 {
	return (*mmio.Reg64)(unsafe.Pointer(t.base + clintMTimeOff))
}

func (t *CLINTTimer) mtimecmp(hart int) *mmio.Reg64 {
	return (*mmio.Reg64)(unsafe.Pointer(t.base + clintMTimeCmpOff + uintptr(hart)*8))
}

func (t *CLINTTimer) msip(hart int) *mmio.Reg32 {
	return (*mmio.Reg32)(unsafe.Pointer(t.base + clintMSIPOff + uintptr(hart)*4))
}

// FrequencyHz reports the CLINT's counting rate, which is a board
// constant on RISC-V (no discoverable equivalent of CNTFRQ_EL0).
func (t *CLINTTimer) FrequencyHz() uint64 { return t.freqHz }

// ArmNextTick sets this hart's mtimecmp to tickIntervalMs from now.
func (t *CLINTTimer) ArmNextTick() {
	ticks := (t.freqHz * tickIntervalMs) / 1000
	t.mtimecmp(t.hart).Store(t.mtime().Load() + ticks)
}

// Now returns the shared mtime counter.
func (t *CLINTTimer) Now() uint64 { return t.mtime().Load() }

// SendIPI raises a machine-software-interrupt on targetHart by writing
// its MSIP register, CLINT's cross-hart doorbell.
func (t *CLINTTimer) SendIPI(targetHart int) {
	t.msip(targetHart).Store(1)
}

// ClearIPI acknowledges a software interrupt on this hart by clearing
// its own MSIP register; the RISC-V machine-software-interrupt handler
// must do this or the interrupt refires immediately.
func (t *CLINTTimer) ClearIPI() {
	t.msip(t.hart).Store(0)
}

// ForHart returns a CLINTTimer sharing this one's base and frequency
// but scoped to a different hart, used when a secondary CPU arms its
// own first tick during SMP bringup.
func (t *CLINTTimer) ForHart(hart int) *CLINTTimer {
	return &CLINTTimer{base: t.base, hart: hart, freqHz: t.freqHz}
}
