// Package drivers holds the MMIO device drivers the platform layer
// wires up once Config is published: the console UART, the interrupt
// controller (GICv2 on ARM64, PLIC on RISC-V), and the system timer
// (ARM generic timer or RISC-V CLINT). Per spec.md §6 these are the
// concrete implementations behind the "collaborators exposed to the
// core" capability interfaces — klog's Sink, archcap's IPI/ack/eoi
// needs, and the scheduler's per-CPU tick source.
//
// Register layouts are grounded on original_source's
// src/arch/{aarch64,riscv64}/{uart,gic,timer,plic}.rs; the
// struct-of-mmio.Reg32-fields-with-a-byte-offset-comment shape is
// grounded on iansmith-feelings/src/hardware/arm-cortex-a53/{registers,
// arm_timer}.go (ARMTimerRegisterMap/QuadA7RegisterMap).
package drivers

import (
	"unsafe"

	"kestrel/src/mmio"
)

// UART is the fallback-console capability spec.md §6 requires of the
// arch layer: byte-at-a-time put and a non-blocking poll-get. Both
// concrete UARTs below implement it, and klog.SetSink accepts any
// UART via the WriteString adapter.
type UART interface {
	PutByte(b byte)
	PollByte() (byte, bool)
	WriteString(s string)
	EnableRxIRQ()
	HandleIRQ()
}

// pl011Regs is the PL011 register block QEMU's virt AArch64 machine
// exposes, offsets per original_source's aarch64/uart.rs.
type pl011Regs struct {
	DR   mmio.Reg32 // 0x00 Data Register
	_    [0x14]byte
	FR   mmio.Reg32 // 0x18 Flag Register
	_    [0x1c]byte
	IMSC mmio.Reg32 // 0x38 Interrupt Mask Set/Clear
	RIS  mmio.Reg32 // 0x3C Raw Interrupt Status
	MIS  mmio.Reg32 // 0x40 Masked Interrupt Status
	ICR  mmio.Reg32 // 0x44 Interrupt Clear
}

const (
	pl011FRTxFull  = 1 << 5
	pl011FRRxEmpty = 1 << 4
	pl011IntRx     = 1 << 4
	pl011IntTx     = 1 << 5
)

// PL011 is the ARM primecell UART QEMU's virt AArch64 board exposes.
type PL011 struct {
	regs *pl011Regs
}

// NewPL011 returns a PL011 driver for the register block at base.
func NewPL011(base uintptr) *PL011 {
	return &PL011{regs: (*pl011Regs)(unsafe.Pointer(base))}
}

// PutByte blocks until the transmit FIFO has room, then writes b.
func (u *PL011) PutByte(b byte) {
	for u.regs.FR.Load()&pl011FRTxFull != 0 {
	}
	u.regs.DR.Store(uint32(b))
}

// PollByte returns the next received byte without blocking, or
// (0, false) if the receive FIFO is empty.
func (u *PL011) PollByte() (byte, bool) {
	if u.regs.FR.Load()&pl011FRRxEmpty != 0 {
		return 0, false
	}
	return byte(u.regs.DR.Load() & 0xFF), true
}

// WriteString writes s a byte at a time, satisfying klog.Sink.
func (u *PL011) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		u.PutByte(s[i])
	}
}

// EnableRxIRQ unmasks the receive interrupt, after clearing any
// interrupts already latched.
func (u *PL011) EnableRxIRQ() {
	u.regs.ICR.Store(0x7FF)
	u.regs.IMSC.SetBits(pl011IntRx)
}

// HandleIRQ drains the receive FIFO on a receive interrupt and
// acknowledges it. Bytes are dropped rather than buffered: the VFS/
// shell layer that would consume them is out of scope for this core.
func (u *PL011) HandleIRQ() {
	mis := u.regs.MIS.Load()
	if mis&pl011IntRx == 0 {
		return
	}
	for u.regs.FR.Load()&pl011FRRxEmpty == 0 {
		u.regs.DR.Load()
	}
	u.regs.ICR.Store(pl011IntRx)
}

// ns16550Regs is the 16550A-compatible UART QEMU's virt RISC-V64
// machine exposes: single-byte registers, one per address, per
// original_source's riscv64/uart.rs offsets.
type ns16550Regs struct {
	RBRTHR mmio.Reg8 // 0x00 Receive Buffer / Transmit Holding
	IER    mmio.Reg8 // 0x01 Interrupt Enable
	FCR    mmio.Reg8 // 0x02 FIFO Control
	LCR    mmio.Reg8 // 0x03 Line Control
	MCR    mmio.Reg8 // 0x04 Modem Control
	LSR    mmio.Reg8 // 0x05 Line Status
}

const (
	ns16550LSRRxReady uint8 = 0x01
	ns16550LSRTxEmpty uint8 = 0x20
)

// NS16550 is the 16550A-compatible UART QEMU's virt RISC-V64 machine
// exposes, accessed one byte-wide register per address rather than
// PL011's 32-bit-register block.
type NS16550 struct {
	base uintptr
}

// NewNS16550 returns an NS16550 driver for the register block at base.
func NewNS16550(base uintptr) *NS16550 {
	u := &NS16550{base: base}
	u.reg(ns16550IER).Store(0x00)
	u.reg(ns16550FCR).Store(0x07)
	u.reg(ns16550LCR).Store(0x03)
	return u
}

const (
	ns16550RBRTHR = 0x00
	ns16550IER    = 0x01
	ns16550FCR    = 0x02
	ns16550LCR    = 0x03
	ns16550LSR    = 0x05
)

func (u *NS16550) reg(offset uintptr) *mmio.Reg8 {
	return (*mmio.Reg8)(unsafe.Pointer(u.base + offset))
}

// PutByte blocks until the transmit holding register is empty, then
// writes b.
func (u *NS16550) PutByte(b byte) {
	for u.reg(ns16550LSR).Load()&ns16550LSRTxEmpty == 0 {
	}
	u.reg(ns16550RBRTHR).Store(b)
}

// PollByte returns the next received byte without blocking, or
// (0, false) if none is ready.
func (u *NS16550) PollByte() (byte, bool) {
	if u.reg(ns16550LSR).Load()&ns16550LSRRxReady == 0 {
		return 0, false
	}
	return u.reg(ns16550RBRTHR).Load(), true
}

// WriteString writes s a byte at a time, satisfying klog.Sink.
func (u *NS16550) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		u.PutByte(s[i])
	}
}

// EnableRxIRQ unmasks the receive-data-available interrupt.
func (u *NS16550) EnableRxIRQ() {
	u.reg(ns16550IER).SetBits(0x01)
}

// HandleIRQ drains the receive buffer on a receive interrupt. The
// 16550A has no separate interrupt-clear register: reading RBR until
// empty clears the condition.
func (u *NS16550) HandleIRQ() {
	for u.reg(ns16550LSR).Load()&ns16550LSRRxReady != 0 {
		u.reg(ns16550RBRTHR).Load()
	}
}
