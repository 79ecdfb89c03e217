// Package boards is the board-module registry: a compile-time table of
// known machine configurations, matched against a DTB's root
// compatible list at boot, that supplies the constants (register
// bases, IRQ numbers, clock rates) the platform layer falls back to
// when the device tree doesn't say.
//
// Grounded on original_source's src/boards/{board_module,registry,
// qemu_virt_aarch64,qemu_virt_riscv64}.rs, re-expressed with a plain
// Go map instead of a fixed-size array registry (there is no
// allocation-avoidance reason to cap board count on this target).
package boards

import "kestrel/src/klock"

// Board is a registered machine description. Fields left at their zero
// value mean "unknown, consult the DTB or a later fallback"; 0 for
// numeric bases is never itself a valid MMIO address on these targets,
// so it doubles as the not-set sentinel.
type Board struct {
	Name       string
	Compatible []string

	UARTBase     uint64
	UARTIRQ      uint32
	UARTClockHz  uint32

	TimerFreqHz uint64
	TimerIRQ    uint32

	GICDBase uint64
	GICCBase uint64

	PLICBase  uint64
	CLINTBase uint64

	RAMBase uint64
	RAMSize uint64

	CPUCount uint32 // 0 = read from DTB
}

// MatchesCompatible reports whether s appears in the board's
// compatible list.
func (b Board) MatchesCompatible(s string) bool {
	for _, c := range b.Compatible {
		if c == s {
			return true
		}
	}
	return false
}

var registry = klock.NewSpinlock(map[string]Board{})

// Register adds a board to the registry. Re-registering a name already
// present overwrites it, matching how tests re-seed the registry
// between cases.
func Register(b Board) {
	registry.With(func(m *map[string]Board) {
		(*m)[b.Name] = b
	})
}

// FindByCompatible returns the registered board matching the first
// entry of compats that any board declares, trying each compats entry
// in order since DTB compatible lists are ordered most-specific-first.
func FindByCompatible(compats []string) (Board, bool) {
	var found Board
	var ok bool
	registry.With(func(m *map[string]Board) {
		for _, compat := range compats {
			for _, b := range *m {
				if b.MatchesCompatible(compat) {
					found, ok = b, true
					return
				}
			}
		}
	})
	return found, ok
}

// QemuVirtARM64 is QEMU's "virt" machine for AArch64: PL011 UART,
// GICv2, ARM generic timer.
var QemuVirtARM64 = Board{
	Name:        "qemu-virt-arm64",
	Compatible:  []string{"linux,dummy-virt", "qemu,virt"},
	UARTBase:    0x09000000,
	UARTIRQ:     33, // SPI #1 (32 + 1)
	UARTClockHz: 24_000_000,
	TimerFreqHz: 0, // read from CNTFRQ_EL0
	TimerIRQ:    30,
	GICDBase:    0x08000000,
	GICCBase:    0x08010000,
	RAMBase:     0x40000000,
	RAMSize:     512 * 1024 * 1024,
}

// QemuVirtRISCV64 is QEMU's "virt" machine for RISC-V64: a 16550A
// compatible UART, PLIC, and CLINT.
var QemuVirtRISCV64 = Board{
	Name:        "qemu-virt-riscv64",
	Compatible:  []string{"riscv-virtio", "qemu,virt"},
	UARTBase:    0x10000000,
	UARTIRQ:     10,
	UARTClockHz: 3_686_400,
	TimerFreqHz: 10_000_000,
	PLICBase:    0x0C000000,
	CLINTBase:   0x02000000,
	RAMBase:     0x80000000,
	RAMSize:     128 * 1024 * 1024,
}

func init() {
	Register(QemuVirtARM64)
	Register(QemuVirtRISCV64)
}
