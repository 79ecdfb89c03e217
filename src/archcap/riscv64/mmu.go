//go:build riscv64

package riscv64

import (
	"kestrel/src/archcap"
	"kestrel/src/mm"
)

//go:noescape
func enableMMU(satp uint64)

// satpMode is the Sv39 mode value for the satp CSR's top 4 bits,
// grounded on original_source/src/arch/riscv64/mmu.rs's enable_mmu.
const satpMode = 8

type pageMapper struct{}

// pteFlags, grounded on original_source/src/arch/riscv64/mmu.rs's
// PageTableEntry flag constants (V/R/W/X/U/G/A/D).
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteG = 1 << 5
	pteA = 1 << 6
	pteD = 1 << 7
)

func (pageMapper) TableEntry(next mm.Frame) uint64 {
	ppn := uint64(next) * mm.PageSize >> 12
	return (ppn << 10) | pteV
}

func (pageMapper) BlockEntry(phys uintptr, memType archcap.MemType) uint64 {
	ppn := uint64(phys) >> 12
	flags := uint64(pteV | pteR | pteW | pteA | pteD | pteG)
	if memType != archcap.MemDevice {
		flags |= pteX
	}
	return (ppn << 10) | flags
}

func (pageMapper) TableEntryFrame(entry uint64) mm.Frame {
	return mm.Frame(entry >> 10)
}

func (pageMapper) InvalidEntry() uint64 { return 0 }

func (pageMapper) BlockSize() uintptr { return 2 * 1024 * 1024 }

func (pageMapper) Enable(root mm.Frame) error {
	ppn := uint64(root) * mm.PageSize >> 12
	satp := uint64(satpMode)<<60 | ppn
	enableMMU(satp)
	return nil
}

func (Arch) PageMapper() archcap.PageMapper { return pageMapper{} }
