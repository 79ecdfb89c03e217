//go:build arm64

package arm64

import (
	"kestrel/src/archcap"
	"kestrel/src/mm"
)

//go:noescape
func enableMMU(mair, tcr, sctlr, ttbr0 uint64)

// Memory-type indices into MAIR_EL1, following
// iansmith-feelings/src/lib/loader/loader.go's MemoryDevice.../MemoryNoCache/
// MemoryNormal constants.
const (
	mairDevice  = 0
	mairNoCache = 1
	mairNormal  = 2
)

// mairVal packs the three attribute encodings into MAIR_EL1, the same
// construction as the teacher's MAIRVal.
const mairVal = uint64(
	(0x00 << (mairDevice * 8)) |
		(0x44 << (mairNoCache * 8)) |
		(0xFF << (mairNormal * 8)))

// tcrVal configures TCR_EL1 for a 4KiB granule (TG0=0b00) with a
// 48-bit (T0SZ=16) address space, inner/outer write-back shareable —
// the 4KiB-granule equivalent of the teacher's 64KiB-granule TCREL1Val.
const tcrVal = uint64(
	(0b11 << 12) | // SH0: inner shareable
		(0b01 << 10) | // ORGN0: outer write-back
		(0b01 << 8) | // IRGN0: inner write-back
		(16 << 0)) // T0SZ, 48-bit VA space

// sctlrVal enables the MMU plus instruction and data caching (M, C and
// I bits, over the RES1 bits); alignment checking (A) stays off.
const sctlrVal = uint64(
	0xC00800 |
		(1 << 12) |
		(1 << 2) |
		(1 << 0))

type pageMapper struct{}

func (pageMapper) TableEntry(next mm.Frame) uint64 {
	addr := uint64(next) * mm.PageSize
	return (addr &^ 0xFFF) | 0b11 // valid table descriptor
}

func (pageMapper) BlockEntry(phys uintptr, memType archcap.MemType) uint64 {
	var mairIdx uint64
	switch memType {
	case archcap.MemDevice:
		mairIdx = mairDevice
	case archcap.MemNoCache:
		mairIdx = mairNoCache
	default:
		mairIdx = mairNormal
	}
	const af = 1 << 10
	const innerShareable = 0b11 << 8
	return (uint64(phys) &^ (2*1024*1024 - 1)) | af | innerShareable | (mairIdx&0x7)<<2 | 0b01
}

func (pageMapper) TableEntryFrame(entry uint64) mm.Frame {
	return mm.Frame((entry &^ 0xFFF) / mm.PageSize)
}

func (pageMapper) InvalidEntry() uint64 { return 0 }

func (pageMapper) BlockSize() uintptr { return 2 * 1024 * 1024 }

func (pageMapper) Enable(root mm.Frame) error {
	ttbr0 := uint64(root) * mm.PageSize
	enableMMU(mairVal, tcrVal, sctlrVal, ttbr0)
	return nil
}

func (Arch) PageMapper() archcap.PageMapper { return pageMapper{} }
