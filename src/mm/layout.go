// Package mm is the kernel's memory substrate: the published physical
// memory layout, a bitmap frame allocator, and a linked-list general
// purpose heap.
//
// Grounded on the teacher's src/joy/memory.go (KMemInUse bitmap,
// pageNumberToBits bit/word arithmetic for the frame allocator) and on
// gopher-os's kernel/mem/pmm/allocator/bitmap_allocator.go for the
// pool/bitmap-sizing structure; the heap is new code in the same
// locking idiom, since the teacher's TinyGo runtime supplied its own
// heap and never needed one here.
package mm

import (
	"sync/atomic"

	"kestrel/src/dtb"
)

// Layout is the physical memory map discovered (or assumed) at boot:
// where RAM starts and ends, and which sub-ranges are reserved for the
// kernel image and MMIO windows that must not be handed out as frames.
type Layout struct {
	RAMBase uint64
	RAMSize uint64

	KernelImageBase uint64
	KernelImageSize uint64

	MMIOReserved []Region
}

// Region is a reserved physical address range.
type Region struct {
	Base uint64
	Size uint64
}

// RAMEnd returns the exclusive upper bound of RAM.
func (l Layout) RAMEnd() uint64 { return l.RAMBase + l.RAMSize }

// FromMemoryRegion builds a Layout whose RAM range matches a DTB memory
// region, with no reservations beyond the kernel image.
func FromMemoryRegion(mem dtb.MemoryRegion, kernelImageBase, kernelImageSize uint64) Layout {
	return Layout{
		RAMBase:         mem.Base,
		RAMSize:         mem.Size,
		KernelImageBase: kernelImageBase,
		KernelImageSize: kernelImageSize,
	}
}

var publishedLayout atomic.Pointer[Layout]

// PublishLayout installs l as the kernel's memory layout. Called once,
// early in boot.
func PublishLayout(l Layout) {
	publishedLayout.Store(&l)
}

// CurrentLayout returns the published layout, or nil before
// PublishLayout has run.
func CurrentLayout() *Layout {
	return publishedLayout.Load()
}
