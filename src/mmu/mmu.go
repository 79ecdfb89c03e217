// Package mmu builds the two-level identity page tables spec.md §4.4
// describes and enables translation through an archcap.PageMapper.
//
// The walk itself — allocate a root table, allocate a block table per
// populated root entry, fill 2MiB block entries — is portable across
// ISAs; only the bit-level entry encoding (archcap.PageMapper) and the
// final register write (PageMapper.Enable) differ. Table pages are
// written through unsafe.Pointer at their physical address, matching
// iansmith-feelings/src/lib/loader/loader.go's ProcLevel2Phys/
// ProcLevel3Phys construction: the MMU is off while these tables are
// built, so physical addresses are directly dereferenceable.
package mmu

import (
	"unsafe"

	"kestrel/src/archcap"
	"kestrel/src/kerr"
	"kestrel/src/mm"
)

// entriesPerTable is fixed by the PageMapper contract: 512 entries of
// 8 bytes each fill exactly one mm.PageSize table page.
const entriesPerTable = 512

// Region is a physical address range to map, tagged with the memory
// type its entries should carry.
type Region struct {
	Base    uint64
	Size    uint64
	MemType archcap.MemType
}

// tableAt returns a slice-like view of the 512 64-bit entries backing
// the table page at frame f.
func tableAt(f mm.Frame) *[entriesPerTable]uint64 {
	return (*[entriesPerTable]uint64)(unsafe.Pointer(uintptr(f) * mm.PageSize))
}

// BuildIdentity allocates a root table and, for each 2MiB-aligned
// block covered by regions, a block-table entry mapping it with the
// region's memory type. Regions need not be block-aligned; partially
// covered blocks are rounded outward, matching spec.md §4.4's "2MiB
// block entries where aligned" (sub-2MiB precision is not attempted —
// callers pad MMIO regions to at least one block, which every
// QEMU-virt device window here already exceeds).
//
// Both ARM64 and RISC-V64 use the same two-level, 512-entry-root ×
// 512-entry-block layout in this kernel (see archcap.PageMapper's
// doc), so one walk serves both ISAs. BuildIdentity maps every block
// at va == pa only; it builds no higher-half kernel window, and
// boot.Run installs none (MapAt, which takes va and phys separately,
// is the entry point for such a mapping).
func BuildIdentity(frames *mm.FrameAllocator, mapper archcap.PageMapper, regions []Region) (mm.Frame, error) {
	root, err := frames.AllocFrame()
	if err != nil {
		return 0, err
	}
	rootTable := tableAt(root)
	for i := range rootTable {
		rootTable[i] = mapper.InvalidEntry()
	}

	blockSize := uint64(mapper.BlockSize())
	for _, r := range regions {
		start := r.Base &^ (blockSize - 1)
		end := (r.Base + r.Size + blockSize - 1) &^ (blockSize - 1)
		for phys := start; phys < end; phys += blockSize {
			if err := MapAt(frames, mapper, root, phys, phys, r.MemType); err != nil {
				return 0, err
			}
		}
	}
	return root, nil
}

// MapAt installs a single block mapping for the virtual address va
// (via the two-level index derived from va) pointing at physical
// address phys, allocating the second-level table on first use of its
// root index. Exported so a higher-half window can be installed at a
// root index that does not match its physical address (RISC-V64's
// direct-mapped kernel window).
func MapAt(frames *mm.FrameAllocator, mapper archcap.PageMapper, root mm.Frame, va, phys uint64, memType archcap.MemType) error {
	blockSize := uint64(mapper.BlockSize())
	blockShift := log2(blockSize)
	rootShift := blockShift + log2(entriesPerTable)

	rootIdx := (va >> rootShift) % entriesPerTable
	blockIdx := (va >> blockShift) % entriesPerTable

	rootTable := tableAt(root)
	var blockTable mm.Frame
	if rootTable[rootIdx] == mapper.InvalidEntry() {
		f, err := frames.AllocFrame()
		if err != nil {
			return err
		}
		bt := tableAt(f)
		for i := range bt {
			bt[i] = mapper.InvalidEntry()
		}
		rootTable[rootIdx] = mapper.TableEntry(f)
		blockTable = f
	} else {
		blockTable = mapper.TableEntryFrame(rootTable[rootIdx])
	}

	bt := tableAt(blockTable)
	bt[blockIdx] = mapper.BlockEntry(uintptr(phys), memType)
	return nil
}

func log2(v uint64) uint64 {
	var n uint64
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// Enable builds the identity mapping for regions and switches
// translation on. Failure to allocate a table page is fatal per
// spec.md §4.4.
func Enable(frames *mm.FrameAllocator, arch archcap.Arch, regions []Region) error {
	mapper := arch.PageMapper()
	root, err := BuildIdentity(frames, mapper, regions)
	if err != nil {
		return kerr.New(kerr.Fatal, "mmu", "failed to allocate page table page")
	}
	return mapper.Enable(root)
}
