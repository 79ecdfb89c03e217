package mmu_test

import (
	"testing"
	"unsafe"

	"kestrel/src/archcap"
	"kestrel/src/mm"
	"kestrel/src/mmu"
)

// fakeMapper is a minimal archcap.PageMapper whose entries carry
// enough bits to be decoded back in assertions: bit 0 marks a table
// descriptor, bit 1 marks a block descriptor, and the memory type is
// stashed in bits [5:4] of a block descriptor.
type fakeMapper struct {
	enabledRoot mm.Frame
	enabled     bool
}

func (fakeMapper) InvalidEntry() uint64 { return 0 }
func (fakeMapper) TableEntry(next mm.Frame) uint64 {
	return (uint64(next) * mm.PageSize) | 0x1
}
func (fakeMapper) TableEntryFrame(entry uint64) mm.Frame {
	return mm.Frame((entry &^ 0xFFF) / mm.PageSize)
}
func (fakeMapper) BlockEntry(phys uintptr, memType archcap.MemType) uint64 {
	return (uint64(phys) &^ (2*1024*1024 - 1)) | 0x2 | (uint64(memType) << 4)
}
func (fakeMapper) BlockSize() uintptr { return 2 * 1024 * 1024 }
func (m *fakeMapper) Enable(root mm.Frame) error {
	m.enabled = true
	m.enabledRoot = root
	return nil
}

// backedAllocator returns a FrameAllocator whose frames are real,
// dereferenceable memory: a big page-aligned Go byte slice standing
// in for RAM, since BuildIdentity writes table entries through each
// frame's address (frames_test.go and loader_test.go never touch frame
// memory, so they use unbacked frame numbers).
func backedAllocator(t *testing.T, numFrames uint64) *mm.FrameAllocator {
	t.Helper()
	buf := make([]byte, (numFrames+1)*mm.PageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + mm.PageSize - 1) &^ (mm.PageSize - 1)
	base := mm.Frame(aligned / mm.PageSize)
	return mm.NewFrameAllocator(base, numFrames)
}

func TestBuildIdentityMapsRegionAsBlocks(t *testing.T) {
	frames := backedAllocator(t, 64)
	mapper := &fakeMapper{}

	root, err := mmu.BuildIdentity(frames, mapper, []mmu.Region{
		{Base: 0x4000_0000, Size: 4 * 1024 * 1024, MemType: archcap.MemNormal},
	})
	if err != nil {
		t.Fatalf("BuildIdentity: %v", err)
	}

	rootTable := (*[512]uint64)(unsafe.Pointer(uintptr(root) * mm.PageSize))
	rootIdx := (uint64(0x4000_0000) >> 21) / 512
	entry := rootTable[rootIdx]
	if entry&0x1 == 0 {
		t.Fatalf("expected root[%d] to be a table descriptor, got %#x", rootIdx, entry)
	}

	blockFrame := mapper.TableEntryFrame(entry)
	blockTable := (*[512]uint64)(unsafe.Pointer(uintptr(blockFrame) * mm.PageSize))
	blockIdx := (uint64(0x4000_0000) >> 21) % 512
	block := blockTable[blockIdx]
	if block&0x2 == 0 {
		t.Fatalf("expected block[%d] to be a block descriptor, got %#x", blockIdx, block)
	}
	if got := block &^ (2*1024*1024 - 1); got != 0x4000_0000 {
		t.Fatalf("block descriptor phys = %#x, want %#x", got, 0x4000_0000)
	}

	secondBlockIdx := blockIdx + 1
	if blockTable[secondBlockIdx]&0x2 == 0 {
		t.Fatal("expected the second 2MiB block of a 4MiB region to also be mapped")
	}
}

func TestEnableCallsPageMapperEnableWithRoot(t *testing.T) {
	frames := backedAllocator(t, 16)
	mapper := &fakeMapper{}
	arch := fakeArchWithMapper{mapper: mapper}

	if err := mmu.Enable(frames, arch, []mmu.Region{
		{Base: 0x0900_0000, Size: 0x1000, MemType: archcap.MemDevice},
	}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !mapper.enabled {
		t.Fatal("Enable did not call PageMapper.Enable")
	}
}

func TestBuildIdentityOutOfFramesIsFatal(t *testing.T) {
	frames := backedAllocator(t, 1)
	mapper := &fakeMapper{}

	if _, err := mmu.BuildIdentity(frames, mapper, []mmu.Region{
		{Base: 0, Size: 8 * 1024 * 1024, MemType: archcap.MemNormal},
	}); err == nil {
		t.Fatal("expected out-of-frames error when regions need more table pages than available")
	}
}

// fakeArchWithMapper satisfies archcap.Arch enough to drive Enable;
// only PageMapper is exercised.
type fakeArchWithMapper struct {
	mapper archcap.PageMapper
}

func (fakeArchWithMapper) Name() string                 { return "fake" }
func (fakeArchWithMapper) PerCPUPointer() uintptr        { return 0 }
func (fakeArchWithMapper) SetPerCPUPointer(uintptr)      {}
func (fakeArchWithMapper) DisableIRQ() archcap.IRQState  { return 0 }
func (fakeArchWithMapper) RestoreIRQ(archcap.IRQState)   {}
func (fakeArchWithMapper) FlushICacheRange(uintptr, uintptr) {}
func (fakeArchWithMapper) HaltLoop()                     {}
func (fakeArchWithMapper) FirmwareCall(archcap.FirmwareCall) archcap.FirmwareResult {
	return archcap.FirmwareResult{}
}
func (fakeArchWithMapper) Relocator() archcap.Relocator { return nil }
func (a fakeArchWithMapper) PageMapper() archcap.PageMapper { return a.mapper }
