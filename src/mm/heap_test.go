package mm_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"kestrel/src/mm"
)

func TestHeapAllocateRespectsAlignment(t *testing.T) {
	h := mm.NewHeap(0x2000, 0x1000)

	addr, err := h.Allocate(16, 64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if addr%64 != 0 {
		t.Fatalf("addr %#x is not 64-byte aligned", addr)
	}
}

func TestHeapFreeCoalescesNeighbors(t *testing.T) {
	h := mm.NewHeap(0x1000, 0x1000)

	a, err := h.Allocate(256, 1)
	if err != nil {
		t.Fatalf("Allocate a: %v", err)
	}
	b, err := h.Allocate(256, 1)
	if err != nil {
		t.Fatalf("Allocate b: %v", err)
	}
	if err := h.Free(a); err != nil {
		t.Fatalf("Free a: %v", err)
	}
	if err := h.Free(b); err != nil {
		t.Fatalf("Free b: %v", err)
	}

	// A single allocation spanning both freed+coalesced regions should
	// now succeed at a's address, proving the two blocks merged back
	// into one run (unmerged, first fit would land in the tail block).
	c, err := h.Allocate(500, 1)
	if err != nil {
		t.Fatalf("Allocate after coalesce: %v", err)
	}
	if c != a {
		t.Fatalf("Allocate after coalesce = %#x, want %#x (start of merged run)", c, a)
	}
}

func TestHeapFreeRejectsDoubleFreeAndUnknownAddress(t *testing.T) {
	h := mm.NewHeap(0, 0x1000)

	addr, err := h.Allocate(32, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := h.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := h.Free(addr); err == nil {
		t.Fatal("expected error on double free")
	}
	if err := h.Free(addr + 4); err == nil {
		t.Fatal("expected error freeing an address that was never returned by Allocate")
	}
}

func TestHeapStatsTrackUsage(t *testing.T) {
	h := mm.NewHeap(0, 1024)

	want := mm.HeapStats{TotalBytes: 1024, UsedBytes: 0, FreeBytes: 1024}
	if diff := cmp.Diff(want, h.Stats()); diff != "" {
		t.Fatalf("initial Stats mismatch (-want +got):\n%s", diff)
	}
	addr, err := h.Allocate(100, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	want = mm.HeapStats{TotalBytes: 1024, UsedBytes: 100, FreeBytes: 924}
	if diff := cmp.Diff(want, h.Stats()); diff != "" {
		t.Fatalf("Stats after alloc mismatch (-want +got):\n%s", diff)
	}
	if err := h.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	want = mm.HeapStats{TotalBytes: 1024, UsedBytes: 0, FreeBytes: 1024}
	if diff := cmp.Diff(want, h.Stats()); diff != "" {
		t.Fatalf("Stats after free mismatch (-want +got):\n%s", diff)
	}
}

func TestHeapAllocateFailsWhenExhausted(t *testing.T) {
	h := mm.NewHeap(0, 64)

	if _, err := h.Allocate(64, 1); err != nil {
		t.Fatalf("Allocate all: %v", err)
	}
	if _, err := h.Allocate(1, 1); err == nil {
		t.Fatal("expected out-of-memory once the heap is fully allocated")
	}
}
