package mm_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"kestrel/src/mm"
)

func TestAllocFrameReturnsDistinctFreeFrames(t *testing.T) {
	a := mm.NewFrameAllocator(0x1000, 8)

	f1, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	f2, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if f1 == f2 {
		t.Fatalf("expected distinct frames, got %#x twice", f1)
	}
	if f1 != mm.Frame(0x1000) {
		t.Fatalf("first alloc = %#x, want base %#x", f1, 0x1000)
	}
	if f2 != mm.Frame(0x1001) {
		t.Fatalf("second alloc = %#x, want %#x", f2, 0x1001)
	}
}

func TestAllocFramesContiguousRun(t *testing.T) {
	a := mm.NewFrameAllocator(0, 16)

	f, err := a.AllocFrames(4)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	want := mm.Stats{Total: 16, Used: 4, Free: 12}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Fatalf("Stats after alloc mismatch (-want +got):\n%s", diff)
	}
	if err := a.FreeFrames(f, 4); err != nil {
		t.Fatalf("FreeFrames: %v", err)
	}
	want = mm.Stats{Total: 16, Used: 0, Free: 16}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Fatalf("Stats after free mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocFramesExhaustsAndReturnsOutOfMemory(t *testing.T) {
	a := mm.NewFrameAllocator(0, 4)
	if _, err := a.AllocFrames(4); err != nil {
		t.Fatalf("AllocFrames(4): %v", err)
	}
	if _, err := a.AllocFrame(); err == nil {
		t.Fatal("expected out-of-memory error once all frames are taken")
	}
}

func TestFreeFrameRejectsDoubleFree(t *testing.T) {
	a := mm.NewFrameAllocator(0, 4)
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if err := a.FreeFrame(f); err != nil {
		t.Fatalf("FreeFrame: %v", err)
	}
	if err := a.FreeFrame(f); err == nil {
		t.Fatal("expected error freeing an already-free frame")
	}
}

func TestReserveRangeFramesAreNeverHandedOut(t *testing.T) {
	a := mm.NewFrameAllocator(0, 8)
	if err := a.ReserveRange(0, 2); err != nil {
		t.Fatalf("ReserveRange: %v", err)
	}
	for i := 0; i < 6; i++ {
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame #%d: %v", i, err)
		}
		if f < 2 {
			t.Fatalf("allocator handed out reserved frame %#x", f)
		}
	}
	if _, err := a.AllocFrame(); err == nil {
		t.Fatal("expected out-of-memory: all 8 frames are either reserved or allocated")
	}
}

func TestFrameAllocatorConcurrentAllocDoesNotDoubleIssue(t *testing.T) {
	const numFrames = 256
	a := mm.NewFrameAllocator(0, numFrames)

	results := make([]mm.Frame, numFrames)
	var g errgroup.Group
	for i := 0; i < numFrames; i++ {
		i := i
		g.Go(func() error {
			f, err := a.AllocFrame()
			if err != nil {
				return err
			}
			results[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent AllocFrame: %v", err)
	}

	seen := make(map[mm.Frame]bool)
	for _, f := range results {
		if seen[f] {
			t.Fatalf("frame %#x issued twice", f)
		}
		seen[f] = true
	}
	if st := a.Stats(); st.Free != 0 {
		t.Fatalf("Stats = %+v, want Free=0 after exhausting allocator", st)
	}
}
