package mm

import (
	"sort"

	"kestrel/src/kerr"
	"kestrel/src/klock"
)

// Heap is a general-purpose allocator over a fixed address range,
// tracked as an address-ordered list of free/used blocks with
// immediate-neighbor coalescing on free. It never touches the backing
// memory itself — the kernel maps [Start, Start+Size) before handing
// it to NewHeap, and this type only ever hands out and reclaims
// addresses within that range.
//
// New code in the locking idiom klock establishes; the teacher's own
// runtime (TinyGo) supplies its own allocator and has no analogue to
// crib from here.
type Heap struct {
	mu klock.SpinlockIRQ[heapState]
}

type block struct {
	addr uintptr
	size uintptr
	free bool
}

type heapState struct {
	start   uintptr
	end     uintptr
	blocks  []block
	used    uintptr
}

// NewHeap creates a heap managing [start, start+size).
func NewHeap(start uintptr, size uintptr) *Heap {
	return &Heap{
		mu: *klock.NewSpinlockIRQ(heapState{
			start:  start,
			end:    start + size,
			blocks: []block{{addr: start, size: size, free: true}},
		}),
	}
}

func alignUp(v uintptr, align uintptr) uintptr {
	if align == 0 {
		align = 1
	}
	return (v + align - 1) &^ (align - 1)
}

func (s *heapState) allocate(size, align uintptr) (uintptr, error) {
	if size == 0 {
		return 0, kerr.New(kerr.InvalidInput, "mm", "heap allocate: size must be > 0")
	}
	if align == 0 {
		align = 1
	}
	for i, b := range s.blocks {
		if !b.free {
			continue
		}
		start := alignUp(b.addr, align)
		if start+size > b.addr+b.size {
			continue
		}
		s.splitAndTake(i, start, size)
		s.used += size
		return start, nil
	}
	return 0, kerr.New(kerr.OutOfMemory, "mm", "heap allocate: no free block large enough")
}

// splitAndTake carves [start, start+size) out of block i, which must be
// free and contain that range, replacing it with up to three blocks:
// a leading free pad, the allocated block, and a trailing free pad.
func (s *heapState) splitAndTake(i int, start, size uintptr) {
	b := s.blocks[i]
	var replacement []block
	if start > b.addr {
		replacement = append(replacement, block{addr: b.addr, size: start - b.addr, free: true})
	}
	replacement = append(replacement, block{addr: start, size: size, free: false})
	tailStart := start + size
	if tailEnd := b.addr + b.size; tailEnd > tailStart {
		replacement = append(replacement, block{addr: tailStart, size: tailEnd - tailStart, free: true})
	}
	s.blocks = append(s.blocks[:i], append(replacement, s.blocks[i+1:]...)...)
}

func (s *heapState) free(addr uintptr) error {
	idx := sort.Search(len(s.blocks), func(i int) bool { return s.blocks[i].addr >= addr })
	if idx >= len(s.blocks) || s.blocks[idx].addr != addr {
		return kerr.New(kerr.InvalidInput, "mm", "heap free: address is not a live allocation")
	}
	if s.blocks[idx].free {
		return kerr.New(kerr.InvalidInput, "mm", "heap free: double free")
	}
	s.used -= s.blocks[idx].size
	s.blocks[idx].free = true
	s.coalesce(idx)
	return nil
}

func (s *heapState) coalesce(idx int) {
	if idx+1 < len(s.blocks) && s.blocks[idx+1].free {
		s.blocks[idx].size += s.blocks[idx+1].size
		s.blocks = append(s.blocks[:idx+1], s.blocks[idx+2:]...)
	}
	if idx > 0 && s.blocks[idx-1].free {
		s.blocks[idx-1].size += s.blocks[idx].size
		s.blocks = append(s.blocks[:idx], s.blocks[idx+1:]...)
	}
}

// Allocate returns the address of a free block of at least size bytes,
// aligned to align (which must be a power of two, or 0 for no
// alignment requirement beyond 1).
func (h *Heap) Allocate(size, align uintptr) (uintptr, error) {
	var addr uintptr
	var err error
	h.mu.With(func(s *heapState) {
		addr, err = s.allocate(size, align)
	})
	return addr, err
}

// Free returns a previously allocated address to the heap, coalescing
// it with any free neighbors.
func (h *Heap) Free(addr uintptr) error {
	var err error
	h.mu.With(func(s *heapState) {
		err = s.free(addr)
	})
	return err
}

// HeapStats reports the heap's byte-level usage.
type HeapStats struct {
	TotalBytes uintptr
	UsedBytes  uintptr
	FreeBytes  uintptr
}

// Stats returns the heap's current byte usage.
func (h *Heap) Stats() HeapStats {
	var st HeapStats
	h.mu.With(func(s *heapState) {
		st.TotalBytes = s.end - s.start
		st.UsedBytes = s.used
		st.FreeBytes = st.TotalBytes - st.UsedBytes
	})
	return st
}
