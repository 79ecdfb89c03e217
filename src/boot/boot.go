// Package boot implements spec.md §2's System Overview sequence as a
// single portable entry point, called once per CPU: the boot CPU
// passes through every stage; a secondary CPU (see Hooks.IsSecondary)
// skips straight to the interrupt-controller/timer/scheduler tail.
//
// Grounded on gopher-os's kernel/kmain/kmain.Kmain (the
// "InitThing; if err { panic }" straight-line init chain with no
// retry) and on the teacher's src/joy/main.go boot-sequence shape
// (UART bring-up first so every later failure can be logged, then
// interrupt init, then the commented scheduler-bringup that this
// kernel actually implements). Unlike either teacher, this kernel
// supports two ISAs and an unknown number of CPUs, so Run takes its
// entire environment as Hooks rather than importing a concrete arch
// package directly — the two per-ISA `_start` trampolines (out of
// scope for Go, per spec.md §2) are the only code that knows which
// Hooks to build.
package boot

import (
	"kestrel/src/archcap"
	"kestrel/src/boards"
	"kestrel/src/dtb"
	"kestrel/src/drivers"
	"kestrel/src/firmware"
	"kestrel/src/kerr"
	"kestrel/src/klog"
	"kestrel/src/mm"
	"kestrel/src/mmu"
	"kestrel/src/module"
	"kestrel/src/platform"
	"kestrel/src/proc"
)

// MaxCPUs bounds the per-CPU tables, matching spec.md §3's "per CPU up
// to a compile-time maximum (e.g., 8)".
const MaxCPUs = 8

// Hooks supplies everything Run needs that cannot be expressed as
// portable Go: physical-memory access before translation is enabled,
// the linker-provided kernel image bounds, and the ISA backend. The
// per-arch `_start` trampoline builds one of these and calls Run; it
// is the only target-specific code this repository does not express
// in Go.
type Hooks struct {
	Arch archcap.Arch

	// ReadPhysBlob returns up to maxLen bytes starting at the
	// physical address addr. Before the MMU is enabled this is a
	// direct read (RAM is identity-addressable); Run only calls it
	// during DTB parsing, which happens before mmu.Enable.
	ReadPhysBlob func(addr uintptr, maxLen int) []byte

	// DTBPhysAddr is the pointer the firmware left in the boot CPU's
	// designated register. Zero means no DTB was supplied.
	DTBPhysAddr uintptr

	ArchIsARM64 bool
	FallbackBoard boards.Board

	KernelImageBase uintptr
	KernelImageSize uintptr

	// NumCPUs is how many CPUs (including the boot CPU) to bring up.
	// Secondary targetIDs and entry points come from
	// SecondaryTargetID/SecondaryEntryAddr, called once per CPU index
	// 1..NumCPUs-1.
	NumCPUs int

	// SecondaryTargetID returns the ISA-specific hardware id (MPIDR
	// affinity value or hart id) for CPU index cpu.
	SecondaryTargetID func(cpu int) uint64
	// SecondaryEntryAddr is the physical address of the per-ISA
	// secondary-entry trampoline every brought-up CPU begins
	// executing at.
	SecondaryEntryAddr uintptr
	// SecondaryScratch returns the per-CPU scratch region a secondary
	// CPU's trampoline should install before calling into portable
	// Go, for CPU index cpu.
	SecondaryScratch func(cpu int) uintptr

	// IdleEntry is the function every CPU's idle thread runs.
	IdleEntry func(arg uintptr)

	// ModuleCallFn invokes a loaded module's init_fn/exit_fn entry
	// point; it is arch-specific (an indirect call through the
	// module's page mapping) so module.NewLoader takes it as a hook
	// rather than the loader assuming a calling convention.
	ModuleCallFn func(entry uintptr) int32

	// Timer builds the system timer from cfg. Supplied by the per-ISA
	// trampoline because the ARM generic timer is driven through
	// system registers rather than cfg's MMIO bases (archcap.Arch has
	// no system-register accessor beyond IRQ masking) — boot stays
	// ISA-agnostic by treating this as just another hook rather than
	// importing archcap/arm64 to reach arm64.NewTimer directly. A nil
	// Timer falls back to the RISC-V CLINT case, since that one only
	// needs cfg's MMIO base.
	Timer func(cfg platform.Config) drivers.Timer
}

// Kernel is everything Run assembles and hands back to the caller
// (the per-ISA trampoline, or a test) once boot completes: the pieces
// later subsystems (VFS/block/IPC, out of scope here per spec.md §1)
// would be wired against.
type Kernel struct {
	Config    *platform.Config
	Frames    *mm.FrameAllocator
	Heap      *mm.Heap
	Scheduler *proc.Scheduler
	Symbols   *module.SymbolTable
	Loader    *module.Loader
	Bringup   *firmware.Bringup

	UART          drivers.UART
	IntController drivers.IntController
	Timer         drivers.Timer
}

// Run executes spec.md §2's boot sequence on the calling (boot) CPU
// and returns the assembled Kernel. Every error a boot stage reports,
// whatever its kind, is logged via klog.Fatalf, which parks the CPU in
// Hooks.Arch.HaltLoop; Run returns that error only if HaltLoop returns
// (as a test's fake does).
func Run(hooks Hooks) (*Kernel, error) {
	klog.SetHaltFunc(hooks.Arch.HaltLoop)

	tree, layout, err := earlyMemoryLayout(hooks)
	if err != nil {
		fatal(hooks, "boot", "early memory layout: %v", err)
		return nil, err
	}
	mm.PublishLayout(layout)

	frames, err := buildFrameAllocator(layout)
	if err != nil {
		fatal(hooks, "boot", "frame allocator: %v", err)
		return nil, err
	}
	heap := buildHeap(layout)

	if err := mmu.Enable(frames, hooks.Arch, identityRegions(layout)); err != nil {
		fatal(hooks, "boot", "mmu bring-up: %v", err)
		return nil, err
	}

	board := hooks.FallbackBoard
	if tree != nil {
		if compats := tree.RootCompatible(); len(compats) > 0 {
			if b, ok := boards.FindByCompatible(compats); ok {
				board = b
			}
		}
	}
	cfg, err := platform.Assemble(tree, board, hooks.ArchIsARM64)
	if err != nil {
		fatal(hooks, "boot", "platform config assembly: %v", err)
		return nil, err
	}
	platform.Publish(cfg)

	uart := buildUART(cfg, hooks.ArchIsARM64)
	klog.SetSink(uartSink{uart})

	intc := buildIntController(cfg, hooks.ArchIsARM64)
	timer := buildTimer(cfg, hooks.Timer)

	numCPUs := hooks.NumCPUs
	if numCPUs <= 0 {
		numCPUs = 1
	}
	if numCPUs > MaxCPUs {
		numCPUs = MaxCPUs
	}
	sched := proc.NewScheduler(numCPUs)
	if hooks.IdleEntry != nil {
		for cpu := 0; cpu < numCPUs; cpu++ {
			sched.SetIdleEntry(cpu, hooks.IdleEntry, uintptr(cpu))
		}
	}

	syms := module.NewSymbolTable()
	loader := module.NewLoader(frames, syms, hooks.Arch, hooks.ModuleCallFn)

	k := &Kernel{
		Config:        &cfg,
		Frames:        frames,
		Heap:          heap,
		Scheduler:     sched,
		Symbols:       syms,
		Loader:        loader,
		UART:          uart,
		IntController: intc,
		Timer:         timer,
	}

	bringupSecondaries(hooks, k)

	return k, nil
}

func fatal(hooks Hooks, module, format string, args ...interface{}) {
	klog.Fatalf("["+module+"] "+format, args...)
}

// earlyMemoryLayout parses the DTB (if present) and derives the
// memory layout descriptor spec.md §3 names: the RAM range and the
// kernel image bounds. heapPlacement and buildFrameAllocator carve the
// heap, the frame pool and the 4MiB reserved tail out of it.
func earlyMemoryLayout(hooks Hooks) (*dtb.Tree, mm.Layout, error) {
	var tree *dtb.Tree
	if hooks.DTBPhysAddr != 0 && hooks.ReadPhysBlob != nil {
		blob := hooks.ReadPhysBlob(hooks.DTBPhysAddr, 1<<20)
		t, err := dtb.Parse(blob)
		if err != nil {
			return nil, mm.Layout{}, err
		}
		tree = t
	}

	var mem dtb.MemoryRegion
	if tree != nil {
		if m, err := tree.FindMemory(); err == nil {
			mem = m
		}
	}
	if mem.Size == 0 {
		mem = dtb.MemoryRegion{
			Base: uint64(hooks.FallbackBoard.RAMBase),
			Size: uint64(hooks.FallbackBoard.RAMSize),
		}
	}
	if mem.Size == 0 {
		return nil, mm.Layout{}, kerr.New(kerr.Fatal, "boot", "no memory region found in DTB or fallback board")
	}

	layout := mm.FromMemoryRegion(mem, uint64(hooks.KernelImageBase), uint64(hooks.KernelImageSize))
	return tree, layout, nil
}

const reservedTail = 4 * 1024 * 1024

// heapPlacement carves min(ram/4, 128MiB) immediately after the kernel
// image for the heap allocator, per spec.md §3's memory layout
// descriptor: kernel image, then heap, then frame pool, then a 4MiB
// reserved tail.
func heapPlacement(layout mm.Layout) (start, size uint64) {
	const maxHeap = 128 * 1024 * 1024
	heapSize := layout.RAMSize / 4
	if heapSize > maxHeap {
		heapSize = maxHeap
	}
	heapStart := alignUp(layout.KernelImageBase+layout.KernelImageSize, mm.PageSize)
	return heapStart, heapSize
}

// buildFrameAllocator hands the frame allocator everything between the
// end of the heap and the reserved tail, then reserves the bitmap's
// own backing pages so the first frame AllocFrame ever returns is
// frame_pool_start + bitmap_pages, never a frame the bitmap itself
// occupies.
func buildFrameAllocator(layout mm.Layout) (*mm.FrameAllocator, error) {
	heapStart, heapSize := heapPlacement(layout)
	poolStart := alignUp(heapStart+heapSize, mm.PageSize)
	poolEnd := layout.RAMEnd() - reservedTail
	numFrames := (poolEnd - poolStart) / mm.PageSize

	poolStartFrame := mm.Frame(poolStart / mm.PageSize)
	frames := mm.NewFrameAllocator(poolStartFrame, numFrames)

	bitmapWords := (numFrames + 63) / 64
	bitmapBytes := bitmapWords * 8
	bitmapPages := (bitmapBytes + mm.PageSize - 1) / mm.PageSize
	if err := frames.ReserveRange(poolStartFrame, bitmapPages); err != nil {
		return nil, err
	}

	return frames, nil
}

// buildHeap builds the heap allocator at the placement buildFrameAllocator
// treats as reserved.
func buildHeap(layout mm.Layout) *mm.Heap {
	heapStart, heapSize := heapPlacement(layout)
	return mm.NewHeap(uintptr(heapStart), uintptr(heapSize))
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// identityRegions is the set of physical ranges mmu.Enable maps as
// 2MiB blocks: all of RAM as normal memory, plus whichever MMIO
// windows the fallback board constants name (the DTB-assembled
// platform.Config is not available yet at this point in boot, so the
// board's compile-time bases stand in — they are the same QEMU-virt
// windows the DTB would report).
func identityRegions(layout mm.Layout) []mmu.Region {
	regions := []mmu.Region{
		{Base: layout.RAMBase, Size: layout.RAMSize, MemType: archcap.MemNormal},
	}
	for _, r := range layout.MMIOReserved {
		regions = append(regions, mmu.Region{Base: r.Base, Size: r.Size, MemType: archcap.MemDevice})
	}
	return regions
}

func buildUART(cfg platform.Config, archIsARM64 bool) drivers.UART {
	if archIsARM64 {
		return drivers.NewPL011(uintptr(cfg.UART.Base))
	}
	return drivers.NewNS16550(uintptr(cfg.UART.Base))
}

func buildIntController(cfg platform.Config, archIsARM64 bool) drivers.IntController {
	if archIsARM64 {
		return drivers.NewGICv2(uintptr(cfg.GIC.DistributorBase), uintptr(cfg.GIC.CPUInterfaceBase))
	}
	return drivers.NewPLIC(uintptr(cfg.PLIC.Base), cfg.CPUCount)
}

func buildTimer(cfg platform.Config, hook func(platform.Config) drivers.Timer) drivers.Timer {
	if hook != nil {
		return hook(cfg)
	}
	return drivers.NewCLINTTimer(uintptr(cfg.CLINT.Base), 0, cfg.Timer.FreqHz)
}

// bringupSecondaries issues the platform firmware call for every CPU
// beyond the boot CPU, per spec.md §4.6's SMP bringup paragraph: each
// secondary gets a StartupInfo pointing at the already-built shared
// page tables and its own scratch region, then jumps through
// Hooks.SecondaryEntryAddr.
func bringupSecondaries(hooks Hooks, k *Kernel) {
	if hooks.NumCPUs <= 1 || hooks.SecondaryTargetID == nil || hooks.SecondaryScratch == nil {
		return
	}
	var cpuOn func(targetID, entryAddr, contextID uint64) error
	if hooks.ArchIsARM64 {
		cpuOn = firmware.CPUOnARM64(hooks.Arch)
	} else {
		cpuOn = firmware.HartStartRISCV(hooks.Arch)
	}
	bringup := firmware.NewBringup(hooks.Arch, cpuOn)
	k.Bringup = bringup

	for cpu := 1; cpu < hooks.NumCPUs && cpu < MaxCPUs; cpu++ {
		targetID := hooks.SecondaryTargetID(cpu)
		info := firmware.StartupInfo{
			CPUIndex:      cpu,
			PerCPUScratch: hooks.SecondaryScratch(cpu),
			EntryPoint:    hooks.SecondaryEntryAddr,
		}
		if err := bringup.Start(targetID, hooks.SecondaryEntryAddr, info); err != nil {
			klog.Errorf("[boot] secondary CPU %d bring-up failed: %v", cpu, err)
		}
	}
}

// uartSink adapts a drivers.UART to klog.Sink.
type uartSink struct{ u drivers.UART }

func (s uartSink) WriteString(str string) { s.u.WriteString(str) }
