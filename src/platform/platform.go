// Package platform assembles the single Config the rest of the kernel
// reads to find its devices: probe the DTB, apply the matched board's
// overrides for anything the DTB didn't say, and fall back to the
// board's compile-time constants for the rest. The result is published
// once at boot and read without locking afterward, per spec.md's
// "read without locking thereafter" requirement — Config itself is
// immutable once built, so a plain pointer swap is enough.
//
// Grounded on original_source's src/drivers/config.rs (PlatformConfig,
// the UART/GIC/PLIC/CLINT/Timer sub-structs, and the
// Some(dtb)-then-board-fallback helper functions uart_base/timer_freq
// etc.), restructured around Go's plainer zero-value-means-absent
// convention instead of Option<T>.
package platform

import (
	"sync/atomic"

	"kestrel/src/boards"
	"kestrel/src/dtb"
	"kestrel/src/kerr"
)

// UART is the discovered or configured console device.
type UART struct {
	Base    uint64
	Size    uint64
	IRQ     uint32
	ClockHz uint32
}

// GIC is the AArch64 interrupt controller configuration.
type GIC struct {
	DistributorBase   uint64
	CPUInterfaceBase  uint64
	RedistributorBase uint64
	HasRedistributor  bool
	V3                bool
}

// PLIC is the RISC-V interrupt controller configuration.
type PLIC struct {
	Base uint64
	Size uint64
}

// CLINT is the RISC-V core-local interruptor configuration, absent on
// ARM64 and on RISC-V boards that lack one.
type CLINT struct {
	Base    uint64
	Size    uint64
	Present bool
}

// TimerType distinguishes the two timer families this kernel drives.
type TimerType int

const (
	TimerARMGeneric TimerType = iota
	TimerRISCVCLINT
)

// Timer is the per-arch system timer configuration.
type Timer struct {
	Type   TimerType
	FreqHz uint64
	IRQ    uint32
}

// IntController tags which interrupt controller kind Config carries,
// since a given boot only ever has one of GIC or PLIC.
type IntController int

const (
	IntControllerNone IntController = iota
	IntControllerGIC
	IntControllerPLIC
)

// Config is the fully assembled platform description, built once at
// boot and read thereafter without synchronization.
type Config struct {
	UART UART

	IntController IntController
	GIC           GIC
	PLIC          PLIC

	Timer Timer
	CLINT CLINT

	CPUCount int

	Memory dtb.MemoryRegion

	Board boards.Board
}

var published atomic.Pointer[Config]

// Publish installs cfg as the platform's config. It must be called
// exactly once, early in boot, before any other CPU or driver reads
// Current.
func Publish(cfg Config) {
	published.Store(&cfg)
}

// Current returns the published config. It returns nil if Publish
// has not yet run — callers on the boot path must not call this
// before Publish; callers elsewhere should treat a nil result as a
// programming error, not a recoverable condition.
func Current() *Config {
	return published.Load()
}

// Assemble builds a Config by probing tree (which may be nil, meaning
// no DTB was found) and applying board as the fallback for anything
// the tree didn't supply. archIsARM64 selects which interrupt
// controller and timer family to look for.
func Assemble(tree *dtb.Tree, board boards.Board, archIsARM64 bool) (Config, error) {
	cfg := Config{Board: board}

	if err := assembleMemory(&cfg, tree, board); err != nil {
		return Config{}, err
	}
	assembleUART(&cfg, tree, board)
	if err := assembleIntController(&cfg, tree, board, archIsARM64); err != nil {
		return Config{}, err
	}
	assembleTimer(&cfg, tree, board, archIsARM64)
	assembleCLINT(&cfg, tree, board)
	assembleCPUCount(&cfg, tree, board)

	return cfg, nil
}

func assembleMemory(cfg *Config, tree *dtb.Tree, board boards.Board) error {
	if tree != nil {
		if mem, err := tree.FindMemory(); err == nil {
			cfg.Memory = mem
			return nil
		}
	}
	if board.RAMBase != 0 {
		cfg.Memory = dtb.MemoryRegion{Base: board.RAMBase, Size: board.RAMSize}
		return nil
	}
	return kerr.New(kerr.Fatal, "platform", "no memory node in dtb and no board fallback")
}

func assembleUART(cfg *Config, tree *dtb.Tree, board boards.Board) {
	if tree != nil {
		if u, ok := tree.FindUART(); ok {
			cfg.UART = UART{Base: u.Base, Size: u.Size, IRQ: u.IRQ, ClockHz: u.ClockHz}
			return
		}
	}
	cfg.UART = UART{Base: board.UARTBase, IRQ: board.UARTIRQ, ClockHz: board.UARTClockHz}
}

func assembleIntController(cfg *Config, tree *dtb.Tree, board boards.Board, archIsARM64 bool) error {
	if archIsARM64 {
		if tree != nil {
			if g, ok := tree.FindGIC(); ok {
				cfg.IntController = IntControllerGIC
				cfg.GIC = GIC{
					DistributorBase:   g.DistributorBase,
					CPUInterfaceBase:  g.CPUInterfaceBase,
					RedistributorBase: g.RedistributorBase,
					HasRedistributor:  g.HasRedistributor,
					V3:                g.V3,
				}
				return nil
			}
		}
		if board.GICDBase != 0 {
			cfg.IntController = IntControllerGIC
			cfg.GIC = GIC{DistributorBase: board.GICDBase, CPUInterfaceBase: board.GICCBase}
			return nil
		}
		return kerr.New(kerr.Fatal, "platform", "no interrupt controller in dtb and no board fallback")
	}

	if tree != nil {
		if p, ok := tree.FindPLIC(); ok {
			cfg.IntController = IntControllerPLIC
			cfg.PLIC = PLIC{Base: p.Base, Size: p.Size}
			return nil
		}
	}
	if board.PLICBase != 0 {
		cfg.IntController = IntControllerPLIC
		cfg.PLIC = PLIC{Base: board.PLICBase}
		return nil
	}
	return kerr.New(kerr.Fatal, "platform", "no interrupt controller in dtb and no board fallback")
}

func assembleTimer(cfg *Config, tree *dtb.Tree, board boards.Board, archIsARM64 bool) {
	if archIsARM64 {
		cfg.Timer = Timer{Type: TimerARMGeneric, FreqHz: board.TimerFreqHz, IRQ: board.TimerIRQ}
		return
	}
	freq := board.TimerFreqHz
	cfg.Timer = Timer{Type: TimerRISCVCLINT, FreqHz: freq, IRQ: board.TimerIRQ}
}

func assembleCLINT(cfg *Config, tree *dtb.Tree, board boards.Board) {
	if tree != nil {
		if c, ok := tree.FindCLINT(); ok {
			cfg.CLINT = CLINT{Base: c.Base, Size: c.Size, Present: true}
			return
		}
	}
	if board.CLINTBase != 0 {
		cfg.CLINT = CLINT{Base: board.CLINTBase, Present: true}
	}
	// Absence is not fatal: ARM64 boards never have a CLINT.
}

func assembleCPUCount(cfg *Config, tree *dtb.Tree, board boards.Board) {
	if tree != nil {
		cfg.CPUCount = tree.CountCPUs()
		return
	}
	if board.CPUCount != 0 {
		cfg.CPUCount = int(board.CPUCount)
		return
	}
	cfg.CPUCount = 1
}
