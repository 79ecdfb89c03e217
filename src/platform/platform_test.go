package platform_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"kestrel/src/boards"
	"kestrel/src/platform"
)

func TestAssembleFallsBackToBoardWithoutDTB(t *testing.T) {
	cfg, err := platform.Assemble(nil, boards.QemuVirtARM64, true)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	wantUART := platform.UART{
		Base:    boards.QemuVirtARM64.UARTBase,
		IRQ:     boards.QemuVirtARM64.UARTIRQ,
		ClockHz: boards.QemuVirtARM64.UARTClockHz,
	}
	if diff := cmp.Diff(wantUART, cfg.UART); diff != "" {
		t.Fatalf("UART mismatch (-want +got):\n%s", diff)
	}

	wantGIC := platform.GIC{
		DistributorBase:  boards.QemuVirtARM64.GICDBase,
		CPUInterfaceBase: boards.QemuVirtARM64.GICCBase,
	}
	if diff := cmp.Diff(wantGIC, cfg.GIC); diff != "" {
		t.Fatalf("GIC mismatch (-want +got):\n%s", diff)
	}
	if cfg.IntController != platform.IntControllerGIC {
		t.Fatalf("IntController = %v, want GIC", cfg.IntController)
	}
	if cfg.Memory.Base != boards.QemuVirtARM64.RAMBase {
		t.Fatalf("Memory.Base = %#x, want %#x", cfg.Memory.Base, boards.QemuVirtARM64.RAMBase)
	}
	if cfg.CPUCount != 1 {
		t.Fatalf("CPUCount = %d, want 1 (board leaves it at 0 -> default 1)", cfg.CPUCount)
	}
}

func TestAssembleRISCV64UsesPLICAndCLINT(t *testing.T) {
	cfg, err := platform.Assemble(nil, boards.QemuVirtRISCV64, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if cfg.IntController != platform.IntControllerPLIC {
		t.Fatalf("IntController = %v, want PLIC", cfg.IntController)
	}
	wantPLIC := platform.PLIC{Base: boards.QemuVirtRISCV64.PLICBase}
	if diff := cmp.Diff(wantPLIC, cfg.PLIC); diff != "" {
		t.Fatalf("PLIC mismatch (-want +got):\n%s", diff)
	}

	wantCLINT := platform.CLINT{Base: boards.QemuVirtRISCV64.CLINTBase, Present: true}
	if diff := cmp.Diff(wantCLINT, cfg.CLINT); diff != "" {
		t.Fatalf("CLINT mismatch (-want +got):\n%s", diff)
	}

	wantTimer := platform.Timer{
		Type:   platform.TimerRISCVCLINT,
		FreqHz: boards.QemuVirtRISCV64.TimerFreqHz,
		IRQ:    boards.QemuVirtRISCV64.TimerIRQ,
	}
	if diff := cmp.Diff(wantTimer, cfg.Timer); diff != "" {
		t.Fatalf("Timer mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleFailsWithoutMemoryOrBoardFallback(t *testing.T) {
	_, err := platform.Assemble(nil, boards.Board{}, true)
	if err == nil {
		t.Fatal("expected error when neither DTB nor board supply a memory region")
	}
}

func TestPublishAndCurrent(t *testing.T) {
	cfg, err := platform.Assemble(nil, boards.QemuVirtARM64, true)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	platform.Publish(cfg)
	got := platform.Current()
	if got == nil || got.UART.Base != cfg.UART.Base {
		t.Fatalf("Current() = %+v, want %+v", got, cfg)
	}
}
