package drivers_test

import (
	"testing"
	"unsafe"

	"kestrel/src/drivers"
)

const (
	gicdOffISENABLER  = 0x100
	gicdOffIPRIORITYR = 0x400
	gicdOffITARGETSR  = 0x800
	giccOffIAR        = 0x00C
	giccOffEOIR       = 0x010
)

func u32At(base uintptr, off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(base + off))
}

func TestGICv2EnablePriorityAndTarget(t *testing.T) {
	distBuf := make([]byte, 0x1000)
	cpuBuf := make([]byte, 0x100)
	distBase := uintptr(unsafe.Pointer(&distBuf[0]))
	cpuBase := uintptr(unsafe.Pointer(&cpuBuf[0]))
	g := drivers.NewGICv2(distBase, cpuBase)

	g.EnableIRQ(33)
	if got := *u32At(distBase, gicdOffISENABLER+1*4); got&(1<<1) == 0 { // irq 33 -> reg 1, bit 1
		t.Fatalf("EnableIRQ(33) did not set bit 1 of ISENABLER1: %#x", got)
	}

	g.SetPriority(33, 0x80)
	want := uint32(0x80) << 8 // irq 33 -> reg 8, byte 1
	if got := *u32At(distBase, gicdOffIPRIORITYR+8*4); got != want {
		t.Fatalf("SetPriority = %#x, want %#x", got, want)
	}

	g.SetTarget(33, 0)
	if got := *u32At(distBase, gicdOffITARGETSR+8*4); got == 0 {
		t.Fatal("SetTarget did not write a nonzero target mask")
	}
}

func TestGICv2AckSpurious(t *testing.T) {
	distBuf := make([]byte, 0x1000)
	cpuBuf := make([]byte, 0x100)
	g := drivers.NewGICv2(uintptr(unsafe.Pointer(&distBuf[0])), uintptr(unsafe.Pointer(&cpuBuf[0])))

	*u32At(uintptr(unsafe.Pointer(&cpuBuf[0])), giccOffIAR) = 1023
	if _, ok := g.Ack(); ok {
		t.Fatal("Ack() reported a real interrupt for the spurious sentinel 1023")
	}
}

func TestGICv2EOIWritesRegister(t *testing.T) {
	distBuf := make([]byte, 0x1000)
	cpuBuf := make([]byte, 0x100)
	cpuBase := uintptr(unsafe.Pointer(&cpuBuf[0]))
	g := drivers.NewGICv2(uintptr(unsafe.Pointer(&distBuf[0])), cpuBase)

	g.EOI(42)
	if got := *u32At(cpuBase, giccOffEOIR); got != 42 {
		t.Fatalf("EOI wrote %#x, want 42", got)
	}
}

const (
	plicOffPriority  = 0x0
	plicOffEnable    = 0x2000
	plicOffClaim     = 0x20_0004
)

func TestPLICEnableAndClaim(t *testing.T) {
	buf := make([]byte, 0x21_0000)
	base := uintptr(unsafe.Pointer(&buf[0]))
	p := drivers.NewPLIC(base, 1)

	p.SetPriority(10, 1)
	if got := *u32At(base, plicOffPriority+10*4); got != 1 {
		t.Fatalf("SetPriority wrote %#x, want 1", got)
	}

	p.EnableIRQ(10)
	if got := *u32At(base, plicOffEnable); got&(1<<10) == 0 {
		t.Fatalf("EnableIRQ(10) did not set bit 10: %#x", got)
	}

	*u32At(base, plicOffClaim) = 10
	irq, ok := p.Ack()
	if !ok || irq != 10 {
		t.Fatalf("Ack() = %v, %v, want 10, true", irq, ok)
	}

	p.EOI(10)
	if got := *u32At(base, plicOffClaim); got != 10 {
		t.Fatalf("EOI wrote %#x, want 10", got)
	}
}

func TestPLICAckNoneIsFalse(t *testing.T) {
	buf := make([]byte, 0x21_0000)
	p := drivers.NewPLIC(uintptr(unsafe.Pointer(&buf[0])), 1)
	if _, ok := p.Ack(); ok {
		t.Fatal("Ack() reported an interrupt when claim register was 0")
	}
}
