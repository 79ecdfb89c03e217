package archcap_test

import (
	"testing"

	"kestrel/src/archcap"
)

func TestPLTStubForDeduplicatesByTarget(t *testing.T) {
	var written []uint64
	plt := archcap.NewPLT(0x1000, 16, 4, func(stubAddr uintptr, target uint64) error {
		written = append(written, target)
		return nil
	})

	a1, err := plt.StubFor(0xAAAA)
	if err != nil {
		t.Fatalf("StubFor: %v", err)
	}
	a2, err := plt.StubFor(0xAAAA)
	if err != nil {
		t.Fatalf("StubFor: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("StubFor returned different addresses for the same target: %#x vs %#x", a1, a2)
	}
	if len(written) != 1 {
		t.Fatalf("Write called %d times, want 1", len(written))
	}
	if plt.Entries() != 1 {
		t.Fatalf("Entries() = %d, want 1", plt.Entries())
	}
}

func TestPLTStubForFailsWhenCapacityExceeded(t *testing.T) {
	plt := archcap.NewPLT(0x1000, 16, 2, func(stubAddr uintptr, target uint64) error { return nil })

	if _, err := plt.StubFor(1); err != nil {
		t.Fatalf("StubFor(1): %v", err)
	}
	if _, err := plt.StubFor(2); err != nil {
		t.Fatalf("StubFor(2): %v", err)
	}
	if _, err := plt.StubFor(3); err == nil {
		t.Fatal("expected an error once the PLT's fixed capacity is exceeded")
	}
}

func TestPLTStubAddressesAreSequentialAndWithinCapacity(t *testing.T) {
	const base = uintptr(0x2000)
	plt := archcap.NewPLT(base, 16, 4, func(stubAddr uintptr, target uint64) error { return nil })

	a1, _ := plt.StubFor(1)
	a2, _ := plt.StubFor(2)
	if a1 != base || a2 != base+16 {
		t.Fatalf("stub addresses = %#x, %#x, want %#x, %#x", a1, a2, base, base+16)
	}
}
