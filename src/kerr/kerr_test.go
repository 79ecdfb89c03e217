package kerr_test

import (
	"testing"

	"kestrel/src/kerr"
)

func TestErrorMessage(t *testing.T) {
	e := kerr.New(kerr.OutOfMemory, "mm", "frame pool exhausted")
	if got, want := e.Error(), "mm: frame pool exhausted"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestIs(t *testing.T) {
	var err error = kerr.New(kerr.Busy, "module", "symbol still referenced")
	if !kerr.Is(err, kerr.Busy) {
		t.Fatalf("Is(Busy) = false, want true")
	}
	if kerr.Is(err, kerr.Fatal) {
		t.Fatalf("Is(Fatal) = true, want false")
	}
}

func TestKindString(t *testing.T) {
	cases := map[kerr.Kind]string{
		kerr.InvalidInput: "InvalidInput",
		kerr.Fatal:        "Fatal",
		kerr.Kind(99):     "Unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
