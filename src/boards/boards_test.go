package boards_test

import (
	"testing"

	"kestrel/src/boards"
)

func TestBuiltinBoardsRegistered(t *testing.T) {
	b, ok := boards.FindByCompatible([]string{"qemu,virt"})
	if !ok {
		t.Fatal("expected a built-in board to match \"qemu,virt\"")
	}
	if b.Name != "qemu-virt-arm64" && b.Name != "qemu-virt-riscv64" {
		t.Fatalf("unexpected board matched: %s", b.Name)
	}
}

func TestFindByCompatiblePrefersMoreSpecificEntry(t *testing.T) {
	b, ok := boards.FindByCompatible([]string{"linux,dummy-virt", "qemu,virt"})
	if !ok {
		t.Fatal("expected a match")
	}
	if b.Name != "qemu-virt-arm64" {
		t.Fatalf("FindByCompatible = %s, want qemu-virt-arm64", b.Name)
	}
}

func TestFindByCompatibleUnknown(t *testing.T) {
	if _, ok := boards.FindByCompatible([]string{"acme,widget"}); ok {
		t.Fatal("expected no match for an unregistered compatible string")
	}
}

func TestRegisterOverwritesByName(t *testing.T) {
	custom := boards.Board{Name: "test-only-board", Compatible: []string{"test,board"}, RAMBase: 0x1000}
	boards.Register(custom)
	defer boards.Register(boards.Board{Name: "test-only-board"})

	found, ok := boards.FindByCompatible([]string{"test,board"})
	if !ok || found.RAMBase != 0x1000 {
		t.Fatalf("Register/FindByCompatible round-trip failed: %+v ok=%v", found, ok)
	}

	custom.RAMBase = 0x2000
	boards.Register(custom)
	found, ok = boards.FindByCompatible([]string{"test,board"})
	if !ok || found.RAMBase != 0x2000 {
		t.Fatalf("re-Register under the same name did not overwrite: %+v ok=%v", found, ok)
	}
}
