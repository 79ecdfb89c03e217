// Package module is the relocatable module loader: ELF64 parsing,
// section placement into frame-allocator-backed pages, symbol
// resolution against a global kernel symbol table, per-architecture
// relocation application via archcap, and module lifecycle.
//
// Grounded on iansmith-feelings/src/lib/loader/loader.go's
// KernelProcBootFromDisk (debug/elf section walk, section-by-section
// byte copy loop, symbol table scan), generalized from "one hardcoded
// boot image loaded once" to "arbitrary relocatable objects, loaded
// and unloaded repeatedly" per spec.md §4.7/§4.8.
package module

import (
	"kestrel/src/klock"
)

// SymbolTable is the kernel's global exported-symbol table: names the
// core and loaded modules make callable from other modules' external
// references. It is IRQ-unsafe (spec.md §5: "never touched from IRQ"),
// so it is guarded by a plain Mutex rather than a SpinlockIRQ.
type SymbolTable struct {
	mu klock.Mutex[map[string]uintptr]
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{mu: *klock.NewMutex(map[string]uintptr{})}
}

// Register adds or overwrites a symbol's address.
func (t *SymbolTable) Register(name string, addr uintptr) {
	t.mu.With(func(m *map[string]uintptr) {
		(*m)[name] = addr
	})
}

// Unregister removes a symbol, used when a module unloads.
func (t *SymbolTable) Unregister(name string) {
	t.mu.With(func(m *map[string]uintptr) {
		delete(*m, name)
	})
}

// Lookup returns a symbol's address and whether it was found.
func (t *SymbolTable) Lookup(name string) (uintptr, bool) {
	var addr uintptr
	var ok bool
	t.mu.With(func(m *map[string]uintptr) {
		addr, ok = (*m)[name]
	})
	return addr, ok
}
