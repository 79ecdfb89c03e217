// Package mmio provides volatile-style access to memory-mapped device
// registers.
//
// The teacher (and TinyGo generally) gets this from runtime/volatile,
// a package that only exists inside the TinyGo toolchain's own
// standard-library overlay; it is not importable under the ordinary
// go toolchain and no published third-party module fills the gap for
// freestanding targets (see DESIGN.md). Reg32/Reg64 reproduce its
// field-for-field shape — a struct field per register, laid out in
// MMIO order — using atomic loads/stores so the compiler can never
// reorder or elide an access the hardware needs to see.
package mmio

import "sync/atomic"

// Reg8 is a single byte-wide memory-mapped register, for devices like
// the 16550A UART whose register file is byte-addressed with no
// padding between registers (reg-shift 0 in device-tree terms). There
// is no 8-bit atomic type in sync/atomic, so this is a plain pointer
// dereference rather than Reg32/Reg64's atomic load/store; correctness
// here relies on there being exactly one reader (the UART driver,
// itself serialized by its caller), not on word-tearing protection.
type Reg8 struct {
	v uint8
}

// Load reads the register.
func (r *Reg8) Load() uint8 { return r.v }

// Store writes the register.
func (r *Reg8) Store(val uint8) { r.v = val }

// SetBits ORs bits into the register.
func (r *Reg8) SetBits(bits uint8) { r.v |= bits }

// ClearBits ANDs bits out of the register.
func (r *Reg8) ClearBits(bits uint8) { r.v &^= bits }

// Reg32 is a single 32-bit memory-mapped register.
type Reg32 struct {
	v uint32
}

// Load reads the register.
func (r *Reg32) Load() uint32 { return atomic.LoadUint32(&r.v) }

// Store writes the register.
func (r *Reg32) Store(val uint32) { atomic.StoreUint32(&r.v, val) }

// SetBits ORs bits into the register.
func (r *Reg32) SetBits(bits uint32) {
	atomic.StoreUint32(&r.v, atomic.LoadUint32(&r.v)|bits)
}

// ClearBits ANDs bits out of the register.
func (r *Reg32) ClearBits(bits uint32) {
	atomic.StoreUint32(&r.v, atomic.LoadUint32(&r.v)&^bits)
}

// Reg64 is a single 64-bit memory-mapped register.
type Reg64 struct {
	v uint64
}

// Load reads the register.
func (r *Reg64) Load() uint64 { return atomic.LoadUint64(&r.v) }

// Store writes the register.
func (r *Reg64) Store(val uint64) { atomic.StoreUint64(&r.v, val) }

// SetBits ORs bits into the register.
func (r *Reg64) SetBits(bits uint64) {
	atomic.StoreUint64(&r.v, atomic.LoadUint64(&r.v)|bits)
}

// ClearBits ANDs bits out of the register.
func (r *Reg64) ClearBits(bits uint64) {
	atomic.StoreUint64(&r.v, atomic.LoadUint64(&r.v)&^bits)
}
