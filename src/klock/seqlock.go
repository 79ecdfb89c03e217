package klock

import (
	"sync/atomic"
)

// SeqLock protects T for a single writer and many lock-free readers.
// Writers bump an even/odd generation counter around the write; a
// reader snapshots the payload, then re-reads if the generation was
// odd (a write was in progress) or changed (a write completed) during
// the snapshot. Modeled on gvisor's syncutil.SeqCount generation
// scheme (BeginRead/ReadOk/BeginWrite/EndWrite).
type SeqLock[T any] struct {
	gen   atomic.Uint64
	value T
}

// NewSeqLock returns a SeqLock guarding an initial value.
func NewSeqLock[T any](initial T) *SeqLock[T] {
	return &SeqLock[T]{value: initial}
}

// Write runs fn with exclusive access, bumping the generation counter
// before and after so concurrent readers can detect the write.
func (s *SeqLock[T]) Write(fn func(v *T)) {
	s.gen.Add(1) // now odd: readers must retry
	defer s.gen.Add(1)
	fn(&s.value)
}

// Read returns a consistent snapshot of the payload, retrying the read
// if a write was observed in progress or to have completed meanwhile.
func (s *SeqLock[T]) Read() T {
	for {
		before := s.gen.Load()
		if before&1 != 0 {
			pause()
			continue
		}
		snapshot := s.value
		after := s.gen.Load()
		if before == after {
			return snapshot
		}
	}
}

// RCU is a read-copy-update cell: readers dereference a pointer with
// no locking at all, writers install a new pointer and defer
// reclaiming the old value until every CPU has passed through a
// quiescent point (defined, per spec.md, as scheduler entry) since the
// swap — so no reader that started before the swap can still be
// holding the old pointer.
//
// Callers report quiescent points with QuiescentPoint(cpu);
// proc.Scheduler does not call it, and tests call it directly.
type RCU[T any] struct {
	ptr        atomic.Pointer[T]
	epoch      atomic.Uint64
	seen       [maxRCUCPUs]atomic.Uint64
	activeCPUs atomic.Int32
}

// maxRCUCPUs bounds the per-CPU quiescent-epoch table, matching klog's
// and proc's compile-time CPU cap.
const maxRCUCPUs = 8

// NewRCU returns an RCU cell holding an initial value. It starts with
// one active CPU (the boot CPU); SetActiveCPUs raises that once
// secondary CPUs have come up.
func NewRCU[T any](initial T) *RCU[T] {
	r := &RCU[T]{}
	r.ptr.Store(&initial)
	r.activeCPUs.Store(1)
	return r
}

// SetActiveCPUs bounds which CPU slots Update's grace period waits on.
// A CPU that will never call QuiescentPoint (never brought up, or not
// modeled by a test) must not be counted, or synchronize blocks
// forever.
func (r *RCU[T]) SetActiveCPUs(n int) {
	r.activeCPUs.Store(int32(n))
}

// Read returns the currently visible value. Never blocks.
func (r *RCU[T]) Read() *T {
	return r.ptr.Load()
}

// Update installs newVal as the visible value and returns a function
// that, when called, blocks until it is safe to free the old value —
// i.e. until the grace period (see synchronize) has elapsed. Callers that
// don't need to reclaim (T is not owned, or leaks are acceptable
// during shutdown) may ignore the returned function.
func (r *RCU[T]) Update(newVal *T) (old *T, waitForGracePeriod func()) {
	old = r.ptr.Swap(newVal)
	epoch := r.epoch.Add(1)
	return old, func() { r.synchronize(epoch) }
}

// QuiescentPoint records that cpu has reached a point where it cannot
// be holding a reference to any RCU-protected pointer read before this
// call.
func (r *RCU[T]) QuiescentPoint(cpu int) {
	if cpu < 0 || cpu >= maxRCUCPUs {
		return
	}
	r.seen[cpu].Store(r.epoch.Load())
}

// synchronize blocks until every active CPU slot has recorded a
// quiescent point at or after epoch.
func (r *RCU[T]) synchronize(epoch uint64) {
	n := int(r.activeCPUs.Load())
	for cpu := 0; cpu < n && cpu < maxRCUCPUs; cpu++ {
		for r.seen[cpu].Load() < epoch {
			pause()
		}
	}
}
