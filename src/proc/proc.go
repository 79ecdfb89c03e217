// Package proc is the scheduler and thread-control-block substrate:
// preemptive round-robin across CPUs, a single global TCB table
// indexed by thread id, and per-CPU current/idle bookkeeping.
//
// Grounded directly on iansmith-feelings/src/joy/{family,schedule,task}.go
// (family/TaskImpl/scheduleInternal/switchToDomain) and the
// near-duplicate src/joy/domain.go; generalized from the teacher's own
// priority-decay selection rule into spec.md §4.6's simpler
// index-order-after-current rule, keeping the teacher's
// prohibitPreemption/scheduleInternal/switchToDomain/permitPreemption
// control-flow shape (here: lock, select, drop lock, switch).
package proc

import (
	"sync/atomic"

	"kestrel/src/kerr"
	"kestrel/src/klock"
)

// currentCPU is installed by the boot-time wiring to report which CPU
// the calling goroutine/core represents; Yield needs it to call
// Schedule for the right cpu without proc importing a concrete arch
// backend. The zero-value default assumes a single CPU 0, correct for
// hosted tests.
var currentCPU atomic.Value // func() int

func init() {
	currentCPU.Store(func() int { return 0 })
}

// SetCurrentCPUFunc installs the hook Yield uses to find which CPU is
// calling. archcap.Arch.PerCPUPointer-derived lookups supply the real
// one at boot.
func SetCurrentCPUFunc(f func() int) {
	if f == nil {
		f = func() int { return 0 }
	}
	currentCPU.Store(f)
}

// State is a thread's scheduling state.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// TID identifies a thread by its index into the global TCB table.
type TID int

// Context is the portable half of a saved execution context: the
// architecture-specific register blob is opaque here and only ever
// touched by the SwitchFunc installed via SetSwitchFunc.
type Context struct {
	Entry func(arg uintptr)
	Arg   uintptr

	// Opaque is the ISA-specific saved register blob (callee-saved
	// registers, SP, LR/RA). The portable scheduler never reads or
	// writes it directly; it is allocated and populated by the
	// arch-specific trampoline on first entry and on every switch.
	Opaque any
}

// TCB is one thread's control block.
type TCB struct {
	ID       TID
	Name     string
	State    State
	Affinity uint64 // bitmask of CPUs this thread may run on; 0 means any

	Context Context

	reaped bool
}

const affinityAny = ^uint64(0)

type schedState struct {
	tcbs []*TCB
}

// PerCPU is a single CPU's scheduling bookkeeping.
type PerCPU struct {
	CurrentIdx int
	IdleIdx    int
	TickCount  atomic.Uint64
	NeedResched atomic.Bool
}

// Scheduler is the global round-robin scheduler.
type Scheduler struct {
	mu     klock.SpinlockIRQ[schedState]
	perCPU []*PerCPU

	// SwitchFunc performs the low-level context switch: it is called
	// with the scheduler lock already released, per spec.md §4.6's
	// handoff pattern. The boot-time wiring installs an arch-specific
	// trampoline; tests install a fake that just runs goroutines.
	SwitchFunc func(prev, next *TCB)
}

// NewScheduler creates a scheduler with numCPUs per-CPU slots, each
// initialized with an idle thread reserved for it: cpu's idle thread
// is TCB index cpu.
func NewScheduler(numCPUs int) *Scheduler {
	s := &Scheduler{
		mu:     *klock.NewSpinlockIRQ(schedState{}),
		perCPU: make([]*PerCPU, numCPUs),
	}
	s.mu.With(func(st *schedState) {
		for cpu := 0; cpu < numCPUs; cpu++ {
			idle := &TCB{ID: TID(len(st.tcbs)), Name: "idle", State: Ready, Affinity: uint64(1) << cpu}
			st.tcbs = append(st.tcbs, idle)
			s.perCPU[cpu] = &PerCPU{CurrentIdx: int(idle.ID), IdleIdx: int(idle.ID)}
		}
	})
	return s
}

// SetIdleEntry synthesizes the initial context for cpu's idle thread,
// the same way Spawn does for an ordinary thread: the boot path calls
// this once per CPU, after NewScheduler has reserved the idle TCB
// slots, so the first switch into an idle thread has a real entry
// point to run rather than a zero Context.
func (s *Scheduler) SetIdleEntry(cpu int, entry func(arg uintptr), arg uintptr) {
	idx := s.perCPU[cpu].IdleIdx
	s.mu.With(func(st *schedState) {
		st.tcbs[idx].Context = Context{Entry: entry, Arg: arg}
	})
}

// Spawn creates a new Ready thread and returns its id. affinity is a
// CPU bitmask; 0 means the thread may run on any CPU.
func (s *Scheduler) Spawn(name string, entry func(arg uintptr), arg uintptr, affinity uint64) TID {
	if affinity == 0 {
		affinity = affinityAny
	}
	var id TID
	s.mu.With(func(st *schedState) {
		id = TID(len(st.tcbs))
		st.tcbs = append(st.tcbs, &TCB{
			ID:       id,
			Name:     name,
			State:    Ready,
			Affinity: affinity,
			Context:  Context{Entry: entry, Arg: arg},
		})
	})
	return id
}

// CurrentTID returns the thread currently running on cpu.
func (s *Scheduler) CurrentTID(cpu int) TID {
	return TID(s.perCPU[cpu].CurrentIdx)
}

// TickCount returns the number of scheduling ticks observed on cpu.
func (s *Scheduler) TickCount(cpu int) uint64 {
	return s.perCPU[cpu].TickCount.Load()
}

// RequestResched flags cpu for a reschedule at the next safe point,
// called from the timer IRQ handler.
func (s *Scheduler) RequestResched(cpu int) {
	s.perCPU[cpu].TickCount.Add(1)
	s.perCPU[cpu].NeedResched.Store(true)
}

// NeedsResched reports and clears cpu's pending reschedule flag.
func (s *Scheduler) NeedsResched(cpu int) bool {
	return s.perCPU[cpu].NeedResched.Swap(false)
}

// selectNext implements spec.md §4.6's selection rule: examine TCBs in
// index order starting after current, pick the first Ready TCB whose
// affinity permits cpu; if none, fall back to cpu's idle TCB.
func (st *schedState) selectNext(cpu int, current int, idleIdx int) int {
	n := len(st.tcbs)
	for step := 1; step <= n; step++ {
		i := (current + step) % n
		t := st.tcbs[i]
		if i == idleIdx || t == nil || t.State != Ready {
			continue
		}
		if t.Affinity&(uint64(1)<<cpu) != 0 {
			return i
		}
	}
	return -1
}

// Schedule runs one scheduling decision for cpu: select the next
// Ready thread (or cpu's idle thread), drop the scheduler lock, then
// invoke SwitchFunc with the (old, new) pair — the lock-drop-before-
// switch handoff spec.md §4.6 requires.
func (s *Scheduler) Schedule(cpu int) {
	pc := s.perCPU[cpu]
	var prev, next *TCB
	s.mu.With(func(st *schedState) {
		current := pc.CurrentIdx
		if st.tcbs[current].State == Running {
			st.tcbs[current].State = Ready
		}
		nextIdx := st.selectNext(cpu, current, pc.IdleIdx)
		if nextIdx < 0 {
			nextIdx = pc.IdleIdx
		}
		prev = st.tcbs[current]
		next = st.tcbs[nextIdx]
		next.State = Running
		pc.CurrentIdx = nextIdx
	})
	if prev == next {
		return
	}
	if s.SwitchFunc != nil {
		s.SwitchFunc(prev, next)
	}
}

// Exit marks the thread running on cpu Terminated and requests a
// reschedule. Its TCB stays in the table; Reap later marks it reaped.
func (s *Scheduler) Exit(cpu int) {
	pc := s.perCPU[cpu]
	s.mu.With(func(st *schedState) {
		st.tcbs[pc.CurrentIdx].State = Terminated
	})
	s.Schedule(cpu)
}

// Block marks tid Blocked; it will not be selected again until Wake
// is called.
func (s *Scheduler) Block(tid TID) {
	s.mu.With(func(st *schedState) {
		st.tcbs[int(tid)].State = Blocked
	})
}

// Wake marks a Blocked thread Ready again.
func (s *Scheduler) Wake(tid TID) {
	s.mu.With(func(st *schedState) {
		t := st.tcbs[int(tid)]
		if t.State == Blocked {
			t.State = Ready
		}
	})
}

// Reap marks a Terminated thread's TCB reaped, which must never happen
// before its context switch has completed. It frees nothing: the TCB
// stays in the table, and Spawn always appends a new slot rather than
// reusing a reaped one.
func (s *Scheduler) Reap(tid TID) error {
	var err error
	s.mu.With(func(st *schedState) {
		t := st.tcbs[int(tid)]
		if t.State != Terminated {
			err = kerr.New(kerr.InvalidInput, "proc", "reap requires a Terminated thread")
			return
		}
		t.reaped = true
	})
	return err
}

// Yield voluntarily gives up the current CPU's timeslice. Passing it
// to klock.SetYieldFunc makes Mutex and Semaphore reschedule instead of
// busy-spinning; boot.Run does not install it.
func (s *Scheduler) Yield() {
	s.Schedule(currentCPU.Load().(func() int)())
}

// StateOf returns tid's current state, for tests and diagnostics.
func (s *Scheduler) StateOf(tid TID) State {
	var st State
	s.mu.With(func(ss *schedState) {
		st = ss.tcbs[int(tid)].State
	})
	return st
}
