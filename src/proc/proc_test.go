package proc_test

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"kestrel/src/proc"
)

func TestScheduleRoundRobinsInIndexOrder(t *testing.T) {
	s := proc.NewScheduler(1)
	a := s.Spawn("a", nil, 0, 0)
	b := s.Spawn("b", nil, 0, 0)
	c := s.Spawn("c", nil, 0, 0)

	var order []proc.TID
	s.SwitchFunc = func(prev, next *proc.TCB) {
		order = append(order, next.ID)
	}

	s.Schedule(0) // idle -> a
	s.Schedule(0) // a -> b
	s.Schedule(0) // b -> c
	s.Schedule(0) // c -> a (index order wraps past cpu 0's idle TCB to a)

	if len(order) != 4 {
		t.Fatalf("order = %v, want 4 entries", order)
	}
	want := []proc.TID{a, b, c}
	if diff := cmp.Diff(want, order[:3]); diff != "" {
		t.Fatalf("switch order mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduleRespectsAffinity(t *testing.T) {
	s := proc.NewScheduler(2)
	cpu0Only := s.Spawn("cpu0", nil, 0, 1<<0)
	_ = cpu0Only

	var switchedOn []int
	var mu sync.Mutex
	s.SwitchFunc = func(prev, next *proc.TCB) {
		mu.Lock()
		switchedOn = append(switchedOn, int(next.ID))
		mu.Unlock()
	}

	// cpu 1 must never be handed the cpu0-only thread: only the idle
	// thread for cpu 1 is eligible.
	s.Schedule(1)
	if s.StateOf(cpu0Only) != proc.Ready {
		t.Fatalf("cpu0Only state = %v, want Ready (must not run on cpu 1)", s.StateOf(cpu0Only))
	}

	s.Schedule(0)
	if got := s.CurrentTID(0); got != cpu0Only {
		t.Fatalf("CurrentTID(0) = %v, want %v", got, cpu0Only)
	}
}

func TestScheduleFallsBackToIdleWhenNoneReady(t *testing.T) {
	s := proc.NewScheduler(1)
	tid := s.Spawn("only", nil, 0, 0)

	s.Schedule(0) // idle -> only
	if got := s.CurrentTID(0); got != tid {
		t.Fatalf("CurrentTID(0) = %v, want %v", got, tid)
	}

	// With only one Ready thread besides idle, round-robin keeps
	// re-selecting it rather than falling back to idle.
	s.Schedule(0)
	if got := s.CurrentTID(0); got != tid {
		t.Fatalf("CurrentTID(0) = %v, want %v (sole Ready thread re-selected)", got, tid)
	}

	// Once that thread blocks nothing is Ready, so cpu 0's idle thread
	// (TID 0) runs.
	s.Block(tid)
	s.Schedule(0)
	if got := s.CurrentTID(0); got != 0 {
		t.Fatalf("CurrentTID(0) = %v, want 0 (idle fallback)", got)
	}
}

func TestSetIdleEntryIsRunOnFirstSwitchIntoIdle(t *testing.T) {
	s := proc.NewScheduler(1)
	s.Spawn("only", nil, 0, 0)

	var sawArg uintptr
	var sawArgOK bool
	s.SetIdleEntry(0, func(arg uintptr) { sawArg, sawArgOK = arg, true }, 0xABCD)

	var lastNext *proc.TCB
	s.SwitchFunc = func(prev, next *proc.TCB) { lastNext = next }

	s.Schedule(0) // idle -> only
	s.Exit(0)
	s.Schedule(0) // only -> idle

	if lastNext == nil || lastNext.Name != "idle" {
		t.Fatalf("expected the switch back to land on the idle TCB, got %+v", lastNext)
	}
	if lastNext.Context.Entry == nil {
		t.Fatal("idle TCB's Context.Entry was never synthesized by SetIdleEntry")
	}
	lastNext.Context.Entry(lastNext.Context.Arg)
	if !sawArgOK || sawArg != 0xABCD {
		t.Fatalf("idle entry ran with arg=%v ok=%v, want 0xABCD true", sawArg, sawArgOK)
	}
}

func TestExitThenReap(t *testing.T) {
	s := proc.NewScheduler(1)
	tid := s.Spawn("doomed", nil, 0, 0)
	s.Schedule(0) // idle -> doomed

	s.Exit(0)
	if s.StateOf(tid) != proc.Terminated {
		t.Fatalf("StateOf(doomed) = %v, want Terminated", s.StateOf(tid))
	}
	if err := s.Reap(tid); err != nil {
		t.Fatalf("Reap: %v", err)
	}
}

func TestReapRejectsNonTerminated(t *testing.T) {
	s := proc.NewScheduler(1)
	tid := s.Spawn("alive", nil, 0, 0)
	if err := s.Reap(tid); err == nil {
		t.Fatal("expected Reap to reject a Ready thread")
	}
}

func TestBlockAndWake(t *testing.T) {
	s := proc.NewScheduler(1)
	tid := s.Spawn("waiter", nil, 0, 0)
	s.Block(tid)
	if s.StateOf(tid) != proc.Blocked {
		t.Fatalf("StateOf = %v, want Blocked", s.StateOf(tid))
	}

	s.Schedule(0) // must not select a Blocked thread
	if s.CurrentTID(0) == tid {
		t.Fatal("scheduled a Blocked thread")
	}

	s.Wake(tid)
	if s.StateOf(tid) != proc.Ready {
		t.Fatalf("StateOf after Wake = %v, want Ready", s.StateOf(tid))
	}
}

func TestRequestReschedAndNeedsReschedIsEdgeTriggered(t *testing.T) {
	s := proc.NewScheduler(1)
	if s.NeedsResched(0) {
		t.Fatal("NeedsResched should start false")
	}
	s.RequestResched(0)
	if !s.NeedsResched(0) {
		t.Fatal("NeedsResched should be true after RequestResched")
	}
	if s.NeedsResched(0) {
		t.Fatal("NeedsResched should clear itself after being read once")
	}
	if s.TickCount(0) != 1 {
		t.Fatalf("TickCount = %d, want 1", s.TickCount(0))
	}
}

// TestConcurrentSchedulingAcrossCPUsNeverDoubleRunsAThread simulates
// several CPUs calling Schedule concurrently and checks the scheduler
// never hands the same Ready thread to two CPUs at once (the scheduler
// lock, not the per-thread state, is the sole arbiter).
func TestConcurrentSchedulingAcrossCPUsNeverDoubleRunsAThread(t *testing.T) {
	const numCPUs = 4
	s := proc.NewScheduler(numCPUs)
	for i := 0; i < 16; i++ {
		s.Spawn("t", nil, 0, 0)
	}

	var mu sync.Mutex
	running := map[proc.TID]int{}
	violated := false
	s.SwitchFunc = func(prev, next *proc.TCB) {
		mu.Lock()
		running[prev.ID]--
		running[next.ID]++
		if running[next.ID] > 1 {
			violated = true
		}
		mu.Unlock()
	}

	var g errgroup.Group
	for cpu := 0; cpu < numCPUs; cpu++ {
		cpu := cpu
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				s.Schedule(cpu)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if violated {
		t.Fatal("the same thread was Running on more than one CPU at once")
	}
}
