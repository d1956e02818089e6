package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hioload/fiberio/fiber"
)

func TestSchedulerRunsClosureTask(t *testing.T) {
	s := New(2, false, "t1")
	s.Start()

	var ran atomic.Bool
	done := make(chan struct{})
	s.Schedule(Task{Fn: func() {
		ran.Store(true)
		close(done)
	}, Thread: AnyThread})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task")
	}
	if !ran.Load() {
		t.Fatal("closure task did not run")
	}
	s.Stop()
}

// TestSchedulerFanOut seeds one task that reschedules itself 5 times
// recursively; exactly 6 fibers must reach TERM and the scheduler must
// stop cleanly with active 0 and an empty queue.
func TestSchedulerFanOut(t *testing.T) {
	s := New(3, false, "fanout")
	s.Start()

	var count atomic.Int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(6)

	var spawn func(remaining int)
	spawn = func(remaining int) {
		s.Schedule(Task{Fn: func() {
			count.Add(1)
			wg.Done()
			mu.Lock()
			left := remaining
			mu.Unlock()
			if left > 0 {
				spawn(left - 1)
			}
		}, Thread: AnyThread})
	}
	spawn(5)

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out, only %d/6 fibers ran", count.Load())
	}

	if got := count.Load(); got != 6 {
		t.Fatalf("expected exactly 6 fiber runs, got %d", got)
	}

	s.autoStop.Store(true)
	stopped := make(chan struct{})
	go func() { s.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop cleanly")
	}

	if s.active.Load() != 0 {
		t.Fatalf("expected active=0 after stop, got %d", s.active.Load())
	}
	s.mu.Lock()
	qlen := s.q.Length()
	s.mu.Unlock()
	if qlen != 0 {
		t.Fatalf("expected empty queue after stop, got %d", qlen)
	}
}

func TestSchedulerThreadAffinity(t *testing.T) {
	s := New(2, false, "affinity")
	s.Start()

	done := make(chan int, 1)
	s.Schedule(Task{Fn: func() {
		// We cannot directly read which goroutine this runs on, but we
		// can confirm the task executed without error under a pinned
		// target; affinity enforcement is exercised via claim()'s filter.
		done <- 1
	}, Thread: 0})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pinned task")
	}
	s.Stop()
}

func TestSchedulerUseCallerDrivesDispatchFiber(t *testing.T) {
	s := New(1, true, "caller")
	s.Start()

	var ran atomic.Bool
	s.Schedule(Task{Fn: func() { ran.Store(true) }, Thread: AnyThread})

	// New(1, true) spawns no worker goroutines, so the task only runs once
	// Stop drives the caller-bound dispatch fiber, which must run to completion
	// without deadlocking even though nothing else calls Resume on it.
	time.Sleep(50 * time.Millisecond)
	stopped := make(chan struct{})
	go func() { s.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("useCaller scheduler did not stop")
	}
}

func TestSchedulerFiberTaskReschedulesOnYieldToReady(t *testing.T) {
	s := New(2, false, "reready")
	s.Start()

	var turns atomic.Int32
	done := make(chan struct{})
	f := fiber.New(func() {
		for i := 0; i < 3; i++ {
			turns.Add(1)
			fiber.GetThis().YieldToReady()
		}
		close(done)
	}, 0, true)
	s.Schedule(Task{Fiber: f, Thread: AnyThread})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out, turns=%d", turns.Load())
	}
	if turns.Load() != 3 {
		t.Fatalf("expected 3 turns, got %d", turns.Load())
	}
	s.Stop()
}
