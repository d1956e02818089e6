// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
//
// Package scheduler implements N:M multiplexing of fibers onto a fixed
// worker pool with a shared FIFO task queue and optional per-task thread
// affinity. reactor.IOManager embeds a Scheduler and overrides its
// tickle/idle/stopping extension points to turn idle workers into an
// epoll-driven event loop.
package scheduler

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/hioload/fiberio/fiber"
	"github.com/hioload/fiberio/internal/glocal"
)

// Scheduler is a fixed worker-thread pool executing a shared FIFO of
// fiber/closure Tasks cooperatively.
type Scheduler struct {
	name      string
	useCaller bool

	mu sync.Mutex
	q  *queue.Queue // backing FIFO store (github.com/eapache/queue)

	threadCount  int // number of worker goroutines this scheduler spawns
	rootThreadID int // worker id reserved for the caller, or -1

	active atomic.Int32
	idle   atomic.Int32

	autoStop atomic.Bool
	started  atomic.Bool

	dispatchFiber *fiber.Fiber // only set when useCaller
	wg            sync.WaitGroup

	// owner lets an embedding type (reactor.IOManager) recover itself
	// from scheduler.GetThis(), since the glocal binding only has
	// visibility into the embedded *Scheduler, not its enclosing struct.
	owner any

	// Extension points a reactor overrides via composition, since Go has
	// no virtual-method inheritance: base Scheduler's tickle is a no-op
	// log line and its idle just yields the processor (runtime.Gosched)
	// without sleeping; IOManager replaces
	// both with epoll-aware versions and ANDs its own readiness into
	// Stopping.
	tickleFn      func()
	idleFn        func() bool
	stoppingExtra func() bool
}

// New constructs a Scheduler. When useCaller is true, the calling
// goroutine participates as worker 0 and threadCount is interpreted as
// including that caller (so threadCount-1 additional goroutines are
// spawned by Start); that worker only runs when Stop drives its
// dispatch fiber.
func New(threadCount int, useCaller bool, name string) *Scheduler {
	if threadCount <= 0 {
		threadCount = 1
	}
	s := &Scheduler{
		name:         name,
		useCaller:    useCaller,
		q:            queue.New(),
		rootThreadID: -1,
	}
	if useCaller {
		s.rootThreadID = 0
		threadCount--
		s.dispatchFiber = fiber.New(func() { s.run(s.rootThreadID) }, 0, true)
	}
	if threadCount < 0 {
		threadCount = 0
	}
	s.threadCount = threadCount
	s.tickleFn = func() { log.Printf("[scheduler %s] tickle (no-op)", s.name) }
	s.idleFn = s.defaultIdle
	s.stoppingExtra = func() bool { return true }
	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// SetTickle overrides how the scheduler wakes an idle worker. A reactor
// embedding a Scheduler replaces the default no-op logger with one that
// writes to its wakeup eventfd.
func (s *Scheduler) SetTickle(fn func()) { s.tickleFn = fn }

// SetIdle overrides what an otherwise-idle worker does between dispatch
// turns. A reactor replaces the default runtime.Gosched yield with an
// epoll_wait-driven loop.
func (s *Scheduler) SetIdle(fn func() bool) { s.idleFn = fn }

// SetStoppingExtra ANDs an additional readiness predicate into Stopping.
// A reactor uses this to keep running while it still has pending IO
// events, even once the task queue is empty.
func (s *Scheduler) SetStoppingExtra(fn func() bool) { s.stoppingExtra = fn }

// IdleCount reports how many workers are currently parked in their idle
// fiber, for deciding whether a tickle is needed at all.
func (s *Scheduler) IdleCount() int32 { return s.idle.Load() }

// ActiveCount reports how many tasks are currently claimed and running.
func (s *Scheduler) ActiveCount() int32 { return s.active.Load() }

// SetOwner records the value an embedding type wants scheduler.GetThis()
// callers to be able to recover via Owner.
func (s *Scheduler) SetOwner(o any) { s.owner = o }

// Owner returns whatever SetOwner last recorded, or nil.
func (s *Scheduler) Owner() any { return s.owner }

// workerIDs lists the ids of the goroutine-backed workers Start spawns,
// i.e. every worker except the caller-bound one (if any).
func (s *Scheduler) workerIDs() []int {
	base := 0
	if s.useCaller {
		base = 1
	}
	ids := make([]int, s.threadCount)
	for i := range ids {
		ids[i] = base + i
	}
	return ids
}

// Start spawns the scheduler's worker goroutines. Idempotent.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, id := range s.workerIDs() {
		id := id
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			s.run(id)
		}()
	}
}

// Schedule appends task to the shared FIFO, tickling a worker if the
// queue was empty or the task targets a specific thread.
func (s *Scheduler) Schedule(t Task) {
	if t.empty() {
		return
	}
	s.mu.Lock()
	wasEmpty := s.q.Length() == 0
	s.q.Add(t)
	s.mu.Unlock()
	if wasEmpty || t.Thread != AnyThread {
		s.tickleFn()
	}
}

// ScheduleBatch appends every task under a single lock acquisition.
func (s *Scheduler) ScheduleBatch(tasks []Task) {
	if len(tasks) == 0 {
		return
	}
	s.mu.Lock()
	needsTickle := s.q.Length() == 0
	for _, t := range tasks {
		if t.empty() {
			continue
		}
		s.q.Add(t)
		if t.Thread != AnyThread {
			needsTickle = true
		}
	}
	s.mu.Unlock()
	if needsTickle {
		s.tickleFn()
	}
}

// claim scans the FIFO under the queue lock for the first entry this
// worker may run: target -1 or this worker's id, whose embedded fiber
// (if any) is not currently EXEC. Matches are removed in place,
// preserving the order of everything else. Returns tickleMe=true if a
// later, still-pending entry exists for some other worker to pick up.
func (s *Scheduler) claim(workerID int) (Task, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.q.Length()
	matchIdx := -1
	for i := 0; i < n; i++ {
		t := s.q.Get(i).(Task)
		if t.Thread != AnyThread && t.Thread != workerID {
			continue
		}
		if t.Fiber != nil && t.Fiber.State() == fiber.StateExec {
			continue
		}
		matchIdx = i
		break
	}
	if matchIdx == -1 {
		return Task{}, false, false
	}

	tickleMe := matchIdx < n-1
	var match Task
	rest := make([]Task, 0, n-1)
	for i := 0; i < n; i++ {
		v := s.q.Remove().(Task)
		if i == matchIdx {
			match = v
		} else {
			rest = append(rest, v)
		}
	}
	for _, v := range rest {
		s.q.Add(v)
	}
	s.active.Add(1)
	return match, true, tickleMe
}

func (s *Scheduler) defaultIdle() bool {
	if s.Stopping() {
		return false
	}
	fiber.GetThis() // no-op touch; kept for symmetry with reactor's idle
	runtime.Gosched()
	return true
}

// run is the dispatch loop, executed by every spawned worker goroutine
// and, in useCaller mode, by the dispatch fiber driven from Stop.
func (s *Scheduler) run(workerID int) {
	SetThis(s)
	root := fiber.GetRoot()
	if root == nil {
		root = fiber.NewRoot()
		fiber.SetRoot(root)
	}

	var idleFiber *fiber.Fiber
	idleFiber = fiber.New(func() {
		for {
			cont := s.idleFn()
			if !cont {
				return
			}
			fiber.GetThis().YieldToHold()
		}
	}, 0, false)

	var cbFiber *fiber.Fiber

	for {
		if s.Stopping() {
			return
		}

		task, ok, tickleMe := s.claim(workerID)
		if tickleMe {
			s.tickleFn()
		}
		if ok {
			s.runTask(task, workerID, &cbFiber, root)
			s.active.Add(-1)
			continue
		}

		s.idle.Add(1)
		switch idleFiber.State() {
		case fiber.StateTerm, fiber.StateExcept:
		default:
			idleFiber.ResumeOn(s, root)
		}
		s.idle.Add(-1)
		if st := idleFiber.State(); st == fiber.StateTerm || st == fiber.StateExcept {
			return
		}
	}
}

func (s *Scheduler) runTask(task Task, workerID int, cbFiber **fiber.Fiber, root *fiber.Fiber) {
	if task.Fiber != nil {
		switch task.Fiber.State() {
		case fiber.StateTerm, fiber.StateExcept:
			return
		}
		task.Fiber.ResumeOn(s, root)
		switch task.Fiber.State() {
		case fiber.StateReady:
			s.Schedule(Task{Fiber: task.Fiber, Thread: task.Thread})
		}
		return
	}
	if task.Fn == nil {
		return
	}
	reusable := false
	if *cbFiber != nil {
		switch (*cbFiber).State() {
		case fiber.StateTerm, fiber.StateExcept:
			reusable = true
		}
	}
	if reusable {
		_ = (*cbFiber).Reset(task.Fn)
	} else {
		*cbFiber = fiber.New(task.Fn, 0, true)
	}
	(*cbFiber).ResumeOn(s, root)
	if (*cbFiber).State() == fiber.StateReady {
		rescheduled := *cbFiber
		s.Schedule(Task{Fiber: rescheduled, Thread: task.Thread})
	}
}

// Stopping reports whether the scheduler may terminate its dispatch
// loops: auto-stop requested, the queue empty, and no task currently
// active. A reactor ANDs in its own readiness (no pending events, no
// timers) via stoppingExtra.
func (s *Scheduler) Stopping() bool {
	if !s.autoStop.Load() {
		return false
	}
	s.mu.Lock()
	empty := s.q.Length() == 0
	s.mu.Unlock()
	if !empty || s.active.Load() != 0 {
		return false
	}
	return s.stoppingExtra()
}

// Stop requests shutdown: sets auto-stop, tickles every worker plus the
// dispatch fiber, drives the dispatch fiber on the caller thread in
// useCaller mode, then joins every spawned worker.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)
	for range s.workerIDs() {
		s.tickleFn()
	}
	if s.useCaller {
		s.tickleFn()
		switch s.dispatchFiber.State() {
		case fiber.StateInit, fiber.StateReady, fiber.StateHold:
			root := fiber.GetRoot()
			if root == nil {
				root = fiber.NewRoot()
			}
			s.dispatchFiber.ResumeOn(s, root)
		}
	}
	s.wg.Wait()
}

// GetThis returns the Scheduler bound to the calling goroutine's current
// worker context, or nil.
func GetThis() *Scheduler {
	v, ok := glocal.Get(glocal.KeySchedulerCurrent)
	if !ok {
		return nil
	}
	s, _ := v.(*Scheduler)
	return s
}

// SetThis binds s as the calling goroutine's current scheduler.
func SetThis(s *Scheduler) { glocal.Set(glocal.KeySchedulerCurrent, s) }

// GetMainFiber returns the root/dispatch fiber of whichever worker the
// calling code is currently executing on.
func GetMainFiber() *fiber.Fiber { return fiber.GetRoot() }
