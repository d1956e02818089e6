// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
//
// Package fiber implements a stackful-style coroutine on top of a
// dedicated goroutine per fiber, explicitly resumed and yielded by the
// scheduler. Go gives every goroutine its own growable stack already, so
// "stackful" here means "suspends mid-call-stack, not just at function
// boundaries" — the property application code written in blocking style
// actually needs — rather than a hand-managed stack buffer.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hioload/fiberio/config"
	"github.com/hioload/fiberio/internal/glocal"
)

// State is a Fiber's position in its lifecycle.
type State int32

const (
	StateInit State = iota
	StateReady
	StateExec
	StateHold
	StateTerm
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

var nextID uint64
var liveCount int64

// LiveCount returns the number of fibers currently between construction
// (or Reset) and a terminal state. Best-effort: a Fiber that never runs
// to a terminal state stays counted until the process exits, since Go
// has no destructor to hook a GC-only decrement into.
func LiveCount() int64 { return atomic.LoadInt64(&liveCount) }

// Fiber is a cooperatively scheduled execution context.
type Fiber struct {
	id           uint64
	state        atomic.Int32
	stackSize    uint32
	participates bool
	root         bool

	mu      sync.Mutex
	entry   func()
	started bool
	err     any

	resumeCh chan struct{}
	yieldCh  chan struct{}

	// workerScheduler/workerRoot are stashed by BindWorker just before a
	// Resume, and copied into the fiber's own goroutine's glocal bindings
	// as soon as it wakes. A fiber's body runs on a dedicated goroutine
	// distinct from whichever worker goroutine called Resume, so these
	// values must be carried across that boundary explicitly each time —
	// they cannot simply be set once, because the spec allows a fiber to
	// migrate to a different worker between a yield and its next resume.
	workerScheduler any
	workerRoot      *Fiber
}

// BindWorker records which scheduler/reactor and which root fiber own the
// calling worker, so that code running inside f (possibly deep in a
// hook call) can later recover them via scheduler.GetThis() and
// GetRoot(). Callers invoke this immediately before Resume.
func (f *Fiber) BindWorker(schedulerCurrent any, root *Fiber) {
	f.mu.Lock()
	f.workerScheduler = schedulerCurrent
	f.workerRoot = root
	f.mu.Unlock()
}

func (f *Fiber) bindCurrentGoroutine() {
	glocal.Set(glocal.KeyFiberCurrent, f)
	f.mu.Lock()
	sched, root := f.workerScheduler, f.workerRoot
	f.mu.Unlock()
	if sched != nil {
		glocal.Set(glocal.KeySchedulerCurrent, sched)
	}
	if root != nil {
		glocal.Set(glocal.KeyFiberRoot, root)
	}
}

// New constructs a Fiber in state INIT. stackSize is retained for API
// fidelity with the spec's data model (§3) and reported by StackSize,
// but does not size anything: Go's runtime grows/shrinks the backing
// goroutine stack on its own. A zero stackSize takes the live
// config.FiberStackSize() default.
func New(entry func(), stackSize uint32, participates bool) *Fiber {
	if stackSize == 0 {
		stackSize = config.FiberStackSize()
	}
	f := &Fiber{
		id:           atomic.AddUint64(&nextID, 1),
		stackSize:    stackSize,
		participates: participates,
		entry:        entry,
		resumeCh:     make(chan struct{}),
		yieldCh:      make(chan struct{}),
	}
	f.state.Store(int32(StateInit))
	atomic.AddInt64(&liveCount, 1)
	return f
}

// NewRoot constructs the synthetic fiber identity a worker or the
// use_caller thread binds to itself before any task fiber is resumed —
// the Go stand-in for "the thread's root fiber reusing the OS stack".
// It never runs a trampoline goroutine; Resume/Yield are not valid on it.
func NewRoot() *Fiber {
	f := &Fiber{id: atomic.AddUint64(&nextID, 1), root: true}
	f.state.Store(int32(StateExec))
	return f
}

// ID returns the fiber's monotonic identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// StackSize reports the configured stack size (informational only).
func (f *Fiber) StackSize() uint32 { return f.stackSize }

// Participates reports whether this fiber counts toward scheduler
// active/idle bookkeeping when resumed directly by a dispatch loop.
func (f *Fiber) Participates() bool { return f.participates }

// IsRoot reports whether this is a synthetic root/dispatch identity.
func (f *Fiber) IsRoot() bool { return f.root }

// Err returns whatever the entry closure panicked with, if State is
// EXCEPT; nil otherwise.
func (f *Fiber) Err() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// Resume transfers control to the fiber. The caller blocks until the
// fiber yields or terminates. Preconditions: State in {INIT, READY, HOLD}.
func (f *Fiber) Resume() {
	if f.root {
		panic("fiber: Resume called on a root fiber identity")
	}
	switch f.State() {
	case StateInit, StateReady, StateHold:
	default:
		panic(fmt.Sprintf("fiber: Resume precondition violated: state=%s", f.State()))
	}
	f.setState(StateExec)

	f.mu.Lock()
	started := f.started
	f.started = true
	f.mu.Unlock()

	if !started {
		go f.trampoline()
	} else {
		f.resumeCh <- struct{}{}
	}
	<-f.yieldCh
}

// ResumeOn is Resume preceded by BindWorker, for callers (the scheduler's
// dispatch loop) that always know which worker they are resuming on.
func (f *Fiber) ResumeOn(schedulerCurrent any, root *Fiber) {
	f.BindWorker(schedulerCurrent, root)
	f.Resume()
}

// trampoline is the entry point of the fiber's dedicated goroutine. It
// binds this fiber as the goroutine's current-fiber anchor, runs the
// entry closure inside a recover region, and on the final handoff
// signals completion through a local handle.
//
// spec.md §9 requires the trampoline to release its *strong* self
// reference before the final yield, because a refcounted runtime
// (sylar's shared_ptr) would otherwise pin the fiber forever: its own
// goroutine stack holds a reference to itself. Go's garbage collector is
// a tracing collector, not refcounting, so a self-referential goroutine
// variable does not leak — this specific failure mode does not carry
// over to the Go port. The deferred tail still takes a local handle and
// signals through it, but nothing is cleared: no reference needs
// dropping here.
func (f *Fiber) trampoline() {
	f.bindCurrentGoroutine()

	defer func() {
		self := f
		if r := recover(); r != nil {
			self.mu.Lock()
			self.err = r
			self.mu.Unlock()
			self.setState(StateExcept)
		} else if self.State() != StateExcept {
			self.setState(StateTerm)
		}
		atomic.AddInt64(&liveCount, -1)
		glocal.Clear()
		self.yieldCh <- struct{}{}
	}()

	f.entry()
}

// yieldWithState is the shared mechanism behind Yield/YieldToReady/
// YieldToHold, and (conceptually) the trampoline's own final handoff:
// set the outgoing state, signal the waiting Resume caller, then, if the
// new state is not terminal, park until the next Resume.
func (f *Fiber) yieldWithState(next State) {
	switch f.State() {
	case StateExec, StateTerm, StateExcept:
	default:
		panic(fmt.Sprintf("fiber: Yield precondition violated: state=%s", f.State()))
	}
	if f.State() == StateExec {
		f.setState(next)
	}
	f.yieldCh <- struct{}{}
	if next == StateHold || next == StateReady {
		<-f.resumeCh
		f.bindCurrentGoroutine()
	}
}

// Yield suspends the fiber, forcing state HOLD if it was running.
func (f *Fiber) Yield() { f.yieldWithState(StateHold) }

// YieldToReady suspends the fiber in state READY, asking the scheduler
// to re-enqueue it for another turn.
func (f *Fiber) YieldToReady() { f.yieldWithState(StateReady) }

// YieldToHold suspends the fiber in state HOLD without re-enqueuing it;
// some other mechanism (an event, a timer) must Resume it later.
func (f *Fiber) YieldToHold() { f.yieldWithState(StateHold) }

// Reset rebinds entry and returns the fiber to state READY so it can be
// reused instead of allocating a fresh Fiber. Preconditions: State in
// {INIT, TERM, EXCEPT}. Go does not let us reuse the previous goroutine's
// stack allocation the way sylar reuses its stack buffer — the next
// Resume spawns a fresh goroutine — but the Fiber identity (id, channels)
// and the caller's reference to it are reused, which is the part that
// matters for avoiding per-task allocation churn in the dispatch loop.
func (f *Fiber) Reset(entry func()) error {
	prev := f.State()
	switch prev {
	case StateInit, StateTerm, StateExcept:
	default:
		return fmt.Errorf("fiber: Reset precondition violated: state=%s", prev)
	}
	f.mu.Lock()
	f.entry = entry
	f.err = nil
	f.started = false
	f.mu.Unlock()
	f.setState(StateReady)
	if prev != StateInit {
		// An INIT fiber is still counted from New.
		atomic.AddInt64(&liveCount, 1)
	}
	return nil
}

// GetThis returns the fiber bound to the calling goroutine, or nil if
// none has been bound (the goroutine is not part of any scheduler).
func GetThis() *Fiber {
	v, ok := glocal.Get(glocal.KeyFiberCurrent)
	if !ok {
		return nil
	}
	f, _ := v.(*Fiber)
	return f
}

// SetThis binds f as the calling goroutine's current fiber. Used by
// schedulers to install the root/dispatch fiber identity before any task
// fiber is ever resumed on a worker.
func SetThis(f *Fiber) { glocal.Set(glocal.KeyFiberCurrent, f) }

// GetRoot returns the calling goroutine's bound root/dispatch fiber, or
// nil. Unlike GetThis, this reflects the *worker* the currently running
// fiber happens to be executing on right now, propagated at each Resume
// via BindWorker — not a fixed property of the goroutine.
func GetRoot() *Fiber {
	v, ok := glocal.Get(glocal.KeyFiberRoot)
	if !ok {
		return nil
	}
	f, _ := v.(*Fiber)
	return f
}

// SetRoot binds root as the calling goroutine's current root/dispatch
// fiber. Used by a worker's own dispatch-loop goroutine, which never
// receives a BindWorker call of its own.
func SetRoot(root *Fiber) { glocal.Set(glocal.KeyFiberRoot, root) }

// GetFiberID returns GetThis().ID(), or 0 if there is no current fiber.
func GetFiberID() uint64 {
	if f := GetThis(); f != nil {
		return f.ID()
	}
	return 0
}
