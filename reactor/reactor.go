// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Package reactor implements an edge-triggered IO event loop layered on
// top of a scheduler.Scheduler, plus a timer.Manager sharing the same
// idle worker: an IOManager is the Go counterpart of sylar's
// IOManager : public Scheduler, public TimerManager.
package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hioload/fiberio/fiber"
	"github.com/hioload/fiberio/scheduler"
	"github.com/hioload/fiberio/timer"
)

// EventType is a platform-neutral readiness mask. Values intentionally
// do not reuse EPOLLIN/EPOLLOUT's numeric bits so the platform backend
// owns that translation exclusively.
type EventType uint32

const (
	EventNone EventType = 0
	EventRead EventType = 1 << 0
	EventWrite EventType = 1 << 1
)

func (e EventType) String() string {
	switch e {
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventNone:
		return "NONE"
	default:
		return fmt.Sprintf("EventType(%d)", uint32(e))
	}
}

// readyEvent is what a platform backend reports from one wait() call.
type readyEvent struct {
	fd     int
	events EventType
}

// backend is the platform-specific half of the reactor: epoll on Linux,
// an explicit unsupported-platform stub everywhere else (see
// reactor_linux.go / reactor_other.go).
type backend interface {
	addEvent(fd int, mask EventType) error
	modEvent(fd int, mask EventType) error
	delEvent(fd int) error
	wait(timeoutMs int) ([]readyEvent, error)
	wake() error
	close() error
}

// eventContext is one (fiber xor callback) waiter registered against a
// single readiness direction on a single fd.
type eventContext struct {
	scheduler *scheduler.Scheduler
	fiber     *fiber.Fiber
	cb        func()
}

func (c *eventContext) reset() { c.scheduler = nil; c.fiber = nil; c.cb = nil }

// FdContext tracks both registered directions for one file descriptor.
// Go's golang.org/x/sys/unix.EpollEvent exposes no safe slot for an
// opaque per-registration pointer the way C's epoll_data_t union does
// (abusing its Pad field via unsafe.Pointer would hand the kernel a Go
// pointer the garbage collector does not know is reachable) — see
// DESIGN.md. Instead fd itself indexes a dense FdContext table, the same
// way fdtable.Table already indexes FdInfo.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	events EventType
	read   eventContext
	write  eventContext
}

func (c *FdContext) ctxFor(event EventType) *eventContext {
	switch event {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	default:
		panic(fmt.Sprintf("reactor: invalid event %v", event))
	}
}

// IOManager is a Scheduler whose idle workers block in epoll_wait
// instead of sleeping, dispatching ready fds and expired timers as
// scheduler.Tasks. Embedding both *scheduler.Scheduler and
// *timer.Manager promotes Schedule/Stop/AddTimer/etc directly onto
// IOManager, the same shape as sylar's public-Scheduler,
// public-TimerManager inheritance.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	epoll backend

	mu         sync.RWMutex
	fdContexts []*FdContext
	pending    atomic.Int64
}

const initialFdContexts = 32

// New constructs and starts an IOManager with threadCount workers.
func New(threadCount int, useCaller bool, name string) (*IOManager, error) {
	be, err := newBackend()
	if err != nil {
		return nil, err
	}
	m := &IOManager{
		Scheduler:  scheduler.New(threadCount, useCaller, name),
		Manager:    timer.NewManager(),
		epoll:      be,
		fdContexts: make([]*FdContext, initialFdContexts),
	}
	for i := range m.fdContexts {
		m.fdContexts[i] = &FdContext{fd: i}
	}
	m.Manager.OnEarliestChanged = m.onTimerInsertedAtFront
	m.Scheduler.SetTickle(m.tickle)
	m.Scheduler.SetIdle(m.idle)
	m.Scheduler.SetStoppingExtra(m.reactorStopping)
	m.Scheduler.SetOwner(m)
	m.Scheduler.Start()
	return m, nil
}

// GetThis returns the IOManager owning whichever scheduler is bound to
// the calling goroutine's worker context, or nil if the current
// scheduler is a plain scheduler.Scheduler rather than a reactor.
func GetThis() *IOManager {
	sched := scheduler.GetThis()
	if sched == nil {
		return nil
	}
	m, _ := sched.Owner().(*IOManager)
	return m
}

func (m *IOManager) contextFor(fd int, grow bool) *FdContext {
	m.mu.RLock()
	if fd < len(m.fdContexts) {
		c := m.fdContexts[fd]
		m.mu.RUnlock()
		return c
	}
	m.mu.RUnlock()
	if !grow {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.fdContexts) {
		size := int(float64(fd+1) * 1.5)
		grown := make([]*FdContext, size)
		copy(grown, m.fdContexts)
		for i := len(m.fdContexts); i < size; i++ {
			grown[i] = &FdContext{fd: i}
		}
		m.fdContexts = grown
	}
	return m.fdContexts[fd]
}

// AddEvent registers interest in event on fd. If cb is nil, the calling
// fiber (which must be State()==EXEC) is captured and resumed once the
// event fires; otherwise cb is scheduled as a plain closure task.
func (m *IOManager) AddEvent(fd int, event EventType, cb func()) error {
	ctx := m.contextFor(fd, true)
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events&event != 0 {
		return fmt.Errorf("reactor: fd %d already registered for %v", fd, event)
	}

	newMask := ctx.events | event
	var err error
	if ctx.events == 0 {
		err = m.epoll.addEvent(fd, newMask)
	} else {
		err = m.epoll.modEvent(fd, newMask)
	}
	if err != nil {
		return fmt.Errorf("reactor: epoll_ctl fd=%d mask=%v: %w", fd, newMask, err)
	}

	m.pending.Add(1)
	ctx.events = newMask
	ec := ctx.ctxFor(event)
	ec.scheduler = m.Scheduler
	if cb != nil {
		ec.cb = cb
	} else {
		ec.fiber = fiber.GetThis()
	}
	return nil
}

// errNotRegistered is returned by DelEvent/CancelEvent/CancelAll when fd
// has no tracked registration for the requested direction(s).
var errNotRegistered = fmt.Errorf("reactor: fd not registered for requested event")

// DelEvent physically unregisters event on fd without triggering its
// waiter.
func (m *IOManager) DelEvent(fd int, event EventType) error {
	ctx := m.contextFor(fd, false)
	if ctx == nil {
		return errNotRegistered
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&event == 0 {
		return errNotRegistered
	}
	newMask := ctx.events &^ event
	if err := m.applyMask(fd, newMask); err != nil {
		return err
	}
	m.pending.Add(-1)
	ctx.events = newMask
	ctx.ctxFor(event).reset()
	return nil
}

// CancelEvent triggers event's waiter (if any) and then unregisters it —
// the Go equivalent of forcing a canceled wait to wake up instead of
// hanging forever.
func (m *IOManager) CancelEvent(fd int, event EventType) error {
	ctx := m.contextFor(fd, false)
	if ctx == nil {
		return errNotRegistered
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&event == 0 {
		return errNotRegistered
	}
	newMask := ctx.events &^ event
	if err := m.applyMask(fd, newMask); err != nil {
		return err
	}
	m.triggerLocked(ctx, event)
	m.pending.Add(-1)
	return nil
}

// CancelAll triggers and unregisters every direction currently pending
// on fd.
func (m *IOManager) CancelAll(fd int) error {
	ctx := m.contextFor(fd, false)
	if ctx == nil {
		return errNotRegistered
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events == EventNone {
		return errNotRegistered
	}
	if err := m.epoll.delEvent(fd); err != nil {
		return err
	}
	if ctx.events&EventRead != 0 {
		m.triggerLocked(ctx, EventRead)
		m.pending.Add(-1)
	}
	if ctx.events&EventWrite != 0 {
		m.triggerLocked(ctx, EventWrite)
		m.pending.Add(-1)
	}
	return nil
}

func (m *IOManager) applyMask(fd int, newMask EventType) error {
	if newMask == EventNone {
		return m.epoll.delEvent(fd)
	}
	return m.epoll.modEvent(fd, newMask)
}

// triggerLocked schedules event's waiter and clears the event's
// direction. Callers hold ctx.mu.
func (m *IOManager) triggerLocked(ctx *FdContext, event EventType) {
	ctx.events &^= event
	ec := ctx.ctxFor(event)
	sched := ec.scheduler
	if sched == nil {
		sched = m.Scheduler
	}
	if ec.cb != nil {
		sched.Schedule(scheduler.Task{Fn: ec.cb, Thread: scheduler.AnyThread})
	} else if ec.fiber != nil {
		sched.Schedule(scheduler.Task{Fiber: ec.fiber, Thread: scheduler.AnyThread})
	}
	ec.reset()
}

func (m *IOManager) handleReady(fd int, events EventType) {
	ctx := m.contextFor(fd, false)
	if ctx == nil {
		return
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	real := events & ctx.events
	if real == EventNone {
		return
	}
	left := ctx.events &^ real
	if err := m.applyMask(fd, left); err != nil {
		return
	}
	if real&EventRead != 0 {
		m.triggerLocked(ctx, EventRead)
		m.pending.Add(-1)
	}
	if real&EventWrite != 0 {
		m.triggerLocked(ctx, EventWrite)
		m.pending.Add(-1)
	}
}

// PendingCount reports how many fd/direction registrations are still
// awaiting a readiness event.
func (m *IOManager) PendingCount() int64 { return m.pending.Load() }

func (m *IOManager) onTimerInsertedAtFront() { m.tickle() }

func (m *IOManager) tickle() {
	if m.Scheduler.IdleCount() == 0 {
		return
	}
	_ = m.epoll.wake()
}

// reactorStopping ANDs into Scheduler.Stopping: the reactor may only
// stop once no fd registration is still awaiting a readiness event and no
// timer is pending.
func (m *IOManager) reactorStopping() bool {
	return m.pending.Load() == 0 && !m.Manager.HasTimer()
}

const maxEventsPerWait = 256
const defaultIdleTimeoutMS = 5000

// idle is installed as the Scheduler's idle function: it blocks in
// epoll_wait for at most the nearest timer deadline (or
// defaultIdleTimeoutMS, whichever is sooner), then dispatches whatever
// fired — both IO readiness and expired timers — before yielding
// control back to the dispatch loop so newly scheduled tasks can run.
func (m *IOManager) idle() bool {
	if m.Scheduler.Stopping() {
		return false
	}

	timeoutMS := defaultIdleTimeoutMS
	if d := m.Manager.GetNextTimer(); d != timer.NoNextTimer {
		if ms := int(d.Milliseconds()); ms < timeoutMS {
			timeoutMS = ms
		}
	}

	events, err := m.epoll.wait(timeoutMS)
	if err != nil {
		return true
	}
	for _, ev := range events {
		m.handleReady(ev.fd, ev.events)
	}
	for _, cb := range m.Manager.ListExpiredCB() {
		m.Schedule(scheduler.Task{Fn: cb, Thread: scheduler.AnyThread})
	}
	return true
}

// Close releases the reactor's platform resources. Callers should Stop
// the embedded Scheduler first.
func (m *IOManager) Close() error { return m.epoll.close() }
