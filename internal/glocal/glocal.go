// Package glocal provides goroutine-scoped storage: the closest Go
// equivalent of the C++ `thread_local` anchors the fiber runtime needs
// (current fiber, root fiber, current scheduler/reactor).
//
// Go has no public goroutine-local storage. We key a per-goroutine cell
// off the numeric id the runtime embeds in a stack trace, matching the
// well-known goroutine-local-storage idiom used by libraries like
// jtolds/gls and petermattis/goid for exactly this problem. Cells are
// removed explicitly by callers when a goroutine is about to exit
// (Clear); nothing here runs a background reaper.
package glocal

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Well-known keys shared across the fiber/scheduler/reactor packages so
// each can bind and read the same per-goroutine anchors without creating
// an import cycle between them.
const (
	KeyFiberCurrent     = "fiber.current"
	KeyFiberRoot        = "fiber.root"
	KeySchedulerCurrent = "scheduler.current"
)

type cell struct {
	mu     sync.Mutex
	values map[string]any
}

var table sync.Map // map[uint64]*cell

// goroutineID extracts the numeric id the runtime prints in a stack
// trace header ("goroutine 123 [running]:"). Intentionally cheap: a
// small fixed buffer is enough to capture the header line.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if idx := bytes.IndexByte(b, ' '); idx >= 0 {
		b = b[:idx]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func cellFor(goid uint64) *cell {
	if v, ok := table.Load(goid); ok {
		return v.(*cell)
	}
	c := &cell{values: make(map[string]any, 4)}
	actual, _ := table.LoadOrStore(goid, c)
	return actual.(*cell)
}

// Get returns the value stored under key for the calling goroutine.
func Get(key string) (any, bool) {
	c := cellFor(goroutineID())
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key for the calling goroutine.
func Set(key string, value any) {
	c := cellFor(goroutineID())
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Delete removes key for the calling goroutine only.
func Delete(key string) {
	c := cellFor(goroutineID())
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
}

// Clear drops every value for the calling goroutine. Callers invoke this
// just before the goroutine returns, so the table does not grow
// unboundedly as fibers terminate.
func Clear() {
	table.Delete(goroutineID())
}
