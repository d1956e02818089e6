package scheduler

import "github.com/hioload/fiberio/fiber"

// AnyThread is the target thread id meaning "dispatch on whichever
// worker claims this task first".
const AnyThread = -1

// Task is one FIFO entry: either a fiber reference or a zero-argument
// closure to be wrapped in a fresh or reused fiber, optionally pinned to
// a specific worker id.
type Task struct {
	Fiber  *fiber.Fiber
	Fn     func()
	Thread int
}

func (t Task) empty() bool { return t.Fiber == nil && t.Fn == nil }
