// File: fdtable/fdtable.go
// Author: momentics <momentics@gmail.com>
//
// Package fdtable tracks per-file-descriptor state the hook layer needs:
// whether a descriptor is a socket, whether it has been forced
// non-blocking by the runtime versus by the caller, and the caller's
// configured read/write timeouts. Grounded on sylar's FdManager/FdCtx.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Direction distinguishes a receive-side timeout from a send-side one.
type Direction int

const (
	DirRecv Direction = iota
	DirSend
)

// NoTimeout marks "block forever" — the same sentinel sylar's FdCtx
// spells as (uint64_t)-1.
const NoTimeout int64 = -1

// FdInfo is one descriptor's tracked state. The zero value is never
// handed out directly; construct via Table.Get(fd, true).
type FdInfo struct {
	mu sync.Mutex

	fd           int
	isSocket     bool
	sysNonblock  bool // forced non-blocking by this runtime
	userNonblock bool // non-blocking requested by the caller via FcntlSetFl
	closed       bool

	recvTimeoutMs int64
	sendTimeoutMs int64
}

func newFdInfo(fd int) *FdInfo {
	info := &FdInfo{fd: fd, recvTimeoutMs: NoTimeout, sendTimeoutMs: NoTimeout}
	info.init()
	return info
}

// init fstats the descriptor to classify it, and — if it is a socket —
// forces it non-blocking at the system level regardless of what the
// caller asked for. The hook layer depends on every socket being
// non-blocking so a would-block read/write can yield the fiber instead
// of stalling the worker thread; this is the one place that invariant is
// established.
func (info *FdInfo) init() bool {
	var stat unix.Stat_t
	if err := unix.Fstat(info.fd, &stat); err != nil {
		return false
	}
	info.isSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !info.isSocket {
		info.sysNonblock = false
		return true
	}

	flags, err := unix.FcntlInt(uintptr(info.fd), unix.F_GETFL, 0)
	if err == nil && flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(info.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	info.sysNonblock = true
	return true
}

// Fd returns the tracked descriptor number.
func (info *FdInfo) Fd() int { return info.fd }

// IsSocket reports whether this descriptor was classified as a socket.
func (info *FdInfo) IsSocket() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.isSocket
}

// UserNonblock reports whether the caller has asked for non-blocking
// semantics via FcntlSetFl — independent of SysNonblock, which reflects
// what this runtime actually set at the kernel level.
func (info *FdInfo) UserNonblock() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.userNonblock
}

// SetUserNonblock records the caller's requested non-blocking flag
// without touching the kernel-level flag the hook layer depends on.
func (info *FdInfo) SetUserNonblock(v bool) {
	info.mu.Lock()
	info.userNonblock = v
	info.mu.Unlock()
}

// SysNonblock reports whether this runtime forced the descriptor
// non-blocking at the kernel level.
func (info *FdInfo) SysNonblock() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.sysNonblock
}

// Closed reports whether Table.Del has already been called for this fd.
func (info *FdInfo) Closed() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.closed
}

// Timeout returns the configured timeout in milliseconds for dir, or
// NoTimeout if none was set.
func (info *FdInfo) Timeout(dir Direction) int64 {
	info.mu.Lock()
	defer info.mu.Unlock()
	if dir == DirRecv {
		return info.recvTimeoutMs
	}
	return info.sendTimeoutMs
}

// SetTimeout records the caller's requested timeout in milliseconds for
// dir. The hook layer's blocking wrappers consult this to size the
// condition timer they race against the underlying epoll event.
func (info *FdInfo) SetTimeout(dir Direction, ms int64) {
	info.mu.Lock()
	if dir == DirRecv {
		info.recvTimeoutMs = ms
	} else {
		info.sendTimeoutMs = ms
	}
	info.mu.Unlock()
}

// Table is a dense, fd-indexed slot table mirroring sylar's
// vector<FdCtx::ptr>: fds are small, dense, non-negative integers handed
// out by the kernel, so slice indexing beats a map for this lookup.
type Table struct {
	mu    sync.RWMutex
	slots []*FdInfo
}

const initialCapacity = 64

// NewTable constructs an empty Table pre-sized the way sylar's
// FdManager reserves 64 slots up front to absorb early growth without
// repeated reallocation.
func NewTable() *Table {
	return &Table{slots: make([]*FdInfo, initialCapacity)}
}

var defaultTable = NewTable()

// Default returns the process-wide fd table the hook layer uses.
func Default() *Table { return defaultTable }

// Get returns the tracked FdInfo for fd, constructing one via
// double-checked locking when autoCreate is true and none exists yet.
// Returns nil for fd == -1 or when autoCreate is false and nothing is
// tracked.
func (t *Table) Get(fd int, autoCreate bool) *FdInfo {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.slots) {
		info := t.slots[fd]
		if info != nil || !autoCreate {
			t.mu.RUnlock()
			return info
		}
	} else if !autoCreate {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.slots) {
		if t.slots[fd] != nil {
			return t.slots[fd]
		}
	} else {
		grown := make([]*FdInfo, int(float64(fd+1)*1.5)+1)
		copy(grown, t.slots)
		t.slots = grown
	}
	info := newFdInfo(fd)
	t.slots[fd] = info
	return info
}

// Del drops the tracked state for fd, marking it closed first so any
// goroutine still holding the *FdInfo observes Closed() == true. The
// slot itself is left nil rather than the slice shrunk, since the
// kernel tends to reissue small fd numbers and a future Get will
// recreate the slot cheaply.
func (t *Table) Del(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.slots) || t.slots[fd] == nil {
		return
	}
	t.slots[fd].mu.Lock()
	t.slots[fd].closed = true
	t.slots[fd].mu.Unlock()
	t.slots[fd] = nil
}
