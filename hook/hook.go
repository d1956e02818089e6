// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
//
// Package hook transparently turns blocking-looking socket IO into
// fiber-yielding IO: once enabled for the calling goroutine, Read,
// Write, Connect, Accept and friends register with the current
// reactor.IOManager and yield instead of blocking the OS thread when
// the underlying non-blocking syscall would.
//
// sylar's hook.cc achieves this via dlsym(RTLD_NEXT, ...) symbol
// interposition: the dynamic linker substitutes these wrappers for
// libc's own read/write/connect/etc, so *unmodified* application code
// written against the blocking socket API gets coroutine-aware IO for
// free. Go has no equivalent of RTLD_NEXT — there is no dynamic linker
// step between a Go program and the syscalls it issues, and unexported
// runtime internals cannot be interposed from an ordinary package. The
// functions below are explicit call-site replacements instead: code
// that wants fiber-aware IO imports this package and calls hook.Read
// instead of a direct read. This is the one unavoidable structural
// deviation from the original; see DESIGN.md.
package hook

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/hioload/fiberio/config"
	"github.com/hioload/fiberio/fdtable"
	"github.com/hioload/fiberio/fiber"
	"github.com/hioload/fiberio/internal/glocal"
	"github.com/hioload/fiberio/reactor"
	"github.com/hioload/fiberio/scheduler"
	"github.com/hioload/fiberio/timer"
)

const keyHookEnable = "hook.enable"

// IsHookEnable reports whether the calling goroutine currently has
// hooked IO enabled. The default, like sylar's thread_local
// t_hook_enable, is false.
func IsHookEnable() bool {
	v, ok := glocal.Get(keyHookEnable)
	if !ok {
		return false
	}
	enabled, _ := v.(bool)
	return enabled
}

// SetHookEnable sets whether the calling goroutine's IO calls through
// this package should be fiber-aware.
func SetHookEnable(enable bool) { glocal.Set(keyHookEnable, enable) }

// WithDisabled runs fn with hooking disabled for the calling goroutine,
// restoring whatever the flag was before on return — a scoped escape
// hatch for tests and for code that must perform a genuinely blocking
// call.
func WithDisabled(fn func()) {
	prev := IsHookEnable()
	SetHookEnable(false)
	defer SetHookEnable(prev)
	fn()
}

func aliveChecker(f *fiber.Fiber) timer.AliveChecker {
	return timer.AliveFunc(func() bool {
		switch f.State() {
		case fiber.StateTerm, fiber.StateExcept:
			return false
		default:
			return true
		}
	})
}

// doIO is the Go counterpart of sylar's do_io template: retry op until
// it succeeds, hits a permanent error, or times out, registering fd for
// event readiness and yielding the calling fiber while waiting. When
// hooking is disabled, fd isn't a tracked socket, or there is no
// current reactor, op runs straight through exactly like the
// unhooked syscall would.
func doIO(fd int, event reactor.EventType, dir fdtable.Direction, op func() (int, error)) (int, error) {
	if !IsHookEnable() {
		return op()
	}
	// Classify fd (socket vs not, force system-nonblock) on first touch
	// instead of requiring the caller to have gone through Socket/Accept/
	// Connect/SetsockoptTimeout first: a fiber-yielding read/write must
	// work on any socket handed to it, not only ones some earlier call
	// happened to register.
	info := fdtable.Default().Get(fd, true)
	if info == nil || info.Closed() || !info.IsSocket() || info.UserNonblock() {
		return op()
	}
	iom := reactor.GetThis()
	if iom == nil {
		return op()
	}
	curFiber := fiber.GetThis()
	if curFiber == nil {
		return op()
	}
	timeoutMs := info.Timeout(dir)

	for {
		n, err := op()
		if err != unix.EAGAIN && err != unix.EINTR {
			return n, err
		}

		var timedOut bool
		var tm *timer.Timer
		if timeoutMs != fdtable.NoTimeout {
			tm = iom.AddConditionTimer(time.Duration(timeoutMs)*time.Millisecond, func() {
				timedOut = true
				iom.CancelEvent(fd, event)
			}, aliveChecker(curFiber), false)
		}

		if addErr := iom.AddEvent(fd, event, nil); addErr != nil {
			if tm != nil {
				tm.Cancel()
			}
			return -1, unix.EBADF
		}

		fiber.GetThis().YieldToHold()
		if tm != nil {
			tm.Cancel()
		}
		if timedOut {
			return -1, unix.ETIMEDOUT
		}
	}
}

// Sleep parks the calling fiber for d via a one-shot timer instead of
// blocking the OS thread, when a reactor is current; otherwise it falls
// back to a real sleep.
func Sleep(d time.Duration) {
	iom := reactor.GetThis()
	if !IsHookEnable() || iom == nil {
		unix.Nanosleep(&unix.Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}, nil)
		return
	}
	f := fiber.GetThis()
	if f == nil {
		unix.Nanosleep(&unix.Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}, nil)
		return
	}
	iom.AddTimer(d, func() { iom.Schedule(scheduler.Task{Fiber: f, Thread: scheduler.AnyThread}) }, false)
	f.YieldToHold()
}

// Read is the hooked counterpart of unix.Read.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, reactor.EventRead, fdtable.DirRecv, func() (int, error) { return unix.Read(fd, p) })
}

// Readv is the hooked counterpart of unix.Readv.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, reactor.EventRead, fdtable.DirRecv, func() (int, error) { return unix.Readv(fd, iovs) })
}

// Recv is the hooked counterpart of a plain recv(2) with no source
// address (unix.Recvfrom with a discarded from-address).
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, reactor.EventRead, fdtable.DirRecv, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Recvfrom is the hooked counterpart of unix.Recvfrom.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, reactor.EventRead, fdtable.DirRecv, func() (int, error) {
		var innerErr error
		var innerN int
		innerN, from, innerErr = unix.Recvfrom(fd, p, flags)
		return innerN, innerErr
	})
	return n, from, err
}

// Write is the hooked counterpart of unix.Write.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, reactor.EventWrite, fdtable.DirSend, func() (int, error) { return unix.Write(fd, p) })
}

// Writev is the hooked counterpart of unix.Writev.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, reactor.EventWrite, fdtable.DirSend, func() (int, error) { return unix.Writev(fd, iovs) })
}

// Send is the hooked counterpart of unix.Send.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, reactor.EventWrite, fdtable.DirSend, func() (int, error) {
		if err := unix.Send(fd, p, flags); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Sendto is the hooked counterpart of unix.Sendto.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, reactor.EventWrite, fdtable.DirSend, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Socket is the hooked counterpart of unix.Socket: it creates the
// descriptor and immediately registers it with the fd table, the Go
// equivalent of sylar's hooked socket() calling FdMgr::get(fd, true)
// before returning it to the caller. Using this instead of a bare
// unix.Socket is what lets a freshly created socket be reactor-aware
// even before its first Connect/Read/Write.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	fdtable.Default().Get(fd, true)
	return fd, nil
}

// Connect performs a non-blocking connect, yielding the calling fiber
// until the socket becomes writable (or, if timeout > 0, until timeout
// elapses) instead of blocking the thread in connect(2). A zero timeout
// takes the live config.TCPConnectTimeoutMs() default; a negative one
// waits with no deadline. The fd is
// registered with the fd table on first touch, the same as every other
// hooked call.
func Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if !IsHookEnable() {
		return unix.Connect(fd, sa)
	}
	info := fdtable.Default().Get(fd, true)
	if info == nil || info.Closed() || !info.IsSocket() || info.UserNonblock() {
		return unix.Connect(fd, sa)
	}
	iom := reactor.GetThis()
	curFiber := fiber.GetThis()
	if iom == nil || curFiber == nil {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	if timeout == 0 {
		timeout = time.Duration(config.TCPConnectTimeoutMs()) * time.Millisecond
	}
	var timedOut bool
	var tm *timer.Timer
	if timeout > 0 {
		tm = iom.AddConditionTimer(timeout, func() {
			timedOut = true
			iom.CancelEvent(fd, reactor.EventWrite)
		}, aliveChecker(curFiber), false)
	}
	if addErr := iom.AddEvent(fd, reactor.EventWrite, nil); addErr != nil {
		if tm != nil {
			tm.Cancel()
		}
		return unix.EBADF
	}
	curFiber.YieldToHold()
	if tm != nil {
		tm.Cancel()
	}
	if timedOut {
		return unix.ETIMEDOUT
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Accept is the hooked counterpart of unix.Accept. On success the new
// connection fd is registered with the fd table immediately — sylar's
// accept hook does the equivalent FdMgr::GetInstance()->get(fd, true) so
// the accepted connection is reactor-aware from its very first Read or
// Write, rather than relying on that first hooked call to discover it.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, reactor.EventRead, fdtable.DirRecv, func() (int, error) {
		var innerErr error
		var innerFd int
		innerFd, sa, innerErr = unix.Accept(fd)
		return innerFd, innerErr
	})
	if err == nil {
		fdtable.Default().Get(nfd, true)
	}
	return nfd, sa, err
}

// Close closes the underlying descriptor. When hooking is enabled for
// the calling goroutine and fd has an fdtable entry, it first cancels any
// pending reactor registrations for fd and drops that entry — the Go
// counterpart of sylar's hooked close(), which must undo both the
// IOManager's and the FdManager's bookkeeping before the fd number can
// be safely reused by the kernel.
func Close(fd int) error {
	if IsHookEnable() {
		if info := fdtable.Default().Get(fd, false); info != nil {
			if iom := reactor.GetThis(); iom != nil && info.IsSocket() {
				iom.CancelAll(fd)
			}
			fdtable.Default().Del(fd)
		}
	}
	return unix.Close(fd)
}

// FcntlSetFl mirrors sylar's hooked fcntl(F_SETFL): the caller's
// requested O_NONBLOCK bit is recorded as UserNonblock, but the
// descriptor is always left non-blocking at the kernel level so the
// hook's own IO wrappers keep working regardless of what the caller
// asked for.
func FcntlSetFl(fd int, flags int) error {
	info := fdtable.Default().Get(fd, false)
	if info == nil || info.Closed() || !info.IsSocket() {
		_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
		return err
	}
	info.SetUserNonblock(flags&unix.O_NONBLOCK != 0)
	if info.SysNonblock() {
		flags |= unix.O_NONBLOCK
	} else {
		flags &^= unix.O_NONBLOCK
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
	return err
}

// FcntlGetFl mirrors sylar's hooked fcntl(F_GETFL): it reports the
// O_NONBLOCK bit the caller asked for (UserNonblock), not the bit
// actually set on the descriptor.
func FcntlGetFl(fd int) (int, error) {
	info := fdtable.Default().Get(fd, false)
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return flags, err
	}
	if info == nil || info.Closed() || !info.IsSocket() {
		return flags, nil
	}
	if info.UserNonblock() {
		return flags | unix.O_NONBLOCK, nil
	}
	return flags &^ unix.O_NONBLOCK, nil
}

// fionbio is the standard Linux ioctl request number for FIONBIO
// (set/clear non-blocking I/O). It is not exported by the vendored
// golang.org/x/sys/unix version, so it is declared here.
const fionbio = 0x5421

// IoctlFIONBIO mirrors sylar's hooked ioctl(FIONBIO): it records the
// caller's intent as UserNonblock, and a descriptor that fdtable's init()
// forced non-blocking stays non-blocking at the system level whatever
// the caller asked for.
func IoctlFIONBIO(fd int, nonblock bool) error {
	info := fdtable.Default().Get(fd, false)
	if info != nil {
		info.SetUserNonblock(nonblock)
	}
	var arg int
	if nonblock || (info != nil && info.SysNonblock()) {
		arg = 1
	}
	return unix.IoctlSetInt(fd, fionbio, arg)
}

// SetsockoptTimeout mirrors sylar's hooked setsockopt(SO_RCVTIMEO /
// SO_SNDTIMEO): instead of asking the kernel to enforce it (which does
// not work once the socket is non-blocking and epoll-driven), the value
// is recorded in the fd table and consulted by doIO's condition timers.
func SetsockoptTimeout(fd int, dir fdtable.Direction, d unix.Timeval) error {
	info := fdtable.Default().Get(fd, true)
	ms := int64(d.Sec)*1000 + int64(d.Usec)/1000
	info.SetTimeout(dir, ms)
	return nil
}
