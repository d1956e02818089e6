package hook

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hioload/fiberio/fdtable"
	"github.com/hioload/fiberio/fiber"
	"github.com/hioload/fiberio/reactor"
	"github.com/hioload/fiberio/scheduler"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestSetHookEnableDefaultsFalse(t *testing.T) {
	if IsHookEnable() {
		t.Fatal("expected hooking disabled by default")
	}
}

func TestWithDisabledRestoresPreviousFlag(t *testing.T) {
	SetHookEnable(true)
	defer SetHookEnable(false)

	ran := false
	WithDisabled(func() {
		ran = true
		if IsHookEnable() {
			t.Fatal("expected hooking disabled inside WithDisabled")
		}
	})
	if !ran {
		t.Fatal("WithDisabled did not run fn")
	}
	if !IsHookEnable() {
		t.Fatal("expected hooking flag restored to true")
	}
}

// runInFiber schedules body to run inside a fiber on m, blocking until
// it completes, so doIO's reactor.GetThis()/fiber.GetThis() preconditions
// are satisfied the way they would be for real application code.
func runInFiber(t *testing.T, m *reactor.IOManager, body func()) {
	t.Helper()
	done := make(chan struct{})
	f := fiber.New(func() {
		SetHookEnable(true)
		body()
		close(done)
	}, 0, true)
	m.Schedule(scheduler.Task{Fiber: f, Thread: scheduler.AnyThread})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for fiber body")
	}
}

func TestHookedReadYieldsUntilDataArrives(t *testing.T) {
	m, err := reactor.New(2, false, "hook-read")
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer m.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	// Drop the entry so a later test reusing this fd number is classified afresh.
	defer fdtable.Default().Del(a)
	fdtable.Default().Get(a, true)

	go func() {
		time.Sleep(30 * time.Millisecond)
		unix.Write(b, []byte("hello"))
	}()

	var n int
	var readErr error
	buf := make([]byte, 16)
	runInFiber(t, m, func() {
		n, readErr = Read(a, buf)
	})
	if readErr != nil {
		t.Fatalf("Read: %v", readErr)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", buf[:n])
	}
	m.Stop()
}

func TestHookedReadTimesOut(t *testing.T) {
	m, err := reactor.New(2, false, "hook-timeout")
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer m.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	defer fdtable.Default().Del(a)
	info := fdtable.Default().Get(a, true)
	info.SetTimeout(fdtable.DirRecv, 50)

	var readErr error
	runInFiber(t, m, func() {
		buf := make([]byte, 16)
		_, readErr = Read(a, buf)
	})
	if readErr != unix.ETIMEDOUT {
		t.Fatalf("expected ETIMEDOUT, got %v", readErr)
	}
	m.Stop()
}

func TestHookedWriteAndReadRoundTrip(t *testing.T) {
	m, err := reactor.New(2, false, "hook-roundtrip")
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer m.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	defer fdtable.Default().Del(a)
	fdtable.Default().Get(a, true)

	var writeErr error
	runInFiber(t, m, func() {
		_, writeErr = Write(a, []byte("ping"))
	})
	if writeErr != nil {
		t.Fatalf("Write: %v", writeErr)
	}

	buf := make([]byte, 16)
	deadline := time.Now().Add(time.Second)
	var n int
	var readErr error
	for time.Now().Before(deadline) {
		n, readErr = unix.Read(b, buf)
		if readErr == nil {
			break
		}
		if readErr == unix.EAGAIN {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		break
	}
	if readErr != nil {
		t.Fatalf("plain read of peer socket: %v", readErr)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected %q, got %q", "ping", buf[:n])
	}
	m.Stop()
}

func TestDisabledHookFallsThroughToDirectSyscall(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	SetHookEnable(false)
	unix.Write(b, []byte("x"))
	time.Sleep(10 * time.Millisecond)

	buf := make([]byte, 1)
	n, err := Read(a, buf)
	if err != nil {
		t.Fatalf("expected direct-syscall fallback to succeed, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to read 1 byte, got %d", n)
	}
}

func TestCloseCancelsEventsAndDropsFdEntry(t *testing.T) {
	m, err := reactor.New(1, false, "hook-close")
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer m.Close()

	a, b := socketpair(t)
	defer unix.Close(b)
	info := fdtable.Default().Get(a, true)

	canceled := make(chan struct{})
	runInFiber(t, m, func() {
		_ = m.AddEvent(a, reactor.EventRead, func() { close(canceled) })
		_ = Close(a)
	})

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("expected Close to cancel the pending read registration")
	}
	if !info.Closed() {
		t.Fatal("expected fd table entry to be marked closed")
	}
	m.Stop()
}

// tcpLoopbackListener binds an ephemeral TCP port on 127.0.0.1 via a bare
// unix.Socket (deliberately not hook.Socket), so this test exercises the
// fd table's first-touch auto-registration on an fd the hook layer has
// never seen before — exactly the path Accept/Read must cover without
// any test-side fdtable.Default().Get call.
func tcpLoopbackListener(t *testing.T) (fd int, port int) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	return fd, sa.(*unix.SockaddrInet4).Port
}

func TestAcceptThenReadRoundTripWithoutManualRegistration(t *testing.T) {
	m, err := reactor.New(2, false, "hook-accept")
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer m.Close()

	listenFd, port := tcpLoopbackListener(t)
	defer unix.Close(listenFd)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return
		}
		defer unix.Close(cfd)
		if err := unix.Connect(cfd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
			return
		}
		unix.Write(cfd, []byte("hello"))
	}()

	var connFd int
	var acceptErr error
	runInFiber(t, m, func() {
		connFd, _, acceptErr = Accept(listenFd)
	})
	if acceptErr != nil {
		t.Fatalf("Accept: %v", acceptErr)
	}
	defer Close(connFd)

	// Deliberately no fdtable.Default().Get(connFd, true) here: Accept
	// must have already registered connFd for Read to yield correctly
	// instead of spinning on EAGAIN.
	var n int
	var readErr error
	buf := make([]byte, 16)
	runInFiber(t, m, func() {
		n, readErr = Read(connFd, buf)
	})
	if readErr != nil {
		t.Fatalf("Read: %v", readErr)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", buf[:n])
	}
	m.Stop()
}
