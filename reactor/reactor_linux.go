//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) backend: edge-triggered registration plus an eventfd
// used the way sylar's IOManager uses a self-pipe, to break an
// in-progress epoll_wait when a worker needs tickling.

package reactor

import "golang.org/x/sys/unix"

type epollBackend struct {
	epfd int
	wfd  int // eventfd(2) wakeup descriptor
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, err
	}
	return &epollBackend{epfd: epfd, wfd: wfd}, nil
}

func toEpollMask(mask EventType) uint32 {
	var m uint32 = unix.EPOLLET
	if mask&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (b *epollBackend) addEvent(fd int, mask EventType) error {
	ev := &unix.EpollEvent{Events: toEpollMask(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (b *epollBackend) modEvent(fd int, mask EventType) error {
	ev := &unix.EpollEvent{Events: toEpollMask(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (b *epollBackend) delEvent(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) wait(timeoutMs int) ([]readyEvent, error) {
	raw := make([]unix.EpollEvent, maxEventsPerWait)
	var n int
	for {
		var err error
		n, err = unix.EpollWait(b.epfd, raw, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == b.wfd {
			b.drainWake()
			continue
		}
		var et EventType
		flags := raw[i].Events
		if flags&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			flags |= unix.EPOLLIN | unix.EPOLLOUT
		}
		if flags&unix.EPOLLIN != 0 {
			et |= EventRead
		}
		if flags&unix.EPOLLOUT != 0 {
			et |= EventWrite
		}
		if et != EventNone {
			out = append(out, readyEvent{fd: fd, events: et})
		}
	}
	return out, nil
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.wfd, buf[:])
		if err != nil {
			return
		}
	}
}

func (b *epollBackend) wake() error {
	buf := [8]byte{1}
	_, err := unix.Write(b.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (b *epollBackend) close() error {
	unix.Close(b.wfd)
	return unix.Close(b.epfd)
}
