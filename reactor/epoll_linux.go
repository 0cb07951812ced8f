//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Linux epoll strategy. The interest set lives in the kernel; one EpollWait
// returns up to MaxEvents ready descriptors.

package reactor

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"golang.org/x/sys/unix"
)

type epollBackend struct {
	epfd   int // epoll file descriptor
	events []unix.EpollEvent
}

func newEpollBackend(maxEvents int) (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	if maxEvents <= 0 {
		maxEvents = 128
	}
	return &epollBackend{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func epollEvents(in api.Interest) uint32 {
	var ev uint32
	if in&api.InterestReadable != 0 {
		ev |= unix.EPOLLIN
	}
	if in&api.InterestWritable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (b *epollBackend) add(fd int, in api.Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if err == unix.EEXIST {
			return api.ErrAlreadyRegistered
		}
		if err == unix.EBADF || err == unix.EPERM {
			return fmt.Errorf("epoll ctl add: %v: %w", err, api.ErrInvalidDescriptor)
		}
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (b *epollBackend) modify(fd int, in api.Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		if err == unix.ENOENT {
			return api.ErrNotRegistered
		}
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

func (b *epollBackend) remove(fd int) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.ENOENT {
			return api.ErrNotRegistered
		}
		// A descriptor closed before removal has already left the set.
		if err == unix.EBADF {
			return nil
		}
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (b *epollBackend) wait(timeout time.Duration, out []readyFD) ([]readyFD, error) {
	n, err := unix.EpollWait(b.epfd, b.events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return out, nil // interrupted by signal, normal
		}
		return out, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := b.events[i]
		var r api.Readiness
		if ev.Events&unix.EPOLLIN != 0 {
			r |= api.Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r |= api.Writable
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r |= api.Errored
		}
		out = append(out, readyFD{fd: int(ev.Fd), r: r})
	}
	return out, nil
}

// close releases the epoll file descriptor.
func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}
