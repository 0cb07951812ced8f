//go:build linux
// +build linux

// File: reactor/poll_linux.go
// Author: momentics <momentics@gmail.com>
//
// poll(2) strategy: an explicit pollfd list with an fd index for O(1)
// updates.

package reactor

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"golang.org/x/sys/unix"
)

type pollBackend struct {
	fds   []unix.PollFd
	index map[int]int // fd -> position in fds
}

func newPollBackend() (*pollBackend, error) {
	return &pollBackend{index: make(map[int]int)}, nil
}

func pollEvents(in api.Interest) int16 {
	var ev int16
	if in&api.InterestReadable != 0 {
		ev |= unix.POLLIN
	}
	if in&api.InterestWritable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (b *pollBackend) add(fd int, in api.Interest) error {
	if _, ok := b.index[fd]; ok {
		return api.ErrAlreadyRegistered
	}
	b.index[fd] = len(b.fds)
	b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: pollEvents(in)})
	return nil
}

func (b *pollBackend) modify(fd int, in api.Interest) error {
	i, ok := b.index[fd]
	if !ok {
		return api.ErrNotRegistered
	}
	b.fds[i].Events = pollEvents(in)
	return nil
}

// remove swaps the last pollfd into the vacated position.
func (b *pollBackend) remove(fd int) error {
	i, ok := b.index[fd]
	if !ok {
		return api.ErrNotRegistered
	}
	last := len(b.fds) - 1
	if i != last {
		b.fds[i] = b.fds[last]
		b.index[int(b.fds[i].Fd)] = i
	}
	b.fds = b.fds[:last]
	delete(b.index, fd)
	return nil
}

func (b *pollBackend) wait(timeout time.Duration, out []readyFD) ([]readyFD, error) {
	for i := range b.fds {
		b.fds[i].Revents = 0
	}
	n, err := unix.Poll(b.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return out, nil
	}
	for _, p := range b.fds {
		if p.Revents == 0 {
			continue
		}
		var r api.Readiness
		if p.Revents&unix.POLLIN != 0 {
			r |= api.Readable
		}
		if p.Revents&unix.POLLOUT != 0 {
			r |= api.Writable
		}
		if p.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			r |= api.Errored
		}
		out = append(out, readyFD{fd: int(p.Fd), r: r})
	}
	return out, nil
}

func (b *pollBackend) close() error {
	b.fds = nil
	b.index = nil
	return nil
}
