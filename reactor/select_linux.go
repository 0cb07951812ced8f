//go:build linux
// +build linux

// File: reactor/select_linux.go
// Author: momentics <momentics@gmail.com>
//
// select(2) strategy: read/write/except bitmasks rebuilt on every wait from
// a dense slot list.

package reactor

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"golang.org/x/sys/unix"
)

type selectSlot struct {
	fd int
	in api.Interest
}

type selectBackend struct {
	slots []selectSlot
	index map[int]int // fd -> position in slots
}

func newSelectBackend() (*selectBackend, error) {
	return &selectBackend{index: make(map[int]int)}, nil
}

func (b *selectBackend) add(fd int, in api.Interest) error {
	if fd >= unix.FD_SETSIZE {
		return fmt.Errorf("select: fd %d exceeds FD_SETSIZE: %w", fd, api.ErrInvalidDescriptor)
	}
	if _, ok := b.index[fd]; ok {
		return api.ErrAlreadyRegistered
	}
	b.index[fd] = len(b.slots)
	b.slots = append(b.slots, selectSlot{fd: fd, in: in})
	return nil
}

func (b *selectBackend) modify(fd int, in api.Interest) error {
	i, ok := b.index[fd]
	if !ok {
		return api.ErrNotRegistered
	}
	b.slots[i].in = in
	return nil
}

// remove swaps the last slot into the vacated position.
func (b *selectBackend) remove(fd int) error {
	i, ok := b.index[fd]
	if !ok {
		return api.ErrNotRegistered
	}
	last := len(b.slots) - 1
	if i != last {
		b.slots[i] = b.slots[last]
		b.index[b.slots[i].fd] = i
	}
	b.slots = b.slots[:last]
	delete(b.index, fd)
	return nil
}

func (b *selectBackend) wait(timeout time.Duration, out []readyFD) ([]readyFD, error) {
	var rset, wset, eset unix.FdSet
	nfd := 0
	for _, s := range b.slots {
		if s.in&api.InterestReadable != 0 {
			rset.Set(s.fd)
		}
		if s.in&api.InterestWritable != 0 {
			wset.Set(s.fd)
		}
		eset.Set(s.fd)
		if s.fd >= nfd {
			nfd = s.fd + 1
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(nfd, &rset, &wset, &eset, tv)
	if err != nil {
		switch err {
		case unix.EINTR:
			return out, nil
		case unix.EBADF:
			// select does not say which descriptor; report every closed one
			// so its owner is failed and the rest keep being served.
			return b.invalid(out), nil
		}
		return out, fmt.Errorf("select: %w", err)
	}
	if n == 0 {
		return out, nil
	}
	for _, s := range b.slots {
		var r api.Readiness
		if rset.IsSet(s.fd) {
			r |= api.Readable
		}
		if wset.IsSet(s.fd) {
			r |= api.Writable
		}
		if eset.IsSet(s.fd) {
			r |= api.Errored
		}
		if r != 0 {
			out = append(out, readyFD{fd: s.fd, r: r})
		}
	}
	return out, nil
}

func (b *selectBackend) invalid(out []readyFD) []readyFD {
	for _, s := range b.slots {
		if !validFD(s.fd) {
			out = append(out, readyFD{fd: s.fd, r: api.Errored})
		}
	}
	return out
}

func (b *selectBackend) close() error {
	b.slots = nil
	b.index = nil
	return nil
}
