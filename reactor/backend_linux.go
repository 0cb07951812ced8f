//go:build linux
// +build linux

// File: reactor/backend_linux.go
// Author: momentics <momentics@gmail.com>

package reactor

import "golang.org/x/sys/unix"

func newBackend(cfg Config) (backend, error) {
	switch cfg.Strategy {
	case StrategySelect:
		return newSelectBackend()
	case StrategyEpoll:
		return newEpollBackend(cfg.MaxEvents)
	default:
		return newPollBackend()
	}
}

// validFD reports whether fd names an open descriptor.
func validFD(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err != unix.EBADF
}
