//go:build !linux
// +build !linux

// File: reactor/backend_other.go
// Author: momentics <momentics@gmail.com>

package reactor

import "github.com/momentics/hioload-rudp/api"

func newBackend(cfg Config) (backend, error) {
	return nil, api.NewError(api.KindReactor, "new poller", api.ErrNotSupported).WithContext("strategy", cfg.Strategy.String())
}

func validFD(fd int) bool { return fd >= 0 }
