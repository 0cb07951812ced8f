//go:build !linux
// +build !linux

// File: reactor/waker_other.go
// Author: momentics <momentics@gmail.com>

package reactor

import "github.com/momentics/hioload-rudp/api"

type waker struct{}

func newWaker() (*waker, error) {
	return nil, api.NewError(api.KindReactor, "waker", api.ErrNotSupported)
}

func (w *waker) wake()                           {}
func (w *waker) Fd() int                         { return -1 }
func (w *waker) Interest() api.Interest          { return 0 }
func (w *waker) HandleEvent(api.Readiness) error { return nil }
func (w *waker) Terminate(error)                 {}
func (w *waker) close() error                    { return nil }
