//go:build linux
// +build linux

// File: reactor/waker_linux.go
// Author: momentics <momentics@gmail.com>
//
// Self-pipe used to interrupt a blocked Wait from another goroutine.

package reactor

import (
	"sync/atomic"

	"github.com/momentics/hioload-rudp/api"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type waker struct {
	r, w   int
	closed atomic.Bool
	buf    [64]byte
}

func newWaker() (*waker, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, api.NewError(api.KindReactor, "waker pipe", err)
	}
	return &waker{r: p[0], w: p[1]}, nil
}

// wake is safe to call from any goroutine. A full pipe already guarantees
// a pending wakeup, so EAGAIN is ignored.
func (w *waker) wake() {
	if w.closed.Load() {
		return
	}
	_, _ = unix.Write(w.w, []byte{1})
}

func (w *waker) Fd() int                { return w.r }
func (w *waker) Interest() api.Interest { return api.InterestReadable }

func (w *waker) HandleEvent(api.Readiness) error {
	for {
		n, err := unix.Read(w.r, w.buf[:])
		if n <= 0 || err != nil {
			return nil
		}
	}
}

func (w *waker) Terminate(error) {
	_ = w.close()
}

func (w *waker) close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return multierr.Append(unix.Close(w.r), unix.Close(w.w))
}
