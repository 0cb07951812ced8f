// File: reactor/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop is the single-threaded reactor: refresh interest, wait, dispatch each
// ready object once in reported order, then tick timed objects.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-rudp/affinity"
	"github.com/momentics/hioload-rudp/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Loop owns a Poller and every object registered with it.
type Loop struct {
	cfg    Config
	poller *Poller
	waker  *waker
	log    *zap.Logger
	clock  clock.Clock
	obs    Observer

	scratch []*entry

	mu     sync.Mutex
	tasks  []func()
	closed bool
}

var _ api.Registrar = (*Loop)(nil)

// NewLoop creates a Loop with its own Poller and wakeup pipe.
func NewLoop(cfg Config, opts ...LoopOption) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loop{
		cfg:   cfg,
		log:   zap.NewNop(),
		clock: clock.New(),
	}
	for _, o := range opts {
		o(l)
	}

	p, err := NewPoller(cfg)
	if err != nil {
		return nil, err
	}
	w, err := newWaker()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := p.Register(w); err != nil {
		_ = w.close()
		_ = p.Close()
		return nil, err
	}
	l.poller = p
	l.waker = w
	l.log.Debug("reactor created", zap.Stringer("strategy", cfg.Strategy))
	return l, nil
}

// Poller exposes the underlying multiplexer.
func (l *Loop) Poller() *Poller { return l.poller }

// Clock returns the clock deadlines are measured against.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Register adds obj to the reactor. Reactor goroutine only.
func (l *Loop) Register(obj api.PollableObject) error {
	return l.poller.Register(obj)
}

// Unregister removes obj without terminating it. Reactor goroutine only.
func (l *Loop) Unregister(obj api.PollableObject) error {
	return l.poller.Unregister(obj)
}

// Len returns the number of registered objects, not counting the waker.
func (l *Loop) Len() int {
	if l.poller.closed {
		return 0
	}
	return l.poller.Len() - 1
}

// Wakeup interrupts a blocked Wait. Safe from any goroutine.
func (l *Loop) Wakeup() {
	l.waker.wake()
}

// Post schedules fn to run on the reactor goroutine before the next wait.
// It returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.waker.wake()
	return true
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, fn := range tasks {
		if err := l.safeCall("task", func() error { fn(); return nil }); err != nil {
			l.log.Error("task failed", zap.Error(err))
		}
	}
}

func (l *Loop) pendingTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) > 0
}

// RunOnce performs one iteration. limit caps the wait on top of WaitTimeout
// and the earliest timer; a negative limit adds no cap. It returns the number
// of objects dispatched.
func (l *Loop) RunOnce(limit time.Duration) (int, error) {
	l.runTasks()
	l.refresh()

	events, err := l.poller.Wait(l.waitTimeout(limit))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if !ev.Live() {
			continue
		}
		l.dispatch(ev.Object, ev.Readiness)
		n++
	}
	l.tick()
	if l.obs != nil {
		l.obs.ObserveBatch(n)
	}
	return n, nil
}

// Run loops until ctx is cancelled, then drains: Drainer objects get
// BeginClose and up to ShutdownTimeout to unregister themselves, everything
// else is terminated.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Wakeup)
	defer stop()

	if l.cfg.PinCPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := affinity.Pin(l.cfg.PinCPU); err != nil {
			l.log.Warn("cpu pinning failed", zap.Int("cpu", l.cfg.PinCPU), zap.Error(err))
		}
	}

	l.log.Info("reactor running", zap.Stringer("strategy", l.cfg.Strategy))
	for ctx.Err() == nil {
		if _, err := l.RunOnce(-1); err != nil {
			return err
		}
	}
	return l.drain()
}

func (l *Loop) drain() error {
	l.log.Info("reactor draining", zap.Int("objects", l.Len()))
	l.live(func(e *entry) {
		if d, ok := e.obj.(api.Drainer); ok {
			if err := l.safeCall("begin close", func() error { d.BeginClose(); return nil }); err != nil {
				l.fail(e.obj, err)
			}
			return
		}
		if e.obj != api.PollableObject(l.waker) {
			l.terminate(e.obj, nil)
		}
	})

	deadline := l.clock.Now().Add(l.cfg.ShutdownTimeout)
	for l.Len() > 0 && l.clock.Now().Before(deadline) {
		if _, err := l.RunOnce(l.cfg.WaitTimeout); err != nil {
			return err
		}
	}
	if n := l.Len(); n > 0 {
		l.log.Warn("shutdown timeout, terminating remaining objects", zap.Int("objects", n))
		l.live(func(e *entry) {
			if e.obj != api.PollableObject(l.waker) {
				l.terminate(e.obj, context.DeadlineExceeded)
			}
		})
	}
	return nil
}

// Close terminates every registered object and releases the poller.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.tasks = nil
	l.mu.Unlock()

	l.live(func(e *entry) {
		if e.obj != api.PollableObject(l.waker) {
			l.terminate(e.obj, nil)
		}
	})
	err := multierr.Append(l.waker.close(), l.poller.Close())
	l.log.Debug("reactor closed", zap.Error(err))
	return err
}

// refresh re-reads Interest from every object before waiting, so an object
// that drained its write buffer stops being polled for writability.
func (l *Loop) refresh() {
	l.live(func(e *entry) {
		if err := l.poller.ModifyInterest(e.obj, e.obj.Interest()); err != nil {
			l.fail(e.obj, err)
		}
	})
}

func (l *Loop) waitTimeout(limit time.Duration) time.Duration {
	d := l.cfg.WaitTimeout
	if limit >= 0 && limit < d {
		d = limit
	}
	if l.pendingTasks() {
		return 0
	}
	now := l.clock.Now()
	for _, e := range l.poller.order {
		if e.removed {
			continue
		}
		t, ok := e.obj.(api.Timed)
		if !ok {
			continue
		}
		wake := t.NextWake()
		if wake.IsZero() {
			continue
		}
		until := wake.Sub(now)
		if until < 0 {
			until = 0
		}
		if until < d {
			d = until
		}
	}
	return d
}

func (l *Loop) tick() {
	now := l.clock.Now()
	l.live(func(e *entry) {
		t, ok := e.obj.(api.Timed)
		if !ok {
			return
		}
		if err := l.safeCall("tick", func() error { return t.Tick(now) }); err != nil {
			l.fail(e.obj, err)
		}
	})
}

// live visits registered objects in registration order over a snapshot, so
// callbacks may register or unregister freely; removed entries are skipped.
func (l *Loop) live(fn func(e *entry)) {
	if l.poller.closed {
		return
	}
	l.poller.compact()
	l.scratch = append(l.scratch[:0], l.poller.order...)
	for _, e := range l.scratch {
		if !e.removed {
			fn(e)
		}
	}
	for i := range l.scratch {
		l.scratch[i] = nil
	}
}

func (l *Loop) dispatch(obj api.PollableObject, r api.Readiness) {
	if err := l.safeCall("dispatch", func() error { return obj.HandleEvent(r) }); err != nil {
		l.fail(obj, err)
	}
}

// fail unregisters obj and terminates it. An object that already left the
// poller is assumed to have cleaned up after itself.
func (l *Loop) fail(obj api.PollableObject, err error) {
	if errors.Is(err, api.ErrDisconnect) {
		l.log.Info("object disconnected", zap.Int("fd", obj.Fd()), zap.Error(err))
	} else {
		l.log.Error("object failed", zap.Int("fd", obj.Fd()), zap.Error(err))
	}
	l.terminate(obj, err)
}

func (l *Loop) terminate(obj api.PollableObject, cause error) {
	if err := l.poller.Unregister(obj); err != nil {
		if !errors.Is(err, api.ErrNotRegistered) {
			l.log.Warn("unregister failed", zap.Int("fd", obj.Fd()), zap.Error(err))
		}
		return
	}
	if err := l.safeCall("terminate", func() error { obj.Terminate(cause); return nil }); err != nil {
		l.log.Error("terminate failed", zap.Int("fd", obj.Fd()), zap.Error(err))
	}
}

// safeCall runs fn and turns a panic into an error, so one object cannot
// take the reactor down.
func (l *Loop) safeCall(what string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", what, p)
		}
	}()
	return fn()
}
