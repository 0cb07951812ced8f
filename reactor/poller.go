// File: reactor/poller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poller maps descriptors to registered objects and turns one backend wait
// into a batch of events. It is not safe for concurrent use; the Loop owns it.

package reactor

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-rudp/api"
)

// entry is the registration record of one descriptor.
type entry struct {
	fd       int
	obj      api.PollableObject
	interest api.Interest
	removed  bool
}

// Event is one ready object in a Wait batch.
type Event struct {
	Object    api.PollableObject
	Readiness api.Readiness

	e *entry
}

// Live reports whether the object is still registered. An object removed
// earlier in the same batch must not be dispatched.
func (ev Event) Live() bool {
	return ev.e != nil && !ev.e.removed
}

// Poller is the readiness multiplexer behind a Loop.
type Poller struct {
	strategy Strategy
	b        backend
	entries  map[int]*entry
	order    []*entry // registration order, compacted lazily
	stale    int      // removed entries still present in order
	ready    []readyFD
	batch    []Event
	closed   bool
}

// NewPoller creates a Poller using cfg.Strategy.
func NewPoller(cfg Config) (*Poller, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &Poller{
		strategy: cfg.Strategy,
		b:        b,
		entries:  make(map[int]*entry),
	}, nil
}

// Strategy returns the readiness primitive in use.
func (p *Poller) Strategy() Strategy { return p.strategy }

// Len returns the number of registered objects.
func (p *Poller) Len() int { return len(p.entries) }

// Register adds obj with its current Interest.
func (p *Poller) Register(obj api.PollableObject) error {
	if p.closed {
		return api.ErrPollerClosed
	}
	fd := obj.Fd()
	if !validFD(fd) {
		return api.NewError(api.KindReactor, "register", api.ErrInvalidDescriptor).WithContext("fd", fd)
	}
	if _, ok := p.entries[fd]; ok {
		return api.NewError(api.KindReactor, "register", api.ErrAlreadyRegistered).WithContext("fd", fd)
	}
	in := obj.Interest()
	if err := p.b.add(fd, in); err != nil {
		return api.NewError(api.KindReactor, "register", err).WithContext("fd", fd)
	}
	e := &entry{fd: fd, obj: obj, interest: in}
	p.entries[fd] = e
	p.order = append(p.order, e)
	return nil
}

// Unregister removes obj. Pending events for it in the current batch are
// skipped by the Loop. A descriptor closed before removal has already left
// the kernel set, so only the registration record is dropped.
func (p *Poller) Unregister(obj api.PollableObject) error {
	if p.closed {
		return api.ErrPollerClosed
	}
	fd := obj.Fd()
	e, ok := p.entries[fd]
	if !ok || e.obj != obj {
		return api.NewError(api.KindReactor, "unregister", api.ErrNotRegistered).WithContext("fd", fd)
	}
	e.removed = true
	delete(p.entries, fd)
	p.stale++
	if !validFD(fd) {
		_ = p.b.remove(fd)
		return nil
	}
	if err := p.b.remove(fd); err != nil && err != api.ErrNotRegistered {
		return api.NewError(api.KindReactor, "unregister", err).WithContext("fd", fd)
	}
	return nil
}

// ModifyInterest changes the readiness conditions watched for obj. It fails
// with ErrInvalidDescriptor once the descriptor has been closed behind the
// poller's back, even when the interest is unchanged.
func (p *Poller) ModifyInterest(obj api.PollableObject, in api.Interest) error {
	if p.closed {
		return api.ErrPollerClosed
	}
	e, ok := p.entries[obj.Fd()]
	if !ok || e.obj != obj {
		return api.NewError(api.KindReactor, "modify", api.ErrNotRegistered).WithContext("fd", obj.Fd())
	}
	if !validFD(e.fd) {
		return api.NewError(api.KindReactor, "modify", api.ErrInvalidDescriptor).WithContext("fd", e.fd)
	}
	if e.interest == in {
		return nil
	}
	if err := p.b.modify(e.fd, in); err != nil {
		return api.NewError(api.KindReactor, "modify", err).WithContext("fd", e.fd)
	}
	e.interest = in
	return nil
}

// Objects returns the registered objects in registration order. The slice
// is freshly allocated.
func (p *Poller) Objects() []api.PollableObject {
	p.compact()
	out := make([]api.PollableObject, 0, len(p.order))
	for _, e := range p.order {
		out = append(out, e.obj)
	}
	return out
}

func (p *Poller) compact() {
	if p.stale == 0 {
		return
	}
	live := p.order[:0]
	for _, e := range p.order {
		if !e.removed {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(p.order); i++ {
		p.order[i] = nil
	}
	p.order = live
	p.stale = 0
}

// Wait blocks up to timeout (negative means forever) and returns one event
// per ready descriptor. The returned slice is reused by the next Wait.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	if p.closed {
		return nil, api.ErrPollerClosed
	}
	var err error
	p.ready, err = p.b.wait(timeout, p.ready[:0])
	if err != nil {
		return nil, api.NewError(api.KindReactor, "wait", fmt.Errorf("%s: %w", p.strategy, err))
	}
	p.batch = p.batch[:0]
	for _, r := range p.ready {
		e, ok := p.entries[r.fd]
		if !ok {
			continue
		}
		p.batch = append(p.batch, Event{Object: e.obj, Readiness: r.r, e: e})
	}
	return p.batch, nil
}

// Close releases the backend. Registered objects are not terminated.
func (p *Poller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.entries = nil
	p.order = nil
	return p.b.close()
}
