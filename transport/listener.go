// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Non-blocking TCP listener. Accepted descriptors become AsyncSockets whose
// handler is chosen per peer by an AcceptFunc.

package transport

import (
	"errors"
	"net/netip"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"go.uber.org/zap"
)

// AcceptFunc picks the handler for a new peer. Returning an error rejects
// the connection.
type AcceptFunc func(peer netip.AddrPort) (api.StreamHandler, error)

// Listener accepts TCP connections on the reactor goroutine.
type Listener struct {
	fd     int
	addr   netip.AddrPort
	reg    api.Registrar
	accept AcceptFunc
	o      options
	log    *zap.Logger
	closed bool

	// Set by a failed accept; readable interest stays off until resumeAt.
	stalled  bool
	resumeAt time.Time

	expires time.Time // zero: never

	accepted uint64
	rejected uint64
	failures uint64
}

var (
	_ api.PollableObject = (*Listener)(nil)
	_ api.Timed          = (*Listener)(nil)
)

// Listen binds addr and registers the listener with reg.
func Listen(reg api.Registrar, addr netip.AddrPort, accept AcceptFunc, opts ...Option) (*Listener, error) {
	o := defaultOptions()
	o.apply(opts)

	fam := family(addr)
	fd, err := sysSocket(fam, sockStream)
	if err != nil {
		return nil, api.NewError(api.KindReactor, "listen", err).WithContext("addr", addr.String())
	}
	fail := func(err error) (*Listener, error) {
		_ = sysClose(fd)
		return nil, api.NewError(api.KindReactor, "listen", err).WithContext("addr", addr.String())
	}
	if err := sysReuseAddr(fd); err != nil {
		return fail(err)
	}
	if err := sysBind(fd, addr, fam); err != nil {
		return fail(err)
	}
	if err := sysListen(fd, o.backlog); err != nil {
		return fail(err)
	}
	local, err := sysLocalAddr(fd)
	if err != nil {
		return fail(err)
	}

	l := &Listener{
		fd:      fd,
		addr:    local,
		reg:     reg,
		accept:  accept,
		o:       o,
		log:     o.log.With(zap.Stringer("listen", local)),
		expires: o.expires,
	}
	if err := reg.Register(l); err != nil {
		return fail(err)
	}
	l.log.Info("listening")
	return l, nil
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound address.
func (l *Listener) Addr() netip.AddrPort { return l.addr }

// Interest is Readable except while backing off after an accept error.
func (l *Listener) Interest() api.Interest {
	if l.closed || l.stalled {
		return 0
	}
	return api.InterestReadable
}

// HandleEvent accepts every pending connection. Accept failures such as
// descriptor exhaustion are logged and pause accepting for the backoff
// period, so a pending connection that cannot be taken does not spin the
// reactor.
func (l *Listener) HandleEvent(api.Readiness) error {
	for !l.closed && !l.stalled {
		fd, peer, err := sysAccept(l.fd)
		if errors.Is(err, api.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			l.stall(err)
			return nil
		}
		h, err := l.accept(peer)
		if err != nil || h == nil {
			l.rejected++
			l.log.Info("connection rejected", zap.Stringer("peer", peer), zap.Error(err))
			_ = sysClose(fd)
			continue
		}
		s := newAsyncSocket(l.reg, fd, peer, h, l.o)
		if err := l.reg.Register(s); err != nil {
			l.rejected++
			l.log.Warn("register accepted socket", zap.Stringer("peer", peer), zap.Error(err))
			// The handler may already hold resources for this peer.
			s.Terminate(err)
			continue
		}
		l.accepted++
		l.log.Debug("accepted", zap.Stringer("peer", peer))
		h.OnConnect(s)
	}
	return nil
}

// Accepted returns the number of connections handed to handlers.
func (l *Listener) Accepted() uint64 { return l.accepted }

// AcceptFailures returns the number of failed accept calls.
func (l *Listener) AcceptFailures() uint64 { return l.failures }

func (l *Listener) stall(err error) {
	l.failures++
	l.stalled = true
	l.resumeAt = time.Time{}
	l.log.Warn("accept failed, backing off", zap.Duration("backoff", l.o.backoff), zap.Error(err))
}

// Tick closes an expired listener, arms the backoff deadline on the first
// tick after a failure and resumes accepting once it passes.
func (l *Listener) Tick(now time.Time) error {
	if !l.expires.IsZero() && !now.Before(l.expires) {
		l.log.Info("listener expired")
		return l.Close()
	}
	if !l.stalled {
		return nil
	}
	if l.resumeAt.IsZero() {
		l.resumeAt = now.Add(l.o.backoff)
		return nil
	}
	if !now.Before(l.resumeAt) {
		l.stalled = false
		l.resumeAt = time.Time{}
	}
	return nil
}

// NextWake returns the earlier of the backoff end and the expiry.
func (l *Listener) NextWake() time.Time {
	w := l.resumeAt
	if !l.expires.IsZero() && (w.IsZero() || l.expires.Before(w)) {
		w = l.expires
	}
	return w
}

// Expires returns the self-close deadline, the zero time without one.
func (l *Listener) Expires() time.Time { return l.expires }

// Closed reports whether the listener released its descriptor.
func (l *Listener) Closed() bool { return l.closed }

// Close stops accepting and releases the descriptor.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	if err := l.reg.Unregister(l); err != nil && !errors.Is(err, api.ErrNotRegistered) {
		return err
	}
	l.Terminate(nil)
	return nil
}

// Terminate releases the descriptor.
func (l *Listener) Terminate(cause error) {
	if l.closed {
		return
	}
	l.closed = true
	_ = sysClose(l.fd)
	l.log.Info("listener closed", zap.Uint64("accepted", l.accepted), zap.Uint64("rejected", l.rejected), zap.Error(cause))
}
