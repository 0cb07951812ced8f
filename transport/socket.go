// File: transport/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// AsyncSocket wraps one non-blocking stream socket. Application behaviour is
// injected as an api.StreamHandler instead of subclassing.

package transport

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/pool"
	"go.uber.org/zap"
)

// AsyncSocket is a reactor-driven stream socket. All methods must be called
// from the reactor goroutine.
type AsyncSocket struct {
	fd      int
	peer    netip.AddrPort
	reg     api.Registrar
	handler api.StreamHandler
	log     *zap.Logger
	pool    *pool.BytePool
	rbuf    []byte
	maxRead int

	wq       *queue.Queue // pending []byte chunks
	head     int          // bytes of the front chunk already written
	buffered int

	connecting bool
	paused     bool
	closing    bool
	closed     bool
	broken     error

	bytesIn  uint64
	bytesOut uint64
}

var (
	_ api.PollableObject = (*AsyncSocket)(nil)
	_ api.Stream         = (*AsyncSocket)(nil)
)

func newAsyncSocket(reg api.Registrar, fd int, peer netip.AddrPort, h api.StreamHandler, o options) *AsyncSocket {
	return &AsyncSocket{
		fd:      fd,
		peer:    peer,
		reg:     reg,
		handler: h,
		log:     o.log.With(zap.Stringer("peer", peer), zap.Int("fd", fd)),
		pool:    o.pool,
		maxRead: o.maxReads,
		wq:      queue.New(),
	}
}

// NewAsyncSocket adopts an already connected non-blocking descriptor and
// registers it with reg.
func NewAsyncSocket(reg api.Registrar, fd int, peer netip.AddrPort, h api.StreamHandler, opts ...Option) (*AsyncSocket, error) {
	o := defaultOptions()
	o.apply(opts)
	s := newAsyncSocket(reg, fd, peer, h, o)
	if err := reg.Register(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Dial starts a non-blocking TCP connect to addr. The handler's OnConnect
// fires on the reactor goroutine once the connection is established; a
// failed connect ends in OnClose with api.ErrDisconnect.
func Dial(reg api.Registrar, addr netip.AddrPort, h api.StreamHandler, opts ...Option) (*AsyncSocket, error) {
	o := defaultOptions()
	o.apply(opts)

	fam := family(addr)
	fd, err := sysSocket(fam, sockStream)
	if err != nil {
		return nil, api.NewError(api.KindReactor, "dial", err).WithContext("addr", addr.String())
	}
	if o.noDelay {
		_ = sysNoDelay(fd)
	}
	inProgress, err := sysConnect(fd, addr, fam)
	if err != nil {
		_ = sysClose(fd)
		return nil, api.NewError(api.KindReactor, "dial", fmt.Errorf("%v: %w", err, api.ErrDisconnect)).WithContext("addr", addr.String())
	}
	s := newAsyncSocket(reg, fd, addr, h, o)
	s.connecting = inProgress
	if err := reg.Register(s); err != nil {
		_ = sysClose(fd)
		return nil, err
	}
	if !inProgress {
		h.OnConnect(s)
	}
	return s, nil
}

// Fd returns the socket descriptor.
func (s *AsyncSocket) Fd() int { return s.fd }

// Peer returns the remote address.
func (s *AsyncSocket) Peer() netip.AddrPort { return s.peer }

// Buffered returns bytes accepted by Write but not yet sent.
func (s *AsyncSocket) Buffered() int { return s.buffered }

// BytesIn and BytesOut return lifetime transfer counters.
func (s *AsyncSocket) BytesIn() uint64  { return s.bytesIn }
func (s *AsyncSocket) BytesOut() uint64 { return s.bytesOut }

// PauseRead drops readable interest until ResumeRead.
func (s *AsyncSocket) PauseRead() { s.paused = true }

// ResumeRead restores readable interest.
func (s *AsyncSocket) ResumeRead() { s.paused = false }

// Interest reports Writable only while a connect is pending or bytes are
// buffered, so an idle socket never spins the reactor.
func (s *AsyncSocket) Interest() api.Interest {
	if s.closed {
		return 0
	}
	var in api.Interest
	if s.connecting || s.buffered > 0 || s.broken != nil {
		in |= api.InterestWritable
	}
	if !s.connecting && !s.paused && !s.closing {
		in |= api.InterestReadable
	}
	return in
}

// HandleEvent finishes a pending connect, flushes buffered bytes and drains
// readable data into the handler.
func (s *AsyncSocket) HandleEvent(r api.Readiness) error {
	if s.closed {
		return nil
	}
	if s.broken != nil {
		return s.broken
	}
	if s.connecting {
		if r&(api.Writable|api.Errored) == 0 {
			return nil
		}
		if err := sysSoError(s.fd); err != nil {
			return fmt.Errorf("connect %s: %v: %w", s.peer, err, api.ErrDisconnect)
		}
		s.connecting = false
		s.log.Debug("connected")
		s.handler.OnConnect(s)
		if s.closed {
			return nil
		}
		// Closed while connecting with nothing queued: no further event
		// would arrive, since the socket now has no interest at all.
		if s.closing && s.buffered == 0 {
			s.finish(nil)
			return nil
		}
	}

	if r&api.Writable != 0 && s.buffered > 0 {
		if err := s.flush(); err != nil {
			return err
		}
		if s.buffered == 0 {
			if s.closing {
				s.finish(nil)
				return nil
			}
			s.handler.OnDrain(s)
		}
	}

	// An error or hang-up condition is reported regardless of interest, so
	// it is consumed by reading even while paused.
	if r&api.Errored != 0 || (r&api.Readable != 0 && !s.paused && !s.closing) {
		return s.drainRead(r&api.Errored != 0)
	}
	return nil
}

func (s *AsyncSocket) drainRead(errored bool) error {
	if s.rbuf == nil {
		s.rbuf = s.pool.GetBuffer()
	}
	for i := 0; i < s.maxRead && !s.closed; i++ {
		n, err := sysRead(s.fd, s.rbuf)
		if errors.Is(err, api.ErrWouldBlock) {
			if errored {
				if serr := sysSoError(s.fd); serr != nil {
					return fmt.Errorf("%v: %w", serr, api.ErrDisconnect)
				}
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %v: %w", err, api.ErrDisconnect)
		}
		if n == 0 {
			return fmt.Errorf("peer closed: %w", api.ErrDisconnect)
		}
		s.bytesIn += uint64(n)
		if err := s.handler.OnData(s, s.rbuf[:n]); err != nil {
			return err
		}
		if s.paused && !errored {
			return nil
		}
	}
	return nil
}

// Write accepts all of p: the kernel takes what it can now and the rest is
// queued until writability.
func (s *AsyncSocket) Write(p []byte) (int, error) {
	if s.closed || s.closing {
		return 0, api.ErrConnectionClosed
	}
	if s.broken != nil {
		return 0, s.broken
	}
	if len(p) == 0 {
		return 0, nil
	}
	off := 0
	if s.buffered == 0 && !s.connecting {
		n, err := sysWrite(s.fd, p)
		if err != nil && !errors.Is(err, api.ErrWouldBlock) {
			s.broken = fmt.Errorf("write: %v: %w", err, api.ErrDisconnect)
			return 0, s.broken
		}
		off = n
		s.bytesOut += uint64(n)
	}
	if off < len(p) {
		chunk := make([]byte, len(p)-off)
		copy(chunk, p[off:])
		s.wq.Add(chunk)
		s.buffered += len(chunk)
	}
	return len(p), nil
}

func (s *AsyncSocket) flush() error {
	for s.wq.Length() > 0 {
		chunk := s.wq.Peek().([]byte)
		n, err := sysWrite(s.fd, chunk[s.head:])
		if errors.Is(err, api.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("write: %v: %w", err, api.ErrDisconnect)
		}
		s.head += n
		s.buffered -= n
		s.bytesOut += uint64(n)
		if s.head < len(chunk) {
			return nil
		}
		s.wq.Remove()
		s.head = 0
	}
	return nil
}

// Close flushes buffered bytes and then releases the socket. OnClose fires
// with a nil error.
func (s *AsyncSocket) Close() error {
	if s.closed || s.closing {
		return nil
	}
	s.closing = true
	if s.buffered == 0 && !s.connecting {
		s.finish(nil)
	}
	return nil
}

// Abort releases the socket immediately, dropping buffered bytes.
func (s *AsyncSocket) Abort(cause error) {
	if s.closed {
		return
	}
	s.finish(cause)
}

// finish leaves the reactor on the socket's own initiative.
func (s *AsyncSocket) finish(cause error) {
	if err := s.reg.Unregister(s); err != nil && !errors.Is(err, api.ErrNotRegistered) {
		s.log.Warn("unregister failed", zap.Error(err))
	}
	s.Terminate(cause)
}

// Terminate closes the descriptor and notifies the handler exactly once.
func (s *AsyncSocket) Terminate(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	if err := sysClose(s.fd); err != nil {
		s.log.Debug("close failed", zap.Error(err))
	}
	if s.rbuf != nil {
		s.pool.PutBuffer(s.rbuf)
		s.rbuf = nil
	}
	dropped := s.buffered
	for s.wq.Length() > 0 {
		s.wq.Remove()
	}
	s.buffered = 0
	s.log.Debug("socket closed",
		zap.Uint64("bytes_in", s.bytesIn),
		zap.Uint64("bytes_out", s.bytesOut),
		zap.Int("dropped", dropped),
		zap.Error(cause))
	s.handler.OnClose(s, cause)
}
