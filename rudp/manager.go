// File: rudp/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Manager owns one datagram socket and the table of connections reached
// through it. It is the only writer of that socket.

package rudp

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const snapshotInterval = time.Second

type datagram struct {
	buf []byte // pooled; len is the encoded size
	to  netip.AddrPort
}

var datagrams = pool.NewSyncPool(
	func() *datagram { return new(datagram) },
	func(d *datagram) { *d = datagram{} },
)

// ManagerStats are socket-level counters.
type ManagerStats struct {
	DatagramsIn  uint64 `json:"datagrams_in"`
	DatagramsOut uint64 `json:"datagrams_out"`
	Malformed    uint64 `json:"malformed"`
	Dropped      uint64 `json:"dropped"`
	Rejected     uint64 `json:"rejected"`
	WriteErrors  uint64 `json:"write_errors"`
}

// Manager demultiplexes one socket into connections. It implements
// api.PollableObject, api.Timed and api.Drainer.
type Manager struct {
	name    string
	cfg     Config
	sock    PacketConn
	reg     api.Registrar
	handler Handler
	log     *zap.Logger
	clock   clock.Clock
	metrics Metrics
	pool    *pool.BytePool
	rng     *rand.Rand

	conns   map[netip.AddrPort]*Conn
	touched []*Conn
	outbox  *queue.Queue // *datagram
	rbuf    []byte

	draining bool
	closed   bool
	stats    ManagerStats

	snapshot  atomic.Pointer[[]api.ConnectionStats]
	published time.Time
	dirty     bool
}

var (
	_ api.PollableObject = (*Manager)(nil)
	_ api.Timed          = (*Manager)(nil)
	_ api.Drainer        = (*Manager)(nil)
)

// NewManager creates a manager over sock and registers it with reg. h is
// the default handler for every connection.
func NewManager(cfg Config, sock PacketConn, reg api.Registrar, h Handler, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		h = HandlerFuncs{}
	}
	m := &Manager{
		name:    "rudp",
		cfg:     cfg,
		sock:    sock,
		reg:     reg,
		handler: h,
		log:     zap.NewNop(),
		clock:   clock.New(),
		metrics: nopMetrics{},
		conns:   make(map[netip.AddrPort]*Conn),
		outbox:  queue.New(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if m.pool == nil || m.pool.Size() < HeaderSize+cfg.MaxPayload {
		m.pool = pool.NewBytePool(HeaderSize + cfg.MaxPayload)
	}
	m.log = m.log.With(zap.String("manager", m.name), zap.Stringer("local", sock.LocalAddr()))
	m.rbuf = make([]byte, 64<<10)
	m.publish(m.clock.Now())

	if err := reg.Register(m); err != nil {
		return nil, err
	}
	m.log.Info("manager started")
	return m, nil
}

// Name returns the manager's label.
func (m *Manager) Name() string { return m.name }

// Config returns the protocol configuration.
func (m *Manager) Config() Config { return m.cfg }

// LocalAddr returns the socket address.
func (m *Manager) LocalAddr() netip.AddrPort { return m.sock.LocalAddr() }

// Fd returns the socket descriptor.
func (m *Manager) Fd() int { return m.sock.Fd() }

// Interest is Readable, plus Writable while datagrams are queued.
func (m *Manager) Interest() api.Interest {
	if m.closed {
		return 0
	}
	in := api.InterestReadable
	if m.outbox.Length() > 0 {
		in |= api.InterestWritable
	}
	return in
}

// HandleEvent drains every queued datagram, dispatches each to its
// connection, then flushes the outbox.
func (m *Manager) HandleEvent(r api.Readiness) error {
	if m.closed {
		return nil
	}
	if r&api.Errored != 0 {
		if pe, ok := m.sock.(interface{ PendingError() error }); ok {
			if err := pe.PendingError(); err != nil {
				m.log.Debug("socket error", zap.Error(err))
			}
		}
	}
	if r&(api.Readable|api.Errored) != 0 {
		if err := m.drain(); err != nil {
			return err
		}
	}
	return m.flush()
}

func (m *Manager) drain() error {
	now := m.clock.Now()
	for !m.closed {
		n, from, err := m.sock.ReadFrom(m.rbuf)
		if errors.Is(err, api.ErrWouldBlock) {
			break
		}
		if errors.Is(err, api.ErrConnectionClosed) {
			return err
		}
		if err != nil {
			// Per-datagram errors such as ECONNREFUSED leave the socket usable.
			m.log.Debug("read failed", zap.Error(err))
			break
		}
		m.stats.DatagramsIn++
		m.receive(m.rbuf[:n], from, now)
	}
	for i, c := range m.touched {
		if m.cfg.DelayedAck {
			c.flushAck()
		}
		m.touched[i] = nil
	}
	m.touched = m.touched[:0]
	return nil
}

func (m *Manager) receive(b []byte, from netip.AddrPort, now time.Time) {
	if m.cfg.DropRate > 0 && m.rng.Float64()*100 < m.cfg.DropRate {
		m.drop("random")
		return
	}
	s, err := Decode(b)
	if err != nil {
		m.stats.Malformed++
		m.drop("malformed")
		m.log.Debug("malformed datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}
	m.metrics.SegmentIn(s.Flags.Kind())

	c := m.conns[from]
	if c != nil && c.cid != s.CID {
		if c.state != api.StateClosed || !isOpenRequest(s) {
			m.drop("cid")
			return
		}
		// The peer reconnected before the old connection was swept.
		m.remove(c)
		c = nil
	}
	if c == nil {
		m.unknown(s, from, now)
		return
	}
	c.handleSegment(s, now)
	m.touch(c)
}

func isOpenRequest(s Segment) bool {
	return s.Flags == FlagOpen && s.Seq == 0
}

// unknown handles a segment from a peer without a connection: an OPEN
// creates one, a CLOSE gets a stateless ACK, anything else is dropped.
func (m *Manager) unknown(s Segment, from netip.AddrPort, now time.Time) {
	switch {
	case isOpenRequest(s):
		if m.draining {
			m.drop("draining")
			return
		}
		if len(m.conns) >= m.cfg.MaxConnections {
			m.stats.Rejected++
			m.drop("capacity")
			m.log.Warn("connection rejected",
				zap.Stringer("peer", from),
				zap.Error(api.ErrCapacityExceeded),
				zap.Int("max", m.cfg.MaxConnections))
			return
		}
		c := newConn(m, from, s.CID, false, now)
		m.conns[from] = c
		m.dirty = true
		m.metrics.ActiveConns(len(m.conns))
		c.log.Debug("connection request")
		c.accept(s, now)
		m.touch(c)
	case s.Flags.Has(FlagClose):
		m.output(from, Segment{CID: s.CID, Ack: s.Seq, Flags: FlagAck}, false)
	default:
		m.drop("unknown")
	}
}

func (m *Manager) drop(reason string) {
	m.stats.Dropped++
	m.metrics.Dropped(reason)
}

func (m *Manager) touch(c *Conn) {
	for _, t := range m.touched {
		if t == c {
			return
		}
	}
	m.touched = append(m.touched, c)
}

// output encodes s into a pooled buffer and queues it.
func (m *Manager) output(to netip.AddrPort, s Segment, retransmit bool) {
	buf := m.pool.GetBuffer()
	b, err := s.AppendTo(buf[:0])
	if err != nil {
		m.pool.PutBuffer(buf)
		m.log.Error("encode failed", zap.Error(err))
		return
	}
	d := datagrams.Get()
	d.buf, d.to = b, to
	m.outbox.Add(d)
	m.metrics.SegmentOut(s.Flags.Kind(), retransmit)
}

// flush writes queued datagrams until the socket would block.
func (m *Manager) flush() error {
	for m.outbox.Length() > 0 {
		d := m.outbox.Peek().(*datagram)
		err := m.sock.WriteTo(d.buf, d.to)
		if errors.Is(err, api.ErrWouldBlock) {
			return nil
		}
		if errors.Is(err, api.ErrConnectionClosed) {
			return err
		}
		m.outbox.Remove()
		if err != nil {
			m.stats.WriteErrors++
			m.log.Debug("write failed", zap.Stringer("to", d.to), zap.Error(err))
		} else {
			m.stats.DatagramsOut++
		}
		m.pool.PutBuffer(d.buf)
		datagrams.Put(d)
	}
	return nil
}

// Connect opens a connection to peer. payload travels in the OPEN segment
// and is available to the responder through Conn.OpenPayload.
func (m *Manager) Connect(peer netip.AddrPort, payload []byte) (*Conn, error) {
	if m.closed || m.draining {
		return nil, api.ErrConnectionClosed
	}
	if len(payload) > m.cfg.MaxPayload {
		return nil, api.NewError(api.KindProtocol, "connect", api.ErrInvalidArgument).WithContext("payload", len(payload))
	}
	if c, ok := m.conns[peer]; ok {
		if c.state != api.StateClosed {
			return nil, api.NewError(api.KindProtocol, "connect", api.ErrAlreadyExists).WithContext("peer", peer.String())
		}
		m.remove(c)
	}
	if len(m.conns) >= m.cfg.MaxConnections {
		return nil, api.NewError(api.KindProtocol, "connect", api.ErrCapacityExceeded).WithContext("max", m.cfg.MaxConnections)
	}
	now := m.clock.Now()
	cid := m.rng.Uint32()
	for cid == 0 {
		cid = m.rng.Uint32()
	}
	c := newConn(m, peer, cid, true, now)
	m.conns[peer] = c
	m.dirty = true
	m.metrics.ActiveConns(len(m.conns))
	c.open(append([]byte(nil), payload...), now)
	c.log.Debug("connecting")
	return c, m.flush()
}

// Lookup returns the connection for peer.
func (m *Manager) Lookup(peer netip.AddrPort) (*Conn, bool) {
	c, ok := m.conns[peer]
	return c, ok
}

// Len returns the number of connections in the table.
func (m *Manager) Len() int { return len(m.conns) }

// Connections returns the table contents. Reactor goroutine only.
func (m *Manager) Connections() []*Conn {
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Snapshot returns the connection listing last published by Tick. Safe
// from any goroutine.
func (m *Manager) Snapshot() []api.ConnectionStats {
	if p := m.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns socket-level counters. Reactor goroutine only.
func (m *Manager) Stats() ManagerStats { return m.stats }

// Tick runs every connection's timers, sweeps closed connections out of
// the table and publishes the listing.
func (m *Manager) Tick(now time.Time) error {
	if m.closed {
		return nil
	}
	for _, c := range m.conns {
		c.tick(now)
	}
	for _, c := range m.conns {
		if c.state == api.StateClosed {
			m.remove(c)
		}
	}
	if m.dirty || now.Sub(m.published) >= snapshotInterval {
		m.publish(now)
	}
	if err := m.flush(); err != nil {
		return err
	}
	if m.draining && len(m.conns) == 0 && m.outbox.Length() == 0 {
		m.log.Info("drained")
		if err := m.reg.Unregister(m); err != nil && !errors.Is(err, api.ErrNotRegistered) {
			return err
		}
		m.Terminate(nil)
	}
	return nil
}

// NextWake returns the earliest connection deadline.
func (m *Manager) NextWake() time.Time {
	var t time.Time
	for _, c := range m.conns {
		if c.state == api.StateClosed {
			return m.clock.Now()
		}
		w := c.nextWake()
		if !w.IsZero() && (t.IsZero() || w.Before(t)) {
			t = w
		}
	}
	return t
}

func (m *Manager) remove(c *Conn) {
	if m.conns[c.peer] != c {
		return
	}
	delete(m.conns, c.peer)
	c.release()
	m.dirty = true
	m.metrics.ActiveConns(len(m.conns))
	c.log.Debug("connection removed")
}

func (m *Manager) publish(now time.Time) {
	list := make([]api.ConnectionStats, 0, len(m.conns))
	for _, c := range m.conns {
		list = append(list, c.Stats())
	}
	m.snapshot.Store(&list)
	m.published = now
	m.dirty = false
}

// BeginClose gracefully closes every connection; the manager leaves the
// reactor once the table and the outbox are empty.
func (m *Manager) BeginClose() {
	if m.draining || m.closed {
		return
	}
	m.draining = true
	m.log.Info("draining", zap.Int("connections", len(m.conns)))
	for _, c := range m.conns {
		switch c.state {
		case api.StateOpening:
			c.Abort(api.ErrConnectionClosed)
		case api.StateOpen:
			_ = c.Close()
		}
	}
}

// Close unregisters the manager and terminates it at once.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	err := m.reg.Unregister(m)
	if errors.Is(err, api.ErrNotRegistered) {
		err = nil
	}
	m.Terminate(nil)
	return err
}

// Terminate aborts remaining connections, releases the outbox and closes
// the socket.
func (m *Manager) Terminate(cause error) {
	if m.closed {
		return
	}
	m.closed = true
	for _, c := range m.conns {
		c.Abort(api.ErrConnectionClosed)
		c.release()
	}
	clear(m.conns)
	for m.outbox.Length() > 0 {
		d := m.outbox.Remove().(*datagram)
		m.pool.PutBuffer(d.buf)
		datagrams.Put(d)
	}
	m.publish(m.clock.Now())
	err := multierr.Append(cause, m.sock.Close())
	if err != nil {
		m.log.Info("manager terminated", zap.Error(err))
	} else {
		m.log.Info("manager terminated")
	}
}

// String identifies the manager in logs.
func (m *Manager) String() string {
	return fmt.Sprintf("%s@%s", m.name, m.sock.LocalAddr())
}
