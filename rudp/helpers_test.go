package rudp

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-rudp/api"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type packet struct {
	from, to netip.AddrPort
	b        []byte
}

// memNet is an in-memory datagram network. fate decides how many copies of
// each datagram arrive: 0 drops it, 2 duplicates it.
type memNet struct {
	socks  map[netip.AddrPort]*memSock
	fate   func(p packet) int
	nextFd int
	sent   int
}

func newMemNet() *memNet {
	return &memNet{socks: make(map[netip.AddrPort]*memSock), nextFd: 1000}
}

func (n *memNet) listen(addr string) *memSock {
	ap := netip.MustParseAddrPort(addr)
	s := &memSock{net: n, addr: ap, fd: n.nextFd}
	n.nextFd++
	n.socks[ap] = s
	return s
}

func (n *memNet) send(p packet) {
	n.sent++
	copies := 1
	if n.fate != nil {
		copies = n.fate(p)
	}
	dst := n.socks[p.to]
	if dst == nil || dst.closed {
		return
	}
	for i := 0; i < copies; i++ {
		dst.in = append(dst.in, p)
	}
}

type memSock struct {
	net    *memNet
	addr   netip.AddrPort
	fd     int
	in     []packet
	closed bool
}

var _ PacketConn = (*memSock)(nil)

func (s *memSock) Fd() int                   { return s.fd }
func (s *memSock) LocalAddr() netip.AddrPort { return s.addr }

func (s *memSock) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	if s.closed {
		return 0, netip.AddrPort{}, api.ErrConnectionClosed
	}
	if len(s.in) == 0 {
		return 0, netip.AddrPort{}, api.ErrWouldBlock
	}
	d := s.in[0]
	s.in = s.in[1:]
	return copy(p, d.b), d.from, nil
}

func (s *memSock) WriteTo(p []byte, addr netip.AddrPort) error {
	if s.closed {
		return api.ErrConnectionClosed
	}
	s.net.send(packet{from: s.addr, to: addr, b: bytes.Clone(p)})
	return nil
}

func (s *memSock) Close() error {
	s.closed = true
	s.in = nil
	return nil
}

// fakeReg records registrations instead of polling.
type fakeReg struct {
	objs map[api.PollableObject]bool
}

func (r *fakeReg) Register(o api.PollableObject) error {
	if r.objs[o] {
		return api.ErrAlreadyRegistered
	}
	r.objs[o] = true
	return nil
}

func (r *fakeReg) Unregister(o api.PollableObject) error {
	if !r.objs[o] {
		return api.ErrNotRegistered
	}
	delete(r.objs, o)
	return nil
}

// harness drives managers by hand: readiness is derived from the in-memory
// socket queues and time only moves when the test says so.
type harness struct {
	t        *testing.T
	clock    *clock.Mock
	net      *memNet
	reg      *fakeReg
	managers []*Manager
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:     t,
		clock: clock.NewMock(),
		net:   newMemNet(),
		reg:   &fakeReg{objs: make(map[api.PollableObject]bool)},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KeepAliveInterval = 0
	return cfg
}

func (h *harness) manager(addr string, cfg Config, hd Handler, opts ...Option) *Manager {
	h.t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(h.t)), WithClock(h.clock)}, opts...)
	m, err := NewManager(cfg, h.net.listen(addr), h.reg, hd, opts...)
	require.NoError(h.t, err)
	h.managers = append(h.managers, m)
	return m
}

// settle delivers datagrams and ticks every manager until nothing moves.
func (h *harness) settle() {
	h.t.Helper()
	for round := 0; round < 10000; round++ {
		sent := h.net.sent
		for _, m := range h.managers {
			if m.closed {
				continue
			}
			var r api.Readiness
			if s := h.net.socks[m.LocalAddr()]; len(s.in) > 0 {
				r |= api.Readable
			}
			if m.Interest()&api.InterestWritable != 0 {
				r |= api.Writable
			}
			if r != 0 {
				require.NoError(h.t, m.HandleEvent(r))
			}
			require.NoError(h.t, m.Tick(h.clock.Now()))
		}
		if h.net.sent == sent && !h.pending() {
			return
		}
	}
	h.t.Fatal("network did not settle")
}

func (h *harness) pending() bool {
	for _, m := range h.managers {
		if !m.closed && len(h.net.socks[m.LocalAddr()].in) > 0 {
			return true
		}
	}
	return false
}

// rawPeer speaks the wire format directly so tests can craft any sequence
// of segments.
type rawPeer struct {
	t    *testing.T
	sock *memSock
}

func (h *harness) raw(addr string) *rawPeer {
	return &rawPeer{t: h.t, sock: h.net.listen(addr)}
}

func (p *rawPeer) send(to *Manager, s Segment) {
	p.t.Helper()
	b, err := s.AppendTo(nil)
	require.NoError(p.t, err)
	require.NoError(p.t, p.sock.WriteTo(b, to.LocalAddr()))
}

func (p *rawPeer) recv() []Segment {
	p.t.Helper()
	var out []Segment
	buf := make([]byte, 1<<16)
	for {
		n, _, err := p.sock.ReadFrom(buf)
		if errors.Is(err, api.ErrWouldBlock) {
			return out
		}
		require.NoError(p.t, err)
		s, err := Decode(bytes.Clone(buf[:n]))
		require.NoError(p.t, err)
		out = append(out, s)
	}
}

// open performs the initiator side of the handshake against m with cid.
func (p *rawPeer) open(h *harness, m *Manager, cid uint32) *Conn {
	p.t.Helper()
	p.send(m, Segment{CID: cid, Seq: 0, Flags: FlagOpen})
	h.settle()
	got := p.recv()
	require.Len(p.t, got, 1)
	require.Equal(p.t, FlagOpen|FlagAck, got[0].Flags)
	require.Equal(p.t, uint32(0), got[0].Ack)
	p.send(m, Segment{CID: cid, Seq: 1, Ack: 0, Flags: FlagAck})
	h.settle()
	c, ok := m.Lookup(p.sock.addr)
	require.True(p.t, ok)
	require.Equal(p.t, api.StateOpen, c.State())
	return c
}

// recorder is a Handler that drains readable data as it arrives.
type recorder struct {
	opened   []*Conn
	data     map[*Conn]*bytes.Buffer
	eof      map[*Conn]bool
	closed   map[*Conn]error
	closes   int
	writable int
}

func newRecorder() *recorder {
	return &recorder{
		data:   make(map[*Conn]*bytes.Buffer),
		eof:    make(map[*Conn]bool),
		closed: make(map[*Conn]error),
	}
}

func (r *recorder) OnOpen(c *Conn) { r.opened = append(r.opened, c) }

func (r *recorder) OnReadable(c *Conn) {
	buf := r.data[c]
	if buf == nil {
		buf = new(bytes.Buffer)
		r.data[c] = buf
	}
	for {
		b, err := c.Receive()
		if err == io.EOF {
			r.eof[c] = true
			return
		}
		if err != nil {
			return
		}
		buf.Write(b)
	}
}

func (r *recorder) OnWritable(*Conn) { r.writable++ }

func (r *recorder) OnClose(c *Conn, err error) {
	r.closes++
	r.closed[c] = err
}

func (r *recorder) received(c *Conn) string {
	if b := r.data[c]; b != nil {
		return b.String()
	}
	return ""
}

func acks(segs []Segment) []uint32 {
	var out []uint32
	for _, s := range segs {
		if s.Flags == FlagAck {
			out = append(out, s.Ack)
		}
	}
	return out
}
