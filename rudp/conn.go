// File: rudp/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn is the per-peer protocol state machine. It never touches the socket:
// outbound segments go through its Manager's outbox.

package rudp

import (
	"errors"
	"io"
	"net/netip"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-rudp/api"
	"go.uber.org/zap"
)

// Conn is one reliable ordered stream to a peer. All methods must be called
// on the reactor goroutine.
type Conn struct {
	m       *Manager
	cfg     *Config
	log     *zap.Logger
	handler Handler

	peer        netip.AddrPort
	cid         uint32
	state       api.ConnState
	initiator   bool
	openPayload []byte

	// outbound
	snd          sendWindow
	rto          rtoEstimator
	pending      *queue.Queue // []byte chunks waiting for window space
	pendingBytes int
	blocked      bool // a Write hit ErrBackpressure
	closeQueued  bool
	closeSent    bool
	openAcked    bool
	closeAcked   bool

	// inbound
	rcv         recvBuffer
	peerOpen    bool
	peerClosed  bool
	inbox       *queue.Queue // delivered []byte
	inboxBytes  int
	head        []byte // unread remainder for Read
	ackOwed     int
	readableDue bool

	openedAt          time.Time
	lastRecv          time.Time
	lastSend          time.Time
	handshakeDeadline time.Time
	closeErr          error
	notified          bool

	bytesSent     uint64
	bytesReceived uint64
	segsSent      uint64
	segsRecv      uint64
	retransmits   uint64
	duplicates    uint64
}

func newConn(m *Manager, peer netip.AddrPort, cid uint32, initiator bool, now time.Time) *Conn {
	c := &Conn{
		m:         m,
		cfg:       &m.cfg,
		handler:   m.handler,
		peer:      peer,
		cid:       cid,
		state:     api.StateOpening,
		initiator: initiator,
		snd:       newSendWindow(m.clock, m.cfg.MaxRTO),
		rto:       newRTOEstimator(m.cfg.InitialRTO, m.cfg.MinRTO, m.cfg.MaxRTO),
		pending:   queue.New(),
		rcv:       newRecvBuffer(m.cfg.ReceiveWindow),
		inbox:     queue.New(),

		openedAt:          now,
		lastRecv:          now,
		lastSend:          now,
		handshakeDeadline: now.Add(m.cfg.HandshakeTimeout),
	}
	c.log = m.log.With(zap.Stringer("peer", peer), zap.Uint32("cid", cid))
	return c
}

// Peer returns the remote address.
func (c *Conn) Peer() netip.AddrPort { return c.peer }

// CID returns the connection identifier.
func (c *Conn) CID() uint32 { return c.cid }

// State returns the current lifecycle state.
func (c *Conn) State() api.ConnState { return c.state }

// Initiator reports whether this side sent the first OPEN.
func (c *Conn) Initiator() bool { return c.initiator }

// OpenPayload returns the payload carried by the peer's OPEN segment, or the
// one this side sent when it is the initiator.
func (c *Conn) OpenPayload() []byte { return c.openPayload }

// Err returns the reason the connection closed, nil while open or after a
// clean close.
func (c *Conn) Err() error { return c.closeErr }

// SetHandler replaces the manager's default handler for this connection.
func (c *Conn) SetHandler(h Handler) {
	if h != nil {
		c.handler = h
	}
}

// Write queues p for ordered delivery. It splits p into MaxPayload chunks
// and accepts as much as the send buffer allows; a partial accept returns
// api.ErrBackpressure and Handler.OnWritable fires once space returns.
// Writes before the handshake completes are queued.
func (c *Conn) Write(p []byte) (int, error) {
	if c.state == api.StateClosed || c.closeQueued {
		return 0, api.ErrConnectionClosed
	}
	room := c.cfg.SendBufferSize - c.pendingBytes
	n := len(p)
	if n > room {
		n = room
	}
	for off := 0; off < n; {
		end := off + c.cfg.MaxPayload
		if end > n {
			end = n
		}
		chunk := make([]byte, end-off)
		copy(chunk, p[off:end])
		c.pending.Add(chunk)
		c.pendingBytes += len(chunk)
		off = end
	}
	c.pump(c.m.clock.Now())
	if n < len(p) {
		c.blocked = true
		return n, api.ErrBackpressure
	}
	return n, nil
}

// Buffered returns bytes accepted by Write and not yet acknowledged.
func (c *Conn) Buffered() int { return c.pendingBytes + c.snd.bytes }

// Receive returns the next delivered chunk in order. It returns io.EOF
// after the peer's close, api.ErrWouldBlock when nothing is available, and
// the failure cause once the connection failed.
func (c *Conn) Receive() ([]byte, error) {
	if len(c.head) > 0 {
		b := c.head
		c.head = nil
		return b, nil
	}
	if c.inbox.Length() > 0 {
		b := c.inbox.Remove().([]byte)
		c.inboxBytes -= len(b)
		return b, nil
	}
	if c.peerClosed {
		return nil, io.EOF
	}
	if c.state == api.StateClosed {
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, io.EOF
	}
	return nil, api.ErrWouldBlock
}

// Read implements io.Reader semantics over Receive without blocking.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := c.Receive()
	if err != nil {
		return 0, err
	}
	n := copy(p, b)
	if n < len(b) {
		c.head = b[n:]
	}
	return n, nil
}

// Readable returns the number of delivered bytes not yet received.
func (c *Conn) Readable() int { return len(c.head) + c.inboxBytes }

// Close starts the graceful close handshake: a CLOSE segment is queued
// behind all pending data. OnClose(c, nil) fires once both directions have
// closed.
func (c *Conn) Close() error {
	if c.state == api.StateClosed {
		return api.ErrConnectionClosed
	}
	if c.closeQueued {
		return nil
	}
	c.closeQueued = true
	if c.state == api.StateOpen {
		c.setState(api.StateClosing)
	}
	c.pump(c.m.clock.Now())
	return nil
}

// Abort drops the connection at once without telling the peer.
func (c *Conn) Abort(cause error) {
	if cause == nil {
		cause = api.ErrConnectionClosed
	}
	c.finish(cause)
}

// handleSegment processes one inbound segment addressed to this connection.
func (c *Conn) handleSegment(s Segment, now time.Time) {
	c.lastRecv = now
	c.segsRecv++

	if c.state == api.StateClosed {
		// Our final ACK may have been lost; repeat it so the peer can finish.
		if s.Flags.Has(FlagClose) {
			c.emit(Segment{Seq: c.snd.nextSeq, Ack: s.Seq, Flags: FlagAck}, false)
		}
		return
	}

	if s.Flags.Has(FlagAck) {
		c.onAck(s.Ack, now)
		if c.state == api.StateClosed {
			return
		}
	}
	if s.Flags.Sequenced() {
		c.onSequenced(s)
		if !c.cfg.DelayedAck {
			c.sendAck()
		}
	}
	c.advance(now)
}

func (c *Conn) onAck(ack uint32, now time.Time) {
	if c.snd.len() == 0 || seqLess(c.snd.lastSeq(), ack) {
		return
	}
	rtt, ok := c.snd.ack(ack, now, func(e *txEntry) {
		switch {
		case e.flags.Has(FlagOpen):
			c.openAcked = true
		case e.flags.Has(FlagClose):
			c.closeAcked = true
		}
	})
	if ok {
		c.rto.sample(rtt)
	}
}

func (c *Conn) onSequenced(s Segment) {
	var payload []byte
	if len(s.Payload) > 0 {
		payload = make([]byte, len(s.Payload))
		copy(payload, s.Payload)
	}
	res := c.rcv.offer(s.Seq, rxSegment{flags: s.Flags, payload: payload}, c.deliver)
	switch res {
	case offerDuplicate:
		c.duplicates++
		c.m.metrics.Duplicate()
	case offerOutOfWindow:
		c.m.metrics.Dropped("window")
	}
	c.ackOwed++
}

func (c *Conn) deliver(s rxSegment) {
	switch {
	case s.flags.Has(FlagOpen):
		c.peerOpen = true
		if !c.initiator {
			c.openPayload = s.payload
		}
	case s.flags.Has(FlagData):
		c.inbox.Add(s.payload)
		c.inboxBytes += len(s.payload)
		c.bytesReceived += uint64(len(s.payload))
		c.readableDue = true
	case s.flags.Has(FlagClose):
		c.peerClosed = true
		c.readableDue = true
	}
}

// sendAck emits one pure ACK for the cursor, unless the peer's OPEN has not
// been seen yet.
func (c *Conn) sendAck() {
	if c.ackOwed == 0 {
		return
	}
	c.ackOwed--
	if !c.peerOpen {
		return
	}
	c.emit(Segment{Seq: c.snd.nextSeq, Ack: c.rcv.ackNumber(), Flags: FlagAck}, false)
}

// flushAck runs after a readiness drain under the delayed policy: at most
// one ACK per connection per drain.
func (c *Conn) flushAck() {
	if c.ackOwed == 0 || c.state == api.StateClosed {
		c.ackOwed = 0
		return
	}
	c.ackOwed = 1
	c.sendAck()
}

// advance applies state transitions that follow from the latest input and
// refills the window.
func (c *Conn) advance(now time.Time) {
	if c.state == api.StateOpening && c.openAcked && c.peerOpen {
		c.setState(api.StateOpen)
		c.m.metrics.ConnOpened()
		c.log.Info("connection open", zap.Duration("handshake", now.Sub(c.openedAt)))
		c.openedAt = now
		c.handler.OnOpen(c)
		if c.state == api.StateClosed {
			return
		}
		if c.closeQueued {
			c.setState(api.StateClosing)
		}
	}
	if c.readableDue && c.state != api.StateOpening {
		c.readableDue = false
		c.handler.OnReadable(c)
		if c.state == api.StateClosed {
			return
		}
	}
	if c.peerClosed && c.state == api.StateOpen {
		c.closeQueued = true
		c.setState(api.StateClosing)
	}
	c.pump(now)
	if c.state == api.StateClosing && c.closeAcked && c.peerClosed {
		c.finish(nil)
	}
}

// pump moves pending chunks, then the CLOSE, into the window while it has
// room and the connection is established.
func (c *Conn) pump(now time.Time) {
	if c.state != api.StateOpen && c.state != api.StateClosing {
		return
	}
	for c.snd.len() < c.cfg.MaxInFlight {
		if c.pending.Length() > 0 {
			chunk := c.pending.Remove().([]byte)
			c.pendingBytes -= len(chunk)
			c.transmit(c.snd.push(FlagData, chunk, now, c.rto.current()), false)
			continue
		}
		if c.closeQueued && !c.closeSent {
			c.closeSent = true
			c.transmit(c.snd.push(FlagClose, nil, now, c.rto.current()), false)
		}
		break
	}
	if c.blocked && c.pendingBytes < c.cfg.SendBufferSize && !c.closeQueued {
		c.blocked = false
		c.handler.OnWritable(c)
	}
}

// open queues the initiator's OPEN.
func (c *Conn) open(payload []byte, now time.Time) {
	c.openPayload = payload
	c.transmit(c.snd.push(FlagOpen, payload, now, c.rto.current()), false)
}

// accept handles the OPEN that created a responder connection and queues
// the OPEN|ACK reply.
func (c *Conn) accept(s Segment, now time.Time) {
	c.lastRecv = now
	c.segsRecv++
	c.onSequenced(s)
	c.ackOwed = 0 // the OPEN|ACK reply acknowledges it
	c.transmit(c.snd.push(FlagOpen, nil, now, c.rto.current()), false)
}

// transmit sends a window entry. Every sequenced segment carries the
// current cumulative ACK once the peer's OPEN has been seen.
func (c *Conn) transmit(e *txEntry, retransmit bool) {
	s := Segment{Seq: e.seq, Flags: e.flags, Payload: e.payload}
	if c.peerOpen {
		s.Flags |= FlagAck
		s.Ack = c.rcv.ackNumber()
		if c.ackOwed > 0 && c.cfg.DelayedAck {
			c.ackOwed = 0
		}
	}
	if e.flags.Has(FlagData) && !retransmit {
		c.bytesSent += uint64(len(e.payload))
	}
	c.emit(s, retransmit)
}

func (c *Conn) emit(s Segment, retransmit bool) {
	s.CID = c.cid
	c.lastSend = c.m.clock.Now()
	c.segsSent++
	if retransmit {
		c.retransmits++
	}
	c.m.output(c.peer, s, retransmit)
}

// tick runs the connection's timers.
func (c *Conn) tick(now time.Time) {
	switch c.state {
	case api.StateClosed:
		return
	case api.StateOpening:
		if !now.Before(c.handshakeDeadline) {
			c.finish(api.ErrHandshakeTimeout)
			return
		}
	default:
		if now.Sub(c.lastRecv) >= c.cfg.IdleTimeout {
			c.finish(api.ErrIdleTimeout)
			return
		}
	}

	var exhausted bool
	c.snd.each(func(e *txEntry) bool {
		if now.Before(e.deadline) {
			return true
		}
		if e.retransmits >= c.cfg.MaxRetransmits {
			exhausted = true
			return false
		}
		c.snd.retransmitted(e, now)
		c.transmit(e, true)
		c.log.Debug("retransmit", zap.Uint32("seq", e.seq), zap.Int("count", e.retransmits))
		return true
	})
	if exhausted {
		c.finish(api.ErrDeliveryFailed)
		return
	}

	if c.state == api.StateOpen && c.cfg.KeepAliveInterval > 0 && now.Sub(c.lastSend) >= c.cfg.KeepAliveInterval {
		c.emit(Segment{Seq: c.snd.nextSeq, Flags: FlagKeepAlive}, false)
	}
}

// nextWake returns the earliest instant tick has work, zero when closed.
func (c *Conn) nextWake() time.Time {
	var t time.Time
	earliest := func(x time.Time) {
		if !x.IsZero() && (t.IsZero() || x.Before(t)) {
			t = x
		}
	}
	switch c.state {
	case api.StateClosed:
		return t
	case api.StateOpening:
		earliest(c.handshakeDeadline)
	default:
		earliest(c.lastRecv.Add(c.cfg.IdleTimeout))
	}
	if c.state == api.StateOpen && c.cfg.KeepAliveInterval > 0 {
		earliest(c.lastSend.Add(c.cfg.KeepAliveInterval))
	}
	earliest(c.snd.earliest())
	return t
}

func (c *Conn) setState(s api.ConnState) {
	c.log.Debug("state", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
}

// finish moves to CLOSED; err is nil for a clean close. Only the first
// call has any effect.
func (c *Conn) finish(err error) {
	if c.state == api.StateClosed {
		return
	}
	c.setState(api.StateClosed)
	c.closeErr = err
	c.snd.reset()
	c.pending = queue.New()
	c.pendingBytes = 0
	c.ackOwed = 0
	c.m.metrics.ConnClosed(closeReason(err))
	if err == nil {
		c.log.Info("connection closed",
			zap.Uint64("bytes_sent", c.bytesSent),
			zap.Uint64("bytes_received", c.bytesReceived))
	} else {
		c.log.Info("connection failed", zap.Error(err),
			zap.Uint64("retransmits", c.retransmits))
	}
	c.notify(err)
}

func (c *Conn) notify(err error) {
	if c.notified {
		return
	}
	c.notified = true
	c.handler.OnClose(c, err)
}

// release drops protocol buffers once the connection leaves the table.
// Data already delivered stays readable.
func (c *Conn) release() {
	c.snd.reset()
	c.rcv.reset()
	c.pending = queue.New()
	c.pendingBytes = 0
}

// Stats returns a point-in-time view of the connection.
func (c *Conn) Stats() api.ConnectionStats {
	return api.ConnectionStats{
		Peer:           c.peer,
		CID:            c.cid,
		State:          c.state,
		Initiator:      c.initiator,
		BytesSent:      c.bytesSent,
		BytesReceived:  c.bytesReceived,
		SegmentsSent:   c.segsSent,
		SegmentsRecv:   c.segsRecv,
		Retransmits:    c.retransmits,
		Duplicates:     c.duplicates,
		SequenceNumber: c.snd.nextSeq,
		PeerSequence:   c.rcv.next,
		InFlight:       c.snd.len(),
		SRTT:           c.rto.srtt,
		RTO:            c.rto.current(),
		OpenedAt:       c.openedAt,
		LastActivity:   c.lastRecv,
	}
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "clean"
	case errors.Is(err, api.ErrIdleTimeout):
		return "idle"
	case errors.Is(err, api.ErrHandshakeTimeout):
		return "handshake"
	case errors.Is(err, api.ErrDeliveryFailed):
		return "delivery"
	default:
		return "aborted"
	}
}
