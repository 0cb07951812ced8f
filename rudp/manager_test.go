package rudp

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeTransferAndCleanClose(t *testing.T) {
	h := newHarness(t)
	ra, rb := newRecorder(), newRecorder()
	a := h.manager("10.0.0.1:4000", testConfig(), ra, WithName("a"))
	b := h.manager("10.0.0.2:4000", testConfig(), rb, WithName("b"))

	ca, err := a.Connect(b.LocalAddr(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, api.StateOpening, ca.State())
	assert.True(t, ca.Initiator())
	h.settle()

	require.Len(t, ra.opened, 1)
	require.Len(t, rb.opened, 1)
	cb := rb.opened[0]
	assert.Equal(t, api.StateOpen, ca.State())
	assert.Equal(t, api.StateOpen, cb.State())
	assert.Equal(t, ca.CID(), cb.CID())
	assert.False(t, cb.Initiator())
	assert.Equal(t, "hello", string(cb.OpenPayload()))

	_, err = ca.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = cb.Write([]byte("pong"))
	require.NoError(t, err)
	h.settle()
	assert.Equal(t, "ping", rb.received(cb))
	assert.Equal(t, "pong", ra.received(ca))
	assert.Zero(t, ca.Buffered())

	require.NoError(t, ca.Close())
	_, err = ca.Write([]byte("late"))
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
	h.settle()

	assert.True(t, ra.eof[ca])
	assert.True(t, rb.eof[cb])
	assert.Equal(t, 1, ra.closes)
	assert.Equal(t, 1, rb.closes)
	assert.NoError(t, ra.closed[ca])
	assert.NoError(t, rb.closed[cb])
	assert.Equal(t, api.StateClosed, ca.State())
	assert.Zero(t, a.Len())
	assert.Zero(t, b.Len())

	st := ca.Stats()
	assert.Equal(t, uint64(4), st.BytesSent)
	assert.Equal(t, uint64(4), st.BytesReceived)
	assert.Zero(t, st.Retransmits)
}

func TestReorderedAndDuplicatedDataDeliveredOnce(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	m := h.manager("10.0.0.1:4000", testConfig(), rec)
	peer := h.raw("10.0.0.9:5000")
	c := peer.open(h, m, 7)

	for _, s := range []struct {
		seq uint32
		p   string
	}{{2, "B"}, {1, "A"}, {3, "C"}, {2, "B"}, {1, "A"}} {
		peer.send(m, Segment{CID: 7, Seq: s.seq, Flags: FlagData, Payload: []byte(s.p)})
		h.settle()
	}

	assert.Equal(t, "ABC", rec.received(c))
	assert.Equal(t, []uint32{0, 2, 3, 3, 3}, acks(peer.recv()), "one ACK per sequenced segment")
	assert.Equal(t, uint64(2), c.Stats().Duplicates)
	assert.Equal(t, uint32(4), c.Stats().PeerSequence)
}

func TestDelayedAckCoalescesPerDrain(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.DelayedAck = true
	rec := newRecorder()
	m := h.manager("10.0.0.1:4000", cfg, rec)
	peer := h.raw("10.0.0.9:5000")
	c := peer.open(h, m, 7)
	assert.Empty(t, peer.recv())

	for _, seq := range []uint32{2, 1, 3, 2, 1} {
		peer.send(m, Segment{CID: 7, Seq: seq, Flags: FlagData, Payload: []byte{'A' + byte(seq) - 1}})
	}
	h.settle()

	assert.Equal(t, "ABC", rec.received(c))
	assert.Equal(t, []uint32{3}, acks(peer.recv()))
}

func TestDelayedAckPiggybacksOnData(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.DelayedAck = true
	m := h.manager("10.0.0.1:4000", cfg, HandlerFuncs{
		Readable: func(c *Conn) {
			b, err := c.Receive()
			if err == nil {
				_, _ = c.Write(b)
			}
		},
	})
	peer := h.raw("10.0.0.9:5000")
	peer.open(h, m, 7)

	peer.send(m, Segment{CID: 7, Seq: 1, Flags: FlagData, Payload: []byte("echo")})
	h.settle()

	got := peer.recv()
	require.Len(t, got, 1, "the echoed DATA carries the ACK")
	assert.Equal(t, FlagData|FlagAck, got[0].Flags)
	assert.Equal(t, uint32(1), got[0].Ack)
	assert.Equal(t, "echo", string(got[0].Payload))
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	h := newHarness(t)
	m := h.manager("10.0.0.1:4000", testConfig(), newRecorder())
	peer := h.raw("10.0.0.9:5000")
	c := peer.open(h, m, 7)

	for _, p := range []string{"a", "b", "c"} {
		_, err := c.Write([]byte(p))
		require.NoError(t, err)
	}
	h.settle()
	require.Len(t, peer.recv(), 3)
	require.Equal(t, []uint32{1, 2, 3}, c.snd.seqs())

	peer.send(m, Segment{CID: 7, Seq: 1, Ack: 2, Flags: FlagAck})
	h.settle()
	assert.Equal(t, []uint32{3}, c.snd.seqs())

	peer.send(m, Segment{CID: 7, Seq: 1, Ack: 2, Flags: FlagAck})
	peer.send(m, Segment{CID: 7, Seq: 1, Ack: 1, Flags: FlagAck})
	peer.send(m, Segment{CID: 7, Seq: 1, Ack: 99, Flags: FlagAck})
	h.settle()
	assert.Equal(t, []uint32{3}, c.snd.seqs(), "stale and future ACKs change nothing")
	assert.Equal(t, api.StateOpen, c.State())
	assert.Empty(t, peer.recv(), "pure ACKs are not acknowledged")
}

func TestRetransmitUntilExhausted(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.MaxRetransmits = 3
	cfg.HandshakeTimeout = time.Hour
	rec := newRecorder()
	m := h.manager("10.0.0.1:4000", cfg, rec)
	peer := h.raw("10.0.0.9:5000")

	c, err := m.Connect(peer.sock.addr, nil)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(cfg.InitialRTO), m.NextWake())

	var opens []time.Duration
	start := h.clock.Now()
	for i := 0; i < 30; i++ {
		for _, s := range peer.recv() {
			require.Equal(t, FlagOpen, s.Flags)
			opens = append(opens, h.clock.Now().Sub(start))
		}
		h.clock.Add(time.Second)
		h.settle()
	}

	// Sent at 0, retransmitted at 1s, 3s and 7s; the next deadline fails.
	assert.Equal(t, []time.Duration{0, time.Second, 3 * time.Second, 7 * time.Second}, opens)
	assert.Equal(t, 1, rec.closes)
	assert.ErrorIs(t, rec.closed[c], api.ErrDeliveryFailed)
	assert.ErrorIs(t, c.Err(), api.ErrDeliveryFailed)
	assert.Equal(t, uint64(3), c.Stats().Retransmits)
	assert.Zero(t, m.Len())
	assert.True(t, m.NextWake().IsZero())
}

func TestRetransmittedDataCarriesCurrentAck(t *testing.T) {
	h := newHarness(t)
	m := h.manager("10.0.0.1:4000", testConfig(), newRecorder())
	peer := h.raw("10.0.0.9:5000")
	c := peer.open(h, m, 7)

	_, err := c.Write([]byte("x"))
	require.NoError(t, err)
	h.settle()
	require.Len(t, peer.recv(), 1)

	peer.send(m, Segment{CID: 7, Seq: 1, Flags: FlagData, Payload: []byte("y")})
	h.settle()
	assert.Equal(t, []uint32{1}, acks(peer.recv()))

	h.clock.Add(testConfig().InitialRTO)
	h.settle()
	got := peer.recv()
	require.Len(t, got, 1)
	assert.Equal(t, FlagData|FlagAck, got[0].Flags)
	assert.Equal(t, uint32(1), got[0].Seq)
	assert.Equal(t, uint32(1), got[0].Ack)
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	rec := newRecorder()
	m := h.manager("10.0.0.1:4000", cfg, rec)
	c, err := m.Connect(netip.MustParseAddrPort("10.0.0.9:5000"), nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.clock.Add(time.Second)
		h.settle()
	}
	assert.Equal(t, 1, rec.closes)
	assert.ErrorIs(t, rec.closed[c], api.ErrHandshakeTimeout)
	assert.Empty(t, rec.opened)
}

func TestIdleTimeoutAndKeepAlive(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 5 * time.Second

	t.Run("idle", func(t *testing.T) {
		h := newHarness(t)
		ra, rb := newRecorder(), newRecorder()
		a := h.manager("10.0.0.1:4000", cfg, ra)
		b := h.manager("10.0.0.2:4000", cfg, rb)
		_, err := a.Connect(b.LocalAddr(), nil)
		require.NoError(t, err)
		h.settle()
		require.Equal(t, 1, b.Len())

		for i := 0; i < 6; i++ {
			h.clock.Add(time.Second)
			h.settle()
		}
		assert.Equal(t, 1, ra.closes)
		assert.Equal(t, 1, rb.closes)
		assert.ErrorIs(t, ra.closed[ra.opened[0]], api.ErrIdleTimeout)
		assert.ErrorIs(t, rb.closed[rb.opened[0]], api.ErrIdleTimeout)
		assert.Zero(t, a.Len())
		assert.Zero(t, b.Len())
	})

	t.Run("keepalive", func(t *testing.T) {
		h := newHarness(t)
		kcfg := cfg
		kcfg.KeepAliveInterval = time.Second
		ra, rb := newRecorder(), newRecorder()
		a := h.manager("10.0.0.1:4000", kcfg, ra)
		b := h.manager("10.0.0.2:4000", kcfg, rb)
		c, err := a.Connect(b.LocalAddr(), nil)
		require.NoError(t, err)
		h.settle()

		for i := 0; i < 20; i++ {
			h.clock.Add(time.Second)
			h.settle()
		}
		assert.Equal(t, api.StateOpen, c.State())
		assert.Zero(t, ra.closes+rb.closes)
		assert.Equal(t, 1, b.Len())
	})
}

func TestSecondOpenDoesNotCreateConnection(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	m := h.manager("10.0.0.1:4000", testConfig(), rec)
	peer := h.raw("10.0.0.9:5000")

	peer.send(m, Segment{CID: 7, Flags: FlagOpen})
	peer.send(m, Segment{CID: 7, Flags: FlagOpen})
	h.settle()

	assert.Equal(t, 1, m.Len())
	got := peer.recv()
	require.Len(t, got, 2)
	assert.Equal(t, FlagOpen|FlagAck, got[0].Flags)
	assert.Equal(t, FlagAck, got[1].Flags)
	assert.Equal(t, uint32(0), got[1].Ack)

	// A different CID from the same peer while the connection lives is dropped.
	peer.send(m, Segment{CID: 8, Flags: FlagOpen})
	h.settle()
	assert.Empty(t, peer.recv())
	c, _ := m.Lookup(peer.sock.addr)
	assert.Equal(t, uint32(7), c.CID())
}

func TestCapacityRejectsNewPeers(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.MaxConnections = 1
	m := h.manager("10.0.0.1:4000", cfg, newRecorder())
	p1 := h.raw("10.0.0.9:5000")
	p2 := h.raw("10.0.0.9:5001")

	p1.open(h, m, 1)
	p2.send(m, Segment{CID: 2, Flags: FlagOpen})
	h.settle()

	assert.Empty(t, p2.recv())
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, uint64(1), m.Stats().Rejected)

	_, err := m.Connect(netip.MustParseAddrPort("10.0.0.9:6000"), nil)
	assert.ErrorIs(t, err, api.ErrCapacityExceeded)
}

func TestStatelessAckForUnknownClose(t *testing.T) {
	h := newHarness(t)
	m := h.manager("10.0.0.1:4000", testConfig(), newRecorder())
	peer := h.raw("10.0.0.9:5000")

	peer.send(m, Segment{CID: 9, Seq: 5, Ack: 3, Flags: FlagClose | FlagAck})
	peer.send(m, Segment{CID: 9, Seq: 6, Flags: FlagData, Payload: []byte("x")})
	h.settle()

	got := peer.recv()
	require.Len(t, got, 1)
	assert.Equal(t, Segment{CID: 9, Seq: 0, Ack: 5, Flags: FlagAck}, got[0])
	assert.Zero(t, m.Len())
	assert.Equal(t, uint64(1), m.Stats().Dropped)
}

func TestMalformedAndRandomDrops(t *testing.T) {
	h := newHarness(t)
	m := h.manager("10.0.0.1:4000", testConfig(), newRecorder())
	peer := h.raw("10.0.0.9:5000")

	require.NoError(t, peer.sock.WriteTo([]byte{1, 2, 3}, m.LocalAddr()))
	h.settle()
	assert.Equal(t, uint64(1), m.Stats().Malformed)
	assert.Zero(t, m.Len())

	cfg := testConfig()
	cfg.DropRate = 100
	lossy := h.manager("10.0.0.2:4000", cfg, newRecorder())
	peer.send(lossy, Segment{CID: 1, Flags: FlagOpen})
	h.settle()
	assert.Zero(t, lossy.Len())
	assert.Equal(t, uint64(1), lossy.Stats().Dropped)
}

func TestBackpressureAndWritable(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.MaxPayload = 100
	cfg.SendBufferSize = 200
	cfg.MaxInFlight = 1
	ra, rb := newRecorder(), newRecorder()
	a := h.manager("10.0.0.1:4000", cfg, ra)
	b := h.manager("10.0.0.2:4000", cfg, rb)

	c, err := a.Connect(b.LocalAddr(), nil)
	require.NoError(t, err)
	n, err := c.Write(bytes.Repeat([]byte("x"), 300))
	assert.ErrorIs(t, err, api.ErrBackpressure)
	assert.Equal(t, 200, n)
	assert.Equal(t, 200, c.Buffered())
	assert.Zero(t, ra.writable)

	h.settle()
	assert.Positive(t, ra.writable)
	assert.Equal(t, 200, rb.data[rb.opened[0]].Len())
	assert.Zero(t, c.Buffered())
}

func TestLossyBulkTransfer(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.InitialRTO = 50 * time.Millisecond
	cfg.MinRTO = 10 * time.Millisecond
	cfg.MaxRTO = 200 * time.Millisecond
	cfg.MaxInFlight = 16
	ra, rb := newRecorder(), newRecorder()
	a := h.manager("10.0.0.1:4000", cfg, ra)
	b := h.manager("10.0.0.2:4000", cfg, rb)

	n := 0
	h.net.fate = func(packet) int {
		n++
		switch {
		case n%6 == 0:
			return 0
		case n%7 == 0:
			return 2
		}
		return 1
	}

	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	c, err := a.Connect(b.LocalAddr(), nil)
	require.NoError(t, err)
	_, err = c.Write(payload)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	for i := 0; i < 5000 && rb.closes == 0; i++ {
		h.settle()
		h.clock.Add(20 * time.Millisecond)
	}
	require.Len(t, rb.opened, 1)
	got := rb.data[rb.opened[0]]
	require.NotNil(t, got)
	assert.True(t, bytes.Equal(payload, got.Bytes()), "received %d of %d bytes", got.Len(), len(payload))
	assert.True(t, rb.eof[rb.opened[0]])
	assert.NoError(t, rb.closed[rb.opened[0]])
	assert.Positive(t, c.Stats().Retransmits)
}

func TestConnectErrors(t *testing.T) {
	h := newHarness(t)
	m := h.manager("10.0.0.1:4000", testConfig(), newRecorder())
	peer := netip.MustParseAddrPort("10.0.0.9:5000")

	_, err := m.Connect(peer, nil)
	require.NoError(t, err)
	_, err = m.Connect(peer, nil)
	assert.ErrorIs(t, err, api.ErrAlreadyExists)

	_, err = m.Connect(netip.MustParseAddrPort("10.0.0.9:5001"), make([]byte, testConfig().MaxPayload+1))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	m.BeginClose()
	_, err = m.Connect(netip.MustParseAddrPort("10.0.0.9:5002"), nil)
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
}

func TestBeginCloseDrainsAndLeavesReactor(t *testing.T) {
	h := newHarness(t)
	ra, rb := newRecorder(), newRecorder()
	a := h.manager("10.0.0.1:4000", testConfig(), ra)
	b := h.manager("10.0.0.2:4000", testConfig(), rb)
	_, err := a.Connect(b.LocalAddr(), nil)
	require.NoError(t, err)
	h.settle()
	require.True(t, h.reg.objs[a])

	a.BeginClose()
	h.settle()

	assert.NoError(t, ra.closed[ra.opened[0]], "draining closes gracefully")
	assert.NoError(t, rb.closed[rb.opened[0]])
	assert.False(t, h.reg.objs[a], "drained manager unregisters itself")
	assert.True(t, a.closed)
	assert.True(t, h.net.socks[a.LocalAddr()].closed)
	assert.True(t, h.reg.objs[b])
}

func TestTerminateAbortsConnections(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	m := h.manager("10.0.0.1:4000", testConfig(), rec)
	c, err := m.Connect(netip.MustParseAddrPort("10.0.0.9:5000"), nil)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, 1, rec.closes)
	assert.ErrorIs(t, rec.closed[c], api.ErrConnectionClosed)
	assert.Zero(t, m.Interest())
	assert.NoError(t, m.Close())
}

func TestSnapshotPublishedOnTick(t *testing.T) {
	h := newHarness(t)
	m := h.manager("10.0.0.1:4000", testConfig(), newRecorder())
	assert.Empty(t, m.Snapshot())

	c, err := m.Connect(netip.MustParseAddrPort("10.0.0.9:5000"), nil)
	require.NoError(t, err)
	require.NoError(t, m.Tick(h.clock.Now()))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, c.CID(), snap[0].CID)
	assert.Equal(t, api.StateOpening, snap[0].State)
	assert.Equal(t, uint32(1), snap[0].SequenceNumber)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"payload":     func(c *Config) { c.MaxPayload = 0 },
		"huge":        func(c *Config) { c.MaxPayload = MaxSegmentPayload + 1 },
		"in flight":   func(c *Config) { c.MaxInFlight = 0 },
		"send buffer": func(c *Config) { c.SendBufferSize = c.MaxPayload - 1 },
		"window":      func(c *Config) { c.ReceiveWindow = 0 },
		"rto bounds":  func(c *Config) { c.MaxRTO = c.MinRTO - 1 },
		"initial rto": func(c *Config) { c.InitialRTO = c.MaxRTO + 1 },
		"retransmits": func(c *Config) { c.MaxRetransmits = -1 },
		"handshake":   func(c *Config) { c.HandshakeTimeout = 0 },
		"idle":        func(c *Config) { c.IdleTimeout = 0 },
		"keepalive":   func(c *Config) { c.KeepAliveInterval = -1 },
		"conns":       func(c *Config) { c.MaxConnections = 0 },
		"drop":        func(c *Config) { c.DropRate = 101 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		err := cfg.Validate()
		assert.ErrorIs(t, err, api.ErrInvalidArgument, name)
		assert.Equal(t, api.KindConfig, api.KindOf(err), name)
	}

	_, err := NewManager(Config{}, newMemNet().listen("10.0.0.1:1"), &fakeReg{objs: map[api.PollableObject]bool{}}, nil)
	assert.Error(t, err)
}
