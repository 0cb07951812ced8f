//go:build linux
// +build linux

package transport

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

// recorder is a StreamHandler that records everything it sees.
type recorder struct {
	connected int
	data      bytes.Buffer
	drained   int
	closed    int
	closeErr  error
	echo      bool
}

func (r *recorder) OnConnect(api.Stream) { r.connected++ }

func (r *recorder) OnData(s api.Stream, p []byte) error {
	r.data.Write(p)
	if r.echo {
		_, err := s.Write(p)
		return err
	}
	return nil
}

func (r *recorder) OnDrain(api.Stream) { r.drained++ }

func (r *recorder) OnClose(_ api.Stream, err error) {
	r.closed++
	r.closeErr = err
}

func newLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	cfg := reactor.DefaultConfig()
	cfg.WaitTimeout = 20 * time.Millisecond
	l, err := reactor.NewLoop(cfg, reactor.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func runUntil(t *testing.T, l *reactor.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		_, err := l.RunOnce(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

func TestListenerEchoRoundTrip(t *testing.T) {
	l := newLoop(t)
	server := &recorder{echo: true}
	ln, err := Listen(l, loopback, func(netip.AddrPort) (api.StreamHandler, error) {
		return server, nil
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NotZero(t, ln.Addr().Port())

	client := &recorder{}
	c, err := Dial(l, ln.Addr(), client)
	require.NoError(t, err)

	runUntil(t, l, func() bool { return client.connected == 1 })
	_, err = c.Write([]byte("hello reactor"))
	require.NoError(t, err)

	runUntil(t, l, func() bool { return client.data.Len() == len("hello reactor") })
	assert.Equal(t, "hello reactor", client.data.String())
	assert.Equal(t, "hello reactor", server.data.String())
	assert.Equal(t, uint64(1), ln.Accepted())
	assert.Equal(t, 1, server.connected, "accepted sockets get OnConnect")

	require.NoError(t, c.Close())
	assert.Equal(t, 1, client.closed)
	assert.NoError(t, client.closeErr)

	runUntil(t, l, func() bool { return server.closed == 1 })
	assert.ErrorIs(t, server.closeErr, api.ErrDisconnect)
}

func TestAsyncSocketWritableInterestOnlyWhileBuffered(t *testing.T) {
	l := newLoop(t)
	var accepted *recorder
	ln, err := Listen(l, loopback, func(netip.AddrPort) (api.StreamHandler, error) {
		accepted = &recorder{}
		return accepted, nil
	})
	require.NoError(t, err)

	client := &recorder{}
	c, err := Dial(l, ln.Addr(), client)
	require.NoError(t, err)
	runUntil(t, l, func() bool { return client.connected == 1 && accepted != nil })

	assert.Equal(t, api.InterestReadable, c.Interest())

	// Pause the receiver so the kernel buffers fill and Write must queue.
	c.PauseRead()
	payload := bytes.Repeat([]byte("x"), 1<<20)
	for i := 0; i < 16 && c.Buffered() == 0; i++ {
		n, err := c.Write(payload)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)
	}
	require.Positive(t, c.Buffered())
	assert.Equal(t, api.InterestWritable, c.Interest()&api.InterestWritable)
	assert.Zero(t, c.Interest()&api.InterestReadable, "paused socket is not read")

	runUntil(t, l, func() bool { return c.Buffered() == 0 })
	assert.Positive(t, client.drained)
	c.ResumeRead()
	assert.Equal(t, api.InterestReadable, c.Interest())
	runUntil(t, l, func() bool { return uint64(accepted.data.Len()) == c.BytesOut() })
}

func TestDialRefusedEndsInDisconnect(t *testing.T) {
	l := newLoop(t)

	// Grab a free port and release it so nothing listens there.
	spare, err := Listen(l, loopback, func(netip.AddrPort) (api.StreamHandler, error) { return nil, nil })
	require.NoError(t, err)
	addr := spare.Addr()
	require.NoError(t, spare.Close())

	client := &recorder{}
	_, err = Dial(l, addr, client)
	if err != nil {
		assert.ErrorIs(t, err, api.ErrDisconnect)
		return
	}
	runUntil(t, l, func() bool { return client.closed == 1 })
	assert.Zero(t, client.connected)
	assert.ErrorIs(t, client.closeErr, api.ErrDisconnect)
}

func TestCloseDuringConnectFinishesOnceConnected(t *testing.T) {
	l := newLoop(t)
	ln, err := Listen(l, loopback, func(netip.AddrPort) (api.StreamHandler, error) {
		return &recorder{}, nil
	})
	require.NoError(t, err)

	client := &recorder{}
	c, err := Dial(l, ln.Addr(), client)
	require.NoError(t, err)
	if !c.connecting {
		t.Skip("connect completed synchronously")
	}
	require.NoError(t, c.Close())
	assert.Zero(t, client.closed, "close waits for the pending connect")

	runUntil(t, l, func() bool { return client.closed == 1 })
	assert.Equal(t, 1, client.connected)
	assert.NoError(t, client.closeErr)
	assert.Zero(t, c.Interest())
}

// gatedRegistrar refuses registrations while closed is set.
type gatedRegistrar struct {
	api.Registrar
	closed bool
}

func (g *gatedRegistrar) Register(obj api.PollableObject) error {
	if g.closed {
		return api.ErrPollerClosed
	}
	return g.Registrar.Register(obj)
}

func TestListenerClosesHandlerWhenSocketCannotRegister(t *testing.T) {
	l := newLoop(t)
	reg := &gatedRegistrar{Registrar: l}
	var server *recorder
	ln, err := Listen(reg, loopback, func(netip.AddrPort) (api.StreamHandler, error) {
		server = &recorder{}
		return server, nil
	})
	require.NoError(t, err)
	reg.closed = true

	client := &recorder{}
	_, err = Dial(l, ln.Addr(), client)
	require.NoError(t, err)

	runUntil(t, l, func() bool { return server != nil && server.closed == 1 })
	assert.Zero(t, server.connected)
	assert.ErrorIs(t, server.closeErr, api.ErrPollerClosed)
	assert.Zero(t, ln.Accepted())

	runUntil(t, l, func() bool { return client.closed == 1 })
	assert.ErrorIs(t, client.closeErr, api.ErrDisconnect)
}

func TestListenerBacksOffAfterAcceptError(t *testing.T) {
	l := newLoop(t)
	server := &recorder{}
	ln, err := Listen(l, loopback, func(netip.AddrPort) (api.StreamHandler, error) {
		return server, nil
	}, WithAcceptBackoff(time.Second))
	require.NoError(t, err)

	ln.stall(errors.New("too many open files"))
	assert.Equal(t, uint64(1), ln.AcceptFailures())
	assert.Zero(t, ln.Interest(), "no readable interest while backing off")
	require.NoError(t, ln.HandleEvent(api.Readable))
	assert.Zero(t, ln.Accepted())

	now := time.Now()
	require.NoError(t, ln.Tick(now))
	assert.Equal(t, now.Add(time.Second), ln.NextWake())
	require.NoError(t, ln.Tick(now.Add(500*time.Millisecond)))
	assert.Zero(t, ln.Interest())

	require.NoError(t, ln.Tick(now.Add(time.Second)))
	assert.True(t, ln.NextWake().IsZero())
	assert.Equal(t, api.InterestReadable, ln.Interest())

	client := &recorder{}
	_, err = Dial(l, ln.Addr(), client)
	require.NoError(t, err)
	runUntil(t, l, func() bool { return ln.Accepted() == 1 })
	assert.Equal(t, 1, server.connected)
}

func TestListenerResumesAcceptingAfterBackoff(t *testing.T) {
	l := newLoop(t)
	server := &recorder{}
	ln, err := Listen(l, loopback, func(netip.AddrPort) (api.StreamHandler, error) {
		return server, nil
	}, WithAcceptBackoff(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	ln.stall(errors.New("too many open files"))
	client := &recorder{}
	_, err = Dial(l, ln.Addr(), client)
	require.NoError(t, err)

	runUntil(t, l, func() bool { return ln.Accepted() == 1 })
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, uint64(1), ln.AcceptFailures())
}

func TestDatagramSocket(t *testing.T) {
	a, err := ListenUDP(loopback)
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP(loopback)
	require.NoError(t, err)
	defer b.Close()

	buf := make([]byte, 1500)
	_, _, err = a.ReadFrom(buf)
	assert.ErrorIs(t, err, api.ErrWouldBlock)

	require.NoError(t, b.WriteTo([]byte("ping"), a.LocalAddr()))

	var (
		n    int
		from netip.AddrPort
	)
	require.Eventually(t, func() bool {
		n, from, err = a.ReadFrom(buf)
		return err == nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, b.LocalAddr(), from)
	assert.NoError(t, a.PendingError())

	require.NoError(t, a.Close())
	_, _, err = a.ReadFrom(buf)
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
}
