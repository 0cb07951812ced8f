// File: rudp/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rudp

import "net/netip"

// PacketConn is the datagram socket a Manager owns. transport.DatagramSocket
// implements it; tests use an in-memory network.
type PacketConn interface {
	Fd() int
	// ReadFrom returns api.ErrWouldBlock when no datagram is queued.
	ReadFrom(p []byte) (int, netip.AddrPort, error)
	// WriteTo returns api.ErrWouldBlock when the kernel buffer is full.
	WriteTo(p []byte, addr netip.AddrPort) error
	LocalAddr() netip.AddrPort
	Close() error
}

// Handler receives connection notifications on the reactor goroutine.
type Handler interface {
	// OnOpen fires once the handshake completes.
	OnOpen(c *Conn)
	// OnReadable fires when ordered data or end-of-stream became available.
	OnReadable(c *Conn)
	// OnWritable fires when a Write that hit ErrBackpressure may proceed.
	OnWritable(c *Conn)
	// OnClose fires exactly once per connection. err is nil after a clean
	// close handshake, otherwise one of api.ErrHandshakeTimeout,
	// api.ErrIdleTimeout, api.ErrDeliveryFailed or the abort cause.
	OnClose(c *Conn, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Open     func(c *Conn)
	Readable func(c *Conn)
	Writable func(c *Conn)
	Close    func(c *Conn, err error)
}

func (h HandlerFuncs) OnOpen(c *Conn) {
	if h.Open != nil {
		h.Open(c)
	}
}

func (h HandlerFuncs) OnReadable(c *Conn) {
	if h.Readable != nil {
		h.Readable(c)
	}
}

func (h HandlerFuncs) OnWritable(c *Conn) {
	if h.Writable != nil {
		h.Writable(c)
	}
}

func (h HandlerFuncs) OnClose(c *Conn, err error) {
	if h.Close != nil {
		h.Close(c, err)
	}
}

// Metrics receives protocol events. control.Metrics implements it.
type Metrics interface {
	SegmentIn(kind string)
	SegmentOut(kind string, retransmit bool)
	Dropped(reason string)
	Duplicate()
	ConnOpened()
	ConnClosed(reason string)
	ActiveConns(n int)
}

type nopMetrics struct{}

func (nopMetrics) SegmentIn(string)        {}
func (nopMetrics) SegmentOut(string, bool) {}
func (nopMetrics) Dropped(string)          {}
func (nopMetrics) Duplicate()              {}
func (nopMetrics) ConnOpened()             {}
func (nopMetrics) ConnClosed(string)       {}
func (nopMetrics) ActiveConns(int)         {}
