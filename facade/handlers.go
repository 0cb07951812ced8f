// File: facade/handlers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stock connection handlers for managers that are not relays.

package facade

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/rudp"
	"go.uber.org/zap"
)

// Echo writes every received byte back to the sender and closes when the
// peer does.
type Echo struct {
	log   *zap.Logger
	open  map[*rudp.Conn]bool
	stash map[*rudp.Conn][]byte

	active atomic.Int64
	bytes  atomic.Uint64
}

var _ rudp.Handler = (*Echo)(nil)

// NewEcho creates an echo handler.
func NewEcho(log *zap.Logger) *Echo {
	if log == nil {
		log = zap.NewNop()
	}
	return &Echo{
		log:   log.Named("echo"),
		open:  make(map[*rudp.Conn]bool),
		stash: make(map[*rudp.Conn][]byte),
	}
}

// Active returns the number of open connections. Safe from any goroutine.
func (e *Echo) Active() int64 { return e.active.Load() }

// Bytes returns the number of bytes echoed. Safe from any goroutine.
func (e *Echo) Bytes() uint64 { return e.bytes.Load() }

func (e *Echo) OnOpen(c *rudp.Conn) {
	e.open[c] = true
	e.active.Add(1)
	e.log.Debug("echo open", zap.Stringer("peer", c.Peer()))
}

func (e *Echo) OnReadable(c *rudp.Conn) { e.pump(c) }
func (e *Echo) OnWritable(c *rudp.Conn) { e.pump(c) }

func (e *Echo) OnClose(c *rudp.Conn, err error) {
	delete(e.stash, c)
	if e.open[c] {
		delete(e.open, c)
		e.active.Add(-1)
	}
	if err != nil {
		e.log.Debug("echo failed", zap.Stringer("peer", c.Peer()), zap.Error(err))
	}
}

// pump echoes until the connection runs dry or pushes back.
func (e *Echo) pump(c *rudp.Conn) {
	if p := e.stash[c]; len(p) > 0 {
		n, err := c.Write(p)
		e.bytes.Add(uint64(n))
		if errors.Is(err, api.ErrBackpressure) {
			e.stash[c] = p[n:]
			return
		}
		delete(e.stash, c)
	}
	for {
		p, err := c.Receive()
		if err == io.EOF {
			_ = c.Close()
			return
		}
		if err != nil {
			return
		}
		n, err := c.Write(p)
		e.bytes.Add(uint64(n))
		if errors.Is(err, api.ErrBackpressure) {
			e.stash[c] = append([]byte(nil), p[n:]...)
			return
		}
		if err != nil {
			return
		}
	}
}

// Discard reads and drops everything.
type Discard struct {
	bytes atomic.Uint64
}

var _ rudp.Handler = (*Discard)(nil)

// Bytes returns the number of bytes discarded. Safe from any goroutine.
func (d *Discard) Bytes() uint64 { return d.bytes.Load() }

func (d *Discard) OnOpen(*rudp.Conn)         {}
func (d *Discard) OnWritable(*rudp.Conn)     {}
func (d *Discard) OnClose(*rudp.Conn, error) {}

func (d *Discard) OnReadable(c *rudp.Conn) {
	for {
		p, err := c.Receive()
		if err == io.EOF {
			_ = c.Close()
			return
		}
		if err != nil {
			return
		}
		d.bytes.Add(uint64(len(p)))
	}
}
