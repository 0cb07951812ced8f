// File: relay/bridge.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package relay

import (
	"errors"
	"io"

	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/rudp"
	"go.uber.org/zap"
)

// bridge pairs one TCP stream with one RUDP connection and handles events
// from both. Each direction stops reading its source while the sink is full:
// TCP reads pause on ErrBackpressure and resume on OnWritable; RUDP data
// stays in the connection while the TCP write buffer is above highWater
// and is pulled again on OnDrain.
type bridge struct {
	r      *Relay
	log    *zap.Logger
	conn   *rudp.Conn
	stream api.Stream
	stash  []byte // TCP bytes refused by the RUDP send buffer

	tcpClosed  bool
	rudpClosed bool
	eof        bool // RUDP peer closed; TCP closes after the flush
	finished   bool

	up   uint64 // TCP to RUDP
	down uint64 // RUDP to TCP
}

var _ rudp.Handler = (*bridge)(nil)

// streamSide adapts the bridge to the TCP socket's handler contract.
type streamSide struct{ b *bridge }

var _ api.StreamHandler = streamSide{}

func (t streamSide) OnConnect(s api.Stream) {
	t.b.stream = s
	t.b.log.Debug("tcp connected")
	t.b.pull()
}

func (t streamSide) OnData(s api.Stream, p []byte) error {
	b := t.b
	if b.rudpClosed {
		return api.ErrConnectionClosed
	}
	if len(b.stash) > 0 {
		b.stash = append(b.stash, p...)
		s.PauseRead()
		return nil
	}
	n, err := b.conn.Write(p)
	b.up += uint64(n)
	if errors.Is(err, api.ErrBackpressure) {
		b.stash = append(b.stash, p[n:]...)
		s.PauseRead()
		return nil
	}
	return err
}

func (t streamSide) OnDrain(api.Stream) { t.b.pull() }

func (t streamSide) OnClose(_ api.Stream, err error) {
	b := t.b
	b.tcpClosed = true
	if err != nil && !errors.Is(err, api.ErrDisconnect) {
		b.log.Info("tcp side failed", zap.Error(err))
	}
	if !b.rudpClosed {
		_ = b.conn.Close()
	}
	b.done()
}

// RUDP side.

func (b *bridge) OnOpen(c *rudp.Conn) {
	b.log.Debug("rudp open")
}

func (b *bridge) OnReadable(*rudp.Conn) { b.pull() }

func (b *bridge) OnWritable(c *rudp.Conn) {
	if len(b.stash) > 0 {
		n, err := c.Write(b.stash)
		b.up += uint64(n)
		b.stash = b.stash[n:]
		if errors.Is(err, api.ErrBackpressure) {
			return
		}
		b.stash = nil
	}
	if b.stream != nil && !b.tcpClosed {
		b.stream.ResumeRead()
	}
}

func (b *bridge) OnClose(c *rudp.Conn, err error) {
	b.rudpClosed = true
	if err != nil {
		b.log.Info("rudp side failed", zap.Error(err))
	}
	// Deliver what already arrived before closing the TCP side.
	b.pull()
	if b.stream != nil && !b.tcpClosed {
		_ = b.stream.Close()
	}
	if b.stream == nil {
		b.tcpClosed = true
	}
	b.done()
}

// pull moves delivered RUDP data to the TCP stream until the stream's
// write buffer passes highWater.
func (b *bridge) pull() {
	if b.stream == nil || b.tcpClosed {
		return
	}
	for b.stream.Buffered() < b.r.cfg.HighWater {
		p, err := b.conn.Receive()
		if errors.Is(err, api.ErrWouldBlock) {
			return
		}
		if err != nil {
			if err == io.EOF && !b.eof {
				b.eof = true
				b.log.Debug("rudp peer closed")
				_ = b.stream.Close()
			}
			return
		}
		if _, err := b.stream.Write(p); err != nil {
			b.log.Debug("tcp write failed", zap.Error(err))
			return
		}
		b.down += uint64(len(p))
	}
}

func (b *bridge) done() {
	if !b.tcpClosed || !b.rudpClosed || b.finished {
		return
	}
	b.finished = true
	b.r.remove(b)
	b.log.Info("bridge closed", zap.Uint64("up", b.up), zap.Uint64("down", b.down))
}
