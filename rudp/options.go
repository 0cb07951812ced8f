// File: rudp/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rudp

import (
	"math/rand/v2"

	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-rudp/pool"
	"go.uber.org/zap"
)

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger; the manager names it "rudp".
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log.Named("rudp")
		}
	}
}

// WithClock replaces the wall clock used for every protocol timer.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithBufferPool shares datagram buffers; their size must be at least
// HeaderSize+MaxPayload.
func WithBufferPool(p *pool.BytePool) Option {
	return func(m *Manager) {
		m.pool = p
	}
}

// WithRand makes connection IDs and random drops reproducible.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		if r != nil {
			m.rng = r
		}
	}
}

// WithName labels the manager in logs, e.g. "control" or "data".
func WithName(name string) Option {
	return func(m *Manager) {
		m.name = name
	}
}
