// File: relay/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package relay

import (
	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-rudp/transport"
	"go.uber.org/zap"
)

// Option customizes a Relay.
type Option func(*Relay)

// WithLogger sets the logger; the relay names it "relay".
func WithLogger(log *zap.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log.Named("relay")
		}
	}
}

// WithTransportOptions applies opts to every TCP socket the relay creates.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(r *Relay) {
		r.topts = append(r.topts, opts...)
	}
}

// WithClock sets the clock tunnel expiry is computed from. It must be the
// clock of the reactor driving the relay.
func WithClock(c clock.Clock) Option {
	return func(r *Relay) {
		if c != nil {
			r.clock = c
		}
	}
}
