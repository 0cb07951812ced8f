// File: transport/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"time"

	"github.com/momentics/hioload-rudp/pool"
	"go.uber.org/zap"
)

const defaultReadBufferSize = 64 << 10

type options struct {
	log      *zap.Logger
	pool     *pool.BytePool
	backlog  int
	rcvBuf   int
	sndBuf   int
	maxReads int
	noDelay  bool
	backoff  time.Duration
	expires  time.Time
}

func defaultOptions() options {
	return options{
		log:      zap.NewNop(),
		backlog:  128,
		maxReads: 16,
		noDelay:  true,
		backoff:  100 * time.Millisecond,
	}
}

func (o *options) apply(opts []Option) {
	for _, fn := range opts {
		fn(o)
	}
	if o.pool == nil {
		o.pool = pool.NewBytePool(defaultReadBufferSize)
	}
}

// Option customizes sockets and listeners.
type Option func(*options)

// WithLogger sets the logger; sockets name it "transport".
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log.Named("transport")
		}
	}
}

// WithBufferPool shares read buffers across sockets.
func WithBufferPool(p *pool.BytePool) Option {
	return func(o *options) {
		o.pool = p
	}
}

// WithBacklog overrides the listen backlog.
func WithBacklog(n int) Option {
	return func(o *options) {
		o.backlog = n
	}
}

// WithKernelBuffers sets SO_RCVBUF and SO_SNDBUF; zero keeps the default.
func WithKernelBuffers(rcv, snd int) Option {
	return func(o *options) {
		o.rcvBuf = rcv
		o.sndBuf = snd
	}
}

// WithMaxReadsPerEvent bounds how many reads one readiness event performs
// before yielding to other objects.
func WithMaxReadsPerEvent(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxReads = n
		}
	}
}

// WithAcceptBackoff sets how long a listener stops accepting after a
// persistent accept error such as descriptor exhaustion.
func WithAcceptBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithExpiry makes a listener close itself on the first reactor tick at or
// after at. Sockets it already accepted are not affected.
func WithExpiry(at time.Time) Option {
	return func(o *options) {
		o.expires = at
	}
}
