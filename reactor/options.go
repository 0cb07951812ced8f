// File: reactor/options.go
// Package reactor defines functional options for the Loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Observer receives per-iteration statistics. control.Metrics implements it.
type Observer interface {
	ObserveBatch(events int)
}

// LoopOption customizes Loop initialization.
type LoopOption func(*Loop)

// WithLogger sets the logger; the loop names it "reactor".
func WithLogger(log *zap.Logger) LoopOption {
	return func(l *Loop) {
		if log != nil {
			l.log = log.Named("reactor")
		}
	}
}

// WithClock replaces the wall clock used for timer deadlines.
func WithClock(c clock.Clock) LoopOption {
	return func(l *Loop) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithObserver attaches an iteration observer.
func WithObserver(o Observer) LoopOption {
	return func(l *Loop) {
		l.obs = o
	}
}
