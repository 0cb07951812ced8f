// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the registration contract between the single-threaded reactor
// and everything it drives: sockets, listeners, RUDP managers.

package api

import "time"

// Interest is the set of readiness conditions an object wants reported.
type Interest uint8

const (
	InterestReadable Interest = 1 << iota
	InterestWritable
)

// Readiness is the set of conditions the poller observed for one descriptor.
type Readiness uint8

const (
	Readable Readiness = 1 << iota
	Writable
	Errored
)

func (r Readiness) String() string {
	s := ""
	if r&Readable != 0 {
		s += "r"
	}
	if r&Writable != 0 {
		s += "w"
	}
	if r&Errored != 0 {
		s += "e"
	}
	if s == "" {
		return "-"
	}
	return s
}

// PollableObject is anything that can be registered with the reactor.
// All methods are invoked from the reactor goroutine only and must not block.
type PollableObject interface {
	// Fd returns the underlying OS descriptor.
	Fd() int

	// Interest reports the conditions the object currently cares about.
	// It is re-read before every wait so backpressure can drop Writable.
	Interest() Interest

	// HandleEvent processes one readiness report. Returning an error makes
	// the reactor unregister and terminate the object; ErrDisconnect is the
	// expected error for peer hang-up.
	HandleEvent(r Readiness) error

	// Terminate releases the descriptor and notifies the owner.
	// cause is nil for orderly shutdown.
	Terminate(cause error)
}

// Timed objects get a Tick after every reactor iteration.
type Timed interface {
	// Tick runs deadline checks (retransmission, idle expiry).
	Tick(now time.Time) error

	// NextWake returns the earliest instant Tick has work to do.
	// The zero time means no pending deadline.
	NextWake() time.Time
}

// Drainer objects support graceful shutdown: after BeginClose they finish
// in-flight work and unregister themselves.
type Drainer interface {
	BeginClose()
}

// Registrar is the subset of the reactor handed to objects that register
// or unregister themselves.
type Registrar interface {
	Register(obj PollableObject) error
	Unregister(obj PollableObject) error
}
