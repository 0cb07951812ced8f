// File: api/handler.go
// Package api defines the application-level handler injected into sockets.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Stream is the byte-level contract an AsyncSocket exposes to its handler.
type Stream interface {
	// Write accepts all of p, sending what the kernel takes now and
	// buffering the remainder.
	Write(p []byte) (int, error)

	// Buffered returns the number of bytes accepted but not yet sent.
	Buffered() int

	// PauseRead stops readable interest; ResumeRead restores it.
	PauseRead()
	ResumeRead()

	// Close flushes buffered bytes and then releases the socket.
	Close() error
}

// StreamHandler is the capability injected into a generic AsyncSocket.
// Control, data, echo or relay behaviour lives here instead of in socket
// subclasses.
type StreamHandler interface {
	// OnConnect fires once the connection is usable: when an outbound
	// connect completes, or right after an accepted socket is registered.
	OnConnect(s Stream)

	// OnData receives bytes in arrival order. The slice is only valid for
	// the duration of the call.
	OnData(s Stream, p []byte) error

	// OnDrain fires when the write buffer has been fully flushed.
	OnDrain(s Stream)

	// OnClose fires exactly once; err is nil for a local orderly close.
	OnClose(s Stream, err error)
}
