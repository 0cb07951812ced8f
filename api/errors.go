// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-rudp.
// Reactor I/O errors and protocol errors are kept apart by ErrorKind so
// owners can decide whether a failure is local to one object or one peer.

package api

import (
	"errors"
	"fmt"
)

// Reactor and socket errors.
var (
	ErrInvalidDescriptor = errors.New("invalid or closed descriptor")
	ErrAlreadyRegistered = errors.New("descriptor already registered")
	ErrNotRegistered     = errors.New("descriptor not registered")
	ErrPollerClosed      = errors.New("poller is closed")
	ErrDisconnect        = errors.New("peer disconnected")
	ErrWouldBlock        = errors.New("operation would block")
	ErrNotSupported      = errors.New("operation not supported")
)

// Protocol errors.
var (
	ErrBackpressure     = errors.New("send buffer full")
	ErrMalformedSegment = errors.New("malformed segment")
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrIdleTimeout      = errors.New("idle timeout")
	ErrDeliveryFailed   = errors.New("delivery failed: retransmissions exhausted")
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Management errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("temporarily unavailable")
)

// ErrorKind separates the two error boundaries of the system.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindReactor
	KindProtocol
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindReactor:
		return "reactor"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	default:
		return "internal"
	}
}

// Error represents a structured error with kind, cause and context.
type Error struct {
	Kind    ErrorKind
	Op      string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the sentinel for errors.Is.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf reports the kind of the first structured error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
