// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport provides the non-blocking socket objects the reactor
// drives: a stream AsyncSocket parameterized by an api.StreamHandler, a TCP
// Listener that hands accepted descriptors to new AsyncSockets, and a
// DatagramSocket used as the shared RUDP socket.
package transport
