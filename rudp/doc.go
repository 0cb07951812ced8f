// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package rudp implements reliable, ordered delivery over an unreliable
// datagram socket. A Manager owns one socket and a table of Conns keyed by
// peer address; each Conn runs the OPENING, OPEN, CLOSING, CLOSED state
// machine with a cumulative-ACK send window, an out-of-order receive buffer
// and per-segment retransmission with exponential backoff.
//
// Everything here runs on the reactor goroutine. Other goroutines may only
// call Manager.Snapshot.
package rudp
