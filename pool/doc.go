// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer reuse for the I/O layer: a generic sync.Pool wrapper and a
// fixed-size byte pool used for datagram encode/decode and socket reads.
package pool
