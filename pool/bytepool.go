// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync/atomic"

// BytePool hands out fixed-size byte slices for datagram and socket I/O.
// Safe for concurrent use, though the reactor only touches it from one
// goroutine.
type BytePool struct {
	pool *SyncPool[*[]byte]
	size int

	gets   atomic.Uint64
	puts   atomic.Uint64
	allocs atomic.Uint64
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	b := &BytePool{size: size}
	b.pool = NewSyncPool(func() *[]byte {
		b.allocs.Add(1)
		buf := make([]byte, size)
		return &buf
	}, nil)
	return b
}

// Size returns the length of every buffer handed out.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer of length Size.
func (b *BytePool) GetBuffer() []byte {
	b.gets.Add(1)
	return (*b.pool.Get())[:b.size]
}

// PutBuffer returns a buffer to the pool. Buffers of a foreign size are
// left to the GC.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	b.puts.Add(1)
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

// Stats reports lifetime counters.
func (b *BytePool) Stats() PoolStats {
	return PoolStats{
		Gets:   b.gets.Load(),
		Puts:   b.puts.Load(),
		Allocs: b.allocs.Load(),
	}
}

// PoolStats is a snapshot of BytePool counters.
type PoolStats struct {
	Gets   uint64 `json:"gets"`
	Puts   uint64 `json:"puts"`
	Allocs uint64 `json:"allocs"`
}

// Outstanding is the number of buffers handed out and not yet returned.
func (s PoolStats) Outstanding() int64 { return int64(s.Gets) - int64(s.Puts) }
