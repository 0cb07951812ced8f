// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for hioload-rudp components.

package benchmarks

import (
	"testing"

	"github.com/momentics/hioload-rudp/pool"
	"github.com/momentics/hioload-rudp/rudp"
)

// BenchmarkBytePool measures pooled datagram buffer reuse.
func BenchmarkBytePool(b *testing.B) {
	p := pool.NewBytePool(rudp.HeaderSize + rudp.DefaultConfig().MaxPayload)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := p.GetBuffer()
			p.PutBuffer(buf)
		}
	})
}

// BenchmarkSegmentEncode measures header plus payload serialization.
func BenchmarkSegmentEncode(b *testing.B) {
	s := rudp.Segment{CID: 7, Seq: 42, Ack: 41, Flags: rudp.FlagData | rudp.FlagAck, Payload: make([]byte, 1024)}
	dst := make([]byte, 0, s.Size())
	b.SetBytes(int64(s.Size()))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.AppendTo(dst[:0]); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSegmentDecode measures header validation and payload slicing.
func BenchmarkSegmentDecode(b *testing.B) {
	s := rudp.Segment{CID: 7, Seq: 42, Ack: 41, Flags: rudp.FlagData | rudp.FlagAck, Payload: make([]byte, 1024)}
	wire, err := s.AppendTo(nil)
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(wire)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rudp.Decode(wire); err != nil {
			b.Fatal(err)
		}
	}
}
