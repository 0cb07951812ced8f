// File: rudp/segment.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Segment wire format, big-endian:
//
//	0  CID    uint32
//	4  Seq    uint32
//	8  Ack    uint32
//	12 Flags  uint8
//	13 Length uint16
//	15 Payload

package rudp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/momentics/hioload-rudp/api"
)

// HeaderSize is the fixed segment header length.
const HeaderSize = 15

// MaxSegmentPayload is the largest payload a UDP datagram can carry after
// the header.
const MaxSegmentPayload = 65507 - HeaderSize

// Flag is the segment flag byte.
type Flag uint8

const (
	FlagOpen Flag = 1 << iota
	FlagClose
	FlagAck
	FlagData
	FlagKeepAlive

	flagMask      = FlagOpen | FlagClose | FlagAck | FlagData | FlagKeepAlive
	flagSequenced = FlagOpen | FlagClose | FlagData
)

// Has reports whether all bits of x are set.
func (f Flag) Has(x Flag) bool { return f&x == x }

// Sequenced reports whether the segment occupies a sequence number.
func (f Flag) Sequenced() bool { return f&flagSequenced != 0 }

// Kind names the segment for metrics: the sequenced flag if any, else ack
// or keepalive.
func (f Flag) Kind() string {
	switch {
	case f&FlagOpen != 0:
		return "open"
	case f&FlagData != 0:
		return "data"
	case f&FlagClose != 0:
		return "close"
	case f&FlagKeepAlive != 0:
		return "keepalive"
	case f&FlagAck != 0:
		return "ack"
	}
	return "unknown"
}

var flagNames = [...]string{"OPEN", "CLOSE", "ACK", "DATA", "KEEPALIVE"}

func (f Flag) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := f &^ flagMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Segment is one protocol unit carried in a datagram.
type Segment struct {
	CID     uint32
	Seq     uint32
	Ack     uint32
	Flags   Flag
	Payload []byte
}

// Size returns the encoded length.
func (s Segment) Size() int { return HeaderSize + len(s.Payload) }

// AppendTo encodes s onto b.
func (s Segment) AppendTo(b []byte) ([]byte, error) {
	if len(s.Payload) > MaxSegmentPayload {
		return b, api.NewError(api.KindProtocol, "encode", api.ErrInvalidArgument).WithContext("payload", len(s.Payload))
	}
	b = binary.BigEndian.AppendUint32(b, s.CID)
	b = binary.BigEndian.AppendUint32(b, s.Seq)
	b = binary.BigEndian.AppendUint32(b, s.Ack)
	b = append(b, byte(s.Flags))
	b = binary.BigEndian.AppendUint16(b, uint16(len(s.Payload)))
	return append(b, s.Payload...), nil
}

// Decode parses one datagram. The returned Payload aliases b.
//
// A datagram is malformed when its length disagrees with the header, it
// carries unknown flags or more than one sequenced flag, its CID is zero,
// or it is an empty DATA segment.
func Decode(b []byte) (Segment, error) {
	if len(b) < HeaderSize {
		return Segment{}, malformed("short datagram", len(b))
	}
	s := Segment{
		CID:   binary.BigEndian.Uint32(b[0:4]),
		Seq:   binary.BigEndian.Uint32(b[4:8]),
		Ack:   binary.BigEndian.Uint32(b[8:12]),
		Flags: Flag(b[12]),
	}
	n := int(binary.BigEndian.Uint16(b[13:15]))
	switch {
	case len(b) != HeaderSize+n:
		return Segment{}, malformed("length mismatch", len(b))
	case s.Flags == 0 || s.Flags&^flagMask != 0:
		return Segment{}, malformed("bad flags", int(s.Flags))
	case bitCount(s.Flags&flagSequenced) > 1:
		return Segment{}, malformed("conflicting flags", int(s.Flags))
	case s.CID == 0:
		return Segment{}, malformed("zero cid", 0)
	case s.Flags.Has(FlagData) && n == 0:
		return Segment{}, malformed("empty data", 0)
	}
	if n > 0 {
		s.Payload = b[HeaderSize:]
	}
	return s, nil
}

func malformed(reason string, v int) error {
	return api.NewError(api.KindProtocol, "decode", fmt.Errorf("%s (%d): %w", reason, v, api.ErrMalformedSegment))
}

func bitCount(f Flag) int {
	n := 0
	for ; f != 0; f &= f - 1 {
		n++
	}
	return n
}

// Serial number arithmetic: comparisons stay correct across wrap-around as
// long as the compared values are within 2^31 of each other.

func seqLess(a, b uint32) bool { return int32(a-b) < 0 }

func seqLessEq(a, b uint32) bool { return int32(a-b) <= 0 }

func seqDiff(a, b uint32) int32 { return int32(a - b) }
