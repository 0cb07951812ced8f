// File: rudp/recvbuf.go
// Author: momentics <momentics@gmail.com>

package rudp

type offerResult int

const (
	offerDelivered offerResult = iota // in order; cursor advanced
	offerBuffered                     // ahead of the cursor; held
	offerDuplicate                    // already delivered or already held
	offerOutOfWindow                  // too far ahead; discarded
)

type rxSegment struct {
	flags   Flag
	payload []byte
}

// recvBuffer restores sequence order. next is the cursor: the sequence
// number expected next. Everything below it has been delivered.
type recvBuffer struct {
	next   uint32
	held   map[uint32]rxSegment
	window int
}

func newRecvBuffer(window int) recvBuffer {
	return recvBuffer{held: make(map[uint32]rxSegment), window: window}
}

// offer classifies seq. In-order segments, and any held segments they make
// contiguous, are passed to deliver in sequence order. payload must already
// be owned by the caller.
func (b *recvBuffer) offer(seq uint32, s rxSegment, deliver func(rxSegment)) offerResult {
	d := seqDiff(seq, b.next)
	switch {
	case d < 0:
		return offerDuplicate
	case d == 0:
		deliver(s)
		b.next++
		for {
			h, ok := b.held[b.next]
			if !ok {
				break
			}
			delete(b.held, b.next)
			deliver(h)
			b.next++
		}
		return offerDelivered
	case int(d) >= b.window:
		return offerOutOfWindow
	}
	if _, ok := b.held[seq]; ok {
		return offerDuplicate
	}
	b.held[seq] = s
	return offerBuffered
}

// ackNumber is the cumulative acknowledgment: the last in-order sequence
// number received.
func (b *recvBuffer) ackNumber() uint32 { return b.next - 1 }

func (b *recvBuffer) pending() int { return len(b.held) }

func (b *recvBuffer) reset() {
	clear(b.held)
}
