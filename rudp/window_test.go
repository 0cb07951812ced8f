package rudp

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendWindowCumulativeAck(t *testing.T) {
	mc := clock.NewMock()
	w := newSendWindow(mc, time.Minute)
	now := mc.Now()
	w.push(FlagOpen, nil, now, time.Second)
	for i := 1; i <= 5; i++ {
		w.push(FlagData, []byte{byte(i)}, now, time.Second)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, w.seqs())
	assert.Equal(t, 5, w.bytes)

	var retired []uint32
	_, ok := w.ack(3, now.Add(40*time.Millisecond), func(e *txEntry) { retired = append(retired, e.seq) })
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 1, 2, 3}, retired)
	assert.Equal(t, []uint32{4, 5}, w.seqs())
	assert.Equal(t, 2, w.bytes)

	// A repeated or older ack retires nothing.
	retired = nil
	_, ok = w.ack(3, now, func(e *txEntry) { retired = append(retired, e.seq) })
	assert.False(t, ok)
	assert.Empty(t, retired)
	assert.Equal(t, []uint32{4, 5}, w.seqs())
}

func TestSendWindowKarnSkipsRetransmitted(t *testing.T) {
	mc := clock.NewMock()
	w := newSendWindow(mc, time.Minute)
	start := mc.Now()
	e := w.push(FlagOpen, nil, start, time.Second)
	w.retransmitted(e, start.Add(time.Second))

	_, ok := w.ack(0, start.Add(1100*time.Millisecond), func(*txEntry) {})
	assert.False(t, ok, "a retransmitted segment gives no RTT sample")

	w.push(FlagData, []byte("a"), start, time.Second)
	rtt, ok := w.ack(1, start.Add(30*time.Millisecond), func(*txEntry) {})
	assert.True(t, ok)
	assert.Equal(t, 30*time.Millisecond, rtt)
}

func TestSendWindowBackoffDoublesToCap(t *testing.T) {
	mc := clock.NewMock()
	w := newSendWindow(mc, 5*time.Second)
	now := mc.Now()
	e := w.push(FlagData, []byte("x"), now, time.Second)
	assert.Equal(t, now.Add(time.Second), e.deadline)

	var gaps []time.Duration
	for i := 0; i < 4; i++ {
		now = e.deadline
		w.retransmitted(e, now)
		gaps = append(gaps, e.deadline.Sub(now))
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, gaps)
	assert.Equal(t, 4, e.retransmits)
	assert.Equal(t, e.deadline, w.earliest())
}

func TestSendWindowSequenceWraps(t *testing.T) {
	mc := clock.NewMock()
	w := newSendWindow(mc, time.Minute)
	w.nextSeq = math.MaxUint32
	now := mc.Now()
	w.push(FlagData, []byte("a"), now, time.Second)
	w.push(FlagData, []byte("b"), now, time.Second)
	assert.Equal(t, []uint32{math.MaxUint32, 0}, w.seqs())

	w.ack(math.MaxUint32, now, func(*txEntry) {})
	assert.Equal(t, []uint32{0}, w.seqs())
}

func TestRecvBufferRestoresOrder(t *testing.T) {
	b := newRecvBuffer(8)
	var out []byte
	deliver := func(s rxSegment) { out = append(out, s.payload...) }
	seg := func(p string) rxSegment { return rxSegment{flags: FlagData, payload: []byte(p)} }

	require.Equal(t, offerDelivered, b.offer(0, rxSegment{flags: FlagOpen}, deliver))
	assert.Equal(t, offerBuffered, b.offer(2, seg("B"), deliver))
	assert.Equal(t, uint32(0), b.ackNumber())
	assert.Equal(t, offerDelivered, b.offer(1, seg("A"), deliver))
	assert.Equal(t, uint32(2), b.ackNumber())
	assert.Equal(t, offerDelivered, b.offer(3, seg("C"), deliver))
	assert.Equal(t, offerDuplicate, b.offer(2, seg("B"), deliver))
	assert.Equal(t, offerDuplicate, b.offer(1, seg("A"), deliver))

	assert.Equal(t, "ABC", string(out))
	assert.Equal(t, uint32(3), b.ackNumber())
	assert.Zero(t, b.pending())
}

func TestRecvBufferHeldDuplicateAndWindow(t *testing.T) {
	b := newRecvBuffer(4)
	deliver := func(rxSegment) { t.Fatal("nothing is in order") }
	seg := rxSegment{flags: FlagData, payload: []byte("x")}

	assert.Equal(t, offerBuffered, b.offer(3, seg, deliver))
	assert.Equal(t, offerDuplicate, b.offer(3, seg, deliver))
	assert.Equal(t, offerOutOfWindow, b.offer(4, seg, deliver))
	assert.Equal(t, 1, b.pending())
	assert.Equal(t, uint32(math.MaxUint32), b.ackNumber(), "nothing acknowledged before the OPEN")
}

func TestRTOEstimator(t *testing.T) {
	r := newRTOEstimator(time.Second, 200*time.Millisecond, 10*time.Second)
	assert.Equal(t, time.Second, r.current())

	r.sample(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, r.srtt)
	assert.Equal(t, 300*time.Millisecond, r.current())

	r.sample(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, r.srtt)
	assert.Equal(t, 250*time.Millisecond, r.current())

	r.sample(time.Millisecond)
	r.sample(time.Millisecond)
	r.sample(time.Millisecond)
	assert.GreaterOrEqual(t, r.current(), 200*time.Millisecond)

	r.sample(time.Minute)
	assert.Equal(t, 10*time.Second, r.current())
}
